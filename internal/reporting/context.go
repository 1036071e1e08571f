package reporting

import (
	"context"
	"maps"
	"time"

	"github.com/getsentry/sentry-go"
)

type reportingMetaContextKey struct{}

type ReportingMeta struct {
	tags          map[string]string
	extras        map[string]string
	userID        string
	deviceAddress string
	startedAt     time.Time
}

func MetaFromContext(ctx context.Context) ReportingMeta {
	meta, ok := ctx.Value(reportingMetaContextKey{}).(ReportingMeta)
	if !ok {
		return ReportingMeta{
			tags:   make(map[string]string),
			extras: make(map[string]string),
		}
	}
	return ReportingMeta{
		tags:          maps.Clone(meta.tags),
		extras:        maps.Clone(meta.extras),
		userID:        meta.userID,
		deviceAddress: meta.deviceAddress,
		startedAt:     meta.startedAt,
	}
}

func addMetaToContext(ctx context.Context, meta ReportingMeta) context.Context {
	return context.WithValue(ctx, reportingMetaContextKey{}, meta)
}

func setStartedAtInContext(ctx context.Context, startedAt time.Time) context.Context {
	meta := MetaFromContext(ctx)
	meta.startedAt = startedAt

	return addMetaToContext(ctx, meta)
}

func AddExtrasToContext(ctx context.Context, extras map[string]string) context.Context {
	meta := MetaFromContext(ctx)

	for key, value := range extras {
		meta.extras[key] = value
	}

	return addMetaToContext(ctx, meta)
}

func AddTagsToContext(ctx context.Context, tags map[string]string) context.Context {
	meta := MetaFromContext(ctx)

	for key, value := range tags {
		meta.tags[key] = value
	}

	return addMetaToContext(ctx, meta)
}

func SetUserIDInContext(ctx context.Context, userID string) context.Context {
	meta := MetaFromContext(ctx)
	meta.userID = userID

	return addMetaToContext(ctx, meta)
}

// SetDeviceInContext attaches the device a request is about. Reports carry it as a "device" context
// rather than a tag, since addresses are unbounded.
func SetDeviceInContext(ctx context.Context, address string) context.Context {
	meta := MetaFromContext(ctx)
	meta.deviceAddress = address

	return addMetaToContext(ctx, meta)
}

// WithProcessHub attaches the process-wide Sentry hub when ctx carries none, so work that outlives
// its request (e.g. a background persist) still reports to Sentry.
func WithProcessHub(ctx context.Context) context.Context {
	if sentry.GetHubFromContext(ctx) == nil && sentry.CurrentHub().Client() != nil {
		ctx = sentry.SetHubOnContext(ctx, sentry.CurrentHub().Clone())
	}
	return ctx
}
