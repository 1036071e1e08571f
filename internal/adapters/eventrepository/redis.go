package eventrepository

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Amund211/conduit/internal/domain"
	"github.com/Amund211/conduit/internal/reporting"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultRedisPrefix = "conduit:events"
	defaultDedupTTL    = 24 * time.Hour
	releaseTimeout     = 5 * time.Second
)

// Redis appends events to a stream. Event ids are remembered for dedupTTL so that a batch that is
// retried after a partial failure is not appended twice.
type Redis struct {
	client   *redis.Client
	prefix   string
	dedupTTL time.Duration
	tracer   trace.Tracer
}

type RedisOption func(*Redis)

func WithRedisPrefix(prefix string) RedisOption {
	return func(r *Redis) {
		r.prefix = strings.Trim(prefix, ":")
	}
}

func WithDedupTTL(ttl time.Duration) RedisOption {
	return func(r *Redis) {
		r.dedupTTL = ttl
	}
}

func NewRedis(client *redis.Client, opts ...RedisOption) *Redis {
	r := &Redis{
		client:   client,
		prefix:   defaultRedisPrefix,
		dedupTTL: defaultDedupTTL,
		tracer:   otel.Tracer("conduit/eventrepository/redis"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Redis) StreamKey() string {
	return r.prefix + ":stream"
}

func (r *Redis) dedupKey(eventID string) string {
	return r.prefix + ":seen:" + eventID
}

func (r *Redis) StoreEvents(ctx context.Context, events []domain.Event) error {
	ctx, span := r.tracer.Start(ctx, "Redis.StoreEvents")
	defer span.End()

	span.SetAttributes(attribute.Int("events.count", len(events)))

	if len(events) == 0 {
		return nil
	}

	values := make([]map[string]any, len(events))
	for i, event := range events {
		v, err := toStreamValues(event)
		if err != nil {
			reporting.Report(ctx, err, map[string]string{
				"eventID": event.ID,
			})
			return err
		}
		values[i] = v
	}

	claimPipe := r.client.Pipeline()
	claims := make([]*redis.BoolCmd, len(events))
	for i, event := range events {
		claims[i] = claimPipe.SetNX(ctx, r.dedupKey(event.ID), 1, r.dedupTTL)
	}
	if _, err := claimPipe.Exec(ctx); err != nil {
		// Some of the claims may have been taken before the pipeline failed
		r.releaseClaims(ctx, events, claims)

		err := fmt.Errorf("failed to claim event ids: %w", err)
		reporting.Report(ctx, err)
		return err
	}

	appendPipe := r.client.Pipeline()
	appended := 0
	for i := range events {
		if !claims[i].Val() {
			continue
		}

		appendPipe.XAdd(ctx, &redis.XAddArgs{
			Stream: r.StreamKey(),
			Values: values[i],
		})
		appended++
	}
	span.SetAttributes(attribute.Int("events.appended", appended))

	if appended == 0 {
		return nil
	}

	if _, err := appendPipe.Exec(ctx); err != nil {
		r.releaseClaims(ctx, events, claims)

		err := fmt.Errorf("failed to append events to stream: %w", err)
		reporting.Report(ctx, err, map[string]string{
			"stream": r.StreamKey(),
		})
		return err
	}

	return nil
}

// releaseClaims removes the dedup keys this call took so a retry appends the events again.
// It runs even when ctx is done, since a missed release hides the events for dedupTTL.
func (r *Redis) releaseClaims(ctx context.Context, events []domain.Event, claims []*redis.BoolCmd) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()

	keys := make([]string, 0, len(events))
	for i, event := range events {
		if claims[i].Err() == nil && claims[i].Val() {
			keys = append(keys, r.dedupKey(event.ID))
		}
	}
	if len(keys) == 0 {
		return
	}

	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		reporting.Report(ctx, fmt.Errorf("failed to release event id claims: %w", err), map[string]string{
			"claims": strconv.Itoa(len(keys)),
		})
	}
}

func toStreamValues(event domain.Event) (map[string]any, error) {
	properties := event.Properties
	if properties == nil {
		properties = map[string]string{}
	}
	encoded, err := json.Marshal(properties)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal properties: %w", err)
	}

	return map[string]any{
		"id":          event.ID,
		"name":        event.Name,
		"source":      event.Source,
		"properties":  string(encoded),
		"occurred_at": event.OccurredAt.UTC().Format(time.RFC3339Nano),
		"received_at": event.ReceivedAt.UTC().Format(time.RFC3339Nano),
	}, nil
}
