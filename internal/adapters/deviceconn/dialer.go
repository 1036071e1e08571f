package deviceconn

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/Amund211/conduit/internal/domain"
	"github.com/Amund211/conduit/internal/logging"
	"github.com/Amund211/conduit/internal/ratelimiting"
	"github.com/Amund211/conduit/internal/strutils"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	dialsPerWindow = 60
	dialWindow     = time.Minute
)

type DialLimiter interface {
	Do(ctx context.Context, maxOperationTime time.Duration, operation func() error) error
}

type netDialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

type Dialer struct {
	dialer      netDialer
	limiter     DialLimiter
	dialTimeout time.Duration
	nowFunc     func() time.Time

	metrics *deviceConnMetricsCollection
	tracer  trace.Tracer
}

func NewDialer(dialTimeout time.Duration, nowFunc func() time.Time, afterFunc func(time.Duration) <-chan time.Time) (*Dialer, error) {
	limiter := ratelimiting.NewWindowLimiter(dialsPerWindow, dialWindow, nowFunc, afterFunc)
	return newDialer(&net.Dialer{Timeout: dialTimeout}, limiter, dialTimeout, nowFunc)
}

func newDialer(dialer netDialer, limiter DialLimiter, dialTimeout time.Duration, nowFunc func() time.Time) (*Dialer, error) {
	const name = "conduit/deviceconn"

	metrics, err := setupDeviceConnMetrics(otel.Meter(name))
	if err != nil {
		return nil, fmt.Errorf("failed to set up metrics: %w", err)
	}

	return &Dialer{
		dialer:      dialer,
		limiter:     limiter,
		dialTimeout: dialTimeout,
		nowFunc:     nowFunc,

		metrics: metrics,
		tracer:  otel.Tracer(name),
	}, nil
}

// Dial opens a TCP connection to the device at address.
// The returned connection reports Disconnected as soon as the peer closes it or a write fails.
func (d *Dialer) Dial(ctx context.Context, address string) (domain.DeviceConnection, error) {
	ctx, span := d.tracer.Start(ctx, "Dialer.Dial")
	defer span.End()

	normalized, err := strutils.NormalizeAddress(address)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrInvalidAddress, err)
	}
	span.SetAttributes(attribute.String("device.address", normalized))

	logger := logging.FromContext(ctx).With("address", normalized)

	var conn net.Conn
	start := d.nowFunc()
	err = d.limiter.Do(ctx, d.dialTimeout, func() error {
		dialCtx, cancel := context.WithTimeout(ctx, d.dialTimeout)
		defer cancel()

		var dialErr error
		conn, dialErr = d.dialer.DialContext(dialCtx, "tcp", normalized)
		return dialErr
	})
	elapsed := d.nowFunc().Sub(start).Seconds()

	if errors.Is(err, ratelimiting.ErrDeadlineUnreachable) {
		d.metrics.recordDial(ctx, "limited", elapsed)
		logger.WarnContext(ctx, "Dial refused by rate limiter")
		span.SetStatus(codes.Error, "rate limited")
		return nil, fmt.Errorf("%w: too many dials to devices", domain.ErrTemporarilyUnavailable)
	}
	if err != nil {
		d.metrics.recordDial(ctx, "error", elapsed)
		logger.WarnContext(ctx, "Failed to dial device", "error", err.Error())
		span.RecordError(err)
		span.SetStatus(codes.Error, "dial failed")
		return nil, fmt.Errorf("%w: failed to dial %s: %w", domain.ErrDeviceUnavailable, normalized, err)
	}

	d.metrics.recordDial(ctx, "success", elapsed)
	logger.InfoContext(ctx, "Connected to device")

	return newTCPConnection(conn, normalized, d.nowFunc(), d.metrics), nil
}
