package logging

import (
	"context"
	"log/slog"
	"os"
)

type loggerContextKey struct{}

// FromContext returns the logger stored in ctx. Work that runs without one, e.g. a background
// persist started from a test, gets a fallback that is marked as such.
func FromContext(ctx context.Context) *slog.Logger {
	logger, ok := ctx.Value(loggerContextKey{}).(*slog.Logger)
	if !ok || logger == nil {
		return slog.New(slog.NewJSONHandler(os.Stdout, nil)).With(
			slog.String("service", "conduit"),
			slog.String("logger", "fallback"),
		)
	}
	return logger
}

func AddToContext(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerContextKey{}, logger)
}

func AddMetaToContext(ctx context.Context, attrs ...slog.Attr) context.Context {
	args := make([]any, len(attrs))
	for i, attr := range attrs {
		args[i] = attr
	}

	return AddToContext(ctx, FromContext(ctx).With(args...))
}

// AddDeviceToContext tags every following log line with the device address
func AddDeviceToContext(ctx context.Context, address string) context.Context {
	return AddMetaToContext(ctx, slog.Group("device", slog.String("address", address)))
}
