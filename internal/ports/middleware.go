package ports

import (
	"log/slog"
	"net/http"

	"github.com/Amund211/conduit/internal/logging"
	"github.com/Amund211/conduit/internal/ratelimiting"
	"github.com/Amund211/conduit/internal/reporting"
)

func NewRateLimitMiddleware(rateLimiter ratelimiting.RequestRateLimiter, onLimitExceeded http.HandlerFunc) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if !rateLimiter.Consume(r) {
				logging.FromContext(r.Context()).InfoContext(
					r.Context(),
					"Rate limit exceeded",
					slog.String("key", rateLimiter.KeyFor(r)),
				)
				onLimitExceeded(w, r)
				return
			}

			next(w, r)
		}
	}
}

func ComposeMiddlewares(middlewares ...func(http.HandlerFunc) http.HandlerFunc) func(http.HandlerFunc) http.HandlerFunc {
	if len(middlewares) == 0 {
		return func(h http.HandlerFunc) http.HandlerFunc {
			return h
		}
	}
	if len(middlewares) == 1 {
		return middlewares[0]
	}
	first := middlewares[0]
	rest := ComposeMiddlewares(middlewares[1:]...)
	return func(h http.HandlerFunc) http.HandlerFunc {
		return first(rest(h))
	}
}

// Limits is a set of request rate limiters, checked in order
type Limits struct {
	limiters []ratelimiting.RequestRateLimiter
}

func NewLimits(limiters ...ratelimiting.RequestRateLimiter) *Limits {
	return &Limits{limiters: limiters}
}

func (l *Limits) middlewares() []func(http.HandlerFunc) http.HandlerFunc {
	middlewares := make([]func(http.HandlerFunc) http.HandlerFunc, 0, len(l.limiters))
	for _, limiter := range l.limiters {
		middlewares = append(middlewares, NewRateLimitMiddleware(limiter, rateLimitExceeded))
	}
	return middlewares
}

// buildHandlerMiddleware is the middleware chain shared by all endpoints
func buildHandlerMiddleware(
	name string,
	rootLogger *slog.Logger,
	sentryMiddleware func(http.HandlerFunc) http.HandlerFunc,
	allowedOrigins *DomainSuffixes,
	limits *Limits,
) func(http.HandlerFunc) http.HandlerFunc {
	middlewares := []func(http.HandlerFunc) http.HandlerFunc{
		buildMetricsMiddleware(),
		logging.NewRequestLoggerMiddleware(rootLogger),
		sentryMiddleware,
		reporting.NewAddMetaMiddleware(name),
		BuildCORSMiddleware(allowedOrigins),
	}
	middlewares = append(middlewares, limits.middlewares()...)
	return ComposeMiddlewares(middlewares...)
}
