package ratelimiting

import (
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/time/rate"
)

const limiterTTL = 30 * time.Minute

type RateLimiter interface {
	Consume(key string) bool
}

type RefillPerSecond float64
type BurstSize int

type tokenBucketRateLimiter struct {
	limiters *ttlcache.Cache[string, *rate.Limiter]
	refill   rate.Limit
	burst    int
}

func (l *tokenBucketRateLimiter) Consume(key string) bool {
	item, _ := l.limiters.GetOrSet(key, rate.NewLimiter(l.refill, l.burst))
	return item.Value().Allow()
}

// NewTokenBucketRateLimiter returns a limiter keeping one token bucket per key.
// Buckets idle for longer than limiterTTL are evicted. Call the returned func to stop eviction.
func NewTokenBucketRateLimiter(refillPerSecond RefillPerSecond, burstSize BurstSize) (RateLimiter, func()) {
	limiters := ttlcache.New(
		ttlcache.WithTTL[string, *rate.Limiter](limiterTTL),
	)
	go limiters.Start()

	return &tokenBucketRateLimiter{
		limiters: limiters,
		refill:   rate.Limit(refillPerSecond),
		burst:    int(burstSize),
	}, limiters.Stop
}

type RequestRateLimiter interface {
	Consume(r *http.Request) bool
	KeyFor(r *http.Request) string
}

type KeyFunc func(r *http.Request) string

type requestBasedRateLimiter struct {
	limiter RateLimiter
	keyFunc KeyFunc
}

func (l *requestBasedRateLimiter) Consume(r *http.Request) bool {
	return l.limiter.Consume(l.keyFunc(r))
}

func (l *requestBasedRateLimiter) KeyFor(r *http.Request) string {
	return l.keyFunc(r)
}

func NewRequestBasedRateLimiter(limiter RateLimiter, keyFunc KeyFunc) RequestRateLimiter {
	return &requestBasedRateLimiter{
		limiter: limiter,
		keyFunc: keyFunc,
	}
}

// IPKeyFunc keys on the client ip, preferring the first X-Forwarded-For entry set by the load balancer
func IPKeyFunc(r *http.Request) string {
	if forwardedFor := r.Header.Get("X-Forwarded-For"); forwardedFor != "" {
		client, _, _ := strings.Cut(forwardedFor, ",")
		if client = strings.TrimSpace(client); client != "" {
			return fmt.Sprintf("ip: %s", client)
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return fmt.Sprintf("ip: %s", host)
}

func UserIDKeyFunc(r *http.Request) string {
	userID := r.Header.Get("X-User-Id")
	if userID == "" {
		userID = "<missing>"
	}
	return fmt.Sprintf("user-id: %.50s", userID)
}

// DeviceKeyFunc keys on the device address in the request path
func DeviceKeyFunc(r *http.Request) string {
	address := r.PathValue("address")
	if address == "" {
		address = "<missing>"
	}
	return fmt.Sprintf("device: %.260s", address)
}
