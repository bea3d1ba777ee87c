// Package ratelimit gates outbound marketplace calls. Quotas are enforced
// with token buckets sized to the quota, which approximates the
// fixed-window counters marketplaces publish; the approximation is
// acceptable because marketplace quotas carry slack.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/meschain/sync-core/internal/event"
	"github.com/meschain/sync-core/internal/model"
)

// ErrRateLimitExceeded is returned before an outbound call would exceed
// its quota. Callers retry later; the quota is never exceeded.
var ErrRateLimitExceeded = errors.New("rate limit exceeded")

// Quota is the request budget for one endpoint class within a period.
type Quota struct {
	Requests int
	Period   time.Duration
}

// Limiter tracks per-marketplace, per-endpoint-class consumption.
type Limiter struct {
	logger   *zap.Logger
	bus      *event.Bus
	mu       sync.Mutex
	quotas   map[string]Quota
	limiters map[string]*rate.Limiter
	fallback Quota
}

// NewLimiter creates a limiter. fallback applies to endpoint classes with
// no explicit quota.
func NewLimiter(bus *event.Bus, fallback Quota, logger *zap.Logger) *Limiter {
	return &Limiter{
		logger:   logger.Named("rate-limiter"),
		bus:      bus,
		quotas:   make(map[string]Quota),
		limiters: make(map[string]*rate.Limiter),
		fallback: fallback,
	}
}

// SetQuota registers the quota for a marketplace endpoint class.
func (l *Limiter) SetQuota(m model.Marketplace, endpointClass string, q Quota) {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := limiterKey(m, endpointClass)
	l.quotas[key] = q
	delete(l.limiters, key)
}

// CheckAndConsume consumes one request from the quota, failing fast with
// ErrRateLimitExceeded when none remains in the current period.
func (l *Limiter) CheckAndConsume(ctx context.Context, m model.Marketplace, endpointClass string) error {
	key := limiterKey(m, endpointClass)

	l.mu.Lock()
	lim, ok := l.limiters[key]
	if !ok {
		q, ok := l.quotas[key]
		if !ok {
			q = l.fallback
		}
		if q.Requests <= 0 || q.Period <= 0 {
			// Misconfigured quota denies everything rather than letting
			// unmetered calls through.
			lim = rate.NewLimiter(0, 0)
		} else {
			lim = rate.NewLimiter(rate.Every(q.Period/time.Duration(q.Requests)), q.Requests)
		}
		l.limiters[key] = lim
	}
	l.mu.Unlock()

	if lim.Allow() {
		return nil
	}

	l.logger.Warn("Rate limit exceeded",
		zap.String("marketplace", string(m)),
		zap.String("endpoint_class", endpointClass))

	if l.bus != nil {
		payload := map[string]string{
			"marketplace":    string(m),
			"endpoint_class": endpointClass,
		}
		if err := l.bus.Publish(ctx, "api.rate_limit_exceeded", payload,
			event.WithAsync(), event.WithPriority(model.EventPriorityHigh)); err != nil {
			l.logger.Error("Failed to publish rate limit event", zap.Error(err))
		}
	}

	return fmt.Errorf("%s: %w", key, ErrRateLimitExceeded)
}

func limiterKey(m model.Marketplace, endpointClass string) string {
	return string(m) + ":" + endpointClass
}
