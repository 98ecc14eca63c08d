package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/solguard/auditd/internal/app/domain/audit"
	"github.com/solguard/auditd/pkg/logger"
)

// Quota configures the sustained rate and burst for one service type.
type Quota struct {
	Interval time.Duration // one token replenished per Interval
	Burst    int
}

// Authority is the local rate-limit source of truth, keyed by
// (clientID, service). Limiters are created lazily per key.
type Authority struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	quotas   map[audit.ServiceType]Quota
	log      *logger.Logger
}

// DefaultQuotas mirrors the production limits: a handful of audits per
// client per hour, with address audits slightly cheaper than uploads.
func DefaultQuotas() map[audit.ServiceType]Quota {
	return map[audit.ServiceType]Quota{
		audit.ServiceZipUpload:    {Interval: 15 * time.Minute, Burst: 4},
		audit.ServiceAddressAudit: {Interval: 10 * time.Minute, Burst: 6},
	}
}

// NewAuthority creates an authority with the given per-service quotas.
// Nil quotas fall back to DefaultQuotas.
func NewAuthority(quotas map[audit.ServiceType]Quota, log *logger.Logger) *Authority {
	if log == nil {
		log = logger.NewDefault("ratelimit")
	}
	if quotas == nil {
		quotas = DefaultQuotas()
	}
	return &Authority{
		limiters: make(map[string]*rate.Limiter),
		quotas:   quotas,
		log:      log,
	}
}

func (a *Authority) limiter(clientID string, service audit.ServiceType) *rate.Limiter {
	key := clientID + "|" + string(service)
	if lim, ok := a.limiters[key]; ok {
		return lim
	}
	quota, ok := a.quotas[service]
	if !ok {
		quota = Quota{Interval: 15 * time.Minute, Burst: 4}
	}
	lim := rate.NewLimiter(rate.Every(quota.Interval), quota.Burst)
	a.limiters[key] = lim
	return lim
}

// Check consumes one token when available. On denial the decision carries
// the time at which the next token becomes available so the caller can
// show the exact wait.
func (a *Authority) Check(_ context.Context, clientID string, service audit.ServiceType) (Decision, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	lim := a.limiter(clientID, service)
	if lim.Allow() {
		return Decision{Allowed: true}, nil
	}

	// Probe the wait without consuming the reservation.
	resv := lim.Reserve()
	delay := resv.Delay()
	resv.Cancel()

	resetAt := time.Now().Add(delay)
	a.log.WithField("client_id", clientID).
		WithField("service", string(service)).
		WithField("reset_at", resetAt).
		Warn("rate limit exceeded")
	return Decision{Allowed: false, ResetAt: resetAt}, nil
}

// Cleanup drops all cached limiters once the map grows too large. Resets
// in-flight windows, so it should run far less often than the quota
// intervals.
func (a *Authority) Cleanup() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.limiters) > 10000 {
		a.limiters = make(map[string]*rate.Limiter)
	}
}
