// Package ratelimit enforces per-client submission quotas. The authority
// holding the counters may be local (Authority) or remote (Client); both
// sides meet over the same Decision contract so callers are constructed
// against the Checker interface and never branch on the backing store.
package ratelimit

import (
	"context"
	"time"

	"github.com/solguard/auditd/internal/app/domain/audit"
)

// Decision is the outcome of a rate-limit check.
type Decision struct {
	Allowed bool      `json:"allowed"`
	ResetAt time.Time `json:"reset_at"`
}

// Checker decides whether a client may submit to a service right now.
type Checker interface {
	Check(ctx context.Context, clientID string, service audit.ServiceType) (Decision, error)
}
