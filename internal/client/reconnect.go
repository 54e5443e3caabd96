package client

import (
	"time"

	"github.com/jpillora/backoff"

	"github.com/DragonSecurity/conduit/pkg/config"
)

// ReconnectPolicy produces exponential backoff delays with optional jitter and
// a hard cap on consecutive attempts. Once the cap is hit the connection
// manager stops auto-retrying and surfaces a terminal error.
type ReconnectPolicy struct {
	b           *backoff.Backoff
	maxAttempts int
}

// NewReconnectPolicy derives a policy from a connection profile.
func NewReconnectPolicy(p config.Profile) *ReconnectPolicy {
	return &ReconnectPolicy{
		b: &backoff.Backoff{
			Min:    p.BackoffBase,
			Max:    p.BackoffMax,
			Factor: 2,
			Jitter: p.BackoffJitter,
		},
		maxAttempts: p.MaxReconnectAttempts,
	}
}

// Next returns the delay before the next attempt, or false once the maximum
// number of attempts has been handed out.
func (r *ReconnectPolicy) Next() (time.Duration, bool) {
	if int(r.b.Attempt()) >= r.maxAttempts {
		return 0, false
	}
	return r.b.Duration(), true
}

// Attempt reports how many delays have been handed out since the last reset.
func (r *ReconnectPolicy) Attempt() int { return int(r.b.Attempt()) }

// Reset rearms the policy after a successful connection or a manual
// reconnect.
func (r *ReconnectPolicy) Reset() { r.b.Reset() }
