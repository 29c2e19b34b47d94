package dispatch

import (
	"errors"
	"math/rand"
	"time"
)

// ErrInvalidRetryPolicy is returned by RetryPolicy.Validate for
// out-of-range parameters.
var ErrInvalidRetryPolicy = errors.New("dispatch: invalid retry policy")

// RetryPolicy configures automatic retry of transient failures.
// Backoff grows exponentially from BaseDelay, is capped at Cap, and is
// spread by a symmetric jitter factor to avoid synchronized retry
// storms.
type RetryPolicy struct {
	// MaxAttempts caps total attempts including the first. 1 disables
	// retries.
	MaxAttempts int `json:"max_attempts"`

	// BaseDelay is the backoff before the second attempt.
	BaseDelay time.Duration `json:"base_delay"`

	// Cap bounds the exponential growth. 0 means uncapped.
	Cap time.Duration `json:"cap"`

	// Jitter is the relative spread applied to each delay: the actual
	// delay is the exponential delay multiplied by a uniform value in
	// [1-Jitter, 1+Jitter]. Must be in [0, 1).
	Jitter float64 `json:"jitter"`
}

// Validate checks policy constraints.
func (p RetryPolicy) Validate() error {
	if p.MaxAttempts < 1 {
		return ErrInvalidRetryPolicy
	}
	if p.BaseDelay < 0 || p.Cap < 0 {
		return ErrInvalidRetryPolicy
	}
	if p.Jitter < 0 || p.Jitter >= 1 {
		return ErrInvalidRetryPolicy
	}
	if p.Cap > 0 && p.BaseDelay > 0 && p.Cap < p.BaseDelay {
		return ErrInvalidRetryPolicy
	}
	return nil
}

// Backoff computes the delay after the given failed attempt (1-based):
//
//	delay = min(cap, base << (attempt-1)) * (1 ± jitter)
//
// The rng provides the jitter sample; pass a seeded source for
// deterministic schedules in tests.
func (p RetryPolicy) Backoff(attempt int, rng *rand.Rand) time.Duration {
	if p.BaseDelay <= 0 || attempt < 1 {
		return 0
	}
	delay := p.BaseDelay
	// Shift saturates against the cap instead of overflowing.
	for i := 1; i < attempt; i++ {
		delay *= 2
		if p.Cap > 0 && delay >= p.Cap {
			delay = p.Cap
			break
		}
	}
	if p.Cap > 0 && delay > p.Cap {
		delay = p.Cap
	}
	if p.Jitter > 0 && rng != nil {
		factor := 1 + p.Jitter*(2*rng.Float64()-1)
		delay = time.Duration(float64(delay) * factor)
	}
	return delay
}

// Settings is the dispatcher-wide tuning applied when a job does not
// carry its own overrides. Precedence per knob: job > role override >
// default. Settings are swapped atomically on configuration reload.
type Settings struct {
	// DefaultTimeout bounds a single invocation attempt. 0 disables
	// the deadline.
	DefaultTimeout time.Duration

	// RoleTimeouts overrides DefaultTimeout per role.
	RoleTimeouts map[Role]time.Duration

	// Retry is the fallback policy for jobs without one.
	Retry RetryPolicy

	// BreakerThreshold opens a worker instance's circuit on the Nth
	// consecutive failure.
	BreakerThreshold uint32

	// BreakerCooldown is how long an open circuit rejects dispatches
	// before admitting a single half-open probe.
	BreakerCooldown time.Duration

	// MaxConcurrentPerRole bounds concurrent invocations per role
	// across all sessions. 0 means unbounded.
	MaxConcurrentPerRole int
}

// DefaultSettings returns the tuning used when no configuration is
// injected.
func DefaultSettings() Settings {
	return Settings{
		DefaultTimeout: 2 * time.Minute,
		Retry: RetryPolicy{
			MaxAttempts: 3,
			BaseDelay:   500 * time.Millisecond,
			Cap:         30 * time.Second,
			Jitter:      0.2,
		},
		BreakerThreshold:     5,
		BreakerCooldown:      30 * time.Second,
		MaxConcurrentPerRole: 4,
	}
}

// timeoutFor resolves the attempt deadline for a job.
func (s Settings) timeoutFor(job Job) time.Duration {
	if job.Timeout > 0 {
		return job.Timeout
	}
	if d, ok := s.RoleTimeouts[job.Role]; ok && d > 0 {
		return d
	}
	return s.DefaultTimeout
}

// retryFor resolves the retry policy for a job.
func (s Settings) retryFor(job Job) RetryPolicy {
	p := s.Retry
	if job.Retry != nil {
		p = *job.Retry
	}
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	return p
}
