package worker

import (
	"math"
	"time"

	"hotelbooking/internal/config"
)

// RetryPolicy spaces out redeliveries of a failing outbox task.
type RetryPolicy struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

func newRetryPolicy(cfg config.OutboxConfig) RetryPolicy {
	p := RetryPolicy{
		MaxRetries:    cfg.MaxRetries,
		InitialDelay:  cfg.InitialDelay,
		MaxDelay:      cfg.MaxDelay,
		BackoffFactor: 2,
	}
	if p.MaxRetries == 0 {
		p.MaxRetries = 5
	}
	if p.InitialDelay == 0 {
		p.InitialDelay = 2 * time.Second
	}
	if p.MaxDelay == 0 {
		p.MaxDelay = time.Minute
	}
	return p
}

// Exhausted reports whether the task should go to dead letters after its attempt-th failure.
func (r RetryPolicy) Exhausted(attempt int) bool {
	return attempt >= r.MaxRetries
}

// NextDelay grows the delay by BackoffFactor per attempt (1-based), capped at MaxDelay.
func (r RetryPolicy) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	initial := r.InitialDelay
	if initial <= 0 {
		initial = time.Second
	}
	factor := r.BackoffFactor
	if factor <= 0 {
		factor = 2
	}

	d := time.Duration(float64(initial) * math.Pow(factor, float64(attempt-1)))
	if r.MaxDelay > 0 && (d > r.MaxDelay || d <= 0) {
		return r.MaxDelay
	}
	if d <= 0 {
		return time.Second
	}
	return d
}
