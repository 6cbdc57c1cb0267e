package sweep

import "time"

// RetryPolicy decides how long the loop waits between iterations.
type RetryPolicy struct {
	// Interval is the pause between batches while there is work.
	// Default: 1s
	Interval time.Duration

	// PauseOnNoWork is the pause after an iteration found no table, or
	// this instance does not hold the lease.
	// Default: 5m
	PauseOnNoWork time.Duration

	// InitialBackoff is the pause after the first failed iteration. It
	// doubles with every consecutive failure.
	// Default: 1s
	InitialBackoff time.Duration

	// MaxBackoff caps the failure backoff.
	// Default: 5m
	MaxBackoff time.Duration
}

// DefaultRetryPolicy returns the default policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Interval:       time.Second,
		PauseOnNoWork:  5 * time.Minute,
		InitialBackoff: time.Second,
		MaxBackoff:     5 * time.Minute,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.Interval <= 0 {
		p.Interval = def.Interval
	}
	if p.PauseOnNoWork <= 0 {
		p.PauseOnNoWork = def.PauseOnNoWork
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = def.InitialBackoff
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = def.MaxBackoff
	}
	if p.MaxBackoff < p.InitialBackoff {
		p.MaxBackoff = p.InitialBackoff
	}
	return p
}

// Backoff returns the pause after the given number of consecutive
// failures (1 for the first).
func (p RetryPolicy) Backoff(failures int) time.Duration {
	d := p.InitialBackoff
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	return min(d, p.MaxBackoff)
}

// Delay returns the pause after an iteration.
func (p RetryPolicy) Delay(outcome Outcome, failures int) time.Duration {
	switch {
	case failures > 0:
		return p.Backoff(failures)
	case outcome == OutcomeNoTable:
		return p.PauseOnNoWork
	default:
		return p.Interval
	}
}
