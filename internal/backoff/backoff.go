// Package backoff computes when a failed delivery becomes eligible again.
// A Policy is a pure value: it performs no I/O and holds no mutable state,
// so the same retry count always yields the same delay.
package backoff

import "time"

const (
	DefaultBase        = time.Minute
	DefaultMax         = 24 * time.Hour
	DefaultMaxAttempts = 10
)

// Policy doubles the delay for every retry, capped at Max.
//
//	Delay(n) = min(Base * 2^n, Max)
type Policy struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int // retry ceiling; a task whose retry count reaches it is given up
}

// Default returns the conservative production policy: 1m base, 24h cap, 10 attempts.
func Default() Policy {
	return Policy{Base: DefaultBase, Max: DefaultMax, MaxAttempts: DefaultMaxAttempts}
}

// Delay returns how long a task with the given retry count must wait.
func (p Policy) Delay(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	if p.Base <= 0 {
		return 0
	}
	d := p.Base
	for i := 0; i < retryCount; i++ {
		// Stop doubling once the cap is hit so large counts cannot overflow.
		if p.Max > 0 && d >= p.Max {
			return p.Max
		}
		if d > (1<<62)/2 {
			break
		}
		d *= 2
	}
	if p.Max > 0 && d > p.Max {
		return p.Max
	}
	return d
}

// Next returns the time a task with the given retry count becomes claimable.
func (p Policy) Next(now time.Time, retryCount int) time.Time {
	return now.Add(p.Delay(retryCount))
}

// Exhausted reports whether retryCount has reached the retry ceiling.
// A non-positive MaxAttempts never exhausts.
func (p Policy) Exhausted(retryCount int) bool {
	return p.MaxAttempts > 0 && retryCount >= p.MaxAttempts
}
