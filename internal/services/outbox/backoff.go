package outbox

import "time"

// Backoff computes the retry delay for the outbox head:
// min(Max, Base * 2^(attempts-1)). There is no attempt cap.
type Backoff struct {
	Base time.Duration // default: 1 second
	Max  time.Duration // default: 60 seconds
}

func DefaultBackoff() Backoff {
	return Backoff{Base: time.Second, Max: time.Minute}
}

func NewBackoff(base, max time.Duration) Backoff {
	def := DefaultBackoff()
	if base <= 0 {
		base = def.Base
	}
	if max <= 0 {
		max = def.Max
	}
	if max < base {
		max = base
	}
	return Backoff{Base: base, Max: max}
}

func (b Backoff) Delay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := b.Base
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= b.Max {
			return b.Max
		}
	}
	if d > b.Max {
		return b.Max
	}
	return d
}
