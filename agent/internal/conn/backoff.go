package conn

import (
	"math"
	"time"
)

// DefaultStep is the backoff step when Backoff.Step is unset.
const DefaultStep = 2 * time.Second

// Backoff computes reconnect delays.
type Backoff struct {
	// Policy is "linear" (attempt × Step) or "exponential"
	// (Step × 2^(attempt-1)). Anything else is treated as linear.
	Policy string

	Step time.Duration

	// Max caps a single delay when positive.
	Max time.Duration

	// MaxAttempts stops retrying after that many attempts when positive.
	MaxAttempts int
}

// Delay returns the wait before attempt (1-based). ok is false once
// MaxAttempts is exceeded.
func (b Backoff) Delay(attempt int) (d time.Duration, ok bool) {
	if attempt < 1 {
		attempt = 1
	}
	if b.MaxAttempts > 0 && attempt > b.MaxAttempts {
		return 0, false
	}
	step := b.Step
	if step <= 0 {
		step = DefaultStep
	}

	switch b.Policy {
	case "exponential":
		d = step
		for i := 1; i < attempt; i++ {
			if d > math.MaxInt64/2 {
				d = math.MaxInt64
				break
			}
			d *= 2
		}
	default:
		if int64(attempt) > math.MaxInt64/int64(step) {
			d = math.MaxInt64
		} else {
			d = time.Duration(attempt) * step
		}
	}

	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	return d, true
}
