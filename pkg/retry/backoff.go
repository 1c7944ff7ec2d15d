package retry

import (
	"math"
	randv2 "math/rand/v2"
	"time"
)

// backoffFactor multiplies the wait after every failed attempt.
const backoffFactor = 2

// JitterStrategy defines the jitter strategy to use
type JitterStrategy int

const (
	// JitterNone disables jitter
	JitterNone JitterStrategy = iota
	// JitterEqual keeps half of the delay and randomizes the other half
	JitterEqual
	// JitterDecorrelated adds up to half of the delay on top of it (AWS recommended)
	JitterDecorrelated
)

// String returns the configuration name of the strategy.
func (j JitterStrategy) String() string {
	switch j {
	case JitterEqual:
		return "equal"
	case JitterDecorrelated:
		return "decorrelated"
	default:
		return "none"
	}
}

// ParseJitterStrategy maps a configuration name to a strategy. Unknown names
// map to JitterNone.
func ParseJitterStrategy(s string) JitterStrategy {
	switch s {
	case "equal":
		return JitterEqual
	case "decorrelated":
		return JitterDecorrelated
	default:
		return JitterNone
	}
}

// nextDelay doubles d, saturating instead of overflowing and never exceeding
// maxDelay when it is set.
func nextDelay(d, maxDelay time.Duration) time.Duration {
	var next time.Duration
	if d > math.MaxInt64/backoffFactor {
		next = math.MaxInt64
	} else {
		next = d * backoffFactor
	}
	if maxDelay > 0 && next > maxDelay {
		return maxDelay
	}
	return next
}

// applyJitter applies the configured jitter strategy to the delay
func applyJitter(base time.Duration, strategy JitterStrategy) time.Duration {
	if base <= 1 {
		return base
	}
	switch strategy {
	case JitterEqual:
		half := base / 2
		return half + time.Duration(randv2.Int64N(int64(base-half)))
	case JitterDecorrelated:
		extra := int64(base / 2)
		if extra <= 0 || base > math.MaxInt64-time.Duration(extra) {
			return base
		}
		return base + time.Duration(randv2.Int64N(extra))
	default:
		return base
	}
}

// clampDelay caps d at maxDelay when a cap is configured.
func clampDelay(d, maxDelay time.Duration) time.Duration {
	if maxDelay > 0 && d > maxDelay {
		return maxDelay
	}
	return d
}
