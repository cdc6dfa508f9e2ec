// Package sysclock is the only place the local clock is read or adjusted.
// The protocol engine talks to a Clock; the real implementation wraps the
// kernel time syscalls, tests substitute a simulated clock.
package sysclock

import (
	"math"

	"github.com/ntsal/ntsal/internal/timemath"
)

// Clock reads the local clock and applies steering commands. Adjust slews
// the clock by the given number of seconds (spread by the kernel), Step
// sets it outright. Implementations must be safe for concurrent use.
type Clock interface {
	Now() timemath.Timestamp
	// Precision is the reading granularity as a log2 exponent of seconds.
	Precision() int8
	Adjust(seconds float64) error
	Step(seconds float64) error
}

// splitSeconds converts a signed duration in seconds to the sec/usec pair
// the kernel interfaces want, with usec normalized to [0, 1e6).
func splitSeconds(seconds float64) (sec int64, usec int32) {
	sign := int64(math.Copysign(1, seconds))
	enc := timemath.DoubleToTimestamp(math.Abs(seconds))

	sec = int64(enc>>32) * sign
	usec = int32(math.Round(float64(enc&0xffffffff)/float64(timemath.EraLength)*1e6)) * int32(sign)

	for usec < 0 {
		sec--
		usec += 1e6
	}
	return sec, usec
}
