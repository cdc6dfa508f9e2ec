//go:build aix || dragonfly || freebsd || linux || netbsd || openbsd || solaris

package sysclock

import (
	"golang.org/x/sys/unix"

	"github.com/ntsal/ntsal/internal/timemath"
)

// readPrecision is the assumed reading granularity of CLOCK_REALTIME,
// log2 seconds (~4 us).
const readPrecision int8 = -18

// System is the real kernel clock.
type System struct{}

func (System) Now() timemath.Timestamp {
	var ts unix.Timespec
	unix.ClockGettime(unix.CLOCK_REALTIME, &ts)
	return timemath.Timestamp((ts.Sec+timemath.UnixEraOffset)<<32) +
		timemath.Timestamp(float64(ts.Nsec)/1e9*float64(timemath.EraLength))
}

func (System) Precision() int8 { return readPrecision }

func (System) Adjust(seconds float64) error {
	if seconds == 0 {
		return nil
	}
	sec, usec := splitSeconds(seconds)
	buf := &unix.Timex{
		Time:  unix.Timeval{Sec: sec, Usec: int64(usec)},
		Modes: unix.ADJ_SETOFFSET,
	}
	_, err := unix.Adjtimex(buf)
	return err
}

func (c System) Step(seconds float64) error {
	target := c.Now() + timemath.Timestamp(int64(seconds*float64(timemath.EraLength)))

	sec := int64(target >> 32)
	usec := int32(float64(target&0xffffffff) / float64(timemath.EraLength) * 1e6)
	sec -= timemath.UnixEraOffset

	return unix.Settimeofday(&unix.Timeval{Sec: sec, Usec: int64(usec)})
}
