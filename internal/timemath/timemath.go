// Package timemath implements conversions between the NTP 64-bit and
// 32-bit fixed-point wire formats and floating-point seconds.
package timemath

import (
	"math"
	"time"
)

// Timestamp is the NTP 64-bit fixed-point timestamp: seconds since the
// NTP era (1900) in the upper 32 bits, fraction in the lower 32.
type Timestamp = uint64

// Short is the NTP 32-bit fixed-point format used for root delay and
// root dispersion: 16 bits of seconds, 16 bits of fraction.
type Short = uint32

const (
	EraLength     int64   = 4_294_967_296 // 2^32
	UnixEraOffset int64   = 2_208_988_800 // 1970 - 1900 in seconds
	ShortLength   float64 = 65536         // 2^16
)

func TimeToTimestamp(t time.Time) Timestamp {
	return Timestamp((t.Unix()+UnixEraOffset)<<32) +
		Timestamp(float64(t.Nanosecond())/1e9*float64(EraLength))
}

func TimestampToTime(ts Timestamp) time.Time {
	sec := int64(ts >> 32)
	usec := int32(math.Round(float64(int64(ts)-(sec<<32)) / float64(EraLength) * 1e6))
	sec -= UnixEraOffset
	return time.Unix(sec, int64(usec)*1e3)
}

// DoubleToTimestamp converts a duration in seconds to the 64-bit fixed
// point representation. Only meaningful for durations, not absolute times.
func DoubleToTimestamp(seconds float64) Timestamp {
	return Timestamp(seconds * float64(EraLength))
}

func TimestampToDouble(ts Timestamp) float64 {
	return float64(ts) / float64(EraLength)
}

// DifferenceToDouble converts a first-order timestamp difference, computed
// in 64-bit integer arithmetic, to seconds. Doing the subtraction in the
// integer domain first preserves precision across era boundaries.
func DifferenceToDouble(difference int64) float64 {
	return float64(difference) / float64(EraLength)
}

func ShortToDouble(s Short) float64 {
	return float64(s) / ShortLength
}

func DoubleToShort(seconds float64) Short {
	return Short(seconds * ShortLength)
}

// Log2ToDouble converts a signed log2 exponent (poll interval, precision)
// to seconds.
func Log2ToDouble(a int8) float64 {
	if a < 0 {
		return 1.0 / float64(int64(1)<<-a)
	}
	return float64(int64(1) << a)
}
