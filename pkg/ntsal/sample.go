package ntsal

import (
	"math"

	"github.com/ntsal/ntsal/internal/timemath"
)

// sample is one completed measurement against a source.
type sample struct {
	offset float64 // estimated local clock error (s)
	delay  float64 // round-trip network delay (s)
	disp   float64 // accumulated uncertainty (s), grows with age
	t      timemath.Timestamp
}

// newSample computes a measurement from the four exchange timestamps:
// org is when the request left us, rec when it reached the server, xmt
// when the reply left the server, dst when the reply reached us. The
// first-order differences are taken in 64-bit integer arithmetic before
// conversion to floating point, to preserve precision across eras.
func newSample(org, rec, xmt, dst timemath.Timestamp, remotePrecision, localPrecision int8) (sample, error) {
	offset := (timemath.DifferenceToDouble(int64(rec-org)) +
		timemath.DifferenceToDouble(int64(xmt-dst))) / 2
	delay := timemath.DifferenceToDouble(int64(dst-org)) -
		timemath.DifferenceToDouble(int64(xmt-rec))

	if delay < 0 {
		return sample{}, ErrNegativeDelay
	}
	// Clamp at the local reading granularity so very fast networks do not
	// produce a delay below what we can actually resolve.
	delay = math.Max(delay, timemath.Log2ToDouble(localPrecision))

	disp := timemath.Log2ToDouble(remotePrecision) +
		timemath.Log2ToDouble(localPrecision) + PHI*delay

	return sample{offset: offset, delay: delay, disp: disp, t: dst}, nil
}

// agedDisp is the sample's dispersion grown by the local drift bound over
// its age. Monotonically non-decreasing in now.
func (s sample) agedDisp(now timemath.Timestamp) float64 {
	age := timemath.DifferenceToDouble(int64(now - s.t))
	if age < 0 {
		age = 0
	}
	return math.Min(s.disp+PHI*age, MAXDISP)
}
