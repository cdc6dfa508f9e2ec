package ntsal

import (
	"math"
	"sort"

	"github.com/ntsal/ntsal/internal/timemath"
)

type filterStage struct {
	offset float64
	delay  float64
	disp   float64
	t      timemath.Timestamp
}

type byDelay []filterStage

func (s byDelay) Len() int           { return len(s) }
func (s byDelay) Swap(i, j int)      { s[i], s[j] = s[j], s[i] }
func (s byDelay) Less(i, j int) bool { return s[i].delay < s[j].delay }

// filterResult is the survivor of one filter pass, ready for the
// selection algorithm.
type filterResult struct {
	offset float64
	delay  float64
	disp   float64
	jitter float64
	t      timemath.Timestamp
}

// clockFilter holds the eight most recent samples from one source and
// distills them into a single estimate, preferring the sample with the
// lowest network delay. Samples age as they sit in the shift register
// so stale data eventually loses to anything fresh.
type clockFilter struct {
	stages   [NSTAGE]filterStage
	updated  timemath.Timestamp
	accepted timemath.Timestamp
	lastOff  float64
	primed   bool
}

func newClockFilter(now timemath.Timestamp) *clockFilter {
	f := &clockFilter{}
	f.reset(now)
	return f
}

// reset discards all samples, for instance after the local clock has
// been stepped and old offsets no longer mean anything.
func (f *clockFilter) reset(now timemath.Timestamp) {
	for i := range f.stages {
		f.stages[i] = filterStage{offset: 0, delay: MAXDISP, disp: MAXDISP, t: now}
	}
	f.updated = now
	f.primed = false
}

// update shifts a new sample into the register and recomputes the
// source estimate. stable selects the delay-sorted path used once the
// loop has settled; during training the newest sample always wins.
// The second return is false when the pass produced nothing usable,
// either because every stage has aged out or because the best sample
// is one we already consumed.
func (f *clockFilter) update(s sample, now timemath.Timestamp, localPrecision int8, poll int8, stable bool) (filterResult, bool) {
	var tmp [NSTAGE]filterStage

	aging := PHI * timemath.DifferenceToDouble(int64(now-f.updated))
	if aging < 0 {
		aging = 0
	}
	f.updated = now
	for i := NSTAGE - 1; i > 0; i-- {
		f.stages[i] = f.stages[i-1]
		f.stages[i].disp += aging
		tmp[i] = f.stages[i]
		if f.stages[i].disp >= MAXDISP {
			f.stages[i].disp = MAXDISP
			tmp[i].delay = MAXDISP
		} else if timemath.DifferenceToDouble(int64(now-f.accepted)) > ALLAN {
			tmp[i].delay = f.stages[i].delay + f.stages[i].disp
		}
	}
	f.stages[0] = filterStage{offset: s.offset, delay: s.delay, disp: s.disp, t: s.t}
	tmp[0] = f.stages[0]

	if stable {
		sort.Sort(byDelay(tmp[:]))
	}

	m := 0
	for i := 0; i < NSTAGE; i++ {
		if tmp[i].delay >= MAXDISP || (m >= 2 && tmp[i].delay >= MAXDIST) {
			continue
		}
		m++
	}

	var res filterResult
	for i := NSTAGE - 1; i >= 0; i-- {
		res.disp = 0.5 * (res.disp + tmp[i].disp)
		if i < m {
			res.jitter += math.Pow(tmp[0].offset-tmp[i].offset, 2)
		}
	}
	if m == 0 {
		return filterResult{}, false
	}

	prev := f.lastOff
	res.offset = tmp[0].offset
	res.delay = tmp[0].delay
	res.t = tmp[0].t
	if m > 1 {
		res.jitter /= float64(m - 1)
	}
	res.jitter = math.Max(math.Sqrt(res.jitter), timemath.Log2ToDouble(localPrecision))

	// Popcorn spike suppressor. A lone offset excursion well beyond the
	// running jitter inside two poll intervals is dumped rather than
	// passed to the discipline.
	if f.primed && res.disp < MAXDIST && tmp[0].disp < MAXDIST &&
		math.Abs(res.offset-prev) > SGATE*res.jitter &&
		timemath.DifferenceToDouble(int64(res.t-f.accepted)) < 2*timemath.Log2ToDouble(poll) {
		return filterResult{}, false
	}

	// Use a sample only once and never one older than the latest.
	if f.primed && res.t <= f.accepted {
		return filterResult{}, false
	}

	f.accepted = res.t
	f.lastOff = res.offset
	f.primed = true
	return res, true
}
