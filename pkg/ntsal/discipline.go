package ntsal

import (
	"math"
	"sync"

	"go.uber.org/zap"

	"github.com/ntsal/ntsal/internal/sysclock"
	"github.com/ntsal/ntsal/internal/timemath"
)

// State is the externally visible synchronization state of the local
// clock.
type State uint8

const (
	// StateUnsynchronized means no usable estimate has been accepted, or
	// the sources have been silent long past the watch interval.
	StateUnsynchronized State = iota
	// StateSynchronizing means estimates are flowing and the loop is
	// converging, but the offset has not yet stayed inside the stability
	// bound long enough.
	StateSynchronizing
	// StateSynchronized means the offset has remained within the
	// stability bound for a full stability window.
	StateSynchronized
)

func (s State) String() string {
	switch s {
	case StateSynchronizing:
		return "synchronizing"
	case StateSynchronized:
		return "synchronized"
	default:
		return "unsynchronized"
	}
}

// Action reports what the discipline did with one estimate.
type Action uint8

const (
	// ActionIgnored means the estimate was consumed for bookkeeping but
	// produced no clock command.
	ActionIgnored Action = iota
	// ActionSlewed means the estimate entered the phase/frequency loop.
	ActionSlewed
	// ActionStepped means the clock was set directly; all in-flight
	// measurements are now invalid.
	ActionStepped
	// ActionPanic means the offset exceeded the panic threshold. The
	// sample is dropped and the condition is surfaced to the operator.
	ActionPanic
)

// loop regimes, internal to the controller.
const (
	regimeInit  = iota // no frequency estimate yet
	regimeTrain        // measuring the intrinsic frequency error
	regimeRun          // PLL/FLL feedback active
)

// Discipline is the clock discipline controller. It owns all feedback
// state: the integrated frequency correction, the residual phase
// offset amortized at one hertz, and the jitter and wander statistics
// driving poll-interval adaptation. Exactly one clock command is in
// flight at a time, under the controller's lock.
type Discipline struct {
	mu    sync.Mutex
	clock sysclock.Clock
	log   *zap.Logger

	regime  int
	spike   bool
	freqSet bool
	stable  int

	freq   float64 // integrated frequency correction (s/s)
	offset float64 // residual phase offset (s)
	last   float64
	jitter float64
	wander float64

	count int32 // poll-adjust hysteresis counter
	hold  int32 // training interval countdown (s)

	poll    int8
	minpoll int8
	maxpoll int8

	reft    timemath.Timestamp
	primed  bool
	silence int32

	onStep func(offset float64)
}

func NewDiscipline(clock sysclock.Clock, log *zap.Logger) *Discipline {
	return &Discipline{
		clock:   clock,
		log:     log.Named("discipline"),
		jitter:  timemath.Log2ToDouble(clock.Precision()),
		poll:    MINPOLL,
		minpoll: MINPOLL,
		maxpoll: MAXPOLL,
	}
}

// OnStep registers a callback invoked after every step correction, so
// that owners of measurement state can discard samples that predate
// the step. The callback runs on the discipline's goroutine and must
// not call back into the controller.
func (d *Discipline) OnStep(fn func(offset float64)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onStep = fn
}

// SetFrequency seeds the frequency correction, normally from the drift
// file, and skips the training interval on the first update.
func (d *Discipline) SetFrequency(f float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.freq = math.Max(math.Min(MAXFREQ, f), -MAXFREQ)
	d.freqSet = true
}

// Frequency returns the current integrated frequency correction.
func (d *Discipline) Frequency() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.freq
}

// Poll returns the poll exponent the peers should converge toward.
func (d *Discipline) Poll() int8 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.poll
}

// Jitter returns the RMS of recent offset differences.
func (d *Discipline) Jitter() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.jitter
}

// Wander returns the RMS of recent frequency differences.
func (d *Discipline) Wander() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.wander
}

// Stable reports whether the loop has settled. The clock filters sort
// by delay only once this holds, so a burst of low-delay stale samples
// cannot dominate during training.
func (d *Discipline) Stable() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.regime == regimeRun && d.hold == 0
}

// State derives the visible synchronization state from the loop regime,
// the stability window, and how long the sources have been silent.
func (d *Discipline) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stateLocked()
}

func (d *Discipline) stateLocked() State {
	if d.regime == regimeInit || d.silence >= 4*WATCH {
		return StateUnsynchronized
	}
	if d.regime == regimeRun && d.stable >= stableWindow && d.silence < WATCH {
		return StateSynchronized
	}
	return StateSynchronizing
}

// Update consumes one combined estimate: offset is the measured local
// clock error and t the timestamp of the newest sample behind it.
// A fraction of the offset enters the residual to be amortized by Tick;
// offsets beyond the step threshold set the clock directly instead.
func (d *Discipline) Update(offset float64, t timemath.Timestamp) Action {
	d.mu.Lock()
	defer d.mu.Unlock()

	if math.Abs(offset) > PANICT {
		d.log.Error("offset beyond panic threshold, refusing to steer",
			zap.Float64("offset", offset))
		return ActionPanic
	}

	mu := 0.0
	if d.primed {
		mu = timemath.DifferenceToDouble(int64(t - d.reft))
	}
	d.silence = 0

	var freq float64
	action := ActionSlewed

	if math.Abs(offset) > STEPT {
		switch d.regime {
		case regimeRun:
			// Ignore the first outlier; a second one past the stepout
			// threshold forces a step.
			if !d.spike {
				d.spike = true
				d.log.Warn("offset spike, waiting for confirmation",
					zap.Float64("offset", offset))
				return ActionIgnored
			}
			if mu < WATCH {
				return ActionIgnored
			}
		case regimeTrain:
			if mu < WATCH {
				return ActionIgnored
			}
			freq = (offset - d.offset) / mu
		}
		d.step(offset)
		action = ActionStepped
		if d.regime == regimeInit {
			d.hold = WATCH
			if !d.freqSet {
				d.enter(regimeTrain, t, 0)
				return action
			}
		}
		d.enter(regimeRun, t, 0)
	} else {
		etemp := math.Pow(d.jitter, 2)
		dtemp := math.Pow(math.Max(math.Abs(offset-d.last),
			timemath.Log2ToDouble(d.clock.Precision())), 2)
		d.jitter = math.Sqrt(etemp + (dtemp-etemp)/AVG)

		switch d.regime {
		case regimeInit:
			// Step even a small initial offset so the frequency
			// measurement that follows is not polluted by slewing.
			d.step(offset)
			d.hold = WATCH
			if d.freqSet {
				d.enter(regimeRun, t, 0)
			} else {
				d.enter(regimeTrain, t, 0)
			}
			return ActionStepped
		case regimeTrain:
			if mu < WATCH {
				return ActionIgnored
			}
			d.hold = WATCH
			freq = (offset - d.offset) / mu
		default:
			if d.hold == 0 {
				// FLL contribution above the Allan intercept, PLL below.
				if timemath.Log2ToDouble(d.poll) > ALLAN {
					freq += (offset - d.offset) /
						(FLL * math.Max(mu, timemath.Log2ToDouble(d.poll)))
				}
				etemp = math.Min(mu, ALLAN)
				dtemp = 4 * PLL * timemath.Log2ToDouble(d.poll)
				freq += offset * etemp / (dtemp * dtemp)
			}
			if math.Abs(offset) < holdOffsetMax {
				d.hold = 0
			}
		}
		d.spike = false
		d.enter(regimeRun, t, offset)
	}

	if action == ActionStepped || math.Abs(offset) > stableBound {
		d.stable = 0
	} else if d.stable < stableWindow {
		d.stable++
	}

	freq += d.freq
	d.freq = math.Max(math.Min(MAXFREQ, freq), -MAXFREQ)
	etemp := math.Pow(d.wander, 2)
	dtemp := math.Pow(freq, 2)
	d.wander = math.Sqrt(etemp + (dtemp-etemp)/AVG)

	// Poll-adjust. Offsets small against the jitter earn a longer poll
	// interval, large ones a shorter, with hysteresis between.
	if d.hold > 0 {
		d.count = 0
		return action
	}
	if math.Abs(d.offset) < PGATE*d.jitter {
		d.count += int32(d.poll)
		if d.count > LIMIT {
			d.count = LIMIT
			if d.poll < d.maxpoll {
				d.count = 0
				d.poll++
			}
		}
	} else {
		d.count -= int32(d.poll) << 1
		if d.count < -LIMIT {
			d.count = -LIMIT
			if d.poll > d.minpoll {
				d.count = 0
				d.poll--
			}
		}
	}
	return action
}

// Tick runs once per second: it amortizes a fraction of the residual
// offset into a slew command alongside the frequency correction, and
// advances the silence clock used for the fallback states.
func (d *Discipline) Tick() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.primed && d.silence < 4*WATCH {
		d.silence++
		if d.silence == WATCH || d.silence == 4*WATCH {
			d.log.Warn("no estimate received",
				zap.Int32("seconds", d.silence),
				zap.Stringer("state", d.stateLocked()))
		}
	}

	adj := d.offset / (PLL * timemath.Log2ToDouble(d.poll))
	if d.regime != regimeRun {
		adj = 0
	} else if d.hold > 0 {
		adj = d.offset / (PLL * timemath.Log2ToDouble(1))
		d.hold--
	}
	d.offset -= adj

	if err := d.clock.Adjust(d.freq + adj); err != nil {
		d.log.Error("clock adjust failed", zap.Error(err))
	}
}

func (d *Discipline) step(offset float64) {
	d.log.Warn("stepping clock", zap.Float64("offset", offset))
	if err := d.clock.Step(offset); err != nil {
		d.log.Error("clock step failed", zap.Error(err))
		return
	}
	d.count = 0
	d.poll = d.minpoll
	d.spike = false
	if d.onStep != nil {
		d.onStep(offset)
	}
}

func (d *Discipline) enter(regime int, t timemath.Timestamp, offset float64) {
	d.regime = regime
	d.last = d.offset
	d.offset = offset
	d.reft = t
	d.primed = true
}
