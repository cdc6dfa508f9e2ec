package ntsal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ntsal/ntsal/internal/sysclock"
)

func newTestDiscipline() (*Discipline, *sysclock.Simulated) {
	clock := sysclock.NewSimulated(testEpoch)
	return NewDiscipline(clock, zap.NewNop()), clock
}

func TestDisciplineFirstUpdateSteps(t *testing.T) {
	d, clock := newTestDiscipline()

	assert.Equal(t, StateUnsynchronized, d.State())
	action := d.Update(0.050, after(testEpoch, 1))
	assert.Equal(t, ActionStepped, action)
	require.Len(t, clock.Steps, 1)
	assert.InDelta(t, 0.050, clock.Steps[0], 1e-9)
	assert.Equal(t, StateSynchronizing, d.State())
}

func TestDisciplineTrainsFrequency(t *testing.T) {
	d, _ := newTestDiscipline()

	t0 := after(testEpoch, 1)
	require.Equal(t, ActionStepped, d.Update(0.001, t0))

	// Updates inside the stepout interval are consumed silently.
	assert.Equal(t, ActionIgnored, d.Update(0.002, after(t0, 100)))

	// Past the stepout interval the accumulated offset divided by the
	// elapsed time becomes the initial frequency estimate.
	mu := float64(WATCH + 50)
	drift := 0.032
	assert.Equal(t, ActionSlewed, d.Update(drift, after(t0, mu)))
	assert.InDelta(t, drift/mu, d.Frequency(), 1e-8)
}

func TestDisciplineSeededFrequencySkipsTraining(t *testing.T) {
	d, clock := newTestDiscipline()
	d.SetFrequency(42e-6)

	require.Equal(t, ActionStepped, d.Update(0.010, after(testEpoch, 1)))
	assert.InDelta(t, 42e-6, d.Frequency(), 1e-12)
	require.Len(t, clock.Steps, 1)

	// Already in the feedback regime: the next update slews.
	assert.Equal(t, ActionSlewed, d.Update(0.001, after(testEpoch, 20)))
}

func TestDisciplineSpikeThenStep(t *testing.T) {
	d, clock := newTestDiscipline()
	d.SetFrequency(0)
	t0 := after(testEpoch, 1)
	require.Equal(t, ActionStepped, d.Update(0.001, t0))

	// First outlier is held back as a possible spike.
	assert.Equal(t, ActionIgnored, d.Update(0.700, after(t0, 30)))
	// Confirmed past the stepout threshold: step.
	assert.Equal(t, ActionStepped, d.Update(0.700, after(t0, WATCH+30)))
	require.Len(t, clock.Steps, 2)
	assert.InDelta(t, 0.700, clock.Steps[1], 1e-9)
}

func TestDisciplineSpikeRecovers(t *testing.T) {
	d, _ := newTestDiscipline()
	d.SetFrequency(0)
	t0 := after(testEpoch, 1)
	require.Equal(t, ActionStepped, d.Update(0.001, t0))

	assert.Equal(t, ActionIgnored, d.Update(0.700, after(t0, 30)))
	// An inlier arrives; the outlier really was a spike.
	assert.Equal(t, ActionSlewed, d.Update(0.002, after(t0, 60)))
	assert.Equal(t, ActionIgnored, d.Update(0.700, after(t0, 90)))
}

func TestDisciplinePanicThreshold(t *testing.T) {
	d, clock := newTestDiscipline()

	assert.Equal(t, ActionPanic, d.Update(float64(PANICT)+1, after(testEpoch, 1)))
	assert.Empty(t, clock.Steps)
	assert.Empty(t, clock.Slews)
	assert.Equal(t, StateUnsynchronized, d.State())
}

func TestDisciplineReachesSynchronized(t *testing.T) {
	d, _ := newTestDiscipline()
	d.SetFrequency(0)

	t0 := after(testEpoch, 1)
	require.Equal(t, ActionStepped, d.Update(0.005, t0))
	for i := 1; i <= stableWindow; i++ {
		assert.Equal(t, StateSynchronizing, d.State())
		require.Equal(t, ActionSlewed, d.Update(0.001, after(t0, float64(16*i))))
	}
	assert.Equal(t, StateSynchronized, d.State())
}

func TestDisciplineSilenceFallback(t *testing.T) {
	d, _ := newTestDiscipline()
	d.SetFrequency(0)

	t0 := after(testEpoch, 1)
	require.Equal(t, ActionStepped, d.Update(0.005, t0))
	for i := 1; i <= stableWindow; i++ {
		require.Equal(t, ActionSlewed, d.Update(0.001, after(t0, float64(16*i))))
	}
	require.Equal(t, StateSynchronized, d.State())

	for i := 0; i < WATCH; i++ {
		d.Tick()
	}
	assert.Equal(t, StateSynchronizing, d.State())

	for i := 0; i < 3*WATCH; i++ {
		d.Tick()
	}
	assert.Equal(t, StateUnsynchronized, d.State())

	// A fresh estimate restores the loop.
	assert.Equal(t, ActionSlewed, d.Update(0.001, after(t0, 5000)))
	assert.NotEqual(t, StateUnsynchronized, d.State())
}

func TestDisciplineTickAmortizesResidual(t *testing.T) {
	d, clock := newTestDiscipline()
	d.SetFrequency(0)

	t0 := after(testEpoch, 1)
	require.Equal(t, ActionStepped, d.Update(0.005, t0))
	require.Equal(t, ActionSlewed, d.Update(0.004, after(t0, 20)))

	for i := 0; i < 10; i++ {
		d.Tick()
	}
	require.Len(t, clock.Slews, 10)
	var total float64
	for _, s := range clock.Slews {
		assert.Greater(t, s, 0.0)
		total += s
	}
	// The residual phase drains toward the clock, never past it.
	assert.Less(t, total, 10*0.004)
	assert.Greater(t, total, 0.0)
}

func TestDisciplineOnStepCallback(t *testing.T) {
	d, _ := newTestDiscipline()

	var stepped []float64
	d.OnStep(func(offset float64) { stepped = append(stepped, offset) })

	d.Update(0.050, after(testEpoch, 1))
	require.Len(t, stepped, 1)
	assert.InDelta(t, 0.050, stepped[0], 1e-9)
}

func TestDisciplinePollAdaptation(t *testing.T) {
	d, _ := newTestDiscipline()
	d.SetFrequency(0)

	t0 := after(testEpoch, 1)
	require.Equal(t, ActionStepped, d.Update(1e-5, t0))
	require.Equal(t, MINPOLL, d.Poll())

	// Burn off the training hold so poll adaptation engages.
	for i := 0; i < WATCH+1; i++ {
		d.Tick()
	}

	// Tiny offsets against the jitter walk the poll interval up.
	last := t0
	for i := 1; i <= 40; i++ {
		last = after(t0, float64(20*i))
		d.Update(1e-6, last)
	}
	assert.Greater(t, d.Poll(), MINPOLL)
}
