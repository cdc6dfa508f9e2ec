package sysclock

import (
	"sync"

	"github.com/ntsal/ntsal/internal/timemath"
)

// Simulated is a manually driven clock for tests. Time only moves when
// Advance is called; steering commands are recorded instead of applied.
type Simulated struct {
	mu      sync.Mutex
	now     timemath.Timestamp
	Slews   []float64
	Steps   []float64
	Granule int8
}

func NewSimulated(start timemath.Timestamp) *Simulated {
	return &Simulated{now: start, Granule: -18}
}

func (c *Simulated) Now() timemath.Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Simulated) Precision() int8 { return c.Granule }

func (c *Simulated) Advance(seconds float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now += timemath.DoubleToTimestamp(seconds)
}

func (c *Simulated) Adjust(seconds float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Slews = append(c.Slews, seconds)
	return nil
}

func (c *Simulated) Step(seconds float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Steps = append(c.Steps, seconds)
	c.now += timemath.Timestamp(int64(seconds * float64(timemath.EraLength)))
	return nil
}
