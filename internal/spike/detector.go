package spike

import (
	"math"
	"sync/atomic"
	"time"
)

// maxElapsed is where elapsed time saturates after an extremely long run.
const maxElapsed = time.Duration(math.MaxInt64)

// Detector classifies one voltage sample per tick into a spike State.
//
// Classify must only be called from one goroutine (the sampling loop).
// UpdateParameters and Parameters are safe to call from any goroutine.
type Detector struct {
	params atomic.Pointer[Params]

	period   time.Duration
	maxTicks uint64 // ticks beyond this saturate elapsed time

	state     State
	lastSpike time.Duration
	ticks     uint64
}

var _ Classifier = (*Detector)(nil)

// NewDetector creates a detector in the Idle state with a zero tick count.
// It returns an error, and no detector, if the sampling period is not
// positive or the parameters are invalid.
func NewDetector(p Params, samplingPeriod time.Duration) (*Detector, error) {
	if samplingPeriod <= 0 {
		return nil, ErrInvalidSamplingPeriod
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}

	d := &Detector{
		period:   samplingPeriod,
		maxTicks: uint64(math.MaxInt64 / int64(samplingPeriod)),
		state:    StateIdle,
	}
	d.params.Store(&p)
	return d, nil
}

// Classify consumes one sample and returns the resulting state.
// It runs in constant time and does not allocate.
func (d *Detector) Classify(sample float64) State {
	p := d.params.Load()
	now := d.Elapsed()

	switch d.state {
	case StateIdle:
		if sample > p.Threshold {
			d.state = StateRisingEdge
			d.lastSpike = now
		}
	case StateRisingEdge:
		d.state = StateAbove
	case StateAbove:
		if sample > p.Threshold && now-d.lastSpike > BlockWindow {
			d.state = StateBlock
		} else if sample < p.Threshold {
			d.state = StateFallingEdge
		}
	case StateFallingEdge:
		d.state = StateRefractory
	case StateBlock:
		if sample < p.Threshold {
			d.state = StateRefractory
		}
	case StateRefractory:
		if now-d.lastSpike > p.MinInterval {
			d.state = StateIdle
		}
	}

	d.ticks++
	return d.state
}

// UpdateParameters atomically replaces both parameters. Detector state is
// left untouched. Invalid parameters are rejected and the previous ones stay
// in force.
func (d *Detector) UpdateParameters(p Params) error {
	if err := p.Validate(); err != nil {
		return err
	}
	d.params.Store(&p)
	return nil
}

// Parameters returns a copy of the parameters currently in force.
func (d *Detector) Parameters() Params {
	return *d.params.Load()
}

// Elapsed returns tick count × sampling period, saturating at the maximum
// representable duration.
func (d *Detector) Elapsed() time.Duration {
	if d.ticks > d.maxTicks {
		return maxElapsed
	}
	return time.Duration(d.ticks) * d.period
}

// State returns the current state.
func (d *Detector) State() State {
	return d.state
}

// LastSpikeTime returns the elapsed time of the most recent spike onset.
func (d *Detector) LastSpikeTime() time.Duration {
	return d.lastSpike
}

// Ticks returns the number of samples classified since construction.
func (d *Detector) Ticks() uint64 {
	return d.ticks
}

// SamplingPeriod returns the configured tick period.
func (d *Detector) SamplingPeriod() time.Duration {
	return d.period
}
