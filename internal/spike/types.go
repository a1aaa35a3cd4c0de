// Package spike contains the spike-detection state machine.
// This package has NO external dependencies (no I/O, clocks, or goroutines).
// Time is derived from the tick count and the configured sampling period.
package spike

import (
	"errors"
	"math"
	"time"
)

// State is the classifier state. Its integer value is the output code.
type State int

const (
	StateRefractory  State = -1
	StateIdle        State = 0
	StateRisingEdge  State = 1
	StateAbove       State = 2
	StateFallingEdge State = 3
	StateBlock       State = 4
)

// Code returns the integer output code for the state.
func (s State) Code() int {
	return int(s)
}

func (s State) String() string {
	switch s {
	case StateRefractory:
		return "REFRACTORY"
	case StateIdle:
		return "IDLE"
	case StateRisingEdge:
		return "RISING_EDGE"
	case StateAbove:
		return "ABOVE"
	case StateFallingEdge:
		return "FALLING_EDGE"
	case StateBlock:
		return "BLOCK"
	}
	return "INVALID"
}

// Valid reports whether s is one of the six classifier states.
func (s State) Valid() bool {
	return s >= StateRefractory && s <= StateBlock
}

// BlockWindow is how long the signal may stay above threshold, measured from
// spike onset, before the detector reports depolarization block.
//
// The value is 100 in the unit of elapsed time (seconds). Depolarization block
// is normally a millisecond-scale condition, so this window is almost
// certainly meant to be 100ms; the seconds reading is kept so that detection
// matches the reference behaviour exactly.
const BlockWindow = 100 * time.Second

// Defaults match the reference detector: -20mV threshold, 5ms refractory interval.
const (
	DefaultThreshold   = -0.02
	DefaultMinInterval = 5 * time.Millisecond
)

var (
	// ErrInvalidSamplingPeriod indicates the sampling period must be positive.
	ErrInvalidSamplingPeriod = errors.New("sampling period must be positive")
	// ErrInvalidMinInterval indicates the minimum interval must be non-negative.
	ErrInvalidMinInterval = errors.New("min interval must be non-negative")
	// ErrInvalidThreshold indicates the threshold must be a finite number.
	ErrInvalidThreshold = errors.New("threshold must be finite")
)

// Params are the externally configurable detector parameters, in base units.
type Params struct {
	// Threshold is the voltage crossing point in volts.
	Threshold float64
	// MinInterval is the refractory period measured from spike onset.
	MinInterval time.Duration
}

// DefaultParams returns the reference defaults.
func DefaultParams() Params {
	return Params{Threshold: DefaultThreshold, MinInterval: DefaultMinInterval}
}

// Validate checks that the parameters can be used by a detector.
func (p Params) Validate() error {
	if math.IsNaN(p.Threshold) || math.IsInf(p.Threshold, 0) {
		return ErrInvalidThreshold
	}
	if p.MinInterval < 0 {
		return ErrInvalidMinInterval
	}
	return nil
}

// Classifier is the capability a host drives once per sampling period.
type Classifier interface {
	// Classify consumes one sample and returns the new state.
	Classify(sample float64) State
	// UpdateParameters replaces the parameters without resetting state.
	UpdateParameters(p Params) error
	// Parameters returns the parameters currently in force.
	Parameters() Params
	// State returns the state produced by the most recent Classify call.
	State() State
	// Elapsed returns the elapsed time the next Classify call will see.
	Elapsed() time.Duration
}

// EventType names a state transition by the state it enters.
type EventType string

const (
	EventOnset      EventType = "SPIKE_ONSET"
	EventAbove      EventType = "ABOVE_THRESHOLD"
	EventOffset     EventType = "SPIKE_OFFSET"
	EventBlock      EventType = "DEPOLARIZATION_BLOCK"
	EventRefractory EventType = "REFRACTORY"
	EventRearmed    EventType = "REARMED"
)

// Event is a state transition observed on a single tick.
type Event struct {
	// Tick is the zero-based index of the tick that produced the transition.
	Tick uint64
	// Elapsed is tick × sampling period.
	Elapsed time.Duration
	From    State
	To      State
}

// Type returns the event type for the transition.
func (e Event) Type() EventType {
	switch e.To {
	case StateRisingEdge:
		return EventOnset
	case StateAbove:
		return EventAbove
	case StateFallingEdge:
		return EventOffset
	case StateBlock:
		return EventBlock
	case StateRefractory:
		return EventRefractory
	default:
		return EventRearmed
	}
}
