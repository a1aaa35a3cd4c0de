package source

import (
	"errors"
	"time"
)

// SimConfig describes a synthetic membrane trace.
type SimConfig struct {
	// Period is the time advanced by each Read.
	Period time.Duration
	// Interval is the time between spike onsets. Zero disables spiking.
	Interval time.Duration
	// Width is the duration of each spike.
	Width time.Duration
	// RestV and PeakV are the resting and peak potentials in volts.
	RestV float64
	PeakV float64
}

// DefaultSimConfig returns a 10Hz train of 2ms spikes from -70mV to +30mV.
func DefaultSimConfig(period time.Duration) SimConfig {
	return SimConfig{
		Period:   period,
		Interval: 100 * time.Millisecond,
		Width:    2 * time.Millisecond,
		RestV:    -0.070,
		PeakV:    0.030,
	}
}

// SimReader produces a deterministic spike train: the signal sits at rest
// and rises linearly to the peak and back over Width, once per Interval.
type SimReader struct {
	cfg  SimConfig
	now  time.Duration
	done bool
}

// NewSimReader validates cfg and returns a reader positioned at time zero.
func NewSimReader(cfg SimConfig) (*SimReader, error) {
	if cfg.Period <= 0 {
		return nil, errors.New("sim: period must be positive")
	}
	if cfg.Interval < 0 || cfg.Width < 0 {
		return nil, errors.New("sim: interval and width must be non-negative")
	}
	if cfg.Interval > 0 && cfg.Width > cfg.Interval {
		return nil, errors.New("sim: width must not exceed interval")
	}
	return &SimReader{cfg: cfg}, nil
}

// Read returns the sample for the current time and advances one period.
func (s *SimReader) Read() (float64, error) {
	if s.done {
		return 0, errors.New("sim: reader closed")
	}
	v := s.at(s.now)
	s.now += s.cfg.Period
	return v, nil
}

func (s *SimReader) at(t time.Duration) float64 {
	if s.cfg.Interval == 0 || s.cfg.Width == 0 {
		return s.cfg.RestV
	}
	phase := t % s.cfg.Interval
	if phase >= s.cfg.Width {
		return s.cfg.RestV
	}
	// triangle: 0 at phase 0, 1 at Width/2
	x := 2 * float64(phase) / float64(s.cfg.Width)
	if x > 1 {
		x = 2 - x
	}
	return s.cfg.RestV + (s.cfg.PeakV-s.cfg.RestV)*x
}

// Close stops the reader.
func (s *SimReader) Close() error {
	s.done = true
	return nil
}
