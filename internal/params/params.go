// Package params converts detector parameters between base units and the
// display units operators use (millivolts, milliseconds), and applies
// partial updates received over HTTP or MQTT.
package params

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/sweeney/spike-detector/internal/spike"
)

// ErrInvalidUpdate is wrapped by every error returned from Decode and Apply.
var ErrInvalidUpdate = errors.New("invalid parameter update")

// Setter is implemented by anything holding live detector parameters.
type Setter interface {
	UpdateParameters(p spike.Params) error
	Parameters() spike.Params
}

// Display holds parameters in display units.
type Display struct {
	ThresholdMV   float64 `json:"threshold_mv"`
	MinIntervalMS float64 `json:"min_interval_ms"`
}

// ToDisplay converts base-unit parameters.
func ToDisplay(p spike.Params) Display {
	return Display{
		ThresholdMV:   p.Threshold * 1000,
		MinIntervalMS: float64(p.MinInterval) / float64(time.Millisecond),
	}
}

// Params converts back to base units. The interval is rounded to the
// nearest nanosecond.
func (d Display) Params() (spike.Params, error) {
	if math.IsNaN(d.MinIntervalMS) || math.IsInf(d.MinIntervalMS, 0) {
		return spike.Params{}, fmt.Errorf("%w: %w", ErrInvalidUpdate, spike.ErrInvalidMinInterval)
	}
	ns := math.Round(d.MinIntervalMS * float64(time.Millisecond))
	if ns > math.MaxInt64 || ns < math.MinInt64 {
		return spike.Params{}, fmt.Errorf("%w: min interval out of range", ErrInvalidUpdate)
	}
	p := spike.Params{
		Threshold:   d.ThresholdMV / 1000,
		MinInterval: time.Duration(ns),
	}
	if err := p.Validate(); err != nil {
		return spike.Params{}, fmt.Errorf("%w: %w", ErrInvalidUpdate, err)
	}
	return p, nil
}

// Update is a partial parameter change. Nil fields are left unchanged.
type Update struct {
	ThresholdMV   *float64 `json:"threshold_mv,omitempty"`
	MinIntervalMS *float64 `json:"min_interval_ms,omitempty"`
}

// Decode reads one JSON Update from r. Unknown fields and empty updates are rejected.
func Decode(r io.Reader) (Update, error) {
	var u Update
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&u); err != nil {
		return Update{}, fmt.Errorf("%w: %w", ErrInvalidUpdate, err)
	}
	if u.ThresholdMV == nil && u.MinIntervalMS == nil {
		return Update{}, fmt.Errorf("%w: no fields set", ErrInvalidUpdate)
	}
	return u, nil
}

// Apply merges u into current and returns the validated result.
func (u Update) Apply(current spike.Params) (spike.Params, error) {
	d := ToDisplay(current)
	next := current
	if u.ThresholdMV != nil {
		d.ThresholdMV = *u.ThresholdMV
	}
	if u.MinIntervalMS != nil {
		d.MinIntervalMS = *u.MinIntervalMS
	}
	p, err := d.Params()
	if err != nil {
		return current, err
	}
	// Untouched fields keep their exact base-unit value.
	if u.ThresholdMV != nil {
		next.Threshold = p.Threshold
	}
	if u.MinIntervalMS != nil {
		next.MinInterval = p.MinInterval
	}
	return next, nil
}

// Set applies u to s and returns the parameters now in force.
func Set(s Setter, u Update) (spike.Params, error) {
	next, err := u.Apply(s.Parameters())
	if err != nil {
		return spike.Params{}, err
	}
	if err := s.UpdateParameters(next); err != nil {
		return spike.Params{}, fmt.Errorf("%w: %w", ErrInvalidUpdate, err)
	}
	return next, nil
}
