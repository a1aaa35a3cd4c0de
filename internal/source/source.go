// Package source provides membrane-voltage sample sources.
// Real sources read a GPIO comparator line or a serial ADC stream.
// Fake and simulated sources allow running without hardware.
package source

import "errors"

// Reader returns one voltage sample per call, in volts.
type Reader interface {
	// Read returns the current sample. It must not block for longer than a
	// sampling period.
	Read() (float64, error)

	// Close releases the underlying device.
	Close() error
}

// ErrNoSample is returned by sample-and-hold sources before the first value arrives.
var ErrNoSample = errors.New("source: no sample received yet")
