//go:build linux

package source

import (
	"fmt"

	"github.com/warthog618/go-gpiocdev"
)

// GPIOReader samples a digital comparator output on one GPIO line and maps it
// to two voltages: active reads as HighV, inactive as LowV.
type GPIOReader struct {
	chip  *gpiocdev.Chip
	line  *gpiocdev.Line
	highV float64
	lowV  float64
}

// NewGPIOReader requests pin on gpiochip0 as an input with pull-down.
func NewGPIOReader(pin int, highV, lowV float64) (*GPIOReader, error) {
	chip, err := gpiocdev.NewChip("gpiochip0")
	if err != nil {
		return nil, fmt.Errorf("open gpio chip: %w", err)
	}

	line, err := chip.RequestLine(pin, gpiocdev.AsInput, gpiocdev.WithPullDown)
	if err != nil {
		chip.Close()
		return nil, fmt.Errorf("request pin %d: %w", pin, err)
	}

	return &GPIOReader{chip: chip, line: line, highV: highV, lowV: lowV}, nil
}

// Read returns HighV while the comparator line is active.
func (r *GPIOReader) Read() (float64, error) {
	raw, err := r.line.Value()
	if err != nil {
		return 0, fmt.Errorf("read pin: %w", err)
	}
	if raw != 0 {
		return r.highV, nil
	}
	return r.lowV, nil
}

// Close reconfigures the line to the boot default (input, pull-down) and
// releases it.
func (r *GPIOReader) Close() error {
	var errs []error

	if r.line != nil {
		if err := r.line.Reconfigure(gpiocdev.AsInput, gpiocdev.WithPullDown); err != nil {
			errs = append(errs, fmt.Errorf("reconfigure pin: %w", err))
		}
		if err := r.line.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close pin: %w", err))
		}
	}
	if r.chip != nil {
		if err := r.chip.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close chip: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("close errors: %v", errs)
	}
	return nil
}
