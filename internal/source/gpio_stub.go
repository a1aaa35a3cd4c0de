//go:build !linux

package source

import "errors"

// GPIOReader is not available on non-Linux platforms.
type GPIOReader struct{}

// NewGPIOReader returns an error on non-Linux platforms.
func NewGPIOReader(pin int, highV, lowV float64) (*GPIOReader, error) {
	return nil, errors.New("gpio: not supported on this platform (requires Linux)")
}

func (r *GPIOReader) Read() (float64, error) {
	return 0, errors.New("gpio: not supported")
}

func (r *GPIOReader) Close() error {
	return nil
}
