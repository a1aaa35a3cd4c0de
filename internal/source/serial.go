package source

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	serial "github.com/tarm/goserial"

	"github.com/sweeney/spike-detector/internal/log"
)

const (
	// serialReadTimeout bounds each read so Close never waits on a silent port.
	serialReadTimeout = 100 * time.Millisecond
	serialRetryDelay  = 5 * time.Second
)

// ErrStreamEnded is returned while the serial port is lost and after Close.
var ErrStreamEnded = errors.New("source: serial stream ended")

// SerialReader holds the most recent value from a serial ADC that prints one
// millivolt reading per line. Read never blocks. If the port drops out it is
// reopened in the background until Close.
type SerialReader struct {
	open  func() (io.ReadCloser, error)
	retry time.Duration

	mu   sync.Mutex
	port io.ReadCloser

	bits      atomic.Uint64 // math.Float64bits of the latest sample, in volts
	have      atomic.Bool
	lost      atomic.Bool
	malformed atomic.Uint64

	closeOnce sync.Once
	stop      chan struct{}
	done      chan struct{}
}

// NewSerialReader opens device at baud and starts the line reader.
func NewSerialReader(device string, baud int) (*SerialReader, error) {
	open := func() (io.ReadCloser, error) {
		sc := &serial.Config{Name: device, Baud: baud, ReadTimeout: serialReadTimeout}
		rwc, err := serial.OpenPort(sc)
		if err != nil {
			return nil, err
		}
		return &timeoutPort{port: rwc, timeout: serialReadTimeout}, nil
	}
	port, err := open()
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", device, err)
	}
	log.Infof("reading samples from %s at %d baud", device, baud)
	return newSerialReader(port, open, serialRetryDelay), nil
}

func newSerialReader(port io.ReadCloser, open func() (io.ReadCloser, error), retry time.Duration) *SerialReader {
	r := &SerialReader{
		open:  open,
		retry: retry,
		port:  port,
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go r.run(port)
	return r
}

func (r *SerialReader) run(port io.ReadCloser) {
	defer close(r.done)

	for {
		err := r.scan(port)

		r.mu.Lock()
		if r.port != nil {
			_ = r.port.Close()
			r.port = nil
		}
		r.mu.Unlock()

		if r.stopping() {
			return
		}
		r.lost.Store(true)
		r.have.Store(false)
		log.Warnf("serial: stream lost (%v), reopening every %v", err, r.retry)

		if port = r.reopen(); port == nil {
			return
		}
		r.lost.Store(false)
		log.Infof("serial: port reopened")
	}
}

// scan parses lines until the port fails. It returns the failure, or
// io.EOF for a clean end of stream.
func (r *SerialReader) scan(port io.Reader) error {
	scanner := bufio.NewScanner(port)
	for scanner.Scan() {
		v, err := parseMillivolts(scanner.Text())
		if err != nil {
			if r.malformed.Add(1) == 1 {
				log.Warnf("serial: skipping malformed line: %v", err)
			}
			continue
		}
		r.bits.Store(math.Float64bits(v))
		r.have.Store(true)
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return io.EOF
}

// reopen retries open until it succeeds or Close is called, in which case
// it returns nil.
func (r *SerialReader) reopen() io.ReadCloser {
	if r.open == nil {
		<-r.stop
		return nil
	}
	for {
		select {
		case <-r.stop:
			return nil
		case <-time.After(r.retry):
		}

		port, err := r.open()
		if err != nil {
			log.Debugf("serial: reopen failed: %v", err)
			continue
		}

		r.mu.Lock()
		if r.stopping() {
			r.mu.Unlock()
			_ = port.Close()
			return nil
		}
		r.port = port
		r.mu.Unlock()
		return port
	}
}

func (r *SerialReader) stopping() bool {
	select {
	case <-r.stop:
		return true
	default:
		return false
	}
}

// timeoutPort wraps a port opened with a read timeout. The os.File under
// goserial reports a timed-out read as (0, io.EOF); those are retried. An
// empty read that returns well before the timeout means the tty hung up.
type timeoutPort struct {
	port    io.ReadCloser
	timeout time.Duration
}

func (p *timeoutPort) Read(b []byte) (int, error) {
	for {
		start := time.Now()
		n, err := p.port.Read(b)
		if n > 0 || !errors.Is(err, io.EOF) {
			return n, err
		}
		if time.Since(start) < p.timeout/2 {
			return 0, io.ErrUnexpectedEOF
		}
	}
}

func (p *timeoutPort) Close() error {
	return p.port.Close()
}

// parseMillivolts parses one line such as "-64.5" or "-64.5 mV" into volts.
// Blank lines and lines starting with '#' are rejected.
func parseMillivolts(line string) (float64, error) {
	s := strings.TrimSpace(line)
	s = strings.TrimSpace(strings.TrimSuffix(strings.TrimSuffix(s, "mV"), "mv"))
	if s == "" || strings.HasPrefix(s, "#") {
		return 0, fmt.Errorf("no value in %q", line)
	}
	mv, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %q: %w", line, err)
	}
	if math.IsNaN(mv) || math.IsInf(mv, 0) {
		return 0, fmt.Errorf("non-finite value %q", line)
	}
	return mv / 1000, nil
}

// Read returns the latest sample. It returns ErrNoSample until the first value
// arrives (and again after a reopen) and ErrStreamEnded while the port is
// lost or closed.
func (r *SerialReader) Read() (float64, error) {
	if r.lost.Load() || r.stopping() {
		return 0, ErrStreamEnded
	}
	if !r.have.Load() {
		return 0, ErrNoSample
	}
	return math.Float64frombits(r.bits.Load()), nil
}

// Malformed returns the number of lines skipped because they did not parse.
func (r *SerialReader) Malformed() uint64 {
	return r.malformed.Load()
}

// Close stops reopening, closes the port and waits for the line reader to
// exit.
func (r *SerialReader) Close() error {
	var err error
	r.closeOnce.Do(func() {
		close(r.stop)
		r.mu.Lock()
		if r.port != nil {
			err = r.port.Close()
			r.port = nil
		}
		r.mu.Unlock()
		<-r.done
	})
	return err
}
