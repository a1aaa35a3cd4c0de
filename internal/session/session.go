// Package session drives a spike classifier on behalf of the sampling loop
// and keeps the bookkeeping the outer layers report: transition counts,
// tick count and heartbeat timing. Like the classifier it does no I/O.
package session

import (
	"time"

	"github.com/sweeney/spike-detector/internal/spike"
)

// Counts tracks the number of each notable transition since startup.
type Counts struct {
	Onsets  int `json:"onsets"`
	Offsets int `json:"offsets"`
	Blocks  int `json:"blocks"`
	Rearms  int `json:"rearms"`
}

// HeartbeatData is returned by CheckHeartbeat when a heartbeat is due.
type HeartbeatData struct {
	Timestamp time.Time
	Uptime    time.Duration
	Ticks     uint64
	State     spike.State
	Counts    Counts
}

// Session wraps one classifier. Step must only be called from the sampling
// goroutine.
type Session struct {
	classifier spike.Classifier

	prev          spike.State
	ticks         uint64
	counts        Counts
	lastSpike     time.Duration
	spiked        bool
	startTime     time.Time
	lastHeartbeat time.Time
}

// New creates a session around c. startTime is used for heartbeat uptime.
func New(c spike.Classifier, startTime time.Time) *Session {
	return &Session{
		classifier:    c,
		prev:          c.State(),
		startTime:     startTime,
		lastHeartbeat: startTime,
	}
}

// Step classifies one sample. It returns the transition and true when the
// state changed on this tick.
func (s *Session) Step(sample float64) (spike.Event, bool) {
	tick := s.ticks
	elapsed := s.classifier.Elapsed()

	next := s.classifier.Classify(sample)
	s.ticks++

	if next == s.prev {
		return spike.Event{}, false
	}

	ev := spike.Event{Tick: tick, Elapsed: elapsed, From: s.prev, To: next}
	s.prev = next

	switch next {
	case spike.StateRisingEdge:
		s.counts.Onsets++
		s.lastSpike = elapsed
		s.spiked = true
	case spike.StateFallingEdge:
		s.counts.Offsets++
	case spike.StateBlock:
		s.counts.Blocks++
	case spike.StateIdle:
		s.counts.Rearms++
	}
	return ev, true
}

// Parameters returns the classifier's parameters in force.
func (s *Session) Parameters() spike.Params {
	return s.classifier.Parameters()
}

// UpdateParameters forwards to the classifier. Safe from any goroutine.
func (s *Session) UpdateParameters(p spike.Params) error {
	return s.classifier.UpdateParameters(p)
}

// State returns the state after the most recent Step.
func (s *Session) State() spike.State {
	return s.prev
}

// Ticks returns the number of samples stepped.
func (s *Session) Ticks() uint64 {
	return s.ticks
}

// Counts returns the transition counts so far.
func (s *Session) Counts() Counts {
	return s.counts
}

// LastSpike returns the elapsed time of the most recent onset, and false if
// no spike has been seen yet.
func (s *Session) LastSpike() (time.Duration, bool) {
	return s.lastSpike, s.spiked
}

// CheckHeartbeat returns heartbeat data if the interval has elapsed since the
// last heartbeat (or startup). Returns nil if the interval has not elapsed,
// or if interval is <= 0 (disabled).
func (s *Session) CheckHeartbeat(now time.Time, interval time.Duration) *HeartbeatData {
	if interval <= 0 {
		return nil
	}

	if now.Sub(s.lastHeartbeat) < interval {
		return nil
	}

	s.lastHeartbeat = now
	return &HeartbeatData{
		Timestamp: now,
		Uptime:    now.Sub(s.startTime),
		Ticks:     s.ticks,
		State:     s.prev,
		Counts:    s.counts,
	}
}
