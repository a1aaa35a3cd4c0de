// Package status provides a thread-safe status tracker for the spike-detector daemon.
// It is read by HTTP handlers and by the MQTT heartbeat.
package status

import (
	"sync"
	"time"

	"github.com/sweeney/spike-detector/internal/params"
	"github.com/sweeney/spike-detector/internal/session"
	"github.com/sweeney/spike-detector/internal/spike"
)

// NetworkInfo contains network state. This is a local copy to avoid
// importing internal/mqtt from status.
type NetworkInfo struct {
	Type       string
	IP         string
	Status     string
	Gateway    string
	WifiStatus string
	SSID       string
}

// Config contains daemon configuration for display.
type Config struct {
	SamplingPeriod time.Duration
	HeartbeatMs    int64
	Source         string
	Broker         string
	HTTPAddr       string
}

// Snapshot is a point-in-time view of daemon state.
// It is a value type, safe to use after the lock is released.
type Snapshot struct {
	SessionID     string
	State         spike.State
	Ticks         uint64
	LastSpike     time.Duration
	Spiked        bool
	Counts        session.Counts
	Params        params.Display
	StartTime     time.Time
	Now           time.Time
	MQTTConnected bool
	Network       *NetworkInfo
	Config        Config
}

// Uptime returns the duration since the daemon started.
func (s Snapshot) Uptime() time.Duration {
	return s.Now.Sub(s.StartTime)
}

// Tracker holds mutable daemon state behind an RWMutex.
type Tracker struct {
	mu   sync.RWMutex
	snap Snapshot
	now  func() time.Time
}

// NewTracker creates a Tracker with the given start time and config.
func NewTracker(sessionID string, startTime time.Time, cfg Config) *Tracker {
	return &Tracker{
		snap: Snapshot{
			SessionID: sessionID,
			StartTime: startTime,
			Config:    cfg,
		},
		now: time.Now,
	}
}

// Update copies the session's counters and parameters.
// Called from runLoop on every tick, on the goroutine that steps the session.
func (t *Tracker) Update(s *session.Session) {
	last, spiked := s.LastSpike()
	d := params.ToDisplay(s.Parameters())

	t.mu.Lock()
	t.snap.State = s.State()
	t.snap.Ticks = s.Ticks()
	t.snap.LastSpike = last
	t.snap.Spiked = spiked
	t.snap.Counts = s.Counts()
	t.snap.Params = d
	t.mu.Unlock()
}

// SetParams records parameters changed outside the tick loop.
func (t *Tracker) SetParams(p spike.Params) {
	d := params.ToDisplay(p)
	t.mu.Lock()
	t.snap.Params = d
	t.mu.Unlock()
}

// SetMQTTConnected sets the MQTT connection status.
func (t *Tracker) SetMQTTConnected(connected bool) {
	t.mu.Lock()
	t.snap.MQTTConnected = connected
	t.mu.Unlock()
}

// SetNetwork sets the network info.
func (t *Tracker) SetNetwork(info *NetworkInfo) {
	t.mu.Lock()
	t.snap.Network = info
	t.mu.Unlock()
}

// Snapshot returns a point-in-time copy of the daemon state.
// The Now field is set to the current time at the moment of the call.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	s := t.snap
	t.mu.RUnlock()
	s.Now = t.now()
	return s
}
