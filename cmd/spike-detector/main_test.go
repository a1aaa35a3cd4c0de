package main

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sweeney/spike-detector/internal/mqtt"
	"github.com/sweeney/spike-detector/internal/session"
	"github.com/sweeney/spike-detector/internal/source"
	"github.com/sweeney/spike-detector/internal/spike"
	"github.com/sweeney/spike-detector/internal/status"
)

const (
	below = -0.05
	above = -0.01
)

// TestEnvVarNames verifies the env var constants match what pi-helper writes
// to /run/pi-helper.env.
func TestEnvVarNames(t *testing.T) {
	want := map[string]string{
		"NETWORK_TYPE":        envNetworkType,
		"NETWORK_IP":          envNetworkIP,
		"NETWORK_STATUS":      envNetworkStatus,
		"NETWORK_GATEWAY":     envNetworkGateway,
		"NETWORK_WIFI_STATUS": envNetworkWifiStatus,
		"NETWORK_WIFI_SSID":   envNetworkWifiSSID,
	}
	for canonical, got := range want {
		if got != canonical {
			t.Errorf("env var constant: got %q, want %q", got, canonical)
		}
	}
}

func withEnvFile(t *testing.T, contents string) {
	t.Helper()
	old := networkEnvFile
	t.Cleanup(func() { networkEnvFile = old })

	if contents == "" {
		networkEnvFile = filepath.Join(t.TempDir(), "missing.env")
		return
	}
	networkEnvFile = filepath.Join(t.TempDir(), "pi-helper.env")
	require.NoError(t, os.WriteFile(networkEnvFile, []byte(contents), 0o600))
}

func TestReadNetworkInfoFromFile(t *testing.T) {
	withEnvFile(t, "NETWORK_TYPE=wifi\nNETWORK_IP=192.168.1.100\nNETWORK_STATUS=connected\n"+
		"NETWORK_GATEWAY=192.168.1.1\nNETWORK_WIFI_STATUS=connected\nNETWORK_WIFI_SSID=\"My Network\"\n")

	info := readNetworkInfo()
	require.NotNil(t, info)
	assert.Equal(t, status.NetworkInfo{
		Type:       "wifi",
		IP:         "192.168.1.100",
		Status:     "connected",
		Gateway:    "192.168.1.1",
		WifiStatus: "connected",
		SSID:       "My Network",
	}, *info)
}

func TestReadNetworkInfoFallsBackToEnvironment(t *testing.T) {
	withEnvFile(t, "")
	t.Setenv(envNetworkStatus, "connected")
	t.Setenv(envNetworkIP, "10.0.0.2")

	info := readNetworkInfo()
	require.NotNil(t, info)
	assert.Equal(t, "connected", info.Status)
	assert.Equal(t, "10.0.0.2", info.IP)
	assert.Empty(t, info.SSID)
}

func TestReadNetworkInfoFileOverridesEnvironment(t *testing.T) {
	withEnvFile(t, "NETWORK_STATUS=connected\nNETWORK_IP=192.168.1.5\n")
	t.Setenv(envNetworkIP, "10.0.0.2")

	info := readNetworkInfo()
	require.NotNil(t, info)
	assert.Equal(t, "192.168.1.5", info.IP)
}

func TestReadNetworkInfoNoneSet(t *testing.T) {
	withEnvFile(t, "")
	t.Setenv(envNetworkStatus, "")

	assert.Nil(t, readNetworkInfo())
}

// --- runLoop tests ---

// fakeClock returns a function that yields start, start+step, start+2*step, ...
// on successive calls. Only called from runLoop's goroutine.
func fakeClock(start time.Time, step time.Duration) func() time.Time {
	n := 0
	return func() time.Time {
		t := start.Add(time.Duration(n) * step)
		n++
		return t
	}
}

// repeat returns n copies of v.
func repeat(v float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

// faultReader wraps a FakeReader and returns errors for a range of Read() calls.
type faultReader struct {
	inner      *source.FakeReader
	call       int
	faultStart int // first call index that returns error (inclusive)
	faultEnd   int // last call index that returns error (exclusive)
}

func (r *faultReader) Read() (float64, error) {
	i := r.call
	r.call++
	if i >= r.faultStart && i < r.faultEnd {
		return 0, errors.New("adc fault")
	}
	return r.inner.Read()
}

func (r *faultReader) Close() error { return r.inner.Close() }

type recordingSink struct{ events []spike.Event }

func (s *recordingSink) Publish(ev spike.Event) error {
	s.events = append(s.events, ev)
	return nil
}

type loopEnv struct {
	pub     *mqtt.FakePublisher
	tracker *status.Tracker
	sess    *session.Session
	sink    *recordingSink
}

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// runRunLoop drives runLoop for nTicks then sends signal.
func runRunLoop(t *testing.T, reader source.Reader, minInterval, heartbeat time.Duration, clock func() time.Time, nTicks int, signal os.Signal) *loopEnv {
	t.Helper()
	d, err := spike.NewDetector(spike.Params{Threshold: -0.02, MinInterval: minInterval}, time.Millisecond)
	require.NoError(t, err)

	env := &loopEnv{
		pub:     mqtt.NewFakePublisher(),
		tracker: status.NewTracker("sess", epoch, status.Config{}),
		sess:    session.New(d, epoch),
		sink:    &recordingSink{},
	}
	env.pub.Connected = true

	tick := make(chan time.Time)
	sig := make(chan os.Signal, 1)
	errCh := make(chan error, 1)
	go func() {
		errCh <- runLoop(reader, env.pub, env.pub, env.tracker, env.sess, env.sink, heartbeat, clock, tick, sig)
	}()

	for i := 0; i < nTicks; i++ {
		tick <- time.Time{}
	}
	sig <- signal

	require.NoError(t, <-errCh)
	return env
}

func eventTypes(events []spike.Event) []spike.EventType {
	var out []spike.EventType
	for _, e := range events {
		out = append(out, e.Type())
	}
	return out
}

func TestRunLoopNoEventsBelowThreshold(t *testing.T) {
	withEnvFile(t, "")
	reader := source.NewFakeReader(below)
	env := runRunLoop(t, reader, 5*time.Millisecond, 0, fakeClock(epoch, time.Millisecond), 20, syscall.SIGTERM)

	assert.Empty(t, env.pub.Events)
	require.Len(t, env.pub.SystemEvents, 1)
	assert.Equal(t, "SHUTDOWN", env.pub.SystemEvents[0].Event)
	assert.Equal(t, uint64(20), env.sess.Ticks())
}

func TestRunLoopSingleSpike(t *testing.T) {
	withEnvFile(t, "")
	samples := append([]float64{below, above, above, above, below}, repeat(below, 12)...)
	reader := source.NewFakeReader(samples...)
	env := runRunLoop(t, reader, 5*time.Millisecond, 0, fakeClock(epoch, time.Millisecond), len(samples), syscall.SIGTERM)

	want := []spike.EventType{spike.EventOnset, spike.EventAbove, spike.EventOffset, spike.EventRefractory, spike.EventRearmed}
	assert.Equal(t, want, eventTypes(env.pub.Events))
	assert.Equal(t, env.pub.Events, env.sink.events)
	assert.Equal(t, uint64(1), env.pub.Events[0].Tick)
	assert.Equal(t, uint64(7), env.pub.Events[4].Tick)

	snap := env.tracker.Snapshot()
	assert.Equal(t, spike.StateIdle, snap.State)
	assert.Equal(t, 1, snap.Counts.Onsets)
	assert.True(t, snap.MQTTConnected)
}

func TestRunLoopReadErrorHoldsLastSample(t *testing.T) {
	withEnvFile(t, "")
	// Two good reads (idle, then above) then three faults: the held above
	// sample keeps the detector moving through its states on schedule.
	inner := source.NewFakeReader(below, above)
	reader := &faultReader{inner: inner, faultStart: 2, faultEnd: 5}
	env := runRunLoop(t, reader, 5*time.Millisecond, 0, fakeClock(epoch, time.Millisecond), 5, syscall.SIGTERM)

	assert.Equal(t, []spike.EventType{spike.EventOnset, spike.EventAbove}, eventTypes(env.pub.Events))
	assert.Equal(t, uint64(5), env.sess.Ticks())
	assert.Equal(t, spike.StateAbove, env.sess.State())
	assert.Equal(t, "SHUTDOWN", env.pub.SystemEvents[0].Event)
}

func TestRunLoopErrorBeforeFirstSampleStaysIdle(t *testing.T) {
	withEnvFile(t, "")
	reader := &source.FakeReader{ReadError: source.ErrNoSample}
	env := runRunLoop(t, reader, 5*time.Millisecond, 0, fakeClock(epoch, time.Millisecond), 10, syscall.SIGINT)

	assert.Empty(t, env.pub.Events)
	assert.Equal(t, uint64(10), env.sess.Ticks())
	assert.Equal(t, spike.StateIdle, env.sess.State())
}

func TestRunLoopErrorRecovery(t *testing.T) {
	withEnvFile(t, "")
	inner := source.NewFakeReader(below, below, below, above)
	reader := &faultReader{inner: inner, faultStart: 1, faultEnd: 3}
	env := runRunLoop(t, reader, 5*time.Millisecond, 0, fakeClock(epoch, time.Millisecond), 6, syscall.SIGTERM)

	// calls: 0 below, 1-2 fault (held below), 3 below, 4 below, 5 above
	require.Len(t, env.pub.Events, 1)
	assert.Equal(t, spike.EventOnset, env.pub.Events[0].Type())
	assert.Equal(t, uint64(5), env.pub.Events[0].Tick)
}

func TestRunLoopHeartbeat(t *testing.T) {
	withEnvFile(t, "NETWORK_STATUS=connected\nNETWORK_TYPE=ethernet\n")
	// Clock calls: tick 1 at +5m, tick 2 at +10m, tick 3 at +15m, tick 4 at +20m, shutdown.
	clock := fakeClock(epoch.Add(5*time.Minute), 5*time.Minute)
	reader := source.NewFakeReader(below)
	env := runRunLoop(t, reader, 5*time.Millisecond, 15*time.Minute, clock, 4, syscall.SIGTERM)

	var heartbeats []mqtt.SystemEvent
	for _, se := range env.pub.SystemEvents {
		if se.Event == "HEARTBEAT" {
			heartbeats = append(heartbeats, se)
		}
	}
	require.Len(t, heartbeats, 1)
	assert.Equal(t, epoch.Add(15*time.Minute), heartbeats[0].Timestamp)

	var parsed status.StatusJSON
	require.NoError(t, json.Unmarshal(heartbeats[0].RawPayload, &parsed))
	assert.Equal(t, "HEARTBEAT", parsed.Status.Event)
	assert.Equal(t, uint64(3), parsed.Status.Ticks)
	require.NotNil(t, parsed.Status.Network)
	assert.Equal(t, "ethernet", parsed.Status.Network.Type)
}

func TestRunLoopHeartbeatDisabled(t *testing.T) {
	withEnvFile(t, "")
	clock := fakeClock(epoch, time.Hour)
	env := runRunLoop(t, source.NewFakeReader(below), 5*time.Millisecond, 0, clock, 5, syscall.SIGTERM)

	for _, se := range env.pub.SystemEvents {
		assert.NotEqual(t, "HEARTBEAT", se.Event)
	}
}

func TestRunLoopPublishErrorDoesNotStop(t *testing.T) {
	withEnvFile(t, "")
	d, err := spike.NewDetector(spike.DefaultParams(), time.Millisecond)
	require.NoError(t, err)
	pub := mqtt.NewFakePublisher()
	pub.PublishError = errors.New("broker down")
	sess := session.New(d, epoch)

	tick := make(chan time.Time)
	sig := make(chan os.Signal, 1)
	errCh := make(chan error, 1)
	go func() {
		errCh <- runLoop(source.NewFakeReader(below, above, above), pub, pub, nil, sess, nil, 0, fakeClock(epoch, time.Millisecond), tick, sig)
	}()
	for i := 0; i < 3; i++ {
		tick <- time.Time{}
	}
	sig <- syscall.SIGTERM

	require.NoError(t, <-errCh)
	assert.Equal(t, uint64(3), sess.Ticks())
	require.Len(t, pub.SystemEvents, 1)
	assert.Equal(t, "SHUTDOWN", pub.SystemEvents[0].Event)
}

func TestRunLoopShutdownReason(t *testing.T) {
	withEnvFile(t, "")
	for _, tc := range []struct {
		sig  os.Signal
		want string
	}{
		{syscall.SIGINT, "SIGINT"},
		{syscall.SIGTERM, "SIGTERM"},
		{syscall.SIGHUP, "UNKNOWN"},
	} {
		t.Run(tc.want, func(t *testing.T) {
			env := runRunLoop(t, source.NewFakeReader(below), 5*time.Millisecond, 0, fakeClock(epoch, time.Millisecond), 1, tc.sig)

			require.Len(t, env.pub.SystemEvents, 1)
			se := env.pub.SystemEvents[0]
			assert.Equal(t, "SHUTDOWN", se.Event)
			assert.Equal(t, tc.want, se.Reason)
			assert.True(t, se.Retained)

			var parsed status.StatusJSON
			require.NoError(t, json.Unmarshal(se.RawPayload, &parsed))
			assert.Equal(t, tc.want, parsed.Status.Reason)
			assert.Equal(t, "sess", parsed.Status.SessionID)
		})
	}
}

func TestOpenSource(t *testing.T) {
	r, err := openSource(options{source: "sim", period: time.Millisecond, simInterval: 10 * time.Millisecond})
	require.NoError(t, err)
	defer r.Close()
	v, err := r.Read()
	require.NoError(t, err)
	assert.InDelta(t, -0.070, v, 1e-12)

	_, err = openSource(options{source: "bogus"})
	assert.Error(t, err)
}

func TestFirstSampleWaitsForSerialValue(t *testing.T) {
	r := &source.FakeReader{ReadError: source.ErrNoSample}
	_, err := firstSample(r, 30*time.Millisecond)
	assert.ErrorIs(t, err, source.ErrNoSample)

	v, err := firstSample(source.NewFakeReader(0.012), time.Second)
	require.NoError(t, err)
	assert.Equal(t, 0.012, v)
}
