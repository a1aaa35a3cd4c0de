package status

import (
	"encoding/json"
	"time"

	"github.com/sweeney/spike-detector/internal/params"
)

// StatusJSON is the top-level JSON envelope for status output.
type StatusJSON struct {
	Status StatusInner `json:"status"`
}

// StatusInner contains the status details.
type StatusInner struct {
	Event         string         `json:"event,omitempty"`
	Reason        string         `json:"reason,omitempty"`
	SessionID     string         `json:"session_id"`
	State         string         `json:"state"`
	StateCode     int            `json:"state_code"`
	Ticks         uint64         `json:"ticks"`
	LastSpikeMS   *float64       `json:"last_spike_ms,omitempty"`
	UptimeSeconds int64          `json:"uptime_seconds"`
	StartTime     string         `json:"start_time"`
	Timestamp     string         `json:"timestamp"`
	MQTT          MQTTStatus     `json:"mqtt"`
	Counts        CountsJSON     `json:"event_counts"`
	Params        params.Display `json:"params"`
	Network       *NetworkJSON   `json:"network,omitempty"`
	Config        ConfigJSON     `json:"config"`
}

// MQTTStatus reports MQTT connection state.
type MQTTStatus struct {
	Connected bool   `json:"connected"`
	Broker    string `json:"broker"`
}

// CountsJSON is the JSON representation of transition counts.
type CountsJSON struct {
	Onsets  int `json:"spike_onset"`
	Offsets int `json:"spike_offset"`
	Blocks  int `json:"depolarization_block"`
	Rearms  int `json:"rearmed"`
}

// NetworkJSON is the JSON representation of network info.
type NetworkJSON struct {
	Type       string `json:"type"`
	IP         string `json:"ip"`
	Status     string `json:"status"`
	Gateway    string `json:"gateway"`
	WifiStatus string `json:"wifi_status"`
	SSID       string `json:"ssid"`
}

// ConfigJSON is the JSON representation of daemon config.
type ConfigJSON struct {
	SamplingPeriodUs int64  `json:"sampling_period_us"`
	HeartbeatMs      int64  `json:"heartbeat_ms"`
	Source           string `json:"source"`
	Broker           string `json:"broker"`
	HTTPAddr         string `json:"http_addr"`
}

// Build converts a snapshot to its wire form. The web server also encodes
// the result as MessagePack.
func Build(snap Snapshot) StatusJSON {
	inner := StatusInner{
		SessionID:     snap.SessionID,
		State:         snap.State.String(),
		StateCode:     snap.State.Code(),
		Ticks:         snap.Ticks,
		UptimeSeconds: int64(snap.Uptime().Truncate(time.Second).Seconds()),
		StartTime:     snap.StartTime.UTC().Format(time.RFC3339),
		Timestamp:     snap.Now.UTC().Format(time.RFC3339),
		MQTT:          MQTTStatus{Connected: snap.MQTTConnected, Broker: snap.Config.Broker},
		Counts: CountsJSON{
			Onsets:  snap.Counts.Onsets,
			Offsets: snap.Counts.Offsets,
			Blocks:  snap.Counts.Blocks,
			Rearms:  snap.Counts.Rearms,
		},
		Params: snap.Params,
		Config: ConfigJSON{
			SamplingPeriodUs: snap.Config.SamplingPeriod.Microseconds(),
			HeartbeatMs:      snap.Config.HeartbeatMs,
			Source:           snap.Config.Source,
			Broker:           snap.Config.Broker,
			HTTPAddr:         snap.Config.HTTPAddr,
		},
	}
	if snap.Spiked {
		ms := float64(snap.LastSpike) / float64(time.Millisecond)
		inner.LastSpikeMS = &ms
	}
	if snap.Network != nil {
		inner.Network = &NetworkJSON{
			Type:       snap.Network.Type,
			IP:         snap.Network.IP,
			Status:     snap.Network.Status,
			Gateway:    snap.Network.Gateway,
			WifiStatus: snap.Network.WifiStatus,
			SSID:       snap.Network.SSID,
		}
	}
	return StatusJSON{Status: inner}
}

// FormatJSON returns the JSON status for the web endpoint (no event/reason).
func FormatJSON(snap Snapshot) []byte {
	data, _ := json.MarshalIndent(Build(snap), "", "  ")
	return data
}

// FormatStatusEvent returns the JSON status for an MQTT system event.
func FormatStatusEvent(snap Snapshot, event, reason string) []byte {
	s := Build(snap)
	s.Status.Event = event
	s.Status.Reason = reason

	data, _ := json.Marshal(s)
	return data
}
