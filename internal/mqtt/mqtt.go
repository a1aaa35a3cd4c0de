// Package mqtt provides MQTT publishing with abstraction for testing.
package mqtt

import (
	"encoding/json"
	"time"

	"github.com/sweeney/spike-detector/internal/spike"
)

// Topic is the MQTT topic for spike transitions.
const Topic = "lab/spike-detector/events"

// TopicSystem is the MQTT topic for system lifecycle events.
const TopicSystem = "lab/spike-detector/system"

// TopicParamsSet receives parameter updates as params.Update JSON.
const TopicParamsSet = "lab/spike-detector/params/set"

// Publisher publishes events to MQTT.
type Publisher interface {
	// Publish sends a state transition to the broker.
	// Returns error if publishing fails (should not crash the process).
	Publish(event spike.Event) error

	// PublishSystem sends a system lifecycle event to the broker.
	PublishSystem(event SystemEvent) error

	// Close disconnects from the broker.
	Close() error
}

// ConnectionStatus reports whether the MQTT connection is active.
type ConnectionStatus interface {
	IsConnected() bool
}

// SystemEvent represents a system lifecycle event (e.g., startup, shutdown, heartbeat).
type SystemEvent struct {
	Timestamp  time.Time
	Event      string // e.g., "STARTUP", "SHUTDOWN", "HEARTBEAT"
	Reason     string // e.g., "SIGTERM", "SIGINT" (shutdown only)
	RawPayload []byte // Pre-formatted JSON payload; if set, FormatSystemPayload returns it directly
	Retained   bool   // Whether the message should be retained by the broker
}

// Payload represents the MQTT message payload structure.
type Payload struct {
	Spike SpikePayload `json:"spike"`
}

// SpikePayload contains the transition details.
type SpikePayload struct {
	Timestamp string     `json:"timestamp"`
	Event     string     `json:"event"`
	Tick      uint64     `json:"tick"`
	ElapsedMS float64    `json:"elapsed_ms"`
	From      StateField `json:"from"`
	To        StateField `json:"to"`
}

// StateField is a classifier state with its numeric output code.
type StateField struct {
	State string `json:"state"`
	Code  int    `json:"code"`
}

func stateField(s spike.State) StateField {
	return StateField{State: s.String(), Code: s.Code()}
}

// FormatPayload creates the JSON payload for a transition observed at ts.
func FormatPayload(event spike.Event, ts time.Time) ([]byte, error) {
	payload := Payload{
		Spike: SpikePayload{
			Timestamp: ts.UTC().Format(time.RFC3339Nano),
			Event:     string(event.Type()),
			Tick:      event.Tick,
			ElapsedMS: float64(event.Elapsed) / float64(time.Millisecond),
			From:      stateField(event.From),
			To:        stateField(event.To),
		},
	}
	return json.Marshal(payload)
}

// SystemPayload represents the MQTT message payload for system events.
// Used for simple events (LWT, RECONNECTED) that don't carry a full status snapshot.
type SystemPayload struct {
	System SystemPayloadInner `json:"system"`
}

// SystemPayloadInner contains the system event details.
type SystemPayloadInner struct {
	Timestamp string `json:"timestamp,omitempty"`
	Event     string `json:"event"`
	Reason    string `json:"reason,omitempty"`
}

// FormatSystemPayload creates the JSON payload for a system event.
// If event.RawPayload is set, it is returned directly (used for full status snapshots).
// A zero Timestamp is omitted.
func FormatSystemPayload(event SystemEvent) ([]byte, error) {
	if event.RawPayload != nil {
		return event.RawPayload, nil
	}

	payload := SystemPayload{
		System: SystemPayloadInner{
			Event:  event.Event,
			Reason: event.Reason,
		},
	}
	if !event.Timestamp.IsZero() {
		payload.System.Timestamp = event.Timestamp.UTC().Format(time.RFC3339)
	}
	return json.Marshal(payload)
}

// willPayload is the SHUTDOWN message the broker sends for us. It has no
// timestamp since the broker decides when it goes out.
func willPayload() ([]byte, error) {
	return FormatSystemPayload(SystemEvent{Event: "SHUTDOWN", Reason: "MQTT_DISCONNECT"})
}
