package mqtt

import (
	"bytes"
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/xid"

	"github.com/sweeney/spike-detector/internal/log"
	"github.com/sweeney/spike-detector/internal/params"
	"github.com/sweeney/spike-detector/internal/spike"
)

const (
	queueSize = 512
	connectTimeout = 10 * time.Second
	publishTimeout = 5 * time.Second
)

// Options configures a RealPublisher.
type Options struct {
	Broker string
	// ClientID defaults to "spike-detector-<xid>".
	ClientID string
	// Params, if set, receives updates published to TopicParamsSet.
	Params params.Setter
}

// RealPublisher publishes to an actual MQTT broker.
//
// Publishing never waits on the broker: while the connection is down,
// messages are kept in a bounded offline queue and replayed after reconnecting.
type RealPublisher struct {
	client paho.Client
	setter params.Setter
	now    func() time.Time

	mu            sync.Mutex
	connected     bool
	everConnected bool
	lost          uint64 // connection losses, to abandon a stale replay
	queue         *offlineQueue
}

// NewRealPublisher creates a publisher connected to the given broker.
func NewRealPublisher(o Options) (*RealPublisher, error) {
	p := newPublisher(o.Params, time.Now)

	clientID := o.ClientID
	if clientID == "" {
		clientID = "spike-detector-" + xid.New().String()
	}

	will, err := willPayload()
	if err != nil {
		return nil, fmt.Errorf("format will payload: %w", err)
	}

	opts := paho.NewClientOptions().
		AddBroker(o.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetBinaryWill(TopicSystem, will, 1, false).
		SetOnConnectHandler(p.onConnect).
		SetConnectionLostHandler(p.onConnectionLost)

	p.client = paho.NewClient(opts)
	token := p.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("connection timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to broker: %w", err)
	}

	log.Infow("mqtt connected", "broker", o.Broker, "client_id", clientID)
	return p, nil
}

func newPublisher(setter params.Setter, now func() time.Time) *RealPublisher {
	return &RealPublisher{
		setter: setter,
		now:    now,
		queue:  newOfflineQueue(queueSize),
	}
}

func (p *RealPublisher) onConnect(c paho.Client) {
	p.mu.Lock()
	reconnect := p.everConnected
	p.everConnected = true
	lost := p.lost
	p.mu.Unlock()

	if p.setter != nil {
		c.Subscribe(TopicParamsSet, 1, p.handleParams)
	}

	if reconnect {
		log.Infof("mqtt: reconnected")
		payload, err := FormatSystemPayload(SystemEvent{Timestamp: p.now(), Event: "RECONNECTED"})
		if err == nil {
			p.await(c.Publish(TopicSystem, 1, false, payload), TopicSystem)
		}
	}

	// Stay offline until the queue is empty so anything published during
	// the replay queues up behind older messages.
	replayed := 0
	for {
		p.mu.Lock()
		if p.lost != lost {
			p.mu.Unlock()
			return
		}
		pending := p.queue.take()
		if len(pending) == 0 {
			p.connected = true
			p.mu.Unlock()
			break
		}
		p.mu.Unlock()

		for _, m := range pending {
			p.await(c.Publish(m.topic, m.qos, m.retained, m.payload), m.topic)
		}
		replayed += len(pending)
	}
	if replayed > 0 {
		log.Infof("mqtt: replayed %d buffered messages", replayed)
	}
}

func (p *RealPublisher) onConnectionLost(_ paho.Client, err error) {
	p.mu.Lock()
	p.connected = false
	p.lost++
	p.mu.Unlock()
	log.Warnf("mqtt: connection lost: %v", err)
}

func (p *RealPublisher) handleParams(_ paho.Client, msg paho.Message) {
	u, err := params.Decode(bytes.NewReader(msg.Payload()))
	if err != nil {
		log.Warnf("mqtt: rejected parameter update: %v", err)
		return
	}
	next, err := params.Set(p.setter, u)
	if err != nil {
		log.Warnf("mqtt: rejected parameter update: %v", err)
		return
	}
	d := params.ToDisplay(next)
	log.Infow("parameters updated via mqtt", "threshold_mv", d.ThresholdMV, "min_interval_ms", d.MinIntervalMS)
}

// await logs the outcome of a publish in the background.
func (p *RealPublisher) await(token paho.Token, topic string) {
	go func() {
		if !token.WaitTimeout(publishTimeout) {
			log.Warnf("mqtt: publish to %s timed out", topic)
			return
		}
		if err := token.Error(); err != nil {
			log.Warnf("mqtt: publish to %s: %v", topic, err)
		}
	}()
}

func (p *RealPublisher) publish(topic string, qos byte, retained bool, payload []byte) {
	p.mu.Lock()
	if !p.connected {
		p.queue.add(queuedMsg{topic: topic, payload: payload, qos: qos, retained: retained})
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	p.await(p.client.Publish(topic, qos, retained, payload), topic)
}

// Publish sends a transition to the MQTT broker with QoS 0.
func (p *RealPublisher) Publish(event spike.Event) error {
	payload, err := FormatPayload(event, p.now())
	if err != nil {
		return fmt.Errorf("format payload: %w", err)
	}
	p.publish(Topic, 0, false, payload)
	return nil
}

// PublishSystem sends a system lifecycle event with QoS 1.
func (p *RealPublisher) PublishSystem(event SystemEvent) error {
	payload, err := FormatSystemPayload(event)
	if err != nil {
		return fmt.Errorf("format system payload: %w", err)
	}
	p.publish(TopicSystem, 1, event.Retained, payload)
	return nil
}

// IsConnected reports whether the broker connection is up.
func (p *RealPublisher) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

// Buffered returns the number of messages waiting for a reconnect.
func (p *RealPublisher) Buffered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queue.len()
}

// Close disconnects from the broker.
func (p *RealPublisher) Close() error {
	p.client.Disconnect(1000) // 1 second timeout
	return nil
}
