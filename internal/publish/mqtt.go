// Package publish forwards reader tag events onto an MQTT broker, one
// retained-off message per event, so other systems on the network
// (access-control, dashboards) can react to tag presence without
// polling.
package publish

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nfcbridge/pn532reader/pkg/pn532/reader"
)

// Config configures the MQTT publisher.
type Config struct {
	BrokerURL      string
	ClientID       string
	TopicRoot      string
	Username       string
	Password       string
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
}

// Message is the JSON payload published for each tag event.
type Message struct {
	Kind          string    `json:"kind"` // "arrived" or "departed"
	UID           string    `json:"uid"`
	SAK           byte      `json:"sak"`
	CorrelationID string    `json:"correlation_id"`
	Timestamp     time.Time `json:"timestamp"`
}

// Publisher publishes reader events to an MQTT broker.
type Publisher struct {
	cfg    Config
	client mqtt.Client

	mu        sync.RWMutex
	connected bool
}

// New creates a Publisher. Connect must be called before Run.
func New(cfg Config) *Publisher {
	if cfg.ClientID == "" {
		cfg.ClientID = fmt.Sprintf("pn532reader_%d", time.Now().Unix())
	}
	if cfg.TopicRoot == "" {
		cfg.TopicRoot = "nfc"
	}
	if cfg.KeepAlive == 0 {
		cfg.KeepAlive = 60 * time.Second
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	return &Publisher{cfg: cfg}
}

// Connect dials the configured broker.
func (p *Publisher) Connect() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.connected {
		return nil
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(p.cfg.BrokerURL)
	opts.SetClientID(p.cfg.ClientID)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetKeepAlive(p.cfg.KeepAlive)
	opts.SetConnectTimeout(p.cfg.ConnectTimeout)

	if p.cfg.Username != "" {
		opts.SetUsername(p.cfg.Username)
		opts.SetPassword(p.cfg.Password)
	}

	opts.SetOnConnectHandler(func(c mqtt.Client) {
		p.mu.Lock()
		p.connected = true
		p.mu.Unlock()
	})
	opts.SetConnectionLostHandler(func(c mqtt.Client, err error) {
		p.mu.Lock()
		p.connected = false
		p.mu.Unlock()
	})

	p.client = mqtt.NewClient(opts)
	token := p.client.Connect()
	token.Wait()
	if token.Error() != nil {
		return fmt.Errorf("publish: connect: %w", token.Error())
	}
	return nil
}

// topicFor returns the publish topic for a tag UID.
func (p *Publisher) topicFor(uid string) string {
	return fmt.Sprintf("%s/%s/tag", p.cfg.TopicRoot, uid)
}

// Publish sends a single event as a QoS-1, non-retained message.
func (p *Publisher) Publish(ev reader.Event) error {
	kind := "arrived"
	if ev.Kind == reader.TagDeparted {
		kind = "departed"
	}
	uid := hex.EncodeToString(ev.Tag.UID)

	msg := Message{
		Kind:          kind,
		UID:           uid,
		SAK:           ev.Tag.SAK,
		CorrelationID: ev.CorrelationID,
		Timestamp:     time.Now(),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("publish: marshal event: %w", err)
	}

	token := p.client.Publish(p.topicFor(uid), 1, false, payload)
	token.Wait()
	if token.Error() != nil {
		return fmt.Errorf("publish: %w", token.Error())
	}
	return nil
}

// Run consumes events until ctx is canceled, publishing each one.
// Publish errors are surfaced via onError (if non-nil) and otherwise
// swallowed, since a broker hiccup should not stop the reader loop.
func (p *Publisher) Run(ctx context.Context, events <-chan reader.Event, onError func(error)) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := p.Publish(ev); err != nil && onError != nil {
				onError(err)
			}
		}
	}
}

// Close disconnects from the broker.
func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != nil && p.client.IsConnected() {
		p.client.Disconnect(250)
		p.connected = false
	}
}
