// Package events publishes round summaries to interested observers.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// RoundSummary describes one finished round.
type RoundSummary struct {
	Generation int64   `json:"generation"`
	Tiles      int     `json:"tiles"`
	Dispatched int     `json:"dispatched"`
	Abandoned  int     `json:"abandoned"`
	Workers    int     `json:"workers"`
	DurationMs float64 `json:"duration_ms"`
	Preempted  bool    `json:"preempted"`
}

// Publisher receives round summaries. Publish must not block the caller for
// long; the dispatcher calls it between rounds.
type Publisher interface {
	PublishRound(ctx context.Context, s RoundSummary) error
	Close()
}

// Nop discards every event.
type Nop struct{}

func (Nop) PublishRound(context.Context, RoundSummary) error { return nil }
func (Nop) Close()                                           {}

// MQTTPublisher sends round summaries as JSON to one MQTT topic at QoS 0.
type MQTTPublisher struct {
	client mqtt.Client
	topic  string
}

// DialMQTT connects to broker (host:port).
func DialMQTT(ctx context.Context, broker, clientID, topic string) (*MQTTPublisher, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", broker))
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	client := mqtt.NewClient(opts)
	token := client.Connect()

	select {
	case <-token.Done():
	case <-ctx.Done():
		return nil, fmt.Errorf("mqtt connect %s: %w", broker, ctx.Err())
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", broker, err)
	}
	return NewMQTTPublisher(client, topic), nil
}

// NewMQTTPublisher wraps an already configured client.
func NewMQTTPublisher(client mqtt.Client, topic string) *MQTTPublisher {
	return &MQTTPublisher{client: client, topic: topic}
}

// PublishRound does not wait for the broker acknowledgement.
func (p *MQTTPublisher) PublishRound(_ context.Context, s RoundSummary) error {
	payload, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal round summary: %w", err)
	}
	token := p.client.Publish(p.topic, 0, false, payload)
	select {
	case <-token.Done():
		return token.Error()
	default:
		return nil
	}
}

func (p *MQTTPublisher) Close() {
	p.client.Disconnect(250)
}
