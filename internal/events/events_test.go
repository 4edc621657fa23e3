package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"gotest.tools/v3/assert"
)

type doneToken struct{ ch chan struct{} }

func newDoneToken() doneToken {
	ch := make(chan struct{})
	close(ch)
	return doneToken{ch: ch}
}

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Done() <-chan struct{}          { return t.ch }
func (t doneToken) Error() error                   { return nil }

// fakeClient records publishes; other mqtt.Client methods are not used.
type fakeClient struct {
	mqtt.Client
	topics   []string
	payloads [][]byte
	closed   bool
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.topics = append(c.topics, topic)
	c.payloads = append(c.payloads, payload.([]byte))
	return newDoneToken()
}

func (c *fakeClient) Disconnect(uint) { c.closed = true }

func TestMQTTPublisherSendsJSON(t *testing.T) {
	client := &fakeClient{}
	p := NewMQTTPublisher(client, "fractal/rounds")

	summary := RoundSummary{Generation: 3, Tiles: 12, Dispatched: 12, Workers: 2, DurationMs: 1.5}
	assert.NilError(t, p.PublishRound(context.Background(), summary))
	p.Close()

	assert.DeepEqual(t, client.topics, []string{"fractal/rounds"})
	var got RoundSummary
	assert.NilError(t, json.Unmarshal(client.payloads[0], &got))
	assert.Equal(t, got, summary)
	assert.Assert(t, client.closed)
}

func TestNopPublisher(t *testing.T) {
	var p Publisher = Nop{}
	assert.NilError(t, p.PublishRound(context.Background(), RoundSummary{}))
	p.Close()
}
