package mocks

import (
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// PublishedMessage is one Publish call seen by a MockMQTTClient.
type PublishedMessage struct {
	Topic    string
	QoS      byte
	Retained bool
	Payload  []byte
}

// MockMQTTClient is an in-memory mqtt.Client. Publishes are recorded and
// Deliver routes a message to matching subscriptions.
type MockMQTTClient struct {
	mu sync.Mutex

	// Function overrides
	PublishFunc   func(topic string, payload []byte) error
	SubscribeFunc func(topic string) error

	// Call tracking
	PublishedMessages []PublishedMessage
	Subscriptions     map[string]mqtt.MessageHandler
	ConnectCalls      int
	DisconnectCalls   int

	connected bool
}

// NewMockMQTTClient creates a disconnected mock client.
func NewMockMQTTClient() *MockMQTTClient {
	return &MockMQTTClient{
		Subscriptions: make(map[string]mqtt.MessageHandler),
	}
}

func (m *MockMQTTClient) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *MockMQTTClient) IsConnectionOpen() bool {
	return m.IsConnected()
}

func (m *MockMQTTClient) Connect() mqtt.Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ConnectCalls++
	m.connected = true
	return &mockToken{}
}

func (m *MockMQTTClient) Disconnect(quiesce uint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.DisconnectCalls++
	m.connected = false
}

// SetConnected simulates a connection change without callbacks.
func (m *MockMQTTClient) SetConnected(connected bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = connected
}

func (m *MockMQTTClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	var data []byte
	switch p := payload.(type) {
	case []byte:
		data = append([]byte(nil), p...)
	case string:
		data = []byte(p)
	}

	m.mu.Lock()
	fn := m.PublishFunc
	m.mu.Unlock()
	if fn != nil {
		if err := fn(topic, data); err != nil {
			return &mockToken{err: err}
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.PublishedMessages = append(m.PublishedMessages, PublishedMessage{Topic: topic, QoS: qos, Retained: retained, Payload: data})
	return &mockToken{}
}

func (m *MockMQTTClient) Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SubscribeFunc != nil {
		if err := m.SubscribeFunc(topic); err != nil {
			return &mockToken{err: err}
		}
	}
	m.Subscriptions[topic] = callback
	return &mockToken{}
}

func (m *MockMQTTClient) SubscribeMultiple(filters map[string]byte, callback mqtt.MessageHandler) mqtt.Token {
	for topic, qos := range filters {
		if tok := m.Subscribe(topic, qos, callback); tok.Error() != nil {
			return tok
		}
	}
	return &mockToken{}
}

func (m *MockMQTTClient) Unsubscribe(topics ...string) mqtt.Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range topics {
		delete(m.Subscriptions, t)
	}
	return &mockToken{}
}

func (m *MockMQTTClient) AddRoute(topic string, callback mqtt.MessageHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Subscriptions[topic] = callback
}

func (m *MockMQTTClient) OptionsReader() mqtt.ClientOptionsReader {
	return mqtt.ClientOptionsReader{}
}

// Deliver hands a message to every subscription whose filter matches topic.
// It returns the number of handlers called.
func (m *MockMQTTClient) Deliver(topic string, payload []byte) int {
	m.mu.Lock()
	var handlers []mqtt.MessageHandler
	for filter, h := range m.Subscriptions {
		if topicMatches(filter, topic) {
			handlers = append(handlers, h)
		}
	}
	m.mu.Unlock()

	msg := &mockMessage{topic: topic, payload: payload}
	for _, h := range handlers {
		h(m, msg)
	}
	return len(handlers)
}

// Published returns a copy of all published messages.
func (m *MockMQTTClient) Published() []PublishedMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]PublishedMessage(nil), m.PublishedMessages...)
}

// PublishedTo returns the messages published to topic, oldest first.
func (m *MockMQTTClient) PublishedTo(topic string) []PublishedMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []PublishedMessage
	for _, msg := range m.PublishedMessages {
		if msg.Topic == topic {
			out = append(out, msg)
		}
	}
	return out
}

// SubscribedTopics returns the current subscription filters.
func (m *MockMQTTClient) SubscribedTopics() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.Subscriptions))
	for t := range m.Subscriptions {
		out = append(out, t)
	}
	return out
}

// Reset clears recorded publishes.
func (m *MockMQTTClient) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PublishedMessages = nil
}

func topicMatches(filter, topic string) bool {
	fp := strings.Split(filter, "/")
	tp := strings.Split(topic, "/")
	for i, f := range fp {
		if f == "#" {
			return true
		}
		if i >= len(tp) {
			return false
		}
		if f != "+" && f != tp[i] {
			return false
		}
	}
	return len(fp) == len(tp)
}

type mockToken struct {
	err error
}

func (t *mockToken) Wait() bool                     { return true }
func (t *mockToken) WaitTimeout(time.Duration) bool { return true }
func (t *mockToken) Error() error                   { return t.err }

func (t *mockToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type mockMessage struct {
	topic   string
	payload []byte
}

func (m *mockMessage) Duplicate() bool   { return false }
func (m *mockMessage) Qos() byte         { return 1 }
func (m *mockMessage) Retained() bool    { return false }
func (m *mockMessage) Topic() string     { return m.topic }
func (m *mockMessage) MessageID() uint16 { return 0 }
func (m *mockMessage) Payload() []byte   { return m.payload }
func (m *mockMessage) Ack()              {}
