// Package mqtt publishes poll snapshots to an MQTT broker with automatic
// reconnection and buffering while the broker is unreachable.
package mqtt

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/nexus-edge/register-poller/internal/domain"
	"github.com/nexus-edge/register-poller/internal/metrics"
	"github.com/rs/zerolog"
)

// Publisher publishes register values and cycle status to the MQTT broker.
type Publisher struct {
	config        Config
	registers     domain.RegisterMap
	client        pahomqtt.Client
	logger        zerolog.Logger
	metrics       *metrics.Registry
	mu            sync.RWMutex
	connected     atomic.Bool
	reconnecting  atomic.Bool
	messageBuffer chan *BufferedMessage
	done          chan struct{}
	wg            sync.WaitGroup
	stats         *PublisherStats
	topicMu       sync.RWMutex
	topicStats    map[string]*TopicStat
	hooksMu       sync.RWMutex
	connectHooks  []func()
	bufferOnce    sync.Once
}

// TopicStat tracks publish activity for a given topic.
type TopicStat struct {
	Topic            string    `json:"topic"`
	Count            uint64    `json:"count"`
	LastPublished    time.Time `json:"last_published"`
	LastPayloadBytes int       `json:"last_payload_bytes"`
}

// Config holds MQTT publisher configuration.
type Config struct {
	BrokerURL      string
	ClientID       string
	Username       string
	Password       string
	CleanSession   bool
	QoS            byte
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	ReconnectDelay time.Duration
	TLSEnabled     bool
	TLSCertFile    string
	TLSKeyFile     string
	TLSCAFile      string
	BufferSize     int
	PublishTimeout time.Duration
	RetainMessages bool
	TopicPrefix    string
}

// BufferedMessage represents a message waiting to be published.
type BufferedMessage struct {
	Topic     string
	Payload   []byte
	QoS       byte
	Retained  bool
	Timestamp time.Time
}

// PublisherStats tracks publisher performance metrics.
type PublisherStats struct {
	MessagesPublished atomic.Uint64
	MessagesFailed    atomic.Uint64
	MessagesBuffered  atomic.Uint64
	BytesSent         atomic.Uint64
	ReconnectCount    atomic.Uint64
}

// StatsSnapshot is a point-in-time copy of PublisherStats.
type StatsSnapshot struct {
	MessagesPublished uint64 `json:"messages_published"`
	MessagesFailed    uint64 `json:"messages_failed"`
	MessagesBuffered  uint64 `json:"messages_buffered"`
	BytesSent         uint64 `json:"bytes_sent"`
	ReconnectCount    uint64 `json:"reconnect_count"`
}

// StatusPayload is published on <prefix>/status after every poll cycle.
type StatusPayload struct {
	Success   bool   `json:"success"`
	Cycle     uint64 `json:"cycle"`
	Registers int    `json:"registers"`
	Absent    int    `json:"absent"`
	Error     string `json:"error,omitempty"`
	Timestamp int64  `json:"ts"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		BrokerURL:      "tcp://localhost:1883",
		ClientID:       "register-poller",
		CleanSession:   true,
		QoS:            1,
		KeepAlive:      30 * time.Second,
		ConnectTimeout: 10 * time.Second,
		ReconnectDelay: 5 * time.Second,
		BufferSize:     10000,
		PublishTimeout: 5 * time.Second,
		RetainMessages: true,
		TopicPrefix:    "register-poller",
	}
}

// NewPublisher creates a new MQTT publisher. registers supplies names, units
// and scaling for published values; it may be nil.
func NewPublisher(config Config, registers domain.RegisterMap, logger zerolog.Logger, metricsReg *metrics.Registry) (*Publisher, error) {
	if config.BufferSize == 0 {
		config.BufferSize = 10000
	}
	if config.PublishTimeout == 0 {
		config.PublishTimeout = 5 * time.Second
	}
	if config.KeepAlive == 0 {
		config.KeepAlive = 30 * time.Second
	}
	if config.ConnectTimeout == 0 {
		config.ConnectTimeout = 10 * time.Second
	}
	if config.ReconnectDelay == 0 {
		config.ReconnectDelay = 5 * time.Second
	}
	config.TopicPrefix = strings.TrimSuffix(config.TopicPrefix, "/")
	if config.TopicPrefix == "" {
		return nil, fmt.Errorf("%w: mqtt topic prefix is required", domain.ErrConfig)
	}
	if config.QoS > 2 {
		return nil, fmt.Errorf("%w: mqtt qos %d out of range", domain.ErrConfig, config.QoS)
	}
	if registers == nil {
		registers = domain.RegisterMap{}
	}

	p := &Publisher{
		config:        config,
		registers:     registers,
		logger:        logger.With().Str("component", "mqtt-publisher").Logger(),
		metrics:       metricsReg,
		messageBuffer: make(chan *BufferedMessage, config.BufferSize),
		done:          make(chan struct{}),
		stats:         &PublisherStats{},
		topicStats:    make(map[string]*TopicStat),
	}

	return p, nil
}

// RegisterTopic returns the topic a register's value is published on.
func (p *Publisher) RegisterTopic(address uint16) string {
	return p.config.TopicPrefix + "/" + domain.Key(address)
}

// StatusTopic returns the topic cycle status is published on.
func (p *Publisher) StatusTopic() string {
	return p.config.TopicPrefix + "/status"
}

// ActiveTopics returns the most recently published topics, sorted by recency.
// If limit <= 0, a default limit of 200 is used.
func (p *Publisher) ActiveTopics(limit int) []TopicStat {
	if limit <= 0 {
		limit = 200
	}

	p.topicMu.RLock()
	out := make([]TopicStat, 0, len(p.topicStats))
	for _, stat := range p.topicStats {
		out = append(out, *stat)
	}
	p.topicMu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].LastPublished.After(out[j].LastPublished)
	})

	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (p *Publisher) recordTopicPublish(topic string, payloadBytes int) {
	p.topicMu.Lock()
	defer p.topicMu.Unlock()

	// One topic per register plus status, so the map is bounded by the
	// register map size.
	stat, ok := p.topicStats[topic]
	if !ok {
		stat = &TopicStat{Topic: topic}
		p.topicStats[topic] = stat
	}
	stat.Count++
	stat.LastPublished = time.Now()
	stat.LastPayloadBytes = payloadBytes
}

// Connect establishes the connection to the MQTT broker.
func (p *Publisher) Connect(ctx context.Context) error {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(p.config.BrokerURL)
	opts.SetClientID(p.config.ClientID)
	opts.SetCleanSession(p.config.CleanSession)
	opts.SetKeepAlive(p.config.KeepAlive)
	opts.SetConnectTimeout(p.config.ConnectTimeout)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(p.config.ReconnectDelay)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(p.config.ReconnectDelay)

	if p.config.Username != "" {
		opts.SetUsername(p.config.Username)
		opts.SetPassword(p.config.Password)
	}

	if p.config.TLSEnabled {
		tlsConfig, err := p.createTLSConfig()
		if err != nil {
			return fmt.Errorf("%w: failed to create TLS config: %w", domain.ErrConfig, err)
		}
		opts.SetTLSConfig(tlsConfig)
	}

	// Last will marks the poller offline if it drops without a clean disconnect.
	offline, _ := json.Marshal(StatusPayload{Error: "offline"})
	opts.SetWill(p.StatusTopic(), string(offline), p.config.QoS, true)

	opts.SetOnConnectHandler(p.onConnect)
	opts.SetConnectionLostHandler(p.onConnectionLost)
	opts.SetReconnectingHandler(p.onReconnecting)

	p.logger.Info().Str("broker", p.config.BrokerURL).Msg("Connecting to MQTT broker")
	return p.connectClient(ctx, pahomqtt.NewClient(opts))
}

// connectClient starts the buffer processor and connects client. When the
// first attempt times out the client keeps retrying in the background and
// messages stay buffered until it succeeds.
func (p *Publisher) connectClient(ctx context.Context, client pahomqtt.Client) error {
	p.mu.Lock()
	p.client = client
	p.mu.Unlock()

	p.bufferOnce.Do(func() {
		p.wg.Add(1)
		go p.processBuffer()
	})

	token := client.Connect()

	connectDone := make(chan bool, 1)
	go func() {
		connectDone <- token.WaitTimeout(p.config.ConnectTimeout)
	}()

	select {
	case success := <-connectDone:
		if !success {
			return fmt.Errorf("%w: connection timeout", domain.ErrMQTTConnectionFailed)
		}
		if token.Error() != nil {
			return fmt.Errorf("%w: %v", domain.ErrMQTTConnectionFailed, token.Error())
		}
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", domain.ErrMQTTConnectionFailed, ctx.Err())
	}

	// The on-connect callback may not have fired yet.
	p.connected.Store(true)

	p.logger.Info().Msg("Connected to MQTT broker")
	return nil
}

// Disconnect gracefully disconnects from the MQTT broker.
func (p *Publisher) Disconnect() {
	p.logger.Info().Msg("Disconnecting from MQTT broker")

	select {
	case <-p.done:
	default:
		close(p.done)
	}
	p.wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()

	// Disconnect also stops a connect retry still in progress.
	if p.client != nil {
		p.client.Disconnect(1000)
	}

	p.connected.Store(false)
	p.logger.Info().Msg("Disconnected from MQTT broker")
}

// OnCycle publishes the outcome of a poll cycle. Register values are only
// published for successful cycles; the status topic is published always.
func (p *Publisher) OnCycle(ctx context.Context, result domain.CycleResult) {
	if result.Success && result.Snapshot != nil {
		failed := 0
		for _, addr := range result.Snapshot.Addresses() {
			reading, _ := result.Snapshot.Reading(addr)
			def, _ := p.registers.Lookup(addr)
			dp := domain.NewDataPoint(reading, def, result.Snapshot.UpdatedAt)
			if err := p.Publish(ctx, dp); err != nil {
				failed++
			}
		}
		if failed > 0 {
			p.logger.Warn().
				Uint64("cycle", result.Cycle).
				Int("failed", failed).
				Msg("Some register values were not published")
		}
	}

	status := StatusPayload{
		Success:   result.Success,
		Cycle:     result.Cycle,
		Registers: result.Snapshot.Len(),
		Absent:    result.Snapshot.Absent(),
		Timestamp: time.Now().UnixMilli(),
	}
	if result.Err != nil {
		status.Error = result.Err.Error()
	}
	payload, err := json.Marshal(status)
	if err != nil {
		p.logger.Error().Err(err).Msg("Failed to serialize cycle status")
		return
	}
	if err := p.send(ctx, p.StatusTopic(), payload); err != nil {
		p.logger.Warn().Err(err).Msg("Failed to publish cycle status")
	}
}

// Publish publishes a data point on its register topic.
func (p *Publisher) Publish(ctx context.Context, dataPoint *domain.DataPoint) error {
	payload, err := dataPoint.ToJSON()
	if err != nil {
		return fmt.Errorf("failed to serialize data point: %w", err)
	}
	return p.send(ctx, p.RegisterTopic(dataPoint.Address), payload)
}

// send publishes payload now, or buffers it while disconnected.
func (p *Publisher) send(ctx context.Context, topic string, payload []byte) error {
	if !p.connected.Load() {
		return p.bufferMessage(topic, payload)
	}
	return p.publishRaw(ctx, topic, payload, p.config.QoS, p.config.RetainMessages)
}

// publishRaw publishes raw payload to a topic.
func (p *Publisher) publishRaw(ctx context.Context, topic string, payload []byte, qos byte, retained bool) error {
	p.mu.RLock()
	client := p.client
	p.mu.RUnlock()

	if client == nil {
		return domain.ErrMQTTNotConnected
	}

	start := time.Now()
	token := client.Publish(topic, qos, retained, payload)

	publishDone := make(chan bool, 1)
	go func() {
		publishDone <- token.WaitTimeout(p.config.PublishTimeout)
	}()

	select {
	case success := <-publishDone:
		if !success {
			p.stats.MessagesFailed.Add(1)
			p.metrics.RecordMQTTPublish(false, time.Since(start).Seconds())
			return fmt.Errorf("%w: publish timeout", domain.ErrMQTTPublishFailed)
		}
		if token.Error() != nil {
			p.stats.MessagesFailed.Add(1)
			p.metrics.RecordMQTTPublish(false, time.Since(start).Seconds())
			return fmt.Errorf("%w: %v", domain.ErrMQTTPublishFailed, token.Error())
		}
	case <-ctx.Done():
		p.stats.MessagesFailed.Add(1)
		p.metrics.RecordMQTTPublish(false, time.Since(start).Seconds())
		return fmt.Errorf("%w: %v", domain.ErrMQTTPublishFailed, ctx.Err())
	}

	p.stats.MessagesPublished.Add(1)
	p.stats.BytesSent.Add(uint64(len(payload)))
	p.recordTopicPublish(topic, len(payload))
	p.metrics.RecordMQTTPublish(true, time.Since(start).Seconds())

	return nil
}

// bufferMessage adds a message to the buffer for later publishing. When the
// buffer is full the oldest message is dropped.
func (p *Publisher) bufferMessage(topic string, payload []byte) error {
	msg := &BufferedMessage{
		Topic:     topic,
		Payload:   payload,
		QoS:       p.config.QoS,
		Retained:  p.config.RetainMessages,
		Timestamp: time.Now(),
	}
	defer func() { p.metrics.UpdateMQTTBufferSize(len(p.messageBuffer)) }()

	select {
	case p.messageBuffer <- msg:
		p.stats.MessagesBuffered.Add(1)
		return nil
	default:
		select {
		case <-p.messageBuffer:
			p.messageBuffer <- msg
			p.logger.Warn().Msg("Buffer full, dropped oldest message")
			return nil
		default:
			return fmt.Errorf("%w: message buffer full", domain.ErrMQTTPublishFailed)
		}
	}
}

// processBuffer publishes buffered messages once connected.
func (p *Publisher) processBuffer() {
	defer p.wg.Done()

	for {
		select {
		case <-p.done:
			p.drainBuffer()
			return

		case msg := <-p.messageBuffer:
			p.metrics.UpdateMQTTBufferSize(len(p.messageBuffer))
			if p.connected.Load() {
				ctx, cancel := context.WithTimeout(context.Background(), p.config.PublishTimeout)
				if err := p.publishRaw(ctx, msg.Topic, msg.Payload, msg.QoS, msg.Retained); err != nil {
					p.logger.Warn().Err(err).Str("topic", msg.Topic).Msg("Failed to publish buffered message")
				}
				cancel()
			} else {
				select {
				case p.messageBuffer <- msg:
				default:
				}
				select {
				case <-p.done:
				case <-time.After(100 * time.Millisecond):
				}
			}
		}
	}
}

// drainBuffer attempts to publish all remaining buffered messages.
func (p *Publisher) drainBuffer() {
	timeout := time.After(5 * time.Second)
	for {
		select {
		case msg := <-p.messageBuffer:
			if p.connected.Load() {
				ctx, cancel := context.WithTimeout(context.Background(), p.config.PublishTimeout)
				if err := p.publishRaw(ctx, msg.Topic, msg.Payload, msg.QoS, msg.Retained); err != nil {
					p.logger.Warn().Err(err).Str("topic", msg.Topic).Msg("Failed to drain buffered message")
				}
				cancel()
			}
		case <-timeout:
			remaining := len(p.messageBuffer)
			if remaining > 0 {
				p.logger.Warn().Int("count", remaining).Msg("Timeout draining buffer, messages dropped")
			}
			return
		default:
			return
		}
	}
}

// createTLSConfig creates TLS configuration for secure connections.
func (p *Publisher) createTLSConfig() (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
	}

	if p.config.TLSCAFile != "" {
		caCert, err := os.ReadFile(p.config.TLSCAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate: %w", err)
		}
		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		tlsConfig.RootCAs = caCertPool
	}

	if p.config.TLSCertFile != "" && p.config.TLSKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(p.config.TLSCertFile, p.config.TLSKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}

// OnConnect registers fn to run after every successful (re)connection.
// Subscriptions made with a clean session must be renewed from here.
func (p *Publisher) OnConnect(fn func()) {
	p.hooksMu.Lock()
	defer p.hooksMu.Unlock()
	p.connectHooks = append(p.connectHooks, fn)
}

func (p *Publisher) onConnect(client pahomqtt.Client) {
	p.connected.Store(true)
	if p.reconnecting.Swap(false) {
		p.metrics.RecordMQTTReconnect()
	}
	p.logger.Info().Msg("MQTT connection established")

	p.hooksMu.RLock()
	hooks := append([]func(){}, p.connectHooks...)
	p.hooksMu.RUnlock()
	for _, fn := range hooks {
		fn()
	}
}

func (p *Publisher) onConnectionLost(client pahomqtt.Client, err error) {
	p.connected.Store(false)
	p.logger.Warn().Err(err).Msg("MQTT connection lost")
}

func (p *Publisher) onReconnecting(client pahomqtt.Client, opts *pahomqtt.ClientOptions) {
	p.reconnecting.Store(true)
	p.stats.ReconnectCount.Add(1)
	p.logger.Info().Msg("Attempting to reconnect to MQTT broker")
}

// IsConnected returns true if the publisher is connected to the broker.
func (p *Publisher) IsConnected() bool {
	return p.connected.Load()
}

// Stats returns publisher statistics.
func (p *Publisher) Stats() StatsSnapshot {
	return StatsSnapshot{
		MessagesPublished: p.stats.MessagesPublished.Load(),
		MessagesFailed:    p.stats.MessagesFailed.Load(),
		MessagesBuffered:  p.stats.MessagesBuffered.Load(),
		BytesSent:         p.stats.BytesSent.Load(),
		ReconnectCount:    p.stats.ReconnectCount.Load(),
	}
}

// BufferSize returns the current number of buffered messages.
func (p *Publisher) BufferSize() int {
	return len(p.messageBuffer)
}

// HealthCheck implements the health.Checker interface.
func (p *Publisher) HealthCheck(ctx context.Context) error {
	if !p.connected.Load() {
		return domain.ErrMQTTNotConnected
	}
	return nil
}

// Client returns the underlying MQTT client.
// The command handler subscribes to write commands through it.
func (p *Publisher) Client() pahomqtt.Client {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.client
}
