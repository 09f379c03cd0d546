package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/nexus-edge/register-poller/internal/domain"
	"github.com/nexus-edge/register-poller/internal/metrics"
	"github.com/rs/zerolog"
)

// Writer performs a single register write. *Coordinator implements it.
type Writer interface {
	WriteRegister(ctx context.Context, address uint16, value int) error
}

// CommandHandler handles register write commands received via MQTT.
// Commands go through a bounded queue and are executed one at a time, so
// the device never sees concurrent writes from this handler.
type CommandHandler struct {
	mqttClient   mqtt.Client
	writer       Writer
	registers    domain.RegisterMap
	logger       zerolog.Logger
	metrics      *metrics.Registry
	config       CommandConfig
	stats        *CommandStats
	running      atomic.Bool
	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	commandQueue chan WriteCommand
}

// CommandConfig holds configuration for the command handler.
type CommandConfig struct {
	// CommandTopicPrefix is the MQTT topic prefix for commands.
	// Default: "register-poller/cmd"
	CommandTopicPrefix string

	// ResponseTopicPrefix is the MQTT topic prefix for responses.
	// Default: "register-poller/cmd/response"
	ResponseTopicPrefix string

	WriteTimeout time.Duration

	QoS byte

	// EnableAcknowledgement publishes a WriteResponse for every command.
	EnableAcknowledgement bool

	// CommandQueueSize is the number of commands held before new ones are
	// rejected with "queue full".
	CommandQueueSize int
}

// DefaultCommandConfig returns sensible defaults for command handling.
func DefaultCommandConfig() CommandConfig {
	return CommandConfig{
		CommandTopicPrefix:    "register-poller/cmd",
		ResponseTopicPrefix:   "register-poller/cmd/response",
		WriteTimeout:          10 * time.Second,
		QoS:                   1,
		EnableAcknowledgement: true,
		CommandQueueSize:      100,
	}
}

// CommandStats tracks command handling statistics.
type CommandStats struct {
	CommandsReceived  atomic.Uint64
	CommandsSucceeded atomic.Uint64
	CommandsFailed    atomic.Uint64
	CommandsRejected  atomic.Uint64
}

// WriteCommand is a register write received via MQTT.
type WriteCommand struct {
	RequestID string    `json:"request_id,omitempty"`
	Address   uint16    `json:"-"`
	Value     int       `json:"-"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// WriteResponse is the response to a write command.
type WriteResponse struct {
	RequestID string    `json:"request_id,omitempty"`
	Register  string    `json:"register"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Duration  float64   `json:"duration_ms"`
}

// NewCommandHandler creates a new command handler. Only registers marked
// writable in registers accept commands.
func NewCommandHandler(
	mqttClient mqtt.Client,
	writer Writer,
	registers domain.RegisterMap,
	config CommandConfig,
	logger zerolog.Logger,
	metricsReg *metrics.Registry,
) *CommandHandler {
	ctx, cancel := context.WithCancel(context.Background())

	if config.CommandQueueSize <= 0 {
		config.CommandQueueSize = 100
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 10 * time.Second
	}
	config.CommandTopicPrefix = strings.TrimSuffix(config.CommandTopicPrefix, "/")
	config.ResponseTopicPrefix = strings.TrimSuffix(config.ResponseTopicPrefix, "/")

	h := &CommandHandler{
		mqttClient:   mqttClient,
		writer:       writer,
		registers:    registers,
		logger:       logger.With().Str("component", "command-handler").Logger(),
		metrics:      metricsReg,
		config:       config,
		stats:        &CommandStats{},
		ctx:          ctx,
		cancel:       cancel,
		commandQueue: make(chan WriteCommand, config.CommandQueueSize),
	}

	h.logger.Info().
		Int("queue_size", config.CommandQueueSize).
		Msg("Command handler initialized")

	return h
}

// SubscribedTopics returns the MQTT topic patterns this handler subscribes to.
func (h *CommandHandler) SubscribedTopics() []string {
	return []string{h.writeTopic(), h.setTopic()}
}

func (h *CommandHandler) writeTopic() string {
	return h.config.CommandTopicPrefix + "/+/write"
}

func (h *CommandHandler) setTopic() string {
	return h.config.CommandTopicPrefix + "/+/set"
}

// Start starts the worker and subscribes to command topics. If the
// subscription fails the worker keeps running and Resubscribe can be retried
// once the broker is reachable.
func (h *CommandHandler) Start() error {
	if !h.running.CompareAndSwap(false, true) {
		return nil
	}

	h.logger.Info().
		Str("topic_prefix", h.config.CommandTopicPrefix).
		Msg("Starting command handler")

	h.wg.Add(1)
	go h.processCommandQueue()

	if err := h.subscribe(); err != nil {
		return err
	}

	h.logger.Info().Msg("Command handler started")
	return nil
}

// Resubscribe renews the command subscriptions, e.g. after the broker
// connection was re-established with a clean session.
func (h *CommandHandler) Resubscribe() error {
	if !h.running.Load() {
		return nil
	}
	if err := h.subscribe(); err != nil {
		h.logger.Warn().Err(err).Msg("Failed to renew command subscriptions")
		return err
	}
	h.logger.Debug().Msg("Command subscriptions renewed")
	return nil
}

func (h *CommandHandler) subscribe() error {
	// <prefix>/<register>/write carries {"request_id": "...", "value": n}
	token := h.mqttClient.Subscribe(h.writeTopic(), h.config.QoS, h.handleWriteCommand)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("%w: %v", domain.ErrMQTTSubscribeFailed, token.Error())
	}

	// <prefix>/<register>/set carries the bare value
	token = h.mqttClient.Subscribe(h.setTopic(), h.config.QoS, h.handleSetCommand)
	if token.Wait() && token.Error() != nil {
		h.mqttClient.Unsubscribe(h.writeTopic())
		return fmt.Errorf("%w: %v", domain.ErrMQTTSubscribeFailed, token.Error())
	}
	return nil
}

// Stop unsubscribes, drains the queue and stops the worker. A stopped
// handler cannot be restarted.
func (h *CommandHandler) Stop() error {
	if !h.running.Load() {
		return nil
	}

	h.mqttClient.Unsubscribe(h.writeTopic(), h.setTopic())
	h.cancel()
	h.wg.Wait()
	h.running.Store(false)

	h.logger.Info().Msg("Command handler stopped")
	return nil
}

func (h *CommandHandler) processCommandQueue() {
	defer h.wg.Done()

	for {
		select {
		case <-h.ctx.Done():
			h.drainCommandQueue()
			return
		case cmd := <-h.commandQueue:
			h.processWriteCommand(h.ctx, cmd)
		}
	}
}

// drainCommandQueue answers queued commands on shutdown without writing.
func (h *CommandHandler) drainCommandQueue() {
	for {
		select {
		case cmd := <-h.commandQueue:
			h.reject(cmd, "service shutting down")
		default:
			return
		}
	}
}

func (h *CommandHandler) handleWriteCommand(client mqtt.Client, msg mqtt.Message) {
	h.stats.CommandsReceived.Add(1)

	address, err := h.addressFromTopic(msg.Topic())
	if err != nil {
		h.logger.Warn().Err(err).Str("topic", msg.Topic()).Msg("Invalid command topic")
		h.reject(WriteCommand{}, err.Error())
		return
	}

	var body struct {
		RequestID string          `json:"request_id"`
		Value     json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(msg.Payload(), &body); err != nil {
		h.logger.Warn().Err(err).Str("topic", msg.Topic()).Msg("Failed to parse write command")
		h.reject(WriteCommand{Address: address}, "invalid command payload")
		return
	}

	cmd := WriteCommand{RequestID: body.RequestID, Address: address, Timestamp: time.Now()}
	value, err := parseCommandValue(body.Value)
	if err != nil {
		h.reject(cmd, err.Error())
		return
	}
	cmd.Value = value
	h.enqueue(cmd)
}

func (h *CommandHandler) handleSetCommand(client mqtt.Client, msg mqtt.Message) {
	h.stats.CommandsReceived.Add(1)

	address, err := h.addressFromTopic(msg.Topic())
	if err != nil {
		h.logger.Warn().Err(err).Str("topic", msg.Topic()).Msg("Invalid command topic")
		h.reject(WriteCommand{}, err.Error())
		return
	}

	cmd := WriteCommand{Address: address, Timestamp: time.Now()}
	value, err := parseCommandValue(msg.Payload())
	if err != nil {
		h.reject(cmd, err.Error())
		return
	}
	cmd.Value = value
	h.enqueue(cmd)
}

func (h *CommandHandler) enqueue(cmd WriteCommand) {
	if !h.registers.Writable(cmd.Address) {
		reason := domain.ErrNotWritable
		if _, ok := h.registers.Lookup(cmd.Address); !ok {
			reason = domain.ErrUnknownRegister
		}
		h.logger.Warn().
			Uint16("address", cmd.Address).
			Err(reason).
			Msg("Write command rejected")
		h.reject(cmd, reason.Error())
		return
	}

	select {
	case h.commandQueue <- cmd:
	default:
		h.logger.Warn().
			Uint16("address", cmd.Address).
			Msg("Command rejected: queue full (back-pressure)")
		h.reject(cmd, "command queue full, try again later")
	}
}

func (h *CommandHandler) processWriteCommand(ctx context.Context, cmd WriteCommand) {
	startTime := time.Now()

	ctx, cancel := context.WithTimeout(ctx, h.config.WriteTimeout)
	defer cancel()

	if err := h.writer.WriteRegister(ctx, cmd.Address, cmd.Value); err != nil {
		h.logger.Error().
			Err(err).
			Uint16("address", cmd.Address).
			Int("value", cmd.Value).
			Msg("Write command failed")
		h.sendResponse(cmd, false, err.Error(), time.Since(startTime))
		h.stats.CommandsFailed.Add(1)
		return
	}

	h.logger.Debug().
		Uint16("address", cmd.Address).
		Int("value", cmd.Value).
		Dur("duration", time.Since(startTime)).
		Msg("Write command succeeded")

	h.sendResponse(cmd, true, "", time.Since(startTime))
	h.stats.CommandsSucceeded.Add(1)
}

func (h *CommandHandler) reject(cmd WriteCommand, reason string) {
	h.stats.CommandsRejected.Add(1)
	h.metrics.RecordCommandRejected()
	h.sendResponse(cmd, false, reason, 0)
}

func (h *CommandHandler) sendResponse(cmd WriteCommand, success bool, errMsg string, duration time.Duration) {
	if !h.config.EnableAcknowledgement {
		return
	}

	response := WriteResponse{
		RequestID: cmd.RequestID,
		Register:  domain.Key(cmd.Address),
		Success:   success,
		Error:     errMsg,
		Timestamp: time.Now(),
		Duration:  float64(duration) / float64(time.Millisecond),
	}

	payload, err := json.Marshal(response)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to marshal response")
		return
	}

	// <response_prefix>/<address>
	topic := fmt.Sprintf("%s/%d", h.config.ResponseTopicPrefix, cmd.Address)
	token := h.mqttClient.Publish(topic, h.config.QoS, false, payload)
	if token.Wait() && token.Error() != nil {
		h.logger.Error().Err(token.Error()).Msg("Failed to publish response")
	}
}

// addressFromTopic extracts the register from <prefix>/<register>/<verb>.
// The segment may be "2002" or "register_2002".
func (h *CommandHandler) addressFromTopic(topic string) (uint16, error) {
	rest, ok := strings.CutPrefix(topic, h.config.CommandTopicPrefix+"/")
	if !ok {
		return 0, fmt.Errorf("topic %q outside command prefix", topic)
	}
	segment, _, ok := strings.Cut(rest, "/")
	if !ok {
		return 0, fmt.Errorf("topic %q has no register segment", topic)
	}
	return ParseRegisterRef(segment)
}

// ParseRegisterRef parses a register reference, either a bare address or
// its external key.
func ParseRegisterRef(ref string) (uint16, error) {
	if addr, ok := domain.ParseKey(ref); ok {
		return addr, nil
	}
	n, err := strconv.ParseUint(ref, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", domain.ErrUnknownRegister, ref)
	}
	return uint16(n), nil
}

// parseCommandValue accepts a JSON integer or a quoted integer.
func parseCommandValue(raw []byte) (int, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, errors.New("value is required")
	}
	var s string
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, fmt.Errorf("invalid value: %w", err)
		}
	} else {
		s = string(raw)
	}
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not an integer", domain.ErrInvalidWriteValue, s)
	}
	return n, nil
}

// Stats returns a snapshot of command handling statistics.
func (h *CommandHandler) Stats() map[string]uint64 {
	return map[string]uint64{
		"commands_received":  h.stats.CommandsReceived.Load(),
		"commands_succeeded": h.stats.CommandsSucceeded.Load(),
		"commands_failed":    h.stats.CommandsFailed.Load(),
		"commands_rejected":  h.stats.CommandsRejected.Load(),
	}
}
