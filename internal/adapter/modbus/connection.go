// Package modbus talks to a single Modbus TCP device: it owns the connection,
// retries and circuit-breaks connection establishment, and serializes every
// request onto the one open link.
package modbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nexus-edge/register-poller/internal/domain"
	"github.com/nexus-edge/register-poller/internal/metrics"
	"github.com/nexus-edge/register-poller/internal/retry"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// State is the connection manager's view of the link.
type State int32

const (
	StateDisconnected State = iota
	StateConnected
)

func (s State) String() string {
	if s == StateConnected {
		return "connected"
	}
	return "disconnected"
}

// ConnectionStats tracks connection and request counters.
type ConnectionStats struct {
	ConnectAttempts atomic.Uint64
	ConnectErrors   atomic.Uint64
	Retries         atomic.Uint64
	ReadCount       atomic.Uint64
	WriteCount      atomic.Uint64
	ErrorCount      atomic.Uint64
	TotalReadTime   atomic.Int64 // nanoseconds
}

// Manager owns at most one Link to the device.
// All link operations, including establishment, hold opMu, so at most one
// request is on the wire at any time.
type Manager struct {
	config  domain.ModbusConfig
	dial    DialFunc
	logger  zerolog.Logger
	metrics *metrics.Registry
	breaker *gobreaker.CircuitBreaker

	opMu sync.Mutex
	link Link

	state   atomic.Int32
	stopped atomic.Bool

	// closeCtx is cancelled by Shutdown to abort dials and backoff sleeps.
	closeCtx    context.Context
	closeCancel context.CancelFunc

	errMu     sync.RWMutex
	lastError error

	stats ConnectionStats
}

// NewManager creates a connection manager. A nil dial uses DialTCP.
// No connection is opened until EnsureConnected is called.
func NewManager(config domain.ModbusConfig, dial DialFunc, logger zerolog.Logger, metricsReg *metrics.Registry) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if dial == nil {
		dial = DialTCP
	}
	closeCtx, closeCancel := context.WithCancel(context.Background())

	m := &Manager{
		config:      config.WithDefaults(),
		dial:        dial,
		logger:      logger.With().Str("component", "modbus-connection").Str("device", config.Address()).Logger(),
		metrics:     metricsReg,
		closeCtx:    closeCtx,
		closeCancel: closeCancel,
	}
	if config.BreakerThreshold > 0 {
		m.breaker = m.createCircuitBreaker()
	}
	return m, nil
}

// createCircuitBreaker opens after BreakerThreshold consecutive failed
// establishments and lets a single trial through after BreakerCooldown.
func (m *Manager) createCircuitBreaker() *gobreaker.CircuitBreaker {
	threshold := uint32(m.config.BreakerThreshold)
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        fmt.Sprintf("modbus-%s", m.config.Address()),
		MaxRequests: 1,
		Timeout:     m.config.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			m.logger.Info().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Modbus circuit breaker state changed")
		},
	})
}

// EnsureConnected reuses the current link if it is open, otherwise closes it
// and dials a new one under the retry policy. Failures wrap domain.ErrConnection.
func (m *Manager) EnsureConnected(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	if m.stopped.Load() {
		return fmt.Errorf("%w: %w", domain.ErrConnection, domain.ErrServiceStopped)
	}
	if m.link != nil && m.link.IsOpen() {
		return nil
	}
	m.dropLocked()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(m.closeCtx, cancel)
	defer stop()

	link, err := m.establish(ctx)
	if err != nil {
		if m.stopped.Load() {
			err = domain.ErrServiceStopped
		}
		m.setLastError(err)
		m.logger.Error().Err(err).Msg("Failed to connect to Modbus device")
		return fmt.Errorf("%w: %w", domain.ErrConnection, err)
	}

	m.link = link
	m.setState(StateConnected)
	m.setLastError(nil)
	m.logger.Info().Msg("Connected to Modbus device")
	return nil
}

func (m *Manager) establish(ctx context.Context) (Link, error) {
	policy := retry.Exponential(m.config.RetryCount, m.config.RetryDelay)
	policy.OnRetry = func(attempt int, delay time.Duration, err error) {
		m.stats.Retries.Add(1)
		m.metrics.RecordConnectionRetry()
		m.logger.Warn().
			Err(err).
			Int("attempt", attempt).
			Dur("delay", delay).
			Msg("Connection attempt failed, retrying")
	}

	var link Link
	err := policy.Do(ctx, func(attempt int) error {
		l, err := m.connectOnce(ctx)
		if err != nil {
			if errors.Is(err, domain.ErrCircuitBreakerOpen) {
				return retry.Permanent(err)
			}
			return err
		}
		link = l
		return nil
	})
	return link, err
}

func (m *Manager) connectOnce(ctx context.Context) (Link, error) {
	dialCtx, cancel := context.WithTimeout(ctx, m.config.ConnectTimeout)
	defer cancel()

	m.stats.ConnectAttempts.Add(1)
	start := time.Now()

	var link Link
	var err error
	if m.breaker != nil {
		var res interface{}
		res, err = m.breaker.Execute(func() (interface{}, error) {
			return m.dial(dialCtx, m.config)
		})
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, domain.ErrCircuitBreakerOpen
		}
		if err == nil {
			link = res.(Link)
		}
	} else {
		link, err = m.dial(dialCtx, m.config)
	}

	m.metrics.RecordConnection(err == nil, time.Since(start).Seconds())
	if err != nil {
		m.stats.ConnectErrors.Add(1)
		return nil, err
	}
	return link, nil
}

// ReadRegisters reads quantity registers starting at address from bank using
// the current link. It never dials; call EnsureConnected first.
func (m *Manager) ReadRegisters(ctx context.Context, bank Bank, address, quantity uint16) ([]uint16, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.opMu.Lock()
	defer m.opMu.Unlock()

	link, err := m.currentLocked()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrRead, err)
	}

	start := time.Now()
	var data []byte
	if bank == BankInput {
		data, err = link.ReadInputRegisters(address, quantity)
	} else {
		data, err = link.ReadHoldingRegisters(address, quantity)
	}
	m.stats.TotalReadTime.Add(time.Since(start).Nanoseconds())
	if err != nil {
		m.failLocked(err)
		return nil, translateError(domain.ErrRead, domain.ErrReadFailed, err)
	}
	m.stats.ReadCount.Add(1)

	words, err := BytesToWords(data)
	if err != nil {
		return nil, err
	}
	if len(words) < int(quantity) {
		return nil, fmt.Errorf("%w: %w: expected %d registers, got %d",
			domain.ErrRead, domain.ErrInvalidDataLength, quantity, len(words))
	}
	return words, nil
}

// WriteSingleRegister writes value to the holding register at address (FC6).
func (m *Manager) WriteSingleRegister(ctx context.Context, address, value uint16) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.opMu.Lock()
	defer m.opMu.Unlock()

	link, err := m.currentLocked()
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrWrite, err)
	}

	if _, err := link.WriteSingleRegister(address, value); err != nil {
		m.failLocked(err)
		return translateError(domain.ErrWrite, domain.ErrWriteFailed, err)
	}
	m.stats.WriteCount.Add(1)
	return nil
}

// Shutdown aborts any dial or backoff in progress, closes the link and
// leaves the manager permanently disconnected. It is safe to call repeatedly.
func (m *Manager) Shutdown() error {
	if !m.stopped.CompareAndSwap(false, true) {
		return nil
	}
	m.closeCancel()

	m.opMu.Lock()
	defer m.opMu.Unlock()

	var err error
	if m.link != nil {
		err = m.link.Close()
		m.link = nil
	}
	m.setState(StateDisconnected)
	m.logger.Info().Msg("Modbus connection manager stopped")
	return err
}

// State returns the current connection state.
func (m *Manager) State() State {
	return State(m.state.Load())
}

// IsConnected returns true if a link is believed to be open.
func (m *Manager) IsConnected() bool {
	return m.State() == StateConnected
}

// LastError returns the most recent connection error, or nil.
func (m *Manager) LastError() error {
	m.errMu.RLock()
	defer m.errMu.RUnlock()
	return m.lastError
}

// Stats returns the manager's counters.
func (m *Manager) Stats() *ConnectionStats {
	return &m.stats
}

// GetStats returns the counters as a map.
func (m *Manager) GetStats() map[string]uint64 {
	return map[string]uint64{
		"connect_attempts": m.stats.ConnectAttempts.Load(),
		"connect_errors":   m.stats.ConnectErrors.Load(),
		"retries":          m.stats.Retries.Load(),
		"read_count":       m.stats.ReadCount.Load(),
		"write_count":      m.stats.WriteCount.Load(),
		"error_count":      m.stats.ErrorCount.Load(),
		"total_read_ns":    uint64(m.stats.TotalReadTime.Load()),
	}
}

// HealthCheck implements the health.Checker interface.
// A disconnected manager is still healthy; it reconnects on the next cycle.
func (m *Manager) HealthCheck(ctx context.Context) error {
	if m.stopped.Load() {
		return domain.ErrServiceStopped
	}
	if m.breaker != nil && m.breaker.State() == gobreaker.StateOpen {
		return domain.ErrCircuitBreakerOpen
	}
	return nil
}

// DeviceHealth summarises the connection to the device.
type DeviceHealth struct {
	Address            string `json:"address"`
	Connected          bool   `json:"connected"`
	CircuitBreakerOpen bool   `json:"circuit_breaker_open"`
	LastError          string `json:"last_error,omitempty"`
}

// Health returns the current DeviceHealth.
func (m *Manager) Health() DeviceHealth {
	h := DeviceHealth{
		Address:            m.config.Address(),
		Connected:          m.IsConnected(),
		CircuitBreakerOpen: m.breaker != nil && m.breaker.State() == gobreaker.StateOpen,
	}
	if err := m.LastError(); err != nil {
		h.LastError = err.Error()
	}
	return h
}

func (m *Manager) currentLocked() (Link, error) {
	if m.stopped.Load() {
		return nil, domain.ErrServiceStopped
	}
	if m.link == nil || !m.link.IsOpen() {
		return nil, domain.ErrConnectionClosed
	}
	return m.link, nil
}

// failLocked records a request failure. Anything but an exception response
// means the transport is unusable and the next EnsureConnected must redial.
func (m *Manager) failLocked(err error) {
	m.stats.ErrorCount.Add(1)
	if IsExceptionResponse(err) {
		return
	}
	m.logger.Warn().Err(err).Msg("Modbus transport error, dropping connection")
	m.setLastError(err)
	m.dropLocked()
}

func (m *Manager) dropLocked() {
	if m.link != nil {
		if err := m.link.Close(); err != nil {
			m.logger.Debug().Err(err).Msg("Error closing Modbus connection")
		}
		m.link = nil
	}
	m.setState(StateDisconnected)
}

func (m *Manager) setState(s State) {
	m.state.Store(int32(s))
	m.metrics.SetConnected(s == StateConnected)
}

func (m *Manager) setLastError(err error) {
	m.errMu.Lock()
	m.lastError = err
	m.errMu.Unlock()
}

// translateError wraps a transport error with its kind and detail sentinel,
// adding the matching domain error for exception responses.
func translateError(kind, detail, err error) error {
	if code, ok := exceptionCode(err); ok {
		return fmt.Errorf("%w: %w: %w (%w)", kind, detail, domain.ModbusExceptionToError(code), err)
	}
	return fmt.Errorf("%w: %w: %w", kind, detail, err)
}
