// Package service provides the poll coordinator that keeps a snapshot of the
// device's registers current, and the write paths that act on it.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nexus-edge/register-poller/internal/adapter/modbus"
	"github.com/nexus-edge/register-poller/internal/catalog"
	"github.com/nexus-edge/register-poller/internal/domain"
	"github.com/nexus-edge/register-poller/internal/metrics"
	"github.com/nexus-edge/register-poller/internal/planner"
	"github.com/rs/zerolog"
)

// Connection is the part of the connection manager the coordinator uses.
type Connection interface {
	EnsureConnected(ctx context.Context) error
	ReadRegisters(ctx context.Context, bank modbus.Bank, address, quantity uint16) ([]uint16, error)
	WriteSingleRegister(ctx context.Context, address, value uint16) error
	HealthCheck(ctx context.Context) error
	Shutdown() error
}

// SnapshotListener is notified after every poll cycle, in cycle order.
type SnapshotListener interface {
	OnCycle(ctx context.Context, result domain.CycleResult)
}

// PollingStats tracks polling statistics.
type PollingStats struct {
	TotalCycles    atomic.Uint64
	SuccessCycles  atomic.Uint64
	FailedCycles   atomic.Uint64
	ChunkReads     atomic.Uint64
	ChunkErrors    atomic.Uint64
	InputFallbacks atomic.Uint64
	DecodeErrors   atomic.Uint64
	Writes         atomic.Uint64
	WriteErrors    atomic.Uint64
}

// StatsSnapshot holds a point-in-time copy of PollingStats.
type StatsSnapshot struct {
	TotalCycles    uint64 `json:"total_cycles"`
	SuccessCycles  uint64 `json:"success_cycles"`
	FailedCycles   uint64 `json:"failed_cycles"`
	ChunkReads     uint64 `json:"chunk_reads"`
	ChunkErrors    uint64 `json:"chunk_errors"`
	InputFallbacks uint64 `json:"input_fallbacks"`
	DecodeErrors   uint64 `json:"decode_errors"`
	Writes         uint64 `json:"writes"`
	WriteErrors    uint64 `json:"write_errors"`
}

// Coordinator owns the register catalog and the current snapshot. Poll
// cycles are serialized; readers never block on a cycle in progress.
type Coordinator struct {
	config      domain.ModbusConfig
	conn        Connection
	catalog     *catalog.Catalog
	logger      zerolog.Logger
	metrics     *metrics.Registry
	diagnostics *Diagnostics
	stats       *PollingStats

	cycleMu  sync.Mutex
	cycle    atomic.Uint64
	snapshot atomic.Pointer[domain.Snapshot]
	success  atomic.Bool

	errMu     sync.RWMutex
	lastError error

	listenersMu sync.RWMutex
	listeners   []SnapshotListener

	started  atomic.Bool
	stopped  atomic.Bool
	runMu    sync.Mutex
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopErr  error
}

// NewCoordinator creates a coordinator. cat may be nil, in which case an
// empty catalog is created. An invalid config fails with domain.ErrConfig.
func NewCoordinator(
	config domain.ModbusConfig,
	conn Connection,
	cat *catalog.Catalog,
	logger zerolog.Logger,
	metricsReg *metrics.Registry,
) (*Coordinator, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if conn == nil {
		return nil, domain.ConfigError(errors.New("connection is required"))
	}
	if cat == nil {
		cat = catalog.New(logger)
	}
	c := &Coordinator{
		config:      config.WithDefaults(),
		conn:        conn,
		catalog:     cat,
		logger:      logger.With().Str("component", "coordinator").Logger(),
		metrics:     metricsReg,
		diagnostics: NewDiagnostics(),
		stats:       &PollingStats{},
	}
	c.snapshot.Store(domain.NewSnapshot(0, time.Time{}))
	return c, nil
}

// AddListener registers l for cycle notifications.
func (c *Coordinator) AddListener(l SnapshotListener) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	c.listeners = append(c.listeners, l)
}

// AddRegister adds or retypes a register. It takes effect on the next cycle.
func (c *Coordinator) AddRegister(address uint16, t domain.DataType) {
	c.catalog.Add(address, t)
}

// AddRegisterNamed is AddRegister with a textual type name.
func (c *Coordinator) AddRegisterNamed(address uint16, typeName string) {
	c.catalog.AddNamed(address, typeName)
}

// RemoveRegister stops polling address.
func (c *Coordinator) RemoveRegister(address uint16) {
	c.catalog.Remove(address)
	c.diagnostics.Remove(address)
}

// ClearRegisters stops polling every register.
func (c *Coordinator) ClearRegisters() {
	c.catalog.Clear()
	c.diagnostics.Clear()
}

// Registers returns the catalog in address order.
func (c *Coordinator) Registers() []domain.RegisterEntry {
	return c.catalog.List()
}

// Snapshot returns the latest published snapshot. It is never nil.
func (c *Coordinator) Snapshot() *domain.Snapshot {
	return c.snapshot.Load()
}

// LastUpdateSuccess reports whether the most recent cycle completed.
func (c *Coordinator) LastUpdateSuccess() bool {
	return c.success.Load()
}

// LastError returns the error of the most recent failed cycle, or nil once a
// cycle succeeds.
func (c *Coordinator) LastError() error {
	c.errMu.RLock()
	defer c.errMu.RUnlock()
	return c.lastError
}

// Diagnostics returns per-register read statistics.
func (c *Coordinator) Diagnostics() *Diagnostics {
	return c.diagnostics
}

// Refresh runs one poll cycle. It waits for any cycle already in progress.
// A connection failure fails the whole cycle and keeps the previous snapshot;
// chunk and decode failures only mark the affected registers absent. A link
// dropped by a chunk's transport error is re-established before the next
// read; if that fails, the cycle fails as a connection failure.
func (c *Coordinator) Refresh(ctx context.Context) error {
	c.cycleMu.Lock()
	defer c.cycleMu.Unlock()

	startTime := time.Now()
	cycle := c.cycle.Add(1)
	c.stats.TotalCycles.Add(1)

	if err := c.conn.EnsureConnected(ctx); err != nil {
		return c.failCycle(ctx, cycle, startTime, fmt.Errorf("%w: %w", domain.ErrUpdateFailed, asConnectionError(err)))
	}

	entries := c.catalog.Entries()
	chunks := planner.Plan(entries, planner.Options{
		MaxSpan:    c.config.MaxChunkSpan,
		Addressing: c.config.Addressing,
	})

	builder := domain.NewSnapshotBuilder(cycle, len(entries))
	for _, chunk := range chunks {
		if err := c.readChunk(ctx, chunk, builder); err != nil {
			return c.failCycle(ctx, cycle, startTime, fmt.Errorf("%w: %w", domain.ErrUpdateFailed, asConnectionError(err)))
		}
	}

	// A cancelled cycle would report every remaining register absent.
	if err := ctx.Err(); err != nil {
		return c.failCycle(ctx, cycle, startTime, fmt.Errorf("%w: %w: %w", domain.ErrUpdateFailed, domain.ErrRead, err))
	}

	snap := builder.Build(time.Now())
	c.snapshot.Store(snap)
	c.success.Store(true)
	c.setLastError(nil)
	c.stats.SuccessCycles.Add(1)

	duration := time.Since(startTime)
	absent := snap.Absent()
	c.metrics.RecordCycle(true, duration.Seconds(), len(entries), absent)

	c.logger.Debug().
		Uint64("cycle", cycle).
		Int("registers", len(entries)).
		Int("chunks", len(chunks)).
		Int("absent", absent).
		Dur("duration", duration).
		Msg("Poll cycle completed")

	c.notify(ctx, domain.CycleResult{Cycle: cycle, Success: true, Snapshot: snap, Duration: duration})
	return nil
}

func (c *Coordinator) failCycle(ctx context.Context, cycle uint64, startTime time.Time, err error) error {
	c.success.Store(false)
	c.setLastError(err)
	c.stats.FailedCycles.Add(1)

	duration := time.Since(startTime)
	c.metrics.RecordCycle(false, duration.Seconds(), 0, 0)

	c.logger.Error().
		Err(err).
		Uint64("cycle", cycle).
		Msg("Poll cycle failed")

	c.notify(ctx, domain.CycleResult{Cycle: cycle, Err: err, Snapshot: c.Snapshot(), Duration: duration})
	return err
}

// readChunk reads one chunk and records a reading for every address in it.
// It returns an error only when the link could not be re-established.
func (c *Coordinator) readChunk(ctx context.Context, chunk planner.Chunk, builder *domain.SnapshotBuilder) error {
	words, err := c.readWords(ctx, chunk)
	var lost *linkLostError
	if errors.As(err, &lost) {
		return lost.err
	}
	if err != nil {
		c.stats.ChunkErrors.Add(1)
		c.logger.Warn().
			Err(err).
			Str("type", string(chunk.Type)).
			Uint16("start", chunk.Start).
			Uint16("quantity", chunk.Quantity()).
			Int("registers", len(chunk.Addresses)).
			Msg("Chunk read failed, registers marked absent")
		for _, addr := range chunk.Addresses {
			builder.Set(domain.Reading{Address: addr, Type: chunk.Type})
			c.diagnostics.RecordError(addr, err)
		}
		return nil
	}

	for _, addr := range chunk.Addresses {
		var window []uint16
		if off := chunk.Offset(addr); off < len(words) {
			window = words[off:]
		}

		value, err := modbus.Decode(window, chunk.Type)
		if err != nil {
			c.stats.DecodeErrors.Add(1)
			c.metrics.RecordDecodeError()
			err = &domain.RegisterError{Op: "decode", Address: addr, Err: err}
			c.logger.Warn().Err(err).Uint16("address", addr).Msg("Failed to decode register")
			builder.Set(domain.Reading{Address: addr, Type: chunk.Type})
			c.diagnostics.RecordError(addr, err)
			continue
		}

		builder.Set(domain.Reading{Address: addr, Type: chunk.Type, Value: value, Valid: true})
		c.diagnostics.RecordSuccess(addr)
	}
	return nil
}

// linkLostError marks a read that could not start because the link was
// dropped earlier in the cycle and reconnecting failed.
type linkLostError struct {
	err error
}

func (e *linkLostError) Error() string { return e.err.Error() }
func (e *linkLostError) Unwrap() error { return e.err }

// relink re-establishes a link dropped by an earlier transport error. It is
// a no-op while the link is open.
func (c *Coordinator) relink(ctx context.Context) error {
	if err := c.conn.EnsureConnected(ctx); err != nil {
		return &linkLostError{err: err}
	}
	return nil
}

// readWords reads a chunk from the holding bank, falling back to the input
// bank according to the configured InputFallback.
func (c *Coordinator) readWords(ctx context.Context, chunk planner.Chunk) ([]uint16, error) {
	quantity := chunk.Quantity()

	if err := c.relink(ctx); err != nil {
		return nil, err
	}
	c.stats.ChunkReads.Add(1)
	words, err := c.conn.ReadRegisters(ctx, modbus.BankHolding, chunk.Start, quantity)
	c.metrics.RecordChunkRead(string(modbus.BankHolding), err == nil)
	if err == nil {
		return words, nil
	}
	if !c.shouldFallback(ctx, err) {
		return nil, err
	}

	c.stats.InputFallbacks.Add(1)
	c.metrics.RecordInputFallback()
	c.logger.Debug().
		Err(err).
		Uint16("start", chunk.Start).
		Uint16("quantity", quantity).
		Msg("Holding read failed, trying input registers")

	if err := c.relink(ctx); err != nil {
		return nil, err
	}
	c.stats.ChunkReads.Add(1)
	words, inputErr := c.conn.ReadRegisters(ctx, modbus.BankInput, chunk.Start, quantity)
	c.metrics.RecordChunkRead(string(modbus.BankInput), inputErr == nil)
	if inputErr != nil {
		return nil, fmt.Errorf("%w (holding read: %v)", inputErr, err)
	}
	return words, nil
}

func (c *Coordinator) shouldFallback(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	switch c.config.InputFallback {
	case domain.FallbackOff:
		return false
	case domain.FallbackException:
		return modbus.IsExceptionResponse(err)
	default:
		return true
	}
}

func (c *Coordinator) notify(ctx context.Context, result domain.CycleResult) {
	c.listenersMu.RLock()
	listeners := c.listeners
	c.listenersMu.RUnlock()

	for _, l := range listeners {
		l.OnCycle(ctx, result)
	}
}

func (c *Coordinator) setLastError(err error) {
	c.errMu.Lock()
	c.lastError = err
	c.errMu.Unlock()
}

// Start begins periodic polling at the configured UpdateInterval. The first
// cycle runs immediately.
func (c *Coordinator) Start(ctx context.Context) error {
	if c.stopped.Load() {
		return domain.ErrServiceStopped
	}
	if !c.started.CompareAndSwap(false, true) {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	c.runMu.Lock()
	c.cancel = cancel
	c.runMu.Unlock()

	c.logger.Info().
		Dur("interval", c.config.UpdateInterval).
		Int("registers", c.catalog.Len()).
		Msg("Starting poll coordinator")

	c.wg.Add(1)
	go c.run(ctx)
	return nil
}

func (c *Coordinator) run(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.UpdateInterval)
	defer ticker.Stop()

	// Errors are logged and recorded by Refresh.
	_ = c.Refresh(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = c.Refresh(ctx)
		}
	}
}

// Shutdown stops periodic polling and shuts the connection down. Later
// cycles fail with a connection error; the last snapshot stays readable.
// It is safe to call repeatedly.
func (c *Coordinator) Shutdown() error {
	c.stopOnce.Do(func() {
		c.stopped.Store(true)
		c.logger.Info().Msg("Stopping poll coordinator")

		c.runMu.Lock()
		if c.cancel != nil {
			c.cancel()
		}
		c.runMu.Unlock()

		c.stopErr = c.conn.Shutdown()
		c.wg.Wait()
	})
	return c.stopErr
}

// HealthCheck implements the health.Checker interface. It fails when the
// coordinator is stopped or the last cycle did not complete.
func (c *Coordinator) HealthCheck(ctx context.Context) error {
	if c.stopped.Load() {
		return domain.ErrServiceStopped
	}
	if err := c.conn.HealthCheck(ctx); err != nil {
		return err
	}
	if c.cycle.Load() > 0 && !c.success.Load() {
		if err := c.LastError(); err != nil {
			return err
		}
		return domain.ErrUpdateFailed
	}
	return nil
}

// Stats returns a snapshot of the polling statistics.
func (c *Coordinator) Stats() StatsSnapshot {
	return StatsSnapshot{
		TotalCycles:    c.stats.TotalCycles.Load(),
		SuccessCycles:  c.stats.SuccessCycles.Load(),
		FailedCycles:   c.stats.FailedCycles.Load(),
		ChunkReads:     c.stats.ChunkReads.Load(),
		ChunkErrors:    c.stats.ChunkErrors.Load(),
		InputFallbacks: c.stats.InputFallbacks.Load(),
		DecodeErrors:   c.stats.DecodeErrors.Load(),
		Writes:         c.stats.Writes.Load(),
		WriteErrors:    c.stats.WriteErrors.Load(),
	}
}

func asConnectionError(err error) error {
	if errors.Is(err, domain.ErrConnection) {
		return err
	}
	return fmt.Errorf("%w: %w", domain.ErrConnection, err)
}
