package service_test

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/nexus-edge/register-poller/internal/adapter/modbus"
	"github.com/nexus-edge/register-poller/internal/domain"
	"github.com/nexus-edge/register-poller/internal/metrics"
	"github.com/nexus-edge/register-poller/internal/service"
	"github.com/nexus-edge/register-poller/testing/mocks"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

func testConfig() domain.ModbusConfig {
	cfg := domain.DefaultModbusConfig()
	cfg.Host = "heatpump.local"
	cfg.ConnectTimeout = time.Second
	cfg.RetryDelay = time.Millisecond
	cfg.UpdateInterval = time.Hour
	return cfg
}

func newCoordinator(t *testing.T, cfg domain.ModbusConfig, device *mocks.MockDevice) *service.Coordinator {
	t.Helper()
	return newCoordinatorWithMetrics(t, cfg, device, nil)
}

func newCoordinatorWithMetrics(t *testing.T, cfg domain.ModbusConfig, device *mocks.MockDevice, reg *metrics.Registry) *service.Coordinator {
	t.Helper()
	conn, err := modbus.NewManager(cfg, device.Dial, zerolog.Nop(), nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	c, err := service.NewCoordinator(cfg, conn, nil, zerolog.Nop(), reg)
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}
	t.Cleanup(func() { c.Shutdown() })
	return c
}

// heatpump returns a device with the registers of a typical heat pump
// controller: two int16 set points and a float32 temperature.
func heatpump() *mocks.MockDevice {
	device := mocks.NewMockDevice()
	device.SetHolding(2002, 215)
	device.SetHolding(2003, 0xFFF6)
	device.SetHolding(5004, 0x4120, 0x0000)
	return device
}

func addHeatpumpRegisters(c *service.Coordinator) {
	c.AddRegister(2002, domain.DataTypeInt16)
	c.AddRegister(2003, domain.DataTypeInt16)
	c.AddRegister(5004, domain.DataTypeFloat32)
}

func TestCoordinator_HeatpumpSnapshot(t *testing.T) {
	c := newCoordinator(t, testConfig(), heatpump())
	addHeatpumpRegisters(c)

	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if !c.LastUpdateSuccess() {
		t.Error("expected last update success")
	}

	snap := c.Snapshot()
	got := map[string]interface{}{}
	for key, v := range snap.ByKey() {
		got[key] = v.(domain.Value).Interface()
	}
	want := map[string]interface{}{
		"register_2002": int16(215),
		"register_2003": int16(-10),
		"register_5004": float32(10.0),
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("snapshot mismatch (-want +got):\n%s", diff)
	}
	if snap.Cycle != 1 {
		t.Errorf("cycle = %d, want 1", snap.Cycle)
	}
}

func TestCoordinator_WriteRunsOneExtraCycle(t *testing.T) {
	device := heatpump()
	c := newCoordinator(t, testConfig(), device)
	addHeatpumpRegisters(c)

	if err := c.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	holdingBefore, _ := device.ReadCounts()
	cycleBefore := c.Snapshot().Cycle

	if err := c.WriteRegister(context.Background(), 2002, 220); err != nil {
		t.Fatalf("WriteRegister: %v", err)
	}

	writes := device.WritesSeen()
	if diff := cmp.Diff([]mocks.Write{{Address: 2002, Value: 220}}, writes); diff != "" {
		t.Errorf("writes mismatch (-want +got):\n%s", diff)
	}
	if got := c.Snapshot().Cycle; got != cycleBefore+1 {
		t.Errorf("cycle = %d, want %d", got, cycleBefore+1)
	}
	holdingAfter, _ := device.ReadCounts()
	// int16 chunk + float32 chunk
	if holdingAfter-holdingBefore != 2 {
		t.Errorf("expected one cycle of 2 reads after the write, got %d", holdingAfter-holdingBefore)
	}
	if v, ok := c.Snapshot().Get(2002); !ok || v.Int16() != 220 {
		t.Errorf("register 2002 = %v (ok=%v), want 220", v, ok)
	}
}

func TestCoordinator_WriteNegativeValue(t *testing.T) {
	device := heatpump()
	c := newCoordinator(t, testConfig(), device)

	if err := c.WriteRegister(context.Background(), 2003, -5); err != nil {
		t.Fatal(err)
	}
	if writes := device.WritesSeen(); len(writes) != 1 || writes[0].Value != 0xFFFB {
		t.Errorf("writes = %+v, want one write of 0xFFFB", writes)
	}
}

func TestCoordinator_WriteRejectsOutOfRangeValue(t *testing.T) {
	device := heatpump()
	c := newCoordinator(t, testConfig(), device)

	err := c.WriteRegister(context.Background(), 2002, 70000)
	if !errors.Is(err, domain.ErrWrite) || !errors.Is(err, domain.ErrInvalidWriteValue) {
		t.Fatalf("expected invalid write value, got %v", err)
	}
	var regErr *domain.RegisterError
	if !errors.As(err, &regErr) || regErr.Address != 2002 {
		t.Errorf("expected RegisterError for 2002, got %v", err)
	}
	if len(device.WritesSeen()) != 0 {
		t.Error("nothing should reach the device")
	}
	if device.DialCount() != 0 {
		t.Error("validation must happen before connecting")
	}
}

func TestCoordinator_WriteFailure(t *testing.T) {
	device := heatpump()
	device.WriteFunc = func(address, value uint16) error { return io.EOF }
	c := newCoordinator(t, testConfig(), device)

	err := c.WriteRegister(context.Background(), 2002, 1)
	if !errors.Is(err, domain.ErrUpdateFailed) || !errors.Is(err, domain.ErrWrite) {
		t.Fatalf("expected update failed write error, got %v", err)
	}
	if got := c.Stats().WriteErrors; got != 1 {
		t.Errorf("write errors = %d, want 1", got)
	}
}

func TestCoordinator_ConnectionFailureKeepsSnapshot(t *testing.T) {
	device := heatpump()
	c := newCoordinator(t, testConfig(), device)
	addHeatpumpRegisters(c)

	if err := c.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	previous := c.Snapshot()

	device.DialFunc = func(context.Context) error { return errors.New("connection refused") }
	device.LastLink().Drop()

	err := c.Refresh(context.Background())
	if !errors.Is(err, domain.ErrUpdateFailed) || !errors.Is(err, domain.ErrConnection) {
		t.Fatalf("expected connection update failure, got %v", err)
	}
	if c.LastUpdateSuccess() {
		t.Error("last update success should be false")
	}
	if c.Snapshot() != previous {
		t.Error("previous snapshot must be kept")
	}
	if !errors.Is(c.LastError(), domain.ErrConnection) {
		t.Errorf("LastError = %v", c.LastError())
	}
	if err := c.HealthCheck(context.Background()); err == nil {
		t.Error("health check should fail after a failed cycle")
	}

	device.DialFunc = nil
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("recovery refresh: %v", err)
	}
	if c.LastError() != nil {
		t.Errorf("LastError should clear, got %v", c.LastError())
	}
}

func TestCoordinator_ChunkFailureIsolated(t *testing.T) {
	cfg := testConfig()
	cfg.InputFallback = domain.FallbackOff
	reg := metrics.NewRegistry(prometheus.NewRegistry())
	c := newCoordinatorWithMetrics(t, cfg, heatpump(), reg)

	addHeatpumpRegisters(c)
	c.AddRegister(7000, domain.DataTypeInt32)

	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("chunk failures must not fail the cycle: %v", err)
	}
	snap := c.Snapshot()
	if _, ok := snap.Get(7000); ok {
		t.Error("register 7000 should be absent")
	}
	for _, addr := range []uint16{2002, 2003, 5004} {
		if _, ok := snap.Get(addr); !ok {
			t.Errorf("register %d should be present", addr)
		}
	}
	if snap.Absent() != 1 {
		t.Errorf("absent = %d, want 1", snap.Absent())
	}
	if got := testutil.ToFloat64(reg.RegistersAbsent); got != 1 {
		t.Errorf("absent gauge = %v, want 1", got)
	}

	h, ok := c.Diagnostics().Get(7000)
	if !ok || h.ErrorCount != 1 || h.LastError == "" {
		t.Errorf("diagnostics for 7000 = %+v", h)
	}
}

func TestCoordinator_TransportErrorStaysInChunk(t *testing.T) {
	cfg := testConfig()
	cfg.InputFallback = domain.FallbackOff
	device := heatpump()
	device.ReadHoldingFunc = func(address, quantity uint16) ([]byte, error) {
		if address == 2002 {
			return nil, errors.New("i/o timeout")
		}
		return []byte{0x41, 0x20, 0x00, 0x00}, nil
	}
	c := newCoordinator(t, cfg, device)
	addHeatpumpRegisters(c)

	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	snap := c.Snapshot()
	for _, addr := range []uint16{2002, 2003} {
		if _, ok := snap.Get(addr); ok {
			t.Errorf("register %d should be absent", addr)
		}
	}
	v, ok := snap.Get(5004)
	if !ok || v.Float32() != 10.0 {
		t.Errorf("register 5004 = %v (ok=%v), want 10", v, ok)
	}
	if n := device.DialCount(); n != 2 {
		t.Errorf("dials = %d, want 2 (initial and after the dropped link)", n)
	}
	if got := c.Stats().ChunkErrors; got != 1 {
		t.Errorf("chunk errors = %d, want 1", got)
	}
}

func TestCoordinator_FailedRelinkFailsCycle(t *testing.T) {
	device := heatpump()
	c := newCoordinator(t, testConfig(), device)
	addHeatpumpRegisters(c)
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	previous := c.Snapshot()

	device.ReadHoldingFunc = func(address, quantity uint16) ([]byte, error) { return nil, io.EOF }
	device.DialFunc = func(context.Context) error { return errors.New("connection refused") }

	err := c.Refresh(context.Background())
	if !errors.Is(err, domain.ErrUpdateFailed) || !errors.Is(err, domain.ErrConnection) {
		t.Fatalf("expected connection update failure, got %v", err)
	}
	if c.Snapshot() != previous {
		t.Error("previous snapshot must be kept")
	}
	if c.LastUpdateSuccess() {
		t.Error("last update success should be false")
	}
	if _, input := device.ReadCounts(); input != 0 {
		t.Errorf("input reads = %d, want none without a link", input)
	}
}

func TestNewCoordinator_RejectsInvalidConfig(t *testing.T) {
	device := heatpump()
	conn, err := modbus.NewManager(testConfig(), device.Dial, zerolog.Nop(), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Shutdown()

	tests := []struct {
		name   string
		mutate func(*domain.ModbusConfig)
		want   error
	}{
		{"empty host", func(c *domain.ModbusConfig) { c.Host = "" }, domain.ErrHostRequired},
		{"zero retries", func(c *domain.ModbusConfig) { c.RetryCount = 0 }, domain.ErrInvalidRetryCount},
		{"zero chunk span", func(c *domain.ModbusConfig) { c.MaxChunkSpan = 0 }, domain.ErrInvalidChunkSpan},
		{"chunk span above protocol limit", func(c *domain.ModbusConfig) { c.MaxChunkSpan = 126 }, domain.ErrInvalidChunkSpan},
		{"zero update interval", func(c *domain.ModbusConfig) { c.UpdateInterval = 0 }, domain.ErrInvalidTimeout},
		{"unknown fallback", func(c *domain.ModbusConfig) { c.InputFallback = "sometimes" }, domain.ErrInvalidFallback},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(&cfg)

			c, err := service.NewCoordinator(cfg, conn, nil, zerolog.Nop(), nil)
			if !errors.Is(err, domain.ErrConfig) || !errors.Is(err, tt.want) {
				t.Fatalf("expected %v wrapped in ErrConfig, got %v", tt.want, err)
			}
			if c != nil {
				t.Error("no coordinator may be returned for an invalid config")
			}
		})
	}

	if _, err := service.NewCoordinator(testConfig(), nil, nil, zerolog.Nop(), nil); !errors.Is(err, domain.ErrConfig) {
		t.Errorf("nil connection: expected config error, got %v", err)
	}
	if device.DialCount() != 0 {
		t.Error("construction must not dial")
	}
}

func TestCoordinator_InputFallback(t *testing.T) {
	exception := func(device *mocks.MockDevice) {}
	transport := func(device *mocks.MockDevice) {
		device.ReadHoldingFunc = func(address, quantity uint16) ([]byte, error) { return nil, io.EOF }
	}

	tests := []struct {
		name      string
		mode      domain.InputFallback
		holding   func(*mocks.MockDevice)
		wantValue bool
	}{
		{"any after exception", domain.FallbackAny, exception, true},
		{"any after transport error", domain.FallbackAny, transport, true},
		{"exception after exception", domain.FallbackException, exception, true},
		{"exception after transport error", domain.FallbackException, transport, false},
		{"off", domain.FallbackOff, exception, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.InputFallback = tt.mode
			device := mocks.NewMockDevice()
			device.SetInput(3002, 42)
			tt.holding(device)

			c := newCoordinator(t, cfg, device)
			c.AddRegister(3002, domain.DataTypeUInt16)

			if err := c.Refresh(context.Background()); err != nil {
				t.Fatal(err)
			}
			v, ok := c.Snapshot().Get(3002)
			if ok != tt.wantValue {
				t.Fatalf("present = %v, want %v", ok, tt.wantValue)
			}
			if ok && v.Uint16() != 42 {
				t.Errorf("value = %v, want 42", v)
			}
			_, inputReads := device.ReadCounts()
			if tt.wantValue != (inputReads > 0) {
				t.Errorf("input reads = %d", inputReads)
			}
		})
	}
}

func TestCoordinator_RemoveRegister(t *testing.T) {
	c := newCoordinator(t, testConfig(), heatpump())
	addHeatpumpRegisters(c)
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}

	c.RemoveRegister(2003)
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	if c.Snapshot().Len() != 2 {
		t.Errorf("snapshot has %d registers, want 2", c.Snapshot().Len())
	}
	if _, ok := c.Diagnostics().Get(2003); ok {
		t.Error("diagnostics for removed register should be gone")
	}

	c.ClearRegisters()
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	if c.Snapshot().Len() != 0 {
		t.Error("expected empty snapshot")
	}
}

type recordingListener struct {
	mu      sync.Mutex
	results []domain.CycleResult
}

func (l *recordingListener) OnCycle(_ context.Context, r domain.CycleResult) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.results = append(l.results, r)
}

func (l *recordingListener) Results() []domain.CycleResult {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]domain.CycleResult(nil), l.results...)
}

func TestCoordinator_NotifiesListeners(t *testing.T) {
	device := heatpump()
	c := newCoordinator(t, testConfig(), device)
	addHeatpumpRegisters(c)
	listener := &recordingListener{}
	c.AddListener(listener)

	_ = c.Refresh(context.Background())
	device.DialFunc = func(context.Context) error { return errors.New("refused") }
	device.LastLink().Drop()
	_ = c.Refresh(context.Background())

	results := listener.Results()
	if len(results) != 2 {
		t.Fatalf("got %d notifications, want 2", len(results))
	}
	if !results[0].Success || results[0].Cycle != 1 || results[0].Snapshot.Len() != 3 {
		t.Errorf("first result = %+v", results[0])
	}
	if results[1].Success || results[1].Err == nil || results[1].Cycle != 2 {
		t.Errorf("second result = %+v", results[1])
	}
	if results[1].Snapshot != results[0].Snapshot {
		t.Error("failed cycle should carry the previous snapshot")
	}
}

func TestCoordinator_CancelledCycleKeepsSnapshot(t *testing.T) {
	c := newCoordinator(t, testConfig(), heatpump())
	addHeatpumpRegisters(c)
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	previous := c.Snapshot()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := c.Refresh(ctx); !errors.Is(err, domain.ErrUpdateFailed) {
		t.Fatalf("expected update failure, got %v", err)
	}
	if c.Snapshot() != previous {
		t.Error("cancelled cycle must not replace the snapshot")
	}
}

func TestCoordinator_StartPollsImmediately(t *testing.T) {
	c := newCoordinator(t, testConfig(), heatpump())
	addHeatpumpRegisters(c)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for c.Snapshot().Cycle == 0 {
		if time.Now().After(deadline) {
			t.Fatal("first cycle did not run")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !c.LastUpdateSuccess() {
		t.Error("first cycle should succeed")
	}
}

func TestCoordinator_ShutdownIsTerminal(t *testing.T) {
	c := newCoordinator(t, testConfig(), heatpump())
	addHeatpumpRegisters(c)
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	last := c.Snapshot()

	if err := c.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := c.Shutdown(); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}

	err := c.Refresh(context.Background())
	if !errors.Is(err, domain.ErrConnection) || !errors.Is(err, domain.ErrServiceStopped) {
		t.Errorf("expected stopped connection error, got %v", err)
	}
	if c.Snapshot() != last {
		t.Error("last snapshot should stay readable")
	}
	if err := c.Start(context.Background()); !errors.Is(err, domain.ErrServiceStopped) {
		t.Errorf("Start after Shutdown = %v", err)
	}
	if err := c.HealthCheck(context.Background()); !errors.Is(err, domain.ErrServiceStopped) {
		t.Errorf("HealthCheck after Shutdown = %v", err)
	}
}
