package throughput_test

import (
	"context"
	"testing"
	"time"

	"github.com/nexus-edge/register-poller/internal/adapter/modbus"
	"github.com/nexus-edge/register-poller/internal/domain"
	"github.com/nexus-edge/register-poller/internal/planner"
	"github.com/nexus-edge/register-poller/internal/service"
	"github.com/nexus-edge/register-poller/testing/mocks"
	"github.com/rs/zerolog"
)

// spreadEntries returns n registers of mixed types spaced stride apart.
func spreadEntries(n, stride int) map[uint16]domain.DataType {
	entries := make(map[uint16]domain.DataType, n)
	for i := 0; i < n; i++ {
		entries[uint16(1000+i*stride)] = domain.DataTypes[i%len(domain.DataTypes)]
	}
	return entries
}

// BenchmarkPlan measures chunk planning for a large catalog.
func BenchmarkPlan(b *testing.B) {
	entries := spreadEntries(500, 3)
	opts := planner.Options{MaxSpan: 50, Addressing: domain.AddressingValue}

	b.ReportAllocs()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		_ = planner.Plan(entries, opts)
	}
}

// BenchmarkDataPoint_ToJSON measures MQTT payload serialization speed.
func BenchmarkDataPoint_ToJSON(b *testing.B) {
	def := domain.RegisterDefinition{Address: 2002, Type: domain.DataTypeInt16, Unit: "°C", Scale: 0.1}
	dp := domain.NewDataPoint(domain.Reading{
		Address: 2002,
		Type:    domain.DataTypeInt16,
		Value:   domain.Int16Value(215),
		Valid:   true,
	}, def, time.Now())

	b.ReportAllocs()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		if _, err := dp.ToJSON(); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkRefresh measures a full poll cycle against an in-memory device.
func BenchmarkRefresh(b *testing.B) {
	device := mocks.NewMockDevice()
	entries := spreadEntries(100, 4)
	device.SetHolding(1000, make([]uint16, 2000)...)

	cfg := domain.DefaultModbusConfig()
	cfg.Host = "bench.local"
	cfg.UpdateInterval = time.Hour

	conn, err := modbus.NewManager(cfg, device.Dial, zerolog.Nop(), nil)
	if err != nil {
		b.Fatal(err)
	}
	coord, err := service.NewCoordinator(cfg, conn, nil, zerolog.Nop(), nil)
	if err != nil {
		b.Fatal(err)
	}
	defer coord.Shutdown()
	for addr, t := range entries {
		coord.AddRegister(addr, t)
	}

	ctx := context.Background()
	b.ReportAllocs()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		if err := coord.Refresh(ctx); err != nil {
			b.Fatal(err)
		}
	}
}
