// Package mocks provides mock implementations for testing.
package mocks

import (
	"context"
	"encoding/binary"
	"sync"
	"sync/atomic"

	goburrow "github.com/goburrow/modbus"
	"github.com/nexus-edge/register-poller/internal/adapter/modbus"
	"github.com/nexus-edge/register-poller/internal/domain"
)

// Write is one FC6 request seen by a MockDevice.
type Write struct {
	Address uint16
	Value   uint16
}

// MockDevice simulates a Modbus device with holding and input register
// tables. Its Dial method satisfies modbus.DialFunc. Reading an address
// missing from the table returns an illegal-data-address exception.
type MockDevice struct {
	mu sync.Mutex

	Holding map[uint16]uint16
	Input   map[uint16]uint16

	// Function overrides for custom behavior
	DialFunc        func(ctx context.Context) error
	ReadHoldingFunc func(address, quantity uint16) ([]byte, error)
	ReadInputFunc   func(address, quantity uint16) ([]byte, error)
	WriteFunc       func(address, value uint16) error

	// Call tracking
	DialCalls        int
	ReadHoldingCalls int
	ReadInputCalls   int
	Writes           []Write
	Links            []*MockLink
}

// NewMockDevice creates an empty mock device.
func NewMockDevice() *MockDevice {
	return &MockDevice{
		Holding: make(map[uint16]uint16),
		Input:   make(map[uint16]uint16),
	}
}

// SetHolding stores words at consecutive holding registers starting at address.
func (d *MockDevice) SetHolding(address uint16, words ...uint16) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, w := range words {
		d.Holding[address+uint16(i)] = w
	}
}

// SetInput stores words at consecutive input registers starting at address.
func (d *MockDevice) SetInput(address uint16, words ...uint16) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, w := range words {
		d.Input[address+uint16(i)] = w
	}
}

// Dial implements modbus.DialFunc.
func (d *MockDevice) Dial(ctx context.Context, cfg domain.ModbusConfig) (modbus.Link, error) {
	d.mu.Lock()
	d.DialCalls++
	fn := d.DialFunc
	d.mu.Unlock()

	if fn != nil {
		if err := fn(ctx); err != nil {
			return nil, err
		}
	}

	link := &MockLink{device: d}
	link.open.Store(true)

	d.mu.Lock()
	d.Links = append(d.Links, link)
	d.mu.Unlock()
	return link, nil
}

// DialCount returns the number of Dial calls.
func (d *MockDevice) DialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.DialCalls
}

// ReadCounts returns the number of holding and input read requests.
func (d *MockDevice) ReadCounts() (holding, input int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ReadHoldingCalls, d.ReadInputCalls
}

// WritesSeen returns a copy of all writes received.
func (d *MockDevice) WritesSeen() []Write {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Write(nil), d.Writes...)
}

// LastLink returns the most recently dialed link, or nil.
func (d *MockDevice) LastLink() *MockLink {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.Links) == 0 {
		return nil
	}
	return d.Links[len(d.Links)-1]
}

// Reset clears all call counts.
func (d *MockDevice) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.DialCalls = 0
	d.ReadHoldingCalls = 0
	d.ReadInputCalls = 0
	d.Writes = nil
	d.Links = nil
}

func (d *MockDevice) read(table map[uint16]uint16, fc byte, address, quantity uint16) ([]byte, error) {
	data := make([]byte, 0, int(quantity)*2)
	for i := uint16(0); i < quantity; i++ {
		w, ok := table[address+i]
		if !ok {
			return nil, &goburrow.ModbusError{FunctionCode: fc | 0x80, ExceptionCode: goburrow.ExceptionCodeIllegalDataAddress}
		}
		data = binary.BigEndian.AppendUint16(data, w)
	}
	return data, nil
}

// MockLink is a modbus.Link backed by a MockDevice.
type MockLink struct {
	device     *MockDevice
	open       atomic.Bool
	closeCalls atomic.Int32
}

func (l *MockLink) ReadHoldingRegisters(address, quantity uint16) ([]byte, error) {
	d := l.device
	d.mu.Lock()
	d.ReadHoldingCalls++
	fn := d.ReadHoldingFunc
	if fn == nil {
		defer d.mu.Unlock()
		return d.read(d.Holding, goburrow.FuncCodeReadHoldingRegisters, address, quantity)
	}
	d.mu.Unlock()
	return fn(address, quantity)
}

func (l *MockLink) ReadInputRegisters(address, quantity uint16) ([]byte, error) {
	d := l.device
	d.mu.Lock()
	d.ReadInputCalls++
	fn := d.ReadInputFunc
	if fn == nil {
		defer d.mu.Unlock()
		return d.read(d.Input, goburrow.FuncCodeReadInputRegisters, address, quantity)
	}
	d.mu.Unlock()
	return fn(address, quantity)
}

func (l *MockLink) WriteSingleRegister(address, value uint16) ([]byte, error) {
	d := l.device
	d.mu.Lock()
	fn := d.WriteFunc
	d.mu.Unlock()

	if fn != nil {
		if err := fn(address, value); err != nil {
			return nil, err
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.Writes = append(d.Writes, Write{Address: address, Value: value})
	d.Holding[address] = value
	return binary.BigEndian.AppendUint16(binary.BigEndian.AppendUint16(nil, address), value), nil
}

func (l *MockLink) IsOpen() bool {
	return l.open.Load()
}

func (l *MockLink) Close() error {
	l.closeCalls.Add(1)
	l.open.Store(false)
	return nil
}

// Drop simulates the peer closing the connection.
func (l *MockLink) Drop() {
	l.open.Store(false)
}

// CloseCount returns how often Close was called.
func (l *MockLink) CloseCount() int {
	return int(l.closeCalls.Load())
}
