package service

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// RegisterDiagnostic tracks per-register success/error counts.
type RegisterDiagnostic struct {
	Address         uint16
	ReadCount       atomic.Uint64
	ErrorCount      atomic.Uint64
	LastError       atomic.Value // stores string
	LastErrorTime   atomic.Value // stores time.Time
	LastSuccessTime atomic.Value // stores time.Time
}

// RegisterHealth is a point-in-time copy of a RegisterDiagnostic.
type RegisterHealth struct {
	Address         uint16    `json:"address"`
	ReadCount       uint64    `json:"read_count"`
	ErrorCount      uint64    `json:"error_count"`
	LastError       string    `json:"last_error,omitempty"`
	LastErrorTime   time.Time `json:"last_error_time,omitempty"`
	LastSuccessTime time.Time `json:"last_success_time,omitempty"`
}

// Diagnostics holds a RegisterDiagnostic per polled address.
type Diagnostics struct {
	registers sync.Map // uint16 -> *RegisterDiagnostic
}

// NewDiagnostics creates an empty diagnostics table.
func NewDiagnostics() *Diagnostics {
	return &Diagnostics{}
}

// RecordSuccess records a successful read of address.
func (d *Diagnostics) RecordSuccess(address uint16) {
	diag := d.getOrCreate(address)
	diag.ReadCount.Add(1)
	diag.LastSuccessTime.Store(time.Now())
}

// RecordError records a failed read or decode of address.
func (d *Diagnostics) RecordError(address uint16, err error) {
	diag := d.getOrCreate(address)
	diag.ErrorCount.Add(1)
	diag.LastError.Store(err.Error())
	diag.LastErrorTime.Store(time.Now())
}

// Get returns the health of address.
func (d *Diagnostics) Get(address uint16) (RegisterHealth, bool) {
	v, ok := d.registers.Load(address)
	if !ok {
		return RegisterHealth{}, false
	}
	return v.(*RegisterDiagnostic).health(), true
}

// All returns the health of every tracked register in address order.
func (d *Diagnostics) All() []RegisterHealth {
	var out []RegisterHealth
	d.registers.Range(func(_, value interface{}) bool {
		out = append(out, value.(*RegisterDiagnostic).health())
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// Remove forgets address.
func (d *Diagnostics) Remove(address uint16) {
	d.registers.Delete(address)
}

// Clear forgets every register.
func (d *Diagnostics) Clear() {
	d.registers.Range(func(key, _ interface{}) bool {
		d.registers.Delete(key)
		return true
	})
}

func (d *Diagnostics) getOrCreate(address uint16) *RegisterDiagnostic {
	if diag, ok := d.registers.Load(address); ok {
		return diag.(*RegisterDiagnostic)
	}
	actual, _ := d.registers.LoadOrStore(address, &RegisterDiagnostic{Address: address})
	return actual.(*RegisterDiagnostic)
}

func (r *RegisterDiagnostic) health() RegisterHealth {
	h := RegisterHealth{
		Address:    r.Address,
		ReadCount:  r.ReadCount.Load(),
		ErrorCount: r.ErrorCount.Load(),
	}
	if v, ok := r.LastError.Load().(string); ok {
		h.LastError = v
	}
	if v, ok := r.LastErrorTime.Load().(time.Time); ok {
		h.LastErrorTime = v
	}
	if v, ok := r.LastSuccessTime.Load().(time.Time); ok {
		h.LastSuccessTime = v
	}
	return h
}
