package domain

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Reading is the outcome for one register in one poll cycle.
// Valid is false when the register could not be read or decoded.
type Reading struct {
	Address uint16   `json:"address"`
	Type    DataType `json:"type"`
	Value   Value    `json:"value"`
	Valid   bool     `json:"valid"`
}

// Snapshot is the immutable result of one poll cycle. It is shared by every
// reader and replaced as a whole; readings are only reachable through
// accessors, so a published snapshot cannot be changed.
type Snapshot struct {
	readings  map[uint16]Reading
	UpdatedAt time.Time
	Cycle     uint64
}

// CycleResult describes one finished poll cycle.
// On failure Snapshot is the previous, unchanged snapshot.
type CycleResult struct {
	Cycle    uint64
	Success  bool
	Err      error
	Snapshot *Snapshot
	Duration time.Duration
}

// NewSnapshot creates a snapshot holding readings. A later reading for the
// same address replaces an earlier one.
func NewSnapshot(cycle uint64, at time.Time, readings ...Reading) *Snapshot {
	b := NewSnapshotBuilder(cycle, len(readings))
	for _, r := range readings {
		b.Set(r)
	}
	return b.Build(at)
}

// SnapshotBuilder collects the readings of a cycle in progress.
type SnapshotBuilder struct {
	cycle    uint64
	readings map[uint16]Reading
}

// NewSnapshotBuilder starts a snapshot for cycle sized for size registers.
func NewSnapshotBuilder(cycle uint64, size int) *SnapshotBuilder {
	return &SnapshotBuilder{cycle: cycle, readings: make(map[uint16]Reading, size)}
}

// Set records the reading for r.Address.
func (b *SnapshotBuilder) Set(r Reading) {
	b.readings[r.Address] = r
}

// Build returns the finished snapshot. The builder must not be used afterwards.
func (b *SnapshotBuilder) Build(at time.Time) *Snapshot {
	s := &Snapshot{readings: b.readings, UpdatedAt: at, Cycle: b.cycle}
	b.readings = nil
	return s
}

// Key returns the external key for a register address.
func Key(address uint16) string {
	return fmt.Sprintf("register_%d", address)
}

// ParseKey is the inverse of Key.
func ParseKey(key string) (uint16, bool) {
	rest, ok := strings.CutPrefix(key, "register_")
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseUint(rest, 10, 16)
	if err != nil {
		return 0, false
	}
	return uint16(n), true
}

// Get returns the value for address. ok is false when the register is
// absent from the snapshot or was not read successfully.
func (s *Snapshot) Get(address uint16) (Value, bool) {
	if s == nil {
		return Value{}, false
	}
	r, exists := s.readings[address]
	if !exists || !r.Valid {
		return Value{}, false
	}
	return r.Value, true
}

// Reading returns the reading recorded for address, valid or not.
func (s *Snapshot) Reading(address uint16) (Reading, bool) {
	if s == nil {
		return Reading{}, false
	}
	r, ok := s.readings[address]
	return r, ok
}

// Len returns the number of registers in the snapshot, valid or not.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.readings)
}

// Absent returns the number of registers without a value.
func (s *Snapshot) Absent() int {
	if s == nil {
		return 0
	}
	n := 0
	for _, r := range s.readings {
		if !r.Valid {
			n++
		}
	}
	return n
}

// ByKey renders the snapshot as key -> value, with nil for absent registers.
func (s *Snapshot) ByKey() map[string]interface{} {
	out := make(map[string]interface{}, s.Len())
	if s == nil {
		return out
	}
	for addr, r := range s.readings {
		if r.Valid {
			out[Key(addr)] = r.Value
		} else {
			out[Key(addr)] = nil
		}
	}
	return out
}

// Addresses returns the snapshot's addresses in ascending order.
func (s *Snapshot) Addresses() []uint16 {
	if s == nil {
		return nil
	}
	addrs := make([]uint16, 0, len(s.readings))
	for addr := range s.readings {
		addrs = append(addrs, addr)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })
	return addrs
}
