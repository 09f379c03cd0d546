package planner_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/nexus-edge/register-poller/internal/domain"
	"github.com/nexus-edge/register-poller/internal/planner"
	"pgregory.net/rapid"
)

func TestPlan_HeatpumpScenario(t *testing.T) {
	entries := map[uint16]domain.DataType{
		2002: domain.DataTypeInt16,
		2003: domain.DataTypeInt16,
		5004: domain.DataTypeFloat32,
	}

	got := planner.Plan(entries, planner.Options{MaxSpan: 50})
	want := []planner.Chunk{
		{Type: domain.DataTypeInt16, Start: 2002, Addresses: []uint16{2002, 2003}, WordWidth: 1, Addressing: domain.AddressingValue},
		{Type: domain.DataTypeFloat32, Start: 5004, Addresses: []uint16{5004}, WordWidth: 2, Addressing: domain.AddressingValue},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("plan mismatch (-want +got):\n%s", diff)
	}
	if q := got[0].Quantity(); q != 2 {
		t.Errorf("int16 chunk quantity = %d, want 2", q)
	}
	if q := got[1].Quantity(); q != 2 {
		t.Errorf("float32 chunk quantity = %d, want 2", q)
	}
}

func TestPlan_SplitsAtSpan(t *testing.T) {
	entries := map[uint16]domain.DataType{
		100: domain.DataTypeUInt16,
		109: domain.DataTypeUInt16,
		110: domain.DataTypeUInt16,
		125: domain.DataTypeUInt16,
	}

	got := planner.Plan(entries, planner.Options{MaxSpan: 10})
	var starts [][]uint16
	for _, c := range got {
		starts = append(starts, c.Addresses)
	}
	want := [][]uint16{{100, 109}, {110}, {125}}
	if diff := cmp.Diff(want, starts); diff != "" {
		t.Errorf("chunk membership mismatch (-want +got):\n%s", diff)
	}
}

func TestPlan_Empty(t *testing.T) {
	if got := planner.Plan(nil, planner.Options{MaxSpan: 10}); len(got) != 0 {
		t.Errorf("expected no chunks, got %d", len(got))
	}
}

func TestPlan_TypeOrder(t *testing.T) {
	entries := map[uint16]domain.DataType{
		1: domain.DataTypeFloat32,
		2: domain.DataTypeInt32,
		3: domain.DataTypeUInt16,
		4: domain.DataTypeInt16,
	}
	got := planner.Plan(entries, planner.Options{MaxSpan: 125})
	var types []domain.DataType
	for _, c := range got {
		types = append(types, c.Type)
	}
	if diff := cmp.Diff(domain.DataTypes, types); diff != "" {
		t.Errorf("type order mismatch (-want +got):\n%s", diff)
	}
}

func TestChunk_OffsetAndQuantity(t *testing.T) {
	tests := []struct {
		name       string
		addressing domain.Addressing
		wantQty    uint16
		wantOffset int
	}{
		{"value addressing", domain.AddressingValue, 8, 6},
		{"word addressing", domain.AddressingWord, 5, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entries := map[uint16]domain.DataType{
				10: domain.DataTypeInt32,
				13: domain.DataTypeInt32,
			}
			chunks := planner.Plan(entries, planner.Options{MaxSpan: 50, Addressing: tt.addressing})
			if len(chunks) != 1 {
				t.Fatalf("expected one chunk, got %d", len(chunks))
			}
			c := chunks[0]
			if got := c.Quantity(); got != tt.wantQty {
				t.Errorf("quantity = %d, want %d", got, tt.wantQty)
			}
			if got := c.Offset(13); got != tt.wantOffset {
				t.Errorf("offset = %d, want %d", got, tt.wantOffset)
			}
			if got := c.Offset(10); got != 0 {
				t.Errorf("offset of start = %d, want 0", got)
			}
		})
	}
}

func TestOptions_SpanFor(t *testing.T) {
	tests := []struct {
		opts  planner.Options
		width int
		want  int
	}{
		{planner.Options{MaxSpan: 50}, 1, 50},
		{planner.Options{MaxSpan: 50}, 2, 50},
		{planner.Options{MaxSpan: 125}, 1, 125},
		{planner.Options{MaxSpan: 125}, 2, 62},
		{planner.Options{MaxSpan: 125, Addressing: domain.AddressingWord}, 2, 124},
		{planner.Options{MaxSpan: 0}, 1, 0},
	}
	for _, tt := range tests {
		if got := tt.opts.SpanFor(tt.width); got != tt.want {
			t.Errorf("SpanFor(%+v, %d) = %d, want %d", tt.opts, tt.width, got, tt.want)
		}
	}
}

func entriesGen() *rapid.Generator[map[uint16]domain.DataType] {
	return rapid.MapOf(rapid.Uint16Range(0, 2000), rapid.SampledFrom(domain.DataTypes))
}

func optionsGen() *rapid.Generator[planner.Options] {
	return rapid.Custom(func(t *rapid.T) planner.Options {
		return planner.Options{
			MaxSpan:    rapid.IntRange(1, domain.MaxReadQuantity).Draw(t, "span"),
			Addressing: rapid.SampledFrom([]domain.Addressing{domain.AddressingValue, domain.AddressingWord}).Draw(t, "addressing"),
		}
	})
}

func TestPlan_PartitionProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		entries := entriesGen().Draw(t, "entries")
		opts := optionsGen().Draw(t, "opts")

		seen := make(map[uint16]int)
		for _, c := range planner.Plan(entries, opts) {
			if c.WordWidth != c.Type.Width() {
				t.Fatalf("chunk of %s has width %d", c.Type, c.WordWidth)
			}
			if c.Quantity() > domain.MaxReadQuantity {
				t.Fatalf("chunk at %d reads %d registers", c.Start, c.Quantity())
			}
			for _, addr := range c.Addresses {
				seen[addr]++
				if entries[addr] != c.Type {
					t.Fatalf("address %d declared %s but planned as %s", addr, entries[addr], c.Type)
				}
				if int(addr-c.Start) >= opts.SpanFor(c.WordWidth) {
					t.Fatalf("address %d exceeds span of chunk starting at %d", addr, c.Start)
				}
			}
		}
		if len(seen) != len(entries) {
			t.Fatalf("planned %d addresses, catalog has %d", len(seen), len(entries))
		}
		for addr, n := range seen {
			if n != 1 {
				t.Fatalf("address %d planned %d times", addr, n)
			}
		}
	})
}

func TestPlan_NoMergeableNeighbours(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		entries := entriesGen().Draw(t, "entries")
		opts := optionsGen().Draw(t, "opts")

		chunks := planner.Plan(entries, opts)
		for i := 1; i < len(chunks); i++ {
			prev, next := chunks[i-1], chunks[i]
			if prev.Type != next.Type {
				continue
			}
			if int(next.Start-prev.Start) < opts.SpanFor(prev.WordWidth) {
				t.Fatalf("chunk at %d could have absorbed %d", prev.Start, next.Start)
			}
		}
	})
}

func TestPlan_InsertionOrderInvariance(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		entries := entriesGen().Draw(t, "entries")
		opts := optionsGen().Draw(t, "opts")

		pairs := make([]domain.RegisterEntry, 0, len(entries))
		for addr, typ := range entries {
			pairs = append(pairs, domain.RegisterEntry{Address: addr, Type: typ})
		}
		shuffled := rapid.Permutation(pairs).Draw(t, "order")

		rebuilt := make(map[uint16]domain.DataType, len(shuffled))
		for _, p := range shuffled {
			rebuilt[p.Address] = p.Type
		}

		if diff := cmp.Diff(planner.Plan(entries, opts), planner.Plan(rebuilt, opts)); diff != "" {
			t.Fatalf("plan depends on insertion order (-first +second):\n%s", diff)
		}
	})
}
