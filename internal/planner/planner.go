// Package planner groups catalog registers into contiguous read requests.
package planner

import (
	"sort"

	"github.com/nexus-edge/register-poller/internal/domain"
)

// Options controls chunking.
type Options struct {
	// MaxSpan bounds address - firstAddressInChunk within a chunk.
	MaxSpan int

	// Addressing selects how addresses map to wire words.
	Addressing domain.Addressing
}

// Chunk is one read request covering one or more registers of the same type.
type Chunk struct {
	Type       domain.DataType
	Start      uint16
	Addresses  []uint16
	WordWidth  int
	Addressing domain.Addressing
}

// End returns the last address in the chunk.
func (c Chunk) End() uint16 {
	return c.Addresses[len(c.Addresses)-1]
}

// Quantity returns the number of registers the chunk reads on the wire.
func (c Chunk) Quantity() uint16 {
	span := int(c.End() - c.Start)
	if c.Addressing == domain.AddressingWord {
		return uint16(span + c.WordWidth)
	}
	return uint16((span + 1) * c.WordWidth)
}

// Offset returns the word offset of address within the chunk's read buffer.
func (c Chunk) Offset(address uint16) int {
	delta := int(address - c.Start)
	if c.Addressing == domain.AddressingWord {
		return delta
	}
	return delta * c.WordWidth
}

// SpanFor returns the span actually used for values of the given width:
// MaxSpan, further reduced when needed so a chunk never reads more than
// domain.MaxReadQuantity registers. MaxSpan is expected to be at least 1, as
// domain.ModbusConfig.Validate requires; a smaller value puts every address
// in a chunk of its own.
func (o Options) SpanFor(width int) int {
	span := o.MaxSpan
	limit := domain.MaxReadQuantity / width
	if o.Addressing == domain.AddressingWord {
		limit = domain.MaxReadQuantity - width + 1
	}
	if span > limit {
		span = limit
	}
	return span
}

// Plan partitions entries by type, sorts each partition and greedily splits
// it into chunks whose addresses lie within the span of the chunk's first
// address. The result depends only on the entries, never on map order.
func Plan(entries map[uint16]domain.DataType, opts Options) []Chunk {
	if opts.Addressing == "" {
		opts.Addressing = domain.AddressingValue
	}

	partitions := make(map[domain.DataType][]uint16, len(domain.DataTypes))
	for addr, t := range entries {
		if !t.Valid() {
			t = domain.DataTypeInt16
		}
		partitions[t] = append(partitions[t], addr)
	}

	var chunks []Chunk
	for _, t := range domain.DataTypes {
		addrs := partitions[t]
		if len(addrs) == 0 {
			continue
		}
		sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })
		chunks = append(chunks, split(t, addrs, opts)...)
	}
	return chunks
}

func split(t domain.DataType, sorted []uint16, opts Options) []Chunk {
	width := t.Width()
	span := opts.SpanFor(width)

	var chunks []Chunk
	var current *Chunk
	for _, addr := range sorted {
		if current == nil || int(addr-current.Start) >= span {
			chunks = append(chunks, Chunk{
				Type:       t,
				Start:      addr,
				WordWidth:  width,
				Addressing: opts.Addressing,
			})
			current = &chunks[len(chunks)-1]
		}
		current.Addresses = append(current.Addresses, addr)
	}
	return chunks
}
