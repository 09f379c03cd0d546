// Package catalog holds the set of registers the poller has been asked to read.
package catalog

import (
	"sort"
	"sync"

	"github.com/nexus-edge/register-poller/internal/domain"
	"github.com/rs/zerolog"
)

// Catalog maps register addresses to their declared types.
// Entries are unique by address; adding an address again replaces its type.
// Safe for concurrent use.
type Catalog struct {
	mu      sync.RWMutex
	entries map[uint16]domain.DataType
	logger  zerolog.Logger
}

// New creates an empty catalog.
func New(logger zerolog.Logger) *Catalog {
	return &Catalog{
		entries: make(map[uint16]domain.DataType),
		logger:  logger.With().Str("component", "register-catalog").Logger(),
	}
}

// Add upserts a register. Types outside the supported set are stored as int16.
func (c *Catalog) Add(address uint16, t domain.DataType) {
	if !t.Valid() {
		c.logger.Warn().
			Uint16("address", address).
			Str("type", string(t)).
			Msg("Unknown register type, falling back to int16")
		t = domain.DataTypeInt16
	}

	c.mu.Lock()
	c.entries[address] = t
	c.mu.Unlock()
}

// AddNamed upserts a register declared with a free-form type name.
func (c *Catalog) AddNamed(address uint16, typeName string) {
	t, known := domain.ParseDataType(typeName)
	if !known {
		c.logger.Warn().
			Uint16("address", address).
			Str("type", typeName).
			Msg("Unknown register type, falling back to int16")
	}

	c.mu.Lock()
	c.entries[address] = t
	c.mu.Unlock()
}

// Remove deletes a register. Removing an unknown address is a no-op.
func (c *Catalog) Remove(address uint16) {
	c.mu.Lock()
	delete(c.entries, address)
	c.mu.Unlock()
}

// Clear removes every register.
func (c *Catalog) Clear() {
	c.mu.Lock()
	clear(c.entries)
	c.mu.Unlock()
}

// Len returns the number of registers.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Type returns the declared type of address.
func (c *Catalog) Type(address uint16) (domain.DataType, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.entries[address]
	return t, ok
}

// Entries returns a copy of the catalog contents.
func (c *Catalog) Entries() map[uint16]domain.DataType {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[uint16]domain.DataType, len(c.entries))
	for addr, t := range c.entries {
		out[addr] = t
	}
	return out
}

// List returns the catalog as entries sorted by address.
func (c *Catalog) List() []domain.RegisterEntry {
	entries := c.Entries()
	list := make([]domain.RegisterEntry, 0, len(entries))
	for addr, t := range entries {
		list = append(list, domain.RegisterEntry{Address: addr, Type: t})
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Address < list[j].Address })
	return list
}
