package catalog_test

import (
	"bytes"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/nexus-edge/register-poller/internal/catalog"
	"github.com/nexus-edge/register-poller/internal/domain"
	"github.com/rs/zerolog"
)

func TestCatalog_AddUpserts(t *testing.T) {
	c := catalog.New(zerolog.Nop())
	c.Add(2002, domain.DataTypeInt16)
	c.Add(2002, domain.DataTypeFloat32)

	if c.Len() != 1 {
		t.Fatalf("expected 1 entry, got %d", c.Len())
	}
	if typ, ok := c.Type(2002); !ok || typ != domain.DataTypeFloat32 {
		t.Errorf("expected float32 after overwrite, got %q (ok=%v)", typ, ok)
	}
}

func TestCatalog_UnknownTypeFallsBackToInt16(t *testing.T) {
	var buf bytes.Buffer
	c := catalog.New(zerolog.New(&buf))

	c.Add(10, domain.DataType("bool"))
	c.AddNamed(11, "string")
	c.AddNamed(12, "UINT16")

	want := map[uint16]domain.DataType{
		10: domain.DataTypeInt16,
		11: domain.DataTypeInt16,
		12: domain.DataTypeUInt16,
	}
	if diff := cmp.Diff(want, c.Entries()); diff != "" {
		t.Errorf("entries mismatch (-want +got):\n%s", diff)
	}
	if got := strings.Count(buf.String(), "Unknown register type"); got != 2 {
		t.Errorf("expected 2 warnings, got %d: %s", got, buf.String())
	}
}

func TestCatalog_RemoveAndClear(t *testing.T) {
	c := catalog.New(zerolog.Nop())
	c.Add(1, domain.DataTypeInt16)
	c.Add(2, domain.DataTypeInt32)

	c.Remove(99)
	if c.Len() != 2 {
		t.Fatalf("removing an unknown address must be a no-op")
	}
	c.Remove(1)
	if _, ok := c.Type(1); ok {
		t.Error("address 1 should be gone")
	}
	c.Clear()
	if c.Len() != 0 {
		t.Errorf("expected empty catalog, got %d entries", c.Len())
	}
}

func TestCatalog_EntriesIsACopy(t *testing.T) {
	c := catalog.New(zerolog.Nop())
	c.Add(1, domain.DataTypeInt16)

	entries := c.Entries()
	entries[2] = domain.DataTypeFloat32
	if c.Len() != 1 {
		t.Error("mutating the returned map must not affect the catalog")
	}
}

func TestCatalog_ListSorted(t *testing.T) {
	c := catalog.New(zerolog.Nop())
	c.Add(5004, domain.DataTypeFloat32)
	c.Add(2002, domain.DataTypeInt16)
	c.Add(3002, domain.DataTypeUInt16)

	want := []domain.RegisterEntry{
		{Address: 2002, Type: domain.DataTypeInt16},
		{Address: 3002, Type: domain.DataTypeUInt16},
		{Address: 5004, Type: domain.DataTypeFloat32},
	}
	if diff := cmp.Diff(want, c.List()); diff != "" {
		t.Errorf("list mismatch (-want +got):\n%s", diff)
	}
}

func TestCatalog_ConcurrentAccess(t *testing.T) {
	c := catalog.New(zerolog.Nop())
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(base uint16) {
			defer wg.Done()
			for j := uint16(0); j < 100; j++ {
				c.Add(base*100+j, domain.DataTypeInt16)
				_ = c.Entries()
			}
		}(uint16(i))
	}
	wg.Wait()

	if c.Len() != 800 {
		t.Errorf("expected 800 entries, got %d", c.Len())
	}
}
