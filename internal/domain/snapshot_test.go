package domain_test

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/nexus-edge/register-poller/internal/domain"
)

func TestKeyRoundTrip(t *testing.T) {
	for _, addr := range []uint16{0, 100, 2002, 65535} {
		key := domain.Key(addr)
		got, ok := domain.ParseKey(key)
		if !ok || got != addr {
			t.Errorf("ParseKey(%q) = %d, %v", key, got, ok)
		}
	}
	for _, key := range []string{"", "register_", "register_x", "reg_1", "register_70000"} {
		if _, ok := domain.ParseKey(key); ok {
			t.Errorf("ParseKey(%q) should fail", key)
		}
	}
}

func TestSnapshot_Get(t *testing.T) {
	snap := domain.NewSnapshot(1, time.Now(),
		domain.Reading{Address: 2002, Type: domain.DataTypeInt16, Value: domain.Int16Value(215), Valid: true},
		domain.Reading{Address: 2003, Type: domain.DataTypeInt16},
	)

	if v, ok := snap.Get(2002); !ok || v.Int16() != 215 {
		t.Errorf("expected 215, got %v (ok=%v)", v, ok)
	}
	if _, ok := snap.Get(2003); ok {
		t.Error("invalid reading must be reported as absent")
	}
	if _, ok := snap.Get(9999); ok {
		t.Error("unknown register must be reported as absent")
	}
	if snap.Len() != 2 || snap.Absent() != 1 {
		t.Errorf("expected len 2 / absent 1, got %d / %d", snap.Len(), snap.Absent())
	}
	if r, ok := snap.Reading(2003); !ok || r.Valid || r.Type != domain.DataTypeInt16 {
		t.Errorf("Reading(2003) = %+v, %v", r, ok)
	}

	var nilSnap *domain.Snapshot
	if _, ok := nilSnap.Get(1); ok || nilSnap.Len() != 0 {
		t.Error("nil snapshot must behave as empty")
	}
}

func TestSnapshot_ByKey(t *testing.T) {
	snap := domain.NewSnapshot(3, time.Now(),
		domain.Reading{Address: 5004, Type: domain.DataTypeFloat32, Value: domain.Float32Value(10), Valid: true},
		domain.Reading{Address: 2003, Type: domain.DataTypeInt16},
	)

	want := map[string]interface{}{
		"register_5004": domain.Float32Value(10),
		"register_2003": nil,
	}
	if diff := cmp.Diff(want, snap.ByKey(), cmp.AllowUnexported(domain.Value{})); diff != "" {
		t.Errorf("ByKey mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]uint16{2003, 5004}, snap.Addresses()); diff != "" {
		t.Errorf("Addresses mismatch (-want +got):\n%s", diff)
	}
}

func TestSnapshotBuilder(t *testing.T) {
	at := time.UnixMilli(1700000000000)
	b := domain.NewSnapshotBuilder(4, 2)
	b.Set(domain.Reading{Address: 2002, Type: domain.DataTypeInt16, Value: domain.Int16Value(1), Valid: true})
	b.Set(domain.Reading{Address: 2002, Type: domain.DataTypeInt16, Value: domain.Int16Value(2), Valid: true})
	snap := b.Build(at)

	if snap.Cycle != 4 || !snap.UpdatedAt.Equal(at) {
		t.Errorf("cycle/updated = %d/%v", snap.Cycle, snap.UpdatedAt)
	}
	if v, ok := snap.Get(2002); !ok || v.Int16() != 2 || snap.Len() != 1 {
		t.Errorf("expected the later reading to win, got %v (ok=%v, len=%d)", v, ok, snap.Len())
	}

	defer func() {
		if recover() == nil {
			t.Error("a built snapshot must not be reachable through its builder")
		}
	}()
	b.Set(domain.Reading{Address: 2003})
}

func TestNewDataPoint(t *testing.T) {
	at := time.UnixMilli(1700000000000)
	def := domain.RegisterDefinition{Address: 2002, Name: "boiler_1_temperature", Unit: "°C", Scale: 0.1}

	dp := domain.NewDataPoint(domain.Reading{Address: 2002, Type: domain.DataTypeInt16, Value: domain.Int16Value(215), Valid: true}, def, at)
	if dp.Quality != domain.QualityGood {
		t.Fatalf("expected good quality, got %s", dp.Quality)
	}
	if got, ok := dp.Value.(float64); !ok || got < 21.49 || got > 21.51 {
		t.Errorf("expected scaled value 21.5, got %v", dp.Value)
	}
	if dp.Key != "register_2002" {
		t.Errorf("unexpected key %q", dp.Key)
	}
	payload := dp.ToMQTTPayload()
	if payload.Timestamp != 1700000000000 || payload.Unit != "°C" {
		t.Errorf("unexpected payload %+v", payload)
	}

	bad := domain.NewDataPoint(domain.Reading{Address: 2003}, domain.RegisterDefinition{}, at)
	if bad.Quality != domain.QualityBad || bad.Value != nil {
		t.Errorf("expected bad quality and nil value, got %s %v", bad.Quality, bad.Value)
	}

	unscaled := domain.NewDataPoint(domain.Reading{Address: 1, Type: domain.DataTypeUInt16, Value: domain.UInt16Value(7), Valid: true}, domain.RegisterDefinition{}, at)
	if unscaled.RawValue != nil {
		t.Errorf("raw value should only be set when scaling applies, got %v", unscaled.RawValue)
	}
}
