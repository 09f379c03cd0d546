package domain

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// DataType is the declared encoding of a polled register.
// The set is closed: anything else is normalized to DataTypeInt16.
type DataType string

const (
	DataTypeInt16   DataType = "int16"
	DataTypeUInt16  DataType = "uint16"
	DataTypeInt32   DataType = "int32"
	DataTypeFloat32 DataType = "float32"
)

// DataTypes lists the supported types in planning order.
var DataTypes = []DataType{DataTypeInt16, DataTypeUInt16, DataTypeInt32, DataTypeFloat32}

// Valid reports whether t is one of the supported types.
func (t DataType) Valid() bool {
	switch t {
	case DataTypeInt16, DataTypeUInt16, DataTypeInt32, DataTypeFloat32:
		return true
	}
	return false
}

// Width returns the number of 16-bit words a value of this type occupies.
func (t DataType) Width() int {
	switch t {
	case DataTypeInt32, DataTypeFloat32:
		return 2
	default:
		return 1
	}
}

// ParseDataType resolves a loosely written type name. The second result is
// false when the name is unknown, in which case DataTypeInt16 is returned.
func ParseDataType(name string) (DataType, bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "int16", "int", "short", "s16":
		return DataTypeInt16, true
	case "uint16", "uint", "ushort", "u16", "word":
		return DataTypeUInt16, true
	case "int32", "long", "s32", "dint":
		return DataTypeInt32, true
	case "float32", "float", "real", "f32":
		return DataTypeFloat32, true
	default:
		return DataTypeInt16, false
	}
}

// RegisterEntry is one register the poller has been asked to read.
type RegisterEntry struct {
	Address uint16   `json:"address" yaml:"address"`
	Type    DataType `json:"type" yaml:"type"`
}

// Value is a decoded register scalar. The 32 raw bits are kept so the value
// can be reinterpreted exactly, including float32 bit patterns.
type Value struct {
	typ  DataType
	bits uint32
}

// Int16Value wraps a signed 16-bit value.
func Int16Value(v int16) Value { return Value{typ: DataTypeInt16, bits: uint32(uint16(v))} }

// UInt16Value wraps an unsigned 16-bit value.
func UInt16Value(v uint16) Value { return Value{typ: DataTypeUInt16, bits: uint32(v)} }

// Int32Value wraps a signed 32-bit value.
func Int32Value(v int32) Value { return Value{typ: DataTypeInt32, bits: uint32(v)} }

// Float32Value wraps an IEEE-754 binary32 value.
func Float32Value(v float32) Value { return Value{typ: DataTypeFloat32, bits: math.Float32bits(v)} }

// Type returns the declared type of the value.
func (v Value) Type() DataType { return v.typ }

// Bits returns the raw bit pattern, zero-extended to 32 bits.
func (v Value) Bits() uint32 { return v.bits }

func (v Value) Int16() int16     { return int16(uint16(v.bits)) }
func (v Value) Uint16() uint16   { return uint16(v.bits) }
func (v Value) Int32() int32     { return int32(v.bits) }
func (v Value) Float32() float32 { return math.Float32frombits(v.bits) }

// Float64 returns the value as a float64 regardless of its type.
func (v Value) Float64() float64 {
	switch v.typ {
	case DataTypeUInt16:
		return float64(v.Uint16())
	case DataTypeInt32:
		return float64(v.Int32())
	case DataTypeFloat32:
		return float64(v.Float32())
	default:
		return float64(v.Int16())
	}
}

// Interface returns the value as its natural Go type.
func (v Value) Interface() interface{} {
	switch v.typ {
	case DataTypeUInt16:
		return v.Uint16()
	case DataTypeInt32:
		return v.Int32()
	case DataTypeFloat32:
		return v.Float32()
	default:
		return v.Int16()
	}
}

func (v Value) String() string {
	switch v.typ {
	case DataTypeUInt16:
		return strconv.FormatUint(uint64(v.Uint16()), 10)
	case DataTypeInt32:
		return strconv.FormatInt(int64(v.Int32()), 10)
	case DataTypeFloat32:
		return strconv.FormatFloat(float64(v.Float32()), 'g', -1, 32)
	default:
		return strconv.FormatInt(int64(v.Int16()), 10)
	}
}

// MarshalJSON encodes the value as a plain JSON number.
// NaN and infinities have no JSON representation and are encoded as null.
func (v Value) MarshalJSON() ([]byte, error) {
	if v.typ == DataTypeFloat32 {
		f := float64(v.Float32())
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return []byte("null"), nil
		}
	}
	return json.Marshal(v.Interface())
}
