package modbus

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/nexus-edge/register-poller/internal/domain"
)

// BytesToWords converts a register payload (two bytes per register,
// big-endian) into 16-bit words.
func BytesToWords(data []byte) ([]uint16, error) {
	if len(data)%2 != 0 {
		return nil, fmt.Errorf("%w: %w: odd payload length %d", domain.ErrDecode, domain.ErrInvalidDataLength, len(data))
	}
	words := make([]uint16, len(data)/2)
	for i := range words {
		words[i] = binary.BigEndian.Uint16(data[i*2:])
	}
	return words, nil
}

// Decode interprets the leading words of words as a value of type t.
// 32-bit types use big-endian word order: word0 holds the high half.
func Decode(words []uint16, t domain.DataType) (domain.Value, error) {
	if !t.Valid() {
		return domain.Value{}, fmt.Errorf("%w: %w: %q", domain.ErrDecode, domain.ErrInvalidDataType, t)
	}
	if len(words) < t.Width() {
		return domain.Value{}, fmt.Errorf("%w: %w: %s needs %d words, got %d",
			domain.ErrDecode, domain.ErrInvalidDataLength, t, t.Width(), len(words))
	}

	switch t {
	case domain.DataTypeInt16:
		return domain.Int16Value(int16(words[0])), nil
	case domain.DataTypeUInt16:
		return domain.UInt16Value(words[0]), nil
	case domain.DataTypeInt32:
		return domain.Int32Value(int32(uint32(words[0])<<16 | uint32(words[1]))), nil
	default:
		return domain.Float32Value(math.Float32frombits(uint32(words[0])<<16 | uint32(words[1]))), nil
	}
}

// EncodeValue is the inverse of Decode.
func EncodeValue(v domain.Value) []uint16 {
	bits := v.Bits()
	if v.Type().Width() == 2 {
		return []uint16{uint16(bits >> 16), uint16(bits)}
	}
	return []uint16{uint16(bits)}
}

// EncodeWriteValue converts an integer destined for a single register.
// Negative values are written as two's complement; anything outside the
// int16/uint16 range is rejected.
func EncodeWriteValue(value int) (uint16, error) {
	if value < math.MinInt16 || value > math.MaxUint16 {
		return 0, fmt.Errorf("%w: %w: %d does not fit in one register", domain.ErrWrite, domain.ErrInvalidWriteValue, value)
	}
	return uint16(value), nil
}
