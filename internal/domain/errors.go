// Package domain contains core business entities.
package domain

import (
	"errors"
	"fmt"
)

// Error kinds. Every error produced by the poller wraps exactly one of these,
// so callers can decide between escalating and absorbing with errors.Is.
var (
	ErrConfig     = errors.New("configuration error")
	ErrConnection = errors.New("connection error")
	ErrRead       = errors.New("read error")
	ErrDecode     = errors.New("decode error")
	ErrWrite      = errors.New("write error")
)

// ErrUpdateFailed marks a poll cycle or write that did not complete.
// It is always combined with one of the error kinds above.
var ErrUpdateFailed = errors.New("update failed")

// Configuration errors.
var (
	ErrHostRequired       = errors.New("host is required")
	ErrInvalidPort        = errors.New("port must be between 1 and 65535")
	ErrInvalidSlaveID     = errors.New("unit id must be between 1 and 247")
	ErrInvalidTimeout     = errors.New("timeouts must be positive")
	ErrInvalidRetryCount  = errors.New("retry count must be positive")
	ErrInvalidChunkSpan   = errors.New("max chunk span must be between 1 and 125")
	ErrInvalidAddressing  = errors.New("unknown addressing mode")
	ErrInvalidFallback    = errors.New("unknown input fallback mode")
	ErrInvalidBreakerConf = errors.New("breaker cooldown must be positive when breaker is enabled")
)

// Connection errors.
var (
	ErrConnectionFailed   = errors.New("connection failed")
	ErrConnectionTimeout  = errors.New("connection timeout")
	ErrConnectionClosed   = errors.New("connection closed")
	ErrMaxRetriesExceeded = errors.New("maximum retry attempts exceeded")
	ErrCircuitBreakerOpen = errors.New("circuit breaker is open")
)

// Read/Write errors.
var (
	ErrReadFailed        = errors.New("read operation failed")
	ErrWriteFailed       = errors.New("write operation failed")
	ErrInvalidDataLength = errors.New("invalid data length")
	ErrInvalidDataType   = errors.New("invalid data type")
	ErrInvalidWriteValue = errors.New("invalid value for write operation")
)

// Service errors.
var (
	ErrServiceStopped  = errors.New("service has been stopped")
	ErrNotWritable     = errors.New("register is not writable")
	ErrUnknownRegister = errors.New("register is not in the register map")
)

// MQTT errors.
var (
	ErrMQTTConnectionFailed = errors.New("MQTT connection failed")
	ErrMQTTPublishFailed    = errors.New("MQTT publish failed")
	ErrMQTTNotConnected     = errors.New("MQTT client not connected")
	ErrMQTTSubscribeFailed  = errors.New("MQTT subscribe failed")
)

// ErrorKind identifies which part of the taxonomy an error belongs to.
type ErrorKind string

const (
	KindNone       ErrorKind = ""
	KindConfig     ErrorKind = "config"
	KindConnection ErrorKind = "connection"
	KindRead       ErrorKind = "read"
	KindDecode     ErrorKind = "decode"
	KindWrite      ErrorKind = "write"
	KindUnknown    ErrorKind = "unknown"
)

// Kind classifies err. Connection wins over write so that a write that never
// reached the device is reported as a connectivity problem.
func Kind(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrConfig):
		return KindConfig
	case errors.Is(err, ErrConnection):
		return KindConnection
	case errors.Is(err, ErrWrite):
		return KindWrite
	case errors.Is(err, ErrDecode):
		return KindDecode
	case errors.Is(err, ErrRead):
		return KindRead
	default:
		return KindUnknown
	}
}

// RegisterError reports a failure tied to one register address.
type RegisterError struct {
	Op      string
	Address uint16
	Err     error
}

func (e *RegisterError) Error() string {
	return fmt.Sprintf("%s register %d: %v", e.Op, e.Address, e.Err)
}

func (e *RegisterError) Unwrap() error { return e.Err }

// ConfigError wraps a validation failure as a configuration error.
func ConfigError(err error) error {
	return fmt.Errorf("%w: %w", ErrConfig, err)
}

// ModbusExceptionToError converts a Modbus exception code to a descriptive error.
func ModbusExceptionToError(code byte) error {
	switch code {
	case 0x01:
		return ErrModbusIllegalFunction
	case 0x02:
		return ErrModbusIllegalAddress
	case 0x03:
		return ErrModbusIllegalValue
	case 0x04:
		return ErrModbusDeviceFailure
	case 0x06:
		return ErrModbusBusy
	case 0x0A:
		return ErrModbusGatewayPathUnavailable
	case 0x0B:
		return ErrModbusGatewayTargetFailed
	default:
		return ErrReadFailed
	}
}

// Modbus exception errors.
var (
	ErrModbusIllegalFunction        = errors.New("modbus: illegal function")
	ErrModbusIllegalAddress         = errors.New("modbus: illegal data address")
	ErrModbusIllegalValue           = errors.New("modbus: illegal data value")
	ErrModbusDeviceFailure          = errors.New("modbus: slave device failure")
	ErrModbusBusy                   = errors.New("modbus: slave device busy")
	ErrModbusGatewayPathUnavailable = errors.New("modbus: gateway path unavailable")
	ErrModbusGatewayTargetFailed    = errors.New("modbus: gateway target device failed to respond")
)
