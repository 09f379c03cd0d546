package domain

import (
	"net"
	"strconv"
	"time"
)

// Addressing selects how register addresses map onto wire words.
type Addressing string

const (
	// AddressingValue treats each address as one logical value; a 32-bit
	// value at address a is found at word offset (a-start)*2 of the chunk.
	AddressingValue Addressing = "value"

	// AddressingWord treats addresses as register numbers; a 32-bit value at
	// address a occupies registers a and a+1.
	AddressingWord Addressing = "word"
)

// InputFallback selects when a failed holding-register read is retried
// against the input-register bank.
type InputFallback string

const (
	FallbackAny       InputFallback = "any"
	FallbackException InputFallback = "exception"
	FallbackOff       InputFallback = "off"
)

// MaxReadQuantity is the protocol limit of registers per read request.
const MaxReadQuantity = 125

// ModbusConfig describes the polled device and how to talk to it.
type ModbusConfig struct {
	Host           string
	Port           int
	UnitID         int
	ConnectTimeout time.Duration
	RetryCount     int
	RetryDelay     time.Duration
	UpdateInterval time.Duration
	MaxChunkSpan   int

	// Addressing defaults to AddressingValue.
	Addressing Addressing

	// InputFallback defaults to FallbackAny.
	InputFallback InputFallback

	// BreakerThreshold is the number of consecutive failed connection
	// establishments that open the circuit breaker. Zero disables it.
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

// DefaultModbusConfig returns the settings used when none are given.
func DefaultModbusConfig() ModbusConfig {
	return ModbusConfig{
		Port:           502,
		UnitID:         1,
		ConnectTimeout: 5 * time.Second,
		RetryCount:     3,
		RetryDelay:     500 * time.Millisecond,
		UpdateInterval: 10 * time.Second,
		MaxChunkSpan:   50,
		Addressing:     AddressingValue,
		InputFallback:  FallbackAny,
	}
}

// Validate checks the configuration. Empty Addressing and InputFallback are
// accepted and resolved by WithDefaults.
func (c ModbusConfig) Validate() error {
	if c.Host == "" {
		return ConfigError(ErrHostRequired)
	}
	if c.Port < 1 || c.Port > 65535 {
		return ConfigError(ErrInvalidPort)
	}
	if c.UnitID < 1 || c.UnitID > 247 {
		return ConfigError(ErrInvalidSlaveID)
	}
	if c.ConnectTimeout <= 0 || c.RetryDelay <= 0 || c.UpdateInterval <= 0 {
		return ConfigError(ErrInvalidTimeout)
	}
	if c.RetryCount <= 0 {
		return ConfigError(ErrInvalidRetryCount)
	}
	if c.MaxChunkSpan < 1 || c.MaxChunkSpan > MaxReadQuantity {
		return ConfigError(ErrInvalidChunkSpan)
	}
	switch c.Addressing {
	case "", AddressingValue, AddressingWord:
	default:
		return ConfigError(ErrInvalidAddressing)
	}
	switch c.InputFallback {
	case "", FallbackAny, FallbackException, FallbackOff:
	default:
		return ConfigError(ErrInvalidFallback)
	}
	if c.BreakerThreshold > 0 && c.BreakerCooldown <= 0 {
		return ConfigError(ErrInvalidBreakerConf)
	}
	return nil
}

// WithDefaults fills the optional enum fields.
func (c ModbusConfig) WithDefaults() ModbusConfig {
	if c.Addressing == "" {
		c.Addressing = AddressingValue
	}
	if c.InputFallback == "" {
		c.InputFallback = FallbackAny
	}
	return c
}

// Address returns host:port.
func (c ModbusConfig) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}
