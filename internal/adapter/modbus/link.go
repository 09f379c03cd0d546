package modbus

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/goburrow/modbus"
	"github.com/nexus-edge/register-poller/internal/domain"
)

// Bank identifies which register table a read targets.
type Bank string

const (
	BankHolding Bank = "holding"
	BankInput   Bank = "input"
)

// Link is one open request/response channel to the device.
// Reads return the raw register payload, two bytes per register.
type Link interface {
	ReadHoldingRegisters(address, quantity uint16) ([]byte, error)
	ReadInputRegisters(address, quantity uint16) ([]byte, error)
	WriteSingleRegister(address, value uint16) ([]byte, error)
	IsOpen() bool
	Close() error
}

// DialFunc opens a Link using cfg. It must give up when ctx is done.
type DialFunc func(ctx context.Context, cfg domain.ModbusConfig) (Link, error)

// tcpLink adapts goburrow's TCP handler to Link.
// goburrow keeps the socket after an I/O error, so the link tracks
// liveness itself: any failure other than an exception response marks it closed.
type tcpLink struct {
	handler *modbus.TCPClientHandler
	client  modbus.Client
	open    atomic.Bool
}

// DialTCP connects to cfg.Address() with cfg.ConnectTimeout applied to the
// dial and to every subsequent request.
func DialTCP(ctx context.Context, cfg domain.ModbusConfig) (Link, error) {
	handler := modbus.NewTCPClientHandler(cfg.Address())
	handler.Timeout = cfg.ConnectTimeout
	handler.SlaveId = byte(cfg.UnitID)

	connectDone := make(chan error, 1)
	go func() {
		connectDone <- handler.Connect()
	}()

	select {
	case err := <-connectDone:
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrConnectionFailed, err)
		}
	case <-ctx.Done():
		// Reap the socket if the dial completes after we gave up.
		go func() {
			if <-connectDone == nil {
				handler.Close()
			}
		}()
		return nil, fmt.Errorf("%w: %v", domain.ErrConnectionTimeout, ctx.Err())
	}

	l := &tcpLink{
		handler: handler,
		client:  modbus.NewClient(handler),
	}
	l.open.Store(true)
	return l, nil
}

func (l *tcpLink) ReadHoldingRegisters(address, quantity uint16) ([]byte, error) {
	return l.track(l.client.ReadHoldingRegisters(address, quantity))
}

func (l *tcpLink) ReadInputRegisters(address, quantity uint16) ([]byte, error) {
	return l.track(l.client.ReadInputRegisters(address, quantity))
}

func (l *tcpLink) WriteSingleRegister(address, value uint16) ([]byte, error) {
	return l.track(l.client.WriteSingleRegister(address, value))
}

func (l *tcpLink) IsOpen() bool {
	return l.open.Load()
}

func (l *tcpLink) Close() error {
	if !l.open.Swap(false) {
		return nil
	}
	return l.handler.Close()
}

func (l *tcpLink) track(data []byte, err error) ([]byte, error) {
	if err != nil && !IsExceptionResponse(err) {
		l.Close()
	}
	return data, err
}

// IsExceptionResponse reports whether err is a Modbus exception returned by
// the device, as opposed to a transport failure.
func IsExceptionResponse(err error) bool {
	var mbErr *modbus.ModbusError
	return errors.As(err, &mbErr)
}

// exceptionCode returns the exception code carried by err, if any.
func exceptionCode(err error) (byte, bool) {
	var mbErr *modbus.ModbusError
	if errors.As(err, &mbErr) {
		return mbErr.ExceptionCode, true
	}
	return 0, false
}
