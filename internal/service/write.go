package service

import (
	"context"
	"fmt"

	"github.com/nexus-edge/register-poller/internal/adapter/modbus"
	"github.com/nexus-edge/register-poller/internal/domain"
)

// WriteRegister writes value to the holding register at address and then
// runs exactly one extra poll cycle so the snapshot reflects the write.
// value must fit in one register: -32768..65535, negatives written as two's
// complement. A failed follow-up cycle is logged; the write still succeeded.
func (c *Coordinator) WriteRegister(ctx context.Context, address uint16, value int) error {
	raw, err := modbus.EncodeWriteValue(value)
	if err != nil {
		c.recordWrite(false)
		return &domain.RegisterError{Op: "write", Address: address, Err: err}
	}

	if err := c.conn.EnsureConnected(ctx); err != nil {
		c.recordWrite(false)
		return fmt.Errorf("%w: %w: %w", domain.ErrUpdateFailed, domain.ErrWrite, asConnectionError(err))
	}

	if err := c.conn.WriteSingleRegister(ctx, address, raw); err != nil {
		c.recordWrite(false)
		c.logger.Error().
			Err(err).
			Uint16("address", address).
			Int("value", value).
			Msg("Register write failed")
		return &domain.RegisterError{Op: "write", Address: address, Err: fmt.Errorf("%w: %w", domain.ErrUpdateFailed, err)}
	}
	c.recordWrite(true)

	c.logger.Info().
		Uint16("address", address).
		Int("value", value).
		Msg("Register written")

	if err := c.Refresh(ctx); err != nil {
		c.logger.Warn().
			Err(err).
			Uint16("address", address).
			Msg("Refresh after write failed")
	}
	return nil
}

func (c *Coordinator) recordWrite(success bool) {
	c.stats.Writes.Add(1)
	if !success {
		c.stats.WriteErrors.Add(1)
	}
	c.metrics.RecordWrite(success)
}
