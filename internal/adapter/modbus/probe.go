package modbus

import (
	"context"
	"fmt"

	"github.com/nexus-edge/register-poller/internal/domain"
)

// ProbeRegister is the holding register read by Probe when none is given.
const ProbeRegister uint16 = 100

// Probe checks that the device described by cfg accepts a connection and
// answers a single holding-register read at address. It makes one attempt,
// without retries, and always closes the link. A nil dial uses DialTCP.
func Probe(ctx context.Context, dial DialFunc, cfg domain.ModbusConfig, address uint16) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if dial == nil {
		dial = DialTCP
	}

	dialCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	link, err := dial(dialCtx, cfg)
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrConnection, err)
	}
	defer link.Close()

	if _, err := link.ReadHoldingRegisters(address, 1); err != nil {
		return &domain.RegisterError{
			Op:      "probe",
			Address: address,
			Err:     translateError(domain.ErrRead, domain.ErrReadFailed, err),
		}
	}
	return nil
}
