package device

import (
	"fmt"

	"github.com/shanmugav/Azure-Sam-Iot-PnP/certs"
)

// WriteBundle stores every certificate of bundle into the slots named by layout.
// A bundle without root leaves the root slot untouched.
func WriteBundle(dev KeySlotDevice, layout Layout, bundle certs.Bundle) error {
	if err := bundle.Complete(); err != nil {
		return err
	}
	if bundle.Root != nil {
		if err := dev.WriteCert(layout.Root, bundle.Root.DER()); err != nil {
			return fmt.Errorf("failed to write root certificate: %w", err)
		}
	}
	if err := dev.WriteCert(layout.Signer, bundle.Signer.DER()); err != nil {
		return fmt.Errorf("failed to write signer certificate: %w", err)
	}
	if err := dev.WriteCert(layout.Device, bundle.Device.DER()); err != nil {
		return fmt.Errorf("failed to write device certificate: %w", err)
	}
	return nil
}
