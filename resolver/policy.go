package resolver

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shanmugav/Azure-Sam-Iot-PnP/certs"
)

// ErrPolicyRejected is returned when a resolved chain fails the vendor policy.
var ErrPolicyRejected = errors.New("chain rejected by vendor policy")

// Policy holds the vendor-specific checks applied to a resolved chain.
type Policy interface {
	Name() string
	Check(bundle certs.Bundle) error
}

// Vendors accepted by PolicyFor.
const (
	VendorNone       = "none"
	VendorAWS        = "aws"
	VendorAzure      = "azure"
	VendorGCP        = "gcp"
	VendorIoTConnect = "iotconnect"
)

// PolicyFor returns the policy for vendor. An empty vendor means none.
func PolicyFor(vendor string) (Policy, error) {
	switch strings.ToLower(vendor) {
	case "", VendorNone, VendorGCP:
		return noPolicy{name: strings.ToLower(vendor)}, nil
	case VendorAWS, VendorIoTConnect:
		return thingIDPolicy{name: strings.ToLower(vendor)}, nil
	case VendorAzure:
		return azurePolicy{}, nil
	default:
		return nil, fmt.Errorf("unknown vendor %q", vendor)
	}
}

type noPolicy struct{ name string }

func (p noPolicy) Name() string {
	if p.name == "" {
		return VendorNone
	}
	return p.name
}

func (noPolicy) Check(certs.Bundle) error { return nil }

// azurePolicy rejects device common names containing spaces.
type azurePolicy struct{}

func (azurePolicy) Name() string { return VendorAzure }

func (azurePolicy) Check(bundle certs.Bundle) error {
	if cn := bundle.Device.CommonName(); strings.Contains(cn, " ") {
		return fmt.Errorf("%w: device common name %q contains spaces", ErrPolicyRejected, cn)
	}
	return nil
}

// thingIDPolicy requires a subject key identifier to derive the thing name.
type thingIDPolicy struct{ name string }

func (p thingIDPolicy) Name() string { return p.name }

func (p thingIDPolicy) Check(bundle certs.Bundle) error {
	if _, err := bundle.Device.ThingID(); err != nil {
		return fmt.Errorf("%w: %w", ErrPolicyRejected, err)
	}
	return nil
}
