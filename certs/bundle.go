package certs

import (
	"bytes"
	"errors"
)

// Bundle is a root, signer and device certificate chain. Root is optional.
type Bundle struct {
	Root   *Certificate
	Signer *Certificate
	Device *Certificate
}

// ErrIncompleteBundle is returned when a bundle lacks its signer or device.
var ErrIncompleteBundle = errors.New("bundle requires signer and device certificates")

// HasRoot reports whether the bundle carries a root certificate.
func (b Bundle) HasRoot() bool {
	return b.Root != nil
}

// Complete checks that signer and device are present.
func (b Bundle) Complete() error {
	if b.Signer == nil || b.Device == nil {
		return ErrIncompleteBundle
	}
	return nil
}

// Equal reports whether both bundles hold byte-identical certificates.
func (b Bundle) Equal(other Bundle) bool {
	return b.Root.Equal(other.Root) && b.Signer.Equal(other.Signer) && b.Device.Equal(other.Device)
}

// PEM concatenates the device, signer and root certificates as PEM, leaf first.
func (b Bundle) PEM() []byte {
	var buf bytes.Buffer
	for _, c := range []*Certificate{b.Device, b.Signer, b.Root} {
		if c != nil {
			buf.Write(c.PEM())
		}
	}
	return buf.Bytes()
}
