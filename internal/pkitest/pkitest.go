// Package pkitest generates throwaway P-256 certificate chains for tests.
package pkitest

import (
	"bytes"
	"crypto/ecdsa"
	"testing"

	"github.com/shanmugav/Azure-Sam-Iot-PnP/certs"
	"github.com/shanmugav/Azure-Sam-Iot-PnP/internal/factory"
)

// Identity is a key pair with its certificate.
type Identity = factory.Identity

// PKI is a root -> signer -> device chain plus an unrelated manifest CA.
type PKI struct {
	Serial     []byte
	Root       Identity
	Signer     Identity
	Device     Identity
	ManifestCA Identity
}

// Options customizes the generated chain.
type Options struct {
	// DeviceCN defaults to "sn" + upper-case serial hex.
	DeviceCN string
}

// DefaultSerial is a 9-byte secure element serial number.
var DefaultSerial = []byte{0x01, 0x23, 0x9a, 0x4b, 0x5c, 0x6d, 0x7e, 0x8f, 0xee}

// New generates a full chain for serial.
func New(t testing.TB, serial []byte) *PKI {
	return NewWithOptions(t, serial, Options{})
}

// NewWithOptions generates a full chain for serial using opts.
func NewWithOptions(t testing.TB, serial []byte, opts Options) *PKI {
	t.Helper()
	chain, err := factory.NewChain(serial, opts.DeviceCN)
	if err != nil {
		t.Fatalf("issue chain: %v", err)
	}
	return &PKI{
		Serial:     bytes.Clone(serial),
		Root:       chain.Root,
		Signer:     chain.Signer,
		Device:     chain.Device,
		ManifestCA: NewCA(t, "Test Manifest CA", nil),
	}
}

// Bundle returns the chain with its root.
func (p *PKI) Bundle() certs.Bundle {
	return certs.Bundle{Root: p.Root.Cert, Signer: p.Signer.Cert, Device: p.Device.Cert}
}

// BundleNoRoot returns the chain without its root.
func (p *PKI) BundleNoRoot() certs.Bundle {
	return certs.Bundle{Signer: p.Signer.Cert, Device: p.Device.Cert}
}

// NewKey generates a P-256 key.
func NewKey(t testing.TB) *ecdsa.PrivateKey {
	t.Helper()
	key, err := factory.NewKey()
	if err != nil {
		t.Fatal(err)
	}
	return key
}

// NewCA creates a CA certificate signed by parent, or self-signed when parent is nil.
func NewCA(t testing.TB, cn string, parent *Identity) Identity {
	t.Helper()
	id, err := factory.NewCA(cn, parent)
	if err != nil {
		t.Fatal(err)
	}
	return id
}

// NewLeaf creates an end-entity certificate signed by parent.
func NewLeaf(t testing.TB, cn string, parent Identity) Identity {
	t.Helper()
	id, err := factory.NewLeaf(cn, parent)
	if err != nil {
		t.Fatal(err)
	}
	return id
}

// Tamper returns a copy of cert with the last signature byte flipped.
func Tamper(t testing.TB, cert *certs.Certificate) *certs.Certificate {
	t.Helper()
	der := cert.DER()
	der[len(der)-1] ^= 0x01
	out, err := certs.ParseDER(der)
	if err != nil {
		t.Fatalf("reparse tampered certificate: %v", err)
	}
	return out
}
