// Package certs parses and serializes the X.509 certificates stored on a
// secure element and in its trust material.
//
// A Certificate keeps the exact DER it was loaded from together with the
// parsed fields, so storing and reloading it is byte-identical.
//
// # Loading
//
//	cert, err := certs.ParseDER(der)
//	cert, err := certs.ParsePEM(pemBytes)
//	cert, err := certs.Load("manifest_ca.crt") // PEM or DER
//
// # Signature checks
//
// Chain checks only look at signatures; validity periods and CA constraints
// are not enforced because factory-issued device chains often predate or
// outlive their issuers:
//
//	if err := device.VerifySignedBy(signer); err != nil {
//		...
//	}
package certs

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"
)

const pemTypeCertificate = "CERTIFICATE"

var (
	// ErrNoCertificate is returned when input holds no certificate.
	ErrNoCertificate = errors.New("no certificate found")
	// ErrUnsupportedKey is returned when a public key is not ECDSA P-256.
	ErrUnsupportedKey = errors.New("unsupported public key: expected ECDSA P-256")
	// ErrNoSubjectKeyID is returned when a certificate has no subject key identifier.
	ErrNoSubjectKeyID = errors.New("certificate has no subject key identifier")
)

// Certificate is an immutable parsed X.509 certificate.
type Certificate struct {
	der  []byte
	cert *x509.Certificate
}

// ParseDER parses a DER-encoded certificate. The input is copied.
func ParseDER(der []byte) (*Certificate, error) {
	if len(der) == 0 {
		return nil, ErrNoCertificate
	}
	raw := bytes.Clone(der)
	parsed, err := x509.ParseCertificate(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}
	return &Certificate{der: raw, cert: parsed}, nil
}

// ParsePEM parses the first CERTIFICATE block in data.
func ParsePEM(data []byte) (*Certificate, error) {
	list, err := ParsePEMChain(data)
	if err != nil {
		return nil, err
	}
	return list[0], nil
}

// ParsePEMChain parses every CERTIFICATE block in data, in order.
func ParsePEMChain(data []byte) ([]*Certificate, error) {
	var out []*Certificate
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != pemTypeCertificate {
			continue
		}
		cert, err := ParseDER(block.Bytes)
		if err != nil {
			return nil, err
		}
		out = append(out, cert)
	}
	if len(out) == 0 {
		return nil, ErrNoCertificate
	}
	return out, nil
}

// ParseAny parses PEM when data looks like PEM and DER otherwise.
func ParseAny(data []byte) (*Certificate, error) {
	if bytes.Contains(data, []byte("-----BEGIN")) {
		return ParsePEM(data)
	}
	return ParseDER(data)
}

// Load reads a PEM or DER certificate file.
func Load(path string) (*Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read certificate file: %w", err)
	}
	cert, err := ParseAny(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cert, nil
}

// DER returns a copy of the encoded certificate.
func (c *Certificate) DER() []byte {
	return bytes.Clone(c.der)
}

// PEM returns the certificate as a PEM block.
func (c *Certificate) PEM() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: pemTypeCertificate, Bytes: c.der})
}

// X509 returns the parsed certificate. Callers must not modify it.
func (c *Certificate) X509() *x509.Certificate {
	return c.cert
}

// Subject returns the subject distinguished name.
func (c *Certificate) Subject() string {
	return c.cert.Subject.String()
}

// Issuer returns the issuer distinguished name.
func (c *Certificate) Issuer() string {
	return c.cert.Issuer.String()
}

// CommonName returns the subject common name.
func (c *Certificate) CommonName() string {
	return c.cert.Subject.CommonName
}

// SerialNumber returns the certificate serial number.
func (c *Certificate) SerialNumber() *big.Int {
	return new(big.Int).Set(c.cert.SerialNumber)
}

// SubjectKeyID returns the subject key identifier extension value.
func (c *Certificate) SubjectKeyID() []byte {
	return bytes.Clone(c.cert.SubjectKeyId)
}

// ThingID returns the subject key identifier as lowercase hex. Cloud
// registries use it as the device name.
func (c *Certificate) ThingID() (string, error) {
	if len(c.cert.SubjectKeyId) == 0 {
		return "", ErrNoSubjectKeyID
	}
	return strings.ToLower(hex.EncodeToString(c.cert.SubjectKeyId)), nil
}

// PublicKey returns the certificate's ECDSA P-256 public key.
func (c *Certificate) PublicKey() (*ecdsa.PublicKey, error) {
	pub, ok := c.cert.PublicKey.(*ecdsa.PublicKey)
	if !ok || pub.Curve != elliptic.P256() {
		return nil, ErrUnsupportedKey
	}
	return pub, nil
}

// VerifySignedBy checks that issuer's key produced this certificate's signature.
func (c *Certificate) VerifySignedBy(issuer *Certificate) error {
	if issuer == nil {
		return errors.New("issuer certificate is nil")
	}
	if err := issuer.cert.CheckSignature(c.cert.SignatureAlgorithm, c.cert.RawTBSCertificate, c.cert.Signature); err != nil {
		return fmt.Errorf("signature does not verify under %q: %w", issuer.Subject(), err)
	}
	return nil
}

// IsSelfSignedValid reports whether the certificate verifies under its own key.
func (c *Certificate) IsSelfSignedValid() bool {
	return c.VerifySignedBy(c) == nil
}

// Equal reports whether both certificates have identical encodings.
func (c *Certificate) Equal(other *Certificate) bool {
	if c == nil || other == nil {
		return c == other
	}
	return bytes.Equal(c.der, other.der)
}

// String returns a short description for logs.
func (c *Certificate) String() string {
	return fmt.Sprintf("subject=%q issuer=%q serial=%x", c.Subject(), c.Issuer(), c.cert.SerialNumber)
}
