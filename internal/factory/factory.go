// Package factory issues P-256 certificate chains the way the element's
// production line does: a self-signed root, an intermediate signer and a
// device leaf whose common name carries the element serial number.
package factory

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha1"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/shanmugav/Azure-Sam-Iot-PnP/certs"
)

// Organization is the subject organization of issued certificates.
const Organization = "Example Inc"

// Identity is a key pair with its certificate.
type Identity struct {
	Key  *ecdsa.PrivateKey
	Cert *certs.Certificate
}

// Chain is a root -> signer -> device chain for one element.
type Chain struct {
	Serial []byte
	Root   Identity
	Signer Identity
	Device Identity
}

// Bundle returns the chain with its root.
func (c *Chain) Bundle() certs.Bundle {
	return certs.Bundle{Root: c.Root.Cert, Signer: c.Signer.Cert, Device: c.Device.Cert}
}

// DeviceCN returns the device common name for serial.
func DeviceCN(serial []byte) string {
	return "sn" + strings.ToUpper(hex.EncodeToString(serial))
}

// NewChain issues a chain for serial. An empty cn means DeviceCN(serial).
func NewChain(serial []byte, cn string) (*Chain, error) {
	if cn == "" {
		cn = DeviceCN(serial)
	}
	root, err := NewCA("Root CA", nil)
	if err != nil {
		return nil, err
	}
	signer, err := NewCA("Signer FFFF", &root)
	if err != nil {
		return nil, err
	}
	leaf, err := NewLeaf(cn, signer)
	if err != nil {
		return nil, err
	}
	return &Chain{Serial: bytes.Clone(serial), Root: root, Signer: signer, Device: leaf}, nil
}

// NewKey generates a P-256 key.
func NewKey() (*ecdsa.PrivateKey, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return key, nil
}

// NewCA creates a CA certificate signed by parent, or self-signed when parent is nil.
func NewCA(cn string, parent *Identity) (Identity, error) {
	tpl, err := template(cn)
	if err != nil {
		return Identity{}, err
	}
	tpl.IsCA = true
	tpl.BasicConstraintsValid = true
	tpl.KeyUsage = x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature
	return issue(tpl, parent, nil)
}

// NewLeaf creates an end-entity certificate signed by parent.
func NewLeaf(cn string, parent Identity) (Identity, error) {
	return NewLeafWithKey(cn, parent, nil)
}

// NewLeafWithKey is NewLeaf for an existing key. A nil key is generated.
func NewLeafWithKey(cn string, parent Identity, key *ecdsa.PrivateKey) (Identity, error) {
	tpl, err := template(cn)
	if err != nil {
		return Identity{}, err
	}
	tpl.KeyUsage = x509.KeyUsageDigitalSignature | x509.KeyUsageKeyAgreement
	tpl.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}
	return issue(tpl, &parent, key)
}

func template(cn string) (*x509.Certificate, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 120))
	if err != nil {
		return nil, fmt.Errorf("generate serial: %w", err)
	}
	now := time.Now().UTC()
	return &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{Organization: []string{Organization}, CommonName: cn},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(25 * 365 * 24 * time.Hour),
	}, nil
}

func issue(tpl *x509.Certificate, parent *Identity, key *ecdsa.PrivateKey) (Identity, error) {
	if key == nil {
		var err error
		if key, err = NewKey(); err != nil {
			return Identity{}, err
		}
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return Identity{}, fmt.Errorf("marshal public key: %w", err)
	}
	ski := sha1.Sum(pubDER)
	tpl.SubjectKeyId = ski[:]

	parentCert, parentKey := tpl, key
	if parent != nil {
		parentCert, parentKey = parent.Cert.X509(), parent.Key
	}
	der, err := x509.CreateCertificate(rand.Reader, tpl, parentCert, &key.PublicKey, parentKey)
	if err != nil {
		return Identity{}, fmt.Errorf("create certificate %q: %w", tpl.Subject.CommonName, err)
	}
	cert, err := certs.ParseDER(der)
	if err != nil {
		return Identity{}, err
	}
	return Identity{Key: key, Cert: cert}, nil
}
