package manifest

import (
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/go-jose/go-jose/v4"

	"github.com/shanmugav/Azure-Sam-Iot-PnP/certs"
)

// Slot is one key slot chain to register in a manifest entry.
type Slot struct {
	ID     int
	Device *certs.Certificate
	Signer *certs.Certificate
}

// Builder produces manifests signed by a manifest CA key.
type Builder struct {
	ca      *certs.Certificate
	signer  jose.Signer
	entries []json.RawMessage
	err     error
}

// NewBuilder creates a builder signing with caKey. caCert is referenced by
// the x5t#S256 header of every entry.
func NewBuilder(caCert *certs.Certificate, caKey *ecdsa.PrivateKey) *Builder {
	b := &Builder{ca: caCert}
	if caCert == nil || caKey == nil {
		b.err = errors.New("manifest CA certificate and key are required")
		return b
	}

	opts := (&jose.SignerOptions{}).WithHeader(HeaderThumbprint, Thumbprint(caCert))
	key := jose.JSONWebKey{Key: caKey, KeyID: hex.EncodeToString(caCert.SubjectKeyID())}
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.ES256, Key: key}, opts)
	if err != nil {
		b.err = fmt.Errorf("failed to create manifest signer: %w", err)
		return b
	}
	b.signer = signer
	return b
}

// Add appends a signed entry for uniqueID. Errors are reported by Marshal.
func (b *Builder) Add(uniqueID string, slots ...Slot) *Builder {
	if b.err != nil {
		return b
	}
	entry, err := b.sign(uniqueID, slots)
	if err != nil {
		b.err = fmt.Errorf("failed to build entry %q: %w", uniqueID, err)
		return b
	}
	b.entries = append(b.entries, entry)
	return b
}

// AddRaw appends a record verbatim.
func (b *Builder) AddRaw(record json.RawMessage) *Builder {
	b.entries = append(b.entries, record)
	return b
}

// Marshal returns the manifest as a JSON array.
func (b *Builder) Marshal() ([]byte, error) {
	if b.err != nil {
		return nil, b.err
	}
	entries := b.entries
	if entries == nil {
		entries = []json.RawMessage{}
	}
	return json.MarshalIndent(entries, "", "  ")
}

func (b *Builder) sign(uniqueID string, slots []Slot) (json.RawMessage, error) {
	if uniqueID == "" {
		return nil, errors.New("unique id is required")
	}
	set := jose.JSONWebKeySet{Keys: make([]jose.JSONWebKey, 0, len(slots))}
	for _, slot := range slots {
		if slot.Device == nil || slot.Signer == nil {
			return nil, fmt.Errorf("slot %d: device and signer certificates are required", slot.ID)
		}
		pub, err := slot.Device.PublicKey()
		if err != nil {
			return nil, fmt.Errorf("slot %d: %w", slot.ID, err)
		}
		set.Keys = append(set.Keys, jose.JSONWebKey{
			Key:          pub,
			KeyID:        strconv.Itoa(slot.ID),
			Algorithm:    string(jose.ES256),
			Use:          "sig",
			Certificates: []*x509.Certificate{slot.Device.X509(), slot.Signer.X509()},
		})
	}

	body, err := json.Marshal(payload{UniqueID: uniqueID, PublicKeySet: set})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	jws, err := b.signer.Sign(body)
	if err != nil {
		return nil, fmt.Errorf("failed to sign payload: %w", err)
	}
	return json.RawMessage(jws.FullSerialize()), nil
}
