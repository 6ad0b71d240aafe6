// Package crypto provides the signature primitives shared by chain validation,
// proof of possession and token signing.
//
// Secure elements return ECDSA P-256 signatures as 64 raw bytes: r followed by
// s, each a 32-byte big-endian unsigned integer. They also sign raw 32-byte
// digests rather than messages, so verification here never hashes again.
//
// # Raw signatures
//
// Parse a device response and encode it for standard verification APIs:
//
//	sig, err := crypto.ParseRS(response)
//	if err != nil {
//		log.Fatal(err)
//	}
//	der, err := sig.DER()
//
// # Verification
//
// Verify a signature over a digest the device was asked to sign:
//
//	ok := crypto.VerifyPrehashed(publicKey, digest, sig)
package crypto

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"math/big"

	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/cryptobyte/asn1"
)

const (
	// DigestSize is the size of the digests the device signs.
	DigestSize = sha256.Size
	// ScalarSize is the size of one signature component.
	ScalarSize = 32
	// SignatureSize is the size of a raw r||s signature.
	SignatureSize = 2 * ScalarSize
)

// ErrInvalidSignature is returned when a signature cannot be decoded.
var ErrInvalidSignature = errors.New("invalid signature encoding")

// SignatureRS is an ECDSA signature as two fixed-size big-endian integers.
type SignatureRS struct {
	R [ScalarSize]byte
	S [ScalarSize]byte
}

// ParseRS decodes a 64-byte r||s signature.
func ParseRS(raw []byte) (SignatureRS, error) {
	var sig SignatureRS
	if len(raw) != SignatureSize {
		return sig, fmt.Errorf("%w: expected %d bytes (r||s), got %d", ErrInvalidSignature, SignatureSize, len(raw))
	}
	copy(sig.R[:], raw[:ScalarSize])
	copy(sig.S[:], raw[ScalarSize:])
	return sig, nil
}

// NewSignatureRS builds a SignatureRS from integer components.
func NewSignatureRS(r, s *big.Int) (SignatureRS, error) {
	var sig SignatureRS
	if r == nil || s == nil || r.Sign() < 0 || s.Sign() < 0 {
		return sig, fmt.Errorf("%w: components must be non-negative", ErrInvalidSignature)
	}
	if r.BitLen() > 8*ScalarSize || s.BitLen() > 8*ScalarSize {
		return sig, fmt.Errorf("%w: component exceeds %d bytes", ErrInvalidSignature, ScalarSize)
	}
	r.FillBytes(sig.R[:])
	s.FillBytes(sig.S[:])
	return sig, nil
}

// Bytes returns the raw r||s form.
func (sig SignatureRS) Bytes() []byte {
	out := make([]byte, 0, SignatureSize)
	out = append(out, sig.R[:]...)
	return append(out, sig.S[:]...)
}

// Ints returns r and s as integers.
func (sig SignatureRS) Ints() (r, s *big.Int) {
	return new(big.Int).SetBytes(sig.R[:]), new(big.Int).SetBytes(sig.S[:])
}

// DER encodes the signature as an ASN.1 SEQUENCE { r INTEGER, s INTEGER }.
func (sig SignatureRS) DER() ([]byte, error) {
	r, s := sig.Ints()
	var b cryptobyte.Builder
	b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1BigInt(r)
		b.AddASN1BigInt(s)
	})
	der, err := b.Bytes()
	if err != nil {
		return nil, fmt.Errorf("failed to encode signature: %w", err)
	}
	return der, nil
}

// ParseDERSignature decodes an ASN.1 DER signature.
func ParseDERSignature(der []byte) (SignatureRS, error) {
	var (
		inner cryptobyte.String
		r     = new(big.Int)
		s     = new(big.Int)
	)
	input := cryptobyte.String(der)
	if !input.ReadASN1(&inner, asn1.SEQUENCE) || !input.Empty() ||
		!inner.ReadASN1Integer(r) || !inner.ReadASN1Integer(s) || !inner.Empty() {
		return SignatureRS{}, fmt.Errorf("%w: malformed ASN.1 sequence", ErrInvalidSignature)
	}
	return NewSignatureRS(r, s)
}

// Digest returns the SHA-256 digest of data.
func Digest(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

// VerifyPrehashed verifies sig over digest without hashing digest again.
func VerifyPrehashed(publicKey *ecdsa.PublicKey, digest []byte, sig SignatureRS) bool {
	if publicKey == nil || len(digest) != DigestSize {
		return false
	}
	der, err := sig.DER()
	if err != nil {
		return false
	}
	return ecdsa.VerifyASN1(publicKey, digest, der)
}

// SignPrehashed signs a 32-byte digest the way a secure element does.
// A nil rand uses crypto/rand.
func SignPrehashed(random io.Reader, privateKey *ecdsa.PrivateKey, digest []byte) (SignatureRS, error) {
	if len(digest) != DigestSize {
		return SignatureRS{}, fmt.Errorf("invalid digest length: expected %d bytes, got %d", DigestSize, len(digest))
	}
	if random == nil {
		random = rand.Reader
	}
	r, s, err := ecdsa.Sign(random, privateKey, digest)
	if err != nil {
		return SignatureRS{}, fmt.Errorf("failed to sign with ECDSA: %w", err)
	}
	return NewSignatureRS(r, s)
}
