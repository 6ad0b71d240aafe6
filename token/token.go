// Package token mints short-lived compact tokens signed by the secure element.
//
// A token is header.claims.signature, each segment base64url without
// padding. The signature is the DER encoding of the (r, s) pair the device
// produces over SHA-256(header "." claims).
//
//	tok, err := token.NewSigner(0).Mint(res, "my-project", 0, dev, time.Now())
package token

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/shanmugav/Azure-Sam-Iot-PnP/crypto"
	"github.com/shanmugav/Azure-Sam-Iot-PnP/device"
	"github.com/shanmugav/Azure-Sam-Iot-PnP/resolver"
)

// DefaultTTL is the token lifetime when none is configured.
const DefaultTTL = 20 * time.Minute

// Claims is the token body. Field order fixes the serialized key order.
type Claims struct {
	IssuedAt  int64  `json:"iat"`
	ExpiresAt int64  `json:"exp"`
	Audience  string `json:"aud"`
}

// Valid checks the time bounds against jwt.TimeFunc.
func (c Claims) Valid() error {
	return c.validAt(jwt.TimeFunc())
}

func (c Claims) validAt(now time.Time) error {
	if now.Unix() < c.IssuedAt {
		return jwt.ErrTokenUsedBeforeIssued
	}
	if now.Unix() >= c.ExpiresAt {
		return jwt.ErrTokenExpired
	}
	return nil
}

// DeviceKey names the private key used by SigningMethodDevice.
type DeviceKey struct {
	Device device.KeySlotDevice
	Slot   int
}

type signingMethodDevice struct{}

// SigningMethodDevice signs with a DeviceKey and verifies with an
// *ecdsa.PublicKey. It reports itself as ES256 but carries DER signatures.
var SigningMethodDevice jwt.SigningMethod = signingMethodDevice{}

func (signingMethodDevice) Alg() string { return "ES256" }

func (signingMethodDevice) Sign(signingString string, key interface{}) (string, error) {
	k, ok := key.(DeviceKey)
	if !ok || k.Device == nil {
		return "", jwt.ErrInvalidKeyType
	}
	sig, err := k.Device.SignDigest(k.Slot, crypto.Digest([]byte(signingString)))
	if err != nil {
		return "", err
	}
	der, err := sig.DER()
	if err != nil {
		return "", fmt.Errorf("failed to encode signature: %w", err)
	}
	return jwt.EncodeSegment(der), nil
}

func (signingMethodDevice) Verify(signingString, signature string, key interface{}) error {
	pub, ok := key.(*ecdsa.PublicKey)
	if !ok {
		return jwt.ErrInvalidKeyType
	}
	der, err := jwt.DecodeSegment(signature)
	if err != nil {
		return err
	}
	sig, err := crypto.ParseDERSignature(der)
	if err != nil {
		return fmt.Errorf("%w: %v", jwt.ErrSignatureInvalid, err)
	}
	if !crypto.VerifyPrehashed(pub, crypto.Digest([]byte(signingString)), sig) {
		return jwt.ErrSignatureInvalid
	}
	return nil
}

// Signer mints tokens with a fixed lifetime.
type Signer struct {
	ttl time.Duration
}

// NewSigner returns a signer. A non-positive ttl means DefaultTTL.
func NewSigner(ttl time.Duration) *Signer {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Signer{ttl: ttl}
}

// TTL returns the token lifetime.
func (s *Signer) TTL() time.Duration {
	return s.ttl
}

// Mint builds and signs a token for audience valid from now for the TTL.
func (s *Signer) Mint(res *resolver.Resolution, audience string, slot int, dev device.KeySlotDevice, now time.Time) (string, error) {
	if res == nil {
		return "", errors.New("resolved chain is required")
	}
	claims := Claims{
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(s.ttl).Unix(),
		Audience:  audience,
	}
	tok := jwt.NewWithClaims(SigningMethodDevice, claims)
	signed, err := tok.SignedString(DeviceKey{Device: dev, Slot: slot})
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Verify checks tok against pub and the current time.
func Verify(tok string, pub *ecdsa.PublicKey) (*Claims, error) {
	return VerifyAt(tok, pub, time.Now())
}

// VerifyAt checks tok against pub and now.
func VerifyAt(tok string, pub *ecdsa.PublicKey, now time.Time) (*Claims, error) {
	var claims Claims
	parsed, parts, err := jwt.NewParser().ParseUnverified(tok, &claims)
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	if parsed.Method.Alg() != SigningMethodDevice.Alg() {
		return nil, fmt.Errorf("unexpected signing algorithm %q", parsed.Method.Alg())
	}
	if err := SigningMethodDevice.Verify(strings.Join(parts[:2], "."), parts[2], pub); err != nil {
		return nil, err
	}
	if err := claims.validAt(now); err != nil {
		return nil, err
	}
	return &claims, nil
}
