// Package proof checks that a device holds the private key of its certificate.
//
// The responder draws a fresh 32-byte challenge from a CSPRNG, asks the
// device to sign it as a raw digest and verifies the (r, s) signature
// against the resolved device certificate. The challenge itself is signed,
// not a hash of it.
//
// Failures are distinguished:
//
//   - ErrProofInvalid: the signature did not verify.
//   - ErrCertMismatch: the certificate key could not be used.
//   - device.ErrSignFailure: the device did not produce a signature.
package proof

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"go.uber.org/atomic"

	"github.com/shanmugav/Azure-Sam-Iot-PnP/crypto"
	"github.com/shanmugav/Azure-Sam-Iot-PnP/device"
	"github.com/shanmugav/Azure-Sam-Iot-PnP/resolver"
)

// ChallengeSize is the challenge length in bytes.
const ChallengeSize = crypto.DigestSize

var (
	ErrProofInvalid    = errors.New("proof of possession invalid")
	ErrCertMismatch    = errors.New("device certificate key unusable")
	ErrChallengeUsed   = errors.New("challenge already used")
	ErrNotResolved     = errors.New("resolved chain is required")
	ErrShortRandomness = errors.New("random source returned too few bytes")
)

// Challenge is a single-use nonce.
type Challenge struct {
	nonce [ChallengeSize]byte
	used  atomic.Bool
}

// NewChallenge reads a nonce from random, or crypto/rand when random is nil.
func NewChallenge(random io.Reader) (*Challenge, error) {
	if random == nil {
		random = rand.Reader
	}
	c := &Challenge{}
	if _, err := io.ReadFull(random, c.nonce[:]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrShortRandomness, err)
	}
	return c, nil
}

// Take returns the nonce once. Later calls fail with ErrChallengeUsed.
func (c *Challenge) Take() ([]byte, error) {
	if !c.used.CompareAndSwap(false, true) {
		return nil, ErrChallengeUsed
	}
	out := make([]byte, ChallengeSize)
	copy(out, c.nonce[:])
	return out, nil
}

// Result is the outcome of a successful proof.
type Result struct {
	Valid     bool
	Challenge []byte
	Signature crypto.SignatureRS
}

// Options configures a Responder.
type Options struct {
	// Rand defaults to crypto/rand.
	Rand io.Reader
	Log  *slog.Logger
}

// Responder runs proof-of-possession exchanges. It keeps no challenge between calls.
type Responder struct {
	rand io.Reader
	log  *slog.Logger
	runs atomic.Int64
}

func NewResponder(opts Options) *Responder {
	if opts.Rand == nil {
		opts.Rand = rand.Reader
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	return &Responder{rand: opts.Rand, log: opts.Log}
}

// ProvePossession challenges the key in slot and verifies the answer against
// the resolved device certificate.
func (r *Responder) ProvePossession(res *resolver.Resolution, slot int, dev device.KeySlotDevice) (Result, error) {
	if res == nil || res.DeviceCert() == nil {
		return Result{}, ErrNotResolved
	}
	pub, err := res.DeviceCert().PublicKey()
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrCertMismatch, err)
	}

	challenge, err := NewChallenge(r.rand)
	if err != nil {
		return Result{}, err
	}
	nonce, err := challenge.Take()
	if err != nil {
		return Result{}, err
	}
	r.runs.Inc()
	r.log.Debug("challenge", slog.Int("slot", slot), slog.String("nonce", hex.EncodeToString(nonce)))

	sig, err := dev.SignDigest(slot, nonce)
	if err != nil {
		return Result{}, fmt.Errorf("failed to sign challenge: %w", err)
	}
	r.log.Debug("response", slog.String("signature", hex.EncodeToString(sig.Bytes())))

	if !crypto.VerifyPrehashed(pub, nonce, sig) {
		return Result{}, fmt.Errorf("%w: signature from slot %d does not verify against %s", ErrProofInvalid, slot, res.DeviceCert().CommonName())
	}
	return Result{Valid: true, Challenge: nonce, Signature: sig}, nil
}

// Runs returns the number of challenges issued.
func (r *Responder) Runs() int64 {
	return r.runs.Load()
}
