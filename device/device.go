// Package device abstracts the key-capable secure element.
//
// A KeySlotDevice signs raw 32-byte digests with a private key that never
// leaves the element and stores certificates in fixed-size slots. The
// element sits behind a point-to-point link without multiplexing, so callers
// that share a device across goroutines wrap it with NewSerialized.
//
// # Implementations
//
//   - Soft: software element holding P-256 keys in memory, used by the
//     simulator and tests.
//   - Link: client for the framed request/response protocol served by
//     ServeLink, usually over a serial line opened with OpenSerial.
package device

import (
	"errors"
	"fmt"

	"github.com/shanmugav/Azure-Sam-Iot-PnP/crypto"
)

// KeySlotDevice is the hardware capability consumed by the trust resolver,
// the challenge responder and the token signer.
type KeySlotDevice interface {
	// SerialNumber returns the element's raw serial number.
	SerialNumber() ([]byte, error)
	// SignDigest signs a 32-byte digest with the private key in slot.
	SignDigest(slot int, digest []byte) (crypto.SignatureRS, error)
	// ReadCert returns the DER certificate stored under tpl.
	ReadCert(tpl SlotTemplate) ([]byte, error)
	// WriteCert stores der under tpl. An empty der clears the slot.
	WriteCert(tpl SlotTemplate, der []byte) error
}

// SlotTemplate identifies a certificate slot.
type SlotTemplate struct {
	Name string
	Slot int
}

func (t SlotTemplate) String() string {
	return fmt.Sprintf("%s(%d)", t.Name, t.Slot)
}

// Layout names the slots holding each certificate of the chain.
type Layout struct {
	Root   SlotTemplate
	Signer SlotTemplate
	Device SlotTemplate
}

// DefaultLayout matches the factory slot assignment of the element.
var DefaultLayout = Layout{
	Root:   SlotTemplate{Name: "root", Slot: 14},
	Signer: SlotTemplate{Name: "signer", Slot: 12},
	Device: SlotTemplate{Name: "device", Slot: 10},
}

// MaxKeySlot is the highest private key slot index.
const MaxKeySlot = 15

var (
	// ErrSignFailure is returned when a sign operation does not report success.
	ErrSignFailure = errors.New("device sign failure")
	// ErrIOFailure is returned when a slot read or write fails.
	ErrIOFailure = errors.New("device I/O failure")
	// ErrSlotEmpty is returned when reading a slot that holds no certificate.
	ErrSlotEmpty = errors.New("certificate slot empty")
)

// Error describes a failed device operation.
type Error struct {
	Op   string
	Slot int
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("device %s slot %d: %v", e.Op, e.Slot, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func signError(slot int, cause error) error {
	return &Error{Op: "sign", Slot: slot, Err: fmt.Errorf("%w: %w", ErrSignFailure, cause)}
}

func ioError(op string, slot int, cause error) error {
	if errors.Is(cause, ErrSlotEmpty) || errors.Is(cause, ErrIOFailure) {
		return &Error{Op: op, Slot: slot, Err: cause}
	}
	return &Error{Op: op, Slot: slot, Err: fmt.Errorf("%w: %w", ErrIOFailure, cause)}
}
