package device

import (
	"bytes"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"sync"

	"github.com/shanmugav/Azure-Sam-Iot-PnP/crypto"
)

// DefaultSlotSize is the capacity of a certificate slot in bytes.
const DefaultSlotSize = 1024

// Soft is a software secure element. Private keys stay inside it.
type Soft struct {
	mu       sync.Mutex
	serial   []byte
	keys     map[int]*ecdsa.PrivateKey
	slots    map[int][]byte
	slotSize int
}

// NewSoft creates a software element with the given serial and key slots.
func NewSoft(serial []byte, keys map[int]*ecdsa.PrivateKey) *Soft {
	k := make(map[int]*ecdsa.PrivateKey, len(keys))
	for slot, key := range keys {
		k[slot] = key
	}
	return &Soft{
		serial:   bytes.Clone(serial),
		keys:     k,
		slots:    make(map[int][]byte),
		slotSize: DefaultSlotSize,
	}
}

// SetSlotSize changes the certificate slot capacity.
func (s *Soft) SetSlotSize(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slotSize = n
}

func (s *Soft) SerialNumber() ([]byte, error) {
	return bytes.Clone(s.serial), nil
}

func (s *Soft) SignDigest(slot int, digest []byte) (crypto.SignatureRS, error) {
	s.mu.Lock()
	key, ok := s.keys[slot]
	s.mu.Unlock()
	if !ok {
		return crypto.SignatureRS{}, signError(slot, errors.New("no private key in slot"))
	}
	sig, err := crypto.SignPrehashed(nil, key, digest)
	if err != nil {
		return crypto.SignatureRS{}, signError(slot, err)
	}
	return sig, nil
}

func (s *Soft) ReadCert(tpl SlotTemplate) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	der, ok := s.slots[tpl.Slot]
	if !ok || len(der) == 0 {
		return nil, ioError("read", tpl.Slot, ErrSlotEmpty)
	}
	return bytes.Clone(der), nil
}

func (s *Soft) WriteCert(tpl SlotTemplate, der []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(der) > s.slotSize {
		return ioError("write", tpl.Slot, fmt.Errorf("%d bytes exceed slot size %d", len(der), s.slotSize))
	}
	if len(der) == 0 {
		delete(s.slots, tpl.Slot)
		return nil
	}
	s.slots[tpl.Slot] = bytes.Clone(der)
	return nil
}

// Slots returns a copy of every non-empty certificate slot.
func (s *Soft) Slots() map[int][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int][]byte, len(s.slots))
	for slot, der := range s.slots {
		out[slot] = bytes.Clone(der)
	}
	return out
}
