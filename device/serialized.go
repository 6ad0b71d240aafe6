package device

import (
	"sync"

	"go.uber.org/atomic"

	"github.com/shanmugav/Azure-Sam-Iot-PnP/crypto"
)

// Serialized allows at most one in-flight operation on the wrapped device.
type Serialized struct {
	mu  sync.Mutex
	dev KeySlotDevice

	signs  atomic.Int64
	reads  atomic.Int64
	writes atomic.Int64
}

// Stats counts completed calls per operation.
type Stats struct {
	Signs  int64
	Reads  int64
	Writes int64
}

// NewSerialized wraps dev. Wrapping an already serialized device returns it.
func NewSerialized(dev KeySlotDevice) *Serialized {
	if s, ok := dev.(*Serialized); ok {
		return s
	}
	return &Serialized{dev: dev}
}

func (s *Serialized) SerialNumber() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dev.SerialNumber()
}

func (s *Serialized) SignDigest(slot int, digest []byte) (crypto.SignatureRS, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.signs.Inc()
	return s.dev.SignDigest(slot, digest)
}

func (s *Serialized) ReadCert(tpl SlotTemplate) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.reads.Inc()
	return s.dev.ReadCert(tpl)
}

func (s *Serialized) WriteCert(tpl SlotTemplate, der []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.writes.Inc()
	return s.dev.WriteCert(tpl, der)
}

// Stats returns the call counters.
func (s *Serialized) Stats() Stats {
	return Stats{Signs: s.signs.Load(), Reads: s.reads.Load(), Writes: s.writes.Load()}
}

// Unwrap returns the underlying device.
func (s *Serialized) Unwrap() KeySlotDevice {
	return s.dev
}
