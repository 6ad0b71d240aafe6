package backup

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shanmugav/Azure-Sam-Iot-PnP/certs"
)

// MemoryStore keeps records in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
	log     *slog.Logger
}

func NewMemoryStore(log *slog.Logger) *MemoryStore {
	if log == nil {
		log = slog.Default()
	}
	return &MemoryStore{records: make(map[string]Record), log: log}
}

func (s *MemoryStore) Fetch(ctx context.Context, serial []byte) (*certs.Bundle, error) {
	if err := checkSerial(serial); err != nil {
		return nil, err
	}
	s.mu.Lock()
	rec, ok := s.records[string(serial)]
	s.mu.Unlock()
	if !ok {
		return nil, nil
	}
	bundle := rec.Bundle
	return &bundle, nil
}

func (s *MemoryStore) Save(ctx context.Context, serial []byte, bundle certs.Bundle) error {
	if err := checkSerial(serial); err != nil {
		return err
	}
	if err := bundle.Complete(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[string(serial)] = Record{Serial: []byte(string(serial)), Bundle: bundle, SavedAt: time.Now().UTC()}
	return nil
}

func (s *MemoryStore) List(ctx context.Context) ([]Record, error) {
	s.mu.Lock()
	records := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		records = append(records, rec)
	}
	s.mu.Unlock()
	sortRecords(records)
	return records, nil
}

func (s *MemoryStore) Close() error {
	return nil
}
