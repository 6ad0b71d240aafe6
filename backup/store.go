// Package backup persists certificate bundles keyed by device serial number.
//
// A record is saved only after its chain validated, so a later hit is
// trusted without re-checking it against the device. Lookups use the raw
// serial bytes. A miss returns a nil bundle and a nil error.
//
// # Backends
//
// Open selects a backend from a URI:
//
//	file:///var/lib/se-provision/certs_backup.bin   borsh-encoded record file
//	sqlite:///var/lib/se-provision/backup.db        SQLite database
//	mem://                                          process memory
//
// A bare path is treated as a file store.
package backup

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/shanmugav/Azure-Sam-Iot-PnP/certs"
)

// Store is a certificate backup store.
type Store interface {
	// Fetch returns the bundle saved for serial, or nil if there is none.
	Fetch(ctx context.Context, serial []byte) (*certs.Bundle, error)
	// Save stores bundle under serial, replacing any previous record.
	Save(ctx context.Context, serial []byte, bundle certs.Bundle) error
	// List returns every record ordered by serial.
	List(ctx context.Context) ([]Record, error)
	Close() error
}

// Record is one saved bundle.
type Record struct {
	Serial  []byte
	Bundle  certs.Bundle
	SavedAt time.Time
}

var (
	ErrEmptySerial      = errors.New("serial number is required")
	ErrUnsupportedStore = errors.New("unsupported backup store")
)

// Open returns the store named by uri.
func Open(uri string, log *slog.Logger) (Store, error) {
	if log == nil {
		log = slog.Default()
	}
	if !strings.Contains(uri, "://") {
		return NewFileStore(uri, log)
	}
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("failed to parse backup store URI: %w", err)
	}
	switch u.Scheme {
	case "file":
		return NewFileStore(u.Host+u.Path, log)
	case "sqlite":
		return NewSQLiteStore(u.Host+u.Path, log)
	case "mem", "memory":
		return NewMemoryStore(log), nil
	default:
		return nil, fmt.Errorf("%w: scheme %q", ErrUnsupportedStore, u.Scheme)
	}
}

// encoded is a bundle flattened to DER. An empty Root means no root.
type encoded struct {
	Root   []byte
	Signer []byte
	Device []byte
}

func encode(bundle certs.Bundle) (encoded, error) {
	if err := bundle.Complete(); err != nil {
		return encoded{}, err
	}
	e := encoded{Signer: bundle.Signer.DER(), Device: bundle.Device.DER()}
	if bundle.Root != nil {
		e.Root = bundle.Root.DER()
	}
	return e, nil
}

func (e encoded) decode() (*certs.Bundle, error) {
	signer, err := certs.ParseDER(e.Signer)
	if err != nil {
		return nil, fmt.Errorf("failed to parse signer certificate: %w", err)
	}
	device, err := certs.ParseDER(e.Device)
	if err != nil {
		return nil, fmt.Errorf("failed to parse device certificate: %w", err)
	}
	bundle := &certs.Bundle{Signer: signer, Device: device}
	if len(e.Root) > 0 {
		if bundle.Root, err = certs.ParseDER(e.Root); err != nil {
			return nil, fmt.Errorf("failed to parse root certificate: %w", err)
		}
	}
	return bundle, nil
}

func checkSerial(serial []byte) error {
	if len(serial) == 0 {
		return ErrEmptySerial
	}
	return nil
}

func sortRecords(records []Record) {
	slices.SortFunc(records, func(a, b Record) int {
		return bytes.Compare(a.Serial, b.Serial)
	})
}
