package backup

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/near/borsh-go"

	"github.com/shanmugav/Azure-Sam-Iot-PnP/certs"
)

const fileFormatVersion = 1

type fileImage struct {
	Version uint8        `borsh:"version"`
	Records []fileRecord `borsh:"records"`
}

type fileRecord struct {
	Serial  []byte `borsh:"serial"`
	Root    []byte `borsh:"root"`
	Signer  []byte `borsh:"signer"`
	Device  []byte `borsh:"device"`
	SavedAt int64  `borsh:"saved_at"`
}

// FileStore keeps every record in one borsh-encoded file. The file is
// rewritten atomically on each save.
type FileStore struct {
	mu   sync.Mutex
	path string
	log  *slog.Logger
}

// NewFileStore returns a store backed by path. The file is created on first save.
func NewFileStore(path string, log *slog.Logger) (*FileStore, error) {
	if path == "" {
		return nil, errors.New("backup file path is required")
	}
	if log == nil {
		log = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create backup directory: %w", err)
	}
	return &FileStore{path: path, log: log}, nil
}

// Path returns the backing file.
func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) Fetch(ctx context.Context, serial []byte) (*certs.Bundle, error) {
	if err := checkSerial(serial); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	img, err := s.load()
	if err != nil {
		return nil, err
	}
	for _, rec := range img.Records {
		if bytes.Equal(rec.Serial, serial) {
			s.log.Debug("Fetched backup record", slog.String("path", s.path), slog.String("serial", fmt.Sprintf("%x", serial)))
			return encoded{Root: rec.Root, Signer: rec.Signer, Device: rec.Device}.decode()
		}
	}
	return nil, nil
}

func (s *FileStore) Save(ctx context.Context, serial []byte, bundle certs.Bundle) error {
	if err := checkSerial(serial); err != nil {
		return err
	}
	enc, err := encode(bundle)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	img, err := s.load()
	if err != nil {
		return err
	}
	rec := fileRecord{
		Serial:  bytes.Clone(serial),
		Root:    enc.Root,
		Signer:  enc.Signer,
		Device:  enc.Device,
		SavedAt: time.Now().UTC().Unix(),
	}
	replaced := false
	for i := range img.Records {
		if bytes.Equal(img.Records[i].Serial, serial) {
			img.Records[i] = rec
			replaced = true
			break
		}
	}
	if !replaced {
		img.Records = append(img.Records, rec)
	}
	if err := s.store(img); err != nil {
		return err
	}

	s.log.Debug("Stored backup record",
		slog.String("path", s.path),
		slog.String("serial", fmt.Sprintf("%x", serial)),
		slog.Bool("replaced", replaced))
	return nil
}

func (s *FileStore) List(ctx context.Context) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	img, err := s.load()
	if err != nil {
		return nil, err
	}
	records := make([]Record, 0, len(img.Records))
	for _, rec := range img.Records {
		bundle, err := encoded{Root: rec.Root, Signer: rec.Signer, Device: rec.Device}.decode()
		if err != nil {
			return nil, fmt.Errorf("record %x: %w", rec.Serial, err)
		}
		records = append(records, Record{Serial: rec.Serial, Bundle: *bundle, SavedAt: time.Unix(rec.SavedAt, 0).UTC()})
	}
	sortRecords(records)
	return records, nil
}

func (s *FileStore) Close() error {
	return nil
}

func (s *FileStore) load() (*fileImage, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return &fileImage{Version: fileFormatVersion}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read backup file: %w", err)
	}
	var img fileImage
	if err := borsh.Deserialize(&img, data); err != nil {
		return nil, fmt.Errorf("failed to decode backup file: %w", err)
	}
	if img.Version != fileFormatVersion {
		return nil, fmt.Errorf("unsupported backup file version %d", img.Version)
	}
	return &img, nil
}

func (s *FileStore) store(img *fileImage) error {
	data, err := borsh.Serialize(*img)
	if err != nil {
		return fmt.Errorf("failed to encode backup file: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write backup file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync backup file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close backup file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("failed to replace backup file: %w", err)
	}
	return nil
}
