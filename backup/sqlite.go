package backup

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"github.com/shanmugav/Azure-Sam-Iot-PnP/certs"
)

// SQLiteStore keeps records in a SQLite database.
type SQLiteStore struct {
	db  *sql.DB
	log *slog.Logger
}

// NewSQLiteStore opens or creates the database at path and runs migrations.
func NewSQLiteStore(path string, log *slog.Logger) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("backup database path is required")
	}
	if log == nil {
		log = slog.Default()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection serializes writers inside the process.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db, log: log}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS cert_backups (
			serial BLOB PRIMARY KEY,
			root_der BLOB,
			signer_der BLOB NOT NULL,
			device_der BLOB NOT NULL,
			saved_at INTEGER NOT NULL
		)`,
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) Fetch(ctx context.Context, serial []byte) (*certs.Bundle, error) {
	if err := checkSerial(serial); err != nil {
		return nil, err
	}
	var enc encoded
	err := s.db.QueryRowContext(ctx,
		`SELECT root_der, signer_der, device_der FROM cert_backups WHERE serial = ?`, serial,
	).Scan(&enc.Root, &enc.Signer, &enc.Device)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query backup: %w", err)
	}
	s.log.Debug("Fetched backup record", slog.String("serial", fmt.Sprintf("%x", serial)))
	return enc.decode()
}

func (s *SQLiteStore) Save(ctx context.Context, serial []byte, bundle certs.Bundle) error {
	if err := checkSerial(serial); err != nil {
		return err
	}
	enc, err := encode(bundle)
	if err != nil {
		return err
	}
	var root any
	if len(enc.Root) > 0 {
		root = enc.Root
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO cert_backups (serial, root_der, signer_der, device_der, saved_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(serial) DO UPDATE SET
			root_der = excluded.root_der,
			signer_der = excluded.signer_der,
			device_der = excluded.device_der,
			saved_at = excluded.saved_at`,
		bytes.Clone(serial), root, enc.Signer, enc.Device, time.Now().UTC().Unix())
	if err != nil {
		return fmt.Errorf("save backup: %w", err)
	}
	s.log.Debug("Stored backup record", slog.String("serial", fmt.Sprintf("%x", serial)))
	return nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT serial, root_der, signer_der, device_der, saved_at FROM cert_backups ORDER BY serial`)
	if err != nil {
		return nil, fmt.Errorf("list backups: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			serial  []byte
			enc     encoded
			savedAt int64
		)
		if err := rows.Scan(&serial, &enc.Root, &enc.Signer, &enc.Device, &savedAt); err != nil {
			return nil, fmt.Errorf("scan backup: %w", err)
		}
		bundle, err := enc.decode()
		if err != nil {
			return nil, fmt.Errorf("record %x: %w", serial, err)
		}
		records = append(records, Record{Serial: serial, Bundle: *bundle, SavedAt: time.Unix(savedAt, 0).UTC()})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortRecords(records)
	return records, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
