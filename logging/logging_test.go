package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWriterJSON(t *testing.T) {
	var buf bytes.Buffer
	log, err := NewWriter(&buf, Config{Level: "debug", Format: "json"})
	require.NoError(t, err)

	id := uuid.New()
	WithComponent(WithSession(log, id), "resolver").Debug("state", "state", "DEVICE_READ")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "state", rec["msg"])
	assert.Equal(t, "DEBUG", rec["level"])
	assert.Equal(t, id.String(), rec[KeySession])
	assert.Equal(t, "resolver", rec[KeyComponent])
	assert.Equal(t, "DEVICE_READ", rec["state"])
}

func TestNewWriterLevel(t *testing.T) {
	var buf bytes.Buffer
	log, err := NewWriter(&buf, Config{Level: "warn"})
	require.NoError(t, err)

	log.Info("hidden")
	log.Warn("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "msg=shown")
}

func TestNewWriterErrors(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"bad level", Config{Level: "chatty"}},
		{"bad format", Config{Format: "xml"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewWriter(&bytes.Buffer{}, tt.cfg)
			assert.Error(t, err)
		})
	}
}

func TestNewFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "provision.log")
	log, closer, err := New(Config{Level: "info", File: path})
	require.NoError(t, err)

	log.Info("backup miss", "serial", "01239a")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "serial=01239a")
}

func TestNewFileUnwritable(t *testing.T) {
	_, _, err := New(Config{File: filepath.Join(t.TempDir(), "missing", "x.log")})
	assert.ErrorContains(t, err, "open log file")
}

func TestNilLoggerFallsBack(t *testing.T) {
	assert.NotNil(t, WithSession(nil, uuid.New()))
	assert.NotNil(t, WithComponent(nil, "proof"))
	Discard().Info("dropped")
}
