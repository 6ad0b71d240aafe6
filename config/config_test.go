package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shanmugav/Azure-Sam-Iot-PnP/device"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, device.DefaultLayout, cfg.Layout())
	assert.Equal(t, "none", cfg.Policy.Vendor)

	ttl, err := cfg.TokenTTL()
	require.NoError(t, err)
	assert.Equal(t, 20*time.Minute, ttl)
}

func TestLoadMissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadFormats(t *testing.T) {
	tests := []struct {
		name string
		file string
		body string
	}{
		{
			name: "toml",
			file: "provision.toml",
			body: `
[device]
path = "/dev/ttyUSB1"
baud = 9600
key_slot = 2
root_slot = 14
signer_slot = 12
device_slot = 10

[backup]
uri = "sqlite:///var/lib/se/backup.db"

[manifest]
file = "manifest.json"
ca_cert = "manifest_ca.crt"

[token]
audience = "projects/demo"
ttl = "5m"

[policy]
vendor = "aws"

[log]
level = "debug"
format = "json"
`,
		},
		{
			name: "yaml",
			file: "provision.yaml",
			body: `
device:
  path: /dev/ttyUSB1
  baud: 9600
  key_slot: 2
backup:
  uri: sqlite:///var/lib/se/backup.db
manifest:
  file: manifest.json
  ca_cert: manifest_ca.crt
token:
  audience: projects/demo
  ttl: 5m
policy:
  vendor: aws
log:
  level: debug
  format: json
`,
		},
		{
			name: "json",
			file: "provision.json",
			body: `{
  "device": {"path": "/dev/ttyUSB1", "baud": 9600, "key_slot": 2},
  "backup": {"uri": "sqlite:///var/lib/se/backup.db"},
  "manifest": {"file": "manifest.json", "ca_cert": "manifest_ca.crt"},
  "token": {"audience": "projects/demo", "ttl": "5m"},
  "policy": {"vendor": "aws"},
  "log": {"level": "debug", "format": "json"}
}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(writeFile(t, tt.file, tt.body))
			require.NoError(t, err)

			assert.Equal(t, "/dev/ttyUSB1", cfg.Device.Path)
			assert.Equal(t, 9600, cfg.Device.Baud)
			assert.Equal(t, 2, cfg.Device.KeySlot)
			assert.Equal(t, device.DefaultLayout, cfg.Layout())
			assert.Equal(t, "sqlite:///var/lib/se/backup.db", cfg.Backup.URI)
			assert.Equal(t, "manifest.json", cfg.Manifest.File)
			assert.Equal(t, "manifest_ca.crt", cfg.Manifest.CACert)
			assert.Equal(t, "projects/demo", cfg.Token.Audience)
			assert.Equal(t, "aws", cfg.Policy.Vendor)
			assert.Equal(t, "json", cfg.Log.Format)

			ttl, err := cfg.TokenTTL()
			require.NoError(t, err)
			assert.Equal(t, 5*time.Minute, ttl)
		})
	}
}

func TestLoadRejectsUnknownExtension(t *testing.T) {
	_, err := Load(writeFile(t, "provision.ini", "baud=1"))
	assert.ErrorContains(t, err, "unsupported config format")
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	_, err := Load(writeFile(t, "provision.toml", "[device\nbaud = "))
	assert.ErrorContains(t, err, "decode TOML")
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SE_PROVISION_DEVICE_PATH", "/dev/ttyS3")
	t.Setenv("SE_PROVISION_DEVICE_KEY_SLOT", "4")
	t.Setenv("SE_PROVISION_BACKUP_URI", "mem://")
	t.Setenv("SE_PROVISION_POLICY_VENDOR", "azure")
	t.Setenv("SE_PROVISION_TOKEN_TTL", "90s")

	cfg, err := Load(writeFile(t, "provision.toml", "[device]\npath = \"/dev/ttyACM1\"\n"))
	require.NoError(t, err)
	assert.Equal(t, "/dev/ttyS3", cfg.Device.Path)
	assert.Equal(t, 4, cfg.Device.KeySlot)
	assert.Equal(t, "mem://", cfg.Backup.URI)
	assert.Equal(t, "azure", cfg.Policy.Vendor)

	ttl, err := cfg.TokenTTL()
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, ttl)
}

func TestEnvOverrideBadInteger(t *testing.T) {
	t.Setenv("SE_PROVISION_DEVICE_BAUD", "fast")
	t.Setenv("SE_PROVISION_DEVICE_KEY_SLOT", "one")

	_, err := Load("")
	var verrs ValidationErrors
	require.True(t, errors.As(err, &verrs))
	assert.Equal(t, []string{"SE_PROVISION_DEVICE_BAUD", "SE_PROVISION_DEVICE_KEY_SLOT"}, verrs.Fields())
}

func TestValidateReportsEveryField(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Device.Baud = -1
	cfg.Device.KeySlot = device.MaxKeySlot + 1
	cfg.Device.SignerSlot = cfg.Device.DeviceSlot
	cfg.Backup.URI = ""
	cfg.Manifest.File = "manifest.json"
	cfg.Token.TTL = "soon"
	cfg.Policy.Vendor = "acme"
	cfg.Log.Level = "loud"
	cfg.Log.Format = "xml"

	err := cfg.Validate()
	var verrs ValidationErrors
	require.True(t, errors.As(err, &verrs))
	assert.Equal(t, []string{
		"device.baud",
		"device.key_slot",
		"device",
		"backup.uri",
		"manifest",
		"token.ttl",
		"policy.vendor",
		"log.level",
		"log.format",
	}, verrs.Fields())
	assert.Contains(t, err.Error(), "config: device.baud: must not be negative")
}

func TestValidateTTL(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Token.TTL = "-1m"
	assert.ErrorContains(t, cfg.Validate(), "token.ttl")

	cfg.Token.TTL = ""
	require.NoError(t, cfg.Validate())
	ttl, err := cfg.TokenTTL()
	require.NoError(t, err)
	assert.Zero(t, ttl)
}
