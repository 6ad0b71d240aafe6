// Package config loads provisioning settings from a file and the environment.
//
// The file format follows the extension: .toml, .yaml/.yml or .json. A
// missing file yields DefaultConfig. Environment variables prefixed with
// SE_PROVISION_ override file values, and command-line flags override both.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/shanmugav/Azure-Sam-Iot-PnP/device"
	"github.com/shanmugav/Azure-Sam-Iot-PnP/logging"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "SE_PROVISION_"

// Config is the complete provisioning configuration.
type Config struct {
	Device   DeviceConfig   `toml:"device" yaml:"device" json:"device"`
	Backup   BackupConfig   `toml:"backup" yaml:"backup" json:"backup"`
	Manifest ManifestConfig `toml:"manifest" yaml:"manifest" json:"manifest"`
	Token    TokenConfig    `toml:"token" yaml:"token" json:"token"`
	Policy   PolicyConfig   `toml:"policy" yaml:"policy" json:"policy"`
	Log      LogConfig      `toml:"log" yaml:"log" json:"log"`
}

// DeviceConfig selects the secure element link and its slot layout.
type DeviceConfig struct {
	// Path is the serial device of the link, e.g. /dev/ttyACM0.
	Path       string `toml:"path" yaml:"path" json:"path"`
	Baud       int    `toml:"baud" yaml:"baud" json:"baud"`
	KeySlot    int    `toml:"key_slot" yaml:"key_slot" json:"key_slot"`
	RootSlot   int    `toml:"root_slot" yaml:"root_slot" json:"root_slot"`
	SignerSlot int    `toml:"signer_slot" yaml:"signer_slot" json:"signer_slot"`
	DeviceSlot int    `toml:"device_slot" yaml:"device_slot" json:"device_slot"`
}

type BackupConfig struct {
	// URI is passed to backup.Open.
	URI string `toml:"uri" yaml:"uri" json:"uri"`
}

type ManifestConfig struct {
	File   string `toml:"file" yaml:"file" json:"file"`
	CACert string `toml:"ca_cert" yaml:"ca_cert" json:"ca_cert"`
}

type TokenConfig struct {
	Audience string `toml:"audience" yaml:"audience" json:"audience"`
	// TTL is a Go duration string such as "20m".
	TTL string `toml:"ttl" yaml:"ttl" json:"ttl"`
}

type PolicyConfig struct {
	Vendor string `toml:"vendor" yaml:"vendor" json:"vendor"`
}

type LogConfig struct {
	Level  string `toml:"level" yaml:"level" json:"level"`
	Format string `toml:"format" yaml:"format" json:"format"`
	// File is empty for stderr.
	File string `toml:"file" yaml:"file" json:"file"`
}

// Logging converts the section for logging.New.
func (l LogConfig) Logging() logging.Config {
	return logging.Config{Level: l.Level, Format: l.Format, File: l.File}
}

// DefaultConfig returns the built-in settings.
func DefaultConfig() *Config {
	return &Config{
		Device: DeviceConfig{
			Path:       "/dev/ttyACM0",
			Baud:       115200,
			KeySlot:    0,
			RootSlot:   device.DefaultLayout.Root.Slot,
			SignerSlot: device.DefaultLayout.Signer.Slot,
			DeviceSlot: device.DefaultLayout.Device.Slot,
		},
		Backup: BackupConfig{URI: "file://certs_backup.bin"},
		Token:  TokenConfig{TTL: "20m"},
		Policy: PolicyConfig{Vendor: "none"},
		Log:    LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads path, applies environment overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg, err := loadFile(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}
	return cfg, nil
}

func loadFile(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("decode TOML: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode YAML: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode JSON: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q", filepath.Ext(path))
	}
	return cfg, nil
}

// ApplyEnv overrides fields from SE_PROVISION_* variables. Integer variables
// that do not parse are reported together.
func (c *Config) ApplyEnv() error {
	var errs ValidationErrors

	str := func(name string, dst *string) {
		if v, ok := os.LookupEnv(EnvPrefix + name); ok {
			*dst = v
		}
	}
	num := func(name string, dst *int) {
		v, ok := os.LookupEnv(EnvPrefix + name)
		if !ok {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, ValidationError{Field: EnvPrefix + name, Message: fmt.Sprintf("not an integer: %q", v)})
			return
		}
		*dst = n
	}

	str("DEVICE_PATH", &c.Device.Path)
	num("DEVICE_BAUD", &c.Device.Baud)
	num("DEVICE_KEY_SLOT", &c.Device.KeySlot)
	num("DEVICE_ROOT_SLOT", &c.Device.RootSlot)
	num("DEVICE_SIGNER_SLOT", &c.Device.SignerSlot)
	num("DEVICE_DEVICE_SLOT", &c.Device.DeviceSlot)
	str("BACKUP_URI", &c.Backup.URI)
	str("MANIFEST_FILE", &c.Manifest.File)
	str("MANIFEST_CA_CERT", &c.Manifest.CACert)
	str("TOKEN_AUDIENCE", &c.Token.Audience)
	str("TOKEN_TTL", &c.Token.TTL)
	str("POLICY_VENDOR", &c.Policy.Vendor)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)
	str("LOG_FILE", &c.Log.File)

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// Layout returns the slot templates named by the device section.
func (c *Config) Layout() device.Layout {
	return device.Layout{
		Root:   device.SlotTemplate{Name: device.DefaultLayout.Root.Name, Slot: c.Device.RootSlot},
		Signer: device.SlotTemplate{Name: device.DefaultLayout.Signer.Name, Slot: c.Device.SignerSlot},
		Device: device.SlotTemplate{Name: device.DefaultLayout.Device.Name, Slot: c.Device.DeviceSlot},
	}
}

// TokenTTL parses the token lifetime. An empty value means zero, which the
// token signer replaces with its default.
func (c *Config) TokenTTL() (time.Duration, error) {
	if c.Token.TTL == "" {
		return 0, nil
	}
	return time.ParseDuration(c.Token.TTL)
}
