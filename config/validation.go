package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shanmugav/Azure-Sam-Iot-PnP/device"
	"github.com/shanmugav/Azure-Sam-Iot-PnP/resolver"
)

// ValidationError is one invalid field.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors collects every invalid field of a configuration.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Fields returns the names of the invalid fields in report order.
func (e ValidationErrors) Fields() []string {
	out := make([]string, 0, len(e))
	for _, err := range e {
		out = append(out, err.Field)
	}
	return out
}

// Validate checks every section and reports all problems at once.
func (c *Config) Validate() error {
	var errs ValidationErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if c.Device.Baud < 0 {
		add("device.baud", "must not be negative, got %d", c.Device.Baud)
	}
	if c.Device.KeySlot < 0 || c.Device.KeySlot > device.MaxKeySlot {
		add("device.key_slot", "must be in [0, %d], got %d", device.MaxKeySlot, c.Device.KeySlot)
	}
	slots := map[string]int{
		"device.root_slot":   c.Device.RootSlot,
		"device.signer_slot": c.Device.SignerSlot,
		"device.device_slot": c.Device.DeviceSlot,
	}
	for _, field := range []string{"device.root_slot", "device.signer_slot", "device.device_slot"} {
		if slots[field] < 0 {
			add(field, "must not be negative, got %d", slots[field])
		}
	}
	if c.Device.RootSlot == c.Device.SignerSlot || c.Device.RootSlot == c.Device.DeviceSlot || c.Device.SignerSlot == c.Device.DeviceSlot {
		add("device", "certificate slots must be distinct")
	}

	if c.Backup.URI == "" {
		add("backup.uri", "is required")
	}
	if (c.Manifest.File == "") != (c.Manifest.CACert == "") {
		add("manifest", "file and ca_cert must be set together")
	}

	if c.Token.TTL != "" {
		if ttl, err := time.ParseDuration(c.Token.TTL); err != nil {
			add("token.ttl", "invalid duration %q", c.Token.TTL)
		} else if ttl <= 0 {
			add("token.ttl", "must be positive, got %s", ttl)
		}
	}

	if _, err := resolver.PolicyFor(c.Policy.Vendor); err != nil {
		add("policy.vendor", "%v", err)
	}

	if c.Log.Level != "" {
		var level slog.Level
		if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
			add("log.level", "unknown level %q", c.Log.Level)
		}
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		add("log.format", "must be text or json, got %q", c.Log.Format)
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}
