package resolver

import (
	"log/slog"

	"github.com/google/uuid"

	"github.com/shanmugav/Azure-Sam-Iot-PnP/backup"
	"github.com/shanmugav/Azure-Sam-Iot-PnP/device"
	"github.com/shanmugav/Azure-Sam-Iot-PnP/logging"
)

// Session owns the device and backup store for one provisioning attempt.
type Session struct {
	ID     uuid.UUID
	Device *device.Serialized
	Store  backup.Store
	Log    *slog.Logger
}

// NewSession wraps dev so every hardware call goes through one critical
// section. store may be nil when no backup store is configured.
func NewSession(dev device.KeySlotDevice, store backup.Store, log *slog.Logger) *Session {
	id := uuid.New()
	return &Session{
		ID:     id,
		Device: device.NewSerialized(dev),
		Store:  store,
		Log:    logging.WithComponent(logging.WithSession(log, id), "resolver"),
	}
}

// Close releases the backup store.
func (s *Session) Close() error {
	if s.Store == nil {
		return nil
	}
	return s.Store.Close()
}
