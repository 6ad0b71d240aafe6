package resolver

import (
	"bytes"
	"slices"

	"github.com/google/uuid"

	"github.com/shanmugav/Azure-Sam-Iot-PnP/certs"
)

// Source names where a resolved chain came from.
type Source string

const (
	SourceDevice   Source = "device"
	SourceBackup   Source = "backup"
	SourceManifest Source = "manifest"
)

// Resolution is a verified chain. Only Resolve creates one, so holding a
// Resolution proves resolution ran first.
type Resolution struct {
	bundle    certs.Bundle
	source    Source
	trace     []State
	serial    []byte
	sessionID uuid.UUID
}

// Bundle returns the resolved chain.
func (r *Resolution) Bundle() certs.Bundle { return r.bundle }

// DeviceCert returns the resolved device certificate.
func (r *Resolution) DeviceCert() *certs.Certificate { return r.bundle.Device }

// Source reports which source produced the chain.
func (r *Resolution) Source() Source { return r.source }

// Trace returns the states visited, ending in RESOLVED.
func (r *Resolution) Trace() []State { return slices.Clone(r.trace) }

// Serial returns the device serial number.
func (r *Resolution) Serial() []byte { return bytes.Clone(r.serial) }

// SessionID returns the session that produced the resolution.
func (r *Resolution) SessionID() uuid.UUID { return r.sessionID }
