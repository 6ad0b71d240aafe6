// Package manifest decodes signed secure element manifests.
//
// A manifest is a JSON array of flattened JWS objects. Each payload names a
// device by its unique id (the lowercase hex serial number) and carries a JWK
// set whose keys are identified by key slot. A key's x5c chain holds the
// device certificate followed by the signer certificate.
//
// # Trust
//
// Entry signatures are checked against the manifest CA certificate supplied
// by the operator, never against the device. Entries that fail verification
// are skipped and reported through Iterator.Rejected.
//
// # Example
//
//	doc, err := manifest.ParseFile("manifest.json")
//	if err != nil {
//		return err
//	}
//	bundle, err := manifest.FindByUniqueID(doc, ca, "01239a4b5c6d7e8fee", 0, log)
//	if bundle == nil && err == nil {
//		// no entry for this device
//	}
package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"

	"github.com/go-jose/go-jose/v4"

	"github.com/shanmugav/Azure-Sam-Iot-PnP/certs"
)

var (
	// ErrFormatInvalid is returned when the manifest is not an array of records.
	ErrFormatInvalid = errors.New("manifest format invalid")
	// ErrEntryNotFound is returned by FindByUniqueIDStrict on a miss.
	ErrEntryNotFound = errors.New("manifest entry not found")

	ErrSignatureInvalid   = errors.New("entry signature does not verify against manifest CA")
	ErrThumbprintMismatch = errors.New("entry x5t#S256 does not match manifest CA")
	ErrPayloadInvalid     = errors.New("entry payload invalid")
)

// HeaderThumbprint is the protected header naming the manifest CA.
const HeaderThumbprint jose.HeaderKey = "x5t#S256"

// Document is a parsed manifest. Entries are decoded lazily by Iterator.
type Document struct {
	records []json.RawMessage
}

// Len returns the number of records, accepted or not.
func (d *Document) Len() int {
	if d == nil {
		return 0
	}
	return len(d.records)
}

// Records returns the raw records in document order.
func (d *Document) Records() []json.RawMessage {
	if d == nil {
		return nil
	}
	out := make([]json.RawMessage, len(d.records))
	for i, r := range d.records {
		out[i] = slices.Clone(r)
	}
	return out
}

// Entry is a manifest record whose signature verified.
type Entry struct {
	Index    int
	UniqueID string
	KeyID    string
	slots    map[string][]*certs.Certificate
}

// SlotIDs returns the key slot ids carried by the entry in sorted order.
func (e *Entry) SlotIDs() []string {
	ids := make([]string, 0, len(e.slots))
	for id := range e.slots {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Certificates returns the x5c chain registered under slot id.
func (e *Entry) Certificates(id string) []*certs.Certificate {
	return e.slots[id]
}

// Chain returns the signer and device certificates for slot id. ok is false
// when the slot is missing or carries fewer than two certificates.
func (e *Entry) Chain(id string) (signer, device *certs.Certificate, ok bool) {
	list := e.slots[id]
	if len(list) < 2 {
		return nil, nil, false
	}
	return list[1], list[0], true
}

// EntryError records why an entry was skipped.
type EntryError struct {
	Index  int
	Reason error
}

func (e *EntryError) Error() string {
	return fmt.Sprintf("manifest entry %d: %v", e.Index, e.Reason)
}

func (e *EntryError) Unwrap() error { return e.Reason }

// payload is the signed body of an entry.
type payload struct {
	UniqueID     string             `json:"uniqueId"`
	PublicKeySet jose.JSONWebKeySet `json:"publicKeySet"`
}
