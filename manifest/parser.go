package manifest

import (
	"bytes"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/go-jose/go-jose/v4"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/shanmugav/Azure-Sam-Iot-PnP/certs"
)

const documentSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "array",
	"items": {"type": "object"}
}`

var schema = jsonschema.MustCompileString("manifest.schema.json", documentSchema)

// Parse checks the top-level shape of a manifest. Records are not decoded.
func Parse(data []byte) (*Document, error) {
	var instance any
	if err := json.Unmarshal(data, &instance); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormatInvalid, err)
	}
	if err := schema.Validate(instance); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormatInvalid, err)
	}

	var records []json.RawMessage
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormatInvalid, err)
	}
	return &Document{records: records}, nil
}

// ParseFile reads and parses a manifest file.
func ParseFile(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	return Parse(data)
}

// Iterator decodes and verifies entries one at a time. It cannot be rewound;
// call Document.Iterator again for a fresh pass.
type Iterator struct {
	doc      *Document
	ca       *certs.Certificate
	caPub    *ecdsa.PublicKey
	thumb    string
	log      *slog.Logger
	next     int
	entry    *Entry
	rejected []*EntryError
	err      error
}

// Iterator returns a new pass over the document verified against ca.
func (d *Document) Iterator(ca *certs.Certificate, log *slog.Logger) *Iterator {
	if log == nil {
		log = slog.Default()
	}
	it := &Iterator{doc: d, ca: ca, log: log}
	if d == nil {
		it.err = fmt.Errorf("%w: no document", ErrFormatInvalid)
		return it
	}
	if ca == nil {
		it.err = fmt.Errorf("manifest CA certificate is required")
		return it
	}
	pub, err := ca.PublicKey()
	if err != nil {
		it.err = fmt.Errorf("failed to use manifest CA key: %w", err)
		return it
	}
	it.caPub = pub
	it.thumb = Thumbprint(ca)
	return it
}

// Next advances to the next verified entry. Rejected entries are skipped.
func (it *Iterator) Next() bool {
	it.entry = nil
	if it.err != nil {
		return false
	}
	for it.next < len(it.doc.records) {
		index := it.next
		it.next++

		entry, err := it.decode(index, it.doc.records[index])
		if err != nil {
			rej := &EntryError{Index: index, Reason: err}
			it.rejected = append(it.rejected, rej)
			it.log.Warn("rejected manifest entry", "index", index, "reason", err)
			continue
		}
		it.entry = entry
		return true
	}
	return false
}

// Entry returns the entry produced by the last successful Next.
func (it *Iterator) Entry() *Entry {
	return it.entry
}

// Rejected returns the entries skipped so far.
func (it *Iterator) Rejected() []*EntryError {
	return it.rejected
}

// Err returns a fatal iteration error, such as an unusable CA key.
func (it *Iterator) Err() error {
	return it.err
}

func (it *Iterator) decode(index int, raw json.RawMessage) (*Entry, error) {
	jws, err := jose.ParseSigned(string(bytes.TrimSpace(raw)), []jose.SignatureAlgorithm{jose.ES256})
	if err != nil {
		return nil, fmt.Errorf("failed to parse JWS: %w", err)
	}
	if len(jws.Signatures) != 1 {
		return nil, fmt.Errorf("%w: expected one signature, got %d", ErrSignatureInvalid, len(jws.Signatures))
	}
	protected := jws.Signatures[0].Protected
	if v, ok := protected.ExtraHeaders[HeaderThumbprint]; ok {
		thumb, _ := v.(string)
		if strings.TrimRight(thumb, "=") != it.thumb {
			return nil, ErrThumbprintMismatch
		}
	}

	body, err := jws.Verify(it.caPub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}

	var p payload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPayloadInvalid, err)
	}
	if p.UniqueID == "" {
		return nil, fmt.Errorf("%w: missing uniqueId", ErrPayloadInvalid)
	}

	entry := &Entry{
		Index:    index,
		UniqueID: p.UniqueID,
		KeyID:    protected.KeyID,
		slots:    make(map[string][]*certs.Certificate, len(p.PublicKeySet.Keys)),
	}
	for _, key := range p.PublicKeySet.Keys {
		list := make([]*certs.Certificate, 0, len(key.Certificates))
		for _, c := range key.Certificates {
			cert, err := certs.ParseDER(c.Raw)
			if err != nil {
				return nil, fmt.Errorf("%w: slot %q: %v", ErrPayloadInvalid, key.KeyID, err)
			}
			list = append(list, cert)
		}
		entry.slots[key.KeyID] = list
	}
	return entry, nil
}
