package manifest

import (
	"fmt"
	"log/slog"
	"strconv"

	"github.com/shanmugav/Azure-Sam-Iot-PnP/certs"
)

// FindByUniqueID returns the signer and device certificates registered under
// keySlot for the first verified entry whose uniqueId equals id. The match is
// exact and case-sensitive. A miss, including a matching entry without the
// slot, is reported as a nil bundle and a nil error.
func FindByUniqueID(doc *Document, ca *certs.Certificate, id string, keySlot int, log *slog.Logger) (*certs.Bundle, error) {
	it := doc.Iterator(ca, log)
	for it.Next() {
		entry := it.Entry()
		if entry.UniqueID != id {
			continue
		}
		signer, device, ok := entry.Chain(strconv.Itoa(keySlot))
		if !ok {
			return nil, nil
		}
		return &certs.Bundle{Signer: signer, Device: device}, nil
	}
	if err := it.Err(); err != nil {
		return nil, err
	}
	return nil, nil
}

// FindByUniqueIDStrict is FindByUniqueID with a miss reported as ErrEntryNotFound.
func FindByUniqueIDStrict(doc *Document, ca *certs.Certificate, id string, keySlot int, log *slog.Logger) (*certs.Bundle, error) {
	bundle, err := FindByUniqueID(doc, ca, id, keySlot, log)
	if err != nil {
		return nil, err
	}
	if bundle == nil {
		return nil, fmt.Errorf("%w: uniqueId %q slot %d", ErrEntryNotFound, id, keySlot)
	}
	return bundle, nil
}

// Find parses data and looks up id. Malformed input yields ErrFormatInvalid.
func Find(data []byte, ca *certs.Certificate, id string, keySlot int, log *slog.Logger) (*certs.Bundle, error) {
	doc, err := Parse(data)
	if err != nil {
		return nil, err
	}
	return FindByUniqueID(doc, ca, id, keySlot, log)
}
