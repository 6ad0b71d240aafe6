package resolver

import (
	"context"
	"fmt"

	"github.com/shanmugav/Azure-Sam-Iot-PnP/certs"
	"github.com/shanmugav/Azure-Sam-Iot-PnP/manifest"
)

// ManifestSource supplies a manifest and the CA that signed it. It is only
// consulted when neither the device nor the backup store holds a chain.
type ManifestSource interface {
	Manifest(ctx context.Context) (*manifest.Document, *certs.Certificate, error)
}

// ManifestFunc adapts a function to ManifestSource.
type ManifestFunc func(ctx context.Context) (*manifest.Document, *certs.Certificate, error)

func (f ManifestFunc) Manifest(ctx context.Context) (*manifest.Document, *certs.Certificate, error) {
	return f(ctx)
}

// ManifestFiles reads the manifest JSON and the CA certificate from disk.
type ManifestFiles struct {
	ManifestPath string
	CAPath       string
}

func (m ManifestFiles) Manifest(ctx context.Context) (*manifest.Document, *certs.Certificate, error) {
	if m.ManifestPath == "" || m.CAPath == "" {
		return nil, nil, fmt.Errorf("manifest file and manifest CA certificate are required")
	}
	doc, err := manifest.ParseFile(m.ManifestPath)
	if err != nil {
		return nil, nil, err
	}
	ca, err := certs.Load(m.CAPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load manifest CA: %w", err)
	}
	return doc, ca, nil
}

// StaticManifest serves an already parsed manifest.
type StaticManifest struct {
	Doc *manifest.Document
	CA  *certs.Certificate
}

func (m StaticManifest) Manifest(context.Context) (*manifest.Document, *certs.Certificate, error) {
	return m.Doc, m.CA, nil
}
