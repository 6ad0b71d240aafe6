package cmd

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"slices"

	"github.com/urfave/cli/v3"

	"github.com/shanmugav/Azure-Sam-Iot-PnP/certs"
	"github.com/shanmugav/Azure-Sam-Iot-PnP/internal/factory"
	"github.com/shanmugav/Azure-Sam-Iot-PnP/keys"
	"github.com/shanmugav/Azure-Sam-Iot-PnP/logging"
	"github.com/shanmugav/Azure-Sam-Iot-PnP/manifest"
)

// ManifestCommand creates the manifest commands
func ManifestCommand() *cli.Command {
	return &cli.Command{
		Name:  "manifest",
		Usage: "Generate and inspect signed secure element manifests",
		Commands: []*cli.Command{
			manifestGenerateCommand(),
			manifestInspectCommand(),
		},
	}
}

func manifestGenerateCommand() *cli.Command {
	return &cli.Command{
		Name:  "generate",
		Usage: "Resolve the element chain and write a manifest entry signed by the manifest CA",
		Flags: append(deviceFlags(),
			&cli.StringFlag{
				Name:     "ca-cert",
				Usage:    "Manifest CA certificate (PEM or DER)",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "ca-key",
				Usage:    "Manifest CA private key",
				Required: true,
			},
			&cli.BoolFlag{
				Name:  "new-ca",
				Usage: "Issue a new manifest CA and write it to --ca-cert and --ca-key",
			},
			&cli.StringFlag{
				Name:     "out",
				Usage:    "Path of the manifest JSON file to write",
				Required: true,
			},
			&cli.BoolFlag{
				Name:  "append",
				Usage: "Keep the records of an existing manifest at --out",
			},
		),
		Action: runManifestGenerateCommand,
	}
}

func runManifestGenerateCommand(ctx context.Context, cmd *cli.Command) error {
	caCert, caKey, err := manifestCA(cmd.String("ca-cert"), cmd.String("ca-key"), cmd.Bool("new-ca"))
	if err != nil {
		return err
	}

	e, err := openEnv(ctx, cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	res, err := e.resolve(ctx, cmd)
	if err != nil {
		return err
	}
	bundle := res.Bundle()

	out := cmd.String("out")
	builder := manifest.NewBuilder(caCert, caKey)
	if cmd.Bool("append") {
		existing, err := manifest.ParseFile(out)
		switch {
		case err == nil:
			for _, record := range existing.Records() {
				builder.AddRaw(record)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return fmt.Errorf("failed to read existing manifest: %w", err)
		}
	}

	uniqueID := serialHex(res.Serial())
	builder.Add(uniqueID, manifest.Slot{ID: e.cfg.Device.KeySlot, Device: bundle.Device, Signer: bundle.Signer})
	data, err := builder.Marshal()
	if err != nil {
		return fmt.Errorf("failed to build manifest: %w", err)
	}
	if err := os.WriteFile(out, data, 0o644); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}

	w := writer(cmd)
	fmt.Fprintf(w, "=== Manifest Generated ===\n")
	fmt.Fprintf(w, "Unique ID:  %s\n", uniqueID)
	fmt.Fprintf(w, "Key Slot:   %d\n", e.cfg.Device.KeySlot)
	fmt.Fprintf(w, "Device:     %s\n", bundle.Device.Subject())
	fmt.Fprintf(w, "CA:         %s\n", caCert.Subject())
	fmt.Fprintf(w, "Thumbprint: %s\n", manifest.Thumbprint(caCert))
	fmt.Fprintf(w, "Written to: %s\n", out)
	return nil
}

// manifestCA loads the manifest CA, or issues and saves a new one.
func manifestCA(certPath, keyPath string, issue bool) (*certs.Certificate, *ecdsa.PrivateKey, error) {
	if issue {
		ca, err := factory.NewCA("Manifest CA", nil)
		if err != nil {
			return nil, nil, err
		}
		if err := os.WriteFile(certPath, ca.Cert.PEM(), 0o644); err != nil {
			return nil, nil, fmt.Errorf("failed to write manifest CA certificate: %w", err)
		}
		if err := keys.Save(keyPath, ca.Key); err != nil {
			return nil, nil, err
		}
		return ca.Cert, ca.Key, nil
	}

	caCert, err := certs.Load(certPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load manifest CA certificate: %w", err)
	}
	provider := &keys.FileKeyProvider{Path: keyPath}
	caKey, err := provider.PrivateKey(context.Background())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load manifest CA key: %w", err)
	}
	return caCert, caKey, nil
}

func manifestInspectCommand() *cli.Command {
	return &cli.Command{
		Name:  "inspect",
		Usage: "List the accepted and rejected entries of a manifest",
		Flags: append(configFlags(),
			&cli.StringFlag{
				Name:     "file",
				Usage:    "Path to the manifest JSON file",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "ca",
				Usage:    "Manifest CA certificate (PEM or DER)",
				Required: true,
			},
			&cli.BoolFlag{
				Name:  "json",
				Usage: "Output in JSON format",
			},
		),
		Action: runManifestInspectCommand,
	}
}

type inspectEntry struct {
	Index    int                 `json:"index"`
	UniqueID string              `json:"uniqueId"`
	KeyID    string              `json:"kid,omitempty"`
	Slots    map[string][]string `json:"slots"`
}

type inspectRejection struct {
	Index  int    `json:"index"`
	Reason string `json:"reason"`
}

type inspectOutput struct {
	Records    int                `json:"records"`
	Thumbprint string             `json:"caThumbprint"`
	Accepted   []inspectEntry     `json:"accepted"`
	Rejected   []inspectRejection `json:"rejected"`
}

func runManifestInspectCommand(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log, closer, err := logging.New(cfg.Log.Logging())
	if err != nil {
		return err
	}
	defer closer.Close()

	doc, err := manifest.ParseFile(cmd.String("file"))
	if err != nil {
		return fmt.Errorf("failed to parse manifest: %w", err)
	}
	ca, err := certs.Load(cmd.String("ca"))
	if err != nil {
		return fmt.Errorf("failed to load manifest CA certificate: %w", err)
	}

	out := inspectOutput{
		Records:    doc.Len(),
		Thumbprint: manifest.Thumbprint(ca),
		Accepted:   []inspectEntry{},
		Rejected:   []inspectRejection{},
	}
	it := doc.Iterator(ca, logging.WithComponent(log, "manifest"))
	for it.Next() {
		entry := it.Entry()
		ie := inspectEntry{Index: entry.Index, UniqueID: entry.UniqueID, KeyID: entry.KeyID, Slots: map[string][]string{}}
		for _, id := range entry.SlotIDs() {
			for _, c := range entry.Certificates(id) {
				ie.Slots[id] = append(ie.Slots[id], c.Subject())
			}
		}
		out.Accepted = append(out.Accepted, ie)
	}
	if err := it.Err(); err != nil {
		return err
	}
	for _, rej := range it.Rejected() {
		out.Rejected = append(out.Rejected, inspectRejection{Index: rej.Index, Reason: rej.Reason.Error()})
	}

	w := writer(cmd)
	if cmd.Bool("json") {
		jsonBytes, err := json.MarshalIndent(out, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal output: %w", err)
		}
		fmt.Fprintln(w, string(jsonBytes))
		return nil
	}

	fmt.Fprintf(w, "=== Manifest ===\n")
	fmt.Fprintf(w, "Records:       %d\n", out.Records)
	fmt.Fprintf(w, "CA Thumbprint: %s\n\n", out.Thumbprint)
	fmt.Fprintf(w, "Accepted: %d\n", len(out.Accepted))
	for _, e := range out.Accepted {
		fmt.Fprintf(w, "  [%d] %s\n", e.Index, e.UniqueID)
		for _, id := range slices.Sorted(maps.Keys(e.Slots)) {
			fmt.Fprintf(w, "      slot %s: %v\n", id, e.Slots[id])
		}
	}
	fmt.Fprintf(w, "Rejected: %d\n", len(out.Rejected))
	for _, r := range out.Rejected {
		fmt.Fprintf(w, "  [%d] %s\n", r.Index, r.Reason)
	}
	return nil
}
