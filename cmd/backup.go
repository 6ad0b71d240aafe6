package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/shanmugav/Azure-Sam-Iot-PnP/backup"
	"github.com/shanmugav/Azure-Sam-Iot-PnP/logging"
)

// BackupCommand creates the backup commands
func BackupCommand() *cli.Command {
	return &cli.Command{
		Name:  "backup",
		Usage: "Inspect the certificate backup store",
		Commands: []*cli.Command{
			backupListCommand(),
		},
	}
}

func backupListCommand() *cli.Command {
	return &cli.Command{
		Name:  "list",
		Usage: "List every saved certificate bundle",
		Flags: append(configFlags(),
			&cli.StringFlag{
				Name:  "backup",
				Usage: "Backup store URI (file://, sqlite://, mem://)",
			},
			&cli.BoolFlag{
				Name:  "json",
				Usage: "Output in JSON format",
			},
		),
		Action: runBackupListCommand,
	}
}

type backupRecord struct {
	Serial  string    `json:"serial"`
	Device  string    `json:"device"`
	Signer  string    `json:"signer"`
	Root    string    `json:"root,omitempty"`
	SavedAt time.Time `json:"savedAt"`
}

func runBackupListCommand(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log, closer, err := logging.New(cfg.Log.Logging())
	if err != nil {
		return err
	}
	defer closer.Close()

	store, err := backup.Open(cfg.Backup.URI, logging.WithComponent(log, "backup"))
	if err != nil {
		return fmt.Errorf("failed to open backup store: %w", err)
	}
	defer store.Close()

	records, err := store.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list backup store: %w", err)
	}

	out := make([]backupRecord, 0, len(records))
	for _, r := range records {
		br := backupRecord{
			Serial:  serialHex(r.Serial),
			Device:  r.Bundle.Device.Subject(),
			Signer:  r.Bundle.Signer.Subject(),
			SavedAt: r.SavedAt.UTC(),
		}
		if r.Bundle.Root != nil {
			br.Root = r.Bundle.Root.Subject()
		}
		out = append(out, br)
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

	fmt.Fprintf(w, "=== Backup Store (%d records) ===\n", len(out))
	for _, r := range out {
		fmt.Fprintf(w, "%s  %s  %s\n", r.Serial, r.SavedAt.Format(time.RFC3339), r.Device)
	}
	return nil
}
