package cmd

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/urfave/cli/v3"

	"github.com/shanmugav/Azure-Sam-Iot-PnP/backup"
	"github.com/shanmugav/Azure-Sam-Iot-PnP/config"
	"github.com/shanmugav/Azure-Sam-Iot-PnP/device"
	"github.com/shanmugav/Azure-Sam-Iot-PnP/logging"
	"github.com/shanmugav/Azure-Sam-Iot-PnP/resolver"
)

// configFlags are accepted by every command that loads a configuration.
func configFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "config",
			Usage: "Path to a .toml, .yaml or .json configuration file",
		},
		&cli.StringFlag{
			Name:  "log-level",
			Usage: "Log level (debug, info, warn, error)",
		},
		&cli.StringFlag{
			Name:  "log-format",
			Usage: "Log format (text, json)",
		},
	}
}

// deviceFlags select the element and the resolution sources.
func deviceFlags() []cli.Flag {
	return append(configFlags(),
		&cli.StringFlag{
			Name:  "device",
			Usage: "Serial device of the secure element link",
		},
		&cli.IntFlag{
			Name:  "baud",
			Usage: "Baud rate of the link (0 leaves the line untouched)",
		},
		&cli.BoolFlag{
			Name:  "simulate",
			Usage: "Use an in-process software element with a freshly issued chain",
		},
		&cli.IntFlag{
			Name:  "key-slot",
			Usage: "Private key slot",
		},
		&cli.StringFlag{
			Name:  "backup",
			Usage: "Backup store URI (file://, sqlite://, mem://)",
		},
		&cli.StringFlag{
			Name:  "manifest",
			Usage: "Manifest JSON file used when device and backup miss",
		},
		&cli.StringFlag{
			Name:  "manifest-ca",
			Usage: "Certificate of the CA that signed the manifest",
		},
		&cli.StringFlag{
			Name:  "vendor",
			Usage: "Cloud vendor policy (none, aws, azure, gcp, iotconnect)",
		},
		&cli.BoolFlag{
			Name:  "restore-backup",
			Usage: "Write a chain recovered from the backup store back into the device slots",
		},
	)
}

// loadConfig reads --config and applies the flags that were set.
func loadConfig(cmd *cli.Command) (*config.Config, error) {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	str := func(flag string, dst *string) {
		if cmd.IsSet(flag) {
			*dst = cmd.String(flag)
		}
	}
	num := func(flag string, dst *int) {
		if cmd.IsSet(flag) {
			*dst = int(cmd.Int(flag))
		}
	}
	str("log-level", &cfg.Log.Level)
	str("log-format", &cfg.Log.Format)
	str("device", &cfg.Device.Path)
	num("baud", &cfg.Device.Baud)
	num("key-slot", &cfg.Device.KeySlot)
	str("backup", &cfg.Backup.URI)
	str("manifest", &cfg.Manifest.File)
	str("manifest-ca", &cfg.Manifest.CACert)
	str("vendor", &cfg.Policy.Vendor)
	str("audience", &cfg.Token.Audience)
	str("ttl", &cfg.Token.TTL)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid flags: %w", err)
	}
	return cfg, nil
}

// env is everything a device command needs, opened from flags and config.
type env struct {
	cfg     *config.Config
	log     *slog.Logger
	session *resolver.Session
	closers []io.Closer
}

func openEnv(ctx context.Context, cmd *cli.Command) (*env, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	log, logCloser, err := logging.New(cfg.Log.Logging())
	if err != nil {
		return nil, err
	}
	e := &env{cfg: cfg, log: log, closers: []io.Closer{logCloser}}

	dev, devCloser, err := openDevice(ctx, cmd.Bool("simulate"), cfg, log)
	if err != nil {
		e.Close()
		return nil, err
	}
	e.closers = append(e.closers, devCloser)

	store, err := backup.Open(cfg.Backup.URI, logging.WithComponent(log, "backup"))
	if err != nil {
		e.Close()
		return nil, fmt.Errorf("failed to open backup store: %w", err)
	}
	e.session = resolver.NewSession(dev, store, log)
	return e, nil
}

// Close releases the session, the device and the log file in reverse order.
func (e *env) Close() error {
	var errs []error
	if e.session != nil {
		errs = append(errs, e.session.Close())
	}
	for i := len(e.closers) - 1; i >= 0; i-- {
		errs = append(errs, e.closers[i].Close())
	}
	return errors.Join(errs...)
}

// resolve runs the trust resolver with the options derived from the config.
func (e *env) resolve(ctx context.Context, cmd *cli.Command) (*resolver.Resolution, error) {
	policy, err := resolver.PolicyFor(e.cfg.Policy.Vendor)
	if err != nil {
		return nil, err
	}
	opts := resolver.Options{
		Layout:        e.cfg.Layout(),
		KeySlot:       e.cfg.Device.KeySlot,
		Policy:        policy,
		RestoreBackup: cmd.Bool("restore-backup"),
	}
	if e.cfg.Manifest.File != "" {
		opts.Manifest = resolver.ManifestFiles{ManifestPath: e.cfg.Manifest.File, CAPath: e.cfg.Manifest.CACert}
	}
	res, err := resolver.New(opts).Resolve(ctx, e.session)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve trust chain: %w", err)
	}
	return res, nil
}

func openDevice(ctx context.Context, simulate bool, cfg *config.Config, log *slog.Logger) (device.KeySlotDevice, io.Closer, error) {
	if simulate {
		sim, err := startSimulator(ctx, simulatorSerial, cfg.Layout(), cfg.Device.KeySlot, logging.WithComponent(log, "simulator"))
		if err != nil {
			return nil, nil, err
		}
		return sim.Link, sim, nil
	}
	port, err := device.OpenSerial(cfg.Device.Path, cfg.Device.Baud)
	if err != nil {
		return nil, nil, err
	}
	link := device.NewLink(port)
	return link, link, nil
}

func writer(cmd *cli.Command) io.Writer {
	if w := cmd.Root().Writer; w != nil {
		return w
	}
	return io.Discard
}

func serialHex(serial []byte) string {
	return hex.EncodeToString(serial)
}
