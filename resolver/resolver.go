// Package resolver derives a verified certificate chain for a secure element.
//
// Resolution tries three sources in order and stops at the first that yields
// a chain:
//
//  1. the chain stored in the device's own slots, validated in memory;
//  2. the backup store, keyed by the device serial number;
//  3. a signed manifest, whose recovered signer and device certificates are
//     written back into the device's slots.
//
// # States
//
//	DEVICE_READ -> CHAIN_VALID -> RESOLVED
//	DEVICE_READ -> CHAIN_ABSENT -> BACKUP_LOOKUP -> FOUND -> RESOLVED
//	BACKUP_LOOKUP -> MISSING -> MANIFEST_PROMPT -> RECOVERED -> DEVICE_WRITE -> RESOLVED
//	MANIFEST_PROMPT -> ABORT
//
// A backup hit is trusted without re-validation because records are only
// saved after a chain validated. This is a trust-on-first-use assumption.
//
// # Usage
//
//	sess := resolver.NewSession(dev, store, log)
//	defer sess.Close()
//	res, err := resolver.New(resolver.Options{
//		Manifest: resolver.ManifestFiles{ManifestPath: "manifest.json", CAPath: "manifest_ca.crt"},
//	}).Resolve(ctx, sess)
package resolver

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shanmugav/Azure-Sam-Iot-PnP/certs"
	"github.com/shanmugav/Azure-Sam-Iot-PnP/chain"
	"github.com/shanmugav/Azure-Sam-Iot-PnP/device"
	"github.com/shanmugav/Azure-Sam-Iot-PnP/manifest"
)

// ErrTrustUnrecoverable is terminal for the session: no source produced a chain.
var ErrTrustUnrecoverable = errors.New("trust chain unrecoverable")

// State is a step of the resolution state machine.
type State string

const (
	StateDeviceRead     State = "DEVICE_READ"
	StateChainValid     State = "CHAIN_VALID"
	StateChainAbsent    State = "CHAIN_ABSENT"
	StateBackupLookup   State = "BACKUP_LOOKUP"
	StateFound          State = "FOUND"
	StateMissing        State = "MISSING"
	StateManifestPrompt State = "MANIFEST_PROMPT"
	StateRecovered      State = "RECOVERED"
	StateAbort          State = "ABORT"
	StateDeviceWrite    State = "DEVICE_WRITE"
	StateResolved       State = "RESOLVED"
)

// Options configures a Resolver.
type Options struct {
	// Layout defaults to device.DefaultLayout.
	Layout device.Layout
	// KeySlot selects the manifest key entry to recover.
	KeySlot int
	// Manifest is consulted when device and backup both miss. Nil aborts.
	Manifest ManifestSource
	// Policy defaults to no vendor checks.
	Policy Policy
	// RestoreBackup writes a backup hit into the device slots.
	RestoreBackup bool
}

// Resolver runs the resolution state machine.
type Resolver struct {
	opts Options
}

// New returns a resolver for opts.
func New(opts Options) *Resolver {
	if opts.Layout == (device.Layout{}) {
		opts.Layout = device.DefaultLayout
	}
	if opts.Policy == nil {
		opts.Policy = noPolicy{}
	}
	return &Resolver{opts: opts}
}

// run tracks one Resolve call.
type run struct {
	r      *Resolver
	sess   *Session
	log    *slog.Logger
	serial []byte
	trace  []State
}

func (u *run) enter(s State, args ...any) {
	u.trace = append(u.trace, s)
	u.log.Info("trust resolver transition", append([]any{slog.String("state", string(s))}, args...)...)
}

// Resolve derives a verified chain for the session's device.
func (r *Resolver) Resolve(ctx context.Context, sess *Session) (*Resolution, error) {
	if sess == nil || sess.Device == nil {
		return nil, errors.New("session with a device is required")
	}
	serial, err := sess.Device.SerialNumber()
	if err != nil {
		return nil, fmt.Errorf("failed to read serial number: %w", err)
	}
	u := &run{
		r:      r,
		sess:   sess,
		log:    sess.Log.With(slog.String("serial", hex.EncodeToString(serial))),
		serial: serial,
	}

	if res, err := u.fromDevice(ctx); res != nil || err != nil {
		return res, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if res, err := u.fromBackup(ctx); res != nil || err != nil {
		return res, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return u.fromManifest(ctx)
}

func (u *run) fromDevice(ctx context.Context) (*Resolution, error) {
	u.enter(StateDeviceRead)
	bundle, err := u.readSlots()
	if err == nil {
		_, err = chain.Validate(bundle)
	}
	if err != nil {
		args := []any{slog.String("reason", err.Error())}
		if stage, ok := chain.StageOf(err); ok {
			args = append(args, slog.String("stage", string(stage)))
		}
		u.enter(StateChainAbsent, args...)
		return nil, nil
	}

	u.enter(StateChainValid)
	if err := u.r.opts.Policy.Check(bundle); err != nil {
		return nil, err
	}
	u.seedBackup(ctx, bundle)
	return u.resolved(bundle, SourceDevice), nil
}

func (u *run) fromBackup(ctx context.Context) (*Resolution, error) {
	u.enter(StateBackupLookup)
	if u.sess.Store == nil {
		u.enter(StateMissing, slog.String("reason", "no backup store"))
		return nil, nil
	}
	bundle, err := u.sess.Store.Fetch(ctx, u.serial)
	if err != nil {
		return nil, fmt.Errorf("failed to query backup store: %w", err)
	}
	if bundle == nil {
		u.enter(StateMissing)
		return nil, nil
	}

	u.enter(StateFound)
	if err := u.r.opts.Policy.Check(*bundle); err != nil {
		return nil, err
	}
	if u.r.opts.RestoreBackup {
		u.enter(StateDeviceWrite)
		if err := u.writeSlots(*bundle); err != nil {
			return nil, err
		}
	}
	return u.resolved(*bundle, SourceBackup), nil
}

func (u *run) fromManifest(ctx context.Context) (*Resolution, error) {
	u.enter(StateManifestPrompt)
	if u.r.opts.Manifest == nil {
		return nil, u.abort(errors.New("no manifest supplied"))
	}
	doc, ca, err := u.r.opts.Manifest.Manifest(ctx)
	if err != nil {
		return nil, u.abort(err)
	}
	id := hex.EncodeToString(u.serial)
	bundle, err := manifest.FindByUniqueID(doc, ca, id, u.r.opts.KeySlot, u.log)
	if err != nil {
		return nil, u.abort(err)
	}
	if bundle == nil {
		return nil, u.abort(fmt.Errorf("%w: uniqueId %s slot %d", manifest.ErrEntryNotFound, id, u.r.opts.KeySlot))
	}
	if _, err := chain.Validate(*bundle); err != nil {
		return nil, u.abort(err)
	}
	if err := u.r.opts.Policy.Check(*bundle); err != nil {
		return nil, u.abort(err)
	}
	u.enter(StateRecovered)

	u.enter(StateDeviceWrite)
	if err := u.writeSlots(*bundle); err != nil {
		return nil, err
	}
	u.saveBackup(ctx, *bundle)
	return u.resolved(*bundle, SourceManifest), nil
}

func (u *run) abort(cause error) error {
	u.enter(StateAbort, slog.String("reason", cause.Error()))
	return fmt.Errorf("%w: %w", ErrTrustUnrecoverable, cause)
}

func (u *run) resolved(bundle certs.Bundle, source Source) *Resolution {
	u.enter(StateResolved, slog.String("source", string(source)))
	return &Resolution{
		bundle:    bundle,
		source:    source,
		trace:     u.trace,
		serial:    u.serial,
		sessionID: u.sess.ID,
	}
}

// readSlots loads the chain from the device. An empty root slot yields a
// bundle without root.
func (u *run) readSlots() (certs.Bundle, error) {
	dev, layout := u.sess.Device, u.r.opts.Layout
	var bundle certs.Bundle

	rootDER, err := dev.ReadCert(layout.Root)
	switch {
	case errors.Is(err, device.ErrSlotEmpty):
	case err != nil:
		return bundle, err
	default:
		if bundle.Root, err = certs.ParseDER(rootDER); err != nil {
			return bundle, fmt.Errorf("root slot: %w", err)
		}
	}

	signerDER, err := dev.ReadCert(layout.Signer)
	if err != nil {
		return bundle, err
	}
	if bundle.Signer, err = certs.ParseDER(signerDER); err != nil {
		return bundle, fmt.Errorf("signer slot: %w", err)
	}

	deviceDER, err := dev.ReadCert(layout.Device)
	if err != nil {
		return bundle, err
	}
	if bundle.Device, err = certs.ParseDER(deviceDER); err != nil {
		return bundle, fmt.Errorf("device slot: %w", err)
	}
	return bundle, nil
}

type snapshot struct {
	tpl   device.SlotTemplate
	der   []byte
	known bool
}

func (u *run) snapshot(tpl device.SlotTemplate) snapshot {
	der, err := u.sess.Device.ReadCert(tpl)
	switch {
	case err == nil:
		return snapshot{tpl: tpl, der: der, known: true}
	case errors.Is(err, device.ErrSlotEmpty):
		return snapshot{tpl: tpl, known: true}
	default:
		u.log.Warn("cannot snapshot slot before write", slog.String("slot", tpl.String()), slog.String("err", err.Error()))
		return snapshot{tpl: tpl}
	}
}

type slotWrite struct {
	tpl device.SlotTemplate
	der []byte
}

// writeSlots writes signer then device, then fixes up the root slot. If a
// write fails, every slot touched so far is restored from its snapshot.
func (u *run) writeSlots(bundle certs.Bundle) error {
	layout := u.r.opts.Layout
	steps := []slotWrite{
		{layout.Signer, bundle.Signer.DER()},
		{layout.Device, bundle.Device.DER()},
	}
	if step, ok := u.rootWrite(bundle); ok {
		steps = append(steps, step)
	}

	var taken []snapshot
	for _, step := range steps {
		taken = append(taken, u.snapshot(step.tpl))
		if err := u.sess.Device.WriteCert(step.tpl, step.der); err != nil {
			u.rollback(taken)
			return fmt.Errorf("failed to write %s certificate: %w", step.tpl.Name, err)
		}
		if len(step.der) == 0 {
			u.log.Info("cleared certificate slot", slog.String("slot", step.tpl.String()))
			continue
		}
		u.log.Info("wrote certificate slot", slog.String("slot", step.tpl.String()), slog.Int("size", len(step.der)))
	}
	return nil
}

// rootWrite returns the root slot write that keeps the stored chain valid for
// the next read: the bundle root when it carries one, otherwise a clear of a
// stored root that does not validate over the new signer and device.
func (u *run) rootWrite(bundle certs.Bundle) (slotWrite, bool) {
	tpl := u.r.opts.Layout.Root
	if bundle.Root != nil {
		return slotWrite{tpl, bundle.Root.DER()}, true
	}
	der, err := u.sess.Device.ReadCert(tpl)
	switch {
	case errors.Is(err, device.ErrSlotEmpty):
		return slotWrite{}, false
	case err != nil:
		u.log.Warn("root slot unreadable, clearing", slog.String("err", err.Error()))
		return slotWrite{tpl, nil}, true
	}
	root, err := certs.ParseDER(der)
	if err == nil {
		_, err = chain.Validate(certs.Bundle{Root: root, Signer: bundle.Signer, Device: bundle.Device})
	}
	if err != nil {
		u.log.Warn("stale root slot, clearing", slog.String("reason", err.Error()))
		return slotWrite{tpl, nil}, true
	}
	return slotWrite{}, false
}

func (u *run) rollback(taken []snapshot) {
	for i := len(taken) - 1; i >= 0; i-- {
		s := taken[i]
		if !s.known {
			u.log.Error("slot left in unknown state", slog.String("slot", s.tpl.String()))
			continue
		}
		if err := u.sess.Device.WriteCert(s.tpl, s.der); err != nil {
			u.log.Error("failed to roll back slot", slog.String("slot", s.tpl.String()), slog.String("err", err.Error()))
			continue
		}
		u.log.Warn("rolled back slot", slog.String("slot", s.tpl.String()))
	}
}

// seedBackup saves a validated device chain when the store has no record.
func (u *run) seedBackup(ctx context.Context, bundle certs.Bundle) {
	if u.sess.Store == nil {
		return
	}
	existing, err := u.sess.Store.Fetch(ctx, u.serial)
	if err != nil {
		u.log.Warn("backup lookup failed", slog.String("err", err.Error()))
		return
	}
	if existing != nil {
		return
	}
	u.saveBackup(ctx, bundle)
}

func (u *run) saveBackup(ctx context.Context, bundle certs.Bundle) {
	if u.sess.Store == nil {
		return
	}
	if err := u.sess.Store.Save(ctx, u.serial, bundle); err != nil {
		u.log.Warn("failed to save backup", slog.String("err", err.Error()))
		return
	}
	u.log.Info("saved certificate backup")
}
