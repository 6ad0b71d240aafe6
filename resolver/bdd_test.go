//go:build bdd

package resolver_test

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/cucumber/godog"

	"github.com/shanmugav/Azure-Sam-Iot-PnP/backup"
	"github.com/shanmugav/Azure-Sam-Iot-PnP/certs"
	"github.com/shanmugav/Azure-Sam-Iot-PnP/device"
	"github.com/shanmugav/Azure-Sam-Iot-PnP/internal/pkitest"
	"github.com/shanmugav/Azure-Sam-Iot-PnP/manifest"
	"github.com/shanmugav/Azure-Sam-Iot-PnP/proof"
	"github.com/shanmugav/Azure-Sam-Iot-PnP/resolver"
	"github.com/shanmugav/Azure-Sam-Iot-PnP/token"
)

type bddContext struct {
	t *testing.T

	pki      *pkitest.PKI
	soft     *device.Soft
	store    *backup.MemoryStore
	manifest resolver.ManifestSource
	session  *resolver.Session

	res   *resolver.Resolution
	err   error
	token string
}

func (c *bddContext) reset() {
	c.pki = pkitest.New(c.t, pkitest.DefaultSerial)
	c.soft = device.NewSoft(c.pki.Serial, map[int]*ecdsa.PrivateKey{0: c.pki.Device.Key})
	c.store = backup.NewMemoryStore(quietLogger())
	c.manifest = nil
	c.session = nil
	c.res = nil
	c.err = nil
	c.token = ""
}

func (c *bddContext) anElementWithAValidChain() error {
	return device.WriteBundle(c.soft, device.DefaultLayout, c.pki.Bundle())
}

func (c *bddContext) anElementWithEmptySlots() error {
	return nil
}

func (c *bddContext) anElementWithTamperedSigner() error {
	b := c.pki.Bundle()
	b.Signer = pkitest.Tamper(c.t, b.Signer)
	return device.WriteBundle(c.soft, device.DefaultLayout, b)
}

func (c *bddContext) anEmptyBackupStore() error {
	records, err := c.store.List(context.Background())
	if err != nil {
		return err
	}
	if len(records) != 0 {
		return fmt.Errorf("expected empty store, found %d records", len(records))
	}
	return nil
}

func (c *bddContext) theBackupStoreHoldsTheChainForTheElement() error {
	return c.store.Save(context.Background(), c.pki.Serial, c.pki.BundleNoRoot())
}

func (c *bddContext) signedManifest(ca pkitest.Identity) error {
	data, err := manifest.NewBuilder(ca.Cert, ca.Key).
		Add(hex.EncodeToString(c.pki.Serial), manifest.Slot{ID: 0, Device: c.pki.Device.Cert, Signer: c.pki.Signer.Cert}).
		Marshal()
	if err != nil {
		return err
	}
	doc, err := manifest.Parse(data)
	if err != nil {
		return err
	}
	c.manifest = resolver.StaticManifest{Doc: doc, CA: c.pki.ManifestCA.Cert}
	return nil
}

func (c *bddContext) aManifestSignedByTheManifestCA() error {
	return c.signedManifest(c.pki.ManifestCA)
}

func (c *bddContext) aManifestSignedByAnUnknownCA() error {
	return c.signedManifest(pkitest.NewCA(c.t, "Rogue Manifest CA", nil))
}

func (c *bddContext) theTrustChainIsResolved() error {
	c.session = resolver.NewSession(c.soft, c.store, quietLogger())
	c.res, c.err = resolver.New(resolver.Options{Manifest: c.manifest}).Resolve(context.Background(), c.session)
	return nil
}

func (c *bddContext) resolved() error {
	if c.err != nil {
		return fmt.Errorf("resolution failed: %w", c.err)
	}
	if c.res == nil {
		return errors.New("no resolution")
	}
	return nil
}

func (c *bddContext) theResolutionSourceIs(source string) error {
	if err := c.resolved(); err != nil {
		return err
	}
	if got := string(c.res.Source()); got != source {
		return fmt.Errorf("expected source %q, got %q", source, got)
	}
	return nil
}

func (c *bddContext) theTraceIs(trace string) error {
	if err := c.resolved(); err != nil {
		return err
	}
	got := make([]string, 0, len(c.res.Trace()))
	for _, s := range c.res.Trace() {
		got = append(got, string(s))
	}
	if want := strings.Split(trace, ","); !slices.Equal(got, want) {
		return fmt.Errorf("expected trace %v, got %v", want, got)
	}
	return nil
}

func (c *bddContext) theBackupStoreHoldsTheChain() error {
	saved, err := c.store.Fetch(context.Background(), c.pki.Serial)
	if err != nil {
		return err
	}
	if saved == nil {
		return errors.New("backup store has no record for the element")
	}
	if !saved.Device.Equal(c.pki.Device.Cert) || !saved.Signer.Equal(c.pki.Signer.Cert) {
		return errors.New("backup record does not match the resolved chain")
	}
	return nil
}

func (c *bddContext) noCertificateSlotWasWritten() error {
	if c.session == nil {
		return errors.New("no session")
	}
	if n := c.session.Device.Stats().Writes; n != 0 {
		return fmt.Errorf("expected no slot writes, got %d", n)
	}
	return nil
}

func (c *bddContext) theElementSlotsHoldTheRecoveredChain() error {
	layout := device.DefaultLayout
	for _, slot := range []struct {
		tpl  device.SlotTemplate
		cert *certs.Certificate
	}{
		{layout.Signer, c.pki.Signer.Cert},
		{layout.Device, c.pki.Device.Cert},
	} {
		der, err := c.soft.ReadCert(slot.tpl)
		if err != nil {
			return err
		}
		got, err := certs.ParseDER(der)
		if err != nil {
			return fmt.Errorf("slot %s: %w", slot.tpl, err)
		}
		if !got.Equal(slot.cert) {
			return fmt.Errorf("slot %s holds %s", slot.tpl, got.Subject())
		}
	}
	return nil
}

func (c *bddContext) theElementProvesPossessionOfItsKey() error {
	if err := c.resolved(); err != nil {
		return err
	}
	result, err := proof.NewResponder(proof.Options{Log: quietLogger()}).ProvePossession(c.res, 0, c.session.Device)
	if err != nil {
		return err
	}
	if !result.Valid {
		return errors.New("proof of possession is not valid")
	}
	return nil
}

func (c *bddContext) resolutionFailsAsUnrecoverable() error {
	if c.err == nil {
		return errors.New("expected resolution to fail")
	}
	if !errors.Is(c.err, resolver.ErrTrustUnrecoverable) {
		return fmt.Errorf("expected unrecoverable trust, got %w", c.err)
	}
	return nil
}

func (c *bddContext) aTokenIsMintedForAudience(audience string) error {
	if err := c.resolved(); err != nil {
		return err
	}
	tok, err := token.NewSigner(0).Mint(c.res, audience, 0, c.session.Device, time.Now())
	if err != nil {
		return err
	}
	c.token = tok
	return nil
}

func (c *bddContext) theTokenVerifiesAgainstTheDeviceCertificate() error {
	pub, err := c.res.DeviceCert().PublicKey()
	if err != nil {
		return err
	}
	_, err = token.Verify(c.token, pub)
	return err
}

func TestBDD(t *testing.T) {
	suite := godog.TestSuite{
		ScenarioInitializer: func(sc *godog.ScenarioContext) {
			c := &bddContext{t: t}

			sc.Before(func(ctx context.Context, _ *godog.Scenario) (context.Context, error) {
				c.reset()
				return ctx, nil
			})
			sc.After(func(ctx context.Context, _ *godog.Scenario, _ error) (context.Context, error) {
				if c.session != nil {
					c.session.Close()
				}
				return ctx, nil
			})

			sc.Step(`^a secure element with a valid chain$`, c.anElementWithAValidChain)
			sc.Step(`^a secure element with empty certificate slots$`, c.anElementWithEmptySlots)
			sc.Step(`^a secure element whose signer certificate is tampered$`, c.anElementWithTamperedSigner)
			sc.Step(`^an empty backup store$`, c.anEmptyBackupStore)
			sc.Step(`^the backup store holds the chain for the element$`, c.theBackupStoreHoldsTheChainForTheElement)
			sc.Step(`^a manifest signed by the manifest CA listing the element$`, c.aManifestSignedByTheManifestCA)
			sc.Step(`^a manifest signed by an unknown CA listing the element$`, c.aManifestSignedByAnUnknownCA)
			sc.Step(`^the trust chain is resolved$`, c.theTrustChainIsResolved)
			sc.Step(`^the resolution source is "([^"]*)"$`, c.theResolutionSourceIs)
			sc.Step(`^the trace is "([^"]*)"$`, c.theTraceIs)
			sc.Step(`^the backup store holds the chain$`, c.theBackupStoreHoldsTheChain)
			sc.Step(`^no certificate slot was written$`, c.noCertificateSlotWasWritten)
			sc.Step(`^the element slots hold the recovered chain$`, c.theElementSlotsHoldTheRecoveredChain)
			sc.Step(`^the element proves possession of its key$`, c.theElementProvesPossessionOfItsKey)
			sc.Step(`^resolution fails as unrecoverable$`, c.resolutionFailsAsUnrecoverable)
			sc.Step(`^a token is minted for audience "([^"]*)"$`, c.aTokenIsMintedForAudience)
			sc.Step(`^the token verifies against the device certificate$`, c.theTokenVerifiesAgainstTheDeviceCertificate)
		},
		Options: &godog.Options{
			Format:   "pretty",
			Paths:    []string{"../features"},
			TestingT: t,
		},
	}

	if suite.Run() != 0 {
		t.Fatal("non-zero status returned, failed to run feature tests")
	}
}
