package chain_test

import (
	"errors"
	"testing"

	"github.com/shanmugav/Azure-Sam-Iot-PnP/certs"
	"github.com/shanmugav/Azure-Sam-Iot-PnP/chain"
	"github.com/shanmugav/Azure-Sam-Iot-PnP/internal/pkitest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateThreeCertificateChain(t *testing.T) {
	pki := pkitest.New(t, pkitest.DefaultSerial)

	device, err := chain.Validate(pki.Bundle())
	require.NoError(t, err)
	assert.True(t, device.Equal(pki.Device.Cert))
}

func TestValidateTwoCertificateChain(t *testing.T) {
	pki := pkitest.New(t, pkitest.DefaultSerial)

	device, err := chain.Validate(pki.BundleNoRoot())
	require.NoError(t, err)
	assert.True(t, device.Equal(pki.Device.Cert))
}

func TestValidateTamperedLinks(t *testing.T) {
	pki := pkitest.New(t, pkitest.DefaultSerial)

	tests := []struct {
		name   string
		bundle certs.Bundle
		stage  chain.Stage
	}{
		{
			name:   "tampered root",
			bundle: certs.Bundle{Root: pkitest.Tamper(t, pki.Root.Cert), Signer: pki.Signer.Cert, Device: pki.Device.Cert},
			stage:  chain.StageRootSelfSigned,
		},
		{
			name:   "tampered signer",
			bundle: certs.Bundle{Root: pki.Root.Cert, Signer: pkitest.Tamper(t, pki.Signer.Cert), Device: pki.Device.Cert},
			stage:  chain.StageSignerOverRoot,
		},
		{
			name:   "tampered device",
			bundle: certs.Bundle{Root: pki.Root.Cert, Signer: pki.Signer.Cert, Device: pkitest.Tamper(t, pki.Device.Cert)},
			stage:  chain.StageDeviceOverSign,
		},
		{
			name:   "tampered device without root",
			bundle: certs.Bundle{Signer: pki.Signer.Cert, Device: pkitest.Tamper(t, pki.Device.Cert)},
			stage:  chain.StageDeviceOverSign,
		},
		{
			name:   "root is not the signer's issuer",
			bundle: certs.Bundle{Root: pki.ManifestCA.Cert, Signer: pki.Signer.Cert, Device: pki.Device.Cert},
			stage:  chain.StageSignerOverRoot,
		},
		{
			name:   "missing device",
			bundle: certs.Bundle{Signer: pki.Signer.Cert},
			stage:  chain.StageIncomplete,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			device, err := chain.Validate(tt.bundle)
			require.Error(t, err)
			assert.Nil(t, device)
			assert.ErrorIs(t, err, chain.ErrChainInvalid)

			stage, ok := chain.StageOf(err)
			require.True(t, ok)
			assert.Equal(t, tt.stage, stage)
			assert.Contains(t, err.Error(), string(tt.stage))
		})
	}
}

func TestValidateWrongSigner(t *testing.T) {
	pki := pkitest.New(t, pkitest.DefaultSerial)
	other := pkitest.New(t, pkitest.DefaultSerial)

	for _, bundle := range []certs.Bundle{
		{Signer: other.Signer.Cert, Device: pki.Device.Cert},
		{Root: other.Root.Cert, Signer: other.Signer.Cert, Device: pki.Device.Cert},
	} {
		_, err := chain.Validate(bundle)
		stage, ok := chain.StageOf(err)
		require.True(t, ok)
		assert.Equal(t, chain.StageDeviceOverSign, stage)
	}
}

func TestValidateEverySignatureByte(t *testing.T) {
	pki := pkitest.New(t, pkitest.DefaultSerial)
	bundle := pki.Bundle()

	targets := []struct {
		stage chain.Stage
		pick  func(b *certs.Bundle) **certs.Certificate
	}{
		{chain.StageRootSelfSigned, func(b *certs.Bundle) **certs.Certificate { return &b.Root }},
		{chain.StageSignerOverRoot, func(b *certs.Bundle) **certs.Certificate { return &b.Signer }},
		{chain.StageDeviceOverSign, func(b *certs.Bundle) **certs.Certificate { return &b.Device }},
	}

	for _, target := range targets {
		original := *target.pick(&bundle)
		sigLen := len(original.X509().Signature)
		der := original.DER()

		// The signature BIT STRING content is the tail of the certificate.
		for i := len(der) - sigLen; i < len(der); i++ {
			mutated := append([]byte(nil), der...)
			mutated[i] ^= 0x01
			cert, err := certs.ParseDER(mutated)
			if err != nil {
				continue
			}
			b := bundle
			*target.pick(&b) = cert
			_, err = chain.Validate(b)
			stage, ok := chain.StageOf(err)
			require.True(t, ok, "byte %d of %s", i, target.stage)
			require.Equal(t, target.stage, stage, "byte %d", i)
		}
	}
}

func TestChainInvalidErrorUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := &chain.ChainInvalidError{Stage: chain.StageDeviceOverSign, Err: cause}
	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, err, chain.ErrChainInvalid)
}
