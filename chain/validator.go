// Package chain verifies root -> signer -> device certificate chains.
//
// Validation is signature-only and always runs in the same order: root
// self-signature, signer over root, device over signer. The first failing
// link is reported as a ChainInvalidError naming its Stage.
//
//	device, err := chain.Validate(bundle)
//	var invalid *chain.ChainInvalidError
//	if errors.As(err, &invalid) {
//		log.Printf("chain broken at %s", invalid.Stage)
//	}
package chain

import (
	"errors"
	"fmt"

	"github.com/shanmugav/Azure-Sam-Iot-PnP/certs"
)

// Stage names one link of the chain.
type Stage string

const (
	StageRootSelfSigned Stage = "root-self-signature"
	StageSignerOverRoot Stage = "signer-over-root"
	StageDeviceOverSign Stage = "device-over-signer"
	// StageIncomplete is reported when the signer or device is missing.
	StageIncomplete Stage = "incomplete-chain"
)

// ErrChainInvalid matches every ChainInvalidError via errors.Is.
var ErrChainInvalid = errors.New("certificate chain invalid")

// ChainInvalidError reports which link of the chain failed.
type ChainInvalidError struct {
	Stage Stage
	Err   error
}

func (e *ChainInvalidError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", ErrChainInvalid, e.Stage)
	}
	return fmt.Sprintf("%s: %s: %v", ErrChainInvalid, e.Stage, e.Err)
}

func (e *ChainInvalidError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrChainInvalid) succeed.
func (e *ChainInvalidError) Is(target error) bool { return target == ErrChainInvalid }

// Validate checks bundle and returns its device certificate.
func Validate(bundle certs.Bundle) (*certs.Certificate, error) {
	if err := bundle.Complete(); err != nil {
		return nil, &ChainInvalidError{Stage: StageIncomplete, Err: err}
	}
	if bundle.HasRoot() {
		if err := bundle.Root.VerifySignedBy(bundle.Root); err != nil {
			return nil, &ChainInvalidError{Stage: StageRootSelfSigned, Err: err}
		}
		if err := bundle.Signer.VerifySignedBy(bundle.Root); err != nil {
			return nil, &ChainInvalidError{Stage: StageSignerOverRoot, Err: err}
		}
	}
	if err := bundle.Device.VerifySignedBy(bundle.Signer); err != nil {
		return nil, &ChainInvalidError{Stage: StageDeviceOverSign, Err: err}
	}
	return bundle.Device, nil
}

// StageOf returns the failed stage carried by err, if any.
func StageOf(err error) (Stage, bool) {
	var invalid *ChainInvalidError
	if errors.As(err, &invalid) {
		return invalid.Stage, true
	}
	return "", false
}
