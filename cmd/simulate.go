package cmd

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"github.com/shanmugav/Azure-Sam-Iot-PnP/device"
	"github.com/shanmugav/Azure-Sam-Iot-PnP/internal/factory"
)

var simulatorSerial = []byte{0x01, 0x23, 0x5e, 0x1a, 0x7e, 0x00, 0x00, 0x00, 0xee}

// simulator is a software element served over an in-memory link, so every
// command exercises the same framing as real hardware.
type simulator struct {
	Link  *device.Link
	Chain *factory.Chain
	Soft  *device.Soft

	server net.Conn
	done   chan error
}

func startSimulator(ctx context.Context, serial []byte, layout device.Layout, keySlot int, log *slog.Logger) (*simulator, error) {
	chain, err := factory.NewChain(serial, "")
	if err != nil {
		return nil, fmt.Errorf("failed to issue simulated chain: %w", err)
	}
	soft := device.NewSoft(serial, map[int]*ecdsa.PrivateKey{keySlot: chain.Device.Key})
	if err := device.WriteBundle(soft, layout, chain.Bundle()); err != nil {
		return nil, fmt.Errorf("failed to load simulated chain: %w", err)
	}

	client, server := net.Pipe()
	s := &simulator{
		Link:   device.NewLink(client),
		Chain:  chain,
		Soft:   soft,
		server: server,
		done:   make(chan error, 1),
	}
	go func() { s.done <- device.ServeLink(ctx, server, soft) }()
	log.Info("simulated element started", slog.String("serial", serialHex(serial)), slog.String("cn", chain.Device.Cert.CommonName()))
	return s, nil
}

// Close hangs up the link and waits for the responder to return.
func (s *simulator) Close() error {
	err := s.Link.Close()
	served := <-s.done
	return errors.Join(err, s.server.Close(), served)
}
