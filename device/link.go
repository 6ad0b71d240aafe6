package device

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/shanmugav/Azure-Sam-Iot-PnP/crypto"
)

// Protocol command codes.
//
// Request frame:  CMD (1) | SLOT (1) | LEN (2, big endian) | PAYLOAD (LEN)
// Response frame: STATUS (1) | LEN (2, big endian) | PAYLOAD (LEN)
const (
	CmdSerial    = 0x01
	CmdSign      = 0x02
	CmdReadCert  = 0x03
	CmdWriteCert = 0x04
)

// Protocol status codes.
const (
	StatusOK          = 0x00
	StatusInvalidCmd  = 0x01
	StatusInvalidSlot = 0x02
	StatusSignError   = 0x03
	StatusIOError     = 0x04
	StatusSlotEmpty   = 0x05
)

const maxPayload = 0xffff

// StatusError is a non-OK status reported by the remote element.
type StatusError struct {
	Status byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("element returned status 0x%02x", e.Status)
}

// Link talks to an element over a point-to-point byte stream.
type Link struct {
	port io.ReadWriter
}

// NewLink returns a client for the element at the other end of port.
func NewLink(port io.ReadWriter) *Link {
	return &Link{port: port}
}

func (l *Link) SerialNumber() ([]byte, error) {
	resp, err := l.transact(CmdSerial, 0, nil)
	if err != nil {
		return nil, ioError("serial", 0, err)
	}
	return resp, nil
}

// SignDigest sends the digest to the element. Any failure, including transport
// errors, is reported as ErrSignFailure.
func (l *Link) SignDigest(slot int, digest []byte) (crypto.SignatureRS, error) {
	if slot < 0 || slot > MaxKeySlot {
		return crypto.SignatureRS{}, signError(slot, fmt.Errorf("invalid key slot: %d (must be 0-%d)", slot, MaxKeySlot))
	}
	if len(digest) != crypto.DigestSize {
		return crypto.SignatureRS{}, signError(slot, fmt.Errorf("invalid digest length: expected %d bytes, got %d", crypto.DigestSize, len(digest)))
	}
	resp, err := l.transact(CmdSign, byte(slot), digest)
	if err != nil {
		return crypto.SignatureRS{}, signError(slot, err)
	}
	sig, err := crypto.ParseRS(resp)
	if err != nil {
		return crypto.SignatureRS{}, signError(slot, err)
	}
	return sig, nil
}

func (l *Link) ReadCert(tpl SlotTemplate) ([]byte, error) {
	if err := checkSlot(tpl.Slot); err != nil {
		return nil, ioError("read", tpl.Slot, err)
	}
	resp, err := l.transact(CmdReadCert, byte(tpl.Slot), nil)
	if err != nil {
		return nil, ioError("read", tpl.Slot, err)
	}
	return resp, nil
}

func (l *Link) WriteCert(tpl SlotTemplate, der []byte) error {
	if err := checkSlot(tpl.Slot); err != nil {
		return ioError("write", tpl.Slot, err)
	}
	if _, err := l.transact(CmdWriteCert, byte(tpl.Slot), der); err != nil {
		return ioError("write", tpl.Slot, err)
	}
	return nil
}

// Close closes the port if it supports closing.
func (l *Link) Close() error {
	if c, ok := l.port.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func (l *Link) transact(cmd, slot byte, payload []byte) ([]byte, error) {
	if err := writeFrame(l.port, cmd, slot, payload); err != nil {
		return nil, fmt.Errorf("failed to send command 0x%02x: %w", cmd, err)
	}
	status, resp, err := readResponse(l.port)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	switch status {
	case StatusOK:
		return resp, nil
	case StatusSlotEmpty:
		return nil, ErrSlotEmpty
	default:
		return nil, &StatusError{Status: status}
	}
}

// ServeLink answers framed requests on port with dev until the peer closes
// the stream or ctx is cancelled. Cancellation is observed between frames;
// close port to interrupt a blocked read.
func ServeLink(ctx context.Context, port io.ReadWriter, dev KeySlotDevice) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		cmd, slot, payload, err := readRequest(port)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				return nil
			}
			return fmt.Errorf("failed to read request: %w", err)
		}

		status, resp := handle(dev, cmd, int(slot), payload)
		if err := writeResponse(port, status, resp); err != nil {
			return fmt.Errorf("failed to write response: %w", err)
		}
	}
}

func handle(dev KeySlotDevice, cmd byte, slot int, payload []byte) (byte, []byte) {
	switch cmd {
	case CmdSerial:
		serial, err := dev.SerialNumber()
		if err != nil {
			return statusFor(err), nil
		}
		return StatusOK, serial
	case CmdSign:
		if slot > MaxKeySlot {
			return StatusInvalidSlot, nil
		}
		sig, err := dev.SignDigest(slot, payload)
		if err != nil {
			return statusFor(err), nil
		}
		return StatusOK, sig.Bytes()
	case CmdReadCert:
		der, err := dev.ReadCert(SlotTemplate{Name: "remote", Slot: slot})
		if err != nil {
			return statusFor(err), nil
		}
		return StatusOK, der
	case CmdWriteCert:
		if err := dev.WriteCert(SlotTemplate{Name: "remote", Slot: slot}, payload); err != nil {
			return statusFor(err), nil
		}
		return StatusOK, nil
	default:
		return StatusInvalidCmd, nil
	}
}

func statusFor(err error) byte {
	switch {
	case errors.Is(err, ErrSlotEmpty):
		return StatusSlotEmpty
	case errors.Is(err, ErrSignFailure):
		return StatusSignError
	default:
		return StatusIOError
	}
}

func checkSlot(slot int) error {
	if slot < 0 || slot > 0xff {
		return fmt.Errorf("invalid slot: %d", slot)
	}
	return nil
}

func writeFrame(w io.Writer, cmd, slot byte, payload []byte) error {
	if len(payload) > maxPayload {
		return fmt.Errorf("payload of %d bytes exceeds frame limit", len(payload))
	}
	frame := make([]byte, 4+len(payload))
	frame[0] = cmd
	frame[1] = slot
	binary.BigEndian.PutUint16(frame[2:4], uint16(len(payload)))
	copy(frame[4:], payload)
	_, err := w.Write(frame)
	return err
}

func readRequest(r io.Reader) (cmd, slot byte, payload []byte, err error) {
	var hdr [4]byte
	if _, err = io.ReadFull(r, hdr[:]); err != nil {
		return 0, 0, nil, err
	}
	payload, err = readPayload(r, binary.BigEndian.Uint16(hdr[2:4]))
	return hdr[0], hdr[1], payload, err
}

func writeResponse(w io.Writer, status byte, payload []byte) error {
	if len(payload) > maxPayload {
		status, payload = StatusIOError, nil
	}
	frame := make([]byte, 3+len(payload))
	frame[0] = status
	binary.BigEndian.PutUint16(frame[1:3], uint16(len(payload)))
	copy(frame[3:], payload)
	_, err := w.Write(frame)
	return err
}

func readResponse(r io.Reader) (byte, []byte, error) {
	var hdr [3]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, err
	}
	payload, err := readPayload(r, binary.BigEndian.Uint16(hdr[1:3]))
	return hdr[0], payload, err
}

func readPayload(r io.Reader, n uint16) ([]byte, error) {
	if n == 0 {
		return nil, nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
