//go:build !linux

package device

import (
	"fmt"
	"os"
)

// OpenSerial opens a tty. Line settings are only applied on Linux, so baud
// must be zero elsewhere.
func OpenSerial(path string, baud int) (*os.File, error) {
	if baud != 0 {
		return nil, fmt.Errorf("setting baud rate is not supported on this platform")
	}
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	return f, nil
}
