package manifest

import (
	"crypto/sha256"
	"encoding/base64"

	"github.com/shanmugav/Azure-Sam-Iot-PnP/certs"
)

// Thumbprint computes the base64url SHA-256 thumbprint of the CA certificate,
// as carried in the x5t#S256 header.
func Thumbprint(ca *certs.Certificate) string {
	sum := sha256.Sum256(ca.DER())
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
