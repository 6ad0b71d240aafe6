package crypto

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/asn1"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return key
}

// asn1Signature mirrors the DER layout with encoding/asn1 to cross-check cryptobyte output.
type asn1Signature struct {
	R, S *big.Int
}

func TestParseRS(t *testing.T) {
	tests := []struct {
		name    string
		raw     []byte
		wantErr bool
	}{
		{"valid 64 bytes", make([]byte, 64), false},
		{"too short", make([]byte, 63), true},
		{"too long", make([]byte, 65), true},
		{"empty", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseRS(tt.raw)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidSignature)
				return
			}
			assert.NoError(t, err)
		})
	}

	t.Run("splits r and s", func(t *testing.T) {
		raw := make([]byte, 64)
		raw[31] = 0x01
		raw[63] = 0x02
		sig, err := ParseRS(raw)
		require.NoError(t, err)
		r, s := sig.Ints()
		assert.Equal(t, int64(1), r.Int64())
		assert.Equal(t, int64(2), s.Int64())
		assert.Equal(t, raw, sig.Bytes())
	})
}

func TestNewSignatureRS(t *testing.T) {
	tests := []struct {
		name    string
		r, s    *big.Int
		wantErr bool
	}{
		{"small values", big.NewInt(12345), big.NewInt(67890), false},
		{"zero values", big.NewInt(0), big.NewInt(0), false},
		{"nil values", nil, nil, true},
		{"negative", big.NewInt(-1), big.NewInt(1), true},
		{"oversized", new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewSignatureRS(tt.r, tt.s)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestSignatureDER(t *testing.T) {
	key := newTestKey(t)
	digest := Digest([]byte("test data"))

	sig, err := SignPrehashed(rand.Reader, key, digest)
	require.NoError(t, err)

	der, err := sig.DER()
	require.NoError(t, err)

	t.Run("matches encoding/asn1", func(t *testing.T) {
		var parsed asn1Signature
		rest, err := asn1.Unmarshal(der, &parsed)
		require.NoError(t, err)
		assert.Empty(t, rest)
		r, s := sig.Ints()
		assert.Equal(t, 0, r.Cmp(parsed.R))
		assert.Equal(t, 0, s.Cmp(parsed.S))
	})

	t.Run("accepted by ecdsa.VerifyASN1", func(t *testing.T) {
		assert.True(t, ecdsa.VerifyASN1(&key.PublicKey, digest, der))
	})

	t.Run("parses back to the same signature", func(t *testing.T) {
		back, err := ParseDERSignature(der)
		require.NoError(t, err)
		assert.Equal(t, sig, back)
	})

	t.Run("high bit components get a leading zero", func(t *testing.T) {
		var high SignatureRS
		high.R[0] = 0x80
		high.S[0] = 0xff
		der, err := high.DER()
		require.NoError(t, err)
		var parsed asn1Signature
		_, err = asn1.Unmarshal(der, &parsed)
		require.NoError(t, err)
		assert.Equal(t, 1, parsed.R.Sign())
		assert.Equal(t, 1, parsed.S.Sign())
	})
}

func TestParseDERSignature(t *testing.T) {
	tests := []struct {
		name string
		der  []byte
	}{
		{"empty", nil},
		{"not a sequence", []byte{0x02, 0x01, 0x01}},
		{"trailing data", []byte{0x30, 0x06, 0x02, 0x01, 0x01, 0x02, 0x01, 0x01, 0x00}},
		{"missing s", []byte{0x30, 0x03, 0x02, 0x01, 0x01}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseDERSignature(tt.der)
			assert.ErrorIs(t, err, ErrInvalidSignature)
		})
	}
}

func TestVerifyPrehashed(t *testing.T) {
	key := newTestKey(t)
	digest := Digest([]byte("challenge"))

	sig, err := SignPrehashed(nil, key, digest)
	require.NoError(t, err)

	t.Run("valid signature", func(t *testing.T) {
		assert.True(t, VerifyPrehashed(&key.PublicKey, digest, sig))
	})

	t.Run("wrong digest", func(t *testing.T) {
		assert.False(t, VerifyPrehashed(&key.PublicKey, Digest([]byte("other")), sig))
	})

	t.Run("wrong key", func(t *testing.T) {
		other := newTestKey(t)
		assert.False(t, VerifyPrehashed(&other.PublicKey, digest, sig))
	})

	t.Run("digest is not hashed again", func(t *testing.T) {
		assert.False(t, VerifyPrehashed(&key.PublicKey, Digest(digest), sig))
	})

	t.Run("flipped byte", func(t *testing.T) {
		bad := sig
		bad.S[5] ^= 0x01
		assert.False(t, VerifyPrehashed(&key.PublicKey, digest, bad))
	})

	t.Run("nil key", func(t *testing.T) {
		assert.False(t, VerifyPrehashed(nil, digest, sig))
	})

	t.Run("short digest", func(t *testing.T) {
		assert.False(t, VerifyPrehashed(&key.PublicKey, digest[:31], sig))
	})
}

func TestSignPrehashed(t *testing.T) {
	key := newTestKey(t)

	_, err := SignPrehashed(nil, key, []byte("short"))
	assert.Error(t, err)
}
