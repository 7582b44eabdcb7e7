package security

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
)

const (
	otpMin  = 100000
	otpSpan = 900000
	// otpAcceptBelow is the largest multiple of otpSpan that fits in 32 bits.
	otpAcceptBelow = (1 << 32) / otpSpan * otpSpan
)

// SecretGenerator produces random tokens and numeric one-time codes.
type SecretGenerator struct {
	rand io.Reader
}

// NewSecretGenerator returns a generator reading from r, or crypto/rand when r is nil.
func NewSecretGenerator(r io.Reader) *SecretGenerator {
	if r == nil {
		r = rand.Reader
	}
	return &SecretGenerator{rand: r}
}

// Token returns a base64 URL-safe random string using the specified number of random bytes.
func (g *SecretGenerator) Token(byteLength int) (string, error) {
	if byteLength <= 0 {
		return "", fmt.Errorf("length must be positive")
	}

	buf := make([]byte, byteLength)
	if _, err := io.ReadFull(g.rand, buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}

	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// NumericOTP returns a uniformly distributed six digit code in [100000, 999999].
// Draws at or above otpAcceptBelow are discarded so the modulo carries no bias.
func (g *SecretGenerator) NumericOTP() (string, error) {
	var buf [4]byte
	for {
		if _, err := io.ReadFull(g.rand, buf[:]); err != nil {
			return "", fmt.Errorf("generate code: %w", err)
		}
		v := uint64(binary.BigEndian.Uint32(buf[:]))
		if v >= otpAcceptBelow {
			continue
		}
		return strconv.FormatUint(otpMin+v%otpSpan, 10), nil
	}
}

// HashToken calculates a SHA-256 hash of the provided value.
func HashToken(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}
