package security

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"

	"github.com/google/uuid"
)

const refreshTokenBytes = 40

// NewRefreshTokenValue returns 40 bytes of CSPRNG output, hex encoded.
// Uniqueness is enforced by the storage layer's index on the value.
func NewRefreshTokenValue() (string, error) {
	buf := make([]byte, refreshTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate refresh token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// NewSessionTokenValue derives a session token from a fresh random UUID.
func NewSessionTokenValue() string {
	sum := sha256.Sum256([]byte(uuid.NewString()))
	return hex.EncodeToString(sum[:])
}

// NewOTPCode draws each digit independently from a uniform 0-9
// distribution.
func NewOTPCode(digits int) (string, error) {
	if digits <= 0 {
		digits = 6
	}
	code := make([]byte, digits)
	ten := big.NewInt(10)
	for i := range code {
		n, err := rand.Int(rand.Reader, ten)
		if err != nil {
			return "", fmt.Errorf("generate otp: %w", err)
		}
		code[i] = byte('0' + n.Int64())
	}
	return string(code), nil
}
