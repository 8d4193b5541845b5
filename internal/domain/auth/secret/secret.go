// Package secret generates the random credentials handed out by the server.
package secret

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
)

// TokenBytes is the entropy of opaque tokens (256 bits).
const TokenBytes = 32

// Prefixes used for the different credential kinds.
const (
	PrefixClientID     = "cmail_client_"
	PrefixClientSecret = "cmail_secret_"
	PrefixAccess       = "cmail_access_"
	PrefixRefresh      = "cmail_refresh_"
	PrefixCode         = ""
)

// Hex returns n random bytes hex encoded.
func Hex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Token returns prefix followed by 64 random hex characters.
func Token(prefix string) (string, error) {
	h, err := Hex(TokenBytes)
	if err != nil {
		return "", err
	}
	return prefix + h, nil
}

// ClientSecret returns a client secret short enough to be bcrypt hashed
// (192 bits, 61 bytes).
func ClientSecret() (string, error) {
	h, err := Hex(24)
	if err != nil {
		return "", err
	}
	return PrefixClientSecret + h, nil
}

// Numeric returns a uniformly random decimal string of exactly digits digits,
// leading zeros included.
func Numeric(digits int) (string, error) {
	if digits < 1 || digits > 18 {
		return "", fmt.Errorf("unsupported code length %d", digits)
	}
	limit := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(digits)), nil)
	n, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return "", fmt.Errorf("generate numeric code: %w", err)
	}
	return fmt.Sprintf("%0*d", digits, n.Int64()), nil
}
