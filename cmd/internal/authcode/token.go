package authcode

import (
	"crypto/rand"
	"encoding/hex"
	"strings"

	"golang.org/x/crypto/blake2b"
)

const (
	tokenBytes = 16
	keyBytes   = 32
)

// newToken returns 2*n uppercase hex characters from crypto/rand.
func newToken(read func([]byte) (int, error), n int) (string, error) {
	b := make([]byte, n)
	if _, err := read(b); err != nil {
		return "", err
	}
	return strings.ToUpper(hex.EncodeToString(b)), nil
}

func newKey() ([]byte, error) {
	k := make([]byte, keyBytes)
	if _, err := rand.Read(k); err != nil {
		return nil, err
	}
	return k, nil
}

// digest is the map key for a token. Tokens are compared case-insensitively.
func digest(key []byte, token string) string {
	h, err := blake2b.New256(key)
	if err != nil {
		// Key length is validated in NewLedger.
		panic(err)
	}
	_, _ = h.Write([]byte(strings.ToUpper(strings.TrimSpace(token))))
	return hex.EncodeToString(h.Sum(nil))
}
