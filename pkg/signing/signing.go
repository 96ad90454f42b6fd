package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"io"

	"golang.org/x/crypto/hkdf"
)

// KeySize is the length of a derived key in bytes.
const KeySize = 32

// SecretSize is the length of the per-boot shared secret in bytes.
const SecretSize = 16

// SignatureLen is the length of an encoded signature.
var SignatureLen = base64.StdEncoding.EncodedLen(sha256.Size)

// Signing errors.
var (
	ErrInvalidKey    = errors.New("invalid signing key")
	ErrInvalidSecret = errors.New("invalid shared secret")
)

var derivationInfo = []byte("hublink derived key v1")

// Key is a derived signing key. A nil Key means "no key": nothing is signed
// and nothing verifies.
type Key []byte

// Valid reports whether k has the derived key length.
func (k Key) Valid() bool {
	return len(k) == KeySize
}

// Text returns the lower-case hex form of the key.
func (k Key) Text() string {
	return hex.EncodeToString(k)
}

// Equal reports whether two keys are identical.
func (k Key) Equal(other Key) bool {
	return hmac.Equal(k, other)
}

// Derive computes the session key for a shared secret and hub serial.
func Derive(secret []byte, serial string) (Key, error) {
	if len(secret) != SecretSize {
		return nil, ErrInvalidSecret
	}
	r := hkdf.New(sha256.New, secret, []byte(serial), derivationInfo)
	key := make(Key, KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}

// Sign returns the base64 HMAC-SHA256 of data under key, or "" for a nil key.
func Sign(key Key, data []byte) string {
	if key == nil {
		return ""
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Verify checks sig against data under each candidate key in order and
// returns the first key that matches.
func Verify(candidates []Key, data []byte, sig string) (Key, bool) {
	want, err := base64.StdEncoding.DecodeString(sig)
	if err != nil || len(want) != sha256.Size {
		return nil, false
	}
	for _, key := range candidates {
		if key == nil {
			continue
		}
		mac := hmac.New(sha256.New, key)
		mac.Write(data)
		if hmac.Equal(mac.Sum(nil), want) {
			return key, true
		}
	}
	return nil, false
}
