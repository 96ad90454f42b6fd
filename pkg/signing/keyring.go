package signing

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/hublink/hublink-go/pkg/keystore"
)

// Source identifies where the current key came from.
type Source uint8

const (
	// SourceRAM is the key derived from this boot's shared secret.
	SourceRAM Source = iota

	// SourceFlash is the key the server last accepted, read from storage.
	SourceFlash
)

// String returns the source name.
func (s Source) String() string {
	switch s {
	case SourceRAM:
		return "RAM"
	case SourceFlash:
		return "FLASH"
	default:
		return "UNKNOWN"
	}
}

// KeyRing holds the per-boot secret, the key derived from it and the
// persisted key, and tracks which one is current.
type KeyRing struct {
	mu sync.RWMutex

	store  keystore.RegionStore
	serial string

	secret  []byte
	ramKey  Key
	current Source
}

// NewKeyRing draws a fresh shared secret from rand (crypto/rand if nil) and
// derives this boot's key.
func NewKeyRing(store keystore.RegionStore, serial string, random io.Reader) (*KeyRing, error) {
	if random == nil {
		random = rand.Reader
	}
	secret := make([]byte, SecretSize)
	if _, err := io.ReadFull(random, secret); err != nil {
		return nil, fmt.Errorf("draw shared secret: %w", err)
	}
	ramKey, err := Derive(secret, serial)
	if err != nil {
		return nil, err
	}
	return &KeyRing{
		store:  store,
		serial: serial,
		secret: secret,
		ramKey: ramKey,
	}, nil
}

// SecretText returns the shared secret as 32 lower-case hex digits.
func (r *KeyRing) SecretText() string {
	return fmt.Sprintf("%x", r.secret)
}

// RAMKey returns the key derived from this boot's secret.
func (r *KeyRing) RAMKey() Key {
	return r.ramKey
}

// FlashKey returns the persisted key. It reports false when no valid key is
// stored.
func (r *KeyRing) FlashKey() (Key, bool) {
	data, err := r.store.Read(keystore.RegionDerivedKey)
	if err != nil {
		return nil, false
	}
	key := Key(data)
	if !key.Valid() {
		return nil, false
	}
	return key, true
}

// Use selects the current key source. Selecting SourceFlash without a valid
// stored key falls back to SourceRAM. The selected source is returned.
func (r *KeyRing) Use(src Source) Source {
	r.mu.Lock()
	defer r.mu.Unlock()
	if src == SourceFlash {
		if _, ok := r.FlashKey(); !ok {
			src = SourceRAM
		}
	}
	r.current = src
	return src
}

// CurrentSource returns the selected key source.
func (r *KeyRing) CurrentSource() Source {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// Current returns the key of the selected source.
func (r *KeyRing) Current() Key {
	r.mu.RLock()
	src := r.current
	r.mu.RUnlock()

	if src == SourceFlash {
		if key, ok := r.FlashKey(); ok {
			return key
		}
	}
	return r.ramKey
}

// Store persists the current key. After Store the flash and RAM keys agree
// when the current source is RAM.
func (r *KeyRing) Store() error {
	key := r.Current()
	if err := r.store.Write(keystore.RegionDerivedKey, key); err != nil {
		return fmt.Errorf("store derived key: %w", err)
	}
	return nil
}

// Forget erases the persisted key.
func (r *KeyRing) Forget() error {
	err := r.store.Erase(keystore.RegionDerivedKey)
	if err != nil && !errors.Is(err, keystore.ErrRegionNotFound) {
		return err
	}
	r.mu.Lock()
	r.current = SourceRAM
	r.mu.Unlock()
	return nil
}
