// Package secret resolves the shared HMAC signing key from the configured
// source: a literal value, a passphrase (stretched with HKDF), or the OS
// keyring.
package secret

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/zalando/go-keyring"
	"golang.org/x/crypto/hkdf"

	"github.com/trosyn/lansync/internal/config"
)

// ErrNotFound is returned when no secret source yields a key.
var ErrNotFound = errors.New("no shared secret available")

// keyContext binds derived keys to this protocol so a passphrase reused
// elsewhere does not produce the same HMAC key.
const keyContext = "lansync message signing v1"

// KeySize is the size in bytes of the resolved HMAC key.
const KeySize = 32

// DeriveHKDF derives n bytes from a master secret with a context string.
func DeriveHKDF(master []byte, context string, n int) ([]byte, error) {
	r := hkdf.New(sha256.New, master, nil, []byte(context))
	out := make([]byte, n)
	_, err := io.ReadFull(r, out)
	return out, err
}

// Resolve returns the signing key for the given security config. Sources are
// tried in order: literal shared secret, passphrase, OS keyring. When nothing
// is configured and auth is not required, Resolve returns (nil, nil) and
// signing is disabled.
func Resolve(sec config.SecurityConfig) ([]byte, error) {
	if sec.SharedSecret != "" {
		return []byte(sec.SharedSecret), nil
	}
	if sec.Passphrase != "" {
		key, err := DeriveHKDF([]byte(sec.Passphrase), keyContext, KeySize)
		if err != nil {
			return nil, fmt.Errorf("deriving key from passphrase: %w", err)
		}
		return key, nil
	}
	if sec.KeyringService != "" && sec.KeyringUser != "" {
		v, err := keyring.Get(sec.KeyringService, sec.KeyringUser)
		if err == nil && v != "" {
			return []byte(v), nil
		}
		if err != nil && !errors.Is(err, keyring.ErrNotFound) {
			return nil, fmt.Errorf("keyring lookup: %w", err)
		}
	}
	if sec.RequireAuth {
		return nil, ErrNotFound
	}
	return nil, nil
}

// Store saves the shared secret in the OS keyring.
func Store(service, user string, key []byte) error {
	if err := keyring.Set(service, user, string(key)); err != nil {
		return fmt.Errorf("keyring store: %w", err)
	}
	return nil
}
