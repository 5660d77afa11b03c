// Package auth implements the authentication service (C5): issuing,
// validating, and revoking the per-user AuthKey a private tracker
// requires on every announce/scrape.
package auth

import (
	"crypto/rand"
	"time"

	"github.com/sot-tech/chihaya-tracker/bittorrent"
	"github.com/sot-tech/chihaya-tracker/pkg/conf"
)

// KeyLen is the length of a generated AuthKey, per spec.
const KeyLen = 32

const alphanumeric = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// Errors returned by Authenticate, matching the spec's malformed/unknown/
// expired taxonomy.
var (
	ErrMalformed = bittorrent.ClientError("malformed auth key")
	ErrUnknown   = bittorrent.ClientError("unknown auth key")
	ErrExpired   = bittorrent.ClientError("auth key expired")
)

// IsAuthError reports whether err is one of the key-rejection errors
// Authenticate returns, as opposed to a transport- or storage-level
// failure. A scrape that fails with one of these must not reveal the
// rejection to the client (it should fall back to zeroed metadata)
// instead of surfacing it as a protocol error.
func IsAuthError(err error) bool {
	switch err {
	case ErrMalformed, ErrUnknown, ErrExpired:
		return true
	default:
		return false
	}
}

// Key is a single issued AuthKey. ValidUntil is the zero time if the key
// never expires.
type Key struct {
	Value      string
	ValidUntil time.Time
}

// Expired reports whether the key had already expired at instant now.
func (k Key) Expired(now time.Time) bool {
	return !k.ValidUntil.IsZero() && now.After(k.ValidUntil)
}

// Generate creates a random 32-char alphanumeric key, optionally expiring
// after lifetime (zero means the key never expires).
func Generate(lifetime time.Duration) (Key, error) {
	b := make([]byte, KeyLen)
	if _, err := rand.Read(b); err != nil {
		return Key{}, err
	}
	for i := range b {
		b[i] = alphanumeric[int(b[i])%len(alphanumeric)]
	}

	k := Key{Value: string(b)}
	if lifetime > 0 {
		k.ValidUntil = time.Now().Add(lifetime)
	}
	return k, nil
}

func isAlphanumeric(s string) bool {
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		default:
			return false
		}
	}
	return true
}

// Validate reports whether s has the shape of an AuthKey (32 alphanumeric
// characters), without consulting a Store.
func Validate(s string) error {
	if len(s) != KeyLen || !isAlphanumeric(s) {
		return ErrMalformed
	}
	return nil
}

// Store is implemented by every auth driver (static, jwt, ...): it issues
// and checks AuthKeys against whatever medium backs it.
type Store interface {
	// Authenticate reports whether key is currently valid.
	Authenticate(key string) error

	// Generate creates and persists a new Key.
	Generate(lifetime time.Duration) (Key, error)

	// Remove immediately revokes key.
	Remove(key string) error

	// List returns every currently known Key.
	List() ([]Key, error)

	// ReloadFromStore re-reads persisted keys, for drivers whose
	// backing store can change out from under the running process
	// (e.g. a whitelist edited by an admin tool).
	ReloadFromStore() error
}

// Builder constructs a Store from driver-specific configuration.
type Builder func(cfg conf.MapConfig) (Store, error)

var builders = make(map[string]Builder)

// RegisterBuilder makes an auth driver available under name.
func RegisterBuilder(name string, b Builder) {
	if _, ok := builders[name]; ok {
		panic("auth: builder already registered for " + name)
	}
	builders[name] = b
}

// NewStore builds a Store for the named driver using cfg.
func NewStore(name string, cfg conf.MapConfig) (Store, error) {
	b, ok := builders[name]
	if !ok {
		return nil, ErrUnknownDriver(name)
	}
	return b(cfg)
}

// ErrUnknownDriver is returned by NewStore when name has no registered
// Builder.
type ErrUnknownDriver string

func (e ErrUnknownDriver) Error() string { return "auth: no builder registered for " + string(e) }
