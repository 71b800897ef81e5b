// Package secrets resolves the model provider's API key. A key in the
// config (normally expanded from an environment variable) wins; the OS
// keyring is the fallback.
package secrets

import (
	"errors"
	"fmt"
	"strings"

	"github.com/zalando/go-keyring"
)

// ErrNoKey means neither the config nor the keyring holds a key.
var ErrNoKey = errors.New("no API key configured")

// Store reads and writes one keyring entry.
type Store struct {
	service string
	user    string
}

// NewStore returns a store for the given keyring service and user.
func NewStore(service, user string) *Store {
	return &Store{service: service, user: user}
}

// String names the entry as service/user.
func (s *Store) String() string {
	return s.service + "/" + s.user
}

// Get returns the stored key. A missing entry is ErrNoKey.
func (s *Store) Get() (string, error) {
	key, err := keyring.Get(s.service, s.user)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return "", ErrNoKey
		}
		return "", fmt.Errorf("read keyring %s/%s: %w", s.service, s.user, err)
	}
	if strings.TrimSpace(key) == "" {
		return "", ErrNoKey
	}
	return key, nil
}

// Set stores key, replacing any previous value.
func (s *Store) Set(key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return errors.New("key cannot be empty")
	}
	if err := keyring.Set(s.service, s.user, key); err != nil {
		return fmt.Errorf("write keyring %s/%s: %w", s.service, s.user, err)
	}
	return nil
}

// Delete removes the stored key. Deleting a missing key is not an error.
func (s *Store) Delete() error {
	err := keyring.Delete(s.service, s.user)
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("delete keyring %s/%s: %w", s.service, s.user, err)
	}
	return nil
}

// Resolve returns configured if it is set, otherwise the key from the
// store. Source names where the key came from, for logging.
func Resolve(configured string, store *Store) (key, source string, err error) {
	if k := strings.TrimSpace(configured); k != "" {
		return k, "config", nil
	}
	if store == nil {
		return "", "", ErrNoKey
	}
	k, err := store.Get()
	if err != nil {
		return "", "", err
	}
	return k, "keyring", nil
}
