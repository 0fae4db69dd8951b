// Package auth persists provider credentials on disk. Tokens are stored one
// file per provider with owner-only permissions.
package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/chroniclehq/chronicle/internal/provider"
)

// ErrNoToken is returned when a provider has no stored token.
var ErrNoToken = errors.New("auth: no stored token")

// Store reads and writes OAuth tokens under a directory.
type Store struct {
	dir string
}

// NewStore creates the directory if needed and returns the store.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("auth: create dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) path(providerName string) string {
	return filepath.Join(s.dir, providerName+".json")
}

// Load returns the stored token for a provider.
func (s *Store) Load(providerName string) (*provider.OAuthToken, error) {
	data, err := os.ReadFile(s.path(providerName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoToken
		}
		return nil, fmt.Errorf("auth: read token: %w", err)
	}
	var tok provider.OAuthToken
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, fmt.Errorf("auth: parse token: %w", err)
	}
	return &tok, nil
}

// Save writes the token atomically with owner-only permissions.
func (s *Store) Save(providerName string, tok *provider.OAuthToken) error {
	data, err := json.MarshalIndent(tok, "", "  ")
	if err != nil {
		return fmt.Errorf("auth: encode token: %w", err)
	}
	tmp := s.path(providerName) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("auth: write token: %w", err)
	}
	if err := os.Rename(tmp, s.path(providerName)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("auth: replace token: %w", err)
	}
	return nil
}

// Delete removes the stored token.
func (s *Store) Delete(providerName string) error {
	err := os.Remove(s.path(providerName))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("auth: delete token: %w", err)
	}
	return nil
}

// PersistFunc adapts the store to the provider token source contract.
func (s *Store) PersistFunc(providerName string) provider.PersistFunc {
	return func(tok *provider.OAuthToken) error {
		return s.Save(providerName, tok)
	}
}
