package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/watthour/gridmarket/internal/domain"
)

// Credentials is the durable part of a session: enough to resume after a
// process restart without re-joining.
type Credentials struct {
	Market   string      `json:"market"`
	Role     domain.Role `json:"role"`
	Identity string      `json:"identity"`
	Token    string      `json:"token"`
}

// CredentialStore persists exactly one set of credentials on disk. A client
// holds one logical session at a time, so saving overwrites.
type CredentialStore struct {
	path string
}

// NewCredentialStore stores credentials at path, creating parent directories
// on first save.
func NewCredentialStore(path string) *CredentialStore {
	return &CredentialStore{path: path}
}

// Save writes the credentials, replacing whatever was stored before.
func (s *CredentialStore) Save(c Credentials) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create credential dir: %w", err)
	}
	raw, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode credentials: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("write credentials: %w", err)
	}
	return os.Rename(tmp, s.path)
}

// Load reads the stored credentials. It returns domain.ErrNotFound when
// nothing has been saved yet.
func (s *CredentialStore) Load() (Credentials, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Credentials{}, domain.ErrNotFound
		}
		return Credentials{}, fmt.Errorf("read credentials: %w", err)
	}
	var c Credentials
	if err := json.Unmarshal(raw, &c); err != nil {
		return Credentials{}, fmt.Errorf("decode credentials: %w", err)
	}
	return c, nil
}

// Clear removes the stored credentials, used when the session expires or the
// server bans the identity.
func (s *CredentialStore) Clear() error {
	err := os.Remove(s.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("clear credentials: %w", err)
	}
	return nil
}
