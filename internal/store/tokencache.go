package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
)

// TokenEntry is a separately scoped long-lived credential for one account,
// not used for routine fetching. Enabled lets a user toggle it off without
// deleting the token.
type TokenEntry struct {
	Token   string `json:"token"`
	Enabled bool   `json:"enabled"`
}

// LoadTokens reads the long-lived token cache keyed by account id. A legacy
// flat {id: token} file is transparently upgraded to {id: {token, enabled}}
// and rewritten once; upgraded entries default to enabled.
func (s *Store) LoadTokens() (map[string]TokenEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	path := filepath.Join(s.root, tokensFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return map[string]TokenEntry{}, nil
		}
		return nil, fmt.Errorf("store: read token cache: %w", err)
	}
	raw := map[string]json.RawMessage{}
	if err = json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("store: parse token cache: %w", err)
	}
	entries := make(map[string]TokenEntry, len(raw))
	migrated := false
	for id, msg := range raw {
		var entry TokenEntry
		if errEntry := json.Unmarshal(msg, &entry); errEntry == nil {
			entries[id] = entry
			continue
		}
		var legacy string
		if errLegacy := json.Unmarshal(msg, &legacy); errLegacy != nil {
			return nil, fmt.Errorf("store: token cache entry %s is neither object nor string", id)
		}
		entries[id] = TokenEntry{Token: legacy, Enabled: true}
		migrated = true
	}
	if migrated {
		if errSave := s.saveTokensLocked(entries); errSave != nil {
			return nil, errSave
		}
		log.Debug("store: migrated legacy token cache format")
	}
	return entries, nil
}

// SaveTokens atomically overwrites the long-lived token cache.
func (s *Store) SaveTokens(entries map[string]TokenEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveTokensLocked(entries)
}

func (s *Store) saveTokensLocked(entries map[string]TokenEntry) error {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("store: marshal token cache: %w", err)
	}
	path := filepath.Join(s.root, tokensFileName)
	if err = writeFileAtomic(path, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("store: write token cache: %w", err)
	}
	return nil
}
