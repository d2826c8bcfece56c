package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
)

// IdentityEntry is cached display identity for one account. It is never
// authoritative credential material: every field may be null and consumers
// must degrade to "unknown". Pointer fields marshal as explicit nulls so the
// on-disk format materializes the full schema and stays hand-editable.
type IdentityEntry struct {
	Email          *string  `json:"email"`
	Tier           *string  `json:"tier"`
	Plan           *string  `json:"plan"`
	ClaudeIsTeam   *bool    `json:"claudeIsTeam"`
	SessionPercent *float64 `json:"sessionPercent"`
	WeeklyPercent  *float64 `json:"weeklyPercent"`
}

// MergeFrom fills in nil fields from other, field by field. Existing
// non-nil values win over incoming ones.
func (e *IdentityEntry) MergeFrom(other IdentityEntry) {
	if e.Email == nil {
		e.Email = other.Email
	}
	if e.Tier == nil {
		e.Tier = other.Tier
	}
	if e.Plan == nil {
		e.Plan = other.Plan
	}
	if e.ClaudeIsTeam == nil {
		e.ClaudeIsTeam = other.ClaudeIsTeam
	}
	if e.SessionPercent == nil {
		e.SessionPercent = other.SessionPercent
	}
	if e.WeeklyPercent == nil {
		e.WeeklyPercent = other.WeeklyPercent
	}
}

// LoadIdentities reads the display-identity cache keyed by account id. When
// the persisted schema is older than the current one (a field was added),
// the file is rewritten once so new fields appear as explicit nulls.
func (s *Store) LoadIdentities() (map[string]IdentityEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	path := filepath.Join(s.root, identitiesFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return map[string]IdentityEntry{}, nil
		}
		return nil, fmt.Errorf("store: read identity cache: %w", err)
	}
	entries := map[string]IdentityEntry{}
	if err = json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("store: parse identity cache: %w", err)
	}
	canonical, err := marshalIdentities(entries)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(bytes.TrimSpace(data), bytes.TrimSpace(canonical)) {
		if errWrite := writeFileAtomic(path, canonical, 0o600); errWrite != nil {
			return nil, fmt.Errorf("store: upgrade identity cache: %w", errWrite)
		}
		log.Debug("store: rewrote identity cache to current schema")
	}
	return entries, nil
}

// SaveIdentities atomically overwrites the display-identity cache.
func (s *Store) SaveIdentities(entries map[string]IdentityEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := marshalIdentities(entries)
	if err != nil {
		return err
	}
	path := filepath.Join(s.root, identitiesFileName)
	if err = writeFileAtomic(path, data, 0o600); err != nil {
		return fmt.Errorf("store: write identity cache: %w", err)
	}
	return nil
}

func marshalIdentities(entries map[string]IdentityEntry) ([]byte, error) {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("store: marshal identity cache: %w", err)
	}
	return append(data, '\n'), nil
}
