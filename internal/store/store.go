// Package store persists the account snapshot, per-account credential
// bundles and the two display caches under a single root directory. Every
// write is atomic (temp file + rename); a missing file reads as an empty
// value while I/O failures and malformed JSON are hard errors, since a
// silently defaulted snapshot risks data loss.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/cliswitch/cliswitch/internal/provider"
)

const (
	snapshotFileName   = "accounts.json"
	identitiesFileName = "usage-identities.json"
	tokensFileName     = "claude-code-tokens.json"
	accountsDirName    = "accounts"
)

// Store is a handle on one on-disk credential store. All logical operations
// are serialized through an internal mutex so concurrent callers never
// interleave read-modify-write cycles on the same file.
type Store struct {
	mu   sync.Mutex
	root string
}

// Open creates (if needed) and returns a store rooted at dir.
func Open(dir string) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("store: root directory is empty")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("store: create root: %w", err)
	}
	return &Store{root: dir}, nil
}

// Root returns the store's root directory.
func (s *Store) Root() string { return s.root }

// AccountDir returns the bundle directory owned by the given account id.
func (s *Store) AccountDir(id string) string {
	return filepath.Join(s.root, accountsDirName, id)
}

// BundlePath returns the credential file path for an account and provider.
func (s *Store) BundlePath(id string, p provider.Provider) string {
	return filepath.Join(s.AccountDir(id), p.BundleRelPath())
}

// LoadSnapshot reads accounts.json. A missing file yields an empty snapshot;
// unreadable or malformed content is a hard error.
func (s *Store) LoadSnapshot() (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadSnapshotLocked()
}

func (s *Store) loadSnapshotLocked() (*Snapshot, error) {
	path := filepath.Join(s.root, snapshotFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &Snapshot{}, nil
		}
		return nil, fmt.Errorf("store: read snapshot: %w", err)
	}
	var snap Snapshot
	if err = json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("store: parse snapshot: %w", err)
	}
	return &snap, nil
}

// SaveSnapshot atomically overwrites accounts.json with the full snapshot,
// pretty-printed for hand editing.
func (s *Store) SaveSnapshot(snap *Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveSnapshotLocked(snap)
}

func (s *Store) saveSnapshotLocked(snap *Snapshot) error {
	if snap == nil {
		return fmt.Errorf("store: snapshot is nil")
	}
	snap.sortForSave()
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("store: marshal snapshot: %w", err)
	}
	path := filepath.Join(s.root, snapshotFileName)
	if err = writeFileAtomic(path, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("store: write snapshot: %w", err)
	}
	return nil
}

// Update runs fn against the current snapshot and persists the result, all
// under the store lock, giving callers a race-free read-modify-write.
func (s *Store) Update(fn func(*Snapshot) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, err := s.loadSnapshotLocked()
	if err != nil {
		return err
	}
	if err = fn(snap); err != nil {
		return err
	}
	return s.saveSnapshotLocked(snap)
}

// LoadProfiles is a convenience view over the snapshot's profiles.
func (s *Store) LoadProfiles() ([]Profile, error) {
	snap, err := s.LoadSnapshot()
	if err != nil {
		return nil, err
	}
	return snap.Profiles, nil
}

// ReadBundle reads the stored credential payload for an account.
func (s *Store) ReadBundle(id string, p provider.Provider) ([]byte, error) {
	data, err := os.ReadFile(s.BundlePath(id, p))
	if err != nil {
		return nil, fmt.Errorf("store: read bundle %s/%s: %w", id, p, err)
	}
	return data, nil
}

// WriteBundle atomically writes the credential payload for an account with
// owner-only permissions.
func (s *Store) WriteBundle(id string, p provider.Provider, payload []byte) error {
	if err := writeFileAtomic(s.BundlePath(id, p), payload, 0o600); err != nil {
		return fmt.Errorf("store: write bundle %s/%s: %w", id, p, err)
	}
	return nil
}

// ListBundles returns the account ids that currently have a bundle file on
// disk for the given provider, regardless of snapshot state.
func (s *Store) ListBundles(p provider.Provider) ([]string, error) {
	dir := filepath.Join(s.root, accountsDirName)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: list bundles: %w", err)
	}
	var ids []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if _, errStat := os.Stat(s.BundlePath(entry.Name(), p)); errStat == nil {
			ids = append(ids, entry.Name())
		}
	}
	return ids, nil
}

// MoveAccountDir relocates a whole bundle directory to the target id's
// directory. Directory moves are preferred over file-by-file copies so a
// crash cannot leave a partial bundle behind.
func (s *Store) MoveAccountDir(oldID, newID string) error {
	oldDir := s.AccountDir(oldID)
	newDir := s.AccountDir(newID)
	if err := os.MkdirAll(filepath.Dir(newDir), 0o700); err != nil {
		return fmt.Errorf("store: create accounts dir: %w", err)
	}
	if err := os.Rename(oldDir, newDir); err != nil {
		return fmt.Errorf("store: move account dir %s -> %s: %w", oldID, newID, err)
	}
	log.Debugf("store: moved account dir %s -> %s", oldID, newID)
	return nil
}

// RemoveAccountDir deletes an account's bundle directory.
func (s *Store) RemoveAccountDir(id string) error {
	if err := os.RemoveAll(s.AccountDir(id)); err != nil {
		return fmt.Errorf("store: remove account dir %s: %w", id, err)
	}
	return nil
}
