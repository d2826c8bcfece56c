package store

import (
	"sort"
	"time"

	"github.com/cliswitch/cliswitch/internal/provider"
)

// Account records one stored credential bundle. ID is canonical and globally
// unique per (service, underlying identity); RootPath exclusively owns the
// directory holding the bundle.
type Account struct {
	ID        string            `json:"id"`
	Service   provider.Provider `json:"service"`
	Label     string            `json:"label,omitempty"`
	RootPath  string            `json:"rootPath"`
	UpdatedAt time.Time         `json:"updatedAt"`
}

// Profile is a named pointer set, one optional account pointer per provider.
// Pointers are not validated eagerly; a dangling pointer is a switch-time
// warning, not a load-time error.
type Profile struct {
	Name            string `json:"name"`
	ClaudeAccountID string `json:"claudeAccountId,omitempty"`
	CodexAccountID  string `json:"codexAccountId,omitempty"`
	GeminiAccountID string `json:"geminiAccountId,omitempty"`
}

// AccountFor returns the profile's pointer for the given provider.
func (p *Profile) AccountFor(svc provider.Provider) string {
	switch svc {
	case provider.Claude:
		return p.ClaudeAccountID
	case provider.Codex:
		return p.CodexAccountID
	case provider.Gemini:
		return p.GeminiAccountID
	}
	return ""
}

// SetAccountFor sets the profile's pointer for the given provider.
func (p *Profile) SetAccountFor(svc provider.Provider, id string) {
	switch svc {
	case provider.Claude:
		p.ClaudeAccountID = id
	case provider.Codex:
		p.CodexAccountID = id
	case provider.Gemini:
		p.GeminiAccountID = id
	}
}

// Snapshot is the single persisted root: all accounts plus all profiles,
// read-modify-written as a whole on every mutation.
type Snapshot struct {
	Accounts []Account `json:"accounts"`
	Profiles []Profile `json:"profiles"`
}

// FindAccount returns a pointer into Accounts for the given id, or nil.
func (s *Snapshot) FindAccount(id string) *Account {
	for i := range s.Accounts {
		if s.Accounts[i].ID == id {
			return &s.Accounts[i]
		}
	}
	return nil
}

// UpsertAccount inserts or replaces the account with the same id.
func (s *Snapshot) UpsertAccount(acc Account) {
	for i := range s.Accounts {
		if s.Accounts[i].ID == acc.ID {
			s.Accounts[i] = acc
			return
		}
	}
	s.Accounts = append(s.Accounts, acc)
}

// RemoveAccount deletes the account with the given id, if present.
func (s *Snapshot) RemoveAccount(id string) {
	for i := range s.Accounts {
		if s.Accounts[i].ID == id {
			s.Accounts = append(s.Accounts[:i], s.Accounts[i+1:]...)
			return
		}
	}
}

// FindProfile returns a pointer into Profiles for the given name, or nil.
func (s *Snapshot) FindProfile(name string) *Profile {
	for i := range s.Profiles {
		if s.Profiles[i].Name == name {
			return &s.Profiles[i]
		}
	}
	return nil
}

// sortForSave keeps the persisted file stable across runs so it diffs
// cleanly and stays hand-editable.
func (s *Snapshot) sortForSave() {
	sort.Slice(s.Accounts, func(i, j int) bool { return s.Accounts[i].ID < s.Accounts[j].ID })
	sort.Slice(s.Profiles, func(i, j int) bool { return s.Profiles[i].Name < s.Profiles[j].Name })
}
