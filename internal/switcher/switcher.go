// Package switcher orchestrates saving the currently active CLI credentials
// into named profiles and switching the active credentials back to a saved
// profile. Per-provider problems are collected as warnings on the operation
// result; only store-level corruption or an unknown profile name is an
// error.
package switcher

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/cliswitch/cliswitch/internal/config"
	"github.com/cliswitch/cliswitch/internal/keychain"
	"github.com/cliswitch/cliswitch/internal/merge"
	"github.com/cliswitch/cliswitch/internal/provider"
	"github.com/cliswitch/cliswitch/internal/store"
)

// ErrProfileNotFound reports a switch against an unknown profile name.
var ErrProfileNotFound = errors.New("switcher: profile not found")

// Credentials carries at most one raw credential payload per provider.
type Credentials struct {
	Claude []byte
	Codex  []byte
	Gemini []byte
}

// For returns the payload for a provider.
func (c *Credentials) For(p provider.Provider) []byte {
	switch p {
	case provider.Claude:
		return c.Claude
	case provider.Codex:
		return c.Codex
	case provider.Gemini:
		return c.Gemini
	}
	return nil
}

// Set stores the payload for a provider.
func (c *Credentials) Set(p provider.Provider, payload []byte) {
	switch p {
	case provider.Claude:
		c.Claude = payload
	case provider.Codex:
		c.Codex = payload
	case provider.Gemini:
		c.Gemini = payload
	}
}

// Switcher binds the credential store, the OS keystore and the configured
// active credential locations together. Store handles are passed in
// explicitly; there are no shared singletons.
type Switcher struct {
	store *store.Store
	keys  keychain.Keystore
	cfg   *config.Config
	queue *store.WriteQueue

	// opMu serializes whole logical operations, so two concurrent saves can
	// never interleave their snapshot read-modify-write cycles.
	opMu sync.Mutex

	identityTTL *ttlCache[store.IdentityEntry]
	usageTTL    *ttlCache[store.IdentityEntry]
}

// New constructs a switcher. keys may be nil when the Claude keystore is not
// reachable; the file fallback then carries the active Claude credential.
func New(st *store.Store, keys keychain.Keystore, cfg *config.Config) *Switcher {
	return &Switcher{
		store:       st,
		keys:        keys,
		cfg:         cfg,
		queue:       store.NewWriteQueue(),
		identityTTL: newTTLCache[store.IdentityEntry](time.Hour),
		usageTTL:    newTTLCache[store.IdentityEntry](60 * time.Second),
	}
}

// Store exposes the underlying credential store handle.
func (sw *Switcher) Store() *store.Store { return sw.store }

// Flush waits for queued background cache writes; used by tests and by the
// CLI before exiting.
func (sw *Switcher) Flush() { sw.queue.Flush() }

// InvalidateCaches drops the TTL caches, typically after an external CLI
// rewrote an active credential file.
func (sw *Switcher) InvalidateCaches() {
	sw.identityTTL.purge()
	sw.usageTTL.purge()
}

// ActivePaths lists the active credential file locations being managed.
func (sw *Switcher) ActivePaths() []string {
	return []string{
		sw.cfg.ClaudeCredentialsFile,
		sw.cfg.CodexAuthFile,
		sw.cfg.GeminiOAuthFile,
	}
}

// CollectActive reads the current credentials from every active location.
// Missing credentials are simply left nil; read failures surface as
// warnings so one broken provider never blocks the others.
func (sw *Switcher) CollectActive() (Credentials, []string) {
	var creds Credentials
	var warnings []string

	if payload, warn := sw.readActiveClaude(); warn != "" {
		warnings = append(warnings, warn)
	} else {
		creds.Claude = payload
	}
	for _, p := range []provider.Provider{provider.Codex, provider.Gemini} {
		payload, err := os.ReadFile(sw.cfg.ActiveFile(p.String()))
		if err != nil {
			if !os.IsNotExist(err) {
				warnings = append(warnings, fmt.Sprintf("%s: read active credentials: %v", p, err))
			}
			continue
		}
		creds.Set(p, payload)
	}
	return creds, warnings
}

// readActiveClaude prefers the keystore entry over the file fallback. When
// both exist the keystore entry is primary and the file enriches it through
// the merge engine, so a thin keystore payload still carries the file's
// metadata into identity resolution.
func (sw *Switcher) readActiveClaude() ([]byte, string) {
	var primary []byte
	if sw.keys != nil {
		value, err := sw.keys.Get(sw.cfg.KeychainService)
		if err == nil && value != "" {
			primary = []byte(value)
		} else if err != nil && !errors.Is(err, keychain.ErrNotFound) {
			return nil, fmt.Sprintf("claude: read keystore: %v", err)
		}
	}
	filePayload, err := os.ReadFile(sw.cfg.ClaudeCredentialsFile)
	if err != nil && !os.IsNotExist(err) {
		if primary != nil {
			return primary, ""
		}
		return nil, fmt.Sprintf("claude: read active credentials: %v", err)
	}
	if primary == nil {
		return filePayload, ""
	}
	if len(filePayload) > 0 {
		return merge.Merge(provider.Claude, primary, filePayload), ""
	}
	return primary, ""
}

// writeActive installs a payload into a provider's active location. The
// Claude credential goes to the keystore with the file as fallback copy;
// Codex and Gemini are plain files. Every write is atomic.
func (sw *Switcher) writeActive(p provider.Provider, payload []byte) error {
	if p == provider.Claude {
		if sw.keys != nil {
			if err := sw.keys.Set(sw.cfg.KeychainService, string(payload)); err != nil {
				return err
			}
		}
		return store.AtomicWriteFile(sw.cfg.ClaudeCredentialsFile, payload, 0o600)
	}
	return store.AtomicWriteFile(sw.cfg.ActiveFile(p.String()), payload, 0o600)
}
