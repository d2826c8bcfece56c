package switcher

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/cliswitch/cliswitch/internal/identity"
	"github.com/cliswitch/cliswitch/internal/merge"
	"github.com/cliswitch/cliswitch/internal/provider"
	"github.com/cliswitch/cliswitch/internal/remap"
	"github.com/cliswitch/cliswitch/internal/store"
)

// SaveResult summarizes one save operation. Warnings carry the providers
// that were skipped and why; the save still completed for the others.
type SaveResult struct {
	Profile         store.Profile
	AccountsWritten []string
	Warnings        []string
}

// Save snapshots the given credentials into the named profile. A provider
// with absent or incomplete credentials yields a warning, never an error;
// pointers for providers not present in this call are preserved on an
// existing profile.
func (sw *Switcher) Save(name string, creds Credentials) (*SaveResult, error) {
	if name == "" {
		return nil, fmt.Errorf("switcher: profile name is empty")
	}
	// The snapshot is read, mutated across bundle writes and remaps, and
	// persisted as a whole; overlapping saves would drop each other's work.
	sw.opMu.Lock()
	defer sw.opMu.Unlock()

	opID := uuid.NewString()[:8]
	logger := log.WithFields(log.Fields{"op": opID, "profile": name})

	// Cached identity data may already know a canonical id for an account
	// saved earlier under a hash id; remap first so this save cannot create
	// a second, divergent id for the same underlying account.
	if err := sw.remapFromIdentityCache(); err != nil {
		return nil, err
	}

	snap, err := sw.store.LoadSnapshot()
	if err != nil {
		return nil, err
	}

	result := &SaveResult{}
	profile := store.Profile{Name: name}
	if existing := snap.FindProfile(name); existing != nil {
		profile = *existing
	}

	for _, p := range provider.All() {
		payload := creds.For(p)
		if len(payload) == 0 {
			result.Warnings = append(result.Warnings, fmt.Sprintf("%s: no credentials provided", p))
			continue
		}
		ok, reason := provider.Usable(p, payload)
		if !ok {
			result.Warnings = append(result.Warnings, fmt.Sprintf("%s: incomplete credentials: %s", p, reason))
			continue
		}

		// A thin keystore entry picks up display metadata from a previously
		// stored bundle carrying the same refresh token.
		if p == provider.Claude {
			if fallback := merge.FindFallback(sw.store, p, payload, ""); fallback != nil {
				payload = merge.Merge(p, payload, fallback)
			}
		}

		accountID, canonical := identity.Resolve(p, payload)
		if canonical {
			if err = sw.remapSignatureMatches(snap, p, payload, accountID); err != nil {
				return nil, err
			}
		}

		if err = sw.store.WriteBundle(accountID, p, payload); err != nil {
			return nil, err
		}
		snap.UpsertAccount(store.Account{
			ID:        accountID,
			Service:   p,
			Label:     accountLabel(p, payload, accountID),
			RootPath:  sw.store.AccountDir(accountID),
			UpdatedAt: time.Now().UTC(),
		})
		profile.SetAccountFor(p, accountID)
		result.AccountsWritten = append(result.AccountsWritten, accountID)
		logger.WithFields(log.Fields{"provider": p, "account": accountID}).Info("saved credentials")

		sw.enqueueIdentityUpdate(accountID, payload)
	}

	if existing := snap.FindProfile(name); existing != nil {
		*existing = profile
	} else {
		snap.Profiles = append(snap.Profiles, profile)
	}
	if err = sw.store.SaveSnapshot(snap); err != nil {
		return nil, err
	}
	result.Profile = profile
	return result, nil
}

// remapFromIdentityCache upgrades hash-identified Claude accounts whose
// email the display cache has since learned.
func (sw *Switcher) remapFromIdentityCache() error {
	entries, err := sw.store.LoadIdentities()
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}
	snap, err := sw.store.LoadSnapshot()
	if err != nil {
		return err
	}
	mapping := map[string]string{}
	for _, acc := range snap.Accounts {
		if acc.Service != provider.Claude {
			continue
		}
		entry, ok := entries[acc.ID]
		if !ok || entry.Email == nil || *entry.Email == "" {
			continue
		}
		slug := identity.EmailSlug(*entry.Email)
		if slug == "" {
			continue
		}
		canonical := "acct_claude_" + slug
		if entry.ClaudeIsTeam != nil && *entry.ClaudeIsTeam {
			canonical = "acct_claude_team_" + slug
		}
		if canonical != acc.ID {
			mapping[acc.ID] = canonical
		}
	}
	if len(mapping) == 0 {
		return nil
	}
	if err = remap.Apply(sw.store, snap, mapping); err != nil {
		return err
	}
	return sw.store.SaveSnapshot(snap)
}

// remapSignatureMatches migrates any stored account that shares the live
// payload's signature but sits under a different (stale or hash) id.
func (sw *Switcher) remapSignatureMatches(snap *store.Snapshot, p provider.Provider, payload []byte, canonicalID string) error {
	want := provider.Signature(p, payload)
	mapping := map[string]string{}
	for _, acc := range snap.Accounts {
		if acc.Service != p || acc.ID == canonicalID {
			continue
		}
		stored, err := sw.store.ReadBundle(acc.ID, p)
		if err != nil {
			continue
		}
		if provider.Signature(p, stored) == want {
			mapping[acc.ID] = canonicalID
		}
	}
	if len(mapping) == 0 {
		return nil
	}
	return remap.Apply(sw.store, snap, mapping)
}

func accountLabel(p provider.Provider, payload []byte, fallback string) string {
	if p == provider.Claude {
		if email, ok := identity.DiscoverEmail(payload); ok {
			return email
		}
	}
	if email, state := provider.StringField(payload, "tokens.email"); state == provider.FieldPresent {
		return email
	}
	if email, state := provider.StringField(payload, "email"); state == provider.FieldPresent {
		return email
	}
	return fallback
}

// enqueueIdentityUpdate opportunistically improves the display-identity
// cache off the save path. Writes are ordered per store key and observable
// via Flush, never detached fire-and-forget work.
func (sw *Switcher) enqueueIdentityUpdate(accountID string, payload []byte) {
	email, hasEmail := identity.DiscoverEmail(payload)
	isTeam := identity.IsTeam(payload)
	if !hasEmail {
		return
	}
	sw.queue.Enqueue("identities", func() error {
		entries, err := sw.store.LoadIdentities()
		if err != nil {
			return err
		}
		entry := entries[accountID]
		incoming := store.IdentityEntry{Email: &email, ClaudeIsTeam: &isTeam}
		entry.MergeFrom(incoming)
		entries[accountID] = entry
		return sw.store.SaveIdentities(entries)
	})
}
