// Package remap migrates accounts to newly resolved canonical ids: it moves
// bundle directories, merges duplicates that converge on the same id, and
// rewrites every cross-reference (profiles, identity cache, long-lived token
// cache) through a cycle-safe pointer resolution. Applying the same map
// twice is a no-op the second time.
package remap

import (
	"os"
	"sort"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/cliswitch/cliswitch/internal/provider"
	"github.com/cliswitch/cliswitch/internal/store"
)

// Resolve normalizes a remap map by chasing chains (old -> mid -> new) to
// their final target. An entry that participates in a cycle is dropped, so a
// cyclic map can never loop the migration below.
func Resolve(m map[string]string) map[string]string {
	resolved := make(map[string]string, len(m))
	for start := range m {
		visited := map[string]bool{start: true}
		current := start
		cyclic := false
		for {
			next, ok := m[current]
			if !ok {
				break
			}
			if visited[next] {
				cyclic = true
				break
			}
			visited[next] = true
			current = next
		}
		if cyclic || current == start {
			continue
		}
		resolved[start] = current
	}
	return resolved
}

// Apply migrates the snapshot and on-disk bundles through the resolved form
// of m. The snapshot is mutated in place; the caller persists it. After
// Apply no two accounts of the same provider share a canonical id.
func Apply(st *store.Store, snap *store.Snapshot, m map[string]string) error {
	resolved := Resolve(m)
	if len(resolved) == 0 {
		return nil
	}

	winners := pickWinners(snap, resolved)

	// Migrate bundle directories before touching the snapshot so a failed
	// move leaves the old account entry pointing at its old, intact bundle.
	for _, acc := range accountsToMove(snap, resolved) {
		target := resolved[acc.ID]
		if err := migrateBundle(st, acc, target, winners[key(acc.Service, target)] == acc.ID); err != nil {
			return err
		}
	}

	rewriteAccounts(st, snap, resolved, winners)
	rewriteProfiles(snap, resolved)

	if err := mergeIdentityCache(st, resolved); err != nil {
		return err
	}
	if err := mergeTokenCache(st, resolved); err != nil {
		return err
	}
	return nil
}

func key(p provider.Provider, id string) string { return string(p) + ":" + id }

// pickWinners groups accounts by their resolved target id and elects the
// bundle with the most recent UpdatedAt per target. Equal timestamps break
// toward the lexicographically smaller id so the election is a pure function
// of the snapshot.
func pickWinners(snap *store.Snapshot, resolved map[string]string) map[string]string {
	groups := map[string][]store.Account{}
	for _, acc := range snap.Accounts {
		target := acc.ID
		if mapped, ok := resolved[acc.ID]; ok {
			target = mapped
		}
		k := key(acc.Service, target)
		groups[k] = append(groups[k], acc)
	}
	winners := make(map[string]string, len(groups))
	for k, accs := range groups {
		sort.Slice(accs, func(i, j int) bool {
			if !accs[i].UpdatedAt.Equal(accs[j].UpdatedAt) {
				return accs[i].UpdatedAt.After(accs[j].UpdatedAt)
			}
			return accs[i].ID < accs[j].ID
		})
		winners[k] = accs[0].ID
	}
	return winners
}

func accountsToMove(snap *store.Snapshot, resolved map[string]string) []store.Account {
	var out []store.Account
	for _, acc := range snap.Accounts {
		if target, ok := resolved[acc.ID]; ok && target != acc.ID {
			out = append(out, acc)
		}
	}
	// Stable processing order keeps repeated applications deterministic.
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// migrateBundle moves a source bundle to its target directory. When the
// target directory already exists only the credential file is copied, and
// only if the source won the election; the source directory is removed
// either way.
func migrateBundle(st *store.Store, acc store.Account, target string, sourceWon bool) error {
	if _, err := os.Stat(st.AccountDir(acc.ID)); os.IsNotExist(err) {
		return nil
	}
	if _, err := os.Stat(st.AccountDir(target)); os.IsNotExist(err) {
		return st.MoveAccountDir(acc.ID, target)
	}
	if sourceWon {
		payload, err := st.ReadBundle(acc.ID, acc.Service)
		if err != nil {
			return err
		}
		if err = st.WriteBundle(target, acc.Service, payload); err != nil {
			return err
		}
		log.Debugf("remap: %s bundle won over existing %s", acc.ID, target)
	}
	return st.RemoveAccountDir(acc.ID)
}

func rewriteAccounts(st *store.Store, snap *store.Snapshot, resolved map[string]string, winners map[string]string) {
	kept := make([]store.Account, 0, len(snap.Accounts))
	seen := map[string]bool{}
	// Winners first so the surviving entry carries the winning metadata.
	ordered := append([]store.Account(nil), snap.Accounts...)
	sort.Slice(ordered, func(i, j int) bool {
		ti, tj := ordered[i].ID, ordered[j].ID
		if mapped, ok := resolved[ti]; ok {
			ti = mapped
		}
		if mapped, ok := resolved[tj]; ok {
			tj = mapped
		}
		wi := winners[key(ordered[i].Service, ti)] == ordered[i].ID
		wj := winners[key(ordered[j].Service, tj)] == ordered[j].ID
		if wi != wj {
			return wi
		}
		return ordered[i].ID < ordered[j].ID
	})
	for _, acc := range ordered {
		target := acc.ID
		if mapped, ok := resolved[acc.ID]; ok {
			target = mapped
		}
		k := key(acc.Service, target)
		if seen[k] {
			continue
		}
		seen[k] = true
		if target != acc.ID {
			acc.ID = target
			acc.RootPath = st.AccountDir(target)
			acc.UpdatedAt = time.Now().UTC()
		}
		kept = append(kept, acc)
	}
	snap.Accounts = kept
}

func rewriteProfiles(snap *store.Snapshot, resolved map[string]string) {
	for i := range snap.Profiles {
		for _, svc := range provider.All() {
			if id := snap.Profiles[i].AccountFor(svc); id != "" {
				if target, ok := resolved[id]; ok {
					snap.Profiles[i].SetAccountFor(svc, target)
				}
			}
		}
	}
}

func mergeIdentityCache(st *store.Store, resolved map[string]string) error {
	entries, err := st.LoadIdentities()
	if err != nil {
		return err
	}
	changed := false
	for old, target := range resolved {
		src, ok := entries[old]
		if !ok {
			continue
		}
		dst := entries[target]
		dst.MergeFrom(src)
		entries[target] = dst
		delete(entries, old)
		changed = true
	}
	if !changed {
		return nil
	}
	return st.SaveIdentities(entries)
}

func mergeTokenCache(st *store.Store, resolved map[string]string) error {
	entries, err := st.LoadTokens()
	if err != nil {
		return err
	}
	changed := false
	for old, target := range resolved {
		src, ok := entries[old]
		if !ok {
			continue
		}
		if dst, exists := entries[target]; !exists || dst.Token == "" {
			if exists && src.Token != "" {
				src.Enabled = src.Enabled || dst.Enabled
			}
			entries[target] = src
		}
		delete(entries, old)
		changed = true
	}
	if !changed {
		return nil
	}
	return st.SaveTokens(entries)
}
