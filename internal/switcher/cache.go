package switcher

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/cliswitch/cliswitch/internal/identity"
	"github.com/cliswitch/cliswitch/internal/store"
)

// ttlCache is a small content-keyed cache. Keys incorporate a digest of the
// credential content, so a rotated credential misses instead of serving the
// previous account's data under the same name.
type ttlCache[V any] struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]ttlEntry[V]
}

type ttlEntry[V any] struct {
	value   V
	expires time.Time
}

func newTTLCache[V any](ttl time.Duration) *ttlCache[V] {
	return &ttlCache[V]{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]ttlEntry[V]),
	}
}

func (c *ttlCache[V]) get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok || c.now().After(entry.expires) {
		var zero V
		delete(c.entries, key)
		return zero, false
	}
	return entry.value, true
}

func (c *ttlCache[V]) put(key string, value V) {
	c.mu.Lock()
	c.entries[key] = ttlEntry[V]{value: value, expires: c.now().Add(c.ttl)}
	c.mu.Unlock()
}

func (c *ttlCache[V]) purge() {
	c.mu.Lock()
	c.entries = make(map[string]ttlEntry[V])
	c.mu.Unlock()
}

// contentKey derives a cache key from an id plus the credential bytes.
func contentKey(id string, payload []byte) string {
	sum := sha256.Sum256(append([]byte(id+"\x00"), payload...))
	return hex.EncodeToString(sum[:16])
}

// IdentitySummary returns display identity for an account, preferring the
// persisted cache and enriching it from the payload when the payload knows
// more. Results are memoized for an hour, keyed by credential content.
func (sw *Switcher) IdentitySummary(accountID string, payload []byte) store.IdentityEntry {
	key := contentKey(accountID, payload)
	if entry, ok := sw.identityTTL.get(key); ok {
		return entry
	}
	entry := store.IdentityEntry{}
	if entries, err := sw.store.LoadIdentities(); err == nil {
		entry = entries[accountID]
	}
	if entry.Email == nil {
		if email, ok := identity.DiscoverEmail(payload); ok {
			entry.Email = &email
			isTeam := identity.IsTeam(payload)
			if entry.ClaudeIsTeam == nil {
				entry.ClaudeIsTeam = &isTeam
			}
			sw.enqueueIdentityUpdate(accountID, payload)
		}
	}
	sw.identityTTL.put(key, entry)
	return entry
}

// UsageSnapshot returns the cached usage percentages for an account. The
// fetching pipeline lives outside this core; this only reads what callers
// have cached, memoized for a minute.
func (sw *Switcher) UsageSnapshot(accountID string, payload []byte) (session, weekly *float64) {
	key := contentKey(accountID, payload)
	if entry, ok := sw.usageTTL.get(key); ok {
		return entry.SessionPercent, entry.WeeklyPercent
	}
	entry := store.IdentityEntry{}
	if entries, err := sw.store.LoadIdentities(); err == nil {
		entry = entries[accountID]
	}
	sw.usageTTL.put(key, entry)
	return entry.SessionPercent, entry.WeeklyPercent
}
