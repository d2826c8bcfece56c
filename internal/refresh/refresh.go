// Package refresh renews expiring OAuth credentials. Refreshes are locked
// and deduplicated per refresh-token identity rather than per account, so
// stored duplicates sharing one refresh token hit the provider exactly once;
// the renewed payload then fans out to every bundle sharing that identity.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/cliswitch/cliswitch/internal/identity"
	"github.com/cliswitch/cliswitch/internal/provider"
	"github.com/cliswitch/cliswitch/internal/store"
)

// ErrNotSupported reports a provider without a refresher registered.
var ErrNotSupported = errors.New("refresh: provider not supported")

// TokenRefresher renews one provider's credential payload.
type TokenRefresher interface {
	Provider() provider.Provider
	// Refresh exchanges the payload's refresh token for fresh tokens and
	// returns the updated payload.
	Refresh(ctx context.Context, payload []byte) ([]byte, error)
}

// Refreshed describes the outcome of one refresh operation.
type Refreshed struct {
	AccountID string
	Payload   []byte
	// FannedOut lists the other account ids that received the payload.
	FannedOut []string
}

// Coordinator serializes refreshes per identity and fans results out.
type Coordinator struct {
	store      *store.Store
	refreshers map[provider.Provider]TokenRefresher
	group      singleflight.Group

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewCoordinator builds a coordinator with the default provider refreshers.
func NewCoordinator(st *store.Store, client *http.Client) *Coordinator {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	c := &Coordinator{
		store:      st,
		refreshers: make(map[provider.Provider]TokenRefresher),
		locks:      make(map[string]*sync.Mutex),
	}
	c.Register(&claudeRefresher{client: client})
	c.Register(&codexRefresher{client: client})
	c.Register(&geminiRefresher{})
	return c
}

// Register adds or replaces the refresher for its provider.
func (c *Coordinator) Register(r TokenRefresher) {
	if r != nil {
		c.refreshers[r.Provider()] = r
	}
}

func (c *Coordinator) lockFor(key string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	mu, ok := c.locks[key]
	if !ok {
		mu = &sync.Mutex{}
		c.locks[key] = mu
	}
	return mu
}

// Refresh renews the credential behind the given account. Concurrent calls
// for accounts sharing one refresh-token identity collapse into a single
// provider round trip.
func (c *Coordinator) Refresh(ctx context.Context, accountID string) (*Refreshed, error) {
	snap, err := c.store.LoadSnapshot()
	if err != nil {
		return nil, err
	}
	acc := snap.FindAccount(accountID)
	if acc == nil {
		return nil, fmt.Errorf("refresh: account %s not found", accountID)
	}
	payload, err := c.store.ReadBundle(acc.ID, acc.Service)
	if err != nil {
		return nil, err
	}

	sig := provider.Signature(acc.Service, payload)
	key := string(acc.Service) + ":" + identity.HashPrefix(sig)

	result, err, _ := c.group.Do(key, func() (any, error) {
		mu := c.lockFor(key)
		mu.Lock()
		defer mu.Unlock()
		return c.refreshLocked(ctx, snap, *acc, payload, sig)
	})
	if err != nil {
		return nil, err
	}
	return result.(*Refreshed), nil
}

func (c *Coordinator) refreshLocked(ctx context.Context, snap *store.Snapshot, acc store.Account, payload []byte, sig string) (*Refreshed, error) {
	refresher, ok := c.refreshers[acc.Service]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotSupported, acc.Service)
	}

	renewed, err := refresher.Refresh(ctx, payload)
	if err != nil {
		return nil, fmt.Errorf("refresh: %s: %w", acc.Service, err)
	}

	if err = c.writeIfNewer(acc.ID, acc.Service, renewed); err != nil {
		return nil, err
	}

	out := &Refreshed{AccountID: acc.ID, Payload: renewed}
	for _, other := range snap.Accounts {
		if other.ID == acc.ID || other.Service != acc.Service {
			continue
		}
		otherPayload, errRead := c.store.ReadBundle(other.ID, other.Service)
		if errRead != nil {
			continue
		}
		if provider.Signature(other.Service, otherPayload) != sig {
			continue
		}
		if errWrite := c.writeIfNewer(other.ID, other.Service, renewed); errWrite != nil {
			log.WithFields(log.Fields{"account": other.ID, "error": errWrite}).Warn("refresh fan-out write failed")
			continue
		}
		out.FannedOut = append(out.FannedOut, other.ID)
	}
	if len(out.FannedOut) > 0 {
		log.WithFields(log.Fields{"provider": acc.Service, "account": acc.ID}).
			Debugf("refresh fanned out to %d duplicate account(s)", len(out.FannedOut))
	}
	return out, nil
}

// writeIfNewer writes renewed to the destination bundle unless the bundle
// already holds a credential expiring later, which would mean a racing
// writer got there with a fresher token.
func (c *Coordinator) writeIfNewer(id string, p provider.Provider, renewed []byte) error {
	newExpiry, newOK := provider.ExpirationTime(renewed)
	if existing, err := c.store.ReadBundle(id, p); err == nil {
		if curExpiry, curOK := provider.ExpirationTime(existing); curOK && newOK && !newExpiry.After(curExpiry) {
			log.WithFields(log.Fields{"account": id}).Debug("refresh skipped: destination already newer")
			return nil
		}
	}
	return c.store.WriteBundle(id, p, renewed)
}
