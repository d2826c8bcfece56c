package switcher

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/cliswitch/cliswitch/internal/merge"
	"github.com/cliswitch/cliswitch/internal/provider"
)

// SwitchResult summarizes one switch operation. The per-provider flags
// distinguish "partially happened" from "nothing happened"; the latter is
// only ever reported through ErrProfileNotFound.
type SwitchResult struct {
	ClaudeSwitched bool
	CodexSwitched  bool
	GeminiSwitched bool
	Warnings       []string
}

func (r *SwitchResult) setSwitched(p provider.Provider) {
	switch p {
	case provider.Claude:
		r.ClaudeSwitched = true
	case provider.Codex:
		r.CodexSwitched = true
	case provider.Gemini:
		r.GeminiSwitched = true
	}
}

// Switched reports the flag for a provider.
func (r *SwitchResult) Switched(p provider.Provider) bool {
	switch p {
	case provider.Claude:
		return r.ClaudeSwitched
	case provider.Codex:
		return r.CodexSwitched
	case provider.Gemini:
		return r.GeminiSwitched
	}
	return false
}

// Switch copies the named profile's stored credentials into the active
// locations. Missing accounts or bundle files become warnings and the other
// providers still switch; only an unknown profile name is an error.
func (sw *Switcher) Switch(name string) (*SwitchResult, error) {
	snap, err := sw.store.LoadSnapshot()
	if err != nil {
		return nil, err
	}
	profile := snap.FindProfile(name)
	if profile == nil {
		return nil, fmt.Errorf("%w: %s", ErrProfileNotFound, name)
	}

	result := &SwitchResult{}
	for _, p := range provider.All() {
		accountID := profile.AccountFor(p)
		if accountID == "" {
			continue
		}
		acc := snap.FindAccount(accountID)
		if acc == nil {
			result.Warnings = append(result.Warnings, fmt.Sprintf("%s: account %s not found", p, accountID))
			continue
		}
		payload, errRead := sw.store.ReadBundle(acc.ID, p)
		if errRead != nil {
			result.Warnings = append(result.Warnings, fmt.Sprintf("%s: credentials missing for %s", p, accountID))
			continue
		}

		// Never replace a working Codex session with a degraded copy of
		// itself: backfill the id token from the active credential when the
		// account ids match.
		if p == provider.Codex {
			if active, errActive := sw.readActiveFile(p); errActive == nil {
				payload = merge.BackfillCodex(payload, active)
			}
		}

		if errWrite := sw.writeActive(p, payload); errWrite != nil {
			result.Warnings = append(result.Warnings, fmt.Sprintf("%s: install credentials: %v", p, errWrite))
			continue
		}
		result.setSwitched(p)
		log.WithFields(log.Fields{"profile": name, "provider": p, "account": accountID}).Info("switched credentials")
	}
	sw.InvalidateCaches()
	return result, nil
}

func (sw *Switcher) readActiveFile(p provider.Provider) ([]byte, error) {
	path := sw.cfg.ActiveFile(p.String())
	if path == "" {
		return nil, fmt.Errorf("switcher: no active path for %s", p)
	}
	return os.ReadFile(path)
}
