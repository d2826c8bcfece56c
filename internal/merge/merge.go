// Package merge reconciles two credential payloads that represent the same
// logical account but differ in metadata completeness: typically a fresh but
// metadata-poor keystore entry and a stale but metadata-rich file or stored
// bundle. The merge is directional and non-destructive; the primary's fields
// are never overwritten.
package merge

import (
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/cliswitch/cliswitch/internal/provider"
	"github.com/cliswitch/cliswitch/internal/store"
)

// metadataFields are the display fields worth backfilling into a thin
// primary. Each is probed both nested under claudeAiOauth and at top level.
var metadataFields = []string{
	"email",
	"organization",
	"subscriptionType",
	"rateLimitTier",
	"isTeam",
}

// Merge copies metadata the primary is missing from the fallback, provided
// both carry the same stable signature. A nil or signature-mismatched
// fallback leaves the primary untouched.
func Merge(p provider.Provider, primary, fallback []byte) []byte {
	if len(fallback) == 0 {
		return primary
	}
	if provider.Signature(p, primary) != provider.Signature(p, fallback) {
		return primary
	}
	merged := primary
	// Backfilled fields land in the primary's shape, never the fallback's,
	// so merging a flat fallback into a nested primary cannot mix layouts.
	nested := gjson.GetBytes(merged, "claudeAiOauth").IsObject()
	for _, field := range metadataFields {
		paths := []string{"claudeAiOauth." + field, field}
		if anyPresent(merged, paths) {
			continue
		}
		for _, path := range paths {
			res := gjson.GetBytes(fallback, path)
			if !res.Exists() || isBlank(res) {
				continue
			}
			target := field
			if nested {
				target = "claudeAiOauth." + field
			}
			if out, err := sjson.SetBytes(merged, target, res.Value()); err == nil {
				merged = out
			}
			break
		}
	}
	return merged
}

func anyPresent(payload []byte, paths []string) bool {
	for _, path := range paths {
		res := gjson.GetBytes(payload, path)
		if res.Exists() && !isBlank(res) {
			return true
		}
	}
	return false
}

func isBlank(res gjson.Result) bool {
	return res.Type == gjson.String && res.String() == ""
}

// FindFallback searches previously stored bundles of the same provider for
// one whose signature matches the primary's, skipping excludeID. It is used
// when no fallback file is available at all.
func FindFallback(st *store.Store, p provider.Provider, primary []byte, excludeID string) []byte {
	ids, err := st.ListBundles(p)
	if err != nil {
		return nil
	}
	want := provider.Signature(p, primary)
	for _, id := range ids {
		if id == excludeID {
			continue
		}
		payload, errRead := st.ReadBundle(id, p)
		if errRead != nil {
			continue
		}
		if provider.Signature(p, payload) == want {
			return payload
		}
	}
	return nil
}

// BackfillCodex applies the switch-time backfill rule for Codex: when the
// credential being written is missing its id token but names the same
// account as the currently active credential, the id token (and, if absent,
// the refresh token) is copied over from the active one instead of degrading
// a working session.
func BackfillCodex(incoming, active []byte) []byte {
	if len(active) == 0 {
		return incoming
	}
	incomingID, stateIn := provider.StringField(incoming, "tokens.account_id")
	activeID, stateAct := provider.StringField(active, "tokens.account_id")
	if stateIn != provider.FieldPresent || stateAct != provider.FieldPresent || incomingID != activeID {
		return incoming
	}
	out := incoming
	if _, state := provider.StringField(out, "tokens.id_token"); state != provider.FieldPresent {
		if idToken, stateTok := provider.StringField(active, "tokens.id_token"); stateTok == provider.FieldPresent {
			if next, err := sjson.SetBytes(out, "tokens.id_token", idToken); err == nil {
				out = next
			}
		}
		if _, state = provider.StringField(out, "tokens.refresh_token"); state != provider.FieldPresent {
			if refresh, stateTok := provider.StringField(active, "tokens.refresh_token"); stateTok == provider.FieldPresent {
				if next, err := sjson.SetBytes(out, "tokens.refresh_token", refresh); err == nil {
					out = next
				}
			}
		}
	}
	return out
}
