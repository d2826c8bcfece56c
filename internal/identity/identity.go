// Package identity derives stable, collision-resistant account identifiers
// from raw credential payloads. Identifiers are either canonical (derived
// from a discovered email identity, Claude only) or a content-hash fallback
// over the provider's stable signature. The same logical account must resolve
// to the same id across calls and across access-token rotation.
package identity

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/cliswitch/cliswitch/internal/provider"
)

// hashPrefixLen is the hex prefix length taken from the signature digest.
const hashPrefixLen = 16

// Resolve returns the account id for a credential payload and whether the id
// is canonical (identity-derived) rather than the hash fallback.
//
// Canonical ids are preferred whenever an email can be discovered, even for
// accounts previously known only by hash; callers detect the upgrade and run
// a remap.
func Resolve(p provider.Provider, payload []byte) (string, bool) {
	if p == provider.Claude {
		if email, ok := DiscoverEmail(payload); ok {
			slug := EmailSlug(email)
			if slug != "" {
				if IsTeam(payload) {
					return "acct_" + p.String() + "_team_" + slug, true
				}
				return "acct_" + p.String() + "_" + slug, true
			}
		}
	}
	return "acct_" + p.String() + "_" + HashPrefix(provider.Signature(p, payload)), false
}

// HashPrefix hashes a stable signature and returns a fixed-length hex prefix.
func HashPrefix(signature string) string {
	sum := sha256.Sum256([]byte(signature))
	return hex.EncodeToString(sum[:])[:hashPrefixLen]
}

// emailPaths are checked in order; the access-token JWT claim is last.
var emailPaths = []string{
	"email",
	"account.email",
	"account.email_address",
	"claudeAiOauth.email",
	"claudeAiOauth.account.email",
	"claudeAiOauth.account.email_address",
}

// DiscoverEmail locates an email address in a Claude credential payload,
// falling back to decoding the access token's JWT claims.
func DiscoverEmail(payload []byte) (string, bool) {
	for _, path := range emailPaths {
		if v, state := provider.StringField(payload, path); state == provider.FieldPresent {
			return normalizeEmail(v), true
		}
	}
	for _, path := range []string{"claudeAiOauth.accessToken", "accessToken"} {
		token, state := provider.StringField(payload, path)
		if state != provider.FieldPresent {
			continue
		}
		if email, ok := emailFromJWT(token); ok {
			return normalizeEmail(email), true
		}
	}
	return "", false
}

// emailFromJWT decodes the middle segment of a JWT-shaped token as base64url
// JSON and reads the email claim. No signature verification: the token is
// introspected for display identity only, never trusted for authorization.
func emailFromJWT(token string) (string, bool) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return "", false
	}
	claims, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(parts[1], "="))
	if err != nil {
		return "", false
	}
	if !gjson.ValidBytes(claims) {
		return "", false
	}
	for _, key := range []string{"email", "preferred_username"} {
		if v, state := provider.StringField(claims, key); state == provider.FieldPresent {
			return v, true
		}
	}
	return "", false
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// IsTeam reports whether a Claude payload belongs to a team (vs personal)
// account. Checked signals, in order: an explicit boolean flag, a
// subscription type containing "team", and organization-type metadata.
func IsTeam(payload []byte) bool {
	for _, path := range []string{"claudeIsTeam", "isTeam", "claudeAiOauth.isTeam"} {
		if v, state := provider.BoolField(payload, path); state == provider.FieldPresent {
			return v
		}
	}
	for _, path := range []string{"subscriptionType", "claudeAiOauth.subscriptionType"} {
		if v, state := provider.StringField(payload, path); state == provider.FieldPresent {
			if strings.Contains(strings.ToLower(v), "team") {
				return true
			}
		}
	}
	for _, path := range []string{
		"organization.organization_type",
		"account.organization.organization_type",
		"claudeAiOauth.organization.organization_type",
	} {
		if v, state := provider.StringField(payload, path); state == provider.FieldPresent {
			if strings.Contains(strings.ToLower(v), "team") {
				return true
			}
		}
	}
	return false
}

// EmailSlug normalizes an email address into an id-safe slug: lowercase,
// trimmed, ASCII letters and digits kept, every run of other characters
// collapsed to a single underscore, leading/trailing underscores removed.
func EmailSlug(email string) string {
	email = normalizeEmail(email)
	var b strings.Builder
	b.Grow(len(email))
	pendingSep := false
	for _, r := range email {
		isAlnum := (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')
		if isAlnum {
			if pendingSep && b.Len() > 0 {
				b.WriteByte('_')
			}
			pendingSep = false
			b.WriteRune(r)
			continue
		}
		pendingSep = true
	}
	return b.String()
}
