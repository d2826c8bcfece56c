// Package provider defines the supported CLI providers and the tolerant
// payload introspection used to recognise and validate their credential
// payloads. Payloads are treated as opaque JSON; only the handful of fields
// the core needs are probed, and "field absent" is kept distinct from
// "field malformed".
package provider

import (
	"path/filepath"
	"strings"

	"github.com/tidwall/gjson"
)

// Provider identifies one of the supported AI CLI ecosystems.
type Provider string

const (
	// Claude is the Anthropic Claude Code CLI.
	Claude Provider = "claude"
	// Codex is the OpenAI Codex CLI.
	Codex Provider = "codex"
	// Gemini is the Google Gemini CLI.
	Gemini Provider = "gemini"
)

// All returns the supported providers in stable order.
func All() []Provider {
	return []Provider{Claude, Codex, Gemini}
}

// Parse maps a string onto a known provider.
func Parse(s string) (Provider, bool) {
	switch Provider(strings.ToLower(strings.TrimSpace(s))) {
	case Claude:
		return Claude, true
	case Codex:
		return Codex, true
	case Gemini:
		return Gemini, true
	}
	return "", false
}

// Valid reports whether p is one of the supported providers.
func (p Provider) Valid() bool {
	switch p {
	case Claude, Codex, Gemini:
		return true
	}
	return false
}

func (p Provider) String() string { return string(p) }

// BundleRelPath is the provider-specific credential file path inside an
// account bundle directory. It mirrors the layout the native CLIs use under
// the user's home directory so a bundle can be copied back verbatim.
func (p Provider) BundleRelPath() string {
	switch p {
	case Claude:
		return filepath.Join("claude", ".claude", ".credentials.json")
	case Codex:
		return filepath.Join("codex", ".codex", "auth.json")
	case Gemini:
		return filepath.Join("gemini", ".gemini", "oauth_creds.json")
	}
	return ""
}

// FieldState distinguishes a missing field from one that exists with the
// wrong shape, so callers can warn precisely instead of collapsing both
// cases to an empty value.
type FieldState int

const (
	// FieldAbsent means the path does not exist in the payload.
	FieldAbsent FieldState = iota
	// FieldMalformed means the path exists but is not a usable value of the
	// expected type (wrong JSON type, or an empty/blank string).
	FieldMalformed
	// FieldPresent means a non-empty value of the expected type was found.
	FieldPresent
)

// StringField probes payload at path for a non-empty string.
func StringField(payload []byte, path string) (string, FieldState) {
	res := gjson.GetBytes(payload, path)
	if !res.Exists() {
		return "", FieldAbsent
	}
	if res.Type != gjson.String {
		return "", FieldMalformed
	}
	v := strings.TrimSpace(res.String())
	if v == "" {
		return "", FieldMalformed
	}
	return v, FieldPresent
}

// BoolField probes payload at path for a boolean.
func BoolField(payload []byte, path string) (bool, FieldState) {
	res := gjson.GetBytes(payload, path)
	if !res.Exists() {
		return false, FieldAbsent
	}
	if !res.IsBool() {
		return false, FieldMalformed
	}
	return res.Bool(), FieldPresent
}

// firstString returns the first present string among the given paths.
func firstString(payload []byte, paths ...string) (string, bool) {
	for _, path := range paths {
		if v, state := StringField(payload, path); state == FieldPresent {
			return v, true
		}
	}
	return "", false
}

// Signature extracts the stable per-account signature used to recognise the
// same logical account across token rotations: the refresh token for Claude
// and Gemini, the embedded account id for Codex. When no signature field is
// found the raw payload bytes stand in, so two byte-identical payloads still
// collapse to one identity.
func Signature(p Provider, payload []byte) string {
	switch p {
	case Claude:
		if v, ok := firstString(payload, "claudeAiOauth.refreshToken", "refreshToken"); ok {
			return v
		}
	case Codex:
		if v, ok := firstString(payload, "tokens.account_id", "account_id"); ok {
			return v
		}
	case Gemini:
		if v, ok := firstString(payload, "refresh_token", "token.refresh_token", "tokens.refresh_token"); ok {
			return v
		}
	}
	return string(payload)
}

// Usable reports whether a payload clears the minimal completeness bar for
// its provider, with a short human readable reason when it does not.
func Usable(p Provider, payload []byte) (bool, string) {
	if len(payload) == 0 {
		return false, "empty payload"
	}
	if !gjson.ValidBytes(payload) {
		return false, "payload is not valid JSON"
	}
	switch p {
	case Claude:
		if _, ok := firstString(payload, "claudeAiOauth.accessToken", "accessToken"); !ok {
			return false, "missing access token"
		}
	case Codex:
		if _, state := StringField(payload, "tokens.access_token"); state != FieldPresent {
			return false, "missing access token"
		}
		if _, state := StringField(payload, "tokens.account_id"); state != FieldPresent {
			return false, "missing account id"
		}
		if _, state := StringField(payload, "tokens.id_token"); state != FieldPresent {
			return false, "missing id token"
		}
	case Gemini:
		if _, ok := firstString(payload, "access_token", "token.access_token", "refresh_token", "token.refresh_token"); !ok {
			return false, "missing access and refresh tokens"
		}
	default:
		return false, "unknown provider"
	}
	return true, ""
}
