package switcher

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/tidwall/gjson"

	"github.com/cliswitch/cliswitch/internal/config"
	"github.com/cliswitch/cliswitch/internal/keychain"
	"github.com/cliswitch/cliswitch/internal/provider"
	"github.com/cliswitch/cliswitch/internal/store"
)

func newTestSwitcher(t *testing.T) (*Switcher, *keychain.Fake) {
	t.Helper()
	root := t.TempDir()
	active := t.TempDir()
	cfg := &config.Config{
		StoreRoot:             root,
		ClaudeCredentialsFile: filepath.Join(active, "claude", ".credentials.json"),
		KeychainService:       "Claude Code-credentials",
		CodexAuthFile:         filepath.Join(active, "codex", "auth.json"),
		GeminiOAuthFile:       filepath.Join(active, "gemini", "oauth_creds.json"),
	}
	st, err := store.Open(root)
	if err != nil {
		t.Fatal(err)
	}
	keys := keychain.NewFake()
	sw := New(st, keys, cfg)
	t.Cleanup(sw.Flush)
	return sw, keys
}

const (
	claudeCred = `{"claudeAiOauth":{"accessToken":"at-1","refreshToken":"rt-1","email":"user@example.com"}}`
	codexCred  = `{"tokens":{"access_token":"a-1","account_id":"acc-1","id_token":"id-1"}}`
	geminiCred = `{"access_token":"g-at","refresh_token":"g-rt"}`
)

func TestSaveSingleProviderYieldsWarningsForOthers(t *testing.T) {
	t.Parallel()

	sw, _ := newTestSwitcher(t)
	res, err := sw.Save("work", Credentials{Codex: []byte(codexCred)})
	if err != nil {
		t.Fatalf("Save() error: %v", err)
	}
	if len(res.Warnings) != 2 {
		t.Fatalf("warnings = %v, want one for claude and one for gemini", res.Warnings)
	}
	if res.Profile.CodexAccountID == "" {
		t.Fatal("codex account pointer not set")
	}
	if res.Profile.ClaudeAccountID != "" || res.Profile.GeminiAccountID != "" {
		t.Fatalf("unexpected pointers set: %+v", res.Profile)
	}
}

func TestSaveIncompleteCodexIsWarningNotError(t *testing.T) {
	t.Parallel()

	sw, _ := newTestSwitcher(t)
	// Missing id_token and account_id.
	res, err := sw.Save("p", Credentials{Codex: []byte(`{"tokens":{"access_token":"a"}}`)})
	if err != nil {
		t.Fatalf("Save() error: %v", err)
	}
	found := false
	for _, w := range res.Warnings {
		if strings.Contains(w, "codex") && strings.Contains(w, "incomplete") {
			found = true
		}
	}
	if !found {
		t.Fatalf("warnings = %v, want incomplete codex warning", res.Warnings)
	}
	if res.Profile.CodexAccountID != "" {
		t.Fatal("incomplete credentials must not produce an account")
	}
}

func TestSaveAndSwitchRoundTrip(t *testing.T) {
	t.Parallel()

	sw, keys := newTestSwitcher(t)
	res, err := sw.Save("work", Credentials{
		Claude: []byte(claudeCred),
		Codex:  []byte(codexCred),
		Gemini: []byte(geminiCred),
	})
	if err != nil {
		t.Fatalf("Save() error: %v", err)
	}
	if len(res.AccountsWritten) != 3 {
		t.Fatalf("AccountsWritten = %v, want 3 accounts", res.AccountsWritten)
	}
	if res.Profile.ClaudeAccountID != "acct_claude_user_example_com" {
		t.Fatalf("claude id = %q", res.Profile.ClaudeAccountID)
	}

	sres, err := sw.Switch("work")
	if err != nil {
		t.Fatalf("Switch() error: %v", err)
	}
	if !sres.ClaudeSwitched || !sres.CodexSwitched || !sres.GeminiSwitched {
		t.Fatalf("switch flags = %+v", sres)
	}

	// The Claude credential lands in the keystore and in the file fallback.
	if got := keys.Entries["Claude Code-credentials"]; got != claudeCred {
		t.Fatalf("keystore entry = %s", got)
	}
	fileCopy, err := os.ReadFile(sw.cfg.ClaudeCredentialsFile)
	if err != nil {
		t.Fatal(err)
	}
	if string(fileCopy) != claudeCred {
		t.Fatalf("file fallback = %s", fileCopy)
	}
	codexActive, err := os.ReadFile(sw.cfg.CodexAuthFile)
	if err != nil {
		t.Fatal(err)
	}
	if string(codexActive) != codexCred {
		t.Fatalf("codex active = %s", codexActive)
	}
}

func TestSavePreservesPointersForAbsentProviders(t *testing.T) {
	t.Parallel()

	sw, _ := newTestSwitcher(t)
	if _, err := sw.Save("p", Credentials{Codex: []byte(codexCred)}); err != nil {
		t.Fatal(err)
	}
	res, err := sw.Save("p", Credentials{Claude: []byte(claudeCred)})
	if err != nil {
		t.Fatal(err)
	}
	if res.Profile.CodexAccountID == "" {
		t.Fatal("second save dropped the codex pointer")
	}
	if res.Profile.ClaudeAccountID == "" {
		t.Fatal("second save did not add the claude pointer")
	}
}

func TestSwitchUnknownProfile(t *testing.T) {
	t.Parallel()

	sw, _ := newTestSwitcher(t)
	if _, err := sw.Switch("nope"); !errors.Is(err, ErrProfileNotFound) {
		t.Fatalf("Switch() error = %v, want ErrProfileNotFound", err)
	}
}

func TestSwitchDanglingPointerIsWarning(t *testing.T) {
	t.Parallel()

	sw, _ := newTestSwitcher(t)
	if _, err := sw.Save("p", Credentials{Codex: []byte(codexCred)}); err != nil {
		t.Fatal(err)
	}
	// Point the profile's claude slot at an account that does not exist.
	err := sw.Store().Update(func(snap *store.Snapshot) error {
		snap.FindProfile("p").ClaudeAccountID = "acct_claude_gone"
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	res, err := sw.Switch("p")
	if err != nil {
		t.Fatalf("Switch() error: %v", err)
	}
	if res.ClaudeSwitched {
		t.Fatal("claude reported switched despite dangling pointer")
	}
	if !res.CodexSwitched {
		t.Fatal("codex should still switch")
	}
	if len(res.Warnings) != 1 || !strings.Contains(res.Warnings[0], "acct_claude_gone") {
		t.Fatalf("warnings = %v", res.Warnings)
	}
}

func TestSwitchBackfillsCodexIDToken(t *testing.T) {
	t.Parallel()

	sw, _ := newTestSwitcher(t)
	if _, err := sw.Save("p", Credentials{Codex: []byte(codexCred)}); err != nil {
		t.Fatal(err)
	}
	// Degrade the stored bundle to simulate an older save without id_token,
	// while the live session still has one for the same account.
	snap, err := sw.Store().LoadSnapshot()
	if err != nil {
		t.Fatal(err)
	}
	id := snap.Profiles[0].CodexAccountID
	degraded := []byte(`{"tokens":{"access_token":"a-old","account_id":"acc-1"}}`)
	if err = sw.Store().WriteBundle(id, provider.Codex, degraded); err != nil {
		t.Fatal(err)
	}
	live := `{"tokens":{"access_token":"a-live","account_id":"acc-1","id_token":"id-live","refresh_token":"rt-live"}}`
	if err = os.MkdirAll(filepath.Dir(sw.cfg.CodexAuthFile), 0o700); err != nil {
		t.Fatal(err)
	}
	if err = os.WriteFile(sw.cfg.CodexAuthFile, []byte(live), 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err = sw.Switch("p"); err != nil {
		t.Fatal(err)
	}
	installed, err := os.ReadFile(sw.cfg.CodexAuthFile)
	if err != nil {
		t.Fatal(err)
	}
	if got := gjson.GetBytes(installed, "tokens.id_token").String(); got != "id-live" {
		t.Fatalf("id_token = %q, want backfilled id-live", got)
	}
	if got := gjson.GetBytes(installed, "tokens.access_token").String(); got != "a-old" {
		t.Fatalf("access_token = %q, want the stored bundle's token", got)
	}
}

func TestSaveMergesMetadataFromStoredBundle(t *testing.T) {
	t.Parallel()

	sw, _ := newTestSwitcher(t)
	// First save carries the full payload including email.
	if _, err := sw.Save("rich", Credentials{Claude: []byte(claudeCred)}); err != nil {
		t.Fatal(err)
	}
	sw.Flush()

	// A later save sees a thin keystore payload with the same refresh token
	// but no email. The merge engine recovers it, so the canonical id wins
	// over the hash fallback.
	thin := `{"claudeAiOauth":{"accessToken":"at-2","refreshToken":"rt-1"}}`
	res, err := sw.Save("thin", Credentials{Claude: []byte(thin)})
	if err != nil {
		t.Fatal(err)
	}
	if res.Profile.ClaudeAccountID != "acct_claude_user_example_com" {
		t.Fatalf("claude id = %q, want canonical id recovered via merge", res.Profile.ClaudeAccountID)
	}
	payload, err := sw.Store().ReadBundle("acct_claude_user_example_com", provider.Claude)
	if err != nil {
		t.Fatal(err)
	}
	if got := gjson.GetBytes(payload, "claudeAiOauth.accessToken").String(); got != "at-2" {
		t.Fatalf("access token = %q, want the fresher at-2", got)
	}
	if got := gjson.GetBytes(payload, "claudeAiOauth.email").String(); got != "user@example.com" {
		t.Fatalf("email = %q, want recovered from stored bundle", got)
	}
}

func TestSaveRemapsHashAccountOncePayloadGainsEmail(t *testing.T) {
	t.Parallel()

	sw, _ := newTestSwitcher(t)
	anon := `{"claudeAiOauth":{"accessToken":"at","refreshToken":"rt-solo"}}`
	res, err := sw.Save("p", Credentials{Claude: []byte(anon)})
	if err != nil {
		t.Fatal(err)
	}
	hashID := res.Profile.ClaudeAccountID
	if strings.HasPrefix(hashID, "acct_claude_user") {
		t.Fatalf("expected hash id, got %q", hashID)
	}

	withEmail := `{"claudeAiOauth":{"accessToken":"at2","refreshToken":"rt-solo","email":"user@example.com"}}`
	res, err = sw.Save("p", Credentials{Claude: []byte(withEmail)})
	if err != nil {
		t.Fatal(err)
	}
	if res.Profile.ClaudeAccountID != "acct_claude_user_example_com" {
		t.Fatalf("claude id = %q, want canonical", res.Profile.ClaudeAccountID)
	}
	snap, err := sw.Store().LoadSnapshot()
	if err != nil {
		t.Fatal(err)
	}
	if snap.FindAccount(hashID) != nil {
		t.Fatalf("hash account %s should have been remapped away", hashID)
	}
}

func TestCollectActivePrefersKeystore(t *testing.T) {
	t.Parallel()

	sw, keys := newTestSwitcher(t)
	keys.Entries["Claude Code-credentials"] = claudeCred
	if err := os.MkdirAll(filepath.Dir(sw.cfg.ClaudeCredentialsFile), 0o700); err != nil {
		t.Fatal(err)
	}
	stale := `{"claudeAiOauth":{"accessToken":"stale","refreshToken":"stale"}}`
	if err := os.WriteFile(sw.cfg.ClaudeCredentialsFile, []byte(stale), 0o600); err != nil {
		t.Fatal(err)
	}

	creds, warnings := sw.CollectActive()
	if len(warnings) != 0 {
		t.Fatalf("warnings = %v", warnings)
	}
	if string(creds.Claude) != claudeCred {
		t.Fatalf("Claude = %s, want the keystore entry", creds.Claude)
	}
}

func TestCollectActiveMergesFileMetadataIntoKeystoreEntry(t *testing.T) {
	t.Parallel()

	sw, keys := newTestSwitcher(t)
	// The keystore entry is fresh but thin; the file fallback holds the same
	// refresh token plus the metadata the keystore never carries.
	keys.Entries["Claude Code-credentials"] = `{"claudeAiOauth":{"accessToken":"at-new","refreshToken":"rt-1"}}`
	rich := `{"claudeAiOauth":{"accessToken":"at-old","refreshToken":"rt-1","email":"user@example.com","subscriptionType":"max"}}`
	if err := os.MkdirAll(filepath.Dir(sw.cfg.ClaudeCredentialsFile), 0o700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(sw.cfg.ClaudeCredentialsFile, []byte(rich), 0o600); err != nil {
		t.Fatal(err)
	}

	creds, warnings := sw.CollectActive()
	if len(warnings) != 0 {
		t.Fatalf("warnings = %v", warnings)
	}
	if got := gjson.GetBytes(creds.Claude, "claudeAiOauth.accessToken").String(); got != "at-new" {
		t.Fatalf("accessToken = %q, keystore entry must stay primary", got)
	}
	if got := gjson.GetBytes(creds.Claude, "claudeAiOauth.email").String(); got != "user@example.com" {
		t.Fatalf("email = %q, want recovered from the file fallback", got)
	}

	res, err := sw.Save("work", creds)
	if err != nil {
		t.Fatal(err)
	}
	if res.Profile.ClaudeAccountID != "acct_claude_user_example_com" {
		t.Fatalf("claude id = %q, want canonical id from merged email", res.Profile.ClaudeAccountID)
	}
}

func TestConcurrentSavesBothPersist(t *testing.T) {
	t.Parallel()

	sw, _ := newTestSwitcher(t)
	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, errs[0] = sw.Save("claude-work", Credentials{Claude: []byte(claudeCred)})
	}()
	go func() {
		defer wg.Done()
		_, errs[1] = sw.Save("codex-work", Credentials{Codex: []byte(codexCred)})
	}()
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("save %d: %v", i, err)
		}
	}

	snap, err := sw.Store().LoadSnapshot()
	if err != nil {
		t.Fatal(err)
	}
	if snap.FindProfile("claude-work") == nil || snap.FindProfile("codex-work") == nil {
		t.Fatalf("a concurrent save was lost: %+v", snap.Profiles)
	}
	if len(snap.Accounts) != 2 {
		t.Fatalf("accounts = %+v, want both saves' accounts", snap.Accounts)
	}
}

func TestCollectActiveFileFallback(t *testing.T) {
	t.Parallel()

	sw, _ := newTestSwitcher(t)
	if err := os.MkdirAll(filepath.Dir(sw.cfg.GeminiOAuthFile), 0o700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(sw.cfg.GeminiOAuthFile, []byte(geminiCred), 0o600); err != nil {
		t.Fatal(err)
	}

	creds, warnings := sw.CollectActive()
	if len(warnings) != 0 {
		t.Fatalf("warnings = %v", warnings)
	}
	if creds.Claude != nil {
		t.Fatal("no claude credential exists anywhere, got one anyway")
	}
	if string(creds.Gemini) != geminiCred {
		t.Fatalf("Gemini = %s", creds.Gemini)
	}
}
