package remap

import (
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/cliswitch/cliswitch/internal/provider"
	"github.com/cliswitch/cliswitch/internal/store"
)

func TestResolveChains(t *testing.T) {
	t.Parallel()

	got := Resolve(map[string]string{"a": "b", "b": "c"})
	if got["a"] != "c" || got["b"] != "c" {
		t.Fatalf("Resolve() = %v, want a->c b->c", got)
	}
}

func TestResolveCycleIsDropped(t *testing.T) {
	t.Parallel()

	got := Resolve(map[string]string{"a": "b", "b": "a", "x": "y"})
	if _, ok := got["a"]; ok {
		t.Fatalf("cyclic entry a survived: %v", got)
	}
	if _, ok := got["b"]; ok {
		t.Fatalf("cyclic entry b survived: %v", got)
	}
	if got["x"] != "y" {
		t.Fatalf("independent entry lost: %v", got)
	}
}

func TestResolveSelfMapIsDropped(t *testing.T) {
	t.Parallel()

	if got := Resolve(map[string]string{"a": "a"}); len(got) != 0 {
		t.Fatalf("Resolve() = %v, want empty", got)
	}
}

func newStoreWithAccounts(t *testing.T, accounts map[string]string) (*store.Store, *store.Snapshot) {
	t.Helper()
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	snap := &store.Snapshot{}
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	i := 0
	for id, payload := range accounts {
		if err = st.WriteBundle(id, provider.Claude, []byte(payload)); err != nil {
			t.Fatal(err)
		}
		snap.UpsertAccount(store.Account{
			ID:        id,
			Service:   provider.Claude,
			RootPath:  st.AccountDir(id),
			UpdatedAt: base.Add(time.Duration(i) * time.Minute),
		})
		i++
	}
	return st, snap
}

func TestApplyMovesBundleAndRewritesProfile(t *testing.T) {
	t.Parallel()

	st, snap := newStoreWithAccounts(t, map[string]string{
		"acct_claude_deadbeef00000000": `{"claudeAiOauth":{"refreshToken":"rt-1"}}`,
	})
	snap.Profiles = []store.Profile{{Name: "work", ClaudeAccountID: "acct_claude_deadbeef00000000"}}

	mapping := map[string]string{"acct_claude_deadbeef00000000": "acct_claude_user_example_com"}
	if err := Apply(st, snap, mapping); err != nil {
		t.Fatalf("Apply() error: %v", err)
	}

	if _, err := os.Stat(st.AccountDir("acct_claude_deadbeef00000000")); !os.IsNotExist(err) {
		t.Error("source bundle directory still exists")
	}
	if _, err := st.ReadBundle("acct_claude_user_example_com", provider.Claude); err != nil {
		t.Errorf("target bundle missing: %v", err)
	}
	if snap.FindAccount("acct_claude_user_example_com") == nil {
		t.Error("account id not rewritten")
	}
	if got := snap.Profiles[0].ClaudeAccountID; got != "acct_claude_user_example_com" {
		t.Errorf("profile pointer = %q, not rewritten", got)
	}
}

func TestApplyMergesDuplicatesWinnerByUpdatedAt(t *testing.T) {
	t.Parallel()

	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	snap := &store.Snapshot{}
	older := `{"claudeAiOauth":{"refreshToken":"rt-1","accessToken":"old"}}`
	newer := `{"claudeAiOauth":{"refreshToken":"rt-1","accessToken":"new"}}`
	if err = st.WriteBundle("acct_claude_aaa", provider.Claude, []byte(older)); err != nil {
		t.Fatal(err)
	}
	if err = st.WriteBundle("acct_claude_bbb", provider.Claude, []byte(newer)); err != nil {
		t.Fatal(err)
	}
	snap.UpsertAccount(store.Account{ID: "acct_claude_aaa", Service: provider.Claude, UpdatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)})
	snap.UpsertAccount(store.Account{ID: "acct_claude_bbb", Service: provider.Claude, UpdatedAt: time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)})

	mapping := map[string]string{
		"acct_claude_aaa": "acct_claude_user",
		"acct_claude_bbb": "acct_claude_user",
	}
	if err = Apply(st, snap, mapping); err != nil {
		t.Fatalf("Apply() error: %v", err)
	}

	if len(snap.Accounts) != 1 {
		t.Fatalf("expected 1:1 mapping after dedup, got %d accounts", len(snap.Accounts))
	}
	payload, err := st.ReadBundle("acct_claude_user", provider.Claude)
	if err != nil {
		t.Fatalf("target bundle missing: %v", err)
	}
	if string(payload) != newer {
		t.Fatalf("winner by updatedAt lost: %s", payload)
	}
}

func TestApplyEqualTimestampsTieBreakByID(t *testing.T) {
	t.Parallel()

	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ts := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	snap := &store.Snapshot{}
	first := `{"claudeAiOauth":{"refreshToken":"rt","accessToken":"from-aaa"}}`
	second := `{"claudeAiOauth":{"refreshToken":"rt","accessToken":"from-bbb"}}`
	if err = st.WriteBundle("acct_claude_aaa", provider.Claude, []byte(first)); err != nil {
		t.Fatal(err)
	}
	if err = st.WriteBundle("acct_claude_bbb", provider.Claude, []byte(second)); err != nil {
		t.Fatal(err)
	}
	snap.UpsertAccount(store.Account{ID: "acct_claude_aaa", Service: provider.Claude, UpdatedAt: ts})
	snap.UpsertAccount(store.Account{ID: "acct_claude_bbb", Service: provider.Claude, UpdatedAt: ts})

	mapping := map[string]string{
		"acct_claude_aaa": "acct_claude_user",
		"acct_claude_bbb": "acct_claude_user",
	}
	if err = Apply(st, snap, mapping); err != nil {
		t.Fatal(err)
	}
	payload, err := st.ReadBundle("acct_claude_user", provider.Claude)
	if err != nil {
		t.Fatal(err)
	}
	// Ties break toward the lexicographically smaller id.
	if string(payload) != first {
		t.Fatalf("tie-break winner = %s, want bundle from acct_claude_aaa", payload)
	}
}

func TestApplyIdempotent(t *testing.T) {
	t.Parallel()

	st, snap := newStoreWithAccounts(t, map[string]string{
		"acct_claude_1111111111111111": `{"claudeAiOauth":{"refreshToken":"rt-x"}}`,
	})
	snap.Profiles = []store.Profile{{Name: "p", ClaudeAccountID: "acct_claude_1111111111111111"}}
	mapping := map[string]string{"acct_claude_1111111111111111": "acct_claude_final"}

	if err := Apply(st, snap, mapping); err != nil {
		t.Fatal(err)
	}
	once, err := json.Marshal(snap)
	if err != nil {
		t.Fatal(err)
	}

	if err = Apply(st, snap, mapping); err != nil {
		t.Fatalf("second Apply() error: %v", err)
	}
	twice, err := json.Marshal(snap)
	if err != nil {
		t.Fatal(err)
	}
	if string(once) != string(twice) {
		t.Fatalf("Apply() not idempotent:\nonce:  %s\ntwice: %s", once, twice)
	}
}

func TestApplyCycleLeavesEverythingUnchanged(t *testing.T) {
	t.Parallel()

	st, snap := newStoreWithAccounts(t, map[string]string{
		"acct_claude_a": `{"claudeAiOauth":{"refreshToken":"rt-a"}}`,
		"acct_claude_b": `{"claudeAiOauth":{"refreshToken":"rt-b"}}`,
	})
	before, err := json.Marshal(snap)
	if err != nil {
		t.Fatal(err)
	}

	mapping := map[string]string{"acct_claude_a": "acct_claude_b", "acct_claude_b": "acct_claude_a"}
	if err = Apply(st, snap, mapping); err != nil {
		t.Fatalf("Apply() with cycle error: %v", err)
	}

	after, err := json.Marshal(snap)
	if err != nil {
		t.Fatal(err)
	}
	if string(before) != string(after) {
		t.Fatal("cyclic remap mutated the snapshot")
	}
	if _, err = st.ReadBundle("acct_claude_a", provider.Claude); err != nil {
		t.Error("cyclic remap moved bundle a")
	}
	if _, err = st.ReadBundle("acct_claude_b", provider.Claude); err != nil {
		t.Error("cyclic remap moved bundle b")
	}
}

func TestApplyMergesCaches(t *testing.T) {
	t.Parallel()

	st, snap := newStoreWithAccounts(t, map[string]string{
		"acct_claude_old": `{"claudeAiOauth":{"refreshToken":"rt"}}`,
	})

	email := "old@example.com"
	plan := "pro"
	targetEmail := "target@example.com"
	if err := st.SaveIdentities(map[string]store.IdentityEntry{
		"acct_claude_old": {Email: &email, Plan: &plan},
		"acct_claude_new": {Email: &targetEmail},
	}); err != nil {
		t.Fatal(err)
	}
	if err := st.SaveTokens(map[string]store.TokenEntry{
		"acct_claude_old": {Token: "tok-old", Enabled: true},
	}); err != nil {
		t.Fatal(err)
	}

	if err := Apply(st, snap, map[string]string{"acct_claude_old": "acct_claude_new"}); err != nil {
		t.Fatal(err)
	}

	identities, err := st.LoadIdentities()
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := identities["acct_claude_old"]; ok {
		t.Error("old identity entry not pruned")
	}
	entry := identities["acct_claude_new"]
	if entry.Email == nil || *entry.Email != "target@example.com" {
		t.Error("existing target email should win over incoming")
	}
	if entry.Plan == nil || *entry.Plan != "pro" {
		t.Error("missing target plan should be filled from source")
	}

	tokens, err := st.LoadTokens()
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := tokens["acct_claude_old"]; ok {
		t.Error("old token entry not pruned")
	}
	if tokens["acct_claude_new"].Token != "tok-old" {
		t.Error("token entry not migrated to target id")
	}
}

func TestApplyTokenMergePreservesEnabledFlag(t *testing.T) {
	t.Parallel()

	st, snap := newStoreWithAccounts(t, map[string]string{
		"acct_claude_old": `{"claudeAiOauth":{"refreshToken":"rt"}}`,
	})
	// The target has an empty token but was explicitly enabled; the migrated
	// source token must not flip it off.
	if err := st.SaveTokens(map[string]store.TokenEntry{
		"acct_claude_old": {Token: "tok-src", Enabled: false},
		"acct_claude_new": {Token: "", Enabled: true},
	}); err != nil {
		t.Fatal(err)
	}

	if err := Apply(st, snap, map[string]string{"acct_claude_old": "acct_claude_new"}); err != nil {
		t.Fatal(err)
	}

	tokens, err := st.LoadTokens()
	if err != nil {
		t.Fatal(err)
	}
	got := tokens["acct_claude_new"]
	if got.Token != "tok-src" {
		t.Fatalf("token = %q, want migrated tok-src", got.Token)
	}
	if !got.Enabled {
		t.Fatal("enabled flag from the target entry was dropped")
	}
}
