// Package keychain reads and writes the OS secure keystore entry that holds
// the active Claude Code credential. The primary implementation goes through
// the platform keyring; on darwin a security(1) subprocess fallback covers
// environments where the keyring API is unavailable.
package keychain

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/zalando/go-keyring"
)

// DefaultAccount is the keystore account name the Claude CLI writes under.
const DefaultAccount = "Claude Code"

// Keystore abstracts the secure keystore so tests can inject a fake.
type Keystore interface {
	Get(service string) (string, error)
	Set(service, value string) error
}

// ErrNotFound reports a missing keystore entry.
var ErrNotFound = keyring.ErrNotFound

// System returns the platform keystore bound to the given account name.
func System(account string) Keystore {
	if strings.TrimSpace(account) == "" {
		account = DefaultAccount
	}
	return &systemKeystore{account: account}
}

type systemKeystore struct {
	account string
}

func (k *systemKeystore) Get(service string) (string, error) {
	value, err := keyring.Get(service, k.account)
	if err == nil {
		return value, nil
	}
	if err == keyring.ErrNotFound {
		return "", ErrNotFound
	}
	if runtime.GOOS == "darwin" {
		if value, errSec := securityFind(service, k.account); errSec == nil {
			return value, nil
		}
	}
	return "", fmt.Errorf("keychain: get %s: %w", service, err)
}

func (k *systemKeystore) Set(service, value string) error {
	err := keyring.Set(service, k.account, value)
	if err == nil {
		return nil
	}
	if runtime.GOOS == "darwin" {
		if errSec := securityAdd(service, k.account, value); errSec == nil {
			return nil
		}
	}
	return fmt.Errorf("keychain: set %s: %w", service, err)
}

// securityFind shells out to the macOS credential helper to read a generic
// password entry.
func securityFind(service, account string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, "security", "find-generic-password", "-s", service, "-a", account, "-w")
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("keychain: security find failed: %w", err)
	}
	return strings.TrimRight(string(out), "\n"), nil
}

// securityAdd shells out to the macOS credential helper to upsert a generic
// password entry (-U updates in place).
func securityAdd(service, account, value string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, "security", "add-generic-password", "-U", "-s", service, "-a", account, "-w", value)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("keychain: security add failed: %w", err)
	}
	return nil
}

// Fake is an in-memory keystore for tests.
type Fake struct {
	Entries map[string]string
}

// NewFake constructs an empty fake keystore.
func NewFake() *Fake {
	return &Fake{Entries: map[string]string{}}
}

func (f *Fake) Get(service string) (string, error) {
	value, ok := f.Entries[service]
	if !ok {
		return "", ErrNotFound
	}
	return value, nil
}

func (f *Fake) Set(service, value string) error {
	f.Entries[service] = value
	return nil
}
