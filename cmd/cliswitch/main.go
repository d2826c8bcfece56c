// Package main provides the cliswitch command line tool: it snapshots the
// active Claude/Codex/Gemini CLI credentials into named profiles, switches
// the active credentials back to a saved profile, and refreshes expiring
// OAuth tokens across all stored accounts.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/cliswitch/cliswitch/internal/config"
	"github.com/cliswitch/cliswitch/internal/keychain"
	"github.com/cliswitch/cliswitch/internal/logging"
	"github.com/cliswitch/cliswitch/internal/provider"
	"github.com/cliswitch/cliswitch/internal/refresh"
	"github.com/cliswitch/cliswitch/internal/store"
	"github.com/cliswitch/cliswitch/internal/switcher"
	"github.com/cliswitch/cliswitch/internal/watcher"
)

const (
	exitUsage   = 2
	exitRuntime = 1
)

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: cliswitch [-config path] <command> [args]

Commands:
  save <profile>     snapshot the active CLI credentials into a profile
  switch <profile>   install a profile's credentials as the active ones
  refresh            refresh expiring tokens and list profile status
  help               show this help
`)
}

func main() {
	_ = godotenv.Load()

	var configPath string
	flag.StringVar(&configPath, "config", defaultConfigPath(), "configuration file path")
	flag.Usage = usage
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cliswitch: %v\n", err)
		os.Exit(exitRuntime)
	}
	logging.Setup(cfg.LoggingLevel, cfg.LogFile)

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(exitUsage)
	}

	switch args[0] {
	case "help", "-h", "--help":
		usage()
	case "save":
		if len(args) != 2 {
			usage()
			os.Exit(exitUsage)
		}
		exit(run(func(sw *switcher.Switcher) error { return runSave(sw, args[1]) }, cfg))
	case "switch":
		if len(args) != 2 {
			usage()
			os.Exit(exitUsage)
		}
		exit(run(func(sw *switcher.Switcher) error { return runSwitch(sw, args[1]) }, cfg))
	case "refresh":
		if len(args) != 1 {
			usage()
			os.Exit(exitUsage)
		}
		exit(run(func(sw *switcher.Switcher) error { return runRefresh(sw) }, cfg))
	default:
		fmt.Fprintf(os.Stderr, "cliswitch: unknown command %q\n", args[0])
		usage()
		os.Exit(exitUsage)
	}
}

func exit(code int) {
	if code != 0 {
		os.Exit(code)
	}
}

func defaultConfigPath() string {
	if env := strings.TrimSpace(os.Getenv("CLISWITCH_CONFIG")); env != "" {
		return env
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return home + "/.cliswitch/config.yaml"
}

// run executes one command and returns the process exit code. Queued cache
// writes are flushed on every path, including failures, before the caller
// exits.
func run(fn func(*switcher.Switcher) error, cfg *config.Config) int {
	st, err := store.Open(cfg.StoreRoot)
	if err != nil {
		log.Errorf("open store: %v", err)
		return exitRuntime
	}
	sw := switcher.New(st, keychain.System(keychain.DefaultAccount), cfg)
	defer sw.Flush()
	if err = fn(sw); err != nil {
		log.Errorf("%v", err)
		return exitRuntime
	}
	return 0
}

func runSave(sw *switcher.Switcher, name string) error {
	creds, collectWarnings := sw.CollectActive()
	result, err := sw.Save(name, creds)
	if err != nil {
		return err
	}
	for _, warn := range append(collectWarnings, result.Warnings...) {
		fmt.Printf("warning: %s\n", warn)
	}
	if len(result.AccountsWritten) == 0 {
		fmt.Printf("profile %q saved with no credentials\n", name)
		return nil
	}
	fmt.Printf("profile %q saved (%s)\n", name, strings.Join(result.AccountsWritten, ", "))
	return nil
}

func runSwitch(sw *switcher.Switcher, name string) error {
	result, err := sw.Switch(name)
	if err != nil {
		return err
	}
	for _, warn := range result.Warnings {
		fmt.Printf("warning: %s\n", warn)
	}
	for _, p := range provider.All() {
		if result.Switched(p) {
			fmt.Printf("%s: switched\n", p)
		}
	}
	return nil
}

func runRefresh(sw *switcher.Switcher) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Invalidate cached identity data if a native CLI rewrites an active
	// credential file while we work.
	w := watcher.New(sw.ActivePaths(), func(string) { sw.InvalidateCaches() })
	go func() { _ = w.Run(ctx) }()

	snap, err := sw.Store().LoadSnapshot()
	if err != nil {
		return err
	}
	coordinator := refresh.NewCoordinator(sw.Store(), nil)

	refreshed := map[string]bool{}
	for _, p := range snap.Profiles {
		for _, svc := range provider.All() {
			id := p.AccountFor(svc)
			if id == "" || refreshed[id] || snap.FindAccount(id) == nil {
				continue
			}
			refreshed[id] = true
			if _, errRefresh := coordinator.Refresh(ctx, id); errRefresh != nil {
				log.WithFields(log.Fields{"account": id, "error": errRefresh}).Warn("refresh failed")
			}
		}
	}

	for _, p := range snap.Profiles {
		for _, svc := range provider.All() {
			id := p.AccountFor(svc)
			if id == "" {
				continue
			}
			fmt.Println(statusLine(sw, p.Name, svc, id))
		}
	}
	return nil
}

// statusLine renders one profile/provider entry. Unavailable fields render
// as "--" instead of failing the listing.
func statusLine(sw *switcher.Switcher, profileName string, svc provider.Provider, accountID string) string {
	email, plan, sessionPct, weeklyPct, lifetime := "--", "--", "--", "--", "--"

	payload, err := sw.Store().ReadBundle(accountID, svc)
	if err == nil {
		entry := sw.IdentitySummary(accountID, payload)
		if entry.Email != nil && *entry.Email != "" {
			email = *entry.Email
		}
		if entry.Plan != nil && *entry.Plan != "" {
			plan = *entry.Plan
		}
		session, weekly := sw.UsageSnapshot(accountID, payload)
		if session != nil {
			sessionPct = fmt.Sprintf("%.0f%%", *session)
		}
		if weekly != nil {
			weeklyPct = fmt.Sprintf("%.0f%%", *weekly)
		}
		if expiry, ok := provider.ExpirationTime(payload); ok {
			if remaining := time.Until(expiry); remaining > 0 {
				lifetime = remaining.Truncate(time.Minute).String()
			}
		}
	}
	return fmt.Sprintf("%-16s %-7s %-28s %-12s %6s %6s %10s", profileName, svc, email, plan, sessionPct, weeklyPct, lifetime)
}
