// Package config loads the YAML configuration controlling the store root,
// the per-provider active credential locations and logging behaviour.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
type Config struct {
	// StoreRoot is the directory holding accounts.json, bundles and caches.
	StoreRoot string `yaml:"store-root"`
	// ClaudeCredentialsFile is the file fallback for the active Claude
	// credential; the primary copy lives in the OS keystore.
	ClaudeCredentialsFile string `yaml:"claude-credentials-file"`
	// KeychainService is the keystore service name for the Claude entry.
	KeychainService string `yaml:"keychain-service"`
	// CodexAuthFile is the active Codex CLI credential file.
	CodexAuthFile string `yaml:"codex-auth-file"`
	// GeminiOAuthFile is the active Gemini CLI credential file.
	GeminiOAuthFile string `yaml:"gemini-oauth-file"`
	// LoggingLevel sets the logrus level (debug, info, warn, error).
	LoggingLevel string `yaml:"logging-level"`
	// LogFile, when set, routes logs to a rotating file instead of stderr.
	LogFile string `yaml:"log-file"`
}

// Load reads the configuration from path, applying defaults for anything
// unset. A missing file yields the defaults; malformed YAML is a hard error.
func Load(path string) (*Config, error) {
	cfg := defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: read %s: %w", path, err)
			}
		} else if err = yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	cfg.expandPaths()
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		StoreRoot:             "~/.cliswitch",
		ClaudeCredentialsFile: "~/.claude/.credentials.json",
		KeychainService:       "Claude Code-credentials",
		CodexAuthFile:         "~/.codex/auth.json",
		GeminiOAuthFile:       "~/.gemini/oauth_creds.json",
		LoggingLevel:          "info",
	}
}

// ActiveFile returns the active credential file path for a provider key.
func (c *Config) ActiveFile(providerKey string) string {
	switch providerKey {
	case "claude":
		return c.ClaudeCredentialsFile
	case "codex":
		return c.CodexAuthFile
	case "gemini":
		return c.GeminiOAuthFile
	}
	return ""
}

func (c *Config) expandPaths() {
	c.StoreRoot = expandHome(c.StoreRoot)
	c.ClaudeCredentialsFile = expandHome(c.ClaudeCredentialsFile)
	c.CodexAuthFile = expandHome(c.CodexAuthFile)
	c.GeminiOAuthFile = expandHome(c.GeminiOAuthFile)
	c.LogFile = expandHome(c.LogFile)
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return path
}
