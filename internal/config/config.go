// Package config resolves the per-repository biff configuration: the
// repository scope, the data directories, and the .biff file (TOML)
// with its relay and team settings. Precedence, lowest to highest:
// built-in defaults, the .biff file, BIFF_* environment variables,
// command-line flags.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// ConfigFileName is the per-repo config file, looked up at the repo root.
const ConfigFileName = ".biff"

// Config is the resolved runtime configuration.
type Config struct {
	Repo      string // sanitized repository scope
	RepoRoot  string // absolute repo root, "" outside a repository
	DataDir   string // LocalRelay root for this repo
	UnreadDir string // status-file directory shared across repos

	TeamMembers []string

	RelayURL       string // empty selects the LocalRelay
	RelayToken     string
	RelayNkeysSeed string
	RelayCreds     string
}

// Flags carries command-line overrides into Load. Zero values mean "no
// override".
type Flags struct {
	CWD      string // defaults to the process working directory
	Prefix   string // LocalRelay prefix, defaults to /tmp
	DataDir  string // overrides Prefix-derived data dir entirely
	RelayURL string
}

// envKeys maps BIFF_* variables onto config paths. Only these are
// honored; everything else in the environment is ignored.
var envKeys = map[string]string{
	"RELAY_URL":              "relay.url",
	"RELAY_TOKEN":            "relay.token",
	"RELAY_NKEYS_SEED":       "relay.nkeys_seed",
	"RELAY_USER_CREDENTIALS": "relay.user_credentials",
}

// Load resolves the full configuration for the repository containing
// flags.CWD.
func Load(flags Flags) (*Config, error) {
	cwd := flags.CWD
	if cwd == "" {
		var err error
		if cwd, err = os.Getwd(); err != nil {
			return nil, fmt.Errorf("resolve cwd: %w", err)
		}
	}
	repo, root := RepoName(cwd)

	k := koanf.New(".")
	defaults := map[string]interface{}{
		"team.members": []string{},
		"relay.url":    "",
	}
	if err := k.Load(confmap.Provider(defaults, "."), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if root != "" {
		path := filepath.Join(root, ConfigFileName)
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
				return nil, fmt.Errorf("load %s: %w", path, err)
			}
		}
	}

	if err := k.Load(env.ProviderWithValue("BIFF_", ".", func(key, value string) (string, interface{}) {
		mapped, ok := envKeys[strings.TrimPrefix(key, "BIFF_")]
		if !ok {
			return "", nil
		}
		return mapped, value
	}), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg := &Config{
		Repo:           repo,
		RepoRoot:       root,
		TeamMembers:    k.Strings("team.members"),
		RelayURL:       k.String("relay.url"),
		RelayToken:     k.String("relay.token"),
		RelayNkeysSeed: k.String("relay.nkeys_seed"),
		RelayCreds:     k.String("relay.user_credentials"),
	}

	if flags.RelayURL != "" {
		cfg.RelayURL = flags.RelayURL
	}

	prefix := flags.Prefix
	if prefix == "" {
		prefix = os.TempDir()
	}
	cfg.DataDir = filepath.Join(prefix, "biff", repo)
	if flags.DataDir != "" {
		cfg.DataDir = flags.DataDir
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home: %w", err)
	}
	cfg.UnreadDir = filepath.Join(home, ".biff", "unread")

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	set := 0
	for _, v := range []string{c.RelayToken, c.RelayNkeysSeed, c.RelayCreds} {
		if v != "" {
			set++
		}
	}
	if set > 1 {
		return fmt.Errorf("at most one of relay.token, relay.nkeys_seed, relay.user_credentials may be set")
	}
	return nil
}

// ConfigPath returns the repo's .biff path, "" outside a repository.
func (c *Config) ConfigPath() string {
	if c.RepoRoot == "" {
		return ""
	}
	return filepath.Join(c.RepoRoot, ConfigFileName)
}

// UnreadFile returns this repo's status file consumed by the status
// bar.
func (c *Config) UnreadFile() string {
	return filepath.Join(c.UnreadDir, c.Repo+".json")
}

// Starter is the template written by `biff init`.
const Starter = `# biff per-repository configuration.

[team]
# Logins that show up in who/finger completion hints.
members = []

[relay]
# Leave url empty to coordinate through the local filesystem (single
# host). Point it at a NATS server with JetStream to share presence and
# messages across hosts.
# url = "nats://nats.example.com:4222"

# At most one credential may be set:
# token = "s3cret"
# nkeys_seed = "/home/you/.config/nats/user.nk"
# user_credentials = "/home/you/.config/nats/user.creds"
`
