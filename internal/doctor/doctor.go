// Package doctor probes the environment biff depends on. Four probes
// are required (identity authority, transport registration, command
// files, relay reachability) and gate the exit code; the per-repo
// config and status bar probes are informational.
package doctor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/punt-labs/biff/internal/config"
	"github.com/punt-labs/biff/internal/identity"
	"github.com/punt-labs/biff/internal/install"
)

// relayProbeTimeout bounds the relay reachability probe.
const relayProbeTimeout = 3 * time.Second

// Result is one probe outcome.
type Result struct {
	Name     string
	Required bool
	Passed   bool
	Detail   string
}

// Env is what the probes inspect.
type Env struct {
	Config    *config.Config
	Installer *install.Installer
}

// Run executes all six probes in order.
func Run(ctx context.Context, env Env) []Result {
	return []Result{
		probeIdentity(ctx),
		probeRegistration(env.Installer),
		probeCommands(env.Installer),
		probeRelay(env.Config),
		probeConfigFile(env.Config),
		probeStatusline(env.Installer),
	}
}

// RequiredFailures counts failed required probes; the process exit
// code.
func RequiredFailures(results []Result) int {
	n := 0
	for _, r := range results {
		if r.Required && !r.Passed {
			n++
		}
	}
	return n
}

func probeIdentity(ctx context.Context) Result {
	r := Result{Name: "identity authority", Required: true}
	if err := identity.Check(ctx); err != nil {
		r.Detail = "gh unavailable or not authenticated (run: gh auth login)"
		return r
	}
	r.Passed = true
	r.Detail = "gh authenticated"
	return r
}

func probeRegistration(inst *install.Installer) Result {
	r := Result{Name: "transport registration", Required: true}
	if !inst.Registered() {
		r.Detail = "mcpServers.biff missing (run: biff install)"
		return r
	}
	r.Passed = true
	r.Detail = "mcpServers.biff present"
	return r
}

func probeCommands(inst *install.Installer) Result {
	r := Result{Name: "command files", Required: true}
	if missing := inst.MissingCommands(); len(missing) > 0 {
		r.Detail = "missing: " + strings.Join(missing, ", ") + " (run: biff install)"
		return r
	}
	r.Passed = true
	r.Detail = fmt.Sprintf("%d commands in %s", len(install.CommandFiles), inst.CommandsDir)
	return r
}

func probeRelay(cfg *config.Config) Result {
	r := Result{Name: "relay", Required: true}
	if cfg.RelayURL == "" {
		if err := probeWritable(cfg.DataDir); err != nil {
			r.Detail = fmt.Sprintf("data dir %s not writable: %v", cfg.DataDir, err)
			return r
		}
		r.Passed = true
		r.Detail = "local relay at " + cfg.DataDir
		return r
	}

	opts := []nats.Option{nats.Timeout(relayProbeTimeout)}
	switch {
	case cfg.RelayToken != "":
		opts = append(opts, nats.Token(cfg.RelayToken))
	case cfg.RelayNkeysSeed != "":
		nkey, err := nats.NkeyOptionFromSeed(cfg.RelayNkeysSeed)
		if err != nil {
			r.Detail = fmt.Sprintf("nkeys seed %s: %v", cfg.RelayNkeysSeed, err)
			return r
		}
		opts = append(opts, nkey)
	case cfg.RelayCreds != "":
		opts = append(opts, nats.UserCredentials(cfg.RelayCreds))
	}
	nc, err := nats.Connect(cfg.RelayURL, opts...)
	if err != nil {
		r.Detail = fmt.Sprintf("%s unreachable: %v", cfg.RelayURL, err)
		return r
	}
	nc.Close()
	r.Passed = true
	r.Detail = cfg.RelayURL + " reachable"
	return r
}

func probeWritable(dir string) error {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return err
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(name)
}

func probeConfigFile(cfg *config.Config) Result {
	r := Result{Name: "per-repo config", Required: false}
	path := cfg.ConfigPath()
	if path == "" {
		r.Detail = "not inside a repository"
		return r
	}
	if _, err := os.Stat(path); err != nil {
		r.Detail = fmt.Sprintf("no %s at repo root (run: biff init)", filepath.Base(path))
		return r
	}
	r.Passed = true
	r.Detail = path
	return r
}

func probeStatusline(inst *install.Installer) Result {
	r := Result{Name: "status bar", Required: false}
	if !inst.Statusline.Installed() {
		r.Detail = "not installed (run: biff install-statusline)"
		return r
	}
	r.Passed = true
	r.Detail = "installed"
	return r
}
