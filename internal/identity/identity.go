// Package identity resolves who the current process runs as. The
// identity authority is the gh CLI (the GitHub login travels well
// across hosts sharing a relay); when gh is missing or not logged in,
// the OS user is a serviceable fallback. Resolution never fails hard.
package identity

import (
	"context"
	"log/slog"
	"os/exec"
	"os/user"
	"strings"
	"time"

	"github.com/punt-labs/biff/internal/model"
)

const resolveTimeout = 5 * time.Second

// Resolve returns the process identity: gh login first, OS user
// otherwise. The override, when non-empty, wins outright (the --user
// flag).
func Resolve(ctx context.Context, override string) model.Identity {
	if override != "" {
		return model.Identity{Login: override, DisplayName: override}
	}
	if id, ok := fromGH(ctx); ok {
		return id
	}
	return fromOS()
}

func fromGH(ctx context.Context) (model.Identity, bool) {
	ctx, cancel := context.WithTimeout(ctx, resolveTimeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, "gh", "api", "user",
		"--jq", `.login + "\t" + (.name // "")`).Output()
	if err != nil {
		slog.Debug("gh identity unavailable, falling back to OS user", "error", err)
		return model.Identity{}, false
	}
	login, name, _ := strings.Cut(strings.TrimSpace(string(out)), "\t")
	if login == "" {
		return model.Identity{}, false
	}
	if name == "" {
		name = login
	}
	return model.Identity{Login: login, DisplayName: name}, true
}

func fromOS() model.Identity {
	u, err := user.Current()
	if err != nil {
		return model.Identity{Login: "unknown", DisplayName: "unknown"}
	}
	name := u.Name
	if name == "" {
		name = u.Username
	}
	return model.Identity{Login: u.Username, DisplayName: name}
}

// Check reports whether the identity authority itself is reachable.
// Used by doctor; Resolve never needs it.
func Check(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, resolveTimeout)
	defer cancel()
	if _, err := exec.LookPath("gh"); err != nil {
		return err
	}
	return exec.CommandContext(ctx, "gh", "api", "user", "--jq", ".login").Run()
}
