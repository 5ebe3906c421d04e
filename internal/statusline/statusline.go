// Package statusline wires biff into the Claude Code status bar. The
// installed statusLine command runs `biff statusline`, which composes
// the user's original status line (stashed at install time) with a
// summary of unread counts across every repository's status file.
package statusline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/punt-labs/biff/internal/model"
	"github.com/punt-labs/biff/internal/util/atomicfile"
)

const originalTimeout = 5 * time.Second

// Statusline carries the well-known paths so tests can relocate them.
type Statusline struct {
	SettingsPath string // ~/.claude/settings.json
	StashPath    string // ~/.biff/statusline-original.json
	UnreadDir    string // ~/.biff/unread
}

// Default resolves the real per-user paths.
func Default() (*Statusline, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home: %w", err)
	}
	return &Statusline{
		SettingsPath: filepath.Join(home, ".claude", "settings.json"),
		StashPath:    filepath.Join(home, ".biff", "statusline-original.json"),
		UnreadDir:    filepath.Join(home, ".biff", "unread"),
	}, nil
}

// Installed reports whether the status bar hook is in place.
func (s *Statusline) Installed() bool {
	_, err := os.Stat(s.StashPath)
	return err == nil
}

// Install stashes the current statusLine setting and points it at
// `biff statusline`. Idempotent: a second install is a no-op.
func (s *Statusline) Install() (string, error) {
	if s.Installed() {
		return "Already installed.", nil
	}
	settings, err := readJSONFile(s.SettingsPath)
	if err != nil {
		return "", err
	}
	if err := writeJSONFile(s.StashPath, map[string]any{"original": settings["statusLine"]}); err != nil {
		return "", err
	}
	settings["statusLine"] = map[string]any{
		"type":    "command",
		"command": BiffCommand() + " statusline",
	}
	if err := writeJSONFile(s.SettingsPath, settings); err != nil {
		return "", err
	}
	return "Installed.", nil
}

// Uninstall restores the stashed statusLine value and removes the
// stash.
func (s *Statusline) Uninstall() (string, error) {
	if !s.Installed() {
		return "Not installed.", nil
	}
	stash, err := readJSONFile(s.StashPath)
	if err != nil {
		return "", err
	}
	settings, err := readJSONFile(s.SettingsPath)
	if err != nil {
		return "", err
	}
	if original := stash["original"]; original == nil {
		delete(settings, "statusLine")
	} else {
		settings["statusLine"] = original
	}
	if err := writeJSONFile(s.SettingsPath, settings); err != nil {
		return "", err
	}
	if err := os.Remove(s.StashPath); err != nil {
		return "", err
	}
	return "Uninstalled.", nil
}

// Render produces the status bar text: the original command's output
// (fed the session JSON from stdin) joined with the biff segment.
func (s *Statusline) Render(ctx context.Context, stdin io.Reader, out io.Writer) error {
	input, _ := io.ReadAll(stdin)
	segment := s.segment()
	if original := s.runOriginal(ctx, input); original != "" {
		segment = original + " | " + segment
	}
	_, err := fmt.Fprintln(out, segment)
	return err
}

// segment sums unread counts across every repository's status file.
// Nonzero counts render bold yellow; the escape codes are emitted
// unconditionally because the status bar is not a TTY.
func (s *Statusline) segment() string {
	total := 0
	paths, _ := filepath.Glob(filepath.Join(s.UnreadDir, "*.json"))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		var summary model.UnreadSummary
		if err := json.Unmarshal(data, &summary); err != nil {
			continue
		}
		total += summary.Count
	}
	if total == 0 {
		return "biff"
	}
	return fmt.Sprintf("\033[1;33mbiff(%d)\033[0m", total)
}

// runOriginal runs the stashed status line command, passing the session
// JSON through. Empty on any failure: the biff segment must render no
// matter what the user's command does.
func (s *Statusline) runOriginal(ctx context.Context, input []byte) string {
	stash, err := readJSONFile(s.StashPath)
	if err != nil {
		return ""
	}
	original, ok := stash["original"].(map[string]any)
	if !ok {
		return ""
	}
	command, ok := original["command"].(string)
	if !ok || command == "" {
		return ""
	}
	ctx, cancel := context.WithTimeout(ctx, originalTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Stdin = strings.NewReader(string(input))
	out, err := cmd.Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

// BiffCommand resolves how the installed hooks should invoke biff: the
// binary on PATH when present, else the running executable.
func BiffCommand() string {
	if path, err := exec.LookPath("biff"); err == nil {
		return path
	}
	if path, err := os.Executable(); err == nil {
		return path
	}
	return "biff"
}

func readJSONFile(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

func writeJSONFile(path string, value map[string]any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	return atomicfile.WriteFile(path, append(data, '\n'), 0o600)
}
