// Package install registers biff with the host coding session: an MCP
// server entry in ~/.claude.json, the slash-command files, a tool
// permission, and the status bar hook. Every step is idempotent and
// reports ok/skip/fail so doctor and the CLI can show what happened.
package install

import (
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/punt-labs/biff/internal/statusline"
	"github.com/punt-labs/biff/internal/util/atomicfile"
)

//go:embed commands/*.md
var commandFS embed.FS

// CommandFiles lists the deployed slash commands, one per tool.
var CommandFiles = []string{
	"finger.md", "last.md", "mesg.md", "plan.md", "read.md", "who.md", "write.md",
}

// ToolPermission is appended to permissions.allow so tool calls do not
// prompt.
const ToolPermission = "mcp__biff__*"

// Status of one install step.
type Status string

const (
	StatusOK   Status = "ok"
	StatusSkip Status = "skip"
	StatusFail Status = "fail"
)

// StepResult is one line of install/uninstall output.
type StepResult struct {
	Name   string
	Status Status
	Detail string
}

// Installer carries the target paths so tests can relocate them.
type Installer struct {
	ClaudeConfigPath string // ~/.claude.json
	SettingsPath     string // ~/.claude/settings.json
	CommandsDir      string // ~/.claude/commands
	Statusline       *statusline.Statusline
}

// Default resolves the real per-user paths.
func Default() (*Installer, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home: %w", err)
	}
	sl, err := statusline.Default()
	if err != nil {
		return nil, err
	}
	return &Installer{
		ClaudeConfigPath: filepath.Join(home, ".claude.json"),
		SettingsPath:     filepath.Join(home, ".claude", "settings.json"),
		CommandsDir:      filepath.Join(home, ".claude", "commands"),
		Statusline:       sl,
	}, nil
}

// Install runs all registration steps and reports each.
func (i *Installer) Install() []StepResult {
	return []StepResult{
		i.ensureMCPServer(),
		i.deployCommands(),
		i.allowPermission(),
		i.installStatusline(),
	}
}

// Uninstall reverses Install step by step.
func (i *Installer) Uninstall() []StepResult {
	return []StepResult{
		i.removeMCPServer(),
		i.removeCommands(),
		i.removePermission(),
		i.uninstallStatusline(),
	}
}

// Registered reports whether the MCP server entry is present; doctor's
// transport probe.
func (i *Installer) Registered() bool {
	cfg, err := readJSONFile(i.ClaudeConfigPath)
	if err != nil {
		return false
	}
	servers, ok := cfg["mcpServers"].(map[string]any)
	if !ok {
		return false
	}
	_, ok = servers["biff"]
	return ok
}

// MissingCommands lists command files not yet deployed; doctor's
// command probe.
func (i *Installer) MissingCommands() []string {
	var missing []string
	for _, name := range CommandFiles {
		if _, err := os.Stat(filepath.Join(i.CommandsDir, name)); err != nil {
			missing = append(missing, name)
		}
	}
	return missing
}

func (i *Installer) ensureMCPServer() StepResult {
	step := "mcp server"
	cfg, err := readJSONFile(i.ClaudeConfigPath)
	if err != nil {
		return StepResult{step, StatusFail, err.Error()}
	}
	servers, ok := cfg["mcpServers"].(map[string]any)
	if !ok {
		servers = map[string]any{}
	}
	entry := map[string]any{
		"type":    "stdio",
		"command": statusline.BiffCommand(),
		"args":    []any{"serve", "--transport", "stdio"},
	}
	if existing, ok := servers["biff"]; ok && equalJSON(existing, entry) {
		return StepResult{step, StatusSkip, "already registered"}
	}
	servers["biff"] = entry
	cfg["mcpServers"] = servers
	if err := writeJSONFile(i.ClaudeConfigPath, cfg); err != nil {
		return StepResult{step, StatusFail, err.Error()}
	}
	return StepResult{step, StatusOK, "registered in " + i.ClaudeConfigPath}
}

func (i *Installer) removeMCPServer() StepResult {
	step := "mcp server"
	cfg, err := readJSONFile(i.ClaudeConfigPath)
	if err != nil {
		return StepResult{step, StatusFail, err.Error()}
	}
	servers, ok := cfg["mcpServers"].(map[string]any)
	if !ok {
		return StepResult{step, StatusSkip, "not registered"}
	}
	if _, ok := servers["biff"]; !ok {
		return StepResult{step, StatusSkip, "not registered"}
	}
	delete(servers, "biff")
	if err := writeJSONFile(i.ClaudeConfigPath, cfg); err != nil {
		return StepResult{step, StatusFail, err.Error()}
	}
	return StepResult{step, StatusOK, "removed"}
}

func (i *Installer) deployCommands() StepResult {
	step := "commands"
	if err := os.MkdirAll(i.CommandsDir, 0o750); err != nil {
		return StepResult{step, StatusFail, err.Error()}
	}
	deployed := 0
	for _, name := range CommandFiles {
		data, err := fs.ReadFile(commandFS, "commands/"+name)
		if err != nil {
			return StepResult{step, StatusFail, err.Error()}
		}
		target := filepath.Join(i.CommandsDir, name)
		if existing, err := os.ReadFile(target); err == nil && string(existing) == string(data) {
			continue
		}
		if err := atomicfile.WriteFile(target, data, 0o644); err != nil {
			return StepResult{step, StatusFail, err.Error()}
		}
		deployed++
	}
	if deployed == 0 {
		return StepResult{step, StatusSkip, "already deployed"}
	}
	return StepResult{step, StatusOK, fmt.Sprintf("%d files in %s", deployed, i.CommandsDir)}
}

func (i *Installer) removeCommands() StepResult {
	step := "commands"
	removed := 0
	for _, name := range CommandFiles {
		err := os.Remove(filepath.Join(i.CommandsDir, name))
		if err == nil {
			removed++
		} else if !errors.Is(err, os.ErrNotExist) {
			return StepResult{step, StatusFail, err.Error()}
		}
	}
	if removed == 0 {
		return StepResult{step, StatusSkip, "none deployed"}
	}
	return StepResult{step, StatusOK, fmt.Sprintf("%d files removed", removed)}
}

func (i *Installer) allowPermission() StepResult {
	step := "permissions"
	settings, err := readJSONFile(i.SettingsPath)
	if err != nil {
		return StepResult{step, StatusFail, err.Error()}
	}
	permissions, ok := settings["permissions"].(map[string]any)
	if !ok {
		permissions = map[string]any{}
	}
	allow, ok := permissions["allow"].([]any)
	if !ok {
		allow = []any{}
	}
	for _, v := range allow {
		if v == ToolPermission {
			return StepResult{step, StatusSkip, "already allowed"}
		}
	}
	permissions["allow"] = append(allow, ToolPermission)
	settings["permissions"] = permissions
	if err := writeJSONFile(i.SettingsPath, settings); err != nil {
		return StepResult{step, StatusFail, err.Error()}
	}
	return StepResult{step, StatusOK, ToolPermission + " allowed"}
}

func (i *Installer) removePermission() StepResult {
	step := "permissions"
	settings, err := readJSONFile(i.SettingsPath)
	if err != nil {
		return StepResult{step, StatusFail, err.Error()}
	}
	permissions, ok := settings["permissions"].(map[string]any)
	if !ok {
		return StepResult{step, StatusSkip, "not present"}
	}
	allow, ok := permissions["allow"].([]any)
	if !ok {
		return StepResult{step, StatusSkip, "not present"}
	}
	kept := allow[:0]
	found := false
	for _, v := range allow {
		if v == ToolPermission {
			found = true
			continue
		}
		kept = append(kept, v)
	}
	if !found {
		return StepResult{step, StatusSkip, "not present"}
	}
	permissions["allow"] = kept
	if err := writeJSONFile(i.SettingsPath, settings); err != nil {
		return StepResult{step, StatusFail, err.Error()}
	}
	return StepResult{step, StatusOK, "removed"}
}

func (i *Installer) installStatusline() StepResult {
	msg, err := i.Statusline.Install()
	if err != nil {
		return StepResult{"statusline", StatusFail, err.Error()}
	}
	if msg == "Already installed." {
		return StepResult{"statusline", StatusSkip, msg}
	}
	return StepResult{"statusline", StatusOK, msg}
}

func (i *Installer) uninstallStatusline() StepResult {
	msg, err := i.Statusline.Uninstall()
	if err != nil {
		return StepResult{"statusline", StatusFail, err.Error()}
	}
	if msg == "Not installed." {
		return StepResult{"statusline", StatusSkip, msg}
	}
	return StepResult{"statusline", StatusOK, msg}
}

func equalJSON(a, b any) bool {
	aj, err := json.Marshal(a)
	if err != nil {
		return false
	}
	bj, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return string(aj) == string(bj)
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
