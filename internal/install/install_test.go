package install

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/punt-labs/biff/internal/statusline"
)

func newTestInstaller(t *testing.T) *Installer {
	t.Helper()
	dir := t.TempDir()
	return &Installer{
		ClaudeConfigPath: filepath.Join(dir, "claude.json"),
		SettingsPath:     filepath.Join(dir, "settings.json"),
		CommandsDir:      filepath.Join(dir, "commands"),
		Statusline: &statusline.Statusline{
			SettingsPath: filepath.Join(dir, "settings.json"),
			StashPath:    filepath.Join(dir, "statusline-original.json"),
			UnreadDir:    filepath.Join(dir, "unread"),
		},
	}
}

func statuses(results []StepResult) map[string]Status {
	out := make(map[string]Status, len(results))
	for _, r := range results {
		out[r.Name] = r.Status
	}
	return out
}

func TestInstallFromScratch(t *testing.T) {
	i := newTestInstaller(t)

	results := i.Install()
	for _, r := range results {
		assert.Equal(t, StatusOK, r.Status, "%s: %s", r.Name, r.Detail)
	}

	assert.True(t, i.Registered())
	assert.Empty(t, i.MissingCommands())
	assert.True(t, i.Statusline.Installed())

	for _, name := range CommandFiles {
		data, err := os.ReadFile(filepath.Join(i.CommandsDir, name))
		require.NoError(t, err)
		assert.NotEmpty(t, data)
	}
}

func TestInstallIsIdempotent(t *testing.T) {
	i := newTestInstaller(t)

	i.Install()
	second := statuses(i.Install())
	assert.Equal(t, StatusSkip, second["mcp server"])
	assert.Equal(t, StatusSkip, second["commands"])
	assert.Equal(t, StatusSkip, second["permissions"])
	assert.Equal(t, StatusSkip, second["statusline"])
}

func TestUninstallReversesInstall(t *testing.T) {
	i := newTestInstaller(t)

	i.Install()
	results := i.Uninstall()
	for _, r := range results {
		assert.Equal(t, StatusOK, r.Status, "%s: %s", r.Name, r.Detail)
	}

	assert.False(t, i.Registered())
	assert.Len(t, i.MissingCommands(), len(CommandFiles))
	assert.False(t, i.Statusline.Installed())

	settings, err := readJSONFile(i.SettingsPath)
	require.NoError(t, err)
	if permissions, ok := settings["permissions"].(map[string]any); ok {
		if allow, ok := permissions["allow"].([]any); ok {
			assert.NotContains(t, allow, ToolPermission)
		}
	}
}

func TestUninstallNothingInstalled(t *testing.T) {
	i := newTestInstaller(t)

	for _, r := range i.Uninstall() {
		assert.Equal(t, StatusSkip, r.Status, "%s: %s", r.Name, r.Detail)
	}
}

func TestInstallPreservesForeignSettings(t *testing.T) {
	i := newTestInstaller(t)
	require.NoError(t, os.WriteFile(i.SettingsPath,
		[]byte(`{"model": "opus", "permissions": {"allow": ["Bash(ls:*)"]}}`), 0o600))

	i.Install()
	i.Uninstall()

	settings, err := readJSONFile(i.SettingsPath)
	require.NoError(t, err)
	assert.Equal(t, "opus", settings["model"])
	permissions := settings["permissions"].(map[string]any)
	assert.Contains(t, permissions["allow"].([]any), "Bash(ls:*)")
}
