package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRepoDir(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, ".git"), 0o750))
	return root
}

func TestParseRemoteSlug(t *testing.T) {
	tests := []struct {
		name string
		url  string
		want string
	}{
		{"ssh", "git@github.com:punt-labs/biff.git", "punt-labs/biff"},
		{"ssh no suffix", "git@github.com:punt-labs/biff", "punt-labs/biff"},
		{"https", "https://github.com/punt-labs/biff.git", "punt-labs/biff"},
		{"https trailing slash", "https://github.com/punt-labs/biff/", "punt-labs/biff"},
		{"http", "http://gitea.local/team/tool", "team/tool"},
		{"deep path", "https://gitlab.com/group/sub/repo.git", ""},
		{"bare word", "biff", ""},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, parseRemoteSlug(tt.url))
		})
	}
}

func TestFindRepoRoot(t *testing.T) {
	root := newRepoDir(t)
	nested := filepath.Join(root, "a", "b")
	require.NoError(t, os.MkdirAll(nested, 0o750))

	got, ok := FindRepoRoot(nested)
	require.True(t, ok)
	assert.Equal(t, root, got)

	_, ok = FindRepoRoot(t.TempDir())
	assert.False(t, ok)
}

func TestLoadOutsideRepo(t *testing.T) {
	cfg, err := Load(Flags{CWD: t.TempDir()})
	require.NoError(t, err)
	assert.Equal(t, "_default", cfg.Repo)
	assert.Empty(t, cfg.RepoRoot)
	assert.Empty(t, cfg.RelayURL)
	assert.Empty(t, cfg.ConfigPath())
	assert.Equal(t, filepath.Join(os.TempDir(), "biff", "_default"), cfg.DataDir)
}

func TestLoadConfigFile(t *testing.T) {
	root := newRepoDir(t)
	biff := `
[team]
members = ["kai", "eric"]

[relay]
url = "nats://bus.example.com:4222"
token = "s3cret"
`
	require.NoError(t, os.WriteFile(filepath.Join(root, ConfigFileName), []byte(biff), 0o600))

	cfg, err := Load(Flags{CWD: root})
	require.NoError(t, err)
	assert.Equal(t, []string{"kai", "eric"}, cfg.TeamMembers)
	assert.Equal(t, "nats://bus.example.com:4222", cfg.RelayURL)
	assert.Equal(t, "s3cret", cfg.RelayToken)
	assert.Equal(t, filepath.Join(root, ConfigFileName), cfg.ConfigPath())
	// No origin remote: the repo scope falls back to the directory name.
	assert.Equal(t, filepath.Base(root), cfg.Repo)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	root := newRepoDir(t)
	require.NoError(t, os.WriteFile(filepath.Join(root, ConfigFileName),
		[]byte("[relay]\nurl = \"nats://file:4222\"\n"), 0o600))
	t.Setenv("BIFF_RELAY_URL", "nats://env:4222")

	cfg, err := Load(Flags{CWD: root})
	require.NoError(t, err)
	assert.Equal(t, "nats://env:4222", cfg.RelayURL)
}

func TestLoadIgnoresUnmappedEnv(t *testing.T) {
	root := newRepoDir(t)
	t.Setenv("BIFF_TEAM_MEMBERS", "sneaky")
	t.Setenv("BIFF_RELAY_TOKEN", "tok")

	cfg, err := Load(Flags{CWD: root})
	require.NoError(t, err)
	assert.Empty(t, cfg.TeamMembers)
	assert.Equal(t, "tok", cfg.RelayToken)
}

func TestLoadFlagOverridesAll(t *testing.T) {
	root := newRepoDir(t)
	t.Setenv("BIFF_RELAY_URL", "nats://env:4222")

	cfg, err := Load(Flags{CWD: root, RelayURL: "nats://flag:4222", DataDir: "/srv/biff"})
	require.NoError(t, err)
	assert.Equal(t, "nats://flag:4222", cfg.RelayURL)
	assert.Equal(t, "/srv/biff", cfg.DataDir)
}

func TestLoadRejectsMultipleCredentials(t *testing.T) {
	root := newRepoDir(t)
	biff := `
[relay]
url = "nats://bus:4222"
token = "t"
user_credentials = "/home/kai/.creds"
`
	require.NoError(t, os.WriteFile(filepath.Join(root, ConfigFileName), []byte(biff), 0o600))

	_, err := Load(Flags{CWD: root})
	assert.ErrorContains(t, err, "at most one")
}

func TestUnreadFile(t *testing.T) {
	cfg, err := Load(Flags{CWD: t.TempDir()})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(cfg.UnreadDir, "_default.json"), cfg.UnreadFile())
}
