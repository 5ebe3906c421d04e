package config

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/punt-labs/biff/internal/util/sanitize"
)

// FindRepoRoot walks up from dir to the first directory containing
// .git. Returns ("", false) when dir is not inside a repository.
func FindRepoRoot(dir string) (string, bool) {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return "", false
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
			return dir, true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", false
		}
		dir = parent
	}
}

// RepoSlug names the repository: the owner/repo slug of the origin
// remote when one exists, else the root directory's base name. The
// result is not yet sanitized.
func RepoSlug(root string) string {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, "git", "remote", "get-url", "origin")
	cmd.Dir = root
	out, err := cmd.Output()
	if err == nil {
		if slug := parseRemoteSlug(strings.TrimSpace(string(out))); slug != "" {
			return slug
		}
	}
	return filepath.Base(root)
}

// parseRemoteSlug extracts "owner/repo" from SSH
// (git@host:owner/repo.git) and HTTP(S) (https://host/owner/repo.git)
// remote forms. Empty when the URL fits neither.
func parseRemoteSlug(url string) string {
	var path string
	switch {
	case strings.Contains(url, "://"):
		_, rest, _ := strings.Cut(url, "://")
		_, path, _ = strings.Cut(rest, "/")
	case strings.Contains(url, ":"):
		_, path, _ = strings.Cut(url, ":")
	default:
		return ""
	}
	path = strings.TrimSuffix(strings.Trim(path, "/"), ".git")
	if strings.Count(path, "/") != 1 {
		return ""
	}
	return path
}

// RepoName resolves the sanitized repository scope for dir:
// the sanitized remote slug, or sanitize.DefaultRepo outside a repo.
func RepoName(dir string) (name, root string) {
	root, ok := FindRepoRoot(dir)
	if !ok {
		return sanitize.DefaultRepo, ""
	}
	return sanitize.RepoName(RepoSlug(root)), root
}
