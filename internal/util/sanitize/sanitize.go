package sanitize

import "strings"

// DefaultRepo is the resource scope used when no repository name can be
// resolved, or when sanitization leaves nothing behind.
const DefaultRepo = "_default"

// RepoName sanitizes a repository slug for use in file paths and bus
// resource names. Slashes become underscores, dots and spaces become
// dashes, and anything outside ASCII alphanumerics, dash, and underscore
// is dropped.
func RepoName(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r == '/':
			b.WriteByte('_')
		case r == '.' || r == ' ':
			b.WriteByte('-')
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		}
	}
	out := b.String()
	if out == "" {
		return DefaultRepo
	}
	return out
}
