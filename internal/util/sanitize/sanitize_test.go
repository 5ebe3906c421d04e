package sanitize

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRepoName(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"plain", "biff", "biff"},
		{"owner slash repo", "punt-labs/biff", "punt-labs_biff"},
		{"dots become dashes", "my.repo", "my-repo"},
		{"spaces become dashes", "my repo", "my-repo"},
		{"keeps dash underscore", "a-b_c", "a-b_c"},
		{"strips punctuation", "repo!@#$%", "repo"},
		{"strips unicode", "répo日本", "rpo"},
		{"empty", "", "_default"},
		{"only punctuation", "!!!", "_default"},
		{"mixed", "Owner/Repo.Name v2", "Owner_Repo-Name-v2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := RepoName(tt.input)
			assert.Equal(t, tt.want, got, "RepoName(%q)", tt.input)
		})
	}
}
