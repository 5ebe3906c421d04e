package server

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRenderTableAlignment(t *testing.T) {
	out := renderTable(
		[]string{"NAME", "TTY", "PLAN"},
		[][]string{
			{"@kai", "aabb1122", "fixing auth"},
			{"@eric", "cc001122", "(no plan)"},
		},
	)

	lines := strings.Split(out, "\n")
	assert.Len(t, lines, 3)
	assert.Equal(t, "▶ NAME  | TTY      | PLAN", lines[0])
	assert.Equal(t, "  @kai  | aabb1122 | fixing auth", lines[1])
	assert.Equal(t, "  @eric | cc001122 | (no plan)", lines[2])
}

func TestRenderTableHeaderOnly(t *testing.T) {
	out := renderTable([]string{"A", "B"}, nil)
	assert.Equal(t, "▶ A | B", out)
}

func TestRenderTableLastColumnUnpadded(t *testing.T) {
	out := renderTable(
		[]string{"TO", "MESSAGE"},
		[][]string{{"kai", "hi"}},
	)
	for _, line := range strings.Split(out, "\n") {
		assert.Equal(t, strings.TrimRight(line, " "), line)
	}
}

func TestRenderTableWideRunes(t *testing.T) {
	out := renderTable(
		[]string{"NAME", "PLAN"},
		[][]string{
			{"@kai", "デプロイ中"},
			{"@eric", "idle"},
		},
	)
	lines := strings.Split(out, "\n")
	// Both separators must land in the same display column.
	assert.Equal(t, strings.Index(lines[1], "|"), strings.Index(lines[2], "|"))
}
