package server

import (
	"strings"

	"github.com/mattn/go-runewidth"
)

// renderTable lays out rows in aligned columns joined by " | ". The
// header row leads with the "▶" sentinel the display collaborator keys
// on; data rows are indented to line up under it. Cells are padded to
// the column's display width (wide runes counted properly); the last
// column is left unpadded.
func renderTable(headers []string, rows [][]string) string {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = runewidth.StringWidth(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) && runewidth.StringWidth(cell) > widths[i] {
				widths[i] = runewidth.StringWidth(cell)
			}
		}
	}

	var b strings.Builder
	b.WriteString("▶ ")
	writeRow(&b, headers, widths)
	for _, row := range rows {
		b.WriteString("\n  ")
		writeRow(&b, row, widths)
	}
	return b.String()
}

func writeRow(b *strings.Builder, cells []string, widths []int) {
	for i, cell := range cells {
		if i > 0 {
			b.WriteString(" | ")
		}
		b.WriteString(cell)
		if i < len(cells)-1 {
			if pad := widths[i] - runewidth.StringWidth(cell); pad > 0 {
				b.WriteString(strings.Repeat(" ", pad))
			}
		}
	}
}
