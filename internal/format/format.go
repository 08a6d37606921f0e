// Package format renders query and parameter results as the
// left-aligned Markdown tables spec §7 requires for tool text bodies.
// The spec treats a Markdown formatter as an external collaborator;
// this module has no such external process, so the rendering lives
// here as the only implementation available to callers.
package format

import (
	"fmt"
	"strings"
)

const ellipsis = "..."

// MaxCellWidth truncates any rendered cell longer than this, appending
// an ellipsis, so a single wide column cannot blow up a result body.
const MaxCellWidth = 200

// Table renders column headers and rows as a left-aligned Markdown
// table. When maxRows >= 0 and len(rows) > maxRows, only the first
// maxRows rows are rendered and a trailing truncation line is
// appended (spec §7). maxRows < 0 means unlimited.
func Table(columns []string, rows [][]string, maxRows int) string {
	if len(columns) == 0 {
		return "(no columns)"
	}

	var b strings.Builder
	writeRow(&b, columns)
	writeSeparator(&b, len(columns))

	total := len(rows)
	shown := rows
	truncated := false
	if maxRows >= 0 && total > maxRows {
		shown = rows[:maxRows]
		truncated = true
	}

	for _, row := range shown {
		writeRow(&b, padRow(row, len(columns)))
	}

	if truncated {
		fmt.Fprintf(&b, "... (showing first %d rows of %d total)\n", maxRows, total)
	}
	fmt.Fprintf(&b, "\nTotal rows: %d\n", total)
	return b.String()
}

// ParameterRow is one row of a parameter description table (spec §7's
// "format:table" response for get_stored_procedure_parameters).
type ParameterRow struct {
	Name      string
	Type      string
	Required  bool
	Direction string
	Default   string
}

// ParameterTable renders the `| Parameter | Type | Required | Direction | Default |`
// table spec §7 specifies for stored-procedure parameter descriptions.
func ParameterTable(params []ParameterRow) string {
	var b strings.Builder
	writeRow(&b, []string{"Parameter", "Type", "Required", "Direction", "Default"})
	writeSeparator(&b, 5)
	for _, p := range params {
		required := "no"
		if p.Required {
			required = "yes"
		}
		def := p.Default
		if def == "" {
			def = "-"
		}
		writeRow(&b, []string{p.Name, p.Type, required, p.Direction, def})
	}
	return b.String()
}

func writeRow(b *strings.Builder, cells []string) {
	b.WriteString("|")
	for _, c := range cells {
		b.WriteString(" ")
		b.WriteString(truncate(escapeCell(c)))
		b.WriteString(" |")
	}
	b.WriteString("\n")
}

func writeSeparator(b *strings.Builder, n int) {
	b.WriteString("|")
	for i := 0; i < n; i++ {
		b.WriteString(" --- |")
	}
	b.WriteString("\n")
}

func padRow(row []string, n int) []string {
	if len(row) >= n {
		return row[:n]
	}
	padded := make([]string, n)
	copy(padded, row)
	for i := len(row); i < n; i++ {
		padded[i] = ""
	}
	return padded
}

func truncate(s string) string {
	if len(s) <= MaxCellWidth {
		return s
	}
	return s[:MaxCellWidth-len(ellipsis)] + ellipsis
}

// escapeCell neutralizes pipe characters and newlines so a cell value
// cannot break the table's row structure.
func escapeCell(s string) string {
	s = strings.ReplaceAll(s, "\\", "\\\\")
	s = strings.ReplaceAll(s, "|", "\\|")
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\r", "")
	return s
}
