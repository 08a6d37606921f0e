package format

import (
	"strings"
	"testing"
)

func TestTableBasic(t *testing.T) {
	out := Table([]string{"id", "name"}, [][]string{{"1", "Alice"}, {"2", "Bob"}}, -1)
	if !strings.Contains(out, "| id | name |") {
		t.Errorf("missing header row: %q", out)
	}
	if !strings.Contains(out, "| 1 | Alice |") {
		t.Errorf("missing data row: %q", out)
	}
	if !strings.Contains(out, "Total rows: 2") {
		t.Errorf("missing total rows line: %q", out)
	}
}

func TestTableTruncatesRows(t *testing.T) {
	rows := [][]string{{"1"}, {"2"}, {"3"}}
	out := Table([]string{"id"}, rows, 2)
	if !strings.Contains(out, "showing first 2 rows of 3 total") {
		t.Errorf("missing truncation line: %q", out)
	}
	if strings.Contains(out, "| 3 |") {
		t.Errorf("row 3 should have been truncated: %q", out)
	}
}

func TestTableEscapesPipesAndNewlines(t *testing.T) {
	out := Table([]string{"note"}, [][]string{{"a|b\nc"}}, -1)
	if !strings.Contains(out, `a\|b c`) {
		t.Errorf("pipe/newline not escaped: %q", out)
	}
}

func TestTableTruncatesWideCells(t *testing.T) {
	wide := strings.Repeat("x", MaxCellWidth+50)
	out := Table([]string{"col"}, [][]string{{wide}}, -1)
	if !strings.Contains(out, ellipsis) {
		t.Errorf("expected ellipsis for wide cell: %q", out)
	}
}

func TestTableNoColumns(t *testing.T) {
	out := Table(nil, nil, -1)
	if out != "(no columns)" {
		t.Errorf("Table(nil, nil, -1) = %q", out)
	}
}

func TestParameterTable(t *testing.T) {
	out := ParameterTable([]ParameterRow{
		{Name: "@CustomerId", Type: "int", Required: true, Direction: "in", Default: ""},
		{Name: "@Limit", Type: "int", Required: false, Direction: "in", Default: "10"},
	})
	if !strings.Contains(out, "| Parameter | Type | Required | Direction | Default |") {
		t.Errorf("missing header: %q", out)
	}
	if !strings.Contains(out, "| @CustomerId | int | yes | in | - |") {
		t.Errorf("missing required row: %q", out)
	}
	if !strings.Contains(out, "| @Limit | int | no | in | 10 |") {
		t.Errorf("missing optional row: %q", out)
	}
}
