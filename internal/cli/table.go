package cli

import (
	"io"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// Table renders tabular data using go-pretty.
// Created via Output.Table().
type Table struct {
	out     *Output
	meta    Meta
	headers []string
	rows    [][]string
	right   map[int]bool
	caption string
}

// AddRow adds a row of values. Should match header count.
func (t *Table) AddRow(values ...string) *Table {
	t.rows = append(t.rows, values)
	return t
}

// AlignRight right-aligns the given zero-based columns in text output.
func (t *Table) AlignRight(cols ...int) *Table {
	if t.right == nil {
		t.right = make(map[int]bool, len(cols))
	}
	for _, c := range cols {
		t.right[c] = true
	}
	return t
}

// Caption sets a line printed under the text and markdown table.
func (t *Table) Caption(s string) *Table {
	t.caption = s
	return t
}

// Len returns the number of rows.
func (t *Table) Len() int {
	return len(t.rows)
}

// Render outputs the table in the configured format.
func (t *Table) Render() error {
	return t.out.Render(t)
}

// Meta returns the table metadata.
func (t *Table) Meta() Meta {
	return t.meta
}

// RenderText writes an ASCII table, or a single line when there are no rows.
func (t *Table) RenderText(w io.Writer) error {
	if len(t.rows) == 0 {
		_, err := io.WriteString(w, "no "+t.meta.Type+"\n")
		return err
	}
	tw := t.newTableWriter()
	tw.SetStyle(table.StyleLight)
	_, err := io.WriteString(w, tw.Render()+"\n")
	return err
}

// RenderJSON returns the rows as objects keyed by header.
func (t *Table) RenderJSON() any {
	result := make([]map[string]string, 0, len(t.rows))
	for _, row := range t.rows {
		obj := make(map[string]string, len(t.headers))
		for i, h := range t.headers {
			if i < len(row) {
				obj[toJSONKey(h)] = row[i]
			}
		}
		result = append(result, obj)
	}
	return result
}

// RenderMarkdown writes a markdown table.
func (t *Table) RenderMarkdown(w io.Writer) error {
	tw := t.newTableWriter()
	_, err := io.WriteString(w, tw.RenderMarkdown()+"\n")
	return err
}

func (t *Table) newTableWriter() table.Writer {
	tw := table.NewWriter()
	if t.caption != "" {
		tw.SetCaption(t.caption)
	}
	if len(t.right) > 0 {
		configs := make([]table.ColumnConfig, 0, len(t.right))
		for c := range t.right {
			configs = append(configs, table.ColumnConfig{Number: c + 1, Align: text.AlignRight})
		}
		tw.SetColumnConfigs(configs)
	}

	header := make(table.Row, len(t.headers))
	for i, h := range t.headers {
		header[i] = h
	}
	tw.AppendHeader(header)

	for _, row := range t.rows {
		r := make(table.Row, len(row))
		for i, cell := range row {
			r[i] = cell
		}
		tw.AppendRow(r)
	}
	return tw
}

// toJSONKey converts a header to a JSON key (lowercase, underscores).
func toJSONKey(s string) string {
	return strings.ToLower(strings.ReplaceAll(s, " ", "_"))
}
