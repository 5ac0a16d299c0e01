package render

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"gopkg.in/yaml.v3"
)

// Format represents an output format
type Format string

const (
	FormatHuman  Format = "human"
	FormatTable  Format = "table"
	FormatJSON   Format = "json"
	FormatNDJSON Format = "ndjson"
	FormatYAML   Format = "yaml"
	FormatTSV    Format = "tsv"
)

// ParseFormat validates an output format name
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatHuman, FormatTable, FormatJSON, FormatNDJSON, FormatYAML, FormatTSV:
		return f, nil
	case "":
		return FormatHuman, nil
	default:
		return "", fmt.Errorf("invalid output format %q: must be one of human, table, json, ndjson, yaml, tsv", s)
	}
}

// Options for rendering
type Options struct {
	Format    Format
	Porcelain bool
	// Color enables ANSI styling in human and table output
	Color bool
}

// Renderer handles output rendering
type Renderer struct {
	writer io.Writer
	opts   Options
	Styles Styles
}

// NewRenderer creates a new renderer
func NewRenderer(writer io.Writer, opts Options) *Renderer {
	return &Renderer{
		writer: writer,
		opts:   opts,
		Styles: NewStyles(opts.Color && !opts.Porcelain),
	}
}

// Writer returns the underlying writer
func (r *Renderer) Writer() io.Writer {
	return r.writer
}

// Format returns the configured output format
func (r *Renderer) Format() Format {
	return r.opts.Format
}

// RenderJSON renders data as JSON
func (r *Renderer) RenderJSON(data interface{}) error {
	encoder := json.NewEncoder(r.writer)
	encoder.SetEscapeHTML(false)
	if !r.opts.Porcelain {
		encoder.SetIndent("", "  ")
	}
	return encoder.Encode(data)
}

// RenderNDJSON renders items as newline-delimited JSON
func (r *Renderer) RenderNDJSON(items []interface{}) error {
	encoder := json.NewEncoder(r.writer)
	encoder.SetEscapeHTML(false)
	for _, item := range items {
		if err := encoder.Encode(item); err != nil {
			return err
		}
	}
	return nil
}

// RenderYAML renders data as YAML
func (r *Renderer) RenderYAML(data interface{}) error {
	encoder := yaml.NewEncoder(r.writer)
	encoder.SetIndent(2)
	defer encoder.Close()
	return encoder.Encode(data)
}

// RenderTSV renders data as tab-separated values
func (r *Renderer) RenderTSV(headers []string, rows [][]string) error {
	if _, err := fmt.Fprintln(r.writer, strings.Join(headers, "\t")); err != nil {
		return err
	}
	for _, row := range rows {
		if _, err := fmt.Fprintln(r.writer, strings.Join(row, "\t")); err != nil {
			return err
		}
	}
	return nil
}

// RenderTable renders data as an aligned table. Column widths are computed
// on the plain cell text so styling does not skew alignment.
func (r *Renderer) RenderTable(headers []string, rows [][]string) error {
	if len(rows) == 0 {
		return nil
	}
	if r.opts.Porcelain {
		return r.RenderTSV(headers, rows)
	}

	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) && len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}

	r.renderTableRow(headers, widths, r.Styles.Header)
	r.renderTableSeparator(widths)
	for _, row := range rows {
		r.renderTableRow(row, widths, nil)
	}
	return nil
}

// Render dispatches structured data by format. Human output falls back to
// the table form.
func (r *Renderer) Render(data interface{}, headers []string, rows [][]string) error {
	switch r.opts.Format {
	case FormatJSON:
		return r.RenderJSON(data)
	case FormatYAML:
		return r.RenderYAML(data)
	case FormatTSV:
		return r.RenderTSV(headers, rows)
	case FormatNDJSON:
		items := make([]interface{}, 0, len(rows))
		if list, ok := data.([]interface{}); ok {
			items = list
		} else {
			items = append(items, data)
		}
		return r.RenderNDJSON(items)
	default:
		return r.RenderTable(headers, rows)
	}
}

func (r *Renderer) renderTableRow(cells []string, widths []int, style func(a ...interface{}) string) {
	for i, cell := range cells {
		if i >= len(widths) {
			break
		}
		padded := fmt.Sprintf("%-*s", widths[i], cell)
		if i == len(cells)-1 {
			padded = strings.TrimRight(padded, " ")
		}
		if style != nil {
			padded = style(padded)
		}
		fmt.Fprint(r.writer, padded)
		if i < len(cells)-1 {
			fmt.Fprint(r.writer, "  ")
		}
	}
	fmt.Fprintln(r.writer)
}

func (r *Renderer) renderTableSeparator(widths []int) {
	for i, width := range widths {
		fmt.Fprint(r.writer, strings.Repeat("-", width))
		if i < len(widths)-1 {
			fmt.Fprint(r.writer, "  ")
		}
	}
	fmt.Fprintln(r.writer)
}

// Styles holds the color functions used by human output
type Styles struct {
	Header  func(a ...interface{}) string
	Success func(a ...interface{}) string
	Failure func(a ...interface{}) string
	Warning func(a ...interface{}) string
	Muted   func(a ...interface{}) string
}

// NewStyles builds styles; with enabled false every function returns plain text
func NewStyles(enabled bool) Styles {
	mk := func(attrs ...color.Attribute) func(a ...interface{}) string {
		c := color.New(attrs...)
		if enabled {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
		return c.SprintFunc()
	}
	return Styles{
		Header:  mk(color.Bold),
		Success: mk(color.FgGreen),
		Failure: mk(color.FgRed, color.Bold),
		Warning: mk(color.FgYellow),
		Muted:   mk(color.Faint),
	}
}
