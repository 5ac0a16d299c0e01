package parse

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/lherron/revmerge/internal/domain"
)

// Format represents supported input formats
type Format string

const (
	FormatCSV  Format = "csv"
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// CSV column names, matching the contact export
const (
	ColumnID          = "REV_USER_ID"
	ColumnDisplayName = "DISPLAY_NAME"
	ColumnEmail       = "EMAIL"
	ColumnExternalRef = "EXTERNAL_REF"
	ColumnTicketCount = "TICKET_COUNT"
	ColumnCreated     = "CREATED_DATE"
	ColumnModified    = "MODIFIED_DATE"
)

var requiredColumns = []string{ColumnID, ColumnDisplayName, ColumnEmail, ColumnExternalRef, ColumnTicketCount}

// Row is the format-neutral shape of one input row
type Row struct {
	ID          string `json:"rev_user_id" yaml:"rev_user_id"`
	DisplayName string `json:"display_name" yaml:"display_name"`
	Email       string `json:"email" yaml:"email"`
	ExternalRef string `json:"external_ref" yaml:"external_ref"`
	TicketCount string `json:"ticket_count" yaml:"ticket_count"`
	Created     string `json:"created_date,omitempty" yaml:"created_date,omitempty"`
	Modified    string `json:"modified_date,omitempty" yaml:"modified_date,omitempty"`
}

// RowError describes an input row that was rejected
type RowError struct {
	Row    int    `json:"row" yaml:"row"`
	ID     string `json:"id,omitempty" yaml:"id,omitempty"`
	Reason string `json:"reason" yaml:"reason"`
}

func (e *RowError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("row %d (%s): %s", e.Row, e.ID, e.Reason)
	}
	return fmt.Sprintf("row %d: %s", e.Row, e.Reason)
}

// Result holds the accepted records and the rejected rows of one load
type Result struct {
	Records  []domain.ContactRecord `json:"-" yaml:"-"`
	Rejected []RowError             `json:"rejected,omitempty" yaml:"rejected,omitempty"`
}

// DetectFormat determines the input format from the file extension, falling
// back to sniffing the content
func DetectFormat(path string, data []byte) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return FormatCSV, nil
	case ".json":
		return FormatJSON, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	}

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return "", fmt.Errorf("input is empty")
	}

	if trimmed[0] == '[' || trimmed[0] == '{' {
		var js json.RawMessage
		if err := json.Unmarshal(trimmed, &js); err == nil {
			return FormatJSON, nil
		}
		return "", fmt.Errorf("input appears to be JSON but is invalid")
	}

	if bytes.HasPrefix(trimmed, []byte("- ")) || bytes.HasPrefix(trimmed, []byte("---")) {
		return FormatYAML, nil
	}

	return FormatCSV, nil
}

// LoadFile reads and parses an input file. Failing to read the file at all
// is an error; individual bad rows are reported in Result.Rejected.
func LoadFile(path string, format string) (*Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read input %s: %w", path, err)
	}
	return Parse(path, data, format)
}

// Parse parses input data in the specified format
// If format is empty, auto-detects the format
func Parse(path string, data []byte, format string) (*Result, error) {
	var detected Format
	if format == "" {
		f, err := DetectFormat(path, data)
		if err != nil {
			return nil, err
		}
		detected = f
	} else {
		detected = Format(strings.ToLower(format))
	}

	var rows []decodedRow
	var err error
	switch detected {
	case FormatCSV:
		return ParseCSV(bytes.NewReader(data))
	case FormatJSON:
		rows, err = parseJSONRows(data)
	case FormatYAML, "yml":
		rows, err = parseYAMLRows(data)
	default:
		return nil, fmt.Errorf("unsupported format: %s", format)
	}
	if err != nil {
		return nil, err
	}

	result := &Result{}
	for i, row := range rows {
		if row.err != nil {
			result.Rejected = append(result.Rejected, RowError{Row: i + 1, ID: row.id, Reason: row.err.Error()})
			continue
		}
		result.add(i+1, row.row)
	}
	return result, nil
}

// ParseCSV parses CSV input with a header row. Row numbers in errors count
// the header as row 1.
func ParseCSV(r io.Reader) (*Result, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("input has no header row")
		}
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	index := make(map[string]int, len(header))
	for i, name := range header {
		name = strings.ToUpper(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")))
		index[name] = i
	}
	var missing []string
	for _, col := range requiredColumns {
		if _, ok := index[col]; !ok {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("input is missing required columns: %s", strings.Join(missing, ", "))
	}

	get := func(fields []string, col string) string {
		i, ok := index[col]
		if !ok || i >= len(fields) {
			return ""
		}
		return strings.TrimSpace(fields[i])
	}

	result := &Result{}
	line := 1
	for {
		fields, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			result.Rejected = append(result.Rejected, RowError{Row: line, Reason: err.Error()})
			continue
		}
		result.add(line, Row{
			ID:          get(fields, ColumnID),
			DisplayName: get(fields, ColumnDisplayName),
			Email:       get(fields, ColumnEmail),
			ExternalRef: get(fields, ColumnExternalRef),
			TicketCount: get(fields, ColumnTicketCount),
			Created:     get(fields, ColumnCreated),
			Modified:    get(fields, ColumnModified),
		})
	}
	return result, nil
}

func (res *Result) add(rowNum int, row Row) {
	record, err := ToRecord(row)
	if err != nil {
		res.Rejected = append(res.Rejected, RowError{Row: rowNum, ID: row.ID, Reason: err.Error()})
		return
	}
	record.Row = rowNum
	res.Records = append(res.Records, record)
}

// ToRecord converts and validates a row
func ToRecord(row Row) (domain.ContactRecord, error) {
	record := domain.ContactRecord{
		ID:          strings.TrimSpace(row.ID),
		DisplayName: strings.TrimSpace(row.DisplayName),
		Email:       strings.TrimSpace(row.Email),
		IdentityRef: strings.TrimSpace(row.ExternalRef),
	}

	tickets := strings.TrimSpace(row.TicketCount)
	if tickets == "" {
		return record, fmt.Errorf("missing %s", ColumnTicketCount)
	}
	n, err := strconv.Atoi(tickets)
	if err != nil {
		return record, fmt.Errorf("invalid %s %q", ColumnTicketCount, tickets)
	}
	record.TicketCount = n

	if row.Created != "" {
		if t, err := domain.ValidateTimestamp(strings.TrimSpace(row.Created)); err == nil {
			record.CreatedAt = t
		}
	}
	if row.Modified != "" {
		if t, err := domain.ValidateTimestamp(strings.TrimSpace(row.Modified)); err == nil {
			record.UpdatedAt = t
		}
	}

	if err := domain.ValidateRecord(record); err != nil {
		return record, err
	}
	return record, nil
}

// decodedRow is one element of a structured input; err is set when the
// element could not be decoded into a row
type decodedRow struct {
	row Row
	id  string
	err error
}

// parseJSONRows accepts a top-level array or an object with a "contacts"
// array. Elements are decoded one by one so a malformed element only rejects
// its own row.
func parseJSONRows(data []byte) ([]decodedRow, error) {
	var elems []json.RawMessage
	if err := json.Unmarshal(data, &elems); err != nil {
		var wrapped struct {
			Contacts []json.RawMessage `json:"contacts"`
		}
		if err := json.Unmarshal(data, &wrapped); err != nil {
			return nil, fmt.Errorf("invalid JSON: %w", err)
		}
		elems = wrapped.Contacts
	}

	rows := make([]decodedRow, 0, len(elems))
	for _, elem := range elems {
		var fr flexRow
		if err := json.Unmarshal(elem, &fr); err != nil {
			var idOnly struct {
				ID any `json:"rev_user_id"`
			}
			_ = json.Unmarshal(elem, &idOnly)
			rows = append(rows, decodedRow{id: idString(idOnly.ID), err: fmt.Errorf("invalid row: %w", err)})
			continue
		}
		rows = append(rows, decodedRow{row: fr.toRow()})
	}
	return rows, nil
}

func parseYAMLRows(data []byte) ([]decodedRow, error) {
	var nodes []yaml.Node
	if err := yaml.Unmarshal(data, &nodes); err != nil {
		var wrapped struct {
			Contacts []yaml.Node `yaml:"contacts"`
		}
		if err := yaml.Unmarshal(data, &wrapped); err != nil {
			return nil, fmt.Errorf("invalid YAML: %w", err)
		}
		nodes = wrapped.Contacts
	}

	rows := make([]decodedRow, 0, len(nodes))
	for i := range nodes {
		var fr flexRow
		if err := nodes[i].Decode(&fr); err != nil {
			var idOnly struct {
				ID any `yaml:"rev_user_id"`
			}
			_ = nodes[i].Decode(&idOnly)
			rows = append(rows, decodedRow{id: idString(idOnly.ID), err: fmt.Errorf("invalid row: %w", err)})
			continue
		}
		rows = append(rows, decodedRow{row: fr.toRow()})
	}
	return rows, nil
}

func idString(v any) string {
	switch id := v.(type) {
	case nil:
		return ""
	case string:
		return id
	default:
		return fmt.Sprint(id)
	}
}

// flexRow lets structured inputs carry ticket_count as a number or a string
type flexRow struct {
	ID          string `json:"rev_user_id" yaml:"rev_user_id"`
	DisplayName string `json:"display_name" yaml:"display_name"`
	Email       string `json:"email" yaml:"email"`
	ExternalRef string `json:"external_ref" yaml:"external_ref"`
	TicketCount any    `json:"ticket_count" yaml:"ticket_count"`
	Created     string `json:"created_date" yaml:"created_date"`
	Modified    string `json:"modified_date" yaml:"modified_date"`
}

func (r flexRow) toRow() Row {
	var tickets string
	switch v := r.TicketCount.(type) {
	case nil:
	case string:
		tickets = v
	case float64:
		tickets = strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		tickets = strconv.Itoa(v)
	default:
		tickets = fmt.Sprint(v)
	}
	return Row{
		ID:          r.ID,
		DisplayName: r.DisplayName,
		Email:       r.Email,
		ExternalRef: r.ExternalRef,
		TicketCount: tickets,
		Created:     r.Created,
		Modified:    r.Modified,
	}
}
