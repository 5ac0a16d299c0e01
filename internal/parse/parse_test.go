package parse

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const sampleCSV = `REV_USER_ID,DISPLAY_NAME,EMAIL,EXTERNAL_REF,TICKET_COUNT,CREATED_DATE
don:identity:revu/1,Ann,ann@example.com,user_123,5,2024-01-02
don:identity:revu/2,Ann B,ANN@example.com ,REVU-9,3,
`

func TestDetectFormat(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		input   string
		want    Format
		wantErr bool
	}{
		{name: "csv extension", path: "contacts.csv", input: "", want: FormatCSV},
		{name: "json extension", path: "contacts.JSON", input: "", want: FormatJSON},
		{name: "yml extension", path: "contacts.yml", input: "", want: FormatYAML},
		{name: "sniff JSON array", path: "-", input: `[{"rev_user_id": "a"}]`, want: FormatJSON},
		{name: "invalid JSON returns error", path: "-", input: `{not valid json}`, wantErr: true},
		{name: "sniff YAML list", path: "-", input: "- rev_user_id: a\n", want: FormatYAML},
		{name: "sniff CSV header", path: "-", input: "REV_USER_ID,EMAIL\n", want: FormatCSV},
		{name: "empty input errors", path: "-", input: "  \n", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DetectFormat(tt.path, []byte(tt.input))
			if (err != nil) != tt.wantErr {
				t.Errorf("DetectFormat() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if got != tt.want {
				t.Errorf("DetectFormat() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseCSV(t *testing.T) {
	res, err := ParseCSV(strings.NewReader(sampleCSV))
	if err != nil {
		t.Fatalf("ParseCSV() error = %v", err)
	}
	if len(res.Rejected) != 0 {
		t.Fatalf("unexpected rejections: %+v", res.Rejected)
	}
	if len(res.Records) != 2 {
		t.Fatalf("got %d records, want 2", len(res.Records))
	}

	first := res.Records[0]
	if first.ID != "don:identity:revu/1" || first.IdentityRef != "user_123" || first.TicketCount != 5 {
		t.Errorf("first record = %+v", first)
	}
	if first.Row != 2 {
		t.Errorf("first.Row = %d, want 2", first.Row)
	}
	if first.CreatedAt.IsZero() {
		t.Errorf("expected CreatedAt to be parsed")
	}

	second := res.Records[1]
	if second.Email != "ANN@example.com" {
		t.Errorf("second.Email = %q, want trimmed value", second.Email)
	}
	if second.NormalizedEmail() != first.NormalizedEmail() {
		t.Errorf("normalized emails differ: %q vs %q", second.NormalizedEmail(), first.NormalizedEmail())
	}
}

func TestParseCSV_RejectsBadRows(t *testing.T) {
	input := `REV_USER_ID,DISPLAY_NAME,EMAIL,EXTERNAL_REF,TICKET_COUNT
a,A,a@example.com,user_1,2
,B,b@example.com,user_2,1
c,C,not-an-email,user_3,1
d,D,d@example.com,REVU-1,lots
e,E,e@example.com,REVU-2,-1
f,F,f@example.com,,0
`
	res, err := ParseCSV(strings.NewReader(input))
	if err != nil {
		t.Fatalf("ParseCSV() error = %v", err)
	}
	if len(res.Records) != 2 {
		t.Fatalf("got %d records, want 2 (a and f)", len(res.Records))
	}
	if res.Records[1].IdentityRef != "" {
		t.Errorf("empty EXTERNAL_REF should be accepted as empty, got %q", res.Records[1].IdentityRef)
	}

	wantRows := []int{3, 4, 5, 6}
	if len(res.Rejected) != len(wantRows) {
		t.Fatalf("got %d rejections, want %d: %+v", len(res.Rejected), len(wantRows), res.Rejected)
	}
	for i, row := range wantRows {
		if res.Rejected[i].Row != row {
			t.Errorf("rejection %d row = %d, want %d", i, res.Rejected[i].Row, row)
		}
		if res.Rejected[i].Reason == "" {
			t.Errorf("rejection %d has empty reason", i)
		}
	}
	if !strings.Contains(res.Rejected[2].Error(), "d") {
		t.Errorf("RowError should name the record id: %q", res.Rejected[2].Error())
	}
}

func TestParseCSV_MissingColumns(t *testing.T) {
	_, err := ParseCSV(strings.NewReader("REV_USER_ID,EMAIL\nx,x@example.com\n"))
	if err == nil {
		t.Fatal("expected error for missing columns")
	}
	for _, col := range []string{ColumnDisplayName, ColumnExternalRef, ColumnTicketCount} {
		if !strings.Contains(err.Error(), col) {
			t.Errorf("error %q does not name missing column %s", err, col)
		}
	}
}

func TestParseCSV_EmptyInput(t *testing.T) {
	if _, err := ParseCSV(strings.NewReader("")); err == nil {
		t.Fatal("expected error for empty input")
	}
}

func TestParse_StructuredFormats(t *testing.T) {
	tests := []struct {
		name   string
		path   string
		input  string
		format string
	}{
		{
			name:  "JSON array with numeric ticket count",
			path:  "in.json",
			input: `[{"rev_user_id":"a","email":"a@example.com","external_ref":"user_1","ticket_count":4}]`,
		},
		{
			name:  "JSON wrapped in contacts",
			path:  "in.json",
			input: `{"contacts":[{"rev_user_id":"a","email":"a@example.com","external_ref":"user_1","ticket_count":"4"}]}`,
		},
		{
			name:  "YAML list",
			path:  "in.yaml",
			input: "- rev_user_id: a\n  email: a@example.com\n  external_ref: user_1\n  ticket_count: 4\n",
		},
		{
			name:   "explicit format overrides extension",
			path:   "in.txt",
			input:  "- rev_user_id: a\n  email: a@example.com\n  external_ref: user_1\n  ticket_count: 4\n",
			format: "yaml",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := Parse(tt.path, []byte(tt.input), tt.format)
			if err != nil {
				t.Fatalf("Parse() error = %v", err)
			}
			if len(res.Records) != 1 {
				t.Fatalf("got %d records, rejected %+v", len(res.Records), res.Rejected)
			}
			if res.Records[0].TicketCount != 4 || res.Records[0].Row != 1 {
				t.Errorf("record = %+v", res.Records[0])
			}
		})
	}
}

func TestParse_StructuredBadElementRejectsOnlyItsRow(t *testing.T) {
	tests := []struct {
		name  string
		path  string
		input string
	}{
		{
			name: "JSON email of the wrong type",
			path: "in.json",
			input: `[{"rev_user_id":"a","email":"a@example.com","external_ref":"user_1","ticket_count":4},
				{"rev_user_id":"b","email":5,"external_ref":"REVU-1","ticket_count":1},
				{"rev_user_id":"c","email":"c@example.com","external_ref":"REVU-2","ticket_count":2}]`,
		},
		{
			name: "JSON wrapped in contacts",
			path: "in.json",
			input: `{"contacts":[{"rev_user_id":"a","email":"a@example.com","external_ref":"user_1","ticket_count":4},
				{"rev_user_id":"b","email":{"x":1},"external_ref":"REVU-1","ticket_count":1},
				{"rev_user_id":"c","email":"c@example.com","external_ref":"REVU-2","ticket_count":2}]}`,
		},
		{
			name: "YAML email given as a list",
			path: "in.yaml",
			input: "- rev_user_id: a\n  email: a@example.com\n  external_ref: user_1\n  ticket_count: 4\n" +
				"- rev_user_id: b\n  email: [b@example.com]\n  external_ref: REVU-1\n  ticket_count: 1\n" +
				"- rev_user_id: c\n  email: c@example.com\n  external_ref: REVU-2\n  ticket_count: 2\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := Parse(tt.path, []byte(tt.input), "")
			if err != nil {
				t.Fatalf("Parse() error = %v", err)
			}
			if len(res.Records) != 2 || res.Records[0].ID != "a" || res.Records[1].ID != "c" {
				t.Fatalf("records = %+v", res.Records)
			}
			if res.Records[1].Row != 3 {
				t.Errorf("record c row = %d, want 3", res.Records[1].Row)
			}
			if len(res.Rejected) != 1 {
				t.Fatalf("rejected = %+v, want one row", res.Rejected)
			}
			rej := res.Rejected[0]
			if rej.Row != 2 || rej.ID != "b" || !strings.Contains(rej.Reason, "invalid row") {
				t.Errorf("rejected = %+v", rej)
			}
		})
	}
}

func TestParse_UnsupportedFormat(t *testing.T) {
	if _, err := Parse("in.csv", []byte("x"), "xml"); err == nil {
		t.Fatal("expected error for unsupported format")
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "contacts.csv")
	if err := os.WriteFile(path, []byte(sampleCSV), 0644); err != nil {
		t.Fatal(err)
	}

	res, err := LoadFile(path, "")
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if len(res.Records) != 2 {
		t.Errorf("got %d records, want 2", len(res.Records))
	}

	if _, err := LoadFile(filepath.Join(dir, "missing.csv"), ""); err == nil {
		t.Error("expected error for missing file")
	}
}
