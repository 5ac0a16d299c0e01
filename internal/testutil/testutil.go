package testutil

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/lherron/revmerge/internal/ledger"
)

// TempLedger opens an empty ledger in a temporary directory
func TempLedger(t *testing.T) (*ledger.Ledger, string) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "ledger.db")
	l, err := ledger.Open(path, ledger.Options{})
	if err != nil {
		t.Fatalf("Failed to open test ledger: %v", err)
	}

	t.Cleanup(func() {
		l.Close()
	})

	return l, path
}

// ContactsHeader is the CSV header of a full contact export
const ContactsHeader = "REV_USER_ID,DISPLAY_NAME,EMAIL,EXTERNAL_REF,TICKET_COUNT,CREATED_DATE,MODIFIED_DATE"

// WriteContactsCSV writes a contact export with the standard header. Each row
// is a comma-joined line without the header.
func WriteContactsCSV(t *testing.T, dir string, rows ...string) string {
	t.Helper()
	content := ContactsHeader + "\n" + strings.Join(rows, "\n") + "\n"
	return WriteFile(t, dir, "contacts.csv", content)
}

// WriteFile writes content to a file in dir, creating parent directories
func WriteFile(t *testing.T, dir, filename, content string) string {
	t.Helper()
	path := filepath.Join(dir, filename)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("Failed to create directory for %s: %v", path, err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write file %s: %v", path, err)
	}
	return path
}

// ReadFile reads content from a file
func ReadFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read file %s: %v", path, err)
	}
	return string(data)
}

// Glob returns the files in dir matching pattern, failing on a bad pattern
func Glob(t *testing.T, dir, pattern string) []string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, pattern))
	if err != nil {
		t.Fatalf("Bad glob %q: %v", pattern, err)
	}
	return matches
}
