// Package backup captures point-in-time snapshots of a contact record before
// any destructive operation touches it.
//
// A snapshot is a directory holding the record's profile, the work items it
// owns, created or reported, and the conversations it is a member of, each as
// canonical JSON, plus a manifest with counts and a sha256 revision per
// artifact. The manifest is written last, so a directory without one is a
// capture that did not finish.
package backup

import (
	"encoding/json"
	"time"
)

// SchemaVersion is the manifest layout version
const SchemaVersion = 1

// Artifact file names inside a snapshot directory
const (
	ProfileFile       = "profile.json"
	WorkItemsFile     = "work_items.json"
	ConversationsFile = "conversations.json"
	ManifestFile      = "manifest.json"
)

// Manifest describes one snapshot directory
type Manifest struct {
	SchemaVersion int       `json:"schema_version"`
	RecordID      string    `json:"record_id"`
	Email         string    `json:"email"`
	IdentityRef   string    `json:"identity_ref,omitempty"`
	CapturedAt    time.Time `json:"captured_at"`
	Counts        Counts    `json:"counts"`
	// Artifacts maps artifact file name to its "sha256:<hex>" revision
	Artifacts map[string]string `json:"artifacts"`
}

// Counts records how many items each artifact holds
type Counts struct {
	WorkItems     int `json:"work_items"`
	Conversations int `json:"conversations"`
}

// Snapshot is a loaded or freshly captured backup
type Snapshot struct {
	Dir           string            `json:"dir"`
	Manifest      Manifest          `json:"manifest"`
	Profile       json.RawMessage   `json:"profile"`
	WorkItems     []json.RawMessage `json:"work_items"`
	Conversations []json.RawMessage `json:"conversations"`
}

// IntegrityReport is the advisory comparison of a snapshot with its input row
type IntegrityReport struct {
	RecordID string `json:"record_id"`
	Expected int    `json:"expected_ticket_count"`
	Captured int    `json:"captured_work_items"`
	OK       bool   `json:"ok"`
	Message  string `json:"message,omitempty"`
}

// ArtifactCheck is the result of re-hashing one artifact against the manifest
type ArtifactCheck struct {
	File     string `json:"file"`
	Expected string `json:"expected"`
	Actual   string `json:"actual,omitempty"`
	OK       bool   `json:"ok"`
	Error    string `json:"error,omitempty"`
}
