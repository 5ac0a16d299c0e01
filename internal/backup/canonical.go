package backup

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// CanonicalJSON re-encodes a JSON document deterministically: object keys
// sorted, no insignificant whitespace, no HTML escaping, numbers preserved
// verbatim.
func CanonicalJSON(raw []byte) ([]byte, error) {
	value, err := decodeValue(raw)
	if err != nil {
		return nil, err
	}
	return encodeValue(value, "")
}

// ComputeRev computes the sha256 revision of artifact bytes as "sha256:<hex>"
func ComputeRev(data []byte) string {
	hash := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(hash[:])
}

// PrettyJSON is the indented form of CanonicalJSON, for diffs and display
func PrettyJSON(raw []byte) ([]byte, error) {
	value, err := decodeValue(raw)
	if err != nil {
		return nil, err
	}
	return encodeValue(value, "  ")
}

// canonicalArray encodes a list of raw documents as one canonical array
func canonicalArray(items []json.RawMessage) ([]byte, error) {
	values := make([]any, 0, len(items))
	for _, item := range items {
		v, err := decodeValue(item)
		if err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	return encodeValue(values, "")
}

func decodeValue(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("failed to decode JSON: %w", err)
	}
	return v, nil
}

// encodeValue relies on encoding/json sorting map keys
func encodeValue(v any, indent string) ([]byte, error) {
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	encoder.SetEscapeHTML(false)
	if indent != "" {
		encoder.SetIndent("", indent)
	}
	if err := encoder.Encode(v); err != nil {
		return nil, fmt.Errorf("failed to encode JSON: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

var nonSlug = regexp.MustCompile(`[^a-z0-9]+`)

const maxSlugLen = 80

// Slug turns an email or record id into a directory-safe name: lower-case,
// runs of anything outside [a-z0-9] collapsed to a single hyphen
func Slug(s string) string {
	s = nonSlug.ReplaceAllString(strings.ToLower(strings.TrimSpace(s)), "-")
	s = strings.Trim(s, "-")
	if len(s) > maxSlugLen {
		s = strings.TrimRight(s[len(s)-maxSlugLen:], "-")
		s = strings.TrimLeft(s, "-")
	}
	if s == "" {
		return "unknown"
	}
	return s
}
