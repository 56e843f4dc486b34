// Package canonical produces the deterministic serialization of sealed content
// and its SHA-256 digest.
//
// A Record is serialized with the RFC 8785 JSON Canonicalization Scheme: object
// keys are sorted at every level, strings use minimal escaping and numbers use
// ECMAScript formatting. Two parties holding the same Record always compute the
// same bytes and therefore the same digest.
package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/gowebpki/jcs"
)

// InstantLayout is the ISO-8601 layout used for the capture instant.
const InstantLayout = "2006-01-02T15:04:05.000Z"

var (
	// ErrMissingSecretID is returned when the record has no secret identifier.
	ErrMissingSecretID = errors.New("canonical: secret id is required")
	// ErrInvalidVersion is returned for version numbers below 1.
	ErrInvalidVersion = errors.New("canonical: version number must be >= 1")
	// ErrInvalidContentData is returned when structured content is not valid JSON.
	ErrInvalidContentData = errors.New("canonical: content data is not valid JSON")
	// ErrInvalidTimestamp is returned when a stored instant cannot be parsed.
	ErrInvalidTimestamp = errors.New("canonical: invalid timestamp")
)

// FileEntry is the reduced manifest form of an attached file.
type FileEntry struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
	Hash string `json:"hash"`
}

// Record is the exact structure that is hashed.
type Record struct {
	SecretID        string          `json:"secretId"`
	VersionNumber   int             `json:"versionNumber"`
	ContentMarkdown string          `json:"contentMarkdown"`
	ContentData     json.RawMessage `json:"contentData"`
	Files           []FileEntry     `json:"files"`
	Timestamp       string          `json:"timestamp"`
}

// Input is what a sealer knows before canonicalization.
type Input struct {
	SecretID        string
	VersionNumber   int
	ContentMarkdown string
	ContentData     json.RawMessage
	Files           []FileEntry
	CapturedAt      time.Time
}

// Result is the canonical form of an Input.
type Result struct {
	Record     Record
	Canonical  string
	Digest     string
	CapturedAt time.Time
}

// FormatInstant renders t in the canonical instant layout (UTC, milliseconds).
func FormatInstant(t time.Time) string {
	return t.UTC().Format(InstantLayout)
}

// ParseInstant parses an instant produced by FormatInstant.
func ParseInstant(s string) (time.Time, error) {
	t, err := time.Parse(InstantLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrInvalidTimestamp, err)
	}
	return t, nil
}

// SortFiles returns a name-ordered copy of files. Ties are broken by hash and
// then size so the order never depends on upload order.
func SortFiles(files []FileEntry) []FileEntry {
	out := make([]FileEntry, len(files))
	copy(out, files)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		if out[i].Hash != out[j].Hash {
			return out[i].Hash < out[j].Hash
		}
		return out[i].Size < out[j].Size
	})
	return out
}

// NewRecord builds the hashed record for in. The capture instant is truncated
// to millisecond precision, which is what the record can represent.
func NewRecord(in Input) (Record, error) {
	if in.SecretID == "" {
		return Record{}, ErrMissingSecretID
	}
	if in.VersionNumber < 1 {
		return Record{}, ErrInvalidVersion
	}
	data, err := normalizeData(in.ContentData)
	if err != nil {
		return Record{}, err
	}
	return Record{
		SecretID:        in.SecretID,
		VersionNumber:   in.VersionNumber,
		ContentMarkdown: in.ContentMarkdown,
		ContentData:     data,
		Files:           SortFiles(in.Files),
		Timestamp:       FormatInstant(in.CapturedAt),
	}, nil
}

// Marshal serializes rec canonically.
func Marshal(rec Record) ([]byte, error) {
	if rec.Files == nil {
		rec.Files = []FileEntry{}
	}
	data, err := normalizeData(rec.ContentData)
	if err != nil {
		return nil, err
	}
	rec.ContentData = data

	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("canonical: marshal record: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonical: transform: %w", err)
	}
	return out, nil
}

// Digest returns the lowercase hex SHA-256 of b.
func Digest(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Canonicalize builds, serializes and hashes the record for in.
func Canonicalize(in Input) (*Result, error) {
	rec, err := NewRecord(in)
	if err != nil {
		return nil, err
	}
	b, err := Marshal(rec)
	if err != nil {
		return nil, err
	}
	capturedAt, err := ParseInstant(rec.Timestamp)
	if err != nil {
		return nil, err
	}
	return &Result{
		Record:     rec,
		Canonical:  string(b),
		Digest:     Digest(b),
		CapturedAt: capturedAt,
	}, nil
}

// Parse decodes a stored canonical snapshot back into its Record.
func Parse(canonicalJSON string) (Record, error) {
	var rec Record
	dec := json.NewDecoder(bytes.NewReader([]byte(canonicalJSON)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&rec); err != nil {
		return Record{}, fmt.Errorf("canonical: parse snapshot: %w", err)
	}
	if _, err := ParseInstant(rec.Timestamp); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// Recompute re-serializes rec and returns its canonical form and digest.
func Recompute(rec Record) (string, string, error) {
	b, err := Marshal(rec)
	if err != nil {
		return "", "", err
	}
	return string(b), Digest(b), nil
}

func normalizeData(data json.RawMessage) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return json.RawMessage("null"), nil
	}
	if err := ValidateContentData(trimmed); err != nil {
		return nil, err
	}
	return json.RawMessage(trimmed), nil
}

// ValidateContentData reports ErrInvalidContentData for structured content
// that is not JSON or has no canonical form, such as a lone surrogate escape
// or a number outside the float64 range.
func ValidateContentData(data json.RawMessage) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil
	}
	if !json.Valid(trimmed) {
		return ErrInvalidContentData
	}
	wrapped := make([]byte, 0, len(trimmed)+6)
	wrapped = append(wrapped, `{"d":`...)
	wrapped = append(wrapped, trimmed...)
	wrapped = append(wrapped, '}')
	if _, err := jcs.Transform(wrapped); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidContentData, err)
	}
	return nil
}
