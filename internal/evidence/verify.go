package evidence

import (
	"archive/zip"
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strconv"

	"github.com/sealvault/evidence-plane/internal/canonical"
	"github.com/sealvault/evidence-plane/internal/envelope"
)

// maxEntrySize bounds how much of a single archive entry is read.
const maxEntrySize = 256 << 20

var (
	// ErrEncrypted is returned for bundles that must be decrypted first.
	ErrEncrypted = errors.New("bundle is age-encrypted; decrypt it first")
	// ErrNotBundle is returned when the input is not a readable evidence bundle.
	ErrNotBundle = errors.New("not an evidence bundle")
)

var versionMetaPattern = regexp.MustCompile(`^versions/v(\d+)/version\.json$`)

// VersionResult is the outcome for one bundled version.
type VersionResult struct {
	Number       int      `json:"number"`
	StoredHash   string   `json:"stored_hash"`
	ComputedHash string   `json:"computed_hash"`
	Match        bool     `json:"match"`
	Problems     []string `json:"problems,omitempty"`
}

// ArchiveReport is the result of verifying a bundle offline.
type ArchiveReport struct {
	SecretID         string          `json:"secret_id"`
	Versions         []VersionResult `json:"versions"`
	ManifestOK       bool            `json:"manifest_ok"`
	ManifestProblems []string        `json:"manifest_problems,omitempty"`
	// Actions counts audit trail rows per action.
	Actions map[string]int `json:"actions"`
	Valid   bool           `json:"valid"`
}

// VerifyArchive performs the same checks as the bundled verify.py: every
// version's canonical record is rebuilt from version.json and content.md and
// re-hashed, and every file is checked against the manifest.
func VerifyArchive(data []byte) (*ArchiveReport, error) {
	if envelope.IsEncrypted(data) {
		return nil, ErrEncrypted
	}
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotBundle, err)
	}

	files := make(map[string][]byte, len(zr.File))
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		b, err := readEntry(f)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrNotBundle, f.Name, err)
		}
		files[f.Name] = b
	}

	var secret secretDoc
	if err := json.Unmarshal(files[SecretFile], &secret); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrNotBundle, SecretFile, err)
	}

	report := &ArchiveReport{SecretID: secret.ID, Actions: map[string]int{}}
	valid := true

	var numbers []int
	for name := range files {
		if m := versionMetaPattern.FindStringSubmatch(name); m != nil {
			n, _ := strconv.Atoi(m[1])
			numbers = append(numbers, n)
		}
	}
	sort.Ints(numbers)
	for _, n := range numbers {
		res := verifyVersion(files, n)
		valid = valid && res.Match
		report.Versions = append(report.Versions, res)
	}

	report.ManifestProblems = verifyManifest(files)
	report.ManifestOK = len(report.ManifestProblems) == 0
	valid = valid && report.ManifestOK

	if rows, err := auditRows(files[AuditFile]); err != nil {
		report.ManifestProblems = append(report.ManifestProblems, err.Error())
		report.ManifestOK = false
		valid = false
	} else {
		for _, row := range rows {
			report.Actions[row[2]]++
		}
	}

	report.Valid = valid
	return report, nil
}

func readEntry(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	b, err := io.ReadAll(io.LimitReader(rc, maxEntrySize+1))
	if err != nil {
		return nil, err
	}
	if len(b) > maxEntrySize {
		return nil, fmt.Errorf("entry larger than %d bytes", maxEntrySize)
	}
	return b, nil
}

func verifyVersion(files map[string][]byte, n int) VersionResult {
	dir := versionDir(n)
	res := VersionResult{Number: n}

	var doc versionDoc
	if err := json.Unmarshal(files[dir+versionMetaFile], &doc); err != nil {
		res.Problems = append(res.Problems, "version.json unreadable: "+err.Error())
		return res
	}
	res.StoredHash = doc.SHA256

	content, ok := files[dir+versionContentFile]
	if !ok {
		res.Problems = append(res.Problems, "content.md missing")
		return res
	}

	rec := canonical.Record{
		SecretID:        doc.Canonical.SecretID,
		VersionNumber:   doc.VersionNumber,
		ContentMarkdown: string(content),
		ContentData:     doc.Canonical.ContentData,
		Files:           canonical.SortFiles(doc.Canonical.Files),
		Timestamp:       doc.Canonical.Timestamp,
	}
	_, digest, err := canonical.Recompute(rec)
	if err != nil {
		res.Problems = append(res.Problems, err.Error())
		return res
	}
	res.ComputedHash = digest
	if digest != doc.SHA256 {
		res.Problems = append(res.Problems, "digest mismatch")
	}
	if snapshot, ok := files[dir+versionCanonicalFile]; !ok {
		res.Problems = append(res.Problems, "canonical.json missing")
	} else if canonical.Digest(snapshot) != doc.SHA256 {
		res.Problems = append(res.Problems, "canonical.json does not hash to the recorded digest")
	}
	res.Match = len(res.Problems) == 0
	return res
}

func verifyManifest(files map[string][]byte) []string {
	var manifest manifestDoc
	if err := json.Unmarshal(files[ManifestFile], &manifest); err != nil {
		return []string{"manifest.json unreadable"}
	}

	var problems []string
	listed := make(map[string]bool, len(manifest.Files))
	for _, entry := range manifest.Files {
		listed[entry.Path] = true
		data, ok := files[entry.Path]
		if !ok {
			problems = append(problems, entry.Path+": missing")
			continue
		}
		if canonical.Digest(data) != entry.SHA256 {
			problems = append(problems, entry.Path+": digest mismatch")
		}
	}
	for name := range files {
		if name != ManifestFile && !listed[name] {
			problems = append(problems, name+": not listed in manifest")
		}
	}
	sort.Strings(problems)
	return problems
}

func auditRows(data []byte) ([][]string, error) {
	rows, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("audit_trail.csv unreadable: %w", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("audit_trail.csv is empty")
	}
	return rows[1:], nil
}
