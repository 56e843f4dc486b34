package evidence

import (
	"archive/zip"
	"bytes"
	"embed"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"text/template"
	"time"

	"github.com/sealvault/evidence-plane/internal/canonical"
	"github.com/sealvault/evidence-plane/internal/models"
)

// Format identifies the bundle layout.
const Format = "evidence-bundle/1"

// Fixed entry names.
const (
	SecretFile   = "secret.json"
	AuditFile    = "audit_trail.csv"
	ScriptFile   = "verify.py"
	ReadmeFile   = "README.md"
	ManifestFile = "manifest.json"

	versionMetaFile      = "version.json"
	versionContentFile   = "content.md"
	versionCanonicalFile = "canonical.json"
	versionTokenFile     = "tsa_token.tsr"
	versionQualifiedFile = "eidas_qts.tsr"
)

// AuditHeader is the header row of audit_trail.csv.
var AuditHeader = []string{"created_at", "actor_id", "action", "version_id", "ip_address", "user_agent", "metadata"}

//go:embed templates/README.md.tmpl templates/verify.py
var templateFS embed.FS

// versionDir returns the archive directory of version n.
func versionDir(n int) string {
	return fmt.Sprintf("versions/v%d/", n)
}

type secretDoc struct {
	Format           string    `json:"format"`
	ID               string    `json:"id"`
	OrgID            string    `json:"org_id"`
	Title            string    `json:"title"`
	Description      string    `json:"description"`
	Classification   string    `json:"classification"`
	Status           string    `json:"status"`
	CurrentVersionID *string   `json:"current_version_id"`
	CreatedBy        string    `json:"created_by"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
	VersionCount     int       `json:"version_count"`
	ExportedBy       string    `json:"exported_by"`
	ExportedAt       time.Time `json:"exported_at"`
}

type tsaDoc struct {
	Name          string    `json:"name"`
	PolicyOID     string    `json:"policy_oid"`
	SerialNumber  string    `json:"serial_number"`
	Time          time.Time `json:"time"`
	TokenFile     string    `json:"token_file"`
	QualifiedFile string    `json:"qualified_token_file,omitempty"`
}

// canonicalInputs are the parts of the hashed record that are not stored
// elsewhere in the version directory.
type canonicalInputs struct {
	SecretID    string                `json:"secretId"`
	Timestamp   string                `json:"timestamp"`
	ContentData json.RawMessage       `json:"contentData"`
	Files       []canonical.FileEntry `json:"files"`
}

type versionDoc struct {
	ID            string          `json:"id"`
	VersionNumber int             `json:"version_number"`
	SHA256        string          `json:"sha256_hash"`
	TSA           tsaDoc          `json:"tsa"`
	SignedBy      []models.Signer `json:"signed_by"`
	CreatedBy     string          `json:"created_by"`
	CreatedAt     time.Time       `json:"created_at"`
	Canonical     canonicalInputs `json:"canonical"`
}

type manifestEntry struct {
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
	Size   int    `json:"size"`
}

type manifestDoc struct {
	Format      string          `json:"format"`
	SecretID    string          `json:"secret_id"`
	GeneratedAt time.Time       `json:"generated_at"`
	Algorithm   string          `json:"algorithm"`
	Files       []manifestEntry `json:"files"`
}

type readmeVersion struct {
	Number    int
	Hash      string
	TSA       string
	PolicyOID string
	Serial    string
	Time      string
	SignedBy  string
	Qualified bool
}

type readmeData struct {
	Title          string
	SecretID       string
	OrgID          string
	Classification string
	Status         string
	ExportedBy     string
	ExportedAt     string
	AuditEntries   int
	Versions       []readmeVersion
}

// contents is everything that goes into one bundle.
type contents struct {
	secret     *models.Secret
	versions   []*models.Version
	audit      []*models.AuditEntry
	exportedBy string
	exportedAt time.Time
}

// builder writes entries into a zip and remembers their digests for the
// manifest.
type builder struct {
	zw       *zip.Writer
	modified time.Time
	entries  []manifestEntry
}

func (b *builder) add(name string, data []byte) error {
	w, err := b.zw.CreateHeader(&zip.FileHeader{
		Name:     name,
		Method:   zip.Deflate,
		Modified: b.modified,
	})
	if err != nil {
		return fmt.Errorf("creating %s: %w", name, err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("writing %s: %w", name, err)
	}
	b.entries = append(b.entries, manifestEntry{
		Path:   name,
		SHA256: canonical.Digest(data),
		Size:   len(data),
	})
	return nil
}

func (b *builder) addJSON(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding %s: %w", name, err)
	}
	return b.add(name, append(data, '\n'))
}

// assemble renders the whole archive in memory.
func assemble(c contents, readme *template.Template, script []byte) ([]byte, error) {
	var buf bytes.Buffer
	b := &builder{zw: zip.NewWriter(&buf), modified: c.exportedAt}

	s := c.secret
	err := b.addJSON(SecretFile, secretDoc{
		Format:           Format,
		ID:               s.ID,
		OrgID:            s.OrgID,
		Title:            s.Title,
		Description:      s.Description,
		Classification:   string(s.Classification),
		Status:           string(s.Status),
		CurrentVersionID: s.CurrentVersionID,
		CreatedBy:        s.CreatedBy,
		CreatedAt:        s.CreatedAt,
		UpdatedAt:        s.UpdatedAt,
		VersionCount:     len(c.versions),
		ExportedBy:       c.exportedBy,
		ExportedAt:       c.exportedAt,
	})
	if err != nil {
		return nil, err
	}

	readmeVersions := make([]readmeVersion, 0, len(c.versions))
	for _, v := range c.versions {
		if err := addVersion(b, v); err != nil {
			return nil, err
		}
		readmeVersions = append(readmeVersions, readmeVersion{
			Number:    v.VersionNumber,
			Hash:      v.SHA256,
			TSA:       v.TSAName,
			PolicyOID: v.TSAPolicyOID,
			Serial:    v.TSASerial,
			Time:      canonical.FormatInstant(v.TSATime),
			SignedBy:  signerList(v.SignedBy),
			Qualified: len(v.EIDASQTS) > 0,
		})
	}

	trail, err := auditCSV(c.audit)
	if err != nil {
		return nil, err
	}
	if err := b.add(AuditFile, trail); err != nil {
		return nil, err
	}
	if err := b.add(ScriptFile, script); err != nil {
		return nil, err
	}

	var doc bytes.Buffer
	err = readme.Execute(&doc, readmeData{
		Title:          s.Title,
		SecretID:       s.ID,
		OrgID:          s.OrgID,
		Classification: string(s.Classification),
		Status:         string(s.Status),
		ExportedBy:     c.exportedBy,
		ExportedAt:     canonical.FormatInstant(c.exportedAt),
		AuditEntries:   len(c.audit),
		Versions:       readmeVersions,
	})
	if err != nil {
		return nil, fmt.Errorf("rendering README: %w", err)
	}
	if err := b.add(ReadmeFile, doc.Bytes()); err != nil {
		return nil, err
	}

	listed := append([]manifestEntry(nil), b.entries...)
	sort.Slice(listed, func(i, j int) bool { return listed[i].Path < listed[j].Path })
	err = b.addJSON(ManifestFile, manifestDoc{
		Format:      Format,
		SecretID:    s.ID,
		GeneratedAt: c.exportedAt,
		Algorithm:   "sha256",
		Files:       listed,
	})
	if err != nil {
		return nil, err
	}

	if err := b.zw.Close(); err != nil {
		return nil, fmt.Errorf("closing archive: %w", err)
	}
	return buf.Bytes(), nil
}

func addVersion(b *builder, v *models.Version) error {
	dir := versionDir(v.VersionNumber)

	inputs := canonicalInputs{SecretID: v.SecretID, ContentData: json.RawMessage("null"), Files: []canonical.FileEntry{}}
	if rec, err := canonical.Parse(v.CanonicalJSON); err == nil {
		inputs = canonicalInputs{
			SecretID:    rec.SecretID,
			Timestamp:   rec.Timestamp,
			ContentData: rec.ContentData,
			Files:       rec.Files,
		}
		if inputs.Files == nil {
			inputs.Files = []canonical.FileEntry{}
		}
		if len(inputs.ContentData) == 0 {
			inputs.ContentData = json.RawMessage("null")
		}
	}

	doc := versionDoc{
		ID:            v.ID,
		VersionNumber: v.VersionNumber,
		SHA256:        v.SHA256,
		TSA: tsaDoc{
			Name:         v.TSAName,
			PolicyOID:    v.TSAPolicyOID,
			SerialNumber: v.TSASerial,
			Time:         v.TSATime,
			TokenFile:    versionTokenFile,
		},
		SignedBy:  v.SignedBy,
		CreatedBy: v.CreatedBy,
		CreatedAt: v.CreatedAt,
		Canonical: inputs,
	}
	if len(v.EIDASQTS) > 0 {
		doc.TSA.QualifiedFile = versionQualifiedFile
	}

	if err := b.addJSON(dir+versionMetaFile, doc); err != nil {
		return err
	}
	if err := b.add(dir+versionContentFile, []byte(v.ContentMarkdown)); err != nil {
		return err
	}
	if err := b.add(dir+versionCanonicalFile, []byte(v.CanonicalJSON)); err != nil {
		return err
	}
	if err := b.add(dir+versionTokenFile, v.TSAToken); err != nil {
		return err
	}
	if len(v.EIDASQTS) > 0 {
		return b.add(dir+versionQualifiedFile, v.EIDASQTS)
	}
	return nil
}

// auditCSV renders the trail in its official order, one row per entry.
func auditCSV(entries []*models.AuditEntry) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(AuditHeader); err != nil {
		return nil, err
	}
	for _, e := range entries {
		versionID := ""
		if e.VersionID != nil {
			versionID = *e.VersionID
		}
		meta := "{}"
		if len(e.Metadata) > 0 {
			b, err := json.Marshal(e.Metadata)
			if err != nil {
				return nil, fmt.Errorf("encoding audit metadata: %w", err)
			}
			meta = string(b)
		}
		row := []string{
			e.CreatedAt.UTC().Format(time.RFC3339Nano),
			e.ActorID,
			string(e.Action),
			versionID,
			e.IPAddress,
			e.UserAgent,
			meta,
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("writing audit trail: %w", err)
	}
	return buf.Bytes(), nil
}

func signerList(signers []models.Signer) string {
	parts := make([]string, 0, len(signers))
	for _, s := range signers {
		parts = append(parts, fmt.Sprintf("`%s` (%s)", s.UserID, s.Role))
	}
	if len(parts) == 0 {
		return "unknown"
	}
	return strings.Join(parts, ", ")
}
