// Package evidence assembles self-verifying evidence bundles for sealed
// secrets and verifies them offline.
//
// A bundle is a ZIP holding every sealed version, the full audit trail, a
// manifest of file digests, a chain-of-custody README and a standalone Python
// verifier. The archive is built completely in memory before it is returned,
// so callers never stream a partial bundle.
package evidence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"text/template"
	"time"

	"filippo.io/age"

	"github.com/sealvault/evidence-plane/internal/archive"
	"github.com/sealvault/evidence-plane/internal/auth"
	"github.com/sealvault/evidence-plane/internal/canonical"
	"github.com/sealvault/evidence-plane/internal/envelope"
	"github.com/sealvault/evidence-plane/internal/metrics"
	"github.com/sealvault/evidence-plane/internal/models"
	"github.com/sealvault/evidence-plane/internal/store"
	"github.com/sealvault/evidence-plane/pkg/logger"
)

// Content types of exported bundles.
const (
	ContentTypeZip       = "application/zip"
	ContentTypeEncrypted = "application/octet-stream"
)

// ErrSecretNotFound is returned when the secret does not resolve.
var ErrSecretNotFound = errors.New("secret not found")

// Config configures the exporter.
type Config struct {
	// Archive receives a retention copy of every bundle. Optional.
	Archive archive.Store
	// Sealer encrypts bundles for age recipients. A sealer without default
	// recipients is created when nil.
	Sealer *envelope.Sealer
	// EncryptArchive stores retention copies encrypted for the sealer's
	// default recipients.
	EncryptArchive bool
	Metrics        *metrics.Metrics
	// Now is the export clock. Nil uses time.Now.
	Now func() time.Time
}

// Exporter builds evidence bundles.
type Exporter struct {
	store          store.Store
	rbac           *auth.RBACService
	archive        archive.Store
	sealer         *envelope.Sealer
	encryptArchive bool
	metrics        *metrics.Metrics
	now            func() time.Time
	readme         *template.Template
	script         []byte
	logger         *slog.Logger
}

// NewExporter creates an exporter reading from st.
func NewExporter(cfg Config, st store.Store, logger *slog.Logger) (*Exporter, error) {
	if logger == nil {
		logger = slog.Default()
	}
	readme, err := template.ParseFS(templateFS, "templates/README.md.tmpl")
	if err != nil {
		return nil, fmt.Errorf("failed to parse README template: %w", err)
	}
	script, err := templateFS.ReadFile("templates/verify.py")
	if err != nil {
		return nil, fmt.Errorf("failed to read verifier script: %w", err)
	}
	sealer := cfg.Sealer
	if sealer == nil {
		if sealer, err = envelope.NewSealer("", logger); err != nil {
			return nil, err
		}
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Exporter{
		store:          st,
		rbac:           auth.NewRBACService(st.Orgs(), logger),
		archive:        cfg.Archive,
		sealer:         sealer,
		encryptArchive: cfg.EncryptArchive,
		metrics:        cfg.Metrics,
		now:            now,
		readme:         readme,
		script:         script,
		logger:         logger.With("component", "evidence"),
	}, nil
}

// ExportRequest asks for the bundle of one secret.
type ExportRequest struct {
	SecretID  string
	ActorID   string
	IPAddress string
	UserAgent string
	// Recipients, when set, is a comma separated list of age1... keys the
	// bundle is encrypted for.
	Recipients string
}

// Bundle is a finished export.
type Bundle struct {
	Filename    string
	ContentType string
	Data        []byte
	// SHA256 is the digest of Data.
	SHA256    string
	Encrypted bool
	Versions  int
	// ArchiveLocation is where the retention copy went, if anywhere.
	ArchiveLocation string
}

// Export builds the evidence bundle of a secret. The export audit entry is
// appended before the archive is assembled so the bundled trail includes it.
func (e *Exporter) Export(ctx context.Context, req ExportRequest) (bundle *Bundle, err error) {
	defer func() {
		size := 0
		if bundle != nil {
			size = len(bundle.Data)
		}
		e.metrics.ObserveExport(err, size)
	}()

	var recipients []age.Recipient
	if strings.TrimSpace(req.Recipients) != "" {
		if recipients, err = envelope.ParseRecipients(req.Recipients); err != nil {
			return nil, err
		}
	}

	secret, err := e.store.Secrets().Get(ctx, req.SecretID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrSecretNotFound
		}
		return nil, fmt.Errorf("loading secret: %w", err)
	}
	if _, err := e.rbac.Authorize(ctx, secret.OrgID, req.ActorID, auth.PermissionReadSecrets); err != nil {
		return nil, err
	}
	ctx = logger.ContextWithActorID(logger.ContextWithSecretID(ctx, secret.ID), req.ActorID)

	versions, err := e.store.Versions().List(ctx, secret.ID)
	if err != nil {
		return nil, fmt.Errorf("listing versions: %w", err)
	}

	exportedAt := e.now().UTC().Truncate(time.Millisecond)
	err = e.store.Audit().Append(ctx, &models.AuditEntry{
		SecretID:  secret.ID,
		ActorID:   req.ActorID,
		Action:    models.AuditActionExport,
		Metadata:  map[string]any{"versions": len(versions), "encrypted": len(recipients) > 0, "format": Format},
		IPAddress: req.IPAddress,
		UserAgent: req.UserAgent,
	})
	if err != nil {
		return nil, fmt.Errorf("appending audit entry: %w", err)
	}

	trail, err := e.store.Audit().List(ctx, secret.ID, store.AuditFilter{})
	if err != nil {
		return nil, fmt.Errorf("reading audit trail: %w", err)
	}

	zipped, err := assemble(contents{
		secret:     secret,
		versions:   versions,
		audit:      trail,
		exportedBy: req.ActorID,
		exportedAt: exportedAt,
	}, e.readme, e.script)
	if err != nil {
		return nil, err
	}

	bundle = &Bundle{
		Filename:    Filename(secret.Title, exportedAt),
		ContentType: ContentTypeZip,
		Data:        zipped,
		Versions:    len(versions),
	}
	if len(recipients) > 0 {
		sealed, err := e.sealer.Seal(zipped, recipients...)
		if err != nil {
			return nil, err
		}
		bundle.Data = sealed
		bundle.Filename += envelope.Suffix
		bundle.ContentType = ContentTypeEncrypted
		bundle.Encrypted = true
	}
	bundle.SHA256 = canonical.Digest(bundle.Data)
	bundle.ArchiveLocation = e.retain(ctx, secret.ID, zipped)

	e.log(ctx).Info("evidence exported",
		"versions", len(versions),
		"bytes", len(bundle.Data),
		"sha256", bundle.SHA256,
		"encrypted", bundle.Encrypted,
	)
	return bundle, nil
}

// retain writes the retention copy. Failures are logged and reported through
// metrics only; the caller still gets the bundle.
func (e *Exporter) retain(ctx context.Context, secretID string, zipped []byte) string {
	if e.archive == nil {
		return ""
	}
	data, ext, contentType := zipped, ".zip", ContentTypeZip
	if e.encryptArchive {
		sealed, err := e.sealer.Seal(zipped)
		if err != nil {
			e.log(ctx).Error("failed to encrypt retention copy", "error", err)
			e.metrics.ObserveArchive(e.archive.Backend(), err)
			return ""
		}
		data, ext, contentType = sealed, ".zip"+envelope.Suffix, ContentTypeEncrypted
	}

	key := archive.Key(secretID, canonical.Digest(zipped), ext)
	location, err := e.archive.Put(ctx, key, data, contentType)
	e.metrics.ObserveArchive(e.archive.Backend(), err)
	if err != nil {
		e.log(ctx).Error("failed to retain evidence bundle",
			"backend", e.archive.Backend(),
			"key", key,
			"error", err,
		)
		return ""
	}
	return location
}

func (e *Exporter) log(ctx context.Context) *slog.Logger {
	return logger.FromContext(ctx, e.logger)
}

// Filename returns evidence-<slug>-<epoch ms>.zip for a secret title.
func Filename(title string, at time.Time) string {
	slug := models.GenerateSlug(title)
	if slug == "" {
		slug = "secret"
	}
	return fmt.Sprintf("evidence-%s-%d.zip", slug, at.UnixMilli())
}
