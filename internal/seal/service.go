// Package seal implements the version ledger: it turns submitted content into
// an immutable, hashed and timestamped version of a secret.
//
// A seal runs canonicalize -> stamp -> persist. The authority is called before
// any write, and the version insert, pointer update and audit entry commit in
// one transaction, so a failed seal leaves no trace.
package seal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sealvault/evidence-plane/internal/auth"
	"github.com/sealvault/evidence-plane/internal/canonical"
	"github.com/sealvault/evidence-plane/internal/metrics"
	"github.com/sealvault/evidence-plane/internal/models"
	"github.com/sealvault/evidence-plane/internal/store"
	"github.com/sealvault/evidence-plane/internal/timestamp"
	"github.com/sealvault/evidence-plane/pkg/logger"
)

// DefaultMaxAttempts allows one retry after a lost version-number race.
const DefaultMaxAttempts = 2

// Seal errors.
var (
	ErrMissingSecretID = errors.New("secretId is required")
	ErrMissingContent  = errors.New("contentMarkdown or contentJson is required")
	ErrInvalidFile     = errors.New("every file needs a name, a hash and a non-negative size")
	ErrInvalidEncoding = errors.New("contentMarkdown must be valid UTF-8")
	ErrSecretNotFound  = errors.New("secret not found")
	ErrTimestamp       = errors.New("timestamp authority failure")
)

// Config configures the seal service.
type Config struct {
	// MaxAttempts bounds how often a seal is re-run after losing the
	// version-number race. Values below 1 use DefaultMaxAttempts.
	MaxAttempts int
	// Qualified is an optional secondary (eIDAS qualified) authority. Its
	// failures are logged and do not abort the seal.
	Qualified timestamp.Authority
	// Metrics is optional.
	Metrics *metrics.Metrics
	// Now is the capture clock. Nil uses time.Now.
	Now func() time.Time
}

// Service seals secrets.
type Service struct {
	store       store.Store
	primary     timestamp.Authority
	qualified   timestamp.Authority
	rbac        *auth.RBACService
	metrics     *metrics.Metrics
	now         func() time.Time
	maxAttempts int
	logger      *slog.Logger
}

// NewService creates a seal service stamping with primary.
func NewService(cfg Config, st store.Store, primary timestamp.Authority, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = DefaultMaxAttempts
	}
	return &Service{
		store:       st,
		primary:     primary,
		qualified:   cfg.Qualified,
		rbac:        auth.NewRBACService(st.Orgs(), logger),
		metrics:     cfg.Metrics,
		now:         now,
		maxAttempts: attempts,
		logger:      logger.With("component", "seal"),
	}
}

// Request is a seal request.
type Request struct {
	SecretID        string
	ActorID         string
	ContentMarkdown string
	ContentJSON     json.RawMessage
	Files           []canonical.FileEntry
	IPAddress       string
	UserAgent       string
}

// Validate checks the request before anything external is touched.
func (r *Request) Validate() error {
	if strings.TrimSpace(r.SecretID) == "" {
		return ErrMissingSecretID
	}
	data := strings.TrimSpace(string(r.ContentJSON))
	if r.ContentMarkdown == "" && (data == "" || data == "null") {
		return ErrMissingContent
	}
	if !utf8.ValidString(r.ContentMarkdown) {
		return ErrInvalidEncoding
	}
	if err := canonical.ValidateContentData(json.RawMessage(data)); err != nil {
		return err
	}
	for _, f := range r.Files {
		if f.Name == "" || f.Hash == "" || f.Size < 0 {
			return ErrInvalidFile
		}
	}
	return nil
}

// Result describes a committed seal.
type Result struct {
	Secret   *models.Secret
	Version  *models.Version
	Attempts int
}

// Seal creates the next version of a secret.
func (s *Service) Seal(ctx context.Context, req Request) (res *Result, err error) {
	started := time.Now()
	defer func() {
		s.metrics.ObserveSeal(outcome(err), time.Since(started))
	}()

	if err := req.Validate(); err != nil {
		return nil, err
	}

	secret, err := s.store.Secrets().Get(ctx, req.SecretID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrSecretNotFound
		}
		return nil, fmt.Errorf("loading secret: %w", err)
	}

	member, err := s.rbac.Authorize(ctx, secret.OrgID, req.ActorID, auth.PermissionWriteSecrets)
	if err != nil {
		return nil, err
	}
	ctx = logger.ContextWithActorID(logger.ContextWithSecretID(ctx, secret.ID), req.ActorID)

	for attempt := 1; ; attempt++ {
		res, err = s.sealOnce(ctx, secret, member, req, attempt)
		if err == nil {
			res.Attempts = attempt
			s.log(ctx).Info("secret sealed",
				"version_number", res.Version.VersionNumber,
				"sha256", res.Version.SHA256,
				"tsa", res.Version.TSAName,
				"attempt", attempt,
			)
			return res, nil
		}
		if !errors.Is(err, store.ErrVersionConflict) {
			return nil, err
		}
		s.metrics.ObserveConflict()
		if attempt >= s.maxAttempts {
			s.log(ctx).Warn("version race retries exhausted", "attempts", attempt)
			return nil, err
		}
		s.log(ctx).Debug("version number taken, retrying", "attempt", attempt)
	}
}

func (s *Service) sealOnce(ctx context.Context, secret *models.Secret, member *models.OrgMembership, req Request, attempt int) (*Result, error) {
	highest, err := s.store.Versions().MaxNumber(ctx, secret.ID)
	if err != nil {
		return nil, fmt.Errorf("reading version chain: %w", err)
	}
	number := highest + 1

	canon, err := canonical.Canonicalize(canonical.Input{
		SecretID:        secret.ID,
		VersionNumber:   number,
		ContentMarkdown: req.ContentMarkdown,
		ContentData:     req.ContentJSON,
		Files:           req.Files,
		CapturedAt:      s.now(),
	})
	if err != nil {
		return nil, err
	}

	proof, err := s.stamp(ctx, s.primary, canon.Digest, secret.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTimestamp, err)
	}

	var qualified []byte
	if s.qualified != nil {
		qp, err := s.stamp(ctx, s.qualified, canon.Digest, secret.ID)
		if err != nil {
			s.log(ctx).Warn("qualified timestamp unavailable, sealing without it",
				"tsa", s.qualified.Name(),
				"error", err,
			)
		} else {
			qualified = qp.Token
		}
	}

	version := &models.Version{
		SecretID:        secret.ID,
		VersionNumber:   number,
		ContentMarkdown: req.ContentMarkdown,
		CanonicalJSON:   canon.Canonical,
		SHA256:          canon.Digest,
		TSAName:         proof.TSA,
		TSAPolicyOID:    proof.PolicyOID,
		TSASerial:       proof.SerialNumber,
		TSATime:         proof.Time,
		TSAToken:        proof.Token,
		EIDASQTS:        qualified,
		SignedBy: []models.Signer{{
			UserID:   req.ActorID,
			Role:     member.Role,
			SignedAt: canon.CapturedAt,
		}},
		CreatedBy: req.ActorID,
	}

	var sealed *models.Secret
	err = s.store.WithTx(ctx, func(tx store.Store) error {
		if err := tx.Versions().Create(ctx, version); err != nil {
			return err
		}
		if err := tx.Secrets().MarkSealed(ctx, secret.ID, version.ID, s.now().UTC()); err != nil {
			return fmt.Errorf("advancing current version: %w", err)
		}
		versionID := version.ID
		entry := &models.AuditEntry{
			SecretID:  secret.ID,
			VersionID: &versionID,
			ActorID:   req.ActorID,
			Action:    models.AuditActionSeal,
			Metadata: map[string]any{
				"hash":          canon.Digest,
				"timestamp":     canonical.FormatInstant(proof.Time),
				"capturedAt":    canon.Record.Timestamp,
				"tsa":           proof.TSA,
				"serialNumber":  proof.SerialNumber,
				"versionNumber": number,
				"qualified":     qualified != nil,
				"attempt":       attempt,
			},
			IPAddress: req.IPAddress,
			UserAgent: req.UserAgent,
		}
		if err := tx.Audit().Append(ctx, entry); err != nil {
			return fmt.Errorf("appending audit entry: %w", err)
		}
		sealed, err = tx.Secrets().Get(ctx, secret.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &Result{Secret: sealed, Version: version}, nil
}

func (s *Service) stamp(ctx context.Context, a timestamp.Authority, digest, secretID string) (*timestamp.Proof, error) {
	started := time.Now()
	proof, err := a.Stamp(ctx, digest, secretID)
	s.metrics.ObserveTSA(a.Name(), time.Since(started), err)
	if err != nil {
		s.log(ctx).Error("timestamp request failed",
			"tsa", a.Name(),
			"error", err,
		)
		return nil, err
	}
	return proof, nil
}

func (s *Service) log(ctx context.Context) *slog.Logger {
	return logger.FromContext(ctx, s.logger)
}

func outcome(err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeSuccess
	case errors.Is(err, ErrSecretNotFound):
		return metrics.OutcomeNotFound
	case errors.Is(err, auth.ErrPermissionDenied), errors.Is(err, auth.ErrNotMember):
		return metrics.OutcomeDenied
	case errors.Is(err, ErrTimestamp):
		return metrics.OutcomeTSAError
	case errors.Is(err, store.ErrVersionConflict):
		return metrics.OutcomeConflict
	case IsValidation(err):
		return metrics.OutcomeInvalid
	default:
		return metrics.OutcomeStoreFail
	}
}

// IsValidation reports whether err is a request validation failure.
func IsValidation(err error) bool {
	return errors.Is(err, ErrMissingSecretID) ||
		errors.Is(err, ErrMissingContent) ||
		errors.Is(err, ErrInvalidFile) ||
		errors.Is(err, ErrInvalidEncoding) ||
		errors.Is(err, canonical.ErrInvalidContentData) ||
		errors.Is(err, models.ErrSecretTitleRequired) ||
		errors.Is(err, models.ErrSecretTitleTooLong) ||
		errors.Is(err, models.ErrInvalidClassification)
}
