// Package memory provides an in-process implementation of the store
// interfaces for development and tests.
//
// Writes are serialized and run against a private copy of the data that is
// swapped in on commit, so WithTx has the same all-or-nothing behavior as the
// PostgreSQL store. Stored records are copied on the way in and on the way out.
package memory

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sealvault/evidence-plane/internal/models"
	"github.com/sealvault/evidence-plane/internal/store"
)

type versionKey struct {
	secretID string
	number   int
}

type state struct {
	orgs        map[string]*models.Organization
	members     map[string]map[string]*models.OrgMembership
	secrets     map[string]*models.Secret
	versions    map[string]*models.Version
	versionKeys map[versionKey]string
	audit       []*models.AuditEntry
}

func newState() *state {
	return &state{
		orgs:        make(map[string]*models.Organization),
		members:     make(map[string]map[string]*models.OrgMembership),
		secrets:     make(map[string]*models.Secret),
		versions:    make(map[string]*models.Version),
		versionKeys: make(map[versionKey]string),
	}
}

// clone copies the maps. Records are never mutated in place, so sharing the
// pointed-to values is safe.
func (st *state) clone() *state {
	c := &state{
		orgs:        maps.Clone(st.orgs),
		members:     make(map[string]map[string]*models.OrgMembership, len(st.members)),
		secrets:     maps.Clone(st.secrets),
		versions:    maps.Clone(st.versions),
		versionKeys: maps.Clone(st.versionKeys),
		audit:       append([]*models.AuditEntry(nil), st.audit...),
	}
	for org, m := range st.members {
		c.members[org] = maps.Clone(m)
	}
	return c
}

// Store is an in-memory store.Store.
type Store struct {
	mu   sync.RWMutex
	data *state

	// writeMu serializes writers, including whole transactions.
	writeMu sync.Mutex

	now func() time.Time
}

// New creates an empty store.
func New() *Store {
	return &Store{data: newState(), now: func() time.Time { return time.Now().UTC() }}
}

// view runs fn against the committed data under a read lock.
func (s *Store) view(fn func(*state) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(s.data)
}

// update runs fn as a single-statement transaction.
func (s *Store) update(fn func(*state) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.commit(fn)
}

func (s *Store) commit(fn func(*state) error) error {
	s.mu.RLock()
	work := s.data.clone()
	s.mu.RUnlock()

	if err := fn(work); err != nil {
		return err
	}

	s.mu.Lock()
	s.data = work
	s.mu.Unlock()
	return nil
}

// Orgs returns the OrgStore.
func (s *Store) Orgs() store.OrgStore { return &orgStore{run: s.view, write: s.update, now: s.now} }

// Secrets returns the SecretStore.
func (s *Store) Secrets() store.SecretStore {
	return &secretStore{run: s.view, write: s.update, now: s.now}
}

// Versions returns the VersionStore.
func (s *Store) Versions() store.VersionStore {
	return &versionStore{run: s.view, write: s.update, now: s.now}
}

// Audit returns the AuditStore.
func (s *Store) Audit() store.AuditStore {
	return &auditStore{run: s.view, write: s.update, now: s.now}
}

// WithTx runs fn against a private copy of the data. The copy replaces the
// committed data only if fn returns nil.
func (s *Store) WithTx(ctx context.Context, fn func(store.Store) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return s.commit(func(work *state) error {
		tx := &txStore{work: work, now: s.now}
		if err := fn(tx); err != nil {
			return err
		}
		return ctx.Err()
	})
}

// Ping always succeeds.
func (s *Store) Ping(ctx context.Context) error { return ctx.Err() }

// Close is a no-op.
func (s *Store) Close() error { return nil }

// txStore exposes a transaction's working copy. It is used by a single
// goroutine, so it needs no locking.
type txStore struct {
	work *state
	now  func() time.Time
}

func (t *txStore) direct(fn func(*state) error) error { return fn(t.work) }

func (t *txStore) Orgs() store.OrgStore {
	return &orgStore{run: t.direct, write: t.direct, now: t.now}
}

func (t *txStore) Secrets() store.SecretStore {
	return &secretStore{run: t.direct, write: t.direct, now: t.now}
}

func (t *txStore) Versions() store.VersionStore {
	return &versionStore{run: t.direct, write: t.direct, now: t.now}
}

func (t *txStore) Audit() store.AuditStore {
	return &auditStore{run: t.direct, write: t.direct, now: t.now}
}

func (t *txStore) WithTx(ctx context.Context, fn func(store.Store) error) error {
	// Already in a transaction, just execute the function
	return fn(t)
}

func (t *txStore) Ping(ctx context.Context) error { return ctx.Err() }

func (t *txStore) Close() error { return nil }

type accessor func(func(*state) error) error

// orgStore implements store.OrgStore.
type orgStore struct {
	run, write accessor
	now        func() time.Time
}

func (s *orgStore) Create(ctx context.Context, org *models.Organization) error {
	if err := org.Validate(); err != nil {
		return fmt.Errorf("validating organization: %w", err)
	}
	if org.ID == "" {
		org.ID = uuid.New().String()
	}
	now := s.now()
	if org.CreatedAt.IsZero() {
		org.CreatedAt = now
	}
	org.UpdatedAt = now

	return s.write(func(st *state) error {
		if _, ok := st.orgs[org.ID]; ok {
			return store.ErrDuplicateKey
		}
		for _, o := range st.orgs {
			if o.Slug == org.Slug {
				return store.ErrDuplicateKey
			}
		}
		c := *org
		st.orgs[org.ID] = &c
		return nil
	})
}

func (s *orgStore) Get(ctx context.Context, id string) (*models.Organization, error) {
	var out *models.Organization
	err := s.run(func(st *state) error {
		o, ok := st.orgs[id]
		if !ok {
			return store.ErrNotFound
		}
		c := *o
		out = &c
		return nil
	})
	return out, err
}

func (s *orgStore) ListForUser(ctx context.Context, userID string) ([]*models.Organization, error) {
	var out []*models.Organization
	err := s.run(func(st *state) error {
		for orgID, m := range st.members {
			if _, ok := m[userID]; !ok {
				continue
			}
			if o, ok := st.orgs[orgID]; ok {
				c := *o
				out = append(out, &c)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, err
}

func (s *orgStore) AddMember(ctx context.Context, orgID, userID string, role models.Role) error {
	if !role.Valid() {
		return fmt.Errorf("invalid role %q", role)
	}
	now := s.now()
	return s.write(func(st *state) error {
		if _, ok := st.orgs[orgID]; !ok {
			return store.ErrNotFound
		}
		m := maps.Clone(st.members[orgID])
		if m == nil {
			m = make(map[string]*models.OrgMembership)
		}
		m[userID] = &models.OrgMembership{OrgID: orgID, UserID: userID, Role: role, CreatedAt: now}
		st.members[orgID] = m
		return nil
	})
}

func (s *orgStore) GetMembership(ctx context.Context, orgID, userID string) (*models.OrgMembership, error) {
	var out *models.OrgMembership
	err := s.run(func(st *state) error {
		m, ok := st.members[orgID][userID]
		if !ok {
			return store.ErrNotFound
		}
		c := *m
		out = &c
		return nil
	})
	return out, err
}

// secretStore implements store.SecretStore.
type secretStore struct {
	run, write accessor
	now        func() time.Time
}

func (s *secretStore) Create(ctx context.Context, secret *models.Secret) error {
	if secret.Status == "" {
		secret.Status = models.SecretStatusDraft
	}
	if err := secret.Validate(); err != nil {
		return fmt.Errorf("validating secret: %w", err)
	}
	if secret.ID == "" {
		secret.ID = uuid.New().String()
	}
	now := s.now()
	if secret.CreatedAt.IsZero() {
		secret.CreatedAt = now
	}
	secret.UpdatedAt = now

	return s.write(func(st *state) error {
		if _, ok := st.orgs[secret.OrgID]; !ok {
			return fmt.Errorf("organization %s: %w", secret.OrgID, store.ErrNotFound)
		}
		if _, ok := st.secrets[secret.ID]; ok {
			return store.ErrDuplicateKey
		}
		st.secrets[secret.ID] = copySecret(secret)
		return nil
	})
}

func (s *secretStore) Get(ctx context.Context, id string) (*models.Secret, error) {
	var out *models.Secret
	err := s.run(func(st *state) error {
		sec, ok := st.secrets[id]
		if !ok {
			return store.ErrNotFound
		}
		out = copySecret(sec)
		return nil
	})
	return out, err
}

func (s *secretStore) ListByOrg(ctx context.Context, orgID string) ([]*models.Secret, error) {
	var out []*models.Secret
	err := s.run(func(st *state) error {
		for _, sec := range st.secrets {
			if sec.OrgID == orgID {
				out = append(out, copySecret(sec))
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, err
}

func (s *secretStore) MarkSealed(ctx context.Context, secretID, versionID string, at time.Time) error {
	return s.write(func(st *state) error {
		sec, ok := st.secrets[secretID]
		if !ok {
			return store.ErrNotFound
		}
		v, ok := st.versions[versionID]
		if !ok || v.SecretID != secretID {
			return fmt.Errorf("version %s of secret %s: %w", versionID, secretID, store.ErrNotFound)
		}
		c := copySecret(sec)
		c.Status = models.SecretStatusSealed
		c.CurrentVersionID = &versionID
		c.UpdatedAt = at
		st.secrets[secretID] = c
		return nil
	})
}

func copySecret(s *models.Secret) *models.Secret {
	c := *s
	if s.CurrentVersionID != nil {
		id := *s.CurrentVersionID
		c.CurrentVersionID = &id
	}
	return &c
}

// versionStore implements store.VersionStore.
type versionStore struct {
	run, write accessor
	now        func() time.Time
}

func (s *versionStore) Create(ctx context.Context, version *models.Version) error {
	if version.ID == "" {
		version.ID = uuid.New().String()
	}
	if version.CreatedAt.IsZero() {
		version.CreatedAt = s.now()
	}
	return s.write(func(st *state) error {
		if _, ok := st.secrets[version.SecretID]; !ok {
			return fmt.Errorf("secret %s: %w", version.SecretID, store.ErrNotFound)
		}
		key := versionKey{version.SecretID, version.VersionNumber}
		if _, ok := st.versionKeys[key]; ok {
			return store.ErrVersionConflict
		}
		if _, ok := st.versions[version.ID]; ok {
			return store.ErrDuplicateKey
		}
		st.versions[version.ID] = copyVersion(version)
		st.versionKeys[key] = version.ID
		return nil
	})
}

func (s *versionStore) Get(ctx context.Context, id string) (*models.Version, error) {
	var out *models.Version
	err := s.run(func(st *state) error {
		v, ok := st.versions[id]
		if !ok {
			return store.ErrNotFound
		}
		out = copyVersion(v)
		return nil
	})
	return out, err
}

func (s *versionStore) GetByNumber(ctx context.Context, secretID string, number int) (*models.Version, error) {
	var out *models.Version
	err := s.run(func(st *state) error {
		id, ok := st.versionKeys[versionKey{secretID, number}]
		if !ok {
			return store.ErrNotFound
		}
		out = copyVersion(st.versions[id])
		return nil
	})
	return out, err
}

func (s *versionStore) List(ctx context.Context, secretID string) ([]*models.Version, error) {
	var out []*models.Version
	err := s.run(func(st *state) error {
		for _, v := range st.versions {
			if v.SecretID == secretID {
				out = append(out, copyVersion(v))
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].VersionNumber < out[j].VersionNumber })
	return out, err
}

func (s *versionStore) MaxNumber(ctx context.Context, secretID string) (int, error) {
	highest := 0
	err := s.run(func(st *state) error {
		for k := range st.versionKeys {
			if k.secretID == secretID && k.number > highest {
				highest = k.number
			}
		}
		return nil
	})
	return highest, err
}

func copyVersion(v *models.Version) *models.Version {
	c := *v
	c.TSAToken = append([]byte(nil), v.TSAToken...)
	if v.EIDASQTS != nil {
		c.EIDASQTS = append([]byte(nil), v.EIDASQTS...)
	}
	c.SignedBy = append([]models.Signer(nil), v.SignedBy...)
	return &c
}

// auditStore implements store.AuditStore.
type auditStore struct {
	run, write accessor
	now        func() time.Time
}

func (s *auditStore) Append(ctx context.Context, entry *models.AuditEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now()
	}
	return s.write(func(st *state) error {
		if _, ok := st.secrets[entry.SecretID]; !ok {
			return fmt.Errorf("secret %s: %w", entry.SecretID, store.ErrNotFound)
		}
		c := *entry
		c.Metadata = maps.Clone(entry.Metadata)
		st.audit = append(st.audit, &c)
		return nil
	})
}

func (s *auditStore) List(ctx context.Context, secretID string, filter store.AuditFilter) ([]*models.AuditEntry, error) {
	wanted := make(map[models.AuditAction]bool, len(filter.Actions))
	for _, a := range filter.Actions {
		wanted[a] = true
	}

	var out []*models.AuditEntry
	err := s.run(func(st *state) error {
		for _, e := range st.audit {
			if e.SecretID != secretID {
				continue
			}
			if len(wanted) > 0 && !wanted[e.Action] {
				continue
			}
			c := *e
			c.Metadata = maps.Clone(e.Metadata)
			out = append(out, &c)
		}
		return nil
	})
	// Entries are appended in commit order; the stable sort keeps it for ties.
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, err
}
