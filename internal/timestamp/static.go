package timestamp

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// StaticPolicyOID is the policy reported by the static authority.
const StaticPolicyOID = "1.3.6.1.4.1.99999.1.1"

// Static is an in-process authority for development and tests. Its tokens are
// not signed and carry no legal weight.
type Static struct {
	name string
	now  func() time.Time

	mu     sync.Mutex
	serial uint64
	err    error
	calls  int
}

// NewStatic creates a static authority. A nil clock uses time.Now.
func NewStatic(name string, now func() time.Time) *Static {
	if name == "" {
		name = "static-dev-tsa"
	}
	if now == nil {
		now = time.Now
	}
	return &Static{name: name, now: now}
}

// Name returns the authority name.
func (s *Static) Name() string {
	return s.name
}

// FailWith makes every subsequent Stamp return err. A nil err restores normal
// operation.
func (s *Static) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// Calls returns the number of Stamp invocations so far.
func (s *Static) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// Stamp returns a deterministic pseudo-token binding the digest and a serial.
func (s *Static) Stamp(ctx context.Context, digestHex, correlationID string) (*Proof, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	digest, err := decodeDigest(digestHex)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.calls++
	if s.err != nil {
		err := s.err
		s.mu.Unlock()
		return nil, err
	}
	s.serial++
	serial := s.serial
	s.mu.Unlock()

	token := append([]byte("STATIC-TSA\x00"), digest...)
	token = fmt.Appendf(token, "\x00%d", serial)

	return &Proof{
		Token:        token,
		PolicyOID:    StaticPolicyOID,
		SerialNumber: fmt.Sprintf("%d", serial),
		Time:         s.now().UTC(),
		TSA:          s.name,
	}, nil
}
