// Package timestamp obtains trusted timestamp proofs for content digests.
//
// An Authority attests that a SHA-256 digest existed at a point in time. The
// returned Proof carries the raw token bytes exactly as issued; the token is
// decoded from its transport encoding once, inside this package, and is opaque
// to every caller.
package timestamp

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrUnavailable is returned when the authority cannot be reached, times out
	// or answers with a server error.
	ErrUnavailable = errors.New("timestamp authority unavailable")
	// ErrRejected is returned when the authority refuses the request or returns
	// a response that cannot be parsed.
	ErrRejected = errors.New("timestamp authority rejected request")
	// ErrImprintMismatch is returned when the token attests a different digest
	// than the one submitted.
	ErrImprintMismatch = errors.New("timestamp token does not match submitted digest")
	// ErrInvalidDigest is returned for digests that are not hex-encoded SHA-256.
	ErrInvalidDigest = errors.New("digest must be a hex-encoded SHA-256 value")
)

// Proof is a timestamp authority's attestation for one digest.
type Proof struct {
	Token        []byte    `json:"token"`
	PolicyOID    string    `json:"policyOid"`
	SerialNumber string    `json:"serialNumber"`
	Time         time.Time `json:"timestamp"`
	TSA          string    `json:"tsa"`
}

// Authority stamps digests.
type Authority interface {
	// Stamp requests a proof for digestHex. correlationID is used for logging
	// only and is not part of the proof.
	Stamp(ctx context.Context, digestHex, correlationID string) (*Proof, error)
	// Name identifies the authority in stored versions.
	Name() string
}

// decodeDigest validates a hex SHA-256 digest and returns its bytes.
func decodeDigest(digestHex string) ([]byte, error) {
	if len(digestHex) != 64 {
		return nil, fmt.Errorf("%w: got %d characters", ErrInvalidDigest, len(digestHex))
	}
	b, err := hex.DecodeString(digestHex)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDigest, err)
	}
	return b, nil
}

func (p *Proof) validate() error {
	if len(p.Token) == 0 {
		return fmt.Errorf("%w: empty token", ErrRejected)
	}
	if p.Time.IsZero() {
		return fmt.Errorf("%w: missing timestamp", ErrRejected)
	}
	return nil
}
