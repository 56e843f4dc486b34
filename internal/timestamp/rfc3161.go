package timestamp

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rand"
	"encoding/asn1"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/digitorus/timestamp"
)

const (
	contentTypeQuery = "application/timestamp-query"
	contentTypeReply = "application/timestamp-reply"

	// maxReplySize bounds the response body read from an authority.
	maxReplySize = 1 << 20
)

// RFC3161Config configures an RFC 3161 authority.
type RFC3161Config struct {
	URL       string
	Name      string
	Username  string
	Password  string
	PolicyOID string
	Timeout   time.Duration
	// HTTPClient overrides the default client. Its timeout is left untouched.
	HTTPClient *http.Client
}

// RFC3161Client speaks the RFC 3161 Time-Stamp Protocol over HTTP.
type RFC3161Client struct {
	url      string
	name     string
	username string
	password string
	policy   asn1.ObjectIdentifier
	client   *http.Client
	logger   *slog.Logger
}

// NewRFC3161Client creates a client for the authority at cfg.URL.
func NewRFC3161Client(cfg RFC3161Config, logger *slog.Logger) (*RFC3161Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("timestamp authority URL is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	var policy asn1.ObjectIdentifier
	if cfg.PolicyOID != "" {
		oid, err := ParseOID(cfg.PolicyOID)
		if err != nil {
			return nil, fmt.Errorf("parsing policy OID: %w", err)
		}
		policy = oid
	}

	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}

	name := cfg.Name
	if name == "" {
		name = cfg.URL
	}

	return &RFC3161Client{
		url:      cfg.URL,
		name:     name,
		username: cfg.Username,
		password: cfg.Password,
		policy:   policy,
		client:   client,
		logger:   logger.With("component", "tsa", "tsa", name),
	}, nil
}

// Name returns the configured authority name.
func (c *RFC3161Client) Name() string {
	return c.name
}

// Stamp submits digestHex as a SHA-256 message imprint and returns the parsed
// token. The returned token is verified to carry the submitted imprint.
func (c *RFC3161Client) Stamp(ctx context.Context, digestHex, correlationID string) (*Proof, error) {
	digest, err := decodeDigest(digestHex)
	if err != nil {
		return nil, err
	}

	nonce, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 64))
	if err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	req := timestamp.Request{
		HashAlgorithm: crypto.SHA256,
		HashedMessage: digest,
		Certificates:  true,
		Nonce:         nonce,
		TSAPolicyOID:  c.policy,
	}
	body, err := req.Marshal()
	if err != nil {
		return nil, fmt.Errorf("encoding timestamp request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating timestamp request: %w", err)
	}
	httpReq.Header.Set("Content-Type", contentTypeQuery)
	httpReq.Header.Set("Accept", contentTypeReply)
	if c.username != "" {
		httpReq.SetBasicAuth(c.username, c.password)
	}

	start := time.Now()
	resp, err := c.client.Do(httpReq)
	if err != nil {
		c.logger.Error("timestamp request failed", "secret_id", correlationID, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	reply, err := io.ReadAll(io.LimitReader(resp.Body, maxReplySize))
	if err != nil {
		return nil, fmt.Errorf("%w: reading reply: %v", ErrUnavailable, err)
	}

	if err := classifyStatus(resp.StatusCode, reply); err != nil {
		c.logger.Error("timestamp authority returned error",
			"secret_id", correlationID,
			"status", resp.StatusCode,
		)
		return nil, err
	}

	ts, err := timestamp.ParseResponse(reply)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRejected, err)
	}
	if !bytes.Equal(ts.HashedMessage, digest) {
		return nil, ErrImprintMismatch
	}
	if ts.Nonce != nil && ts.Nonce.Cmp(nonce) != 0 {
		return nil, fmt.Errorf("%w: nonce mismatch", ErrRejected)
	}

	proof := &Proof{
		Token:     ts.RawToken,
		PolicyOID: ts.Policy.String(),
		Time:      ts.Time.UTC(),
		TSA:       c.name,
	}
	if ts.SerialNumber != nil {
		proof.SerialNumber = ts.SerialNumber.String()
	}
	if err := proof.validate(); err != nil {
		return nil, err
	}

	c.logger.Info("digest timestamped",
		"secret_id", correlationID,
		"serial", proof.SerialNumber,
		"duration", time.Since(start),
	)
	return proof, nil
}

// classifyStatus maps an HTTP status to a stamp error.
func classifyStatus(status int, body []byte) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status >= 500:
		return fmt.Errorf("%w: status %d", ErrUnavailable, status)
	default:
		msg := strings.TrimSpace(string(body))
		if len(msg) > 200 {
			msg = msg[:200]
		}
		return fmt.Errorf("%w: status %d: %s", ErrRejected, status, msg)
	}
}

// ParseOID parses a dotted object identifier such as "1.3.6.1.4.1.4146.2.3".
func ParseOID(s string) (asn1.ObjectIdentifier, error) {
	parts := strings.Split(strings.TrimSpace(s), ".")
	if len(parts) < 2 {
		return nil, fmt.Errorf("invalid OID %q", s)
	}
	oid := make(asn1.ObjectIdentifier, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid OID %q", s)
		}
		oid[i] = n
	}
	return oid, nil
}
