package timestamp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// GatewayConfig configures a JSON timestamp gateway.
type GatewayConfig struct {
	URL      string
	Name     string
	Username string
	Password string
	Timeout  time.Duration
	// HTTPClient overrides the default client.
	HTTPClient *http.Client
}

// GatewayClient talks to a service that fronts an RFC 3161 authority with a
// JSON API. The gateway answers with the token base64-encoded.
type GatewayClient struct {
	url      string
	name     string
	username string
	password string
	client   *http.Client
	logger   *slog.Logger
}

type gatewayRequest struct {
	Hash     string `json:"hash"`
	SecretID string `json:"secretId"`
}

type gatewayError struct {
	Error string `json:"error"`
}

// NewGatewayClient creates a gateway client.
func NewGatewayClient(cfg GatewayConfig, logger *slog.Logger) (*GatewayClient, error) {
	if cfg.URL == "" {
		return nil, errors.New("timestamp gateway URL is required")
	}
	if logger == nil {
		logger = slog.Default()
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
	return &GatewayClient{
		url:      cfg.URL,
		name:     name,
		username: cfg.Username,
		password: cfg.Password,
		client:   client,
		logger:   logger.With("component", "tsa_gateway", "tsa", name),
	}, nil
}

// Name returns the configured gateway name.
func (c *GatewayClient) Name() string {
	return c.name
}

// Stamp posts the digest to the gateway and decodes the proof.
func (c *GatewayClient) Stamp(ctx context.Context, digestHex, correlationID string) (*Proof, error) {
	if _, err := decodeDigest(digestHex); err != nil {
		return nil, err
	}

	body, err := json.Marshal(gatewayRequest{Hash: digestHex, SecretID: correlationID})
	if err != nil {
		return nil, fmt.Errorf("encoding gateway request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating gateway request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Error("gateway request failed", "secret_id", correlationID, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxReplySize))
	if err != nil {
		return nil, fmt.Errorf("%w: reading reply: %v", ErrUnavailable, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var ge gatewayError
		if json.Unmarshal(raw, &ge) == nil && ge.Error != "" {
			raw = []byte(ge.Error)
		}
		c.logger.Error("gateway returned error", "secret_id", correlationID, "status", resp.StatusCode)
		return nil, classifyStatus(resp.StatusCode, raw)
	}

	var proof Proof
	if err := json.Unmarshal(raw, &proof); err != nil {
		return nil, fmt.Errorf("%w: decoding proof: %v", ErrRejected, err)
	}
	if err := proof.validate(); err != nil {
		return nil, err
	}
	proof.Time = proof.Time.UTC()
	if proof.TSA == "" {
		proof.TSA = c.name
	}

	c.logger.Info("digest timestamped", "secret_id", correlationID, "serial", proof.SerialNumber)
	return &proof, nil
}
