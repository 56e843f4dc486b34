package timestamp

import (
	"context"
	"crypto"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/digitorus/timestamp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDigest = "9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08"

func TestRFC3161ClientSendsWellFormedQuery(t *testing.T) {
	var got *timestamp.Request
	var user, pass string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, contentTypeQuery, r.Header.Get("Content-Type"))
		user, pass, _ = r.BasicAuth()
		body, _ := io.ReadAll(r.Body)
		req, err := timestamp.ParseRequest(body)
		if assert.NoError(t, err) {
			got = req
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c, err := NewRFC3161Client(RFC3161Config{
		URL:       srv.URL,
		Name:      "test-tsa",
		Username:  "u",
		Password:  "p",
		PolicyOID: "1.2.3.4",
	}, nil)
	require.NoError(t, err)

	_, err = c.Stamp(context.Background(), testDigest, "secret-1")
	require.ErrorIs(t, err, ErrUnavailable)

	require.NotNil(t, got)
	assert.Equal(t, crypto.SHA256, got.HashAlgorithm)
	assert.Equal(t, testDigest, hex.EncodeToString(got.HashedMessage))
	assert.True(t, got.Certificates)
	assert.NotNil(t, got.Nonce)
	assert.Equal(t, "1.2.3.4", got.TSAPolicyOID.String())
	assert.Equal(t, "u", user)
	assert.Equal(t, "p", pass)
}

func TestRFC3161ClientClassifiesFailures(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{name: "client error", status: http.StatusBadRequest, body: "bad request", want: ErrRejected},
		{name: "server error", status: http.StatusBadGateway, want: ErrUnavailable},
		{name: "garbage reply", status: http.StatusOK, body: "not der", want: ErrRejected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", contentTypeReply)
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c, err := NewRFC3161Client(RFC3161Config{URL: srv.URL}, nil)
			require.NoError(t, err)
			_, err = c.Stamp(context.Background(), testDigest, "s")
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestRFC3161ClientUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c, err := NewRFC3161Client(RFC3161Config{URL: url, Timeout: time.Second}, nil)
	require.NoError(t, err)
	_, err = c.Stamp(context.Background(), testDigest, "s")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestRFC3161ClientTimeout(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(block)

	c, err := NewRFC3161Client(RFC3161Config{URL: srv.URL, Timeout: 50 * time.Millisecond}, nil)
	require.NoError(t, err)
	_, err = c.Stamp(context.Background(), testDigest, "s")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestInvalidDigestRejectedBeforeNetwork(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	c, err := NewRFC3161Client(RFC3161Config{URL: srv.URL}, nil)
	require.NoError(t, err)
	for _, d := range []string{"", "abc", strings.Repeat("z", 64)} {
		_, err := c.Stamp(context.Background(), d, "s")
		assert.ErrorIs(t, err, ErrInvalidDigest)
	}
	assert.False(t, called)
}

func TestNewRFC3161ClientValidatesConfig(t *testing.T) {
	_, err := NewRFC3161Client(RFC3161Config{}, nil)
	assert.Error(t, err)
	_, err = NewRFC3161Client(RFC3161Config{URL: "http://tsa", PolicyOID: "not-an-oid"}, nil)
	assert.Error(t, err)
}

func TestGatewayClientDecodesTokenOnce(t *testing.T) {
	token := []byte{0x30, 0x82, 0x00, 0x01, 0xff, 0x00}
	var received gatewayRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"token":"` + base64.StdEncoding.EncodeToString(token) +
			`","policyOid":"0.4.0.2023.1.1","serialNumber":"42","timestamp":"2025-02-03T04:05:06.789Z","tsa":"qualified-tsa"}`))
	}))
	defer srv.Close()

	c, err := NewGatewayClient(GatewayConfig{URL: srv.URL, Name: "gw"}, nil)
	require.NoError(t, err)

	proof, err := c.Stamp(context.Background(), testDigest, "secret-9")
	require.NoError(t, err)

	assert.Equal(t, testDigest, received.Hash)
	assert.Equal(t, "secret-9", received.SecretID)
	assert.Equal(t, token, proof.Token)
	assert.Equal(t, "0.4.0.2023.1.1", proof.PolicyOID)
	assert.Equal(t, "42", proof.SerialNumber)
	assert.Equal(t, "qualified-tsa", proof.TSA)
	assert.Equal(t, time.Date(2025, 2, 3, 4, 5, 6, 789000000, time.UTC), proof.Time)
}

func TestGatewayClientErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{name: "rejected", status: http.StatusUnprocessableEntity, body: `{"error":"hash not accepted"}`, want: ErrRejected},
		{name: "down", status: http.StatusInternalServerError, body: `{}`, want: ErrUnavailable},
		{name: "empty token", status: http.StatusOK, body: `{"token":"","timestamp":"2025-01-01T00:00:00Z"}`, want: ErrRejected},
		{name: "bad base64", status: http.StatusOK, body: `{"token":"!!!","timestamp":"2025-01-01T00:00:00Z"}`, want: ErrRejected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c, err := NewGatewayClient(GatewayConfig{URL: srv.URL}, nil)
			require.NoError(t, err)
			_, err = c.Stamp(context.Background(), testDigest, "s")
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestStaticAuthority(t *testing.T) {
	at := time.Date(2025, 5, 5, 5, 5, 5, 0, time.UTC)
	s := NewStatic("", func() time.Time { return at })

	p1, err := s.Stamp(context.Background(), testDigest, "s")
	require.NoError(t, err)
	p2, err := s.Stamp(context.Background(), testDigest, "s")
	require.NoError(t, err)

	assert.Equal(t, "static-dev-tsa", p1.TSA)
	assert.Equal(t, "1", p1.SerialNumber)
	assert.Equal(t, "2", p2.SerialNumber)
	assert.Equal(t, at, p1.Time)
	assert.NotEqual(t, p1.Token, p2.Token)

	s.FailWith(ErrUnavailable)
	_, err = s.Stamp(context.Background(), testDigest, "s")
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, 3, s.Calls())

	s.FailWith(nil)
	_, err = s.Stamp(context.Background(), testDigest, "s")
	assert.NoError(t, err)
}

func TestParseOID(t *testing.T) {
	oid, err := ParseOID("1.3.6.1.4.1.4146.2.3")
	require.NoError(t, err)
	assert.Equal(t, "1.3.6.1.4.1.4146.2.3", oid.String())

	for _, bad := range []string{"", "1", "1.x.3", "1.-2"} {
		_, err := ParseOID(bad)
		assert.Error(t, err, bad)
	}
}
