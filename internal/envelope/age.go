// Package envelope encrypts evidence bundles for a recipient using age.
//
// The server only ever holds recipients (public keys). Decryption happens on
// the recipient's side, for example in the verify command with an identity
// file.
package envelope

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"filippo.io/age"
)

// Suffix is appended to the filename of an encrypted bundle.
const Suffix = ".age"

var (
	// ErrNoRecipients is returned when Seal is called without recipients.
	ErrNoRecipients = errors.New("no age recipients given")
	// ErrDecryptionFailed is returned when decryption fails.
	ErrDecryptionFailed = errors.New("decryption failed")
	// ErrEncryptionFailed is returned when encryption fails.
	ErrEncryptionFailed = errors.New("encryption failed")
	// ErrInvalidKey is returned when a key is invalid.
	ErrInvalidKey = errors.New("invalid key format")
)

// Sealer encrypts payloads for X25519 recipients.
type Sealer struct {
	defaults []age.Recipient
	logger   *slog.Logger
}

// NewSealer creates a sealer. Default recipients (age1..., comma separated)
// are added to every encryption so the operator can always open retained
// copies; an empty string means none.
func NewSealer(defaultRecipients string, logger *slog.Logger) (*Sealer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var defaults []age.Recipient
	if strings.TrimSpace(defaultRecipients) != "" {
		parsed, err := ParseRecipients(defaultRecipients)
		if err != nil {
			return nil, err
		}
		defaults = parsed
	}
	return &Sealer{defaults: defaults, logger: logger}, nil
}

// ParseRecipients parses a comma separated list of age1... public keys.
func ParseRecipients(list string) ([]age.Recipient, error) {
	var out []age.Recipient
	for _, raw := range strings.Split(list, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		r, err := age.ParseX25519Recipient(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
		}
		out = append(out, r)
	}
	if len(out) == 0 {
		return nil, ErrNoRecipients
	}
	return out, nil
}

// Seal encrypts plaintext for recipients plus the sealer's defaults.
func (s *Sealer) Seal(plaintext []byte, recipients ...age.Recipient) ([]byte, error) {
	all := append(append([]age.Recipient(nil), recipients...), s.defaults...)
	if len(all) == 0 {
		return nil, ErrNoRecipients
	}

	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, all...)
	if err != nil {
		s.logger.Error("failed to create age encryptor", "error", err)
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	if _, err := w.Write(plaintext); err != nil {
		s.logger.Error("failed to write plaintext to encryptor", "error", err)
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	if err := w.Close(); err != nil {
		s.logger.Error("failed to close encryptor", "error", err)
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	return buf.Bytes(), nil
}

// Open decrypts ciphertext with any of the identities in an age identity
// file (AGE-SECRET-KEY-1... lines, # comments allowed).
func Open(ciphertext []byte, identityFile io.Reader) ([]byte, error) {
	ids, err := age.ParseIdentities(identityFile)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	r, err := age.Decrypt(bytes.NewReader(ciphertext), ids...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	plaintext, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return plaintext, nil
}

// IsEncrypted reports whether b starts with the age v1 header.
func IsEncrypted(b []byte) bool {
	return bytes.HasPrefix(b, []byte("age-encryption.org/v1\n"))
}

// GenerateKeyPair generates a new X25519 recipient and identity.
func GenerateKeyPair() (recipient, identity string, err error) {
	id, err := age.GenerateX25519Identity()
	if err != nil {
		return "", "", fmt.Errorf("failed to generate age key pair: %w", err)
	}
	return id.Recipient().String(), id.String(), nil
}
