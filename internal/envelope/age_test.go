package envelope

import (
	"bytes"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// **Feature: evidence-plane, Property 7: Bundle encryption round-trip**
// Sealing for a recipient and opening with its identity returns the original
// bytes.
func TestSealOpenRoundTrip(t *testing.T) {
	recipient, identity, err := GenerateKeyPair()
	require.NoError(t, err)
	rs, err := ParseRecipients(recipient)
	require.NoError(t, err)
	sealer, err := NewSealer("", nil)
	require.NoError(t, err)

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("open(seal(x)) == x", prop.ForAll(
		func(plaintext []byte) bool {
			ciphertext, err := sealer.Seal(plaintext, rs...)
			if err != nil || !IsEncrypted(ciphertext) {
				return false
			}
			out, err := Open(ciphertext, strings.NewReader(identity))
			return err == nil && bytes.Equal(plaintext, out)
		},
		gen.SliceOf(gen.UInt8()).Map(func(vals []uint8) []byte {
			return append([]byte{}, vals...)
		}),
	))

	properties.TestingRun(t)
}

func TestDefaultRecipientsCanOpen(t *testing.T) {
	operator, operatorID, err := GenerateKeyPair()
	require.NoError(t, err)
	counsel, counselID, err := GenerateKeyPair()
	require.NoError(t, err)

	sealer, err := NewSealer(operator, nil)
	require.NoError(t, err)
	rs, err := ParseRecipients(counsel)
	require.NoError(t, err)

	ct, err := sealer.Seal([]byte("bundle"), rs...)
	require.NoError(t, err)

	for _, id := range []string{operatorID, counselID} {
		out, err := Open(ct, strings.NewReader("# key\n"+id+"\n"))
		require.NoError(t, err)
		assert.Equal(t, "bundle", string(out))
	}

	_, strangerID, err := GenerateKeyPair()
	require.NoError(t, err)
	_, err = Open(ct, strings.NewReader(strangerID))
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestParseRecipients(t *testing.T) {
	a, _, err := GenerateKeyPair()
	require.NoError(t, err)
	b, _, err := GenerateKeyPair()
	require.NoError(t, err)

	rs, err := ParseRecipients(" " + a + " , " + b + ",")
	require.NoError(t, err)
	assert.Len(t, rs, 2)

	_, err = ParseRecipients("")
	assert.ErrorIs(t, err, ErrNoRecipients)

	_, err = ParseRecipients("age1notakey")
	assert.ErrorIs(t, err, ErrInvalidKey)

	_, err = NewSealer("garbage", nil)
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestSealWithoutRecipients(t *testing.T) {
	sealer, err := NewSealer("", nil)
	require.NoError(t, err)
	_, err = sealer.Seal([]byte("x"))
	assert.ErrorIs(t, err, ErrNoRecipients)
}

func TestOpenRejectsBadIdentity(t *testing.T) {
	_, err := Open([]byte("age-encryption.org/v1\n"), strings.NewReader("not a key"))
	assert.ErrorIs(t, err, ErrInvalidKey)
	assert.False(t, IsEncrypted([]byte("PK\x03\x04")))
}
