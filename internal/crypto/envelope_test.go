package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	masterKey := make([]byte, 32)
	for i := range masterKey {
		masterKey[i] = byte(i)
	}
	subject := []byte("user1:fitbit")

	ciphertext, err := EncryptEnvelope(masterKey, subject, EnvelopeInfo, []byte("access-token-value"))
	require.NoError(t, err)
	assert.Contains(t, string(ciphertext), "v1:")

	plaintext, err := DecryptEnvelope(masterKey, subject, EnvelopeInfo, ciphertext)
	require.NoError(t, err)
	assert.Equal(t, "access-token-value", string(plaintext))
}

func TestEnvelopeWrongSubjectFails(t *testing.T) {
	masterKey := make([]byte, 32)
	ciphertext, err := EncryptEnvelope(masterKey, []byte("user1:fitbit"), EnvelopeInfo, []byte("secret"))
	require.NoError(t, err)

	_, err = DecryptEnvelope(masterKey, []byte("user2:fitbit"), EnvelopeInfo, ciphertext)
	assert.Error(t, err)
}

func TestEnvelopeEmptyPlaintext(t *testing.T) {
	masterKey := make([]byte, 32)
	ciphertext, err := EncryptEnvelope(masterKey, []byte("subject"), EnvelopeInfo, nil)
	require.NoError(t, err)
	assert.Nil(t, ciphertext)
}
