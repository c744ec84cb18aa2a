package transform

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/chacha20poly1305"
)

func testEncryptor(t *testing.T) *Encryptor {
	t.Helper()
	keyring, err := NewRandomKeyring(0)
	require.NoError(t, err)
	return NewEncryptor(keyring)
}

func TestEncryptorRoundTrip(t *testing.T) {
	e := testEncryptor(t)

	payloads := [][]byte{
		{},
		[]byte("x"),
		[]byte("a short token fragment"),
		bytes.Repeat([]byte{0x42}, 100000),
		compressiblePayload(8192),
	}

	for _, payload := range payloads {
		sealed, epoch, err := e.Encode(payload)
		require.NoError(t, err)
		assert.Equal(t, uint32(0), epoch)
		assert.Len(t, sealed, len(payload)+encryptedOverhead)

		opened, err := e.Decode(sealed, epoch)
		require.NoError(t, err)
		assert.Equal(t, payload, opened)
		assert.NotNil(t, opened, "empty plaintext must stay an empty slice")
	}
}

func TestEncryptorBlobLayout(t *testing.T) {
	e := testEncryptor(t)

	sealed, _, err := e.Encode([]byte("payload"))
	require.NoError(t, err)

	// nonce ‖ tag ‖ ciphertext: flipping a bit anywhere must fail
	// authentication, and the sizes must line up.
	require.Len(t, sealed, chacha20poly1305.NonceSizeX+chacha20poly1305.Overhead+len("payload"))
}

func TestEncryptorRejectsTamperedCiphertext(t *testing.T) {
	e := testEncryptor(t)

	sealed, epoch, err := e.Encode([]byte("authenticated payload"))
	require.NoError(t, err)

	for _, offset := range []int{0, chacha20poly1305.NonceSizeX, len(sealed) - 1} {
		tampered := make([]byte, len(sealed))
		copy(tampered, sealed)
		tampered[offset] ^= 0x01

		_, err := e.Decode(tampered, epoch)
		assert.ErrorIs(t, err, ErrDecryption, "offset %d", offset)
	}
}

func TestEncryptorRejectsTruncatedBlob(t *testing.T) {
	e := testEncryptor(t)

	_, err := e.Decode([]byte("too short"), 0)
	assert.ErrorIs(t, err, ErrDecryption)
}

func TestEncryptorRejectsWrongKey(t *testing.T) {
	first := testEncryptor(t)
	second := testEncryptor(t)

	sealed, epoch, err := first.Encode([]byte("secret"))
	require.NoError(t, err)

	_, err = second.Decode(sealed, epoch)
	assert.ErrorIs(t, err, ErrDecryption)
}

func TestKeyringRotationKeepsOldEpochsDecryptable(t *testing.T) {
	keyring, err := NewRandomKeyring(0)
	require.NoError(t, err)
	e := NewEncryptor(keyring)

	sealed0, epoch0, err := e.Encode([]byte("before rotation"))
	require.NoError(t, err)
	require.Equal(t, uint32(0), epoch0)

	epoch, err := keyring.Rotate()
	require.NoError(t, err)
	assert.Equal(t, uint32(1), epoch)
	assert.Equal(t, uint32(1), keyring.CurrentEpoch())

	sealed1, epoch1, err := e.Encode([]byte("after rotation"))
	require.NoError(t, err)
	assert.Equal(t, uint32(1), epoch1)

	// Rotation is forward-looking: the old batch opens under its
	// recorded epoch, the new one under the current epoch.
	opened, err := e.Decode(sealed0, epoch0)
	require.NoError(t, err)
	assert.Equal(t, []byte("before rotation"), opened)

	opened, err = e.Decode(sealed1, epoch1)
	require.NoError(t, err)
	assert.Equal(t, []byte("after rotation"), opened)

	// Cross-epoch decode fails authentication.
	_, err = e.Decode(sealed0, epoch1)
	assert.ErrorIs(t, err, ErrDecryption)
}

func TestKeyringShouldRotate(t *testing.T) {
	keyring, err := NewRandomKeyring(time.Hour)
	require.NoError(t, err)

	assert.False(t, keyring.ShouldRotate(time.Now()))
	assert.True(t, keyring.ShouldRotate(time.Now().Add(2*time.Hour)))

	// Zero interval disables rotation entirely.
	fixed, err := NewRandomKeyring(0)
	require.NoError(t, err)
	assert.False(t, fixed.ShouldRotate(time.Now().Add(24*time.Hour)))
}

func TestKeyringUnknownEpoch(t *testing.T) {
	keyring, err := NewRandomKeyring(0)
	require.NoError(t, err)

	_, err = keyring.Key(7)
	assert.Error(t, err)
}

func TestNewKeyringValidatesKeySize(t *testing.T) {
	_, err := NewKeyring([]byte("short"), 0)
	assert.Error(t, err)
}
