package hybrid

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateKeyPairSizes(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	assert.Len(t, kp.ClassicalPublic, ClassicalKeySize)
	assert.Len(t, kp.ClassicalPrivate, ClassicalKeySize)
	assert.Len(t, kp.PQPublic, PQPublicKeySize)
	assert.Len(t, kp.PQPrivate, PQPrivateKeySize)

	other, err := GenerateKeyPair()
	require.NoError(t, err)
	assert.NotEqual(t, kp.ClassicalPublic, other.ClassicalPublic)
	assert.NotEqual(t, kp.PQPublic, other.PQPublic)
}

func TestRoundTrip(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	for _, msg := range [][]byte{
		{},
		[]byte("collection key material 32 bytes"),
		bytes.Repeat([]byte{0xab}, 4096),
	} {
		ct, err := Encrypt(msg, kp.ClassicalPublic, kp.PQPublic)
		require.NoError(t, err)
		assert.Equal(t, Version1, ct[0])
		assert.Len(t, ct, minSize+len(msg))

		pt, err := Decrypt(ct, kp.ClassicalPrivate, kp.PQPrivate)
		require.NoError(t, err)
		assert.True(t, bytes.Equal(msg, pt))
	}
}

func TestLayout(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	ct, err := Encrypt([]byte("m"), kp.ClassicalPublic, kp.PQPublic)
	require.NoError(t, err)

	// The ephemeral X25519 key sits right after the Kyber encapsulation.
	eph := ct[1+PQCiphertextSize : 1+PQCiphertextSize+ClassicalKeySize]
	assert.NotEqual(t, make([]byte, ClassicalKeySize), eph)

	ct2, err := Encrypt([]byte("m"), kp.ClassicalPublic, kp.PQPublic)
	require.NoError(t, err)
	assert.NotEqual(t, ct, ct2, "fresh encapsulations per call")
}

func TestWrongKeysRejected(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)
	other, err := GenerateKeyPair()
	require.NoError(t, err)

	ct, err := Encrypt([]byte("wrapped key"), kp.ClassicalPublic, kp.PQPublic)
	require.NoError(t, err)

	_, err = Decrypt(ct, other.ClassicalPrivate, kp.PQPrivate)
	assert.ErrorIs(t, err, ErrDecryptionFailed, "wrong classical key")

	_, err = Decrypt(ct, kp.ClassicalPrivate, other.PQPrivate)
	assert.ErrorIs(t, err, ErrDecryptionFailed, "wrong post-quantum key")

	_, err = Decrypt(ct, other.ClassicalPrivate, other.PQPrivate)
	assert.ErrorIs(t, err, ErrDecryptionFailed, "both wrong")
}

func TestTamperRejected(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)
	ct, err := Encrypt([]byte("wrapped key"), kp.ClassicalPublic, kp.PQPublic)
	require.NoError(t, err)

	for _, pos := range []int{1, 1 + PQCiphertextSize, headerSize, len(ct) - 1} {
		tampered := append([]byte(nil), ct...)
		tampered[pos] ^= 0x01
		_, err := Decrypt(tampered, kp.ClassicalPrivate, kp.PQPrivate)
		assert.ErrorIs(t, err, ErrDecryptionFailed, "position %d", pos)
	}

	_, err = Decrypt(ct[:minSize-1], kp.ClassicalPrivate, kp.PQPrivate)
	assert.ErrorIs(t, err, ErrDecryptionFailed)

	_, err = Decrypt(nil, kp.ClassicalPrivate, kp.PQPrivate)
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestUnknownVersion(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)
	ct, err := Encrypt([]byte("x"), kp.ClassicalPublic, kp.PQPublic)
	require.NoError(t, err)

	ct[0] = 0x02
	_, err = Decrypt(ct, kp.ClassicalPrivate, kp.PQPrivate)
	assert.ErrorIs(t, err, ErrUnsupportedVersion)
}

func TestInvalidKeys(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	_, err = Encrypt([]byte("x"), kp.ClassicalPublic[:8], kp.PQPublic)
	assert.ErrorIs(t, err, ErrInvalidKey)

	_, err = Encrypt([]byte("x"), kp.ClassicalPublic, kp.PQPublic[:10])
	assert.ErrorIs(t, err, ErrInvalidKey)

	ct, err := Encrypt([]byte("x"), kp.ClassicalPublic, kp.PQPublic)
	require.NoError(t, err)
	_, err = Decrypt(ct, kp.ClassicalPrivate, kp.PQPrivate[:10])
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestWipe(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)
	kp.Wipe()
	assert.Equal(t, make([]byte, ClassicalKeySize), kp.ClassicalPrivate)
	assert.Equal(t, make([]byte, PQPrivateKeySize), kp.PQPrivate)
}
