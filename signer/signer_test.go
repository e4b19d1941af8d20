package signer

import (
	"bytes"
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndFromSeckey(t *testing.T) {
	sgn, err := Generate()
	require.NoError(t, err)
	assert.Len(t, sgn.Seckey(), 32)

	restored, err := FromSeckey(sgn.Seckey())
	require.NoError(t, err)
	assert.Equal(t, sgn.Pubkey(), restored.Pubkey())
}

func TestDeriveIsDeterministic(t *testing.T) {
	seed := bytes.Repeat([]byte{0x42}, 32)

	first, err := Derive(seed, "service identity")
	require.NoError(t, err)
	second, err := Derive(seed, "service identity")
	require.NoError(t, err)
	assert.Equal(t, first.Pubkey(), second.Pubkey())

	other, err := Derive(seed, "another context")
	require.NoError(t, err)
	assert.NotEqual(t, first.Pubkey(), other.Pubkey())
}

func TestSignProducesRecoverableSignature(t *testing.T) {
	sgn, err := Generate()
	require.NoError(t, err)

	digest := sha256.Sum256([]byte("payload"))
	sig, err := sgn.Sign(digest[:])
	require.NoError(t, err)
	assert.Len(t, sig, 65)
}

func TestEncryptDecrypt(t *testing.T) {
	alice, err := Generate()
	require.NoError(t, err)
	bob, err := Generate()
	require.NoError(t, err)

	plaintext := []byte("meet at the relay")
	ct, err := alice.Encrypt(bob.Pubkey(), plaintext)
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, ct)

	got, err := bob.Decrypt(alice.Pubkey(), ct)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)

	// A third party cannot decrypt.
	eve, err := Generate()
	require.NoError(t, err)
	_, err = eve.Decrypt(alice.Pubkey(), ct)
	assert.Error(t, err)
}
