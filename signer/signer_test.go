package signer

import (
	"errors"
	"testing"

	"github.com/forestrie/go-turtle/codec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeysFor_deterministic(t *testing.T) {
	a, err := New("alice", "secret").KeysFor("notes")
	require.NoError(t, err)
	b, err := New("alice", "secret").KeysFor("notes")
	require.NoError(t, err)
	assert.Equal(t, a.PublicKey(), b.PublicKey())
	assert.Len(t, a.PublicKey(), PublicKeyBytes)

	tests := []struct {
		name     string
		username string
		password string
		turtle   string
	}{
		{"other turtle", "alice", "secret", "todo"},
		{"other password", "alice", "hunter2", "notes"},
		{"other user", "bob", "secret", "notes"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			k, err := New(tt.username, tt.password).KeysFor(tt.turtle)
			require.NoError(t, err)
			assert.NotEqual(t, a.PublicKey(), k.PublicKey())
		})
	}
}

func TestSignVerify(t *testing.T) {
	k, err := New("alice", "secret").KeysFor("notes")
	require.NoError(t, err)
	msg := []byte("a message")
	sig, err := k.Sign(msg)
	require.NoError(t, err)
	assert.True(t, Verify(k.PublicKey(), msg, sig))
	assert.False(t, Verify(k.PublicKey(), []byte("another message"), sig))

	other, err := New("mallory", "secret").KeysFor("notes")
	require.NoError(t, err)
	assert.False(t, Verify(other.PublicKey(), msg, sig))
}

// commitLayer builds a layer of body bytes followed by a signed commit record
// for a body at bodyAddress.
func commitLayer(t *testing.T, k *KeyPair, body []byte, bodyAddress uint64, prev []byte) []byte {
	var zero [codec.SignatureBytes]byte
	record, err := codec.CommitRecord(bodyAddress, zero)
	require.NoError(t, err)
	unsigned := append(append([]byte{}, body...), record...)
	msg, err := CommitMessage(unsigned, prev)
	require.NoError(t, err)
	sig, err := k.Sign(msg)
	require.NoError(t, err)
	record, err = codec.CommitRecord(bodyAddress, sig)
	require.NoError(t, err)
	return append(append([]byte{}, body...), record...)
}

func TestVerifyCommit(t *testing.T) {
	k, err := New("alice", "secret").KeysFor("notes")
	require.NoError(t, err)

	first := commitLayer(t, k, []byte{1, 2, 3}, 2, nil)
	require.NoError(t, VerifyCommit(k.PublicKey(), first, nil))

	prev := first[3:]
	second := commitLayer(t, k, []byte{9, 9}, 70, prev)
	require.NoError(t, VerifyCommit(k.PublicKey(), second, prev))

	t.Run("wrong chain", func(t *testing.T) {
		err := VerifyCommit(k.PublicKey(), second, nil)
		assert.True(t, errors.Is(err, ErrSignatureInvalid))
	})
	t.Run("tampered body", func(t *testing.T) {
		tampered := append([]byte{}, second...)
		tampered[0] = 8
		err := VerifyCommit(k.PublicKey(), tampered, prev)
		assert.True(t, errors.Is(err, ErrSignatureInvalid))
	})
	t.Run("any altered byte", func(t *testing.T) {
		// body, body address, every signature byte and the footer
		for i := range second {
			tampered := append([]byte{}, second...)
			tampered[i] ^= 0x01
			err := VerifyCommit(k.PublicKey(), tampered, prev)
			assert.Truef(t, errors.Is(err, ErrSignatureInvalid), "layer byte %d: %v", i, err)
		}
		for i := range prev {
			chained := append([]byte{}, prev...)
			chained[i] ^= 0x01
			err := VerifyCommit(k.PublicKey(), second, chained)
			assert.Truef(t, errors.Is(err, ErrSignatureInvalid), "previous record byte %d: %v", i, err)
		}
	})
	t.Run("not a commit", func(t *testing.T) {
		err := VerifyCommit(k.PublicKey(), make([]byte, 80), nil)
		assert.True(t, errors.Is(err, ErrSignatureInvalid))
	})
	t.Run("wrong key", func(t *testing.T) {
		other, err := New("alice", "secret").KeysFor("other")
		require.NoError(t, err)
		err = VerifyCommit(other.PublicKey(), first, nil)
		assert.True(t, errors.Is(err, ErrSignatureInvalid))
	})
}

func TestParsePublicKey(t *testing.T) {
	k, err := New("alice", "secret").KeysFor("notes")
	require.NoError(t, err)
	pk, err := ParsePublicKey(k.PublicKeyHex())
	require.NoError(t, err)
	assert.Equal(t, k.PublicKey(), pk)

	_, err = ParsePublicKey("zz")
	assert.True(t, errors.Is(err, ErrPublicKey))
	_, err = ParsePublicKey("0102")
	assert.True(t, errors.Is(err, ErrPublicKey))
}
