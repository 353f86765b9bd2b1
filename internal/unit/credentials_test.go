package unit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealer(t *testing.T) {
	var key [32]byte
	copy(key[:], "0123456789abcdef0123456789abcdef")
	sealer := NewSealer(key)
	creds := Credentials{"username": "prefeitura", "secret": "s3cr3t"}

	t.Run("round trips", func(t *testing.T) {
		sealed, err := sealer.Seal(creds)
		require.NoError(t, err)
		assert.NotContains(t, string(sealed), "s3cr3t")

		opened, err := sealer.Open(sealed)
		require.NoError(t, err)
		assert.Equal(t, creds, opened)
	})

	t.Run("nonces differ per seal", func(t *testing.T) {
		a, _ := sealer.Seal(creds)
		b, _ := sealer.Seal(creds)
		assert.NotEqual(t, a, b)
	})

	t.Run("rejects tampering", func(t *testing.T) {
		sealed, _ := sealer.Seal(creds)
		sealed[len(sealed)-1] ^= 0xff
		_, err := sealer.Open(sealed)
		assert.ErrorIs(t, err, ErrUnsealFailed)
	})

	t.Run("rejects other key", func(t *testing.T) {
		sealed, _ := sealer.Seal(creds)
		var other [32]byte
		_, err := NewSealer(other).Open(sealed)
		assert.ErrorIs(t, err, ErrUnsealFailed)
	})

	t.Run("rejects short input", func(t *testing.T) {
		_, err := sealer.Open([]byte("short"))
		assert.ErrorIs(t, err, ErrUnsealFailed)
	})
}
