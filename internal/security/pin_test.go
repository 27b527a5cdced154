package security

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashPin(t *testing.T) {
	t.Run("hash and verify round trip", func(t *testing.T) {
		h, err := HashPin("1234")
		require.NoError(t, err)
		assert.NotEqual(t, "1234", h)
		assert.True(t, VerifyPin("1234", h))
		assert.False(t, VerifyPin("4321", h))
	})

	t.Run("rejects non-digit pins", func(t *testing.T) {
		_, err := HashPin("12a4")
		assert.ErrorIs(t, err, ErrInvalidPin)
	})

	t.Run("rejects short and long pins", func(t *testing.T) {
		_, err := HashPin("123")
		assert.ErrorIs(t, err, ErrInvalidPin)
		_, err = HashPin("1234567")
		assert.ErrorIs(t, err, ErrInvalidPin)
	})

	t.Run("same pin hashes differently", func(t *testing.T) {
		h1, err := HashPin("5555")
		require.NoError(t, err)
		h2, err := HashPin("5555")
		require.NoError(t, err)
		assert.NotEqual(t, h1, h2)
	})
}

func TestVerifyPin_EmptyHash(t *testing.T) {
	assert.False(t, VerifyPin("1234", ""))
}
