package password_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shortlinker/shortlinker/pkg/password"
)

func TestHashAndVerify(t *testing.T) {
	t.Parallel()

	encoded, err := password.Hash("hunter2")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(encoded, "$argon2id$v=19$"))

	t.Run("matching plaintext verifies", func(t *testing.T) {
		t.Parallel()

		ok, err := password.Verify(encoded, "hunter2")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("wrong plaintext does not verify", func(t *testing.T) {
		t.Parallel()

		ok, err := password.Verify(encoded, "hunter3")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("hashes are salted", func(t *testing.T) {
		t.Parallel()

		other, err := password.Hash("hunter2")
		require.NoError(t, err)
		assert.NotEqual(t, encoded, other)
	})
}

func TestVerifyRejectsNonHashes(t *testing.T) {
	t.Parallel()

	_, err := password.Verify("plaintext-value", "anything")
	assert.ErrorIs(t, err, password.ErrNotHash)

	_, err = password.Verify("$argon2id$bogus", "anything")
	assert.ErrorIs(t, err, password.ErrHashMalformed)
}

func TestIsHash(t *testing.T) {
	t.Parallel()

	assert.False(t, password.IsHash("swordfish"))

	encoded, err := password.Hash("swordfish")
	require.NoError(t, err)
	assert.True(t, password.IsHash(encoded))
}
