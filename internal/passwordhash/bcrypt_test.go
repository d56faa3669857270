package passwordhash

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestHashAndVerifyRoundTrip(t *testing.T) {
	h := NewBcrypt(bcrypt.MinCost)
	hash, err := h.Hash("correct-horse-battery-staple")
	require.NoError(t, err)
	assert.True(t, h.Verify("correct-horse-battery-staple", hash))
	assert.False(t, h.Verify("wrong-password", hash))
}

func TestHashRejectsEmptyPassword(t *testing.T) {
	h := NewBcrypt(bcrypt.MinCost)
	_, err := h.Hash("")
	assert.ErrorIs(t, err, ErrEmptyPassword)
}

func TestHashProducesDistinctSalts(t *testing.T) {
	h := NewBcrypt(bcrypt.MinCost)
	a, err := h.Hash("same-password")
	require.NoError(t, err)
	b, err := h.Hash("same-password")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestVerifyRejectsEmptyInputs(t *testing.T) {
	h := NewBcrypt(bcrypt.MinCost)
	hash, _ := h.Hash("a-password")
	assert.False(t, h.Verify("", hash))
	assert.False(t, h.Verify("a-password", ""))
}

func TestNewBcryptClampsCost(t *testing.T) {
	low := NewBcrypt(-5)
	assert.Equal(t, defaultCost, low.Cost())

	tooLow := NewBcrypt(bcrypt.MinCost - 1)
	assert.Equal(t, bcrypt.MinCost, tooLow.Cost())

	tooHigh := NewBcrypt(bcrypt.MaxCost + 1)
	assert.Equal(t, bcrypt.MaxCost, tooHigh.Cost())
}

func TestNeedsRehash(t *testing.T) {
	low := NewBcrypt(bcrypt.MinCost)
	hash, err := low.Hash("a-password")
	require.NoError(t, err)

	assert.False(t, low.NeedsRehash(hash))

	higher := NewBcrypt(bcrypt.MinCost + 1)
	assert.True(t, higher.NeedsRehash(hash))

	assert.True(t, low.NeedsRehash("not-a-real-hash"))
}
