package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestValidator_Plain(t *testing.T) {
	v, err := NewValidator("s3cret", "")
	require.NoError(t, err)

	assert.NoError(t, v.Validate("s3cret"))
	assert.ErrorIs(t, v.Validate("wrong"), ErrInvalidAPIKey)
	assert.ErrorIs(t, v.Validate(""), ErrInvalidAPIKey)
}

func TestValidator_Hash(t *testing.T) {
	h, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)

	v, err := NewValidator("ignored", string(h))
	require.NoError(t, err)

	assert.NoError(t, v.Validate("s3cret"))
	assert.ErrorIs(t, v.Validate("ignored"), ErrInvalidAPIKey)
}

func TestNewValidator_Errors(t *testing.T) {
	_, err := NewValidator("", "")
	assert.ErrorIs(t, err, ErrNoKey)

	_, err = NewValidator("", "not-a-bcrypt-hash")
	assert.Error(t, err)
}

func TestHashKey(t *testing.T) {
	h, err := HashKey("abc")
	require.NoError(t, err)

	v, err := NewValidator("", h)
	require.NoError(t, err)
	assert.NoError(t, v.Validate("abc"))
}
