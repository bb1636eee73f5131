package storage

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateTokenShape(t *testing.T) {
	token, err := GenerateToken()
	require.NoError(t, err)

	assert.Len(t, token, tokenLength)
	assert.True(t, strings.HasPrefix(token, tokenPrefix))
}

func TestGenerateTokenIsUnique(t *testing.T) {
	seen := make(map[string]bool)

	for i := 0; i < 100; i++ {
		token, err := GenerateToken()
		require.NoError(t, err)
		assert.False(t, seen[token], "duplicate token generated")
		seen[token] = true
	}
}

func TestParseToken(t *testing.T) {
	token, err := GenerateToken()
	require.NoError(t, err)

	parsed, err := ParseToken(token)
	require.NoError(t, err)
	assert.Equal(t, token, parsed)

	parsed, err = ParseToken("Bearer " + token)
	require.NoError(t, err)
	assert.Equal(t, token, parsed)

	_, err = ParseToken("")
	assert.ErrorIs(t, err, ErrTokenStringEmpty)

	_, err = ParseToken("apikey_" + strings.Repeat("a", 64))
	assert.ErrorIs(t, err, ErrInvalidTokenFormat)

	_, err = ParseToken(tokenPrefix + "tooshort")
	assert.ErrorIs(t, err, ErrInvalidTokenLength)
}

func TestMaskTokenHidesSecretMaterial(t *testing.T) {
	token, err := GenerateToken()
	require.NoError(t, err)

	masked := MaskToken(token)

	assert.Len(t, masked, len(token))
	assert.Contains(t, masked, "*")
	assert.NotEqual(t, token, masked)
	// The secret hex body must not survive masking.
	assert.NotContains(t, masked, token[prefixLen:len(token)-suffixLen])

	assert.Equal(t, "", MaskToken(""))
	assert.Equal(t, "*****", MaskToken("short"))
}

func TestSecureCompare(t *testing.T) {
	assert.True(t, SecureCompare("same-value", "same-value"))
	assert.False(t, SecureCompare("same-value", "other-value"))
	assert.False(t, SecureCompare("short", "longer-value"))
	assert.True(t, SecureCompare("", ""))
}

func TestComputeTokenLookupHashIsDeterministic(t *testing.T) {
	a := ComputeTokenLookupHash("token-a")
	b := ComputeTokenLookupHash("token-a")
	c := ComputeTokenLookupHash("token-b")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64) // sha-256 hex
}
