package token

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerate(t *testing.T) {
	tok, err := Generate()
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(tok, Prefix))
	assert.True(t, ValidFormat(tok))

	other, err := Generate()
	require.NoError(t, err)
	assert.NotEqual(t, tok, other)
}

func TestHashAndVerify(t *testing.T) {
	tok, hash, err := GenerateWithHash()
	require.NoError(t, err)

	assert.True(t, Verify(tok, hash))
	assert.False(t, Verify(tok+"x", hash))
	assert.False(t, Verify("hth_wrong", hash))
}

func TestHash_UniqueSalts(t *testing.T) {
	tok, err := Generate()
	require.NoError(t, err)

	first, err := Hash(tok)
	require.NoError(t, err)
	second, err := Hash(tok)
	require.NoError(t, err)

	assert.NotEqual(t, first, second, "each hash gets its own salt")
	assert.True(t, Verify(tok, first))
	assert.True(t, Verify(tok, second))
}

func TestVerify_MalformedHash(t *testing.T) {
	tests := []struct {
		name string
		hash string
	}{
		{name: "empty", hash: ""},
		{name: "no separator", hash: "abcdef"},
		{name: "bad salt", hash: "!!!:abcdef"},
		{name: "bad sum", hash: "YWJjZGVm:!!!"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.False(t, Verify("hth_anything", tt.hash))
		})
	}
}

func TestValidFormat(t *testing.T) {
	tests := []struct {
		name  string
		token string
		want  bool
	}{
		{name: "wrong prefix", token: "arq_" + strings.Repeat("A", 43), want: false},
		{name: "too short", token: "hth_abc", want: false},
		{name: "invalid base64", token: "hth_" + strings.Repeat("!", 43), want: false},
		{name: "empty", token: "", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ValidFormat(tt.token))
		})
	}
}
