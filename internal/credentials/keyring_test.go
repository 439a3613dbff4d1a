package credentials

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"
)

func TestTokenStore(t *testing.T) {
	keyring.MockInit()
	s := NewTokenStore()

	_, err := s.Token("https://api.example.com")
	assert.ErrorIs(t, err, ErrNoToken)

	require.NoError(t, s.SaveToken("https://api.example.com/", "tok-1"))
	token, err := s.Token("https://api.example.com")
	require.NoError(t, err)
	assert.Equal(t, "tok-1", token)

	// Tokens are per backend
	_, err = s.Token("https://other.example.com")
	assert.ErrorIs(t, err, ErrNoToken)

	require.NoError(t, s.DeleteToken("https://api.example.com"))
	_, err = s.Token("https://api.example.com")
	assert.ErrorIs(t, err, ErrNoToken)
	assert.NoError(t, s.DeleteToken("https://api.example.com"))
}

func TestMaskToken(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", ""},
		{"short", "*****"},
		{"abcd1234efgh5678", "abcd...5678"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, MaskToken(tt.in), tt.in)
	}
}
