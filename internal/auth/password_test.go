package auth

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/keyhold/server/internal/autherr"
)

func TestPasswordHasher_HashVerify(t *testing.T) {
	h := NewPasswordHasher(bcrypt.MinCost)

	hash, err := h.Hash("correct horse battery")
	require.NoError(t, err)
	assert.NotContains(t, hash, "correct horse")

	assert.True(t, h.Verify(hash, "correct horse battery"))
	assert.False(t, h.Verify(hash, "correct horse"))
	assert.False(t, h.Verify("not-a-hash", "correct horse battery"))

	again, err := h.Hash("correct horse battery")
	require.NoError(t, err)
	assert.NotEqual(t, hash, again, "hashes are salted")
}

func TestPasswordHasher_CostFallback(t *testing.T) {
	assert.Equal(t, bcrypt.DefaultCost, NewPasswordHasher(0).cost)
	assert.Equal(t, bcrypt.DefaultCost, NewPasswordHasher(99).cost)
	assert.Equal(t, 12, NewPasswordHasher(12).cost)
}

func TestPasswordHasher_VerifyDummy(t *testing.T) {
	h := NewPasswordHasher(bcrypt.MinCost)
	h.VerifyDummy("anything")
	assert.NotEmpty(t, h.dummyHash)
}

func TestPasswordPolicy_Validate(t *testing.T) {
	p := PasswordPolicy{MinLength: 10}

	tests := []struct {
		name     string
		password string
		ok       bool
	}{
		{"too short", "short", false},
		{"exactly min", "0123456789", true},
		{"multibyte counted as runes", "ääääääääää", true},
		{"longer than bcrypt input", strings.Repeat("a", 73), false},
		{"bcrypt limit", strings.Repeat("a", 72), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := p.Validate(tt.password)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, autherr.ErrValidation)
			}
		})
	}
}

func TestPasswordPolicy_DefaultMinLength(t *testing.T) {
	assert.Error(t, PasswordPolicy{}.Validate("123456789"))
	assert.NoError(t, PasswordPolicy{}.Validate("1234567890"))
}

func TestGenerateOpaqueToken(t *testing.T) {
	token, hash, err := GenerateOpaqueToken()
	require.NoError(t, err)
	assert.Len(t, token, 43)
	assert.Len(t, hash, 64)
	assert.Equal(t, HashToken(token), hash)

	other, _, err := GenerateOpaqueToken()
	require.NoError(t, err)
	assert.NotEqual(t, token, other)
}
