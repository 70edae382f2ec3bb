package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	logger, err := New("debug", true)
	require.NoError(t, err)
	assert.NotNil(t, logger)

	_, err = New("loud", false)
	assert.Error(t, err)
}

func TestMaskPhone(t *testing.T) {
	assert.Equal(t, "+4*********90", MaskPhone("+491234567890"))
	assert.Equal(t, "****", MaskPhone("+49"))
}

func TestMaskEmail(t *testing.T) {
	assert.Equal(t, "u***@example.com", MaskEmail("user@example.com"))
	assert.Equal(t, "****", MaskEmail("not-an-email"))
	assert.Equal(t, "****", MaskEmail("@example.com"))
}
