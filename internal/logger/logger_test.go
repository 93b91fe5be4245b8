package logger

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	l, err := New("production", "debug")
	require.NoError(t, err)
	require.NotNil(t, l.SugaredLogger)

	_, err = New("development", "loud")
	assert.Error(t, err)
}

func TestSanitizeKVs(t *testing.T) {
	out := sanitizeKVs([]interface{}{
		"user_id", "u-123",
		"api_token", "abc",
		"batch", 8,
		"dangling",
	})

	require.Len(t, out, 7)
	hashed, ok := out[1].(string)
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(hashed, "hash:"))
	assert.Len(t, hashed, len("hash:")+12)
	assert.Equal(t, "[REDACTED]", out[3])
	assert.Equal(t, 8, out[5])
	assert.Equal(t, "dangling", out[6])
}

func TestHashValueStable(t *testing.T) {
	assert.Equal(t, hashValue("alice"), hashValue("alice"))
	assert.NotEqual(t, hashValue("alice"), hashValue("bob"))
	assert.Equal(t, "", hashValue(""))
}
