package util

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolvePath(t *testing.T) {
	assert.Equal(t, filepath.Join("base", "data"), ResolvePath("base", "data"))
	assert.Equal(t, "/abs/x", ResolvePath("base", "/abs/./x"))
}

func TestValidateUserID(t *testing.T) {
	id, err := ValidateUserID("  alice ")
	require.NoError(t, err)
	assert.Equal(t, "alice", id)

	for _, bad := range []string{"", "   ", "a b", "a/b"} {
		_, err := ValidateUserID(bad)
		assert.Error(t, err, bad)
	}
}

func TestWriteJSONFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "x.json")
	require.NoError(t, WriteJSONFile(path, map[string]int{"a": 1}))
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(b))
	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}
