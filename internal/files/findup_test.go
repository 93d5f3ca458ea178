package files

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindUp(t *testing.T) {
	root := t.TempDir()
	deep := filepath.Join(root, "a", "b", "c")
	require.NoError(t, os.MkdirAll(deep, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "a", "instrument-agent"), []byte("bin"), 0o755))
	// a directory with the name does not count
	require.NoError(t, os.Mkdir(filepath.Join(root, "a", "b", "instrument-agent"), 0o755))

	path, err := FindUp("instrument-agent", deep)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "a", "instrument-agent"), path)

	path, err = FindUp("no-such-file-anywhere-7f3a", deep)
	require.NoError(t, err)
	assert.Equal(t, "", path)
}
