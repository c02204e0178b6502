package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun_InvalidConfigReturnsExitCode(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	path := filepath.Join(dir, "medassist.yaml")
	require.NoError(t, os.WriteFile(path, []byte("index: [unterminated\n"), 0o644))
	t.Setenv("MEDASSIST_CONFIG", path)

	assert.Equal(t, 1, run())
}
