package util

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeExecutable(t *testing.T, mode os.FileMode) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "fake-encoder")
	require.NoError(t, os.WriteFile(p, []byte("#!/bin/sh\n"), mode))
	return p
}

func TestFindBinary(t *testing.T) {
	t.Run("configured path wins", func(t *testing.T) {
		bin := writeExecutable(t, 0o755)
		t.Setenv("TEST_BINARY_PATH", "/nonexistent")

		path, err := FindBinary("ls", bin, "TEST_BINARY_PATH")
		require.NoError(t, err)
		assert.Equal(t, bin, path)
	})

	t.Run("configured path that is not executable fails", func(t *testing.T) {
		bin := writeExecutable(t, 0o644)

		_, err := FindBinary("ls", bin, "")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not executable")
	})

	t.Run("env var takes priority over PATH", func(t *testing.T) {
		bin := writeExecutable(t, 0o755)
		t.Setenv("TEST_BINARY_PATH", bin)

		path, err := FindBinary("ls", "", "TEST_BINARY_PATH")
		require.NoError(t, err)
		assert.Equal(t, bin, path)
	})

	t.Run("falls back to PATH", func(t *testing.T) {
		t.Setenv("TEST_BINARY_PATH", "/nonexistent/path/to/binary")

		path, err := FindBinary("ls", "", "TEST_BINARY_PATH")
		require.NoError(t, err)
		assert.Contains(t, path, "ls")
	})

	t.Run("ignores directories", func(t *testing.T) {
		t.Setenv("TEST_BINARY_PATH", t.TempDir())

		path, err := FindBinary("ls", "", "TEST_BINARY_PATH")
		require.NoError(t, err)
		assert.Contains(t, path, "ls")
	})

	t.Run("returns error when not found", func(t *testing.T) {
		path, err := FindBinary("definitely-nonexistent-binary-12345", "", "")
		require.Error(t, err)
		assert.Empty(t, path)
		assert.Contains(t, err.Error(), "not found")
	})
}
