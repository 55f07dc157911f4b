package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMvCommand(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	src := filepath.Join(dir, "src.txt")
	require.NoError(t, os.WriteFile(src, []byte("payload"), 0600))

	dest := filepath.Join(dir, "dest.txt")
	require.NoError(t, mvCmd.RunE(mvCmd, []string{src, dest}))
	assert.NoFileExists(t, src)
	assert.FileExists(t, dest)

	err := mvCmd.RunE(mvCmd, []string{dest, dest, filepath.Join(dir, "combined.txt")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "is not a directory")

	sub := filepath.Join(dir, "sub")
	require.NoError(t, os.Mkdir(sub, 0770))
	require.NoError(t, mvCmd.RunE(mvCmd, []string{dest, sub}))
	assert.FileExists(t, filepath.Join(sub, "dest.txt"))
}

func TestRmCommand(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "junk.txt")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0600))

	require.NoError(t, rmCmd.RunE(rmCmd, []string{file}))
	assert.NoFileExists(t, file)

	err := rmCmd.RunE(rmCmd, []string{file})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "could not stat")

	sub := filepath.Join(dir, "sub")
	require.NoError(t, os.MkdirAll(filepath.Join(sub, "deep"), 0770))
	err = rmCmd.RunE(rmCmd, []string{sub})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "-r wasn't passed")

	require.NoError(t, rmCmd.Flags().Set("recursive", "true"))
	require.NoError(t, rmCmd.Flags().Set("force", "true"))
	t.Cleanup(func() {
		_ = rmCmd.Flags().Set("recursive", "false")
		_ = rmCmd.Flags().Set("force", "false")
	})

	require.NoError(t, rmCmd.RunE(rmCmd, []string{sub, filepath.Join(dir, "missing.txt")}))
	assert.NoDirExists(t, sub)
}

func TestMkdirCommand(t *testing.T) {
	dir := t.TempDir()

	plain := filepath.Join(dir, "one")
	require.NoError(t, mkdirCmd.RunE(mkdirCmd, []string{plain}))
	assert.DirExists(t, plain)

	err := mkdirCmd.RunE(mkdirCmd, []string{plain})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to create")

	require.NoError(t, mkdirCmd.Flags().Set("parents", "true"))
	t.Cleanup(func() {
		_ = mkdirCmd.Flags().Set("parents", "false")
	})

	nested := filepath.Join(dir, "a", "b", "c")
	require.NoError(t, mkdirCmd.RunE(mkdirCmd, []string{nested}))
	assert.DirExists(t, nested)

	// repeating on an existing directory stays silent
	require.NoError(t, mkdirCmd.RunE(mkdirCmd, []string{nested}))

	// a path element blocked by a regular file has to fail even with -p
	blocker := filepath.Join(dir, "blocker.txt")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0600))

	err = mkdirCmd.RunE(mkdirCmd, []string{filepath.Join(blocker, "sub")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to create")

	err = mkdirCmd.RunE(mkdirCmd, []string{blocker + string(filepath.Separator)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to create")
}
