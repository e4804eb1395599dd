package datadir

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_EnvVarWins(t *testing.T) {
	envDir := filepath.Join(t.TempDir(), "env-dir")
	t.Setenv(EnvVar, envDir)

	l, err := New("/should/be/ignored")
	require.NoError(t, err)
	assert.Equal(t, envDir, l.Root())
}

func TestNew_ConfigValueFallback(t *testing.T) {
	cfgDir := filepath.Join(t.TempDir(), "cfg-dir")
	t.Setenv(EnvVar, "")

	l, err := New(cfgDir)
	require.NoError(t, err)
	assert.Equal(t, cfgDir, l.Root())
}

func TestNew_DefaultHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv(EnvVar, "")

	l, err := New("")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, DefaultDirName), l.Root())

	p, err := DefaultConfigPath()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, DefaultDirName, ConfigFileName), p)
}

func TestLayout_EnsureDirs(t *testing.T) {
	root := filepath.Join(t.TempDir(), "data")
	t.Setenv(EnvVar, root)

	l, err := New("")
	require.NoError(t, err)
	require.NoError(t, l.EnsureDirs())

	for _, dir := range []string{l.Root(), l.BlobsDir(), l.BadgerDir(), l.RegistryDir()} {
		info, err := os.Stat(dir)
		require.NoError(t, err, dir)
		assert.True(t, info.IsDir())
		assert.Equal(t, os.FileMode(0700), info.Mode().Perm(), dir)
	}
	assert.Equal(t, filepath.Join(root, "registry", "versions.db"), l.RegistryFile())
	assert.Equal(t, filepath.Join(root, ConfigFileName), l.ConfigFile())
}

func TestLoadEnv(t *testing.T) {
	root := t.TempDir()
	content := "# creds\nMEMCORE_TEST_KEY=\"from-file\"\nexport MEMCORE_TEST_OTHER='x'\nMEMCORE_TEST_KEPT=file\nbogus line\n"
	require.NoError(t, os.WriteFile(filepath.Join(root, ".env"), []byte(content), 0600))

	t.Setenv(EnvFileEnvVar, "")
	t.Setenv("MEMCORE_TEST_KEPT", "shell")
	os.Unsetenv("MEMCORE_TEST_KEY")
	os.Unsetenv("MEMCORE_TEST_OTHER")
	defer os.Unsetenv("MEMCORE_TEST_KEY")
	defer os.Unsetenv("MEMCORE_TEST_OTHER")

	require.NoError(t, LoadEnv(root))
	assert.Equal(t, "from-file", os.Getenv("MEMCORE_TEST_KEY"))
	assert.Equal(t, "x", os.Getenv("MEMCORE_TEST_OTHER"))
	assert.Equal(t, "shell", os.Getenv("MEMCORE_TEST_KEPT"))
}

func TestLoadEnv_OverrideFile(t *testing.T) {
	dir := t.TempDir()
	override := filepath.Join(dir, "custom.env")
	require.NoError(t, os.WriteFile(override, []byte("MEMCORE_TEST_OVERRIDE=1\n"), 0600))
	t.Setenv(EnvFileEnvVar, override)
	os.Unsetenv("MEMCORE_TEST_OVERRIDE")
	defer os.Unsetenv("MEMCORE_TEST_OVERRIDE")

	require.NoError(t, LoadEnv(t.TempDir()))
	assert.Equal(t, "1", os.Getenv("MEMCORE_TEST_OVERRIDE"))
}

func TestLoadEnv_MissingFilesAreFine(t *testing.T) {
	t.Setenv(EnvFileEnvVar, "")
	assert.NoError(t, LoadEnv(filepath.Join(t.TempDir(), "nope")))
}
