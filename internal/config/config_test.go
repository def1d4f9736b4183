package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshrun/flowcore/internal/hashkey"
)

func TestLoadAppliesDefaults(t *testing.T) {
	opts, err := Load("", nil)
	require.NoError(t, err)
	assert.Equal(t, "local", opts.Executor)
	assert.Equal(t, 4, opts.MaxForks)
	assert.Equal(t, "standard", opts.CacheMode)
}

func TestLoadReadsConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "flowcore.yaml")
	body := "process:\n  executor: grid\n  maxForks: 8\ncache: deep\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	opts, err := Load(path, nil)
	require.NoError(t, err)
	assert.Equal(t, "grid", opts.Executor)
	assert.Equal(t, 8, opts.MaxForks)
	assert.Equal(t, "deep", opts.CacheMode)
}

func TestFlagOverridesConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "flowcore.yaml")
	require.NoError(t, os.WriteFile(path, []byte("process:\n  executor: grid\n"), 0o644))

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	BindFlags(fs, viper.New())
	require.NoError(t, fs.Parse([]string{"--executor=local"}))

	opts, err := Load(path, fs)
	require.NoError(t, err)
	assert.Equal(t, "local", opts.Executor)
}

func TestHashModeTranslatesCacheMode(t *testing.T) {
	mode, enabled, err := Options{CacheMode: "deep"}.HashMode()
	require.NoError(t, err)
	assert.True(t, enabled)
	assert.Equal(t, hashkey.Deep, mode)

	_, enabled, err = Options{CacheMode: "false"}.HashMode()
	require.NoError(t, err)
	assert.False(t, enabled)

	_, _, err = Options{CacheMode: "bogus"}.HashMode()
	assert.Error(t, err)
}
