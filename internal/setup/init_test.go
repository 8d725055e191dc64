package setup

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/isolate/internal/model"
)

func newProjectDir(t *testing.T) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "myproject")
	require.NoError(t, os.Mkdir(dir, 0755))
	return dir
}

func TestRun_CreatesProject(t *testing.T) {
	dir := newProjectDir(t)

	res, err := Run(context.Background(), dir, "")
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, ".isolate"), res.StateDir)
	assert.Equal(t, filepath.Join(dir, ".isolate", "state.db"), res.StorePath)
	assert.Equal(t, 3, res.SchemaVersion)

	for _, p := range []string{res.ConfigPath, res.StorePath} {
		_, err := os.Stat(p)
		assert.NoError(t, err, p)
	}
	info, err := os.Stat(filepath.Join(dir, "workspaces"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestRun_ConfigMatchesDefaults(t *testing.T) {
	dir := newProjectDir(t)
	res, err := Run(context.Background(), dir, "")
	require.NoError(t, err)

	data, err := os.ReadFile(res.ConfigPath)
	require.NoError(t, err)
	var cfg model.Config
	require.NoError(t, yamlv3.Unmarshal(data, &cfg))
	assert.Equal(t, model.DefaultConfig("myproject"), cfg)
}

func TestRun_ProjectNameOverride(t *testing.T) {
	dir := newProjectDir(t)
	res, err := Run(context.Background(), dir, "custom")
	require.NoError(t, err)

	cfg, err := LoadConfig(res.StateDir)
	require.NoError(t, err)
	assert.Equal(t, "custom", cfg.Project.Name)
}

func TestRun_AlreadyInitialized(t *testing.T) {
	dir := newProjectDir(t)
	_, err := Run(context.Background(), dir, "")
	require.NoError(t, err)

	_, err = Run(context.Background(), dir, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}

func TestWriteConfigAtomic_KeepsBackup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	first := model.DefaultConfig("one")
	second := model.DefaultConfig("two")
	require.NoError(t, writeConfigAtomic(path, first))
	require.NoError(t, writeConfigAtomic(path, second))

	cur, err := LoadConfigFile(path)
	require.NoError(t, err)
	assert.Equal(t, "two", cur.Project.Name)

	data, err := os.ReadFile(path + ".bak")
	require.NoError(t, err)
	var bak model.Config
	require.NoError(t, decodeConfig(data, &bak))
	assert.Equal(t, "one", bak.Project.Name)

	matches, err := filepath.Glob(filepath.Join(filepath.Dir(path), ".isolate-tmp-*"))
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestWriteConfigAtomic_LeavesNothingOnFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing", "config.yaml")
	require.Error(t, writeConfigAtomic(path, model.DefaultConfig("p")))
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}

func TestDecodeConfig(t *testing.T) {
	cfg := model.DefaultConfig("p")
	require.NoError(t, decodeConfig([]byte("queue:\n  max_attempts: 7\n"), &cfg))
	assert.Equal(t, 7, cfg.Queue.MaxAttempts)
	assert.Equal(t, "p", cfg.Project.Name, "unset keys keep their value")

	require.NoError(t, decodeConfig(nil, &cfg))
	assert.Equal(t, 7, cfg.Queue.MaxAttempts)

	assert.Error(t, decodeConfig([]byte("key: [unterminated"), &cfg))
	err := decodeConfig([]byte("queue:\n  max_attempt: 7\n"), &cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_attempt")
}
