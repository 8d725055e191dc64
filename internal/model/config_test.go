package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	yamlv3 "gopkg.in/yaml.v3"
)

func TestDefaultConfig_YAMLRoundTrip(t *testing.T) {
	cfg := DefaultConfig("demo")

	data, err := yamlv3.Marshal(cfg)
	require.NoError(t, err)
	assert.Contains(t, string(data), "lock_timeout_sec: 300")
	assert.Contains(t, string(data), "default_ttl_sec: 300")

	var got Config
	require.NoError(t, yamlv3.Unmarshal(data, &got))
	assert.Equal(t, cfg, got)
}

func TestConfig_PartialYAML(t *testing.T) {
	src := `
queue:
  max_attempts: 5
gates:
  quick_command: ["make", "lint"]
`
	var cfg Config
	require.NoError(t, yamlv3.Unmarshal([]byte(src), &cfg))
	assert.Equal(t, 5, cfg.Queue.MaxAttempts)
	assert.Equal(t, 0, cfg.Queue.LockTimeoutSec, "unset fields stay zero; constructors apply defaults")
	assert.Equal(t, []string{"make", "lint"}, cfg.Gates.QuickCommand)
}
