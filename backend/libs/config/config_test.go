package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type sample struct {
	Name  string        `yaml:"name" env:"SAMPLE_NAME"`
	Ports []string      `yaml:"ports" env:"SAMPLE_PORTS"`
	Wait  time.Duration `yaml:"wait" env:"SAMPLE_WAIT"`
	Inner struct {
		Count int  `yaml:"count"`
		On    bool `yaml:"on"`
	} `yaml:"inner"`
}

func TestLoadConfigYAMLThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cfg.yaml")
	require.NoError(t, os.WriteFile(path, []byte("name: from-yaml\nwait: 3s\ninner:\n  count: 2\n"), 0o600))

	t.Setenv(defaultConfigPathEnv, path)
	t.Setenv("SAMPLE_PORTS", "9066, 10001,")
	t.Setenv("INNER_ON", "true")

	var cfg sample
	require.NoError(t, LoadConfig(&cfg))
	require.Equal(t, "from-yaml", cfg.Name)
	require.Equal(t, []string{"9066", "10001"}, cfg.Ports)
	require.Equal(t, 3*time.Second, cfg.Wait)
	require.Equal(t, 2, cfg.Inner.Count)
	require.True(t, cfg.Inner.On)
}

func TestLoadConfigDotenvDoesNotOverrideEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("SAMPLE_NAME=dotenv\nSAMPLE_WAIT=45\n"), 0o600))

	t.Setenv(dotenvPathEnv, path)
	t.Setenv("SAMPLE_NAME", "process")
	// godotenv sets variables that are not yet present; make sure the test owns cleanup.
	t.Cleanup(func() { _ = os.Unsetenv("SAMPLE_WAIT") })

	var cfg sample
	require.NoError(t, LoadConfig(&cfg))
	require.Equal(t, "process", cfg.Name)
	require.Equal(t, 45*time.Second, cfg.Wait)
}

func TestLoadConfigRejectsBadValues(t *testing.T) {
	t.Setenv("SAMPLE_WAIT", "soon")
	var cfg sample
	require.Error(t, LoadConfig(&cfg))
	require.Error(t, LoadConfig(cfg))
	require.Error(t, LoadConfig(nil))
}

func TestParseDuration(t *testing.T) {
	d, err := ParseDuration("30")
	require.NoError(t, err)
	require.Equal(t, 30*time.Second, d)

	d, err = ParseDuration("1m30s")
	require.NoError(t, err)
	require.Equal(t, 90*time.Second, d)
}
