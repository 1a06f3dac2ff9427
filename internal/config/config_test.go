package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.Server.AdminSecret = "hunter2"
	return cfg
}

func TestDefaultConfig_ValidatesWithSecret(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, cfg.Validate())
}

func TestValidate_RejectsMissingSecret(t *testing.T) {
	cfg := DefaultConfig()
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "admin_secret")
}

func TestValidate_RejectsBadThresholds(t *testing.T) {
	cfg := validConfig()
	cfg.Query.FailThreshold = 0
	assert.Error(t, cfg.Validate())

	cfg = validConfig()
	cfg.Health.ConsecutiveSamples = cfg.Health.Window + 1
	assert.Error(t, cfg.Validate())

	cfg = validConfig()
	cfg.Idle.Enabled = true
	cfg.Idle.Threshold = 0
	assert.Error(t, cfg.Validate())
}

func TestDuration_JSONRoundTrip(t *testing.T) {
	d := Duration(90 * time.Second)
	data, err := d.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"1m30s"`, string(data))

	var parsed Duration
	require.NoError(t, parsed.UnmarshalJSON([]byte(`"5m"`)))
	assert.Equal(t, 5*time.Minute, parsed.Duration())

	assert.Error(t, parsed.UnmarshalJSON([]byte(`"not-a-duration"`)))
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	cfg := validConfig()
	cfg.Idle.Threshold = Duration(45 * time.Minute)
	cfg.Backup.Retention.Daily = 14
	require.NoError(t, SaveConfig(cfg, path))

	loaded, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, 45*time.Minute, loaded.Idle.Threshold.Duration())
	assert.Equal(t, 14, loaded.Backup.Retention.Daily)
	assert.Equal(t, cfg.Server.AdminSecret, loaded.Server.AdminSecret)
}

func TestLoadFromFile_FillsDefaultsForAbsentSections(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	minimal := `{"server": {"binary": "/srv/run.sh", "save_dir": "/srv/Saved", "admin_secret": "s"}}`
	require.NoError(t, os.WriteFile(path, []byte(minimal), 0o644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "/srv/run.sh", cfg.Server.Binary)
	assert.Equal(t, 3, cfg.Query.FailThreshold)
	assert.Equal(t, 7, cfg.Backup.Retention.Daily)
	assert.Equal(t, 30*time.Minute, cfg.Idle.Threshold.Duration())
}

func TestLoadFromFile_RejectsInvalidJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, err := LoadFromFile(path)
	assert.Error(t, err)
}
