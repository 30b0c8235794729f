package main

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetConfigValue(t *testing.T) {
	tests := []struct {
		key     string
		value   string
		wantErr bool
		check   func(*Config) string
	}{
		{key: "default.base_url", value: "https://market.test", check: func(c *Config) string { return c.Default.BaseURL }},
		{key: "default.log_level", value: "debug", check: func(c *Config) string { return c.Default.LogLevel }},
		{key: "auth.token", value: "tok", check: func(c *Config) string { return c.Auth.Token }},
		{key: "auth.user_id", value: "U1", check: func(c *Config) string { return c.Auth.UserID }},
		{key: "base_url", value: "x", wantErr: true},
		{key: "default.colour", value: "x", wantErr: true},
		{key: "auth.password", value: "x", wantErr: true},
		{key: "misc.thing", value: "x", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			var cfg Config
			err := setConfigValue(&cfg, tt.key, tt.value)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.value, tt.check(&cfg))
		})
	}
}

func TestConfigSaveLoad(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, Config{}, *cfg, "missing file loads as zero config")

	cfg.Default.BaseURL = "https://market.test"
	cfg.Auth = ConfigAuth{Token: "tok-U1", UserID: "U1"}
	require.NoError(t, saveConfig(cfg))

	info, err := os.Stat(filepath.Join(home, ".inbox", "config.toml"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	got, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, cfg, got)
}

func TestLoadConfigRejectsGarbage(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	require.NoError(t, os.MkdirAll(filepath.Join(home, ".inbox"), 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(home, ".inbox", "config.toml"), []byte("[default\nbase_url ="), 0o600))

	_, err := loadConfig()
	assert.Error(t, err)
}

func TestResolveConfigEnvironmentOverrides(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Chdir(t.TempDir())
	require.NoError(t, saveConfig(&Config{
		Default: ConfigDefault{BaseURL: "https://file.test", LogLevel: "info"},
		Auth:    ConfigAuth{Token: "file-token", UserID: "U-file"},
	}))

	t.Setenv("INBOX_BASE_URL", "https://env.test")
	t.Setenv("INBOX_TOKEN", "env-token")
	t.Setenv("INBOX_USER_ID", "")
	t.Setenv("INBOX_LOG_LEVEL", "")

	cfg, err := resolveConfig()
	require.NoError(t, err)
	assert.Equal(t, "https://env.test", cfg.Default.BaseURL)
	assert.Equal(t, "info", cfg.Default.LogLevel)
	assert.Equal(t, "env-token", cfg.Auth.Token)
	assert.Empty(t, cfg.Auth.UserID, "env token does not inherit the file's user")

	stored, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "file-token", stored.Auth.Token, "overrides are never written back")
}

func TestResolveConfigDotEnv(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("INBOX_BASE_URL=https://dotenv.test\n"), 0o600))
	t.Setenv("INBOX_BASE_URL", "")
	os.Unsetenv("INBOX_BASE_URL")

	cfg, err := resolveConfig()
	require.NoError(t, err)
	assert.Equal(t, "https://dotenv.test", cfg.Default.BaseURL)
}

func TestMaskToken(t *testing.T) {
	assert.Equal(t, "*****", maskToken("short"))
	assert.Equal(t, "eyJhbG...wxyz", maskToken("eyJhbGciOiJIUzI1NiJ9.abcdefwxyz"))
}

func TestNewLoggerLevels(t *testing.T) {
	assert.True(t, newLogger("").Handler().Enabled(t.Context(), slog.LevelWarn))
	assert.False(t, newLogger("").Handler().Enabled(t.Context(), slog.LevelInfo), "info is hidden by default")
	assert.True(t, newLogger("debug").Handler().Enabled(t.Context(), slog.LevelDebug))
	assert.False(t, newLogger("bogus").Handler().Enabled(t.Context(), slog.LevelInfo))
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Chdir(t.TempDir())
	file := &Config{
		Default: ConfigDefault{BaseURL: "https://file.test"},
		Auth:    ConfigAuth{Token: "file-token", UserID: "U-file"},
	}
	require.NoError(t, saveConfig(file))

	t.Setenv("INBOX_BASE_URL", "")
	t.Setenv("INBOX_TOKEN", "")
	t.Setenv("INBOX_USER_ID", "")
	t.Setenv("INBOX_LOG_LEVEL", "")
	effective, err := resolveConfig()
	require.NoError(t, err)
	assert.Empty(t, envOverrides(file, effective))

	t.Setenv("INBOX_BASE_URL", "https://env.test")
	t.Setenv("INBOX_TOKEN", "env-token")
	t.Setenv("INBOX_USER_ID", "U-env")
	effective, err = resolveConfig()
	require.NoError(t, err)
	assert.Equal(t, []string{"default.base_url", "auth.token", "auth.user_id"}, envOverrides(file, effective))
}
