package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolate points config discovery at an empty directory so a developer's
// own gosqueeze.yaml does not leak into tests.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	t.Setenv("HOME", dir)
	t.Chdir(dir)
	SetConfigFile("")
	return dir
}

func TestLoad(t *testing.T) {
	ctx := context.Background()

	t.Run("LoadDefaults", func(t *testing.T) {
		home := isolate(t)

		cfg, err := Load(ctx)
		require.NoError(t, err)
		require.NotNil(t, cfg)

		assert.Equal(t, "localhost", cfg.Server.Host)
		assert.Equal(t, 8080, cfg.Server.Port)
		assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
		assert.Equal(t, time.Duration(0), cfg.Server.WriteTimeout)
		assert.Equal(t, 120*time.Second, cfg.Server.IdleTimeout)
		assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)

		assert.Equal(t, "info", cfg.Logging.Level)
		assert.Equal(t, "structured", cfg.Logging.Profile)
		assert.Empty(t, cfg.Logging.File)

		assert.Equal(t, 4, cfg.Scheduler.Workers)
		assert.Equal(t, time.Second, cfg.Scheduler.PollInterval)
		assert.Equal(t, 30*time.Second, cfg.Scheduler.RetryBackoff)
		assert.Zero(t, cfg.Scheduler.RateLimit)

		assert.Equal(t, ByteSize(64<<20), cfg.Source.MaxBytes)
		assert.Equal(t, ByteSize(256<<20), cfg.Precondition.MinFreeBytes)

		assert.Equal(t, filepath.Join(home, ".gosqueeze"), cfg.DataDir)
		assert.Equal(t, "file", cfg.Registry.Backend)
		assert.Equal(t, filepath.Join(home, ".gosqueeze", "jobs"), cfg.RegistryPath())
		assert.Equal(t, filepath.Join(home, ".gosqueeze", "outputs"), cfg.OutputURI())
		assert.True(t, cfg.OutputIsLocal())
	})

	t.Run("RuntimeOverrides", func(t *testing.T) {
		isolate(t)
		overrides := map[string]any{
			"server": map[string]any{
				"port": 9000,
				"host": "0.0.0.0",
			},
			"logging": map[string]any{
				"level": "debug",
			},
			"source": map[string]any{
				"max_bytes": "2MiB",
			},
		}

		cfg, err := Load(ctx, overrides)
		require.NoError(t, err)

		assert.Equal(t, "0.0.0.0", cfg.Server.Host)
		assert.Equal(t, 9000, cfg.Server.Port)
		assert.Equal(t, "debug", cfg.Logging.Level)
		assert.Equal(t, ByteSize(2<<20), cfg.Source.MaxBytes)

		assert.Equal(t, "structured", cfg.Logging.Profile)
		assert.Equal(t, 4, cfg.Scheduler.Workers)
	})

	t.Run("EnvOverrides", func(t *testing.T) {
		isolate(t)
		t.Setenv("GOSQUEEZE_PORT", "3000")
		t.Setenv("GOSQUEEZE_LOG_LEVEL", "warn")
		t.Setenv("GOSQUEEZE_DATA_DIR", "/srv/gosqueeze")
		t.Setenv("GOSQUEEZE_SCHEDULER_WORKERS", "8")
		t.Setenv("GOSQUEEZE_REGISTRY_BACKEND", "sqlite")

		cfg, err := Load(ctx)
		require.NoError(t, err)

		assert.Equal(t, 3000, cfg.Server.Port)
		assert.Equal(t, "warn", cfg.Logging.Level)
		assert.Equal(t, "/srv/gosqueeze", cfg.DataDir)
		assert.Equal(t, 8, cfg.Scheduler.Workers)
		assert.Equal(t, "sqlite", cfg.Registry.Backend)
		assert.Equal(t, filepath.Join("/srv/gosqueeze", "jobs.db"), cfg.RegistryPath())
	})

	t.Run("ConfigPrecedence", func(t *testing.T) {
		isolate(t)
		t.Setenv("GOSQUEEZE_PORT", "4000")

		overrides := map[string]any{
			"server": map[string]any{
				"port": 5000,
			},
		}

		cfg, err := Load(ctx, overrides)
		require.NoError(t, err)

		assert.Equal(t, 5000, cfg.Server.Port)
	})

	t.Run("ConfigFile", func(t *testing.T) {
		dir := isolate(t)
		confDir := filepath.Join(dir, ConfigName)
		require.NoError(t, os.MkdirAll(confDir, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(confDir, "gosqueeze.yaml"), []byte(`
output:
  uri: s3://squeezed/out/
scheduler:
  workers: 2
  retry_backoff: 1m
precondition:
  min_free_bytes: 1GiB
`), 0o644))
		t.Setenv("GOSQUEEZE_SCHEDULER_WORKERS", "6")

		cfg, err := Load(ctx)
		require.NoError(t, err)

		assert.Equal(t, "s3://squeezed/out/", cfg.OutputURI())
		assert.False(t, cfg.OutputIsLocal())
		assert.Equal(t, time.Minute, cfg.Scheduler.RetryBackoff)
		assert.Equal(t, ByteSize(1<<30), cfg.Precondition.MinFreeBytes)
		// env beats file
		assert.Equal(t, 6, cfg.Scheduler.Workers)
	})

	t.Run("ExplicitConfigFile", func(t *testing.T) {
		dir := isolate(t)
		path := filepath.Join(dir, "custom.yaml")
		require.NoError(t, os.WriteFile(path, []byte("registry:\n  backend: sqlite\n  path: /tmp/reg.db\n"), 0o644))
		SetConfigFile(path)
		defer SetConfigFile("")

		cfg, err := Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, "sqlite", cfg.Registry.Backend)
		assert.Equal(t, "/tmp/reg.db", cfg.RegistryPath())
	})

	t.Run("MissingExplicitConfigFile", func(t *testing.T) {
		dir := isolate(t)
		SetConfigFile(filepath.Join(dir, "missing.yaml"))
		defer SetConfigFile("")

		_, err := Load(ctx)
		require.Error(t, err)
	})
}

func TestLoadValidation(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name      string
		overrides map[string]any
		contains  string
	}{
		{"unknown backend", map[string]any{"registry": map[string]any{"backend": "redis"}}, "registry.backend"},
		{"zero workers", map[string]any{"scheduler": map[string]any{"workers": 0}}, "scheduler.workers"},
		{"negative rate", map[string]any{"scheduler": map[string]any{"rate_limit": -1.0}}, "scheduler.rate_limit"},
		{"bad level", map[string]any{"logging": map[string]any{"level": "loud"}}, "logging.level"},
		{"bad profile", map[string]any{"logging": map[string]any{"profile": "xml"}}, "logging.profile"},
		{"bad port", map[string]any{"server": map[string]any{"port": 70000}}, "server.port"},
		{"bad byte size", map[string]any{"source": map[string]any{"max_bytes": "lots"}}, "byte size"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			isolate(t)
			_, err := Load(ctx, tt.overrides)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.contains)
		})
	}
}

func TestGetConfig(t *testing.T) {
	isolate(t)
	cfg, err := Load(context.Background())
	require.NoError(t, err)

	retrieved := GetConfig()
	require.NotNil(t, retrieved)
	assert.Equal(t, cfg.Server.Port, retrieved.Server.Port)
	assert.Equal(t, cfg.Logging.Level, retrieved.Logging.Level)
}

func TestConfigReload(t *testing.T) {
	isolate(t)
	ctx := context.Background()

	cfg1, err := Load(ctx)
	require.NoError(t, err)
	initialPort := cfg1.Server.Port

	cfg2, err := Load(ctx, map[string]any{
		"server": map[string]any{"port": initialPort + 1000},
	})
	require.NoError(t, err)

	assert.Equal(t, initialPort+1000, cfg2.Server.Port)
	assert.Equal(t, cfg2.Server.Port, GetConfig().Server.Port)
}

func TestLoadCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Load(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestEnvSpecs(t *testing.T) {
	specs := getEnvSpecs()
	require.NotEmpty(t, specs)

	names := make(map[string]bool)
	for _, spec := range specs {
		names[spec.Name] = true
		assert.Contains(t, spec.Name, "GOSQUEEZE_")
		assert.NotEmpty(t, spec.Path, "env var %s should have a path", spec.Name)
	}

	assert.True(t, names["GOSQUEEZE_LOG_LEVEL"])
	assert.True(t, names["GOSQUEEZE_PORT"])
	assert.True(t, names["GOSQUEEZE_HOST"])
	assert.True(t, names["GOSQUEEZE_DATA_DIR"])
}

func TestDurationParsing(t *testing.T) {
	isolate(t)
	t.Setenv("GOSQUEEZE_READ_TIMEOUT", "45s")
	t.Setenv("GOSQUEEZE_SHUTDOWN_TIMEOUT", "5m")

	cfg, err := Load(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 45*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 5*time.Minute, cfg.Server.ShutdownTimeout)
}

func TestGetUserConfigPaths(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/xdg")
	paths := getUserConfigPaths()
	assert.Equal(t, []string{filepath.Join("/xdg", "gosqueeze"), "."}, paths)
}

func TestParseByteSize(t *testing.T) {
	tests := []struct {
		in   string
		want ByteSize
	}{
		{"20KiB", 20 << 10},
		{"20 KB", 20000},
		{"4096", 4096},
		{" 1MiB ", 1 << 20},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseByteSize(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := ParseByteSize("many")
	require.Error(t, err)
	assert.Equal(t, "1.0 KiB", ByteSize(1024).String())
}

func TestFlatten(t *testing.T) {
	got := flatten("", map[string]any{
		"a": 1,
		"b": map[string]any{"c": "x", "d": map[string]any{"e": true}},
	})
	assert.Equal(t, map[string]any{"a": 1, "b.c": "x", "b.d.e": true}, got)
}
