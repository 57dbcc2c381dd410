package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadOptional_MissingFileYieldsDefaults(t *testing.T) {
	cfg, err := LoadOptional(filepath.Join(t.TempDir(), DefaultConfigFilename))
	require.NoError(t, err)
	require.Equal(t, DefaultBind, cfg.Bind)
	require.Equal(t, DefaultWorkers, cfg.Workers)
	require.Equal(t, DefaultThreads, cfg.Threads)
	require.False(t, cfg.Reload)
}

func TestLoadFromFile_OverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, DefaultConfigFilename)
	content := "bind: 127.0.0.1:8080\nworkers: 5\nreload: true\napp: demo:app\nshutdown_timeout: 5s\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:8080", cfg.Bind)
	require.Equal(t, 5, cfg.Workers)
	// Unset fields keep defaults.
	require.Equal(t, DefaultThreads, cfg.Threads)
	require.True(t, cfg.Reload)
	require.Equal(t, 5*time.Second, cfg.ShutdownTimeout)
	require.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	base := Default()
	base.App = "demo:app"
	require.NoError(t, base.Validate())

	cases := []struct {
		name   string
		mutate func(*Launch)
	}{
		{"missing app", func(l *Launch) { l.App = "" }},
		{"malformed app", func(l *Launch) { l.App = "demoapp" }},
		{"zero workers", func(l *Launch) { l.Workers = 0 }},
		{"negative threads", func(l *Launch) { l.Threads = -1 }},
		{"bad bind", func(l *Launch) { l.Bind = "not-an-address" }},
		{"zero shutdown timeout", func(l *Launch) { l.ShutdownTimeout = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base
			tc.mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}
}
