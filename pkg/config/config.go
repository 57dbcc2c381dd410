package config

import (
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const DefaultConfigFilename = ".prefork.yaml"

const (
	DefaultBind    = "0.0.0.0:5000"
	DefaultWorkers = 3
	DefaultThreads = 2
)

// Launch is the immutable launch configuration. It is constructed once
// at startup from the config file and flags and never mutated.
type Launch struct {
	// Bind is the host:port the supervisor listens on. The socket is
	// bound exactly once, in the supervisor, and inherited by workers.
	Bind string `yaml:"bind"`
	// Workers is the number of worker processes.
	Workers int `yaml:"workers"`
	// Threads is the number of concurrent connections each worker
	// serves at once (the per-worker handler pool size).
	Threads int `yaml:"threads"`
	// Reload enables the development file watcher that cycles workers
	// when watched paths change.
	Reload bool `yaml:"reload"`
	// App is the application entry point, "registry:name".
	App string `yaml:"app"`

	// WatchPaths are the paths observed in reload mode. Relative paths
	// are resolved against the repo root; defaults to the repo root.
	WatchPaths []string `yaml:"watch,omitempty"`

	ShutdownTimeout time.Duration `yaml:"shutdown_timeout,omitempty"`
	StartupTimeout  time.Duration `yaml:"startup_timeout,omitempty"`
}

func Default() Launch {
	return Launch{
		Bind:            DefaultBind,
		Workers:         DefaultWorkers,
		Threads:         DefaultThreads,
		ShutdownTimeout: 10 * time.Second,
		StartupTimeout:  30 * time.Second,
	}
}

func DefaultPath(repoRoot string) string {
	return filepath.Join(repoRoot, DefaultConfigFilename)
}

func LoadFromFile(path string) (Launch, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Launch{}, errors.Wrap(err, "read config")
	}
	cfg := Default()
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Launch{}, errors.Wrap(err, "parse config yaml")
	}
	return cfg, nil
}

// LoadOptional returns defaults when the file does not exist.
func LoadOptional(path string) (Launch, error) {
	_, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return Launch{}, errors.Wrap(err, "stat config")
	}
	return LoadFromFile(path)
}

func (l Launch) Validate() error {
	if l.App == "" {
		return errors.New("missing app entry point")
	}
	if !strings.Contains(l.App, ":") {
		return errors.Errorf("app entry point %q must be registry:name", l.App)
	}
	if l.Workers <= 0 {
		return errors.Errorf("workers must be positive, got %d", l.Workers)
	}
	if l.Threads <= 0 {
		return errors.Errorf("threads must be positive, got %d", l.Threads)
	}
	if _, _, err := net.SplitHostPort(l.Bind); err != nil {
		return errors.Wrapf(err, "invalid bind address %q", l.Bind)
	}
	if l.ShutdownTimeout <= 0 {
		return errors.New("shutdown_timeout must be positive")
	}
	return nil
}
