// Package config resolves the Configuration view consumed by the core (see
// SPEC_FULL.md §AMBIENT STACK). The TOML file format and the flag parsing
// that points at it are collaborators, not core: this package's only
// contract with the rest of the module is the Configuration struct it
// produces.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// Configuration is the read-only snapshot described in spec.md §3.
type Configuration struct {
	CacheRoot       string            `toml:"cache_root"`
	Namespace       string            `toml:"namespace"`
	RequesterUser   string            `toml:"requester_user"`
	RequestRoute    string            `toml:"request_route"`
	WorkerRoute     string            `toml:"worker_route"`
	RemoteEnv       map[string]string `toml:"remote_env"`
	WorkerMaxJobs   int               `toml:"worker_max_jobs"`
	WorkerPollSecs  float64           `toml:"worker_poll_interval"`
	WorkerDebug     bool              `toml:"worker_debug"`
	InteractiveCmd  string            `toml:"interactive_command"`
	SourceBashrc    bool              `toml:"interactive_source_bashrc"`
}

func defaults() Configuration {
	home, _ := os.UserHomeDir()
	return Configuration{
		CacheRoot:      filepath.Join(home, ".pigeon", "cache"),
		Namespace:      "default",
		WorkerMaxJobs:  4,
		WorkerPollSecs: 0.2,
		InteractiveCmd: "bash --noprofile --norc -i",
	}
}

// Load reads a TOML configuration file at path (if it exists) over the
// built-in defaults, then applies environment variable overrides. A missing
// file is not an error — callers operate on defaults plus environment.
func Load(path string) (Configuration, error) {
	cfg := defaults()
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, &cfg); err != nil {
				return cfg, fmt.Errorf("decode config %s: %w", path, err)
			}
		}
	}
	applyEnvOverrides(&cfg)
	if cfg.RemoteEnv == nil {
		cfg.RemoteEnv = map[string]string{}
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Configuration) {
	if v := os.Getenv("PIGEON_CACHE_ROOT"); v != "" {
		cfg.CacheRoot = v
	}
	if v := os.Getenv("PIGEON_NAMESPACE"); v != "" {
		cfg.Namespace = v
	}
	if v := os.Getenv("PIGEON_REQUEST_ROUTE"); v != "" {
		cfg.RequestRoute = v
	}
	if v := os.Getenv("PIGEON_WORKER_ROUTE"); v != "" {
		cfg.WorkerRoute = v
	}
	if v := os.Getenv("PIGEON_WORKER_MAX_JOBS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.WorkerMaxJobs = n
		}
	}
	if v := os.Getenv("PIGEON_WORKER_POLL_INTERVAL"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			cfg.WorkerPollSecs = f
		}
	}
	if v := os.Getenv("PIGEON_WORKER_DEBUG"); v != "" {
		cfg.WorkerDebug = v == "1" || strings.EqualFold(v, "true")
	}
}

// WaitWorkerSeconds resolves the wait-for-worker timeout per spec.md §4.4
// step 2: CLI value (if provided and non-negative) else PIGEON_WAIT_WORKER
// else 3.0, clamped to >= 0.
func WaitWorkerSeconds(cliValue *float64) float64 {
	if cliValue != nil && *cliValue >= 0 {
		return *cliValue
	}
	if v := os.Getenv("PIGEON_WAIT_WORKER"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 {
			return f
		}
	}
	return 3.0
}

// NormalizeRoute applies the whitespace-strip/empty-becomes-null rule from
// spec.md §4.3 to an optional route value.
func NormalizeRoute(route string) string {
	return strings.TrimSpace(route)
}
