// Package config provides centralized configuration loading for the
// Particle Plumber, mirroring the teacher's TOML-file-plus-environment-
// overlay approach (pkg/config/config.go) but using the real TOML library
// the wider example pack depends on instead of a hand-rolled parser.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/sirupsen/logrus"
)

// Config holds all configuration for a Particle Plumber node.
type Config struct {
	VMPool    VmPoolConfig    `toml:"vm_pool"`
	VM        VmConfig        `toml:"vm"`
	DataStore DataStoreConfig `toml:"data_store"`
	Kademlia  KademliaConfig  `toml:"kademlia"`
	Log       LogConfig       `toml:"log"`
	Telemetry TelemetryConfig `toml:"telemetry"`
}

// VmPoolConfig configures the VM pool (spec.md §6).
type VmPoolConfig struct {
	PoolSize         int           `toml:"pool_size"`
	ExecutionTimeout time.Duration `toml:"execution_timeout"`
}

// VmConfig configures each interpreter VM (spec.md §6).
type VmConfig struct {
	CurrentPeerID       string `toml:"current_peer_id"`
	AirInterpreterPath  string `toml:"air_interpreter_path"`
	MaxHeapSize         *int64 `toml:"max_heap_size,omitempty"`
	AirSizeLimit        *int64 `toml:"air_size_limit,omitempty"`
	ParticleSizeLimit   *int64 `toml:"particle_size_limit,omitempty"`
	CallResultSizeLimit *int64 `toml:"call_result_size_limit,omitempty"`
	HardLimitEnabled    bool   `toml:"hard_limit_enabled"`
}

// DataStoreConfig derives the particle-data, vault, and anomaly directories
// from a base directory (spec.md §6). Backend selects the ParticleDataStore
// implementation: "file" (default) for the plain directory-tree store, or
// "badger" for the embedded-KV store that survives restarts without an
// external database.
type DataStoreConfig struct {
	BaseDir string `toml:"base_dir"`
	Backend string `toml:"backend"`
}

// KademliaConfig configures the Discovery Behaviour (spec.md §6).
type KademliaConfig struct {
	PeerID            string        `toml:"peer_id"`
	QueryTimeout      time.Duration `toml:"query_timeout"`
	PeerFailThreshold int           `toml:"peer_fail_threshold"`
	BanCooldown       time.Duration `toml:"ban_cooldown"`
}

// LogConfig controls per-component log levels.
type LogConfig struct {
	Level string `toml:"level"`
}

// TelemetryConfig controls trace span emission for the Plumber's ingest
// operation; poll and cleanup do not record spans.
type TelemetryConfig struct {
	Enabled    bool    `toml:"enabled"`
	SampleRate float64 `toml:"sample_rate"`
}

// DefaultConfig returns sensible defaults, matching the teacher's
// DefaultPoolConfig/DefaultManagerConfig pattern of one function per
// section.
func DefaultConfig() Config {
	return Config{
		VMPool: VmPoolConfig{PoolSize: 4, ExecutionTimeout: 30 * time.Second},
		VM: VmConfig{
			AirInterpreterPath: "/usr/lib/air-interpreter.wasm",
			HardLimitEnabled:   false,
		},
		DataStore: DataStoreConfig{BaseDir: "/var/lib/plumberd", Backend: "file"},
		Kademlia: KademliaConfig{
			QueryTimeout:      10 * time.Second,
			PeerFailThreshold: 3,
			BanCooldown:       time.Minute,
		},
		Log:       LogConfig{Level: "info"},
		Telemetry: TelemetryConfig{Enabled: false, SampleRate: 1.0},
	}
}

// Load reads a TOML config file, applies it on top of DefaultConfig, then
// applies environment variable overrides (PLUMBER_* prefix), matching the
// teacher's layered file-then-env precedence.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("reading config file: %w", err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PLUMBER_PEER_ID"); v != "" {
		cfg.VM.CurrentPeerID = v
		cfg.Kademlia.PeerID = v
	}
	if v := os.Getenv("PLUMBER_POOL_SIZE"); v != "" {
		if n, err := parseIntEnv(v); err == nil {
			cfg.VMPool.PoolSize = n
		}
	}
	if v := os.Getenv("PLUMBER_DATA_DIR"); v != "" {
		cfg.DataStore.BaseDir = v
	}
	if v := os.Getenv("PLUMBER_DATA_BACKEND"); v != "" {
		cfg.DataStore.Backend = v
	}
	if v := os.Getenv("PLUMBER_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}

func parseIntEnv(v string) (int, error) {
	var n int
	_, err := fmt.Sscanf(v, "%d", &n)
	return n, err
}

// DefaultLogLevels returns the curated per-component log level policy: the
// idea kept from the original's log-utils default_directives (quiet the
// noisy transport layers, keep the scheduler loud), adapted to this
// codebase's actual component names.
func DefaultLogLevels() map[string]logrus.Level {
	return map[string]logrus.Level{
		"plumber":   logrus.InfoLevel,
		"actor":     logrus.WarnLevel,
		"vm-pool":   logrus.WarnLevel,
		"discovery": logrus.InfoLevel,
		"datastore": logrus.WarnLevel,
	}
}

// LoggerFor returns a component-scoped entry set to its default level from
// DefaultLogLevels. A non-empty cfg.Log.Level that logrus can parse
// (DefaultConfig sets "info") replaces that default for every component.
func LoggerFor(cfg LogConfig, component string) *logrus.Entry {
	base := logrus.New()
	level := DefaultLogLevels()[component]
	if cfg.Level != "" {
		if parsed, err := logrus.ParseLevel(cfg.Level); err == nil {
			level = parsed
		}
	}
	base.SetLevel(level)
	return base.WithField("component", component)
}
