// Package config assembles the core's runtime tunables from environment
// variables, with embedded YAML supplying structural defaults (the RAW
// extension set) that don't belong as one-variable-per-field env knobs.
package config

import (
	_ "embed"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lumenvale/shuttercore/internal/coordinator"
	"github.com/lumenvale/shuttercore/internal/pipeline"
	"github.com/lumenvale/shuttercore/internal/window"
)

//go:embed defaults.yaml
var defaultsYAML []byte

type defaultsFile struct {
	RawExtensions []string `yaml:"raw_extensions"`
}

// Config holds the assembled tunables for one core instance.
type Config struct {
	Cache       CacheConfig
	Window      window.Config
	Pool        PoolConfig
	Pipeline    PipelineConfig
	HTTP        HTTPConfig
	Coordinator CoordinatorConfig
}

// CacheConfig configures the content-addressed store (C2).
type CacheConfig struct {
	Root        string // directory the store owns: blobs/, index/, tmp/, lock
	BudgetBytes int64
}

// PoolConfig configures the bounded worker pool (C4).
type PoolConfig struct {
	MaxWorkers int
}

// PipelineConfig configures the per-path pipeline worker (C3).
type PipelineConfig struct {
	RawExtensions map[string]struct{}
}

// HTTPConfig configures the status/events transport.
type HTTPConfig struct {
	ListenAddr      string
	ShutdownTimeout time.Duration
}

// CoordinatorConfig configures the façade (C8).
type CoordinatorConfig struct {
	RecentTerminalCapacity int
}

// envInt reads an environment variable and parses it as a positive integer.
// Returns the default value if the env var is unset, empty, or invalid.
func envInt(key string, defaultVal int) int {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return n
	}
	return defaultVal
}

// envInt64 is envInt's int64 counterpart, for byte-count fields too large
// for a plain int on 32-bit platforms.
func envInt64(key string, defaultVal int64) int64 {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil && n > 0 {
		return n
	}
	return defaultVal
}

// envDuration parses key as a Go duration string (e.g. "30s"). Returns the
// default value if the env var is unset, empty, or invalid.
func envDuration(key string, defaultVal time.Duration) time.Duration {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return d
	}
	return defaultVal
}

// envString returns the env var's value, or defaultVal if unset or empty.
func envString(key, defaultVal string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return defaultVal
}

// Load assembles a Config from the process environment and the embedded
// defaults.yaml. Environment variables always win over embedded defaults.
func Load() *Config {
	var defaults defaultsFile
	if err := yaml.Unmarshal(defaultsYAML, &defaults); err != nil {
		// Embedded at build time: a parse failure here means the binary
		// itself is broken, not a runtime condition to recover from.
		panic("config: failed to unmarshal embedded defaults.yaml: " + err.Error())
	}

	rawExt := make(map[string]struct{}, len(defaults.RawExtensions))
	for _, ext := range defaults.RawExtensions {
		rawExt["."+ext] = struct{}{}
	}
	if override := os.Getenv("SHUTTERCORE_RAW_EXTENSIONS"); override != "" {
		rawExt = make(map[string]struct{})
		for _, ext := range strings.Split(override, ",") {
			ext = strings.TrimSpace(ext)
			if ext != "" {
				rawExt["."+ext] = struct{}{}
			}
		}
	}

	return &Config{
		Cache: CacheConfig{
			Root:        envString("SHUTTERCORE_CACHE_ROOT", "./data/cache"),
			BudgetBytes: envInt64("SHUTTERCORE_CACHE_BUDGET_BYTES", 1<<30),
		},
		Window: window.Config{
			MaxReadyItems:   envInt("SHUTTERCORE_WINDOW_MAX_READY_ITEMS", 15),
			MinQueueBuffer:  envInt("SHUTTERCORE_WINDOW_MIN_QUEUE_BUFFER", 10),
			ResumeThreshold: envInt("SHUTTERCORE_WINDOW_RESUME_THRESHOLD", 5),
		},
		Pool: PoolConfig{
			MaxWorkers: envInt("SHUTTERCORE_POOL_MAX_WORKERS", 4),
		},
		Pipeline: PipelineConfig{
			RawExtensions: rawExt,
		},
		HTTP: HTTPConfig{
			ListenAddr:      envString("SHUTTERCORE_HTTP_ADDR", ":8080"),
			ShutdownTimeout: envDuration("SHUTTERCORE_HTTP_SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		Coordinator: CoordinatorConfig{
			RecentTerminalCapacity: envInt("SHUTTERCORE_RECENT_TERMINAL_CAPACITY", coordinator.DefaultRecentTerminalCapacity),
		},
	}
}

// PipelineWorkerConfig adapts the pipeline section into the pipeline.Config
// shape its constructor takes.
func (c *Config) PipelineWorkerConfig() pipeline.Config {
	if len(c.Pipeline.RawExtensions) == 0 {
		return pipeline.DefaultConfig()
	}
	return pipeline.Config{RawExtensions: c.Pipeline.RawExtensions}
}

// ToCoordinatorConfig adapts Config into the coordinator.Config shape its
// constructor takes.
func (c *Config) ToCoordinatorConfig() coordinator.Config {
	return coordinator.Config{
		MaxWorkers:             c.Pool.MaxWorkers,
		Window:                 c.Window,
		Pipeline:               c.PipelineWorkerConfig(),
		RecentTerminalCapacity: c.Coordinator.RecentTerminalCapacity,
	}
}
