package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ByteMirror/agentfactory/log"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const ConfigFileName = "config.yaml"

// ErrInvalidConfig marks configuration errors. They are the only errors that
// abort a run.
var ErrInvalidConfig = errors.New("invalid configuration")

// GetConfigDir returns the path to the application's configuration directory
func GetConfigDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get config home directory: %w", err)
	}
	return filepath.Join(homeDir, ".agentfactory"), nil
}

// Severity levels of a work item. Higher is worse.
const (
	SeverityLow    = 1
	SeverityMedium = 2
	SeverityHigh   = 3
)

// ResourceLimits bound a single worker execution.
type ResourceLimits struct {
	MemoryMB       int `yaml:"memory_mb" json:"memory_mb"`
	CPUShare       int `yaml:"cpu_share" json:"cpu_share"` // percent of one core
	TimeoutSeconds int `yaml:"timeout_seconds" json:"timeout_seconds"`
}

// Timeout returns the execution budget as a duration.
func (l ResourceLimits) Timeout() time.Duration {
	return time.Duration(l.TimeoutSeconds) * time.Second
}

// LimitsConfig holds the per-severity resource limits.
type LimitsConfig struct {
	Low    ResourceLimits `yaml:"low"`
	Medium ResourceLimits `yaml:"medium"`
	High   ResourceLimits `yaml:"high"`
}

// For returns the limits for a severity, clamping unknown values to the
// nearest tier.
func (l LimitsConfig) For(severity int) ResourceLimits {
	switch {
	case severity >= SeverityHigh:
		return l.High
	case severity == SeverityMedium:
		return l.Medium
	default:
		return l.Low
	}
}

// GateConfig configures admission control.
type GateConfig struct {
	MaxConcurrent   int     `yaml:"max_concurrent"`
	CPUThreshold    float64 `yaml:"cpu_threshold"`
	MemoryThreshold float64 `yaml:"memory_threshold"`
}

// BreakerConfig configures the per-category circuit breakers.
type BreakerConfig struct {
	Threshold int           `yaml:"threshold"`
	Cooldown  time.Duration `yaml:"cooldown"`
}

// PlannerConfig holds the worker-count heuristics. The thresholds are tunable
// defaults, not derived from a cost model.
type PlannerConfig struct {
	MinErrorsPerWorker    int           `yaml:"min_errors_per_worker"`
	SmallBatchThreshold   int           `yaml:"small_batch_threshold"`
	ErrorsPerWorker       int           `yaml:"errors_per_worker"`
	MaxWorkersPerCategory int           `yaml:"max_workers_per_category"`
	HighSeverity          int           `yaml:"high_severity"`
	CategoryParallelism   int           `yaml:"category_parallelism"`
	SpawnDelay            time.Duration `yaml:"spawn_delay"`
	GateBackoff           time.Duration `yaml:"gate_backoff"`
	MaxRunTime            time.Duration `yaml:"max_run_time"`
}

// WorkerConfig describes how a worker process is launched.
type WorkerConfig struct {
	Command            []string      `yaml:"command"`
	WorkDir            string        `yaml:"work_dir"`
	EnforceMemoryLimit bool          `yaml:"enforce_memory_limit"`
	KillGrace          time.Duration `yaml:"kill_grace"`
}

// TelemetryConfig toggles metrics and auditing.
type TelemetryConfig struct {
	Enabled            bool   `yaml:"enabled"`
	Audit              bool   `yaml:"audit"`
	PrometheusTextfile string `yaml:"prometheus_textfile"`
}

// AnalysisConfig tunes backlog analysis.
type AnalysisConfig struct {
	// Severity maps an error code to a severity, overriding the built-in table.
	Severity map[string]int `yaml:"severity"`
}

// Config represents the application configuration
type Config struct {
	// StateDir holds the JSON state documents, locks and the metrics database.
	StateDir string `yaml:"state_dir"`
	// LockTimeout bounds how long a state mutation waits for its lock.
	LockTimeout time.Duration `yaml:"lock_timeout"`
	// HealthInterval is the period of the background health loop.
	HealthInterval time.Duration `yaml:"health_interval"`
	// Pooling enables reuse of workers across slots of the same category.
	Pooling bool `yaml:"pooling"`

	Gate      GateConfig      `yaml:"gate"`
	Breaker   BreakerConfig   `yaml:"breaker"`
	Limits    LimitsConfig    `yaml:"limits"`
	Planner   PlannerConfig   `yaml:"planner"`
	Worker    WorkerConfig    `yaml:"worker"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Analysis  AnalysisConfig  `yaml:"analysis"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	stateDir := filepath.Join(os.TempDir(), "agentfactory", "state")
	if dir, err := GetConfigDir(); err == nil {
		stateDir = filepath.Join(dir, "state")
	}

	return &Config{
		StateDir:       stateDir,
		LockTimeout:    10 * time.Second,
		HealthInterval: 30 * time.Second,
		Pooling:        true,
		Gate: GateConfig{
			MaxConcurrent:   4,
			CPUThreshold:    85,
			MemoryThreshold: 85,
		},
		Breaker: BreakerConfig{
			Threshold: 3,
			Cooldown:  5 * time.Minute,
		},
		Limits: LimitsConfig{
			Low:    ResourceLimits{MemoryMB: 512, CPUShare: 25, TimeoutSeconds: 120},
			Medium: ResourceLimits{MemoryMB: 1024, CPUShare: 50, TimeoutSeconds: 180},
			High:   ResourceLimits{MemoryMB: 2048, CPUShare: 100, TimeoutSeconds: 300},
		},
		Planner: PlannerConfig{
			MinErrorsPerWorker:    10,
			SmallBatchThreshold:   20,
			ErrorsPerWorker:       25,
			MaxWorkersPerCategory: 4,
			HighSeverity:          SeverityMedium,
			CategoryParallelism:   2,
			SpawnDelay:            2 * time.Second,
			GateBackoff:           5 * time.Second,
			MaxRunTime:            30 * time.Minute,
		},
		Worker: WorkerConfig{
			KillGrace: 5 * time.Second,
		},
		Telemetry: TelemetryConfig{
			Enabled: true,
		},
	}
}

// DefaultConfigPath returns ~/.agentfactory/config.yaml.
func DefaultConfigPath() string {
	dir, err := GetConfigDir()
	if err != nil {
		return ConfigFileName
	}
	return filepath.Join(dir, ConfigFileName)
}

// Load builds the configuration: defaults, then the YAML file at path (if it
// exists), then a .env file in the working directory, then AGENTFACTORY_*
// environment variables. An empty path means DefaultConfigPath.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		path = DefaultConfigPath()
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("%w: failed to parse %s: %v", ErrInvalidConfig, path, err)
		}
	case os.IsNotExist(err):
		log.DebugLog.Printf("no config file at %s, using defaults", path)
	default:
		return nil, fmt.Errorf("%w: failed to read %s: %v", ErrInvalidConfig, path, err)
	}

	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(".env"); err != nil {
			log.WarningLog.Printf("failed to load .env: %v", err)
		}
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}

	cfg.StateDir = expandHome(cfg.StateDir)
	cfg.Analysis.Severity = normalizeCodes(cfg.Analysis.Severity)
	return cfg, nil
}

// normalizeCodes upper-cases error code keys so lookups need not care how
// the file spelled them.
func normalizeCodes(m map[string]int) map[string]int {
	if len(m) == 0 {
		return m
	}
	out := make(map[string]int, len(m))
	for code, sev := range m {
		out[strings.ToUpper(strings.TrimSpace(code))] = sev
	}
	return out
}

// Save writes the configuration as YAML.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	return AtomicWriteFile(path, data, 0644)
}

// Validate checks the typed fields. A failure is a configuration error.
func (c *Config) Validate() error {
	var problems []string

	if c.StateDir == "" {
		problems = append(problems, "state_dir must be set")
	}
	if c.LockTimeout <= 0 {
		problems = append(problems, "lock_timeout must be positive")
	}
	if c.HealthInterval <= 0 {
		problems = append(problems, "health_interval must be positive")
	}
	if c.Gate.MaxConcurrent < 1 {
		problems = append(problems, "gate.max_concurrent must be at least 1")
	}
	if c.Gate.CPUThreshold <= 0 || c.Gate.CPUThreshold > 100 {
		problems = append(problems, "gate.cpu_threshold must be in (0,100]")
	}
	if c.Gate.MemoryThreshold <= 0 || c.Gate.MemoryThreshold > 100 {
		problems = append(problems, "gate.memory_threshold must be in (0,100]")
	}
	if c.Breaker.Threshold < 1 {
		problems = append(problems, "breaker.threshold must be at least 1")
	}
	if c.Breaker.Cooldown <= 0 {
		problems = append(problems, "breaker.cooldown must be positive")
	}
	for name, l := range map[string]ResourceLimits{"low": c.Limits.Low, "medium": c.Limits.Medium, "high": c.Limits.High} {
		if l.TimeoutSeconds <= 0 {
			problems = append(problems, fmt.Sprintf("limits.%s.timeout_seconds must be positive", name))
		}
		if l.MemoryMB < 0 || l.CPUShare < 0 {
			problems = append(problems, fmt.Sprintf("limits.%s must not be negative", name))
		}
	}
	if c.Planner.MaxWorkersPerCategory < 1 {
		problems = append(problems, "planner.max_workers_per_category must be at least 1")
	}
	if c.Planner.ErrorsPerWorker < 1 {
		problems = append(problems, "planner.errors_per_worker must be at least 1")
	}
	if c.Planner.CategoryParallelism < 1 {
		problems = append(problems, "planner.category_parallelism must be at least 1")
	}
	for code, sev := range c.Analysis.Severity {
		if sev < SeverityLow || sev > SeverityHigh {
			problems = append(problems, fmt.Sprintf("analysis.severity[%s] must be between 1 and 3", code))
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

// ValidateForExecution additionally requires a worker command.
func (c *Config) ValidateForExecution() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if len(c.Worker.Command) == 0 {
		return fmt.Errorf("%w: worker.command is required (set AGENTFACTORY_WORKER_COMMAND)", ErrInvalidConfig)
	}
	return nil
}

// StatePath returns the path of a file inside the state directory.
func (c *Config) StatePath(name string) string {
	return filepath.Join(c.StateDir, name)
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
