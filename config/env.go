package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mattn/go-shellwords"
)

const envPrefix = "AGENTFACTORY_"

// applyEnvOverrides applies AGENTFACTORY_* variables on top of the file
// configuration. Malformed values are configuration errors.
func (c *Config) applyEnvOverrides() error {
	var errs []string
	fail := func(key string, err error) {
		errs = append(errs, fmt.Sprintf("%s%s: %v", envPrefix, key, err))
	}

	if v, ok := lookup("STATE_DIR"); ok {
		c.StateDir = v
	}
	envInt("MAX_CONCURRENT", &c.Gate.MaxConcurrent, fail)
	envFloat("CPU_THRESHOLD", &c.Gate.CPUThreshold, fail)
	envFloat("MEMORY_THRESHOLD", &c.Gate.MemoryThreshold, fail)
	envDuration("HEALTH_INTERVAL", &c.HealthInterval, fail)
	envDuration("LOCK_TIMEOUT", &c.LockTimeout, fail)
	envInt("BREAKER_THRESHOLD", &c.Breaker.Threshold, fail)
	envDuration("BREAKER_COOLDOWN", &c.Breaker.Cooldown, fail)
	envBool("POOLING", &c.Pooling, fail)
	envBool("TELEMETRY", &c.Telemetry.Enabled, fail)
	envBool("AUDIT", &c.Telemetry.Audit, fail)
	if v, ok := lookup("PROMETHEUS_TEXTFILE"); ok {
		c.Telemetry.PrometheusTextfile = v
	}

	for tier, limits := range map[string]*ResourceLimits{
		"LOW":    &c.Limits.Low,
		"MEDIUM": &c.Limits.Medium,
		"HIGH":   &c.Limits.High,
	} {
		envInt("LIMITS_"+tier+"_MEMORY_MB", &limits.MemoryMB, fail)
		envInt("LIMITS_"+tier+"_CPU", &limits.CPUShare, fail)
		envInt("LIMITS_"+tier+"_TIMEOUT", &limits.TimeoutSeconds, fail)
	}

	// A global timeout overrides every tier.
	var timeout int
	if envInt("WORKER_TIMEOUT", &timeout, fail) {
		c.Limits.Low.TimeoutSeconds = timeout
		c.Limits.Medium.TimeoutSeconds = timeout
		c.Limits.High.TimeoutSeconds = timeout
	}

	if v, ok := lookup("WORKER_COMMAND"); ok {
		// Split like a shell would, so quoted arguments survive.
		if argv, err := shellwords.Parse(v); err != nil {
			fail("WORKER_COMMAND", err)
		} else {
			c.Worker.Command = argv
		}
	}
	if v, ok := lookup("WORKER_DIR"); ok {
		c.Worker.WorkDir = v
	}
	envBool("ENFORCE_MEMORY_LIMIT", &c.Worker.EnforceMemoryLimit, fail)

	envInt("MIN_ERRORS_PER_WORKER", &c.Planner.MinErrorsPerWorker, fail)
	envInt("MAX_WORKERS_PER_CATEGORY", &c.Planner.MaxWorkersPerCategory, fail)
	envDuration("SPAWN_DELAY", &c.Planner.SpawnDelay, fail)
	envDuration("MAX_RUN_TIME", &c.Planner.MaxRunTime, fail)

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(errs, "; "))
	}
	return nil
}

func lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(envPrefix + key)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func envInt(key string, dst *int, fail func(string, error)) bool {
	v, ok := lookup(key)
	if !ok {
		return false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		fail(key, err)
		return false
	}
	*dst = n
	return true
}

func envFloat(key string, dst *float64, fail func(string, error)) {
	v, ok := lookup(key)
	if !ok {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		fail(key, err)
		return
	}
	*dst = f
}

func envBool(key string, dst *bool, fail func(string, error)) {
	v, ok := lookup(key)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		fail(key, err)
		return
	}
	*dst = b
}

// envDuration accepts Go durations ("90s", "5m") or a bare number of seconds.
func envDuration(key string, dst *time.Duration, fail func(string, error)) {
	v, ok := lookup(key)
	if !ok {
		return
	}
	if secs, err := strconv.Atoi(v); err == nil {
		*dst = time.Duration(secs) * time.Second
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		fail(key, err)
		return
	}
	*dst = d
}
