// Package commands holds the agentfactory subcommands.
package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/ByteMirror/agentfactory/config"
	"github.com/ByteMirror/agentfactory/log"
	"github.com/ByteMirror/agentfactory/monitoring"
	"github.com/ByteMirror/agentfactory/orchestrator"
	"github.com/ByteMirror/agentfactory/store"
	"github.com/ByteMirror/agentfactory/ui"
	"github.com/spf13/cobra"
)

// State file names next to the JSON documents.
const (
	MetricsFile = "metrics.db"
	AuditFile   = "audit.jsonl"
)

// ErrUsage marks invalid command-line arguments.
var ErrUsage = errors.New("usage")

// ConfigPath is bound to the root --config flag.
var ConfigPath string

// env is what a command works with: configuration, state and telemetry.
type env struct {
	cfg        *config.Config
	store      *store.Store
	metrics    *monitoring.MetricsStore
	audit      *monitoring.AuditLog
	collectors *monitoring.Collectors
	width      int
}

// openEnv loads and validates the configuration and opens the state
// directory.
func openEnv() (*env, error) {
	cfg, err := config.Load(ConfigPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return newEnv(cfg)
}

// newEnv opens the state directory of cfg. Telemetry sinks are opened when
// enabled; failing to open them is logged and the command continues
// without them.
func newEnv(cfg *config.Config) (*env, error) {
	st, err := store.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrInvalidConfig, err)
	}

	e := &env{
		cfg:        cfg,
		store:      st,
		collectors: monitoring.NewCollectors(),
		width:      ui.Setup(os.Stdout),
	}
	if cfg.Telemetry.Enabled {
		if e.metrics, err = monitoring.OpenMetricsStore(cfg.StatePath(MetricsFile)); err != nil {
			log.WarningLog.Printf("telemetry disabled: %v", err)
		}
	}
	if e.audit, err = monitoring.OpenAuditLog(cfg.StatePath(AuditFile), cfg.Telemetry.Audit); err != nil {
		log.WarningLog.Printf("audit disabled: %v", err)
		e.audit, _ = monitoring.OpenAuditLog("", false)
	}
	return e, nil
}

func (e *env) orchestrator() *orchestrator.Orchestrator {
	return orchestrator.New(e.cfg, e.store, orchestrator.Options{
		Metrics:    e.metrics,
		Collectors: e.collectors,
		Audit:      e.audit,
	})
}

func (e *env) close() {
	if e.metrics != nil {
		if err := e.metrics.Close(); err != nil {
			log.WarningLog.Printf("failed to close metrics store: %v", err)
		}
	}
	if err := e.audit.Close(); err != nil {
		log.WarningLog.Printf("failed to close audit log: %v", err)
	}
}

// usage wraps an argument validator so its errors carry ErrUsage.
func usage(fn cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := fn(cmd, args); err != nil {
			return fmt.Errorf("%w: %v", ErrUsage, err)
		}
		return nil
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
