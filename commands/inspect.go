package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/ByteMirror/agentfactory/concurrency"
	"github.com/ByteMirror/agentfactory/config"
	"github.com/ByteMirror/agentfactory/log"
	"github.com/ByteMirror/agentfactory/monitoring"
	"github.com/ByteMirror/agentfactory/orchestrator"
	"github.com/ByteMirror/agentfactory/store"
	"github.com/ByteMirror/agentfactory/ui"
	"github.com/spf13/cobra"
)

var (
	daysFlag       int
	prometheusFlag string
	auditFlag      int
)

// readOnlyEnv opens what status and metrics need. They must report rather
// than fail, so configuration problems are printed as warnings and the
// command carries on with what could be loaded. The second result is false
// when not even the state directory could be opened.
func readOnlyEnv(cmd *cobra.Command) (*env, bool) {
	cfg, err := config.Load(ConfigPath)
	if err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v; using defaults\n", err)
		cfg = config.DefaultConfig()
	} else if err := cfg.Validate(); err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", err)
	}

	e, err := newEnv(cfg)
	if err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", err)
		return nil, false
	}
	return e, true
}

// StatusCmd prints health, workers, breakers and the pool. It always
// exits 0.
var StatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show health, workers, circuit breakers and the worker pool",
	Args:  usage(cobra.NoArgs),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, ok := readOnlyEnv(cmd)
		if !ok {
			return nil
		}
		defer e.close()

		status := orchestrator.ReadStatus(e.store)
		if jsonFlag {
			if err := writeJSON(cmd.OutOrStdout(), status); err != nil {
				log.ErrorLog.Printf("status: %v", err)
			}
			return nil
		}
		ui.Status(cmd.OutOrStdout(), status, e.width)

		if auditFlag > 0 {
			events, err := monitoring.ReadAudit(e.cfg.StatePath(AuditFile), auditFlag)
			if err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", err)
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout())
			for _, ev := range events {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %-9s %-10s %-16s %s %s\n",
					ev.Time.Local().Format(time.DateTime), ev.Type, ev.Category, ev.WorkerID, ev.Status, ev.Message)
			}
		}
		return nil
	},
}

// MetricsCmd prints per-day execution statistics. It always exits 0.
var MetricsCmd = &cobra.Command{
	Use:   "metrics",
	Short: "Show per-day worker execution statistics",
	Args:  usage(cobra.NoArgs),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, ok := readOnlyEnv(cmd)
		if !ok {
			return nil
		}
		defer e.close()

		if e.metrics == nil {
			fmt.Fprintln(cmd.OutOrStdout(), "telemetry is disabled; no metrics recorded")
			return nil
		}

		ctx := cmd.Context()
		days, err := e.metrics.Daily(ctx, daysFlag)
		if err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", err)
		}
		totals, err := e.metrics.Totals(ctx, daysFlag)
		if err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", err)
		}

		if prometheusFlag != "" {
			e.collectors.Load(totals)
			if err := e.collectors.WriteTextfile(prometheusFlag); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", err)
			}
		}

		if jsonFlag {
			if err := writeJSON(cmd.OutOrStdout(), struct {
				Days   []monitoring.DailyStats    `json:"days"`
				Totals []monitoring.CategoryTotal `json:"totals"`
			}{days, totals}); err != nil {
				log.ErrorLog.Printf("metrics: %v", err)
			}
			return nil
		}
		ui.Metrics(cmd.OutOrStdout(), days, totals)
		return nil
	},
}

// WatchCmd runs the live dashboard.
var WatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Live dashboard of workers and health",
	Args:  usage(cobra.NoArgs),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEnv()
		if err != nil {
			return err
		}
		defer e.close()
		return orchestrator.RunDashboard(cmd.Context(), e.store, e.cfg.Gate.MaxConcurrent)
	},
}

// ResetBreakerCmd closes a category's circuit breaker by hand.
var ResetBreakerCmd = &cobra.Command{
	Use:   "reset-breaker <category>",
	Short: "Close the circuit breaker of a category",
	Args:  usage(cobra.ExactArgs(1)),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEnv()
		if err != nil {
			return err
		}
		defer e.close()

		ctx, cancel := context.WithTimeout(cmd.Context(), e.cfg.LockTimeout+time.Second)
		defer cancel()

		breaker := concurrency.NewCircuitBreaker(e.store, e.cfg.Breaker)
		existed, err := breaker.Reset(ctx, args[0])
		if err != nil {
			return err
		}
		if !existed {
			fmt.Fprintf(cmd.OutOrStdout(), "no breaker recorded for %s\n", args[0])
			return nil
		}
		e.audit.Record(monitoring.AuditEvent{Type: monitoring.EventBreaker, Category: args[0], Status: store.CircuitClosed.String(), Message: "manual reset"})
		fmt.Fprintf(cmd.OutOrStdout(), "breaker for %s reset\n", args[0])
		return nil
	},
}

func init() {
	StatusCmd.Flags().BoolVar(&jsonFlag, "json", false, "Print the status as JSON")
	StatusCmd.Flags().IntVar(&auditFlag, "audit", 0, "Also show the last N audit events")

	MetricsCmd.Flags().IntVarP(&daysFlag, "days", "d", 7, "Days to include, counting today; 0 for all")
	MetricsCmd.Flags().BoolVar(&jsonFlag, "json", false, "Print the statistics as JSON")
	MetricsCmd.Flags().StringVar(&prometheusFlag, "prometheus", "", "Also write the totals as a Prometheus textfile")
}
