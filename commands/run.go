package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/ByteMirror/agentfactory/analysis"
	"github.com/ByteMirror/agentfactory/config"
	"github.com/ByteMirror/agentfactory/log"
	"github.com/ByteMirror/agentfactory/orchestrator"
	"github.com/ByteMirror/agentfactory/ui"
	"github.com/spf13/cobra"
)

var (
	backlogFlag  string
	jsonFlag     bool
	severityFlag int
)

func analyzeBacklog(cfg *config.Config, path string) (*analysis.Report, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: --backlog is required", config.ErrInvalidConfig)
	}
	opts := analysis.DefaultOptions()
	opts.SeverityOverrides = cfg.Analysis.Severity
	return analysis.AnalyzeFile(path, opts)
}

// OrchestrateCmd runs the full analyse, plan and execute cycle.
var OrchestrateCmd = &cobra.Command{
	Use:   "orchestrate",
	Short: "Analyse a build backlog and run workers for every category",
	Long: `Analyse a build backlog, plan workers per error category and run them under
the resource gate and circuit breakers. Worker failures are recorded in the
state directory and metrics; they do not fail the command. Ctrl-C stops
running workers and leaves the state consistent.`,
	Args: usage(cobra.NoArgs),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEnv()
		if err != nil {
			return err
		}
		defer e.close()
		if err := e.cfg.ValidateForExecution(); err != nil {
			return err
		}

		report, err := analyzeBacklog(e.cfg, backlogFlag)
		if err != nil {
			return err
		}

		summary, err := e.orchestrator().Run(cmd.Context(), report)
		if summary == nil {
			return err
		}
		if jsonFlag {
			if werr := writeJSON(cmd.OutOrStdout(), summary); werr != nil {
				return werr
			}
		} else {
			ui.Run(cmd.OutOrStdout(), summary)
		}
		// Interrupted runs still print what they did before exiting 130.
		return err
	},
}

// AnalyzeCmd prints the categorised backlog and the plan for it.
var AnalyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Categorise a build backlog and show the worker plan",
	Args:  usage(cobra.NoArgs),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(ConfigPath)
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		width := ui.Setup(os.Stdout)

		report, err := analyzeBacklog(cfg, backlogFlag)
		if err != nil {
			return err
		}
		plan := orchestrator.BuildPlan(report.Items, cfg.Planner)
		if jsonFlag {
			return writeJSON(cmd.OutOrStdout(), struct {
				Report *analysis.Report  `json:"report"`
				Plan   orchestrator.Plan `json:"plan"`
			}{report, plan})
		}
		ui.Analysis(cmd.OutOrStdout(), report, plan, width)
		return nil
	},
}

// SpawnCmd registers configured workers without running them.
var SpawnCmd = &cobra.Command{
	Use:   "spawn <category> [count]",
	Short: "Create configured worker records for a category",
	Args:  usage(cobra.RangeArgs(1, 2)),
	RunE: func(cmd *cobra.Command, args []string) error {
		count := 1
		if len(args) == 2 {
			n, err := strconv.Atoi(args[1])
			if err != nil || n < 1 {
				return fmt.Errorf("%w: count must be a positive integer, got %q", ErrUsage, args[1])
			}
			count = n
		}

		e, err := openEnv()
		if err != nil {
			return err
		}
		defer e.close()

		ids, err := e.orchestrator().Spawn(cmd.Context(), args[0], count, severityFlag)
		if err != nil {
			return err
		}
		if jsonFlag {
			return writeJSON(cmd.OutOrStdout(), ids)
		}
		for _, id := range ids {
			fmt.Fprintln(cmd.OutOrStdout(), id)
		}
		return nil
	},
}

// ExecuteCmd runs one configured worker.
var ExecuteCmd = &cobra.Command{
	Use:   "execute <workerId>",
	Short: "Run one previously configured worker",
	Args:  usage(cobra.ExactArgs(1)),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEnv()
		if err != nil {
			return err
		}
		defer e.close()

		out, err := e.orchestrator().ExecuteWorker(cmd.Context(), args[0], backlogFlag)
		if err != nil && out.WorkerID == "" {
			return err
		}
		if err != nil {
			log.WarningLog.Printf("execute %s: %v", args[0], err)
		}
		if jsonFlag {
			if werr := writeJSON(cmd.OutOrStdout(), struct {
				WorkerID string `json:"worker_id"`
				Category string `json:"category"`
				Status   string `json:"status"`
				ExitCode int    `json:"exit_code"`
				Duration string `json:"duration"`
				Output   string `json:"output,omitempty"`
			}{out.WorkerID, out.Category, string(out.Status), out.ExitCode, out.Duration.String(), out.Output}); werr != nil {
				return werr
			}
		} else {
			ui.Outcome(cmd.OutOrStdout(), out)
		}
		if errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}

func init() {
	OrchestrateCmd.Flags().StringVarP(&backlogFlag, "backlog", "b", "", "Build log or error backlog to work on")
	OrchestrateCmd.Flags().BoolVar(&jsonFlag, "json", false, "Print the run summary as JSON")

	AnalyzeCmd.Flags().StringVarP(&backlogFlag, "backlog", "b", "", "Build log or error backlog to analyse")
	AnalyzeCmd.Flags().BoolVar(&jsonFlag, "json", false, "Print the report as JSON")

	SpawnCmd.Flags().IntVarP(&severityFlag, "severity", "s", 0, "Severity 1-3; defaults to the category's known severity")
	SpawnCmd.Flags().BoolVar(&jsonFlag, "json", false, "Print the worker ids as JSON")

	ExecuteCmd.Flags().StringVarP(&backlogFlag, "backlog", "b", "", "Backlog path passed to the worker")
	ExecuteCmd.Flags().BoolVar(&jsonFlag, "json", false, "Print the outcome as JSON")
}
