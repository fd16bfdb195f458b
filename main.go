package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ByteMirror/agentfactory/analysis"
	"github.com/ByteMirror/agentfactory/commands"
	"github.com/ByteMirror/agentfactory/config"
	"github.com/ByteMirror/agentfactory/log"
	"github.com/ByteMirror/agentfactory/store"
	"github.com/spf13/cobra"
)

var (
	version = "0.1.0"
	rootCmd = &cobra.Command{
		Use:   "agentfactory",
		Short: "agentfactory - run build-fix workers over a compiler error backlog",
		Long: `agentfactory groups compiler errors by code, decides how many workers each
category deserves and runs them as bounded child processes, guarded by a
host resource gate and per-category circuit breakers. State lives in JSON
documents under the state directory so several processes can cooperate.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			log.Initialize(false)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			log.Close()
		},
	}

	debugCmd = &cobra.Command{
		Use:   "debug",
		Short: "Print debug information like config paths",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(commands.ConfigPath)
			if err != nil {
				return err
			}
			path := commands.ConfigPath
			if path == "" {
				path = config.DefaultConfigPath()
			}
			configJson, _ := json.MarshalIndent(cfg, "", "  ")
			fmt.Printf("Config: %s\n%s\n", path, configJson)
			return nil
		},
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of agentfactory",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("agentfactory version %s\n", version)
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&commands.ConfigPath, "config", "c", "",
		"Config file (default ~/.agentfactory/config.yaml)")
	commands.Version = version
	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return fmt.Errorf("%w: %v", commands.ErrUsage, err)
	})

	rootCmd.AddCommand(commands.OrchestrateCmd)
	rootCmd.AddCommand(commands.AnalyzeCmd)
	rootCmd.AddCommand(commands.SpawnCmd)
	rootCmd.AddCommand(commands.ExecuteCmd)
	rootCmd.AddCommand(commands.StatusCmd)
	rootCmd.AddCommand(commands.MetricsCmd)
	rootCmd.AddCommand(commands.WatchCmd)
	rootCmd.AddCommand(commands.MCPCmd)
	rootCmd.AddCommand(commands.ResetBreakerCmd)
	rootCmd.AddCommand(debugCmd)
	rootCmd.AddCommand(versionCmd)
}

// exitCode maps a command error to the process exit code. Only errors a
// user must fix before anything can run are fatal; operational conditions
// such as an open breaker or a busy host are reported and exit 0.
func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, config.ErrInvalidConfig),
		errors.Is(err, analysis.ErrNoBacklog),
		errors.Is(err, store.ErrWorkerNotFound):
		return 1
	case errors.Is(err, commands.ErrUsage):
		return 2
	case errors.Is(err, context.Canceled):
		return 130
	default:
		return 0
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()

	if err != nil {
		fmt.Fprintf(os.Stderr, "agentfactory: %v\n", err)
	}
	os.Exit(exitCode(err))
}
