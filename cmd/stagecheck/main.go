package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Global flags
	verbose   bool
	workspace string
	timeout   time.Duration

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "stagecheck",
	Short: "Staged formal verification campaigns",
	Long: `stagecheck runs multi-stage formal verification campaigns.

A campaign is a graph of stages over one design. Init stages produce
snapshots (the reset state, or a state reached by replaying a trace).
Verify stages run an engine against a snapshot with only the properties
tagged for that stage active: cover searches for witnesses, prove checks
assertions, prep passes the snapshot through.

Snapshots and traces are content addressed and stored once, so re-running
an unchanged campaign reuses every artifact it already derived.

Examples:
  stagecheck validate campaign.yaml
  stagecheck plan campaign.yaml
  stagecheck run campaign.yaml
  stagecheck watch campaign.yaml
  stagecheck store stats`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		config := zap.NewProductionConfig()
		if verbose {
			config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}

		var err error
		logger, err = config.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "Workspace directory (default: current)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 0, "Overall bound for the command, 0 = none")

	runCmd.Flags().Bool("json", false, "Print the report as JSON instead of a table")
	runCmd.Flags().Int("max-parallel", 0, "Override scheduler.max_parallel_engines")
	watchCmd.Flags().Duration("debounce", defaultDebounce, "Quiet period before a change triggers a run")
	validateCmd.Flags().Bool("static", false, "Only check the definition, skip elaboration and tag checks")
	storeListCmd.Flags().String("kind", "", "Only list one kind (snapshot or trace)")

	storeCmd.AddCommand(storeListCmd, storeShowCmd, storeStatsCmd)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(storeCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		var v *verdictError
		if !errors.As(err, &v) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(exitCode(err))
	}
}
