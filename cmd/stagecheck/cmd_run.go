package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"stagecheck/internal/campaign"
)

// runCmd executes a campaign
var runCmd = &cobra.Command{
	Use:   "run <campaign.yaml>",
	Short: "Run a verification campaign",
	Long: `Runs every stage of the campaign, in dependency order, with at most
scheduler.max_parallel_engines engine invocations in flight.

The report is saved under .stagecheck/runs/<run-id>.json and printed.
Exit status: 0 succeeded, 2 configuration error, 3 partial, 4 failed,
5 aborted, 1 anything else.`,
	Args: cobra.ExactArgs(1),
	RunE: runCampaign,
}

// validateCmd checks a campaign definition
var validateCmd = &cobra.Command{
	Use:   "validate <campaign.yaml>",
	Short: "Check a campaign definition without running engines",
	Long: `Checks the stage graph (ids, roles, modes, references, replay lineage,
cycles) and, unless --static is given, elaborates the design and checks
every property tag against the verify stages' keep tags.`,
	Args: cobra.ExactArgs(1),
	RunE: runValidate,
}

// planCmd prints the execution plan
var planCmd = &cobra.Command{
	Use:   "plan <campaign.yaml>",
	Short: "Show stage levels and per-stage property selections",
	Args:  cobra.ExactArgs(1),
	RunE:  runPlan,
}

func runCampaign(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	asJSON, _ := cmd.Flags().GetBool("json")
	maxParallel, _ := cmd.Flags().GetInt("max-parallel")

	def, err := campaign.LoadDefinition(args[0])
	if err != nil {
		return err
	}

	s, err := openSession(true, maxParallel)
	if err != nil {
		return err
	}
	defer s.Close()

	stopMetrics := serveMetrics(s.cfg.Metrics.ListenAddr)
	defer stopMetrics()

	rep, err := s.orch.Run(ctx, def)
	if err != nil {
		return err
	}
	return printReport(cmd.OutOrStdout(), s, rep, asJSON)
}

func logEvent(ev campaign.Event) {
	fields := []zap.Field{
		zap.String("type", ev.Type),
		zap.String("run_id", ev.RunID),
		zap.String("stage", ev.StageID),
	}
	switch ev.Type {
	case campaign.EventWarning:
		logger.Warn(ev.Message, fields...)
	case campaign.EventStageFailed, campaign.EventCampaignAborted:
		logger.Info(ev.Message, fields...)
	default:
		logger.Debug(ev.Message, fields...)
	}
}

// printReport saves rep under the workspace and writes it to w, returning
// the verdict as an error when the run did not fully succeed.
func printReport(w io.Writer, s *session, rep *campaign.Report, asJSON bool) error {
	path, err := rep.Save(campaign.RunsDir(s.ws))
	if err != nil {
		logger.Warn("Failed to save report", zap.Error(err))
	} else {
		logger.Debug("Report saved", zap.String("path", path))
	}

	if asJSON {
		data, err := json.MarshalIndent(rep, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode report: %w", err)
		}
		fmt.Fprintln(w, string(data))
	} else {
		fmt.Fprint(w, renderReport(rep))
		if path != "" {
			fmt.Fprintln(w, mutedStyle.Render("Report: "+path))
		}
	}
	return verdictErr(rep.Verdict)
}

func runValidate(cmd *cobra.Command, args []string) error {
	static, _ := cmd.Flags().GetBool("static")
	out := cmd.OutOrStdout()

	def, err := campaign.LoadDefinition(args[0])
	if err != nil {
		return err
	}
	if err := campaign.Validate(def); err != nil {
		return err
	}
	if static {
		fmt.Fprintf(out, "✓ %s: %d stages, definition valid\n", args[0], len(def.Stages))
		return nil
	}

	ctx, cancel := commandContext()
	defer cancel()

	s, err := openSession(false, 0)
	if err != nil {
		return err
	}
	defer s.Close()

	plan, err := s.orch.Plan(ctx, def)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "✓ %s: %d stages, %d properties, tags consistent\n",
		args[0], len(def.Stages), len(plan.Index.All()))
	for _, w := range plan.Warnings {
		fmt.Fprintln(out, warningStyle.Render("  ! "+w))
	}
	return nil
}

func runPlan(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	def, err := campaign.LoadDefinition(args[0])
	if err != nil {
		return err
	}

	s, err := openSession(false, 0)
	if err != nil {
		return err
	}
	defer s.Close()

	plan, err := s.orch.Plan(ctx, def)
	if err != nil {
		return err
	}
	fmt.Fprint(cmd.OutOrStdout(), renderPlan(plan))
	return nil
}
