package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/edisonhq/edison/internal/config"
	"github.com/edisonhq/edison/internal/orchestrator"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run <experiment-id>",
	Short: "Run an experiment to its next stopping point",
	Long: `Drive an experiment's iteration loop in-process until a stop rule fires
or the experiment pauses for human review.

The experiment must already exist in the database (created via the API).
Re-running a partially completed experiment resumes it: stored outputs and
judgments are reused, not recomputed.

Examples:
  edison run exp-42
  edison run exp-42 --auto-approve`,
	Args: cobra.ExactArgs(1),
	RunE: runExperiment,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().Bool("auto-approve", false, "apply refiner suggestions without human review")
}

func runExperiment(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if auto, _ := cmd.Flags().GetBool("auto-approve"); auto {
		cfg.Orchestrator.AutoApprove = true
	}
	if err := cfg.ValidateForServe(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	st, err := buildStack(cfg)
	if err != nil {
		return err
	}
	defer st.close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	report, err := st.orch.RunExperiment(ctx, args[0])
	if err != nil {
		return fmt.Errorf("run failed: %w", err)
	}
	if report == nil {
		fmt.Println("Experiment is waiting on review or resume; no report yet.")
		return nil
	}

	printReport(report)
	return nil
}

func printReport(r *orchestrator.Report) {
	fmt.Printf("Experiment: %s\n", r.ExperimentID)
	fmt.Printf("Stop reason: %s\n", r.StopReason)
	fmt.Printf("Iterations: %d\n", r.IterationsRun)
	fmt.Printf("Best version: %s (composite %.2f)\n", r.BestPromptVersionID, r.CompositeScore)
	fmt.Printf("Total cost: $%s (%d tokens)\n", r.TotalCostUSD.StringFixed(4), r.TotalTokens)

	if len(r.PerModelRanking) > 0 {
		fmt.Printf("\n%-30s %-10s %-18s %-10s %s\n", "MODEL", "MEAN", "95% CI", "WIN RATE", "COST")
		fmt.Println(strings.Repeat("-", 80))
		for _, m := range r.PerModelRanking {
			fmt.Printf("%-30s %-10.2f [%5.2f, %5.2f]    %-10.2f $%s\n",
				m.ModelConfigID,
				m.MeanComposite,
				m.CI.Low, m.CI.High,
				m.WinRate,
				m.CostUSD.StringFixed(4),
			)
		}
	}

	if len(r.Recommendations) > 0 {
		fmt.Println("\nRecommendations:")
		for _, rec := range r.Recommendations {
			fmt.Printf("  - %s\n", rec)
		}
	}
}
