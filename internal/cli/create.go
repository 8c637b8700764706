package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/edisonhq/edison/internal/config"
	"github.com/edisonhq/edison/internal/server"
	"github.com/edisonhq/edison/internal/store"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Create an experiment from a YAML bundle",
	Long: `Create an experiment from a YAML bundle file: rubric, stop rules,
dataset cases, candidate models, judges, and the seed prompt.

Example:
  edison create -f experiment.yaml`,
	RunE: createExperiment,
}

func init() {
	rootCmd.AddCommand(createCmd)

	createCmd.Flags().StringP("file", "f", "", "bundle file (required)")
	_ = createCmd.MarkFlagRequired("file")
}

func createExperiment(cmd *cobra.Command, _ []string) error {
	path, _ := cmd.Flags().GetString("file")
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read bundle: %w", err)
	}
	var bundle server.Bundle
	if err := yaml.Unmarshal(raw, &bundle); err != nil {
		return fmt.Errorf("failed to parse bundle: %w", err)
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	log, err := buildLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()
	st, err := store.Open(cfg.Database.Path, log)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer st.Close()

	result, err := server.CreateBundle(context.Background(), st, bundle)
	if err != nil {
		return err
	}

	fmt.Printf("Created experiment %s\n", result.ID)
	fmt.Printf("  Dataset:      %s (%d cases)\n", result.DatasetID, len(bundle.Dataset.Cases))
	fmt.Printf("  Seed version: %d (%s)\n", result.SeedVersion, result.SeedVersionID)
	fmt.Printf("\nRun it with:\n  edison run %s\n", result.ID)
	return nil
}
