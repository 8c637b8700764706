package cli

import (
	"fmt"

	"github.com/edisonhq/edison/internal/config"
	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration",
	Long: `Load the configuration, apply defaults, and validate it.

With --serve, also checks that every enabled provider has its API key set
in the environment, as the serve command would.`,
	RunE: validateConfig,
}

func init() {
	rootCmd.AddCommand(validateCmd)

	validateCmd.Flags().Bool("serve", false, "also check serve-time requirements")
}

func validateConfig(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	if serve, _ := cmd.Flags().GetBool("serve"); serve {
		err = cfg.ValidateForServe()
	} else {
		err = cfg.Validate()
	}
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	fmt.Println("Configuration is valid.")
	fmt.Printf("  Database: %s\n", cfg.Database.Path)
	fmt.Printf("  Listen:   %s\n", cfg.Server.Listen)
	providers := []string{}
	if cfg.Providers.OpenAI.Enabled {
		providers = append(providers, "openai")
	}
	if cfg.Providers.Anthropic.Enabled {
		providers = append(providers, "anthropic")
	}
	if cfg.Providers.Mock {
		providers = append(providers, "mock")
	}
	fmt.Printf("  Providers: %v\n", providers)
	if cfg.Refiner.Enabled {
		fmt.Printf("  Refiner:  %s/%s\n", cfg.Refiner.Provider, cfg.Refiner.Model)
	} else {
		fmt.Println("  Refiner:  disabled")
	}
	return nil
}
