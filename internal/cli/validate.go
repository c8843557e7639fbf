package cli

import (
	"encoding/json"
	"fmt"

	"github.com/foreman-run/foreman/internal/config"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(validateCmd)
}

var validateCmd = &cobra.Command{
	Use:   "validate <config-file>",
	Short: "Validate a project configuration file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadAndValidateConfig(args[0])
		if err != nil {
			return err
		}

		raw, err := json.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("serialising config to JSON: %w", err)
		}
		if err := config.ValidateJSON(raw); err != nil {
			return fmt.Errorf("config does not match its JSON schema: %w", err)
		}

		fmt.Printf("Configuration is valid: %q (%d repo(s)).\n", cfg.Name, len(cfg.Repos))
		return nil
	},
}
