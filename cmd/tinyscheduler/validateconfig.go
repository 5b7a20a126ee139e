package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ericroliver/tinyscheduler/pkg/config"
)

var validateConfigCmd = &cobra.Command{
	Use:   "validate-config",
	Short: "Validate the configuration file and the paths it names",
	RunE:  runValidateConfig,
}

func init() {
	validateConfigCmd.Flags().Bool("fix", false, "create missing directories and an empty agent control file")
}

func runValidateConfig(cmd *cobra.Command, args []string) error {
	fix, _ := cmd.Flags().GetBool("fix")

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if fix {
		if err := config.EnsureDirectories(cfg); err != nil {
			return fmt.Errorf("create directories: %w", err)
		}
		if err := config.EnsureAgentControlFile(cfg); err != nil {
			return fmt.Errorf("create agent control file: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("configuration invalid: %w", err)
	}

	fmt.Println("configuration valid")
	fmt.Printf("  base_dir:    %s\n", cfg.BaseDir)
	fmt.Printf("  lease_dir:   %s\n", cfg.LeaseDir)
	fmt.Printf("  log_dir:     %s\n", cfg.LogDir)
	fmt.Printf("  recipes_dir: %s\n", cfg.RecipesDir)
	fmt.Printf("  agents:      %d configured\n", len(cfg.AgentLimits))
	return nil
}
