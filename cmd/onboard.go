package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/foursages/sagebus/internal/config"
	"github.com/spf13/cobra"
)

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Initialize sagebus configuration",
	RunE:  runOnboard,
}

func init() {
	rootCmd.AddCommand(onboardCmd)
}

func runOnboard(cmd *cobra.Command, args []string) error {
	configPath := config.GetConfigPath()

	if _, err := os.Stat(configPath); err == nil {
		fmt.Printf("Config already exists at %s\n", configPath)
		return nil
	}

	os.MkdirAll(filepath.Dir(configPath), 0755)
	if err := config.Save(config.DefaultConfig(), ""); err != nil {
		return fmt.Errorf("creating config: %w", err)
	}
	fmt.Printf("✓ Created config at %s\n", configPath)
	fmt.Println("Next: run `sagebus keygen` and add the keys under \"security\".")
	return nil
}
