package cmd

import (
	"fmt"

	"github.com/foursages/sagebus/internal/config"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show sagebus configuration status",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	configPath := config.GetConfigPath()
	cfg, err := config.Load("")
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	fmt.Println("🧙 sagebus Status")
	fmt.Println()
	fmt.Printf("Config: %s\n", configPath)
	fmt.Printf("Broker: %s\n", cfg.Broker.Kind)
	switch cfg.Broker.Kind {
	case "redis":
		fmt.Printf("  Redis: %s\n", cfg.Broker.RedisURL)
	case "gateway":
		fmt.Printf("  Gateway: %s\n", cfg.Broker.GatewayURL)
	}

	fmt.Println("\nSecurity:")
	if cfg.Security.SigningKey != "" {
		fmt.Println("  Signing key: ✓")
	} else {
		fmt.Println("  Signing key: ✗ (run `sagebus keygen`)")
	}
	if cfg.Security.Encrypt {
		fmt.Println("  Payload encryption: ✓")
	} else {
		fmt.Println("  Payload encryption: off")
	}

	sages, err := sageList(cfg)
	if err != nil {
		return err
	}
	fmt.Printf("\nCouncil: %v\n", sages)
	return nil
}
