package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/foursages/sagebus/internal/config"
	"github.com/foursages/sagebus/internal/gateway"
	"github.com/spf13/cobra"
)

var brokerCmd = &cobra.Command{
	Use:   "broker",
	Short: "Start the sagebus broker daemon (WebSocket gateway + in-memory hub)",
	RunE:  runBroker,
}

var (
	brokerPort   int
	brokerAPIKey string
)

func init() {
	brokerCmd.Flags().IntVarP(&brokerPort, "port", "p", 0, "Listen port (default from config)")
	brokerCmd.Flags().StringVar(&brokerAPIKey, "api-key", "", "Bearer token clients must present (default from config)")
	rootCmd.AddCommand(brokerCmd)
}

func runBroker(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load("")
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	port := brokerPort
	if port == 0 {
		port = cfg.Broker.GatewayPort
	}
	apiKey := brokerAPIKey
	if apiKey == "" {
		apiKey = cfg.Broker.APIKey
	}
	if apiKey == "" {
		return fmt.Errorf("broker requires an API key: set broker.apiKey in config or pass --api-key")
	}

	srv := gateway.NewServer(gateway.ServerConfig{Port: port, APIKey: apiKey})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nShutting down...")
		cancel()
	}()

	fmt.Printf("🧙 sagebus broker listening on :%d\n", port)
	return srv.Start(ctx)
}
