package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time.
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "sagebus",
	Short: "sagebus — signed, priority-queued agent-to-agent messaging",
	Long:  "sagebus is the messaging layer the Four Sages agents talk over: JWT-signed envelopes, optional Fernet payload encryption, topic routing, priority queues.",
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.Version = Version
}
