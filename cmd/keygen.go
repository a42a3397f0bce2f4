package cmd

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/fernet/fernet-go"
	"github.com/spf13/cobra"
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a signing key and a Fernet encryption key",
	RunE:  runKeygen,
}

func init() {
	rootCmd.AddCommand(keygenCmd)
}

func runKeygen(cmd *cobra.Command, args []string) error {
	signing := make([]byte, 32)
	if _, err := rand.Read(signing); err != nil {
		return fmt.Errorf("generating signing key: %w", err)
	}

	var enc fernet.Key
	if err := enc.Generate(); err != nil {
		return fmt.Errorf("generating encryption key: %w", err)
	}

	fmt.Printf("signingKey:    %s\n", hex.EncodeToString(signing))
	fmt.Printf("encryptionKey: %s\n", enc.Encode())
	fmt.Println()
	fmt.Println("Put these under \"security\" in config.json, or export")
	fmt.Println("SAGEBUS_SIGNING_KEY and SAGEBUS_ENCRYPTION_KEY.")
	return nil
}
