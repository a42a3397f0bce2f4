package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/foursages/sagebus/internal/council"
	"github.com/spf13/cobra"
)

var consultCmd = &cobra.Command{
	Use:   "consult <sage>",
	Short: "Ask a sage a question and wait for its answer",
	Args:  cobra.ExactArgs(1),
	RunE:  runConsult,
}

var (
	consultFrom    string
	consultQuery   string
	consultTimeout time.Duration
)

func init() {
	consultCmd.Flags().StringVarP(&consultFrom, "from", "f", "cli", "Requester identity")
	consultCmd.Flags().StringVarP(&consultQuery, "query", "q", "{}", "Query as a JSON object")
	consultCmd.Flags().DurationVar(&consultTimeout, "timeout", council.DefaultConsultTimeout, "How long to wait for the answer")
	rootCmd.AddCommand(consultCmd)
}

func runConsult(cmd *cobra.Command, args []string) error {
	target := args[0]

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	var query map[string]any
	if err := json.Unmarshal([]byte(consultQuery), &query); err != nil {
		return fmt.Errorf("parsing query: %w", err)
	}

	codec, err := makeCodec(cfg)
	if err != nil {
		return err
	}
	sages, err := sageList(cfg)
	if err != nil {
		return err
	}

	coord, err := council.New(council.Config{
		Sages:   sages,
		Factory: makeTransportFactory(cfg),
		Codec:   codec,
	})
	if err != nil {
		return err
	}

	answer, err := coord.Consult(context.Background(), target, consultFrom, query, consultTimeout)
	if err != nil {
		return err
	}
	if answer == nil {
		fmt.Printf("⏱ no answer from %s within %s\n", target, consultTimeout)
		return nil
	}

	out, err := json.MarshalIndent(answer, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
