package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/foursages/sagebus/internal/envelope"
	"github.com/foursages/sagebus/internal/session"
	"github.com/spf13/cobra"
)

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Send a single message to an agent",
	RunE:  runSend,
}

var (
	sendFrom     string
	sendTo       string
	sendType     string
	sendPriority int
	sendPayload  string
	sendTTL      time.Duration
)

func init() {
	sendCmd.Flags().StringVarP(&sendFrom, "from", "f", "cli", "Sender identity")
	sendCmd.Flags().StringVarP(&sendTo, "to", "t", "", "Recipient identity (required)")
	sendCmd.Flags().StringVar(&sendType, "type", string(envelope.TypeStatus), "Message type")
	sendCmd.Flags().IntVar(&sendPriority, "priority", int(envelope.PriorityNormal), "Priority 1-5")
	sendCmd.Flags().StringVar(&sendPayload, "payload", "{}", "Payload as a JSON object")
	sendCmd.Flags().DurationVar(&sendTTL, "ttl", 0, "Time to live (0 = default)")
	sendCmd.MarkFlagRequired("to")
	rootCmd.AddCommand(sendCmd)
}

func runSend(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	mt, err := envelope.ParseMessageType(sendType)
	if err != nil {
		return err
	}

	var payload map[string]any
	if err := json.Unmarshal([]byte(sendPayload), &payload); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}

	codec, err := makeCodec(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sess := session.New(sendFrom, makeTransportFactory(cfg)(), codec)
	defer sess.Disconnect()

	id, err := sess.Send(ctx, session.Outgoing{
		Recipient: sendTo,
		Type:      mt,
		Payload:   payload,
		Priority:  envelope.Priority(sendPriority),
		TTL:       sendTTL,
	})
	if err != nil {
		return err
	}

	fmt.Printf("✅ sent %s → %s (%s)\n", id, sendTo, mt)
	return nil
}
