package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/foursages/sagebus/internal/envelope"
	"github.com/foursages/sagebus/internal/session"
	"github.com/spf13/cobra"
)

var listenCmd = &cobra.Command{
	Use:   "listen <identity>",
	Short: "Run an agent that prints incoming messages (answers consultations with an echo)",
	Args:  cobra.ExactArgs(1),
	RunE:  runListen,
}

func init() {
	rootCmd.AddCommand(listenCmd)
}

func runListen(cmd *cobra.Command, args []string) error {
	identity := args[0]

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	codec, err := makeCodec(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sess := session.New(identity, makeTransportFactory(cfg)(), codec)
	defer sess.Disconnect()

	printEnv := func(env *envelope.Envelope) {
		body, _ := json.Marshal(env.Payload)
		fmt.Printf("📨 [%s] from=%s type=%s priority=%d payload=%s\n",
			env.ID, env.Sender, env.Type, env.Priority, body)
	}

	// Every type gets at least logged; consultations additionally get an
	// echo answer so end-to-end consult flows can be exercised by hand.
	for _, mt := range envelope.MessageTypes() {
		mt := mt
		if mt == envelope.TypeSageConsultation {
			continue
		}
		sess.RegisterHandler(mt, func(ctx context.Context, env *envelope.Envelope) error {
			printEnv(env)
			return nil
		})
	}
	sess.RegisterHandler(envelope.TypeSageConsultation, func(hctx context.Context, env *envelope.Envelope) error {
		printEnv(env)
		_, err := sess.SendResponse(hctx, env, map[string]any{
			"echo": env.Payload,
			"sage": identity,
		})
		return err
	})

	if err := sess.StartConsuming(ctx); err != nil {
		return err
	}
	log.Printf("[Listen] ✅ %s consuming, Ctrl-C to stop", identity)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	fmt.Println("\nShutting down...")
	return nil
}
