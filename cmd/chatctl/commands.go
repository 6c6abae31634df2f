package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"chatpipe/internal/conversation"
	"chatpipe/internal/message"
	"chatpipe/internal/pgstore"
	"chatpipe/internal/push"
)

var asJSON bool

var migrateCmd = &cobra.Command{
	Use:       "migrate [up|down]",
	Short:     "Apply or roll back the backend schema",
	Args:      cobra.MaximumNArgs(1),
	ValidArgs: []string{"up", "down"},
	RunE: func(cmd *cobra.Command, args []string) error {
		direction := "up"
		if len(args) == 1 {
			direction = args[0]
		}
		switch direction {
		case "up":
			return pgstore.Migrate(state.cfg.Backend.DatabaseURL, state.log.WithComponent("migrate"))
		case "down":
			return pgstore.MigrateDown(state.cfg.Backend.DatabaseURL)
		default:
			return fmt.Errorf("unknown direction %q", direction)
		}
	},
}

var historyCmd = &cobra.Command{
	Use:   "history <conversation>",
	Short: "Print the stored history of a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), state.cfg.Backend.Timeout)
		defer cancel()

		pg, err := state.backend(ctx)
		if err != nil {
			return err
		}
		rows, err := pg.Query(ctx, args[0])
		if err != nil {
			return err
		}
		return printMessages(cmd.OutOrStdout(), rows, asJSON)
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <conversation> <text...>",
	Short: "Send a text message",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := state.engine(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if !eng.SendText(cmd.Context(), strings.Join(args[1:], " ")) {
			return errSendFailed(eng)
		}
		fmt.Fprintln(cmd.OutOrStdout(), formatMessage(last(eng.Messages())))
		return nil
	},
}

var voiceDuration int

var sendVoiceCmd = &cobra.Command{
	Use:   "send-voice <conversation> <file>",
	Short: "Send an existing audio file as a voice message",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := state.engine(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if !eng.SendVoice(cmd.Context(), args[1], voiceDuration) {
			return errSendFailed(eng)
		}
		fmt.Fprintln(cmd.OutOrStdout(), formatMessage(last(eng.Messages())))
		return nil
	},
}

var tailCmd = &cobra.Command{
	Use:   "tail <conversation>",
	Short: "Print the conversation and follow new messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := state.engine(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if err := printMessages(out, eng.Messages(), asJSON); err != nil {
			return err
		}

		printed := make(map[string]message.Status)
		for _, m := range eng.Messages() {
			printed[m.ID] = m.EffectiveStatus()
		}
		updates := make(chan conversation.Snapshot, 16)
		unsubscribe := eng.Subscribe(func(s conversation.Snapshot) {
			select {
			case updates <- s:
			default:
			}
		})
		defer unsubscribe()

		for {
			select {
			case <-cmd.Context().Done():
				return nil
			case s := <-updates:
				var fresh []message.Message
				for _, m := range s.Messages {
					if st, ok := printed[m.ID]; ok && st == m.EffectiveStatus() {
						continue
					}
					printed[m.ID] = m.EffectiveStatus()
					fresh = append(fresh, m)
				}
				if err := printMessages(out, fresh, asJSON); err != nil {
					return err
				}
			}
		}
	},
}

var outboxCmd = &cobra.Command{
	Use:   "outbox",
	Short: "List failed sends kept for retry",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ob, err := state.journal(false)
		if err != nil {
			return err
		}
		rows, err := ob.ListAll(cmd.Context())
		if err != nil {
			return err
		}
		if len(rows) == 0 && !asJSON {
			fmt.Fprintln(cmd.OutOrStdout(), "outbox is empty")
			return nil
		}
		return printMessages(cmd.OutOrStdout(), rows, asJSON)
	},
}

var outboxRetryCmd = &cobra.Command{
	Use:   "retry <conversation> <id>",
	Short: "Resend a failed message",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := state.engine(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		ok, err := eng.Retry(cmd.Context(), args[1])
		if err != nil {
			return err
		}
		if !ok {
			return errSendFailed(eng)
		}
		fmt.Fprintln(cmd.OutOrStdout(), formatMessage(last(eng.Messages())))
		return nil
	},
}

var outboxDiscardCmd = &cobra.Command{
	Use:   "discard <conversation> <id>",
	Short: "Drop a failed message",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := state.engine(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return eng.Discard(args[1])
	},
}

var workerConcurrency int

var pushWorkerCmd = &cobra.Command{
	Use:   "push-worker",
	Short: "Consume push delivery requests and log them",
	Long: `push-worker consumes the delivery requests chatctl queues after each
send and logs them. It stands in for the push service in development.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !state.cfg.Push.Enabled {
			return errors.New("push is disabled; set push.enabled and push.redis_url")
		}
		log := state.log.WithComponent("push-worker")
		if workerConcurrency <= 0 {
			workerConcurrency = state.cfg.Push.Concurrency
		}
		w, err := push.NewWorker(state.cfg.Push.RedisURL, state.cfg.Push.Queue, workerConcurrency,
			func(ctx context.Context, limit int) error {
				log.Info("delivery requested", "limit", limit)
				return nil
			}, log)
		if err != nil {
			return err
		}
		return w.Run(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd, historyCmd, sendCmd, sendVoiceCmd, tailCmd, outboxCmd, pushWorkerCmd)
	outboxCmd.AddCommand(outboxRetryCmd, outboxDiscardCmd)

	for _, c := range []*cobra.Command{historyCmd, tailCmd, outboxCmd} {
		c.Flags().BoolVar(&asJSON, "json", false, "print one JSON object per message")
	}
	sendVoiceCmd.Flags().IntVarP(&voiceDuration, "duration", "d", 0, "duration in seconds")
	pushWorkerCmd.Flags().IntVar(&workerConcurrency, "concurrency", 0, "tasks processed in parallel (default push.concurrency)")
}

// errSendFailed reports the failure recorded on the newest failed entry.
func errSendFailed(eng *conversation.Engine) error {
	msgs := eng.Messages()
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].IsFailed() {
			return fmt.Errorf("send failed, kept as %s: %s", msgs[i].ID, msgs[i].ErrorDetail)
		}
	}
	return errors.New("send refused")
}

func last(msgs []message.Message) message.Message {
	if len(msgs) == 0 {
		return message.Message{}
	}
	return msgs[len(msgs)-1]
}
