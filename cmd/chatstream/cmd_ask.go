package main

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/user/chatstream/internal/stream"
	"github.com/user/chatstream/pkg/chat"
)

var (
	askConversation string
	askLanguage     string
	askJSON         bool
)

func init() {
	rootCmd.AddCommand(askCmd)
	askCmd.Flags().StringVarP(&askConversation, "conversation", "c", "", "continue the conversation with this id")
	askCmd.Flags().StringVarP(&askLanguage, "language", "l", "", "reply language passed to the backend")
	askCmd.Flags().BoolVar(&askJSON, "json", false, "print the final reply as JSON instead of streaming it")
}

var askCmd = &cobra.Command{
	Use:   "ask <message>",
	Short: "Send one message and print the reply",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runAsk,
}

type askOutput struct {
	ConversationID string       `json:"conversation_id"`
	Message        chat.Message `json:"message"`
}

func runAsk(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setupLogging(cfg)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStores(cfg)
	if err != nil {
		return err
	}
	startMetrics(ctx, cfg)

	out := cmd.OutOrStdout()
	p := newPrinter(out)

	var opts []stream.Option
	if !askJSON {
		opts = append(opts, stream.WithOnChange(func(s chat.Snapshot) {
			if s.StreamingMessage != nil {
				p.update(s.StreamingMessage)
			}
		}))
	}
	conv, ctrl, err := openConversation(ctx, cfg, st, askConversation, opts...)
	if err != nil {
		return err
	}
	defer ctrl.Close()

	var sendOpts []stream.SendOption
	if askLanguage != "" {
		sendOpts = append(sendOpts, stream.WithLanguage(askLanguage))
	}
	if err := ctrl.Send(strings.Join(args, " "), sendOpts...); err != nil {
		return err
	}

	reply, err := awaitReply(ctx, ctrl)
	if err != nil {
		p.abort()
		return err
	}

	if askJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(askOutput{ConversationID: string(conv.ID), Message: reply})
	}
	p.finish(reply)
	return nil
}

// awaitReply waits for the turn started by the last Send and returns the
// assistant reply it produced. The turn is cancelled if ctx ends first.
func awaitReply(ctx context.Context, ctrl *stream.Controller) (chat.Message, error) {
	if err := ctrl.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			ctrl.Cancel()
			return chat.Message{}, errors.New("cancelled")
		}
		return chat.Message{}, err
	}
	msgs := ctrl.Messages()
	if len(msgs) == 0 || msgs[len(msgs)-1].Role != chat.RoleAssistant {
		return chat.Message{}, errors.New("no reply received")
	}
	return msgs[len(msgs)-1], nil
}
