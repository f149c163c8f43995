package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/user/chatstream/internal/stream"
	"github.com/user/chatstream/pkg/chat"
)

var (
	chatConversation string
	chatLanguage     string
)

func init() {
	rootCmd.AddCommand(chatCmd)
	chatCmd.Flags().StringVarP(&chatConversation, "conversation", "c", "", "resume or create the conversation with this id")
	chatCmd.Flags().StringVarP(&chatLanguage, "language", "l", "", "reply language passed to the backend")
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start an interactive chat",
	Long: `Start an interactive chat. Replies stream as they are generated.

Ctrl-C cancels the reply in progress; a second Ctrl-C while idle exits.
Typing a new message while a reply streams replaces that reply.

Commands:
  /cancel  stop the reply in progress
  /clear   clear the conversation shown on screen
  /quit    exit`,
	Args: cobra.NoArgs,
	RunE: runChat,
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setupLogging(cfg)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	st, err := openStores(cfg)
	if err != nil {
		return err
	}
	startMetrics(ctx, cfg)

	out := cmd.OutOrStdout()
	p := newPrinter(out)
	prompt := func() { fmt.Fprint(out, "> ") }

	// Callbacks are delivered one at a time, so streaming needs no lock.
	streaming := false
	onChange := func(s chat.Snapshot) {
		if s.StreamingMessage != nil {
			p.update(s.StreamingMessage)
		}
		if streaming && !s.IsStreaming {
			interrupted := p.abort()
			switch {
			case s.Err != nil:
				fmt.Fprintf(out, "[error: %v]\n", s.Err)
			case interrupted:
				fmt.Fprintln(out, "[cancelled]")
			}
			prompt()
		}
		streaming = s.IsStreaming
	}

	conv, ctrl, err := openConversation(ctx, cfg, st, chatConversation,
		stream.WithOnChange(onChange),
		stream.WithOnComplete(p.finish),
	)
	if err != nil {
		return err
	}
	defer ctrl.Close()

	var sendOpts []stream.SendOption
	if chatLanguage != "" {
		sendOpts = append(sendOpts, stream.WithLanguage(chatLanguage))
	}

	history := ctrl.Messages()
	fmt.Fprintf(out, "Conversation %s (%d messages)\n", conv.ID, len(history))
	for _, msg := range history {
		printHistoryMessage(out, msg)
	}
	prompt()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(cmd.InOrStdin())
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	for {
		select {
		case sig := <-sigs:
			if sig == os.Interrupt && ctrl.IsStreaming() {
				ctrl.Cancel()
				continue
			}
			fmt.Fprintln(out)
			return nil

		case line, ok := <-lines:
			if !ok {
				// Input closed: let the last reply finish before exiting.
				waitCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
				err := ctrl.Wait(waitCtx)
				stop()
				if err != nil && waitCtx.Err() == nil {
					return err
				}
				return nil
			}

			switch line = strings.TrimSpace(line); line {
			case "":
				if !ctrl.IsStreaming() {
					prompt()
				}
			case "/quit", "/exit":
				return nil
			case "/cancel":
				if !ctrl.IsStreaming() {
					prompt()
				}
				ctrl.Cancel()
			case "/clear":
				ctrl.ClearMessages()
				fmt.Fprintln(out, "[cleared]")
				if !ctrl.IsStreaming() {
					prompt()
				}
			default:
				if err := ctrl.Send(line, sendOpts...); err != nil {
					return err
				}
			}
		}
	}
}
