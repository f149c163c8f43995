package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/user/chatstream/internal/config"
	"github.com/user/chatstream/internal/stream"
	"github.com/user/chatstream/pkg/chat"
	"golang.org/x/sync/errgroup"
)

var (
	batchLanguage    string
	batchConcurrency int
	batchFailFast    bool
)

func init() {
	rootCmd.AddCommand(batchCmd)
	batchCmd.Flags().StringVarP(&batchLanguage, "language", "l", "", "reply language passed to the backend")
	batchCmd.Flags().IntVarP(&batchConcurrency, "concurrency", "n", 0, "parallel conversations (default max_concurrent)")
	batchCmd.Flags().BoolVar(&batchFailFast, "fail-fast", false, "cancel remaining prompts after the first failure")
}

var batchCmd = &cobra.Command{
	Use:   "batch <file|->",
	Short: "Send each line of a file as its own conversation",
	Long: `Send each non-empty line of a file (or stdin with "-") as the first
message of a new conversation. Results are printed as JSON lines in input
order.`,
	Args: cobra.ExactArgs(1),
	RunE: runBatch,
}

type batchResult struct {
	Line           int           `json:"line"`
	ConversationID string        `json:"conversation_id,omitempty"`
	Message        string        `json:"message"`
	Reply          string        `json:"reply,omitempty"`
	Metadata       chat.Metadata `json:"metadata,omitempty"`
	Error          string        `json:"error,omitempty"`
}

type prompt struct {
	line int
	text string
}

func readPrompts(r io.Reader) ([]prompt, error) {
	var prompts []prompt
	scanner := bufio.NewScanner(r)
	n := 0
	for scanner.Scan() {
		n++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		prompts = append(prompts, prompt{line: n, text: text})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read prompts: %w", err)
	}
	return prompts, nil
}

func runBatch(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setupLogging(cfg)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	in := cmd.InOrStdin()
	if args[0] != "-" {
		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("open prompts: %w", err)
		}
		defer f.Close()
		in = f
	}
	prompts, err := readPrompts(in)
	if err != nil {
		return err
	}

	st, err := openStores(cfg)
	if err != nil {
		return err
	}
	startMetrics(ctx, cfg)

	limit := batchConcurrency
	if limit <= 0 {
		limit = cfg.MaxConcurrent
	}
	if limit <= 0 {
		limit = 1
	}

	results := make([]batchResult, len(prompts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, pr := range prompts {
		i, pr := i, pr
		g.Go(func() error {
			results[i] = askOne(gctx, cfg, st, pr)
			if batchFailFast && results[i].Error != "" {
				return fmt.Errorf("line %d: %s", pr.line, results[i].Error)
			}
			return nil
		})
	}
	groupErr := g.Wait()

	enc := json.NewEncoder(cmd.OutOrStdout())
	failed := 0
	for _, res := range results {
		if res.Error != "" {
			failed++
		}
		if err := enc.Encode(res); err != nil {
			return err
		}
	}

	if groupErr != nil {
		return groupErr
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d prompts failed", failed, len(prompts))
	}
	return nil
}

func askOne(ctx context.Context, cfg *config.Config, st *stores, pr prompt) batchResult {
	res := batchResult{Line: pr.line, Message: pr.text}
	if ctx.Err() != nil {
		res.Error = ctx.Err().Error()
		return res
	}

	conv, ctrl, err := openConversation(ctx, cfg, st, "")
	if err != nil {
		res.Error = err.Error()
		return res
	}
	defer ctrl.Close()
	res.ConversationID = string(conv.ID)

	var sendOpts []stream.SendOption
	if batchLanguage != "" {
		sendOpts = append(sendOpts, stream.WithLanguage(batchLanguage))
	}
	if err := ctrl.Send(pr.text, sendOpts...); err != nil {
		res.Error = err.Error()
		return res
	}

	reply, err := awaitReply(ctx, ctrl)
	if err != nil {
		slog.Warn("batch prompt failed", "line", pr.line, "conversation_id", res.ConversationID, "error", err)
		res.Error = err.Error()
		return res
	}
	res.Reply = reply.Content
	res.Metadata = reply.Metadata
	return res
}
