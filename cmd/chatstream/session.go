package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/user/chatstream/internal/config"
	"github.com/user/chatstream/internal/metrics"
	"github.com/user/chatstream/internal/state"
	"github.com/user/chatstream/internal/stream"
	"github.com/user/chatstream/internal/types"
	"github.com/user/chatstream/pkg/chat"
	"github.com/user/chatstream/pkg/chat/fallback"
	"github.com/user/chatstream/pkg/chat/sse"
)

const titleLen = 60

// stores bundles the on-disk conversation state under the data dir.
type stores struct {
	conversations *state.ConversationStore
	transcripts   *state.TranscriptStore
}

func openStores(cfg *config.Config) (*stores, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return &stores{
		conversations: state.NewConversationStore(cfg.DataDir),
		transcripts:   state.NewTranscriptStore(cfg.DataDir),
	}, nil
}

// startMetrics serves /metrics and /healthz when metrics.listen is set.
func startMetrics(ctx context.Context, cfg *config.Config) {
	metrics.MustRegister()
	if cfg.Metrics.Listen == "" {
		return
	}
	go func() {
		if err := metrics.Serve(ctx, cfg.Metrics.Listen); err != nil {
			slog.Error("metrics server error", "error", err)
		}
	}()
}

// openConversation resolves (or creates) a conversation and returns a
// controller seeded with its transcript. Every message that enters the log
// is persisted.
func openConversation(ctx context.Context, cfg *config.Config, st *stores, id string, opts ...stream.Option) (*state.Conversation, *stream.Controller, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}
	convID, _ := types.ParseConversationID(id)
	conv, err := st.conversations.Resolve(ctx, convID, types.CustomerID(cfg.Customer.ID))
	if err != nil {
		return nil, nil, fmt.Errorf("resolve conversation: %w", err)
	}

	history, err := st.transcripts.Tail(ctx, conv.ID, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("load transcript: %w", err)
	}

	if cfg.Customer.ID == "" {
		slog.Warn("customer.id is not set; the backend may reject the stream")
	}

	var fb stream.Fallback
	if cfg.Stream.EnableFallback && cfg.Stream.FallbackURL != "" {
		fb = fallback.New(&fallback.Config{
			URL:     cfg.Stream.FallbackURL,
			Token:   cfg.Auth.Token,
			Timeout: cfg.FallbackTimeout(),
		})
	}

	persist := func(msg chat.Message) {
		rec, err := st.transcripts.Append(context.Background(), conv.ID, msg)
		if err != nil {
			slog.Error("failed to persist message", "conversation_id", string(conv.ID), "error", err)
			return
		}
		if err := st.conversations.Touch(context.Background(), conv.ID, rec.Seq, title(msg)); err != nil {
			slog.Error("failed to update conversation index", "conversation_id", string(conv.ID), "error", err)
		}
	}

	base := []stream.Option{
		stream.WithHistory(history),
		stream.WithOnAppend(persist),
	}
	ctrl, err := stream.New(stream.Config{
		StreamURL:      cfg.Stream.StreamURL,
		ConversationID: conv.ID,
		CustomerID:     conv.CustomerID,
		Token:          cfg.Auth.Token,
		Reconnect: &stream.ReconnectPolicy{
			MaxAttempts:  cfg.Stream.MaxReconnectAttempts,
			InitialDelay: cfg.ReconnectDelay(),
			Multiplier:   2,
			MaxDelay:     cfg.MaxReconnectDelay(),
		},
		EnableFallback: fb != nil,
		Transport:      sse.New(nil),
		Fallback:       fb,
	}, append(base, opts...)...)
	if err != nil {
		return nil, nil, err
	}
	return conv, ctrl, nil
}

// title derives a conversation title from the first user message.
func title(msg chat.Message) string {
	if msg.Role != chat.RoleUser {
		return ""
	}
	t := strings.Join(strings.Fields(msg.Content), " ")
	if utf8.RuneCountInString(t) <= titleLen {
		return t
	}
	runes := []rune(t)
	return string(runes[:titleLen-1]) + "…"
}
