package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/user/chatstream/internal/metrics"
	"github.com/user/chatstream/internal/types"
	"github.com/user/chatstream/pkg/chat"
	"github.com/user/chatstream/pkg/chat/fallback"
)

// ErrClosed is returned by Send after the controller has been closed.
var ErrClosed = errors.New("stream controller closed")

// Config wires a Controller to one conversation and its endpoints.
type Config struct {
	StreamURL      string
	ConversationID types.ConversationID
	CustomerID     types.CustomerID
	Token          string

	// Reconnect defaults to DefaultReconnectPolicy when nil.
	Reconnect      *ReconnectPolicy
	EnableFallback bool

	Transport Transport
	Fallback  Fallback
}

// Option configures optional behavior on a Controller.
type Option func(*Controller)

// WithLogger sets the logger; slog.Default() is used otherwise.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// WithHistory seeds the conversation log with previously finalized messages.
func WithHistory(msgs []chat.Message) Option {
	return func(c *Controller) {
		for _, msg := range msgs {
			c.log.append(msg)
		}
	}
}

// WithOnChange sets a callback that receives a fresh snapshot after every
// state change.
func WithOnChange(fn func(chat.Snapshot)) Option {
	return func(c *Controller) { c.onChange = fn }
}

// WithOnAppend sets a callback invoked for every message added to the log.
func WithOnAppend(fn func(chat.Message)) Option {
	return func(c *Controller) { c.onAppend = fn }
}

// WithOnComplete sets a callback invoked with each finalized assistant reply.
func WithOnComplete(fn func(chat.Message)) Option {
	return func(c *Controller) { c.onComplete = fn }
}

// WithOnError sets a callback invoked for every transport error and for a
// failed fallback request.
func WithOnError(fn func(error)) Option {
	return func(c *Controller) { c.onError = fn }
}

// WithAfterFunc replaces time.AfterFunc for scheduling reconnects.
func WithAfterFunc(fn func(time.Duration, func()) Timer) Option {
	return func(c *Controller) { c.after = fn }
}

// SendOption configures a single Send.
type SendOption func(*turn)

// WithLanguage passes the reply language to the backend.
func WithLanguage(lang string) SendOption {
	return func(t *turn) { t.language = lang }
}

// Controller drives one conversation: it owns the conversation log, the
// streaming message and the single live event-stream handle.
//
// All state transitions happen under mu. Callbacks are queued while mu is
// held and delivered in order after it is released, so they may call back
// into the controller.
type Controller struct {
	cfg       Config
	policy    *ReconnectPolicy
	transport Transport
	fallback  Fallback
	logger    *slog.Logger
	after     func(time.Duration, func()) Timer

	onChange   func(chat.Snapshot)
	onAppend   func(chat.Message)
	onComplete func(chat.Message)
	onError    func(error)

	mu       sync.Mutex
	log      conversationLog
	turn     *turn
	err      error
	closed   bool
	pending  []func()
	draining bool
	// finished holds done channels of ended turns whose callbacks are
	// still queued. flush closes them once the queue is empty.
	finished []chan struct{}
}

// turn is one user message and the assistant reply being produced for it.
// A non-nil turn is the only way the controller can be streaming.
type turn struct {
	text     string
	language string
	started  time.Time

	phase   Phase
	message chat.Message
	acc     accumulator

	session  *session
	handle   io.Closer
	attempts int
	timer    Timer
	cancelFb context.CancelFunc

	done chan struct{}
}

// session identifies one opened handle. Events carry their session so that
// a superseded or reconnected handle can never write into the live turn.
type session struct {
	c *Controller
	t *turn
}

// New creates a Controller for the given conversation.
func New(cfg Config, opts ...Option) (*Controller, error) {
	if cfg.Transport == nil {
		return nil, errors.New("stream: transport is required")
	}
	if cfg.StreamURL == "" {
		return nil, errors.New("stream: stream url is required")
	}
	policy := cfg.Reconnect
	if policy == nil {
		policy = DefaultReconnectPolicy()
	}
	c := &Controller{
		cfg:       cfg,
		policy:    policy,
		transport: cfg.Transport,
		fallback:  cfg.Fallback,
		logger:    slog.Default(),
		after:     afterFunc,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Send appends a user message and starts streaming the assistant reply.
// It returns without waiting for the reply. Any turn still in progress is
// superseded: its handle is closed before the new one is opened.
func (c *Controller) Send(text string, opts ...SendOption) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}

	if c.turn != nil {
		c.stopTurn("supersede")
	}

	user := chat.NewUserMessage(text)
	c.appendLocked(user)
	c.err = nil

	t := &turn{
		text:    text,
		started: time.Now(),
		phase:   PhaseIdle,
		message: chat.Message{
			ID:        chat.NewMessageID(),
			Role:      chat.RoleAssistant,
			Timestamp: time.Now(),
		},
		done: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	c.turn = t
	c.open(t)
	c.changedLocked()
	c.mu.Unlock()

	c.flush()
	return nil
}

// Cancel stops the current turn, if any. Partial content is discarded.
// Calling Cancel while idle, or repeatedly, is a no-op.
func (c *Controller) Cancel() {
	c.mu.Lock()
	if c.turn == nil {
		c.mu.Unlock()
		return
	}
	c.stopTurn("cancel")
	c.changedLocked()
	c.mu.Unlock()

	c.flush()
}

// Close disposes of the controller: the live handle, if any, is closed and
// later Sends fail with ErrClosed. Close is idempotent.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	if c.turn != nil {
		c.stopTurn("dispose")
		c.changedLocked()
	}
	c.mu.Unlock()

	c.flush()
	return nil
}

// ClearMessages empties the conversation log, the last error and the
// visible streaming content. An in-flight stream keeps running and its
// reply is appended to the cleared log when it finishes.
func (c *Controller) ClearMessages() {
	c.mu.Lock()
	c.log.reset()
	c.err = nil
	if c.turn != nil {
		c.turn.acc.reset()
	}
	c.changedLocked()
	c.mu.Unlock()

	c.flush()
}

// Wait blocks until no turn is in progress and every callback it queued has
// been delivered. It returns the error of the last turn, if it failed.
// Wait must not be called from a callback.
func (c *Controller) Wait(ctx context.Context) error {
	for {
		c.mu.Lock()
		var done chan struct{}
		switch {
		case c.turn != nil:
			done = c.turn.done
		case len(c.finished) > 0:
			done = c.finished[len(c.finished)-1]
		default:
			err := c.err
			c.mu.Unlock()
			return err
		}
		c.mu.Unlock()

		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Snapshot returns an immutable view of the conversation.
func (c *Controller) Snapshot() chat.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Messages returns a copy of the finalized conversation log.
func (c *Controller) Messages() []chat.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.log.snapshot()
}

// StreamingMessage returns the in-flight assistant message, or nil.
func (c *Controller) StreamingMessage() *chat.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streamingLocked()
}

// IsStreaming reports whether a turn is in progress.
func (c *Controller) IsStreaming() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.turn != nil
}

// Err returns the error that ended the last turn, or nil.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Controller) snapshotLocked() chat.Snapshot {
	snap := chat.Snapshot{
		Messages:         c.log.snapshot(),
		StreamingMessage: c.streamingLocked(),
		IsStreaming:      c.turn != nil,
		Phase:            string(PhaseIdle),
		Err:              c.err,
	}
	if c.turn != nil {
		snap.Phase = string(c.turn.phase)
	}
	return snap
}

func (c *Controller) streamingLocked() *chat.Message {
	if c.turn == nil {
		return nil
	}
	msg := c.turn.acc.message(c.turn.message, true)
	return &msg
}

// open starts a new handle for t. A failure to open is handled like any
// other transport error.
func (c *Controller) open(t *turn) {
	u, err := streamURL(c.cfg.StreamURL, streamQuery{
		conversationID: string(c.cfg.ConversationID),
		customerID:     string(c.cfg.CustomerID),
		message:        t.text,
		language:       t.language,
		token:          c.cfg.Token,
	})
	if err != nil {
		c.transportErrorLocked(t, err)
		return
	}

	s := &session{c: c, t: t}
	t.session = s
	c.setPhase(t, PhaseConnecting)

	h, err := c.transport.Open(u, s)
	if err != nil {
		c.transportErrorLocked(t, fmt.Errorf("open event stream: %w", err))
		return
	}
	t.handle = h
	metrics.IncStreamOpened()
}

// closeHandle is the only place a handle is closed.
func (c *Controller) closeHandle(t *turn, reason string) {
	if t.handle == nil {
		return
	}
	h := t.handle
	t.handle = nil
	t.session = nil
	if err := h.Close(); err != nil {
		c.logger.Debug("close event stream", "reason", reason, "error", err)
	}
	metrics.IncHandleClosed(reason)
}

// stopTurn ends the current turn without producing a reply.
func (c *Controller) stopTurn(reason string) {
	t := c.turn
	c.setPhase(t, PhaseCancelled)
	c.logger.Info("stream turn stopped",
		"conversation_id", string(c.cfg.ConversationID),
		"reason", reason,
		"partial_chars", len(t.acc.content),
	)
	c.endTurn(t, reason)
	outcome := "cancelled"
	if reason == "supersede" {
		outcome = "superseded"
	}
	metrics.ObserveTurn(outcome, t.started)
}

// endTurn releases every resource held by t and returns to idle.
func (c *Controller) endTurn(t *turn, reason string) {
	c.closeHandle(t, reason)
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	if t.cancelFb != nil {
		t.cancelFb()
		t.cancelFb = nil
	}
	c.setPhase(t, PhaseIdle)
	c.finished = append(c.finished, t.done)
	c.turn = nil
}

func (c *Controller) setPhase(t *turn, p Phase) {
	if t.phase == p {
		return
	}
	c.logger.Debug("stream phase",
		"conversation_id", string(c.cfg.ConversationID),
		"from", string(t.phase),
		"to", string(p),
	)
	t.phase = p
}

// live reports whether s is the handle of the current turn.
func (c *Controller) live(s *session) bool {
	return c.turn != nil && c.turn == s.t && c.turn.session == s
}

// transportErrorLocked closes the failed handle and either schedules a
// reconnect, starts the fallback request or fails the turn.
func (c *Controller) transportErrorLocked(t *turn, err error) {
	c.setPhase(t, PhaseErrorDetected)
	c.closeHandle(t, "error")
	c.notifyError(err)

	if c.policy.ShouldRetry(t.attempts) {
		t.attempts++
		delay := c.policy.NextDelay(t.attempts)
		c.logger.Warn("event stream failed, reconnecting",
			"conversation_id", string(c.cfg.ConversationID),
			"attempt", t.attempts,
			"max_attempts", c.policy.MaxAttempts,
			"delay", delay,
			"error", err,
		)
		c.setPhase(t, PhaseReconnecting)
		t.timer = c.after(delay, func() { c.reconnect(t) })
		metrics.IncReconnect()
		c.changedLocked()
		return
	}

	if c.cfg.EnableFallback && c.fallback != nil {
		c.logger.Warn("event stream failed, using fallback",
			"conversation_id", string(c.cfg.ConversationID),
			"attempts", t.attempts,
			"error", err,
		)
		c.startFallback(t)
		c.changedLocked()
		return
	}

	c.logger.Error("event stream failed",
		"conversation_id", string(c.cfg.ConversationID),
		"attempts", t.attempts,
		"error", err,
	)
	c.err = fmt.Errorf("stream failed after %d reconnect attempts: %w", t.attempts, err)
	c.endTurn(t, "error")
	metrics.ObserveTurn("failed", t.started)
	c.changedLocked()
}

// reconnect runs when a backoff timer fires. The turn may have been
// cancelled, superseded or disposed while the timer was pending.
func (c *Controller) reconnect(t *turn) {
	c.mu.Lock()
	if c.turn != t || t.phase != PhaseReconnecting {
		c.mu.Unlock()
		return
	}
	t.timer = nil
	c.open(t)
	c.changedLocked()
	c.mu.Unlock()

	c.flush()
}

func (c *Controller) startFallback(t *turn) {
	c.setPhase(t, PhaseFallbackInvoked)
	ctx, cancel := context.WithCancel(context.Background())
	t.cancelFb = cancel
	req := fallback.Request{
		ConversationID: string(c.cfg.ConversationID),
		CustomerID:     string(c.cfg.CustomerID),
		Message:        t.text,
		Language:       t.language,
	}
	go c.runFallback(ctx, t, req)
}

func (c *Controller) runFallback(ctx context.Context, t *turn, req fallback.Request) {
	reply, err := c.fallback.Complete(ctx, req)

	c.mu.Lock()
	if c.turn != t {
		c.mu.Unlock()
		return
	}
	metrics.IncFallback(err == nil)
	if err != nil {
		c.logger.Error("fallback request failed",
			"conversation_id", string(c.cfg.ConversationID),
			"error", err,
		)
		c.err = fmt.Errorf("fallback request: %w", err)
		c.notifyError(c.err)
		c.endTurn(t, "error")
		metrics.ObserveTurn("failed", t.started)
		c.changedLocked()
		c.mu.Unlock()
		c.flush()
		return
	}

	msg := t.message
	msg.Content = reply.Message
	msg.Metadata = reply.Metadata.Clone()
	c.finishLocked(t, msg, "fallback")
	c.mu.Unlock()

	c.flush()
}

// finishLocked commits the assistant reply for t and ends the turn.
func (c *Controller) finishLocked(t *turn, msg chat.Message, outcome string) {
	msg.IsStreaming = false
	c.appendLocked(msg)
	c.endTurn(t, "complete")
	metrics.ObserveTurn(outcome, t.started)
	c.logger.Info("assistant reply finalized",
		"conversation_id", string(c.cfg.ConversationID),
		"message_id", string(msg.ID),
		"outcome", outcome,
		"chars", len(msg.Content),
	)
	if c.onComplete != nil {
		final := msg.Clone()
		c.enqueue(func() { c.onComplete(final) })
	}
	c.changedLocked()
}

func (c *Controller) appendLocked(msg chat.Message) {
	c.log.append(msg)
	if c.onAppend != nil {
		appended := msg.Clone()
		c.enqueue(func() { c.onAppend(appended) })
	}
}

func (c *Controller) notifyError(err error) {
	if c.onError != nil {
		c.enqueue(func() { c.onError(err) })
	}
}

func (c *Controller) changedLocked() {
	if c.onChange != nil {
		snap := c.snapshotLocked()
		c.enqueue(func() { c.onChange(snap) })
	}
}

func (c *Controller) enqueue(fn func()) {
	c.pending = append(c.pending, fn)
}

// flush delivers queued callbacks in order. Only one goroutine delivers at a
// time; callbacks queued by a re-entrant call are picked up by the loop
// already running.
func (c *Controller) flush() {
	c.mu.Lock()
	if c.draining {
		c.mu.Unlock()
		return
	}
	c.draining = true
	for len(c.pending) > 0 {
		fn := c.pending[0]
		c.pending = c.pending[1:]
		c.mu.Unlock()
		fn()
		c.mu.Lock()
	}
	for _, done := range c.finished {
		close(done)
	}
	c.finished = nil
	c.draining = false
	c.mu.Unlock()
}
