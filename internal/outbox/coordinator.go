package outbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	stdsync "sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/matheus3301/mktinbox/internal/bus"
	"github.com/matheus3301/mktinbox/internal/logging"
	"github.com/matheus3301/mktinbox/internal/remote"
	"github.com/matheus3301/mktinbox/internal/store"
)

var (
	ErrEmptyMessage        = errors.New("message is empty")
	ErrMessageTooLong      = errors.New("message is too long")
	ErrUnknownConversation = errors.New("unknown conversation")
	ErrStopped             = errors.New("send coordinator stopped")
)

// DefaultMaxLength is the outgoing text limit, in characters.
const DefaultMaxLength = 1000

// MessageSender posts a message to the backend.
type MessageSender interface {
	SendMessage(ctx context.Context, conversationID, text string) (store.Message, error)
}

// Refresher is told to refetch the conversation list after a send settles.
type Refresher interface {
	RequestConversations()
}

type Options struct {
	MaxLength int
	// Timeout bounds each network send.
	Timeout time.Duration
}

// Result is delivered once per Enqueue or Retry.
type Result struct {
	Handle  store.Handle
	Message store.Message
	Err     error
}

// SendError is returned by Send and Retry once the optimistic entry exists.
// Handle identifies the failed entry for a later Retry.
type SendError struct {
	Handle store.Handle
	Err    error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send message (temp id %s): %v", e.Handle.TempID, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// Ack is the payload of message.send_ack events.
type Ack struct {
	Handle    store.Handle
	MessageID string
}

// Failure is the payload of message.send_failed events.
type Failure struct {
	Handle store.Handle
	Err    error
}

// Coordinator sends messages optimistically: the entry is in the store before
// the network call starts and is confirmed or flagged failed when it returns.
// Sends are independent; there is no per-conversation lock.
type Coordinator struct {
	store     *store.Store
	sender    MessageSender
	refresher Refresher
	bus       *bus.Bus
	logger    *zap.Logger
	opts      Options

	ctx    context.Context
	cancel context.CancelFunc
	mu     stdsync.Mutex
	wg     stdsync.WaitGroup
}

// NewCoordinator creates a new send coordinator. refresher may be nil.
func NewCoordinator(s *store.Store, sender MessageSender, refresher Refresher, b *bus.Bus, logger *zap.Logger, opts Options) *Coordinator {
	if opts.MaxLength <= 0 {
		opts.MaxLength = DefaultMaxLength
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		store:     s,
		sender:    sender,
		refresher: refresher,
		bus:       b,
		logger:    logging.OrNop(logger),
		opts:      opts,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Validate trims text and checks it against the send preconditions.
func (c *Coordinator) Validate(conversationID, text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmptyMessage
	}
	if n := utf8.RuneCountInString(text); n > c.opts.MaxLength {
		return "", fmt.Errorf("%w: %d characters, limit %d", ErrMessageTooLong, n, c.opts.MaxLength)
	}
	if !c.store.Has(conversationID) {
		return "", fmt.Errorf("%w: %s", ErrUnknownConversation, conversationID)
	}
	return text, nil
}

// Enqueue validates text and inserts the optimistic entry before returning.
// The network send continues in the background and reports on the returned
// channel, which receives exactly one Result.
func (c *Coordinator) Enqueue(conversationID, text string) (store.Handle, <-chan Result, error) {
	text, err := c.Validate(conversationID, text)
	if err != nil {
		return store.Handle{}, nil, err
	}
	h, err := c.store.InsertOptimistic(conversationID, store.Draft{Text: text})
	if err != nil {
		return store.Handle{}, nil, fmt.Errorf("%w: %s", ErrUnknownConversation, conversationID)
	}
	c.logger.Debug("message queued",
		zap.String("conversation_id", conversationID),
		zap.String("temp_id", h.TempID),
	)
	return h, c.dispatch(h, text), nil
}

// Send is Enqueue followed by waiting for the outcome. If ctx ends first the
// send still completes in the background.
func (c *Coordinator) Send(ctx context.Context, conversationID, text string) (store.Message, error) {
	h, done, err := c.Enqueue(conversationID, text)
	if err != nil {
		return store.Message{}, err
	}
	return wait(ctx, h, done)
}

// Retry re-sends a failed entry in place.
func (c *Coordinator) Retry(ctx context.Context, h store.Handle) (store.Message, error) {
	done, err := c.RetryAsync(h)
	if err != nil {
		return store.Message{}, err
	}
	return wait(ctx, h, done)
}

// RetryAsync moves a failed entry back to pending and re-sends it.
func (c *Coordinator) RetryAsync(h store.Handle) (<-chan Result, error) {
	m, ok := c.store.Lookup(h)
	if !ok {
		return nil, fmt.Errorf("retry %s: %w", h.TempID, store.ErrUnknownHandle)
	}
	if err := c.store.MarkRetrying(h); err != nil {
		return nil, err
	}
	c.logger.Info("retrying message",
		zap.String("conversation_id", h.ConversationID),
		zap.String("temp_id", h.TempID),
	)
	return c.dispatch(h, m.Text), nil
}

// Stop cancels in-flight sends, which end up failed, and waits for them.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	c.cancel()
	c.mu.Unlock()
	c.wg.Wait()
}

// wait returns the send outcome. Errors carry the handle so the caller can
// retry the entry.
func wait(ctx context.Context, h store.Handle, done <-chan Result) (store.Message, error) {
	select {
	case r := <-done:
		if r.Err != nil {
			return store.Message{}, &SendError{Handle: h, Err: r.Err}
		}
		return r.Message, nil
	case <-ctx.Done():
		return store.Message{}, &SendError{Handle: h, Err: ctx.Err()}
	}
}

func (c *Coordinator) dispatch(h store.Handle, text string) <-chan Result {
	done := make(chan Result, 1)

	c.mu.Lock()
	if c.ctx.Err() != nil {
		c.mu.Unlock()
		_ = c.store.MarkFailed(h)
		done <- Result{Handle: h, Err: ErrStopped}
		return done
	}
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		done <- c.deliver(h, text)
	}()
	return done
}

func (c *Coordinator) deliver(h store.Handle, text string) Result {
	ctx := c.ctx
	if c.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.Timeout)
		defer cancel()
	}
	defer c.requestRefresh()

	msg, err := c.sender.SendMessage(ctx, h.ConversationID, text)
	if err != nil {
		if markErr := c.store.MarkFailed(h); markErr != nil {
			c.logger.Warn("mark failed", zap.String("temp_id", h.TempID), zap.Error(markErr))
		}
		c.logger.Error("failed to send message",
			zap.String("conversation_id", h.ConversationID),
			zap.String("temp_id", h.TempID),
			zap.Bool("transient", remote.IsTransient(err)),
			zap.Error(err),
		)
		c.bus.Publish(bus.NewEvent(bus.KindSendFailed, h.ConversationID, Failure{Handle: h, Err: err}))
		if errors.Is(err, remote.ErrUnauthorized) {
			c.bus.Publish(bus.NewEvent(bus.KindUnauthorized, h.ConversationID, err))
		}
		return Result{Handle: h, Err: err}
	}

	if err := c.store.MarkDelivered(h, msg); err != nil {
		// The conversation was evicted mid-send; the server has the message.
		c.logger.Warn("confirm sent message", zap.String("temp_id", h.TempID), zap.Error(err))
	}
	c.logger.Info("message sent",
		zap.String("conversation_id", h.ConversationID),
		zap.String("temp_id", h.TempID),
		zap.String("msg_id", msg.ID),
	)
	c.bus.Publish(bus.NewEvent(bus.KindSendAck, h.ConversationID, Ack{Handle: h, MessageID: msg.ID}))
	if m, ok := c.store.Lookup(h); ok {
		msg = m
	}
	return Result{Handle: h, Message: msg}
}

func (c *Coordinator) requestRefresh() {
	if c.refresher != nil {
		c.refresher.RequestConversations()
	}
}
