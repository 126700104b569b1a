package readstate

import (
	"context"
	"errors"
	stdsync "sync"
	"time"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"

	"github.com/matheus3301/mktinbox/internal/bus"
	"github.com/matheus3301/mktinbox/internal/logging"
	"github.com/matheus3301/mktinbox/internal/remote"
	"github.com/matheus3301/mktinbox/internal/store"
)

// Acker acknowledges a conversation as read on the backend.
type Acker interface {
	MarkRead(ctx context.Context, conversationID string) error
}

// Refresher is told to refetch the conversation list once an ack settles.
type Refresher interface {
	RequestConversations()
}

type Options struct {
	// Retries is how many times a failed ack is retried.
	Retries    int
	RetryDelay time.Duration
	Timeout    time.Duration
}

// AckFailure is the payload of read.ack_failed events.
type AckFailure struct {
	Attempts int
	Err      error
}

// Tracker commits read state. Locally the change is immediate; the server
// ack runs in the background and a failed ack never re-raises the count.
type Tracker struct {
	store     *store.Store
	api       Acker
	refresher Refresher
	bus       *bus.Bus
	logger    *zap.Logger
	opts      Options

	ctx    context.Context
	cancel context.CancelFunc
	wg     stdsync.WaitGroup

	mu       stdsync.Mutex
	inflight map[string]context.CancelFunc
}

// NewTracker creates a tracker. refresher may be nil.
func NewTracker(s *store.Store, api Acker, refresher Refresher, b *bus.Bus, logger *zap.Logger, opts Options) *Tracker {
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Tracker{
		store:     s,
		api:       api,
		refresher: refresher,
		bus:       b,
		logger:    logging.OrNop(logger),
		opts:      opts,
		ctx:       ctx,
		cancel:    cancel,
		inflight:  make(map[string]context.CancelFunc),
	}
}

// MarkRead zeroes the conversation's unread count before returning, then
// acknowledges it to the server in the background. It returns how many
// unread messages were cleared.
func (t *Tracker) MarkRead(conversationID string) (int, error) {
	cleared, err := t.store.MarkThreadRead(conversationID)
	if err != nil {
		return 0, err
	}
	t.startAck(conversationID)
	return cleared, nil
}

// UnreadCount is the effective unread count of one conversation.
func (t *Tracker) UnreadCount(conversationID string) int {
	c, ok := t.store.Conversation(conversationID)
	if !ok {
		return 0
	}
	return c.UnreadCount
}

// UnreadTotal is the effective unread count across conversations.
func (t *Tracker) UnreadTotal() int {
	return t.store.UnreadTotal()
}

// Stop abandons pending acks and waits for their goroutines.
func (t *Tracker) Stop() {
	t.mu.Lock()
	t.cancel()
	t.mu.Unlock()
	t.wg.Wait()
}

// startAck supersedes any ack still retrying for the same conversation.
func (t *Tracker) startAck(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ctx.Err() != nil {
		return
	}
	if prev, ok := t.inflight[id]; ok {
		prev()
	}
	ctx, cancel := context.WithCancel(t.ctx)
	t.inflight[id] = cancel
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.ack(ctx, id)
		t.mu.Lock()
		// A newer ack may have replaced this one.
		if ctx.Err() == nil {
			delete(t.inflight, id)
		}
		t.mu.Unlock()
		cancel()
	}()
}

func (t *Tracker) ack(ctx context.Context, id string) {
	bo := backoff.WithMaxRetries(backoff.NewConstantBackOff(t.opts.RetryDelay), uint64(t.opts.Retries))
	attempt := 0
	for {
		attempt++
		err := t.send(ctx, id)
		if err == nil {
			t.logger.Debug("read ack", zap.String("conversation_id", id), zap.Int("attempt", attempt))
			t.bus.Publish(bus.NewEvent(bus.KindReadAck, id, nil))
			break
		}
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, remote.ErrUnauthorized) {
			t.fail(id, attempt, err)
			t.bus.Publish(bus.NewEvent(bus.KindUnauthorized, id, err))
			return
		}
		wait := bo.NextBackOff()
		if wait == backoff.Stop || errors.Is(err, remote.ErrNotFound) {
			t.fail(id, attempt, err)
			break
		}
		t.logger.Warn("read ack failed, retrying",
			zap.String("conversation_id", id),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return
		}
	}
	if t.refresher != nil {
		t.refresher.RequestConversations()
	}
}

func (t *Tracker) send(ctx context.Context, id string) error {
	if t.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.opts.Timeout)
		defer cancel()
	}
	return t.api.MarkRead(ctx, id)
}

func (t *Tracker) fail(id string, attempts int, err error) {
	t.logger.Error("read ack gave up; local read state kept",
		zap.String("conversation_id", id),
		zap.Int("attempt", attempts),
		zap.Error(err),
	)
	t.bus.Publish(bus.NewEvent(bus.KindReadAckFailed, id, AckFailure{Attempts: attempts, Err: err}))
}
