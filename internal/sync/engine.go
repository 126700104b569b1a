package sync

import (
	"context"
	"errors"
	"fmt"
	stdsync "sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/matheus3301/mktinbox/internal/bus"
	"github.com/matheus3301/mktinbox/internal/cache"
	"github.com/matheus3301/mktinbox/internal/logging"
	"github.com/matheus3301/mktinbox/internal/remote"
	"github.com/matheus3301/mktinbox/internal/store"
)

// Fetcher is the read side of the backend API.
type Fetcher interface {
	ListConversations(ctx context.Context) (remote.ConversationPage, error)
	GetConversation(ctx context.Context, id string) (store.Conversation, error)
	ListMessages(ctx context.Context, id string) ([]store.Message, error)
	UnreadCount(ctx context.Context) (int, error)
}

// Snapshotter persists successful fetches; *cache.DB implements it.
type Snapshotter interface {
	SaveConversations(list []store.Conversation) error
	PruneConversations(keep []string) error
	SaveMessages(conversationID string, msgs []store.Message) error
	MarkSynced(key string, t time.Time) error
}

type Options struct {
	ListInterval   time.Duration
	ThreadInterval time.Duration
	// Timeout bounds each fetch; a timed-out fetch is an ordinary failure.
	Timeout time.Duration
	// Cache is optional.
	Cache Snapshotter
}

const (
	keyConversations = "conversations"
	keyUnreadTotal   = "unread-total"
)

func threadKey(id string) string       { return "thread:" + id }
func conversationKey(id string) string { return "conversation:" + id }

// ErrPaused is returned by refreshes while polling is paused, and by fetches
// whose result was discarded because a pause or reset happened meanwhile.
var ErrPaused = errors.New("sync paused")

// Completed is the payload of sync.completed events.
type Completed struct {
	Key   string
	Count int
}

// Failed is the payload of sync.failed events.
type Failed struct {
	Key string
	Err error
}

// Engine keeps the store approximately fresh by polling the backend. It polls
// the conversation list on a fixed interval, polls each open conversation's
// thread on a shorter one, and refetches on demand when a live event arrives
// on the bus. Failed polls are logged and retried on the next tick; they never
// clear data.
type Engine struct {
	api    Fetcher
	store  *store.Store
	bus    *bus.Bus
	cache  Snapshotter
	logger *zap.Logger
	opts   Options

	group singleflight.Group

	ctx    context.Context
	cancel context.CancelFunc
	wg     stdsync.WaitGroup

	mu      stdsync.Mutex
	started bool
	open    map[string]*openThread

	// Results are merged under the read lock; Pause takes the write lock, so
	// once it returns nothing fetched before it reaches the store or cache.
	state  stdsync.RWMutex
	paused bool
	gen    uint64
}

type openThread struct {
	refs   int
	cancel context.CancelFunc
}

// NewEngine creates a new sync engine.
func NewEngine(api Fetcher, s *store.Store, b *bus.Bus, logger *zap.Logger, opts Options) *Engine {
	if opts.ListInterval <= 0 {
		opts.ListInterval = 30 * time.Second
	}
	if opts.ThreadInterval <= 0 {
		opts.ThreadInterval = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		api:    api,
		store:  s,
		bus:    b,
		cache:  opts.Cache,
		logger: logging.OrNop(logger),
		opts:   opts,
		ctx:    ctx,
		cancel: cancel,
		open:   make(map[string]*openThread),
	}
}

// Start runs the list loop and subscribes to live events. The engine stops
// when ctx is cancelled or Stop is called.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	if e.started || e.ctx.Err() != nil {
		e.mu.Unlock()
		return
	}
	e.started = true
	e.mu.Unlock()

	context.AfterFunc(ctx, e.cancel)
	ch, unsub := e.bus.Subscribe(bus.KindLiveEvent, 256)

	e.spawn(func(ctx context.Context) {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				e.handleEvent(evt)
			case <-ctx.Done():
				return
			}
		}
	})

	e.spawn(func(ctx context.Context) {
		ticker := time.NewTicker(e.opts.ListInterval)
		defer ticker.Stop()
		for {
			e.pollList(ctx)
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	})
}

// Stop cancels every loop and waits for in-flight work to return.
func (e *Engine) Stop() {
	e.mu.Lock()
	e.cancel()
	e.mu.Unlock()
	e.wg.Wait()
}

// Pause stops list polling, closes every thread poll and discards fetches
// already in flight. Used on logout.
func (e *Engine) Pause() {
	e.state.Lock()
	e.paused = true
	e.gen++
	e.state.Unlock()
	e.CloseAll()
	e.logger.Info("sync paused")
}

// Resume undoes Pause and schedules a list refresh.
func (e *Engine) Resume() {
	e.state.Lock()
	was := e.paused
	e.paused = false
	e.state.Unlock()
	if was {
		e.logger.Info("sync resumed")
		e.RequestConversations()
	}
}

// Paused reports whether polling is paused.
func (e *Engine) Paused() bool {
	e.state.RLock()
	defer e.state.RUnlock()
	return e.paused
}

func (e *Engine) generation() (uint64, bool) {
	e.state.RLock()
	defer e.state.RUnlock()
	return e.gen, e.paused
}

// apply runs merge unless the engine was paused since gen was read.
func (e *Engine) apply(gen uint64, merge func() error) error {
	e.state.RLock()
	defer e.state.RUnlock()
	if e.paused || e.gen != gen {
		return ErrPaused
	}
	return merge()
}

// spawn runs fn in a tracked goroutine unless the engine is stopped.
func (e *Engine) spawn(fn func(ctx context.Context)) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ctx.Err() != nil {
		return false
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn(e.ctx)
	}()
	return true
}

func (e *Engine) handleEvent(evt bus.Event) {
	if evt.Kind != bus.KindLiveEvent || evt.ConversationID == "" {
		return
	}
	// Push frames are a wake-up only; the REST projection is the truth.
	e.RequestThread(evt.ConversationID)
	e.RequestConversations()
}

func (e *Engine) pollList(ctx context.Context) {
	if err := e.RefreshConversations(ctx); err != nil {
		return
	}
	_ = e.RefreshUnreadTotal(ctx)
}

// Open starts the thread poll for a conversation. Calls are reference
// counted; the poll stops when every Open has been matched by a Close.
func (e *Engine) Open(id string) {
	e.mu.Lock()
	if ot, ok := e.open[id]; ok {
		ot.refs++
		e.mu.Unlock()
		return
	}
	if e.ctx.Err() != nil {
		e.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(e.ctx)
	e.open[id] = &openThread{refs: 1, cancel: cancel}
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		e.threadLoop(ctx, id)
	}()
	e.logger.Debug("thread poll started", zap.String("conversation_id", id))
}

// Close drops one reference taken by Open.
func (e *Engine) Close(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ot, ok := e.open[id]
	if !ok {
		return
	}
	ot.refs--
	if ot.refs > 0 {
		return
	}
	ot.cancel()
	delete(e.open, id)
	e.logger.Debug("thread poll stopped", zap.String("conversation_id", id))
}

// IsOpen reports whether a thread poll is running for id.
func (e *Engine) IsOpen(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.open[id]
	return ok
}

// CloseAll stops every thread poll.
func (e *Engine) CloseAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, ot := range e.open {
		ot.cancel()
		delete(e.open, id)
	}
}

func (e *Engine) threadLoop(ctx context.Context, id string) {
	ticker := time.NewTicker(e.opts.ThreadInterval)
	defer ticker.Stop()
	for {
		_ = e.RefreshThread(ctx, id)
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

// RequestConversations schedules a list refresh without waiting for it.
func (e *Engine) RequestConversations() {
	e.spawn(func(ctx context.Context) { _ = e.RefreshConversations(ctx) })
}

// RequestThread schedules a thread refresh for an open conversation.
func (e *Engine) RequestThread(id string) {
	e.spawn(func(ctx context.Context) { _ = e.RefreshThread(ctx, id) })
}

// RefreshConversations fetches the conversation list and merges it. Concurrent
// calls share one request.
func (e *Engine) RefreshConversations(ctx context.Context) error {
	gen, paused := e.generation()
	if paused {
		return ErrPaused
	}
	v, err := e.fetch(ctx, keyConversations, func(ctx context.Context) (any, error) {
		return e.api.ListConversations(ctx)
	})
	if err != nil {
		e.failed(keyConversations, "", err)
		return err
	}
	page := v.(remote.ConversationPage)
	if err := e.apply(gen, func() error {
		e.store.UpsertConversationList(page.Items, page.Complete)
		e.snapshotList(page)
		return nil
	}); err != nil {
		return err
	}
	e.completed(keyConversations, "", len(page.Items))
	return nil
}

// RefreshConversation fetches a single conversation snapshot.
func (e *Engine) RefreshConversation(ctx context.Context, id string) error {
	gen, paused := e.generation()
	if paused {
		return ErrPaused
	}
	key := conversationKey(id)
	v, err := e.fetch(ctx, key, func(ctx context.Context) (any, error) {
		return e.api.GetConversation(ctx, id)
	})
	if err != nil {
		e.failed(key, id, err)
		return err
	}
	c := v.(store.Conversation)
	if c.ID == "" {
		c.ID = id
	}
	err = e.apply(gen, func() error {
		if err := e.store.UpsertConversation(c); err != nil {
			return err
		}
		if e.cache != nil {
			if err := e.cache.SaveConversations([]store.Conversation{c}); err != nil {
				e.logger.Warn("cache conversation failed", zap.String("conversation_id", id), zap.Error(err))
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	e.completed(key, id, 1)
	return nil
}

// RefreshThread fetches a conversation's messages. The result is dropped if
// the conversation was closed while the request was in flight.
func (e *Engine) RefreshThread(ctx context.Context, id string) error {
	return e.refreshThread(ctx, id, false)
}

// LoadThread fetches and merges a conversation's messages whether or not the
// conversation is open.
func (e *Engine) LoadThread(ctx context.Context, id string) error {
	return e.refreshThread(ctx, id, true)
}

func (e *Engine) refreshThread(ctx context.Context, id string, always bool) error {
	gen, paused := e.generation()
	if paused {
		return ErrPaused
	}
	key := threadKey(id)
	v, err := e.fetch(ctx, key, func(ctx context.Context) (any, error) {
		return e.api.ListMessages(ctx, id)
	})
	if err != nil {
		e.failed(key, id, err)
		return err
	}
	if !always && !e.IsOpen(id) {
		e.logger.Debug("discarding thread fetch for closed conversation", zap.String("conversation_id", id))
		return nil
	}
	msgs := v.([]store.Message)
	err = e.apply(gen, func() error {
		e.store.UpsertMessages(id, msgs, true)
		if e.cache != nil {
			if err := e.cache.SaveMessages(id, msgs); err != nil {
				e.logger.Warn("cache messages failed", zap.String("conversation_id", id), zap.Error(err))
			}
			e.checkpoint(cache.ThreadCheckpoint(id))
		}
		return nil
	})
	if err != nil {
		return err
	}
	e.completed(key, id, len(msgs))
	return nil
}

// RefreshUnreadTotal fetches the server's aggregate unread count.
func (e *Engine) RefreshUnreadTotal(ctx context.Context) error {
	gen, paused := e.generation()
	if paused {
		return ErrPaused
	}
	v, err := e.fetch(ctx, keyUnreadTotal, func(ctx context.Context) (any, error) {
		return e.api.UnreadCount(ctx)
	})
	if err != nil {
		e.failed(keyUnreadTotal, "", err)
		return err
	}
	return e.apply(gen, func() error {
		e.store.SetServerUnreadTotal(v.(int))
		return nil
	})
}

// fetch runs fn once per key at a time. The request itself is bound to the
// engine's lifetime, not the caller's: a caller that gives up stops waiting,
// but the shared request completes for everyone else.
func (e *Engine) fetch(ctx context.Context, key string, fn func(ctx context.Context) (any, error)) (any, error) {
	ch := e.group.DoChan(key, func() (any, error) {
		fctx, cancel := e.ctx, context.CancelFunc(func() {})
		if e.opts.Timeout > 0 {
			fctx, cancel = context.WithTimeout(e.ctx, e.opts.Timeout)
		}
		defer cancel()
		return fn(fctx)
	})
	select {
	case r := <-ch:
		return r.Val, r.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *Engine) snapshotList(page remote.ConversationPage) {
	if e.cache == nil {
		return
	}
	if err := e.cache.SaveConversations(page.Items); err != nil {
		e.logger.Warn("cache conversations failed", zap.Error(err))
		return
	}
	if page.Complete {
		ids := make([]string, 0, len(page.Items))
		for _, c := range e.store.Conversations() {
			ids = append(ids, c.ID)
		}
		if err := e.cache.PruneConversations(ids); err != nil {
			e.logger.Warn("cache prune failed", zap.Error(err))
		}
	}
	e.checkpoint(cache.CheckpointListSynced)
}

func (e *Engine) checkpoint(key string) {
	if err := e.cache.MarkSynced(key, time.Now()); err != nil {
		e.logger.Warn("checkpoint failed", zap.String("key", key), zap.Error(err))
	}
}

func (e *Engine) completed(key, conversationID string, n int) {
	e.bus.Publish(bus.NewEvent(bus.KindSyncCompleted, conversationID, Completed{Key: key, Count: n}))
}

func (e *Engine) failed(key, conversationID string, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	e.logger.Warn("fetch failed",
		zap.String("key", key),
		zap.String("conversation_id", conversationID),
		zap.Bool("transient", remote.IsTransient(err)),
		zap.Error(err),
	)
	e.bus.Publish(bus.NewEvent(bus.KindSyncFailed, conversationID, Failed{Key: key, Err: fmt.Errorf("%s: %w", key, err)}))
	if errors.Is(err, remote.ErrUnauthorized) {
		e.bus.Publish(bus.NewEvent(bus.KindUnauthorized, conversationID, err))
	}
}
