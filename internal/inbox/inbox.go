// Package inbox is the messaging core's public face: one object that owns the
// store and the components that keep it fresh, and exposes the operations a
// presentation layer needs.
package inbox

import (
	"context"
	"errors"
	"fmt"
	stdsync "sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/mktinbox/internal/bus"
	"github.com/matheus3301/mktinbox/internal/live"
	"github.com/matheus3301/mktinbox/internal/logging"
	"github.com/matheus3301/mktinbox/internal/outbox"
	"github.com/matheus3301/mktinbox/internal/readstate"
	"github.com/matheus3301/mktinbox/internal/remote"
	"github.com/matheus3301/mktinbox/internal/status"
	"github.com/matheus3301/mktinbox/internal/store"
	intsync "github.com/matheus3301/mktinbox/internal/sync"
	"github.com/matheus3301/mktinbox/internal/view"
)

// Creator starts new conversations on the backend.
type Creator interface {
	CreateConversation(ctx context.Context, req remote.CreateConversationRequest) (store.Conversation, error)
}

// Clearer wipes persisted state on logout; *cache.DB implements it.
type Clearer interface {
	Clear() error
}

// Deps are the components an Inbox coordinates. Cache may be nil.
type Deps struct {
	Store    *store.Store
	Engine   *intsync.Engine
	Live     *live.Manager
	Outbox   *outbox.Coordinator
	Reads    *readstate.Tracker
	Creator  Creator
	Cache    Clearer
	Bus      *bus.Bus
	Logger   *zap.Logger
	Location *time.Location
	Now      func() time.Time
}

// Inbox is the exposed interface of the messaging core.
type Inbox struct {
	store   *store.Store
	engine  *intsync.Engine
	live    *live.Manager
	outbox  *outbox.Coordinator
	reads   *readstate.Tracker
	creator Creator
	cache   Clearer
	bus     *bus.Bus
	logger  *zap.Logger
	loc     *time.Location
	now     func() time.Time

	unauthorized atomic.Bool

	mu     stdsync.Mutex
	opens  map[string]int
	cancel context.CancelFunc
	wg     stdsync.WaitGroup
}

// New wires an Inbox from its components.
func New(d Deps) *Inbox {
	if d.Location == nil {
		d.Location = time.Local
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return &Inbox{
		store:   d.Store,
		engine:  d.Engine,
		live:    d.Live,
		outbox:  d.Outbox,
		reads:   d.Reads,
		creator: d.Creator,
		cache:   d.Cache,
		bus:     d.Bus,
		logger:  logging.OrNop(d.Logger),
		loc:     d.Location,
		now:     d.Now,
		opens:   make(map[string]int),
	}
}

// Start begins polling and listens for session events.
func (i *Inbox) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	i.mu.Lock()
	i.cancel = cancel
	i.mu.Unlock()

	session, unsubSession := i.bus.Subscribe("session.", 16)
	synced, unsubSynced := i.bus.Subscribe(bus.KindSyncCompleted, 16)
	i.wg.Add(1)
	go func() {
		defer i.wg.Done()
		defer unsubSession()
		defer unsubSynced()
		for {
			select {
			case evt := <-session:
				if evt.Kind == bus.KindUnauthorized {
					i.onUnauthorized(evt)
				}
			case <-synced:
				i.unauthorized.Store(false)
			case <-ctx.Done():
				return
			}
		}
	}()

	i.engine.Start(ctx)
}

// Stop tears every component down.
func (i *Inbox) Stop() {
	i.mu.Lock()
	if i.cancel != nil {
		i.cancel()
	}
	i.mu.Unlock()
	i.live.Stop()
	i.engine.Stop()
	i.outbox.Stop()
	i.reads.Stop()
	i.wg.Wait()
}

// An authorization failure is escalated to session management; the core only
// stops its channels. Polling continues so a refreshed token is picked up.
func (i *Inbox) onUnauthorized(evt bus.Event) {
	if i.unauthorized.Swap(true) {
		return
	}
	i.logger.Warn("credential rejected, closing live channels",
		zap.String("conversation_id", evt.ConversationID))
	i.live.CloseAll()
}

// Unauthorized reports whether the backend rejected the credential since the
// last successful fetch.
func (i *Inbox) Unauthorized() bool {
	return i.unauthorized.Load()
}

// SelfID is the local user's id.
func (i *Inbox) SelfID() string {
	return i.store.SelfID()
}

// ListConversations returns the conversation list projected through q.
func (i *Inbox) ListConversations(q view.Query) []store.Conversation {
	return view.Apply(i.store.Conversations(), q, i.now(), i.loc)
}

// Conversation returns one conversation.
func (i *Inbox) Conversation(id string) (store.Conversation, bool) {
	return i.store.Conversation(id)
}

// GetThread returns a conversation's messages in display order. When the
// thread was never fully fetched it is loaded first; a failed load falls back
// to whatever is already in memory.
func (i *Inbox) GetThread(ctx context.Context, id string) ([]store.Message, error) {
	i.engine.Resume()
	if !i.store.ThreadLoaded(id) {
		if err := i.engine.LoadThread(ctx, id); err != nil {
			if !i.store.Has(id) {
				return nil, fmt.Errorf("load thread %s: %w", id, err)
			}
			i.logger.Warn("thread load failed, serving cached",
				zap.String("conversation_id", id), zap.Error(err))
		}
	}
	return i.store.Thread(id), nil
}

// GroupedThread is GetThread grouped into day buckets and sender runs.
func (i *Inbox) GroupedThread(ctx context.Context, id string) ([]view.DayGroup, error) {
	msgs, err := i.GetThread(ctx, id)
	if err != nil {
		return nil, err
	}
	return view.GroupByDay(msgs, i.loc), nil
}

// Send sends text and waits for the server's confirmation.
func (i *Inbox) Send(ctx context.Context, id, text string) (store.Message, error) {
	return i.outbox.Send(ctx, id, text)
}

// Enqueue sends text without waiting; the optimistic entry is visible on return.
func (i *Inbox) Enqueue(id, text string) (store.Handle, error) {
	h, _, err := i.outbox.Enqueue(id, text)
	return h, err
}

// Retry re-sends a failed message.
func (i *Inbox) Retry(ctx context.Context, h store.Handle) (store.Message, error) {
	return i.outbox.Retry(ctx, h)
}

// MarkRead zeroes the unread count now and acknowledges it in the background.
func (i *Inbox) MarkRead(id string) (int, error) {
	return i.reads.MarkRead(id)
}

// UnreadTotal is the effective unread count across conversations.
func (i *Inbox) UnreadTotal() int {
	return i.reads.UnreadTotal()
}

// OpenConversation starts the thread poll and the live channel for id and
// returns the function that releases them. Opens are reference counted.
func (i *Inbox) OpenConversation(ctx context.Context, id string) (func(), error) {
	i.engine.Resume()
	if !i.store.Has(id) {
		if err := i.engine.RefreshConversation(ctx, id); err != nil {
			return nil, fmt.Errorf("open conversation %s: %w", id, err)
		}
	}

	i.mu.Lock()
	i.opens[id]++
	i.mu.Unlock()

	i.engine.Open(id)
	// No-op while a channel is up; retries a degraded or rejected one.
	i.live.Open(id)
	i.logger.Info("conversation opened", zap.String("conversation_id", id))

	var once stdsync.Once
	return func() { once.Do(func() { i.CloseConversation(id) }) }, nil
}

// CloseConversation drops one OpenConversation reference. The last one stops
// the poll and the live channel; fetches still in flight are discarded.
func (i *Inbox) CloseConversation(id string) {
	i.mu.Lock()
	n, ok := i.opens[id]
	if !ok {
		i.mu.Unlock()
		return
	}
	if n > 1 {
		i.opens[id] = n - 1
		i.mu.Unlock()
		i.engine.Close(id)
		return
	}
	delete(i.opens, id)
	i.mu.Unlock()

	i.engine.Close(id)
	i.live.Close(id)
	i.logger.Info("conversation closed", zap.String("conversation_id", id))
}

// OpenConversations lists conversations with an open view.
func (i *Inbox) OpenConversations() map[string]status.State {
	i.mu.Lock()
	ids := make([]string, 0, len(i.opens))
	for id := range i.opens {
		ids = append(ids, id)
	}
	i.mu.Unlock()
	out := make(map[string]status.State, len(ids))
	for _, id := range ids {
		out[id] = i.live.State(id)
	}
	return out
}

// StartConversation creates a conversation on the backend and adds it to the
// store. Its reconciliation is left to the regular list poll.
func (i *Inbox) StartConversation(ctx context.Context, req remote.CreateConversationRequest) (store.Conversation, error) {
	if i.creator == nil {
		return store.Conversation{}, errors.New("starting conversations is not supported")
	}
	i.engine.Resume()
	c, err := i.creator.CreateConversation(ctx, req)
	if err != nil {
		return store.Conversation{}, err
	}
	if err := i.store.UpsertConversation(c); err != nil {
		return store.Conversation{}, err
	}
	i.engine.RequestConversations()
	return c, nil
}

// Refresh forces a list fetch, or a thread fetch when id is set.
func (i *Inbox) Refresh(ctx context.Context, id string) error {
	i.engine.Resume()
	if id == "" {
		if err := i.engine.RefreshConversations(ctx); err != nil {
			return err
		}
		return i.engine.RefreshUnreadTotal(ctx)
	}
	return i.engine.LoadThread(ctx, id)
}

// Watch streams store change notifications until unsubscribed. A non-empty
// conversationID limits them to that conversation.
func (i *Inbox) Watch(conversationID string, buf int) (<-chan bus.Event, func()) {
	return i.bus.SubscribeFilter(bus.Filter{Prefix: bus.KindStoreChanged, ConversationID: conversationID}, buf)
}

// Logout closes every channel and poll and forgets everything in memory and
// in the cache. Nothing is deleted remotely. Polling stays paused until the
// next call that asks for backend data (Refresh, GetThread, OpenConversation,
// StartConversation).
func (i *Inbox) Logout() error {
	i.mu.Lock()
	i.opens = make(map[string]int)
	i.mu.Unlock()

	i.engine.Pause()
	i.live.CloseAll()
	i.store.Reset()
	i.logger.Info("logged out, local state cleared")
	if i.cache != nil {
		if err := i.cache.Clear(); err != nil {
			return fmt.Errorf("clear cache: %w", err)
		}
	}
	return nil
}
