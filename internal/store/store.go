package store

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/mktinbox/internal/bus"
)

// DefaultMatchWindow bounds how far apart an optimistic entry and its server
// copy may be timestamped and still be reconciled.
const DefaultMatchWindow = 2 * time.Minute

var (
	ErrUnknownConversation = errors.New("unknown conversation")
	ErrUnknownHandle       = errors.New("unknown optimistic message")
)

// Options configures a Store.
type Options struct {
	// SelfID is the local user's id; messages from anyone else count as unread.
	SelfID      string
	MatchWindow time.Duration
	Bus         *bus.Bus
	Now         func() time.Time
}

// Store is the in-memory message store: the single source of truth read by
// every projection. Each mutation is short, synchronous and scoped to one
// conversation; different conversations never contend on the same lock.
type Store struct {
	mu      sync.RWMutex
	threads map[string]*thread

	selfID       atomic.Value // string
	listComplete atomic.Bool
	totalMu      sync.Mutex
	serverTotal  int
	totalKnown   bool

	seq         atomic.Uint64
	matchWindow time.Duration
	bus         *bus.Bus
	now         func() time.Time
}

// New creates an empty store.
func New(opts Options) *Store {
	window := opts.MatchWindow
	if window <= 0 {
		window = DefaultMatchWindow
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	s := &Store{
		threads:     make(map[string]*thread),
		matchWindow: window,
		bus:         opts.Bus,
		now:         now,
	}
	s.selfID.Store(opts.SelfID)
	return s
}

// SelfID returns the local user's id.
func (s *Store) SelfID() string {
	return s.selfID.Load().(string)
}

// SetSelfID updates the local user's id, e.g. after a credential refresh.
func (s *Store) SetSelfID(id string) {
	s.selfID.Store(id)
}

func (s *Store) get(id string) *thread {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.threads[id]
}

func (s *Store) ensure(id string) *thread {
	if t := s.get(id); t != nil {
		return t
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.threads[id]; ok {
		return t
	}
	t := newThread(id)
	s.threads[id] = t
	return t
}

func (s *Store) nextSeq() uint64 {
	return s.seq.Add(1)
}

func (s *Store) changed(conversationID string) {
	s.bus.Publish(bus.NewEvent(bus.KindStoreChanged, conversationID, nil))
}

// Has reports whether the conversation is known locally.
func (s *Store) Has(id string) bool {
	return s.get(id) != nil
}

// UpsertConversationList merges a list snapshot into the index, replacing the
// preview fields. Conversations missing from the snapshot are only removed
// when complete is true, so a partial page never evicts data. Conversations
// with sends still in flight survive eviction.
func (s *Store) UpsertConversationList(list []Conversation, complete bool) {
	seen := make(map[string]struct{}, len(list))
	for _, c := range list {
		if c.ID == "" {
			continue
		}
		seen[c.ID] = struct{}{}
		t := s.ensure(c.ID)
		t.mu.Lock()
		t.applySnapshot(c)
		t.mu.Unlock()
	}

	if complete {
		s.mu.Lock()
		for id, t := range s.threads {
			if _, ok := seen[id]; ok {
				continue
			}
			t.mu.Lock()
			keep := t.hasPendingSends()
			t.mu.Unlock()
			if !keep {
				delete(s.threads, id)
			}
		}
		s.mu.Unlock()
	}
	s.listComplete.Store(complete)
	s.changed("")
}

// UpsertConversation merges a single conversation snapshot.
func (s *Store) UpsertConversation(c Conversation) error {
	if c.ID == "" {
		return fmt.Errorf("upsert conversation: %w", ErrUnknownConversation)
	}
	t := s.ensure(c.ID)
	t.mu.Lock()
	t.applySnapshot(c)
	t.mu.Unlock()
	s.changed(c.ID)
	return nil
}

// UpsertMessages merges a batch of confirmed messages into a thread by id.
// Messages matching a pending optimistic entry replace it in place. full marks
// the batch as a complete thread fetch. Applying the same batch twice is a no-op.
func (s *Store) UpsertMessages(conversationID string, msgs []Message, full bool) {
	t := s.ensure(conversationID)
	t.mu.Lock()
	for _, m := range msgs {
		if m.ID == "" {
			continue
		}
		m.ConversationID = conversationID
		if m.State == "" {
			m.State = Delivered
		}
		t.upsertOne(m, s.matchWindow, s.nextSeq)
	}
	t.sortMessages()
	if full {
		t.loaded = true
	}
	t.refreshPreview()
	t.mu.Unlock()
	s.changed(conversationID)
}

// InsertOptimistic appends a pending message and returns the handle used to
// confirm or fail it later. The entry always sorts after what is already shown.
func (s *Store) InsertOptimistic(conversationID string, d Draft) (Handle, error) {
	t := s.get(conversationID)
	if t == nil {
		return Handle{}, fmt.Errorf("insert optimistic %q: %w", conversationID, ErrUnknownConversation)
	}
	sender := d.SenderID
	if sender == "" {
		sender = s.SelfID()
	}
	tempID := "tmp-" + uuid.NewString()

	t.mu.Lock()
	sentAt := s.now()
	if newest := t.newest(); newest.After(sentAt) {
		sentAt = newest
	}
	t.messages = append(t.messages, Message{
		ID:             tempID,
		TempID:         tempID,
		ConversationID: conversationID,
		SenderID:       sender,
		Text:           d.Text,
		SentAt:         sentAt,
		State:          Pending,
		seq:            s.nextSeq(),
	})
	t.refreshPreview()
	t.mu.Unlock()

	s.changed(conversationID)
	return Handle{ConversationID: conversationID, TempID: tempID}, nil
}

// MarkDelivered swaps the optimistic entry for the server's canonical message.
// If a fetch already inserted the server copy, the optimistic entry is dropped
// so exactly one remains.
func (s *Store) MarkDelivered(h Handle, server Message) error {
	t := s.get(h.ConversationID)
	if t == nil {
		return fmt.Errorf("mark delivered %s: %w", h.TempID, ErrUnknownConversation)
	}
	if server.State == "" || !server.State.Confirmed() {
		server.State = Delivered
	}
	server.ConversationID = h.ConversationID

	t.mu.Lock()
	tmp := t.indexOptimistic(h.TempID)
	srv := t.indexByID(server.ID)
	switch {
	case tmp >= 0 && srv < 0:
		t.mergeInto(tmp, server)
	case tmp >= 0 && srv >= 0:
		t.mergeInto(srv, server)
		if t.messages[srv].TempID == "" {
			t.messages[srv].TempID = h.TempID
		}
		t.aliases[h.TempID] = server.ID
		t.messages = append(t.messages[:tmp], t.messages[tmp+1:]...)
	case t.indexByTempID(h.TempID) >= 0 || srv >= 0:
		// Already reconciled by a fetch; just merge the newer fields.
		t.upsertOne(server, s.matchWindow, s.nextSeq)
	default:
		t.mu.Unlock()
		return fmt.Errorf("mark delivered %s: %w", h.TempID, ErrUnknownHandle)
	}
	t.sortMessages()
	t.refreshPreview()
	t.mu.Unlock()

	s.changed(h.ConversationID)
	return nil
}

// MarkFailed flags a still-pending optimistic entry as failed. It stays in the
// thread so the user can retry it. Entries already confirmed are left alone.
func (s *Store) MarkFailed(h Handle) error {
	return s.setOptimisticState(h, Failed)
}

// MarkRetrying moves a failed entry back to pending ahead of a resend.
func (s *Store) MarkRetrying(h Handle) error {
	t := s.get(h.ConversationID)
	if t == nil {
		return fmt.Errorf("retry %s: %w", h.TempID, ErrUnknownConversation)
	}
	t.mu.Lock()
	i := t.indexOptimistic(h.TempID)
	if i < 0 || t.messages[i].State != Failed {
		t.mu.Unlock()
		return fmt.Errorf("retry %s: %w", h.TempID, ErrUnknownHandle)
	}
	t.messages[i].State = Pending
	t.mu.Unlock()
	s.changed(h.ConversationID)
	return nil
}

func (s *Store) setOptimisticState(h Handle, state DeliveryState) error {
	t := s.get(h.ConversationID)
	if t == nil {
		return fmt.Errorf("set %s on %s: %w", state, h.TempID, ErrUnknownConversation)
	}
	t.mu.Lock()
	if i := t.indexOptimistic(h.TempID); i >= 0 {
		t.messages[i].State = advance(t.messages[i].State, state)
	} else if t.indexByTempID(h.TempID) < 0 {
		t.mu.Unlock()
		return fmt.Errorf("set %s on %s: %w", state, h.TempID, ErrUnknownHandle)
	}
	t.mu.Unlock()
	s.changed(h.ConversationID)
	return nil
}

// Lookup returns the current entry for an optimistic handle, following the
// server id once it has been confirmed.
func (s *Store) Lookup(h Handle) (Message, bool) {
	t := s.get(h.ConversationID)
	if t == nil {
		return Message{}, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	i := t.indexByTempID(h.TempID)
	if i < 0 {
		if id, ok := t.aliases[h.TempID]; ok {
			i = t.indexByID(id)
		}
	}
	if i < 0 {
		return Message{}, false
	}
	return cloneMessages(t.messages[i : i+1])[0], true
}

// SetUnreadCount overrides the server-reported unread count for a conversation.
func (s *Store) SetUnreadCount(conversationID string, count int) error {
	t := s.get(conversationID)
	if t == nil {
		return fmt.Errorf("set unread %q: %w", conversationID, ErrUnknownConversation)
	}
	t.mu.Lock()
	t.serverUnread = max(count, 0)
	t.mu.Unlock()
	s.changed(conversationID)
	return nil
}

// MarkThreadRead zeroes the unread count and flips known counterpart messages
// to read. Returns how many unread messages were cleared.
func (s *Store) MarkThreadRead(conversationID string) (int, error) {
	t := s.get(conversationID)
	if t == nil {
		return 0, fmt.Errorf("mark read %q: %w", conversationID, ErrUnknownConversation)
	}
	self := s.SelfID()

	t.mu.Lock()
	cleared := t.unread(self)
	for i := range t.messages {
		m := &t.messages[i]
		if m.SenderID != self && !m.Optimistic() {
			m.State = advance(m.State, Read)
		}
	}
	mark := t.newest()
	if t.meta.LastMessageDate.After(mark) {
		mark = t.meta.LastMessageDate
	}
	if mark.After(t.readMark) {
		t.readMark = mark
	}
	t.serverUnread = 0
	t.mu.Unlock()

	s.totalMu.Lock()
	if s.totalKnown {
		s.serverTotal = max(s.serverTotal-cleared, 0)
	}
	s.totalMu.Unlock()

	s.changed(conversationID)
	return cleared, nil
}

// SetServerUnreadTotal records the backend's aggregate unread count.
func (s *Store) SetServerUnreadTotal(n int) {
	s.totalMu.Lock()
	s.serverTotal = max(n, 0)
	s.totalKnown = true
	s.totalMu.Unlock()
	s.changed("")
}

// UnreadTotal sums effective unread counts. When the local list is not known
// to be complete, a larger server aggregate wins to avoid undercounting.
func (s *Store) UnreadTotal() int {
	self := s.SelfID()
	sum := 0
	for _, t := range s.all() {
		t.mu.Lock()
		if t.hasMeta {
			sum += t.unread(self)
		}
		t.mu.Unlock()
	}
	if s.listComplete.Load() {
		return sum
	}
	s.totalMu.Lock()
	defer s.totalMu.Unlock()
	if s.totalKnown && s.serverTotal > sum {
		return s.serverTotal
	}
	return sum
}

func (s *Store) all() []*thread {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*thread, 0, len(s.threads))
	for _, t := range s.threads {
		out = append(out, t)
	}
	return out
}

// Conversations returns a snapshot of every conversation with list metadata,
// newest activity first.
func (s *Store) Conversations() []Conversation {
	self := s.SelfID()
	var out []Conversation
	for _, t := range s.all() {
		t.mu.Lock()
		if t.hasMeta {
			out = append(out, t.snapshot(self))
		}
		t.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastMessageDate.Equal(out[j].LastMessageDate) {
			return out[i].LastMessageDate.After(out[j].LastMessageDate)
		}
		return strings.Compare(out[i].ID, out[j].ID) < 0
	})
	return out
}

// Conversation returns one conversation snapshot.
func (s *Store) Conversation(id string) (Conversation, bool) {
	t := s.get(id)
	if t == nil {
		return Conversation{}, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshot(s.SelfID()), true
}

// Thread returns a copy of the conversation's messages in display order.
func (s *Store) Thread(id string) []Message {
	t := s.get(id)
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return cloneMessages(t.messages)
}

// ThreadLoaded reports whether a full thread fetch has completed.
func (s *Store) ThreadLoaded(id string) bool {
	t := s.get(id)
	if t == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.loaded
}

// Evict drops a conversation from memory. Nothing is deleted remotely.
func (s *Store) Evict(id string) {
	s.mu.Lock()
	delete(s.threads, id)
	s.mu.Unlock()
	s.changed(id)
}

// Reset clears everything, e.g. on logout.
func (s *Store) Reset() {
	s.mu.Lock()
	s.threads = make(map[string]*thread)
	s.mu.Unlock()
	s.listComplete.Store(false)
	s.totalMu.Lock()
	s.serverTotal, s.totalKnown = 0, false
	s.totalMu.Unlock()
	s.changed("")
}
