package store

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// thread is one conversation's state. Every field is guarded by mu.
type thread struct {
	mu sync.Mutex

	meta         Conversation
	hasMeta      bool
	serverUnread int
	messages     []Message
	loaded       bool
	readMark     time.Time
	aliases      map[string]string // temp id -> server id
}

func newThread(id string) *thread {
	return &thread{
		meta:    Conversation{ID: id},
		aliases: make(map[string]string),
	}
}

func (t *thread) applySnapshot(c Conversation) {
	t.hasMeta = true
	t.meta.Subject = c.Subject
	t.meta.ParticipantName = c.ParticipantName
	t.meta.IsOnline = c.IsOnline
	t.meta.IsPinned = c.IsPinned
	t.meta.IsMuted = c.IsMuted
	t.meta.HasAttachments = c.HasAttachments
	t.meta.LastMessageText = c.LastMessageText
	t.meta.LastMessageDate = c.LastMessageDate

	// A snapshot taken before our read ack landed must not re-raise the badge.
	if t.readMark.IsZero() || c.LastMessageDate.After(t.readMark) {
		t.serverUnread = max(c.UnreadCount, 0)
	}
	t.refreshPreview()
}

// refreshPreview keeps the denormalized preview equal to the newest thread
// message once the thread has been fetched, unless the server knows of a newer one.
func (t *thread) refreshPreview() {
	if !t.loaded || len(t.messages) == 0 {
		return
	}
	last := t.messages[len(t.messages)-1]
	if t.meta.LastMessageDate.After(last.SentAt) {
		return
	}
	t.meta.LastMessageText = last.Text
	t.meta.LastMessageDate = last.SentAt
}

func (t *thread) indexByID(id string) int {
	for i := range t.messages {
		if t.messages[i].ID == id {
			return i
		}
	}
	return -1
}

func (t *thread) indexOptimistic(tempID string) int {
	for i := range t.messages {
		if t.messages[i].TempID == tempID && t.messages[i].Optimistic() {
			return i
		}
	}
	return -1
}

func (t *thread) indexByTempID(tempID string) int {
	for i := range t.messages {
		if t.messages[i].TempID == tempID {
			return i
		}
	}
	return -1
}

// matchOptimistic finds the earliest unconfirmed optimistic entry that looks
// like m: same sender, same trimmed text, sent within window. Best effort only.
func (t *thread) matchOptimistic(m Message, window time.Duration) int {
	text := strings.TrimSpace(m.Text)
	for i := range t.messages {
		e := t.messages[i]
		if !e.Optimistic() || e.State.Confirmed() {
			continue
		}
		if e.SenderID != m.SenderID || strings.TrimSpace(e.Text) != text {
			continue
		}
		if absDuration(m.SentAt.Sub(e.SentAt)) <= window {
			return i
		}
	}
	return -1
}

// mergeInto copies server fields of m onto the entry at i, keeping its
// sequence and temp id so it stays where it was inserted.
func (t *thread) mergeInto(i int, m Message) {
	e := &t.messages[i]
	if e.Optimistic() {
		t.aliases[e.TempID] = m.ID
	}
	e.ID = m.ID
	e.SenderID = m.SenderID
	e.Text = m.Text
	if !m.SentAt.IsZero() {
		e.SentAt = m.SentAt
	}
	if m.EditedAt != nil {
		edited := *m.EditedAt
		e.EditedAt = &edited
	}
	e.State = advance(e.State, m.State)
}

// upsertOne merges a confirmed server message by id, then by the optimistic
// heuristic, and appends it otherwise.
func (t *thread) upsertOne(m Message, window time.Duration, seq func() uint64) {
	if i := t.indexByID(m.ID); i >= 0 {
		t.mergeInto(i, m)
		return
	}
	if i := t.matchOptimistic(m, window); i >= 0 {
		t.mergeInto(i, m)
		return
	}
	m.seq = seq()
	m.TempID = ""
	t.messages = append(t.messages, m)
}

func (t *thread) sortMessages() {
	sort.SliceStable(t.messages, func(i, j int) bool {
		a, b := t.messages[i], t.messages[j]
		if !a.SentAt.Equal(b.SentAt) {
			return a.SentAt.Before(b.SentAt)
		}
		return a.seq < b.seq
	})
}

func (t *thread) newest() time.Time {
	if len(t.messages) == 0 {
		return time.Time{}
	}
	return t.messages[len(t.messages)-1].SentAt
}

// localUnread counts counterpart messages not yet read. Anything sent at or
// before the local read mark counts as read even if the server still says
// otherwise, so a fetch racing the read ack cannot raise the count again.
func (t *thread) localUnread(selfID string) int {
	n := 0
	for _, m := range t.messages {
		if m.SenderID == selfID || m.State == Read || m.Optimistic() {
			continue
		}
		if !t.readMark.IsZero() && !m.SentAt.After(t.readMark) {
			continue
		}
		n++
	}
	return n
}

// unread returns the effective unread count. The in-memory count is only
// trusted when the thread is fully loaded and not behind the list snapshot.
func (t *thread) unread(selfID string) int {
	if !t.loaded || selfID == "" {
		return t.serverUnread
	}
	local := t.localUnread(selfID)
	if t.meta.LastMessageDate.After(t.newest()) {
		return max(local, t.serverUnread)
	}
	return local
}

func (t *thread) hasPendingSends() bool {
	for _, m := range t.messages {
		if m.Optimistic() && m.State == Pending {
			return true
		}
	}
	return false
}

func (t *thread) snapshot(selfID string) Conversation {
	c := t.meta
	c.UnreadCount = t.unread(selfID)
	return c
}

func cloneMessages(in []Message) []Message {
	out := make([]Message, len(in))
	for i, m := range in {
		out[i] = m
		if m.EditedAt != nil {
			edited := *m.EditedAt
			out[i].EditedAt = &edited
		}
	}
	return out
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
