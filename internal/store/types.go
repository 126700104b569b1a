package store

import "time"

// DeliveryState tracks an outgoing or incoming message through delivery.
// States only move forward, except Failed which is terminal until retried.
type DeliveryState string

const (
	Pending   DeliveryState = "pending"
	Sent      DeliveryState = "sent"
	Delivered DeliveryState = "delivered"
	Read      DeliveryState = "read"
	Failed    DeliveryState = "failed"
)

func (s DeliveryState) rank() int {
	switch s {
	case Pending:
		return 1
	case Sent:
		return 2
	case Delivered:
		return 3
	case Read:
		return 4
	}
	return 0
}

// Confirmed reports whether the server has acknowledged the message.
func (s DeliveryState) Confirmed() bool {
	return s.rank() >= Sent.rank()
}

// Valid reports whether s is one of the known states.
func (s DeliveryState) Valid() bool {
	return s == Failed || s.rank() > 0
}

// advance merges next into cur without ever moving backwards.
// A confirmation supersedes Failed; a failure never overrides a confirmation.
func advance(cur, next DeliveryState) DeliveryState {
	switch {
	case next == "":
		return cur
	case cur == "":
		return next
	case next == Failed:
		if cur == Pending || cur == Failed {
			return Failed
		}
		return cur
	case cur == Failed:
		if next.Confirmed() {
			return next
		}
		return Failed
	case next.rank() > cur.rank():
		return next
	}
	return cur
}

// Conversation is the client-side view of a two-party thread.
type Conversation struct {
	ID              string
	Subject         string
	ParticipantName string
	IsOnline        bool
	LastMessageText string
	LastMessageDate time.Time
	// UnreadCount is the effective count: derived from the thread when it is
	// fully loaded and current, otherwise the server-reported value.
	UnreadCount    int
	IsPinned       bool
	IsMuted        bool
	HasAttachments bool
}

// Message is a single entry in a conversation thread.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	Text           string
	SentAt         time.Time
	EditedAt       *time.Time
	State          DeliveryState
	// TempID is set for messages that started as optimistic entries and is
	// kept after the server id replaces ID.
	TempID string

	seq uint64
}

// Optimistic reports whether the message is still waiting for a server id.
func (m Message) Optimistic() bool {
	return m.TempID != "" && m.ID == m.TempID
}

// Draft is the input to InsertOptimistic.
type Draft struct {
	SenderID string
	Text     string
}

// Handle identifies an optimistic entry until it is confirmed or failed.
type Handle struct {
	ConversationID string
	TempID         string
}
