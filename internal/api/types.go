package api

import (
	"time"

	"github.com/matheus3301/mktinbox/internal/store"
)

type Conversation struct {
	ID                  string `json:"id"`
	Subject             string `json:"subject"`
	ParticipantName     string `json:"participant_name"`
	IsOnline            bool   `json:"is_online,omitempty"`
	LastMessageText     string `json:"last_message_text"`
	LastMessageAtUnixMs int64  `json:"last_message_at_unix_ms"`
	UnreadCount         int    `json:"unread_count"`
	IsPinned            bool   `json:"is_pinned,omitempty"`
	IsMuted             bool   `json:"is_muted,omitempty"`
	HasAttachments      bool   `json:"has_attachments,omitempty"`
}

type Message struct {
	ID             string `json:"id"`
	TempID         string `json:"temp_id,omitempty"`
	ConversationID string `json:"conversation_id"`
	SenderID       string `json:"sender_id"`
	Text           string `json:"text"`
	SentAtUnixMs   int64  `json:"sent_at_unix_ms"`
	EditedAtUnixMs int64  `json:"edited_at_unix_ms,omitempty"`
	State          string `json:"state"`
	FromMe         bool   `json:"from_me,omitempty"`
}

// Event is one store change notification on the Watch stream.
type Event struct {
	EventID          string `json:"event_id"`
	Kind             string `json:"kind"`
	ConversationID   string `json:"conversation_id,omitempty"`
	OccurredAtUnixMs int64  `json:"occurred_at_unix_ms"`
}

type ListConversationsRequest struct {
	Query      string `json:"query,omitempty"`
	UnreadOnly bool   `json:"unread_only,omitempty"`
	TodayOnly  bool   `json:"today_only,omitempty"`
	Sort       string `json:"sort,omitempty"`
}

type ListConversationsResponse struct {
	Conversations []Conversation `json:"conversations"`
	UnreadTotal   int            `json:"unread_total"`
}

type GetThreadRequest struct {
	ConversationID string `json:"conversation_id"`
}

type GetThreadResponse struct {
	Conversation Conversation `json:"conversation"`
	Messages     []Message    `json:"messages"`
}

type SendMessageRequest struct {
	ConversationID string `json:"conversation_id"`
	Text           string `json:"text"`
}

type SendMessageResponse struct {
	Message Message `json:"message"`
}

type RetryMessageRequest struct {
	ConversationID string `json:"conversation_id"`
	TempID         string `json:"temp_id"`
}

type MarkReadRequest struct {
	ConversationID string `json:"conversation_id"`
}

type MarkReadResponse struct {
	UnreadCount int `json:"unread_count"`
	UnreadTotal int `json:"unread_total"`
}

type UnreadTotalRequest struct{}

type UnreadTotalResponse struct {
	Total int `json:"total"`
}

type OpenConversationRequest struct {
	ConversationID string `json:"conversation_id"`
}

type OpenConversationResponse struct {
	State string `json:"state"`
}

type CloseConversationRequest struct {
	ConversationID string `json:"conversation_id"`
}

type CloseConversationResponse struct{}

type StartConversationRequest struct {
	ListingID   string `json:"listing_id"`
	RecipientID string `json:"recipient_id"`
	Text        string `json:"text"`
}

type StartConversationResponse struct {
	Conversation Conversation `json:"conversation"`
}

type RefreshRequest struct {
	// ConversationID selects a thread refresh; empty refreshes the list.
	ConversationID string `json:"conversation_id,omitempty"`
}

type RefreshResponse struct{}

type GetStatusRequest struct{}

type GetStatusResponse struct {
	Profile       string `json:"profile"`
	UptimeMs      int64  `json:"uptime_ms"`
	Unauthorized  bool   `json:"unauthorized"`
	Conversations int    `json:"conversations"`
	UnreadTotal   int    `json:"unread_total"`
	// OpenConversations maps conversation id to live channel state.
	OpenConversations map[string]string `json:"open_conversations"`
}

type LogoutRequest struct{}

type LogoutResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type WatchRequest struct {
	ConversationID string `json:"conversation_id,omitempty"`
}

func conversationToAPI(c store.Conversation) Conversation {
	return Conversation{
		ID:                  c.ID,
		Subject:             c.Subject,
		ParticipantName:     c.ParticipantName,
		IsOnline:            c.IsOnline,
		LastMessageText:     c.LastMessageText,
		LastMessageAtUnixMs: unixMs(c.LastMessageDate),
		UnreadCount:         c.UnreadCount,
		IsPinned:            c.IsPinned,
		IsMuted:             c.IsMuted,
		HasAttachments:      c.HasAttachments,
	}
}

func messageToAPI(m store.Message, selfID string) Message {
	out := Message{
		ID:             m.ID,
		TempID:         m.TempID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Text:           m.Text,
		SentAtUnixMs:   unixMs(m.SentAt),
		State:          string(m.State),
		FromMe:         selfID != "" && m.SenderID == selfID,
	}
	if m.EditedAt != nil {
		out.EditedAtUnixMs = unixMs(*m.EditedAt)
	}
	return out
}

func unixMs(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// Time converts a unix millisecond field back to a time; zero stays zero.
func Time(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// ToStore converts m back for the view helpers.
func (m Message) ToStore() store.Message {
	out := store.Message{
		ID:             m.ID,
		TempID:         m.TempID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Text:           m.Text,
		SentAt:         Time(m.SentAtUnixMs),
		State:          store.DeliveryState(m.State),
	}
	if m.EditedAtUnixMs != 0 {
		t := Time(m.EditedAtUnixMs)
		out.EditedAt = &t
	}
	return out
}
