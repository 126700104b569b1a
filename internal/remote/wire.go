package remote

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/matheus3301/mktinbox/internal/store"
)

type conversationDTO struct {
	ConversationID  string     `json:"conversationId"`
	Subject         string     `json:"subject"`
	ParticipantName string     `json:"participantName"`
	IsOnline        bool       `json:"isOnline"`
	LastMessageText string     `json:"lastMessageText"`
	LastMessageDate *time.Time `json:"lastMessageDate"`
	UnreadCount     int        `json:"unreadCount"`
	IsPinned        bool       `json:"isPinned"`
	IsMuted         bool       `json:"isMuted"`
	HasAttachments  bool       `json:"hasAttachments"`
}

func (d conversationDTO) toStore() store.Conversation {
	c := store.Conversation{
		ID:              d.ConversationID,
		Subject:         d.Subject,
		ParticipantName: d.ParticipantName,
		IsOnline:        d.IsOnline,
		LastMessageText: d.LastMessageText,
		UnreadCount:     max(d.UnreadCount, 0),
		IsPinned:        d.IsPinned,
		IsMuted:         d.IsMuted,
		HasAttachments:  d.HasAttachments,
	}
	if d.LastMessageDate != nil {
		c.LastMessageDate = *d.LastMessageDate
	}
	return c
}

type messageDTO struct {
	MessageID      string     `json:"messageId"`
	ConversationID string     `json:"conversationId"`
	SenderID       string     `json:"senderId"`
	Text           string     `json:"text"`
	SentAt         time.Time  `json:"sentAt"`
	EditedAt       *time.Time `json:"editedAt,omitempty"`
	IsRead         bool       `json:"isRead"`
	Status         string     `json:"status,omitempty"`
}

func (d messageDTO) toStore(conversationID string) store.Message {
	m := store.Message{
		ID:             d.MessageID,
		ConversationID: d.ConversationID,
		SenderID:       d.SenderID,
		Text:           d.Text,
		SentAt:         d.SentAt,
		EditedAt:       d.EditedAt,
		State:          store.Delivered,
	}
	if m.ConversationID == "" {
		m.ConversationID = conversationID
	}
	if s := store.DeliveryState(d.Status); s.Valid() && s != store.Failed {
		m.State = s
	}
	if d.IsRead {
		m.State = store.Read
	}
	return m
}

// The backend answers list endpoints either with a bare array or with a
// paging envelope; both shapes are accepted.
type conversationPage struct {
	Items         []conversationDTO `json:"items"`
	Conversations []conversationDTO `json:"conversations"`
	HasMore       bool              `json:"hasMore"`
}

func decodeConversations(data []byte) ([]conversationDTO, bool, error) {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		var list []conversationDTO
		if err := json.Unmarshal(data, &list); err != nil {
			return nil, false, fmt.Errorf("decode conversations: %w", err)
		}
		return list, true, nil
	}
	var page conversationPage
	if err := json.Unmarshal(data, &page); err != nil {
		return nil, false, fmt.Errorf("decode conversations: %w", err)
	}
	if page.Items == nil {
		page.Items = page.Conversations
	}
	return page.Items, !page.HasMore, nil
}

type messagePage struct {
	Items    []messageDTO `json:"items"`
	Messages []messageDTO `json:"messages"`
}

func decodeMessages(data []byte) ([]messageDTO, error) {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		var list []messageDTO
		if err := json.Unmarshal(data, &list); err != nil {
			return nil, fmt.Errorf("decode messages: %w", err)
		}
		return list, nil
	}
	var page messagePage
	if err := json.Unmarshal(data, &page); err != nil {
		return nil, fmt.Errorf("decode messages: %w", err)
	}
	if page.Items == nil {
		page.Items = page.Messages
	}
	return page.Items, nil
}

func decodeCount(data []byte) (int, error) {
	data = bytes.TrimSpace(data)
	var n int
	if err := json.Unmarshal(data, &n); err == nil {
		return max(n, 0), nil
	}
	var obj struct {
		Count       *int `json:"count"`
		UnreadCount *int `json:"unreadCount"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return 0, fmt.Errorf("decode unread count: %w", err)
	}
	switch {
	case obj.Count != nil:
		return max(*obj.Count, 0), nil
	case obj.UnreadCount != nil:
		return max(*obj.UnreadCount, 0), nil
	}
	return 0, fmt.Errorf("decode unread count: no count field")
}

type sendRequest struct {
	Text string `json:"text"`
}

// CreateConversationRequest starts a conversation about a listing.
type CreateConversationRequest struct {
	ListingID   string `json:"listingId"`
	RecipientID string `json:"recipientId,omitempty"`
	Text        string `json:"text"`
}
