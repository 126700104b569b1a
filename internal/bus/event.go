package bus

import "time"

// Event kinds published by the inbox core. Subscribers filter by prefix,
// so "live." receives both live.event and live.status_changed.
const (
	KindStoreChanged      = "store.changed"
	KindLiveEvent         = "live.event"
	KindLiveStatusChanged = "live.status_changed"
	KindSendAck           = "message.send_ack"
	KindSendFailed        = "message.send_failed"
	KindReadAck           = "read.ack"
	KindReadAckFailed     = "read.ack_failed"
	KindSyncCompleted     = "sync.completed"
	KindSyncFailed        = "sync.failed"
	KindUnauthorized      = "session.unauthorized"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind           string
	ConversationID string
	Timestamp      time.Time
	Payload        any
}

// NewEvent stamps an event with the current time.
func NewEvent(kind, conversationID string, payload any) Event {
	return Event{
		Kind:           kind,
		ConversationID: conversationID,
		Timestamp:      time.Now(),
		Payload:        payload,
	}
}
