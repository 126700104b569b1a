package api

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"

	"github.com/matheus3301/mktinbox/internal/bus"
	"github.com/matheus3301/mktinbox/internal/credential"
	"github.com/matheus3301/mktinbox/internal/logging"
	"github.com/matheus3301/mktinbox/internal/outbox"
	"github.com/matheus3301/mktinbox/internal/remote"
	"github.com/matheus3301/mktinbox/internal/status"
	"github.com/matheus3301/mktinbox/internal/store"
	intsync "github.com/matheus3301/mktinbox/internal/sync"
	"github.com/matheus3301/mktinbox/internal/view"
)

// Core is the part of *inbox.Inbox the service exposes.
type Core interface {
	SelfID() string
	Unauthorized() bool
	ListConversations(q view.Query) []store.Conversation
	Conversation(id string) (store.Conversation, bool)
	GetThread(ctx context.Context, id string) ([]store.Message, error)
	Send(ctx context.Context, id, text string) (store.Message, error)
	Retry(ctx context.Context, h store.Handle) (store.Message, error)
	MarkRead(id string) (int, error)
	UnreadTotal() int
	OpenConversation(ctx context.Context, id string) (func(), error)
	CloseConversation(id string)
	OpenConversations() map[string]status.State
	StartConversation(ctx context.Context, req remote.CreateConversationRequest) (store.Conversation, error)
	Refresh(ctx context.Context, id string) error
	Watch(conversationID string, buf int) (<-chan bus.Event, func())
	Logout() error
}

// InboxService implements the InboxService gRPC service on top of the core.
type InboxService struct {
	core      Core
	profile   string
	startedAt time.Time
	logger    *zap.Logger
}

// NewInboxService creates the service for one profile.
func NewInboxService(core Core, profile string, logger *zap.Logger) *InboxService {
	return &InboxService{
		core:      core,
		profile:   profile,
		startedAt: time.Now(),
		logger:    logging.OrNop(logger),
	}
}

func (s *InboxService) ListConversations(_ context.Context, req *ListConversationsRequest) (*ListConversationsResponse, error) {
	sort, err := view.ParseSort(req.Sort)
	if err != nil {
		return nil, grpcstatus.Error(codes.InvalidArgument, err.Error())
	}
	convs := s.core.ListConversations(view.Query{
		Text:       req.Query,
		UnreadOnly: req.UnreadOnly,
		TodayOnly:  req.TodayOnly,
		Sort:       sort,
	})
	out := make([]Conversation, 0, len(convs))
	for _, c := range convs {
		out = append(out, conversationToAPI(c))
	}
	return &ListConversationsResponse{Conversations: out, UnreadTotal: s.core.UnreadTotal()}, nil
}

func (s *InboxService) GetThread(ctx context.Context, req *GetThreadRequest) (*GetThreadResponse, error) {
	if req.ConversationID == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "conversation_id is required")
	}
	msgs, err := s.core.GetThread(ctx, req.ConversationID)
	if err != nil {
		return nil, s.toStatus("get thread", err)
	}
	c, ok := s.core.Conversation(req.ConversationID)
	if !ok {
		return nil, grpcstatus.Errorf(codes.NotFound, "conversation %q not found", req.ConversationID)
	}
	self := s.core.SelfID()
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, messageToAPI(m, self))
	}
	return &GetThreadResponse{Conversation: conversationToAPI(c), Messages: out}, nil
}

func (s *InboxService) SendMessage(ctx context.Context, req *SendMessageRequest) (*SendMessageResponse, error) {
	m, err := s.core.Send(ctx, req.ConversationID, req.Text)
	if err != nil {
		return nil, s.toStatus("send message", err)
	}
	return &SendMessageResponse{Message: messageToAPI(m, s.core.SelfID())}, nil
}

func (s *InboxService) RetryMessage(ctx context.Context, req *RetryMessageRequest) (*SendMessageResponse, error) {
	if req.ConversationID == "" || req.TempID == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "conversation_id and temp_id are required")
	}
	m, err := s.core.Retry(ctx, store.Handle{ConversationID: req.ConversationID, TempID: req.TempID})
	if err != nil {
		return nil, s.toStatus("retry message", err)
	}
	return &SendMessageResponse{Message: messageToAPI(m, s.core.SelfID())}, nil
}

func (s *InboxService) MarkRead(_ context.Context, req *MarkReadRequest) (*MarkReadResponse, error) {
	n, err := s.core.MarkRead(req.ConversationID)
	if err != nil {
		return nil, s.toStatus("mark read", err)
	}
	return &MarkReadResponse{UnreadCount: n, UnreadTotal: s.core.UnreadTotal()}, nil
}

func (s *InboxService) UnreadTotal(_ context.Context, _ *UnreadTotalRequest) (*UnreadTotalResponse, error) {
	return &UnreadTotalResponse{Total: s.core.UnreadTotal()}, nil
}

// OpenConversation keeps the conversation open in the daemon until a matching
// CloseConversation.
func (s *InboxService) OpenConversation(ctx context.Context, req *OpenConversationRequest) (*OpenConversationResponse, error) {
	if _, err := s.core.OpenConversation(ctx, req.ConversationID); err != nil {
		return nil, s.toStatus("open conversation", err)
	}
	return &OpenConversationResponse{State: string(s.core.OpenConversations()[req.ConversationID])}, nil
}

func (s *InboxService) CloseConversation(_ context.Context, req *CloseConversationRequest) (*CloseConversationResponse, error) {
	s.core.CloseConversation(req.ConversationID)
	return &CloseConversationResponse{}, nil
}

func (s *InboxService) StartConversation(ctx context.Context, req *StartConversationRequest) (*StartConversationResponse, error) {
	if req.ListingID == "" || req.RecipientID == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "listing_id and recipient_id are required")
	}
	c, err := s.core.StartConversation(ctx, remote.CreateConversationRequest{
		ListingID:   req.ListingID,
		RecipientID: req.RecipientID,
		Text:        req.Text,
	})
	if err != nil {
		return nil, s.toStatus("start conversation", err)
	}
	return &StartConversationResponse{Conversation: conversationToAPI(c)}, nil
}

func (s *InboxService) Refresh(ctx context.Context, req *RefreshRequest) (*RefreshResponse, error) {
	if err := s.core.Refresh(ctx, req.ConversationID); err != nil {
		return nil, s.toStatus("refresh", err)
	}
	return &RefreshResponse{}, nil
}

func (s *InboxService) GetStatus(_ context.Context, _ *GetStatusRequest) (*GetStatusResponse, error) {
	open := s.core.OpenConversations()
	states := make(map[string]string, len(open))
	for id, st := range open {
		states[id] = string(st)
	}
	return &GetStatusResponse{
		Profile:           s.profile,
		UptimeMs:          time.Since(s.startedAt).Milliseconds(),
		Unauthorized:      s.core.Unauthorized(),
		Conversations:     len(s.core.ListConversations(view.Query{})),
		UnreadTotal:       s.core.UnreadTotal(),
		OpenConversations: states,
	}, nil
}

func (s *InboxService) Logout(_ context.Context, _ *LogoutRequest) (*LogoutResponse, error) {
	if err := s.core.Logout(); err != nil {
		return nil, s.toStatus("logout", err)
	}
	return &LogoutResponse{Success: true, Message: "local state cleared"}, nil
}

// Watch streams store change notifications until the client goes away.
func (s *InboxService) Watch(req *WatchRequest, stream WatchStream) error {
	ch, unsub := s.core.Watch(req.ConversationID, 256)
	defer unsub()

	for {
		select {
		case evt := <-ch:
			if err := stream.Send(&Event{
				EventID:          uuid.New().String(),
				Kind:             evt.Kind,
				ConversationID:   evt.ConversationID,
				OccurredAtUnixMs: evt.Timestamp.UnixMilli(),
			}); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		}
	}
}

// toStatus maps core errors onto grpc codes.
func (s *InboxService) toStatus(op string, err error) error {
	code := codes.Internal
	switch {
	case errors.Is(err, outbox.ErrEmptyMessage), errors.Is(err, outbox.ErrMessageTooLong):
		code = codes.InvalidArgument
	case errors.Is(err, outbox.ErrUnknownConversation),
		errors.Is(err, store.ErrUnknownConversation),
		errors.Is(err, store.ErrUnknownHandle),
		errors.Is(err, remote.ErrNotFound):
		code = codes.NotFound
	case errors.Is(err, remote.ErrUnauthorized),
		errors.Is(err, credential.ErrMissing),
		errors.Is(err, credential.ErrExpired):
		code = codes.Unauthenticated
	case errors.Is(err, outbox.ErrStopped), errors.Is(err, intsync.ErrPaused):
		code = codes.Unavailable
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case remote.IsTransient(err):
		code = codes.Unavailable
	}
	if code == codes.Internal {
		s.logger.Error("request failed", zap.String("op", op), zap.Error(err))
	}
	return withSendDetails(grpcstatus.Newf(code, "%s: %v", op, err), err).Err()
}
