package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	stdsync "sync"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/matheus3301/mktinbox/internal/bus"
	"github.com/matheus3301/mktinbox/internal/outbox"
	"github.com/matheus3301/mktinbox/internal/remote"
	"github.com/matheus3301/mktinbox/internal/status"
	"github.com/matheus3301/mktinbox/internal/store"
	"github.com/matheus3301/mktinbox/internal/view"
)

type fakeCore struct {
	mu        stdsync.Mutex
	convs     []store.Conversation
	thread    []store.Message
	opened    map[string]int
	sendErr   error
	loggedOut bool
	bus       *bus.Bus
}

func newFakeCore() *fakeCore {
	at := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	return &fakeCore{
		convs: []store.Conversation{
			{ID: "C1", Subject: "Toyota Corolla", ParticipantName: "Ana", LastMessageDate: at, UnreadCount: 2},
			{ID: "C2", Subject: "Bike", ParticipantName: "Bruno", LastMessageDate: at.Add(-time.Hour)},
		},
		thread: []store.Message{
			{ID: "m1", ConversationID: "C1", SenderID: "ana", Text: "hi", SentAt: at, State: store.Delivered},
			{ID: "m2", TempID: "tmp-1", ConversationID: "C1", SenderID: "me", Text: "hello", SentAt: at.Add(time.Minute), State: store.Sent},
		},
		opened: make(map[string]int),
		bus:    bus.New(),
	}
}

func (f *fakeCore) SelfID() string     { return "me" }
func (f *fakeCore) Unauthorized() bool { return false }

func (f *fakeCore) ListConversations(q view.Query) []store.Conversation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return view.Apply(f.convs, q, time.Now(), time.UTC)
}

func (f *fakeCore) Conversation(id string) (store.Conversation, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.convs {
		if c.ID == id {
			return c, true
		}
	}
	return store.Conversation{}, false
}

func (f *fakeCore) GetThread(_ context.Context, id string) ([]store.Message, error) {
	if id != "C1" {
		return nil, fmt.Errorf("load thread %s: %w", id, remote.ErrNotFound)
	}
	return f.thread, nil
}

func (f *fakeCore) Send(_ context.Context, id, text string) (store.Message, error) {
	if f.sendErr != nil {
		return store.Message{}, f.sendErr
	}
	return store.Message{ID: "m3", TempID: "tmp-2", ConversationID: id, SenderID: "me", Text: text, State: store.Sent}, nil
}

func (f *fakeCore) Retry(_ context.Context, h store.Handle) (store.Message, error) {
	if h.TempID != "tmp-9" {
		return store.Message{}, store.ErrUnknownHandle
	}
	return store.Message{ID: "m9", TempID: h.TempID, ConversationID: h.ConversationID, State: store.Sent}, nil
}

func (f *fakeCore) MarkRead(id string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.convs {
		if f.convs[i].ID == id {
			f.convs[i].UnreadCount = 0
			return 0, nil
		}
	}
	return 0, store.ErrUnknownConversation
}

func (f *fakeCore) UnreadTotal() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.convs {
		n += c.UnreadCount
	}
	return n
}

func (f *fakeCore) OpenConversation(_ context.Context, id string) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened[id]++
	return func() {}, nil
}

func (f *fakeCore) CloseConversation(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.opened[id]--; f.opened[id] <= 0 {
		delete(f.opened, id)
	}
}

func (f *fakeCore) OpenConversations() map[string]status.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]status.State)
	for id := range f.opened {
		out[id] = status.Connecting
	}
	return out
}

func (f *fakeCore) StartConversation(_ context.Context, req remote.CreateConversationRequest) (store.Conversation, error) {
	return store.Conversation{ID: "c-" + req.ListingID, Subject: "new"}, nil
}

func (f *fakeCore) Refresh(context.Context, string) error { return nil }

func (f *fakeCore) Watch(conversationID string, buf int) (<-chan bus.Event, func()) {
	return f.bus.SubscribeFilter(bus.Filter{Prefix: bus.KindStoreChanged, ConversationID: conversationID}, buf)
}

func (f *fakeCore) Logout() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loggedOut = true
	f.convs = nil
	return nil
}

func dialService(t *testing.T, core Core) *InboxClient {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	RegisterInboxServer(srv, NewInboxService(core, "test", nil))
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return NewInboxClient(conn)
}

func TestListConversations(t *testing.T) {
	c := dialService(t, newFakeCore())
	ctx := context.Background()

	resp, err := c.ListConversations(ctx, &ListConversationsRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Conversations) != 2 || resp.Conversations[0].ID != "C1" {
		t.Fatalf("unexpected list: %+v", resp.Conversations)
	}
	if resp.UnreadTotal != 2 {
		t.Errorf("unread total = %d, want 2", resp.UnreadTotal)
	}
	if got := Time(resp.Conversations[0].LastMessageAtUnixMs); !got.Equal(time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)) {
		t.Errorf("last message time = %v", got)
	}

	resp, err = c.ListConversations(ctx, &ListConversationsRequest{Sort: "name", Query: "b"})
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Conversations) != 1 || resp.Conversations[0].ID != "C2" {
		t.Fatalf("filtered list: %+v", resp.Conversations)
	}

	_, err = c.ListConversations(ctx, &ListConversationsRequest{Sort: "bogus"})
	if grpcstatus.Code(err) != codes.InvalidArgument {
		t.Fatalf("bad sort: got %v", err)
	}
}

func TestGetThread(t *testing.T) {
	c := dialService(t, newFakeCore())
	ctx := context.Background()

	resp, err := c.GetThread(ctx, &GetThreadRequest{ConversationID: "C1"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Conversation.ID != "C1" || len(resp.Messages) != 2 {
		t.Fatalf("unexpected thread: %+v", resp)
	}
	if resp.Messages[0].FromMe || !resp.Messages[1].FromMe {
		t.Error("from_me not derived from self id")
	}
	if resp.Messages[1].TempID != "tmp-1" || resp.Messages[1].State != "sent" {
		t.Errorf("message fields lost: %+v", resp.Messages[1])
	}
	back := resp.Messages[1].ToStore()
	if back.ID != "m2" || back.State != store.Sent || back.SentAt.IsZero() {
		t.Errorf("ToStore = %+v", back)
	}

	_, err = c.GetThread(ctx, &GetThreadRequest{ConversationID: "nope"})
	if grpcstatus.Code(err) != codes.NotFound {
		t.Fatalf("unknown thread: got %v", err)
	}
	_, err = c.GetThread(ctx, &GetThreadRequest{})
	if grpcstatus.Code(err) != codes.InvalidArgument {
		t.Fatalf("missing id: got %v", err)
	}
}

func TestSendMessageErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want codes.Code
	}{
		{"empty", outbox.ErrEmptyMessage, codes.InvalidArgument},
		{"too long", fmt.Errorf("send: %w", outbox.ErrMessageTooLong), codes.InvalidArgument},
		{"unknown conversation", outbox.ErrUnknownConversation, codes.NotFound},
		{"unauthorized", &remote.StatusError{Code: 401}, codes.Unauthenticated},
		{"server down", &remote.StatusError{Code: 503}, codes.Unavailable},
		{"timeout", context.DeadlineExceeded, codes.DeadlineExceeded},
		{"other", errors.New("boom"), codes.Internal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			core := newFakeCore()
			core.sendErr = tt.err
			c := dialService(t, core)
			_, err := c.SendMessage(context.Background(), &SendMessageRequest{ConversationID: "C1", Text: "x"})
			if got := grpcstatus.Code(err); got != tt.want {
				t.Errorf("code = %v, want %v (err %v)", got, tt.want, err)
			}
		})
	}
}

func TestSendFailureCarriesHandle(t *testing.T) {
	core := newFakeCore()
	h := store.Handle{ConversationID: "C1", TempID: "tmp-7"}
	core.sendErr = &outbox.SendError{Handle: h, Err: &remote.StatusError{Code: 503}}
	c := dialService(t, core)

	_, err := c.SendMessage(context.Background(), &SendMessageRequest{ConversationID: "C1", Text: "x"})
	if got := grpcstatus.Code(err); got != codes.Unavailable {
		t.Errorf("code = %v, want Unavailable", got)
	}
	got, ok := FailedSend(err)
	if !ok || got != h {
		t.Fatalf("FailedSend() = %+v, %v, want %+v", got, ok, h)
	}
	if !strings.Contains(grpcstatus.Convert(err).Message(), "tmp-7") {
		t.Errorf("status message %q does not name the temp id", grpcstatus.Convert(err).Message())
	}

	core.sendErr = outbox.ErrEmptyMessage
	_, err = c.SendMessage(context.Background(), &SendMessageRequest{ConversationID: "C1", Text: ""})
	if _, ok := FailedSend(err); ok {
		t.Error("validation error should not carry a handle")
	}
}

func TestSendAndRetry(t *testing.T) {
	c := dialService(t, newFakeCore())
	ctx := context.Background()

	resp, err := c.SendMessage(ctx, &SendMessageRequest{ConversationID: "C1", Text: "hello"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Message.ID != "m3" || resp.Message.Text != "hello" || !resp.Message.FromMe {
		t.Fatalf("unexpected message: %+v", resp.Message)
	}

	if _, err := c.RetryMessage(ctx, &RetryMessageRequest{ConversationID: "C1", TempID: "tmp-9"}); err != nil {
		t.Fatal(err)
	}
	_, err = c.RetryMessage(ctx, &RetryMessageRequest{ConversationID: "C1", TempID: "tmp-0"})
	if grpcstatus.Code(err) != codes.NotFound {
		t.Fatalf("unknown handle: got %v", err)
	}
}

func TestMarkReadAndStatus(t *testing.T) {
	core := newFakeCore()
	c := dialService(t, core)
	ctx := context.Background()

	mr, err := c.MarkRead(ctx, &MarkReadRequest{ConversationID: "C1"})
	if err != nil {
		t.Fatal(err)
	}
	if mr.UnreadCount != 0 || mr.UnreadTotal != 0 {
		t.Fatalf("mark read = %+v", mr)
	}

	if _, err := c.OpenConversation(ctx, &OpenConversationRequest{ConversationID: "C2"}); err != nil {
		t.Fatal(err)
	}
	st, err := c.GetStatus(ctx, &GetStatusRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if st.Profile != "test" || st.Conversations != 2 {
		t.Errorf("status = %+v", st)
	}
	if st.OpenConversations["C2"] != string(status.Connecting) {
		t.Errorf("open conversations = %v", st.OpenConversations)
	}

	if _, err := c.CloseConversation(ctx, &CloseConversationRequest{ConversationID: "C2"}); err != nil {
		t.Fatal(err)
	}
	st, _ = c.GetStatus(ctx, &GetStatusRequest{})
	if len(st.OpenConversations) != 0 {
		t.Errorf("still open: %v", st.OpenConversations)
	}
}

func TestStartConversationValidation(t *testing.T) {
	c := dialService(t, newFakeCore())
	ctx := context.Background()

	_, err := c.StartConversation(ctx, &StartConversationRequest{ListingID: "L1"})
	if grpcstatus.Code(err) != codes.InvalidArgument {
		t.Fatalf("missing recipient: got %v", err)
	}
	resp, err := c.StartConversation(ctx, &StartConversationRequest{ListingID: "L1", RecipientID: "u2", Text: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Conversation.ID != "c-L1" {
		t.Errorf("id = %q", resp.Conversation.ID)
	}
}

func TestLogout(t *testing.T) {
	core := newFakeCore()
	c := dialService(t, core)

	resp, err := c.Logout(context.Background(), &LogoutRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if !resp.Success || !core.loggedOut {
		t.Fatal("logout not forwarded")
	}
}

func TestWatch(t *testing.T) {
	core := newFakeCore()
	c := dialService(t, core)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, err := c.Watch(ctx, &WatchRequest{ConversationID: "C1"})
	if err != nil {
		t.Fatal(err)
	}
	// The subscription is registered once the handler runs.
	deadline := time.Now().Add(2 * time.Second)
	for core.bus.Subscribers() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("watch never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	core.bus.Publish(bus.NewEvent(bus.KindStoreChanged, "C2", nil))
	core.bus.Publish(bus.NewEvent(bus.KindStoreChanged, "C1", nil))

	evt, err := stream.Recv()
	if err != nil {
		t.Fatal(err)
	}
	if evt.Kind != bus.KindStoreChanged || evt.ConversationID != "C1" || evt.EventID == "" {
		t.Fatalf("unexpected event: %+v", evt)
	}
}
