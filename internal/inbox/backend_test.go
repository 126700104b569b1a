package inbox

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	stdsync "sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/matheus3301/mktinbox/internal/bus"
	"github.com/matheus3301/mktinbox/internal/credential"
	"github.com/matheus3301/mktinbox/internal/live"
	"github.com/matheus3301/mktinbox/internal/outbox"
	"github.com/matheus3301/mktinbox/internal/readstate"
	"github.com/matheus3301/mktinbox/internal/remote"
	"github.com/matheus3301/mktinbox/internal/store"
	intsync "github.com/matheus3301/mktinbox/internal/sync"
)

type wireConversation struct {
	ConversationID  string    `json:"conversationId"`
	Subject         string    `json:"subject"`
	ParticipantName string    `json:"participantName"`
	LastMessageText string    `json:"lastMessageText"`
	LastMessageDate time.Time `json:"lastMessageDate"`
	UnreadCount     int       `json:"unreadCount"`
}

type wireMessage struct {
	MessageID string    `json:"messageId"`
	SenderID  string    `json:"senderId"`
	Text      string    `json:"text"`
	SentAt    time.Time `json:"sentAt"`
	IsRead    bool      `json:"isRead"`
}

// fakeBackend is an in-memory marketplace API with a push endpoint.
type fakeBackend struct {
	t   *testing.T
	srv *httptest.Server

	mu        stdsync.Mutex
	token     string
	convs     []wireConversation
	msgs      map[string][]wireMessage
	readAcks  map[string]int
	sendGate  chan struct{}
	nextID    int
	pushConns map[string]*websocket.Conn
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	fb := &fakeBackend{
		t:         t,
		token:     "tok",
		msgs:      make(map[string][]wireMessage),
		readAcks:  make(map[string]int),
		pushConns: make(map[string]*websocket.Conn),
		nextID:    100,
	}

	r := chi.NewRouter()
	r.Route("/api", func(r chi.Router) {
		r.Use(fb.auth)
		r.Get("/conversations", fb.listConversations)
		r.Post("/conversations", fb.createConversation)
		r.Get("/conversations/unread-count", fb.unreadCount)
		r.Get("/conversations/{id}", fb.getConversation)
		r.Get("/conversations/{id}/messages", fb.listMessages)
		r.Post("/conversations/{id}/messages", fb.sendMessage)
		r.Post("/conversations/{id}/read", fb.markRead)
	})
	r.Get("/ws/conversations/{id}", fb.push)

	fb.srv = httptest.NewServer(r)
	t.Cleanup(func() {
		fb.mu.Lock()
		for _, c := range fb.pushConns {
			_ = c.Close()
		}
		fb.mu.Unlock()
		fb.srv.Close()
	})
	return fb
}

func (fb *fakeBackend) apiURL() string { return fb.srv.URL + "/api" }
func (fb *fakeBackend) wsURL() string  { return "ws" + strings.TrimPrefix(fb.srv.URL, "http") + "/ws" }

func (fb *fakeBackend) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fb.mu.Lock()
		want := "Bearer " + fb.token
		fb.mu.Unlock()
		if r.Header.Get("Authorization") != want {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (fb *fakeBackend) listConversations(w http.ResponseWriter, _ *http.Request) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	writeJSON(w, fb.convs)
}

func (fb *fakeBackend) unreadCount(w http.ResponseWriter, _ *http.Request) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	n := 0
	for _, c := range fb.convs {
		n += c.UnreadCount
	}
	writeJSON(w, map[string]int{"count": n})
}

func (fb *fakeBackend) getConversation(w http.ResponseWriter, r *http.Request) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	id := chi.URLParam(r, "id")
	for _, c := range fb.convs {
		if c.ConversationID == id {
			writeJSON(w, c)
			return
		}
	}
	http.NotFound(w, r)
}

func (fb *fakeBackend) known(id string) bool {
	for _, c := range fb.convs {
		if c.ConversationID == id {
			return true
		}
	}
	return false
}

func (fb *fakeBackend) listMessages(w http.ResponseWriter, r *http.Request) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	id := chi.URLParam(r, "id")
	if !fb.known(id) {
		http.NotFound(w, r)
		return
	}
	msgs := fb.msgs[id]
	if msgs == nil {
		msgs = []wireMessage{}
	}
	writeJSON(w, msgs)
}

func (fb *fakeBackend) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	fb.mu.Lock()
	gate := fb.sendGate
	fb.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-r.Context().Done():
			return
		}
	}

	fb.mu.Lock()
	defer fb.mu.Unlock()
	id := chi.URLParam(r, "id")
	fb.nextID++
	m := wireMessage{MessageID: fmt.Sprintf("m%d", fb.nextID), SenderID: "me", Text: req.Text, SentAt: time.Now().UTC()}
	fb.msgs[id] = append(fb.msgs[id], m)
	for i := range fb.convs {
		if fb.convs[i].ConversationID == id {
			fb.convs[i].LastMessageText = m.Text
			fb.convs[i].LastMessageDate = m.SentAt
		}
	}
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, m)
}

func (fb *fakeBackend) markRead(w http.ResponseWriter, r *http.Request) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	id := chi.URLParam(r, "id")
	fb.readAcks[id]++
	for i := range fb.convs {
		if fb.convs[i].ConversationID == id {
			fb.convs[i].UnreadCount = 0
		}
	}
	for i := range fb.msgs[id] {
		fb.msgs[id][i].IsRead = true
	}
	w.WriteHeader(http.StatusNoContent)
}

func (fb *fakeBackend) createConversation(w http.ResponseWriter, r *http.Request) {
	var req remote.CreateConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	fb.mu.Lock()
	defer fb.mu.Unlock()
	c := wireConversation{ConversationID: "c-" + req.ListingID, Subject: "Listing " + req.ListingID, LastMessageText: req.Text, LastMessageDate: time.Now().UTC()}
	fb.convs = append(fb.convs, c)
	writeJSON(w, c)
}

var upgrader = websocket.Upgrader{}

func (fb *fakeBackend) push(w http.ResponseWriter, r *http.Request) {
	fb.mu.Lock()
	ok := r.URL.Query().Get("token") == fb.token
	fb.mu.Unlock()
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	fb.mu.Lock()
	fb.pushConns[chi.URLParam(r, "id")] = conn
	fb.mu.Unlock()
}

// pushFrame sends a raw frame on the conversation's push connection.
func (fb *fakeBackend) pushFrame(id, frame string) {
	fb.t.Helper()
	fb.mu.Lock()
	conn := fb.pushConns[id]
	fb.mu.Unlock()
	if conn == nil {
		fb.t.Fatalf("no push connection for %s", id)
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		fb.t.Fatalf("push frame: %v", err)
	}
}

func (fb *fakeBackend) hasPushConn(id string) bool {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return fb.pushConns[id] != nil
}

func (fb *fakeBackend) update(fn func(fb *fakeBackend)) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	fn(fb)
}

// newTestInbox assembles the full core against fb with short intervals.
func newTestInbox(t *testing.T, fb *fakeBackend) (*Inbox, *bus.Bus) {
	t.Helper()
	return newTestInboxPolling(t, fb, time.Hour)
}

// newTestInboxPolling is newTestInbox with a custom list poll interval.
func newTestInboxPolling(t *testing.T, fb *fakeBackend, listInterval time.Duration) (*Inbox, *bus.Bus) {
	t.Helper()
	tokens := credential.Static("tok")
	client, err := remote.New(fb.apiURL(), tokens)
	if err != nil {
		t.Fatal(err)
	}
	b := bus.New()
	s := store.New(store.Options{SelfID: "me", Bus: b})
	engine := intsync.NewEngine(client, s, b, nil, intsync.Options{
		ListInterval:   listInterval,
		ThreadInterval: time.Hour,
		Timeout:        2 * time.Second,
	})
	lm := live.NewManager(b, nil, live.Options{
		WSBase:         fb.wsURL(),
		Tokens:         tokens,
		InitialBackoff: 5 * time.Millisecond,
		MaxBackoff:     20 * time.Millisecond,
		MaxRetries:     2,
	})
	ob := outbox.NewCoordinator(s, client, engine, b, nil, outbox.Options{MaxLength: 1000, Timeout: 2 * time.Second})
	rt := readstate.NewTracker(s, client, engine, b, nil, readstate.Options{Retries: 1, RetryDelay: 10 * time.Millisecond})

	in := New(Deps{
		Store:    s,
		Engine:   engine,
		Live:     lm,
		Outbox:   ob,
		Reads:    rt,
		Creator:  client,
		Bus:      b,
		Location: time.UTC,
	})
	t.Cleanup(in.Stop)
	return in, b
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}
