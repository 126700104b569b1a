package remote

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/matheus3301/mktinbox/internal/credential"
	"github.com/matheus3301/mktinbox/internal/store"
)

func newTestClient(t *testing.T, r http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	c, err := New(srv.URL+"/api", credential.Static("tok"))
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func requireBearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			http.Error(w, "bad token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func TestListConversations(t *testing.T) {
	r := chi.NewRouter()
	r.Use(requireBearer)
	r.Get("/api/conversations", func(w http.ResponseWriter, _ *http.Request) {
		io.WriteString(w, `[
			{"conversationId":"c1","subject":"Toyota Corolla","participantName":"Ana",
			 "lastMessageText":"still available?","lastMessageDate":"2026-03-01T10:00:00Z","unreadCount":2},
			{"conversationId":"","subject":"broken"},
			{"conversationId":"c2","subject":"Bike","unreadCount":-3}
		]`)
	})
	c := newTestClient(t, r)

	page, err := c.ListConversations(context.Background())
	if err != nil {
		t.Fatalf("ListConversations: %v", err)
	}
	if !page.Complete {
		t.Error("bare array should be complete")
	}
	if len(page.Items) != 2 {
		t.Fatalf("got %d conversations, want 2", len(page.Items))
	}
	c1 := page.Items[0]
	if c1.ID != "c1" || c1.ParticipantName != "Ana" || c1.UnreadCount != 2 {
		t.Errorf("c1 = %+v", c1)
	}
	if want := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC); !c1.LastMessageDate.Equal(want) {
		t.Errorf("lastMessageDate = %v, want %v", c1.LastMessageDate, want)
	}
	if page.Items[1].UnreadCount != 0 {
		t.Errorf("negative unread not clamped: %d", page.Items[1].UnreadCount)
	}
}

func TestListConversationsPaged(t *testing.T) {
	r := chi.NewRouter()
	r.Get("/api/conversations", func(w http.ResponseWriter, _ *http.Request) {
		io.WriteString(w, `{"items":[{"conversationId":"c1"}],"hasMore":true}`)
	})
	c := newTestClient(t, r)

	page, err := c.ListConversations(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if page.Complete {
		t.Error("hasMore page reported complete")
	}
	if len(page.Items) != 1 {
		t.Errorf("got %d items", len(page.Items))
	}
}

func TestListMessages(t *testing.T) {
	r := chi.NewRouter()
	r.Get("/api/conversations/{id}/messages", func(w http.ResponseWriter, r *http.Request) {
		if chi.URLParam(r, "id") != "c1" {
			http.NotFound(w, r)
			return
		}
		io.WriteString(w, `[
			{"messageId":"m1","senderId":"ana","text":"hi","sentAt":"2026-03-01T10:00:00Z","isRead":true},
			{"messageId":"m2","senderId":"ana","text":"there","sentAt":"2026-03-01T10:01:00Z"},
			{"messageId":"m3","senderId":"me","text":"yo","sentAt":"2026-03-01T10:02:00Z","status":"sent"}
		]`)
	})
	c := newTestClient(t, r)

	msgs, err := c.ListMessages(context.Background(), "c1")
	if err != nil {
		t.Fatal(err)
	}
	want := []store.DeliveryState{store.Read, store.Delivered, store.Sent}
	if len(msgs) != len(want) {
		t.Fatalf("got %d messages", len(msgs))
	}
	for i, m := range msgs {
		if m.State != want[i] {
			t.Errorf("msgs[%d].State = %s, want %s", i, m.State, want[i])
		}
		if m.ConversationID != "c1" {
			t.Errorf("msgs[%d].ConversationID = %q", i, m.ConversationID)
		}
	}

	if _, err := c.ListMessages(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown conversation error = %v, want ErrNotFound", err)
	}
}

func TestSendMessage(t *testing.T) {
	r := chi.NewRouter()
	r.Post("/api/conversations/{id}/messages", func(w http.ResponseWriter, r *http.Request) {
		var req sendRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(messageDTO{
			MessageID: "m9",
			SenderID:  "me",
			Text:      req.Text,
			SentAt:    time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		})
	})
	c := newTestClient(t, r)

	m, err := c.SendMessage(context.Background(), "c1", "hello")
	if err != nil {
		t.Fatal(err)
	}
	if m.ID != "m9" || m.Text != "hello" || m.ConversationID != "c1" {
		t.Errorf("sent = %+v", m)
	}
	if !m.State.Confirmed() {
		t.Errorf("state = %s, want confirmed", m.State)
	}
}

func TestUnreadCountShapes(t *testing.T) {
	for _, body := range []string{`7`, `{"count":7}`, `{"unreadCount":7}`} {
		t.Run(body, func(t *testing.T) {
			r := chi.NewRouter()
			r.Get("/api/conversations/unread-count", func(w http.ResponseWriter, _ *http.Request) {
				io.WriteString(w, body)
			})
			c := newTestClient(t, r)
			n, err := c.UnreadCount(context.Background())
			if err != nil {
				t.Fatal(err)
			}
			if n != 7 {
				t.Errorf("UnreadCount() = %d, want 7", n)
			}
		})
	}
}

func TestMarkReadAndCreate(t *testing.T) {
	var readHits int
	r := chi.NewRouter()
	r.Post("/api/conversations/{id}/read", func(w http.ResponseWriter, _ *http.Request) {
		readHits++
		w.WriteHeader(http.StatusNoContent)
	})
	r.Post("/api/conversations", func(w http.ResponseWriter, r *http.Request) {
		var req CreateConversationRequest
		json.NewDecoder(r.Body).Decode(&req)
		json.NewEncoder(w).Encode(conversationDTO{ConversationID: "c-" + req.ListingID, Subject: "listing"})
	})
	c := newTestClient(t, r)

	if err := c.MarkRead(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}
	if readHits != 1 {
		t.Errorf("read endpoint hit %d times", readHits)
	}
	conv, err := c.CreateConversation(context.Background(), CreateConversationRequest{ListingID: "l1", Text: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	if conv.ID != "c-l1" {
		t.Errorf("created id = %q", conv.ID)
	}
}

func TestErrors(t *testing.T) {
	r := chi.NewRouter()
	r.Use(requireBearer)
	r.Get("/api/conversations", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	})
	srv := httptest.NewServer(r)
	defer srv.Close()

	bad, _ := New(srv.URL+"/api", credential.Static("wrong"))
	_, err := bad.ListConversations(context.Background())
	if !errors.Is(err, ErrUnauthorized) {
		t.Errorf("wrong token error = %v, want ErrUnauthorized", err)
	}
	if IsTransient(err) {
		t.Error("401 classified as transient")
	}

	good, _ := New(srv.URL+"/api", credential.Static("tok"))
	_, err = good.ListConversations(context.Background())
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusBadGateway {
		t.Fatalf("error = %v, want 502 StatusError", err)
	}
	if !strings.Contains(se.Body, "boom") {
		t.Errorf("body = %q", se.Body)
	}
	if !IsTransient(err) {
		t.Error("502 should be transient")
	}

	noTok, _ := New(srv.URL+"/api", credential.Static(""))
	if _, err := noTok.ListConversations(context.Background()); !errors.Is(err, credential.ErrMissing) {
		t.Errorf("missing token error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = good.ListConversations(ctx)
	if err == nil || IsTransient(err) {
		t.Errorf("canceled call: err = %v, transient = %v", err, IsTransient(err))
	}
}

func TestNewRejectsBadURL(t *testing.T) {
	if _, err := New("ftp://x", credential.Static("t")); err == nil {
		t.Error("expected error for ftp scheme")
	}
}

func TestPushURL(t *testing.T) {
	got, err := PushURL("wss://market.example/ws/", "c 1", "a&b")
	if err != nil {
		t.Fatal(err)
	}
	want := "wss://market.example/ws/conversations/c%201?token=a%26b"
	if got != want {
		t.Errorf("PushURL() = %q, want %q", got, want)
	}
	if _, err := PushURL("http://x", "c1", "t"); err == nil {
		t.Error("expected error for http scheme")
	}
}

func TestResponseSizeLimit(t *testing.T) {
	r := chi.NewRouter()
	r.Get("/api/conversations/{id}/messages", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `[{"messageId":"m1","text":"`+strings.Repeat("x", 4096)+`"}]`)
	})
	srv := httptest.NewServer(r)
	defer srv.Close()

	small, _ := New(srv.URL+"/api", credential.Static("tok"), WithMaxResponseBytes(1024))
	_, err := small.ListMessages(context.Background(), "c1")
	if !errors.Is(err, ErrResponseTooLarge) {
		t.Fatalf("error = %v, want ErrResponseTooLarge", err)
	}
	if IsTransient(err) {
		t.Error("oversized response classified as transient")
	}

	roomy, _ := New(srv.URL+"/api", credential.Static("tok"))
	msgs, err := roomy.ListMessages(context.Background(), "c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Errorf("got %d messages, want 1", len(msgs))
	}
}
