package sync

import (
	"context"
	"errors"
	stdsync "sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/matheus3301/mktinbox/internal/bus"
	"github.com/matheus3301/mktinbox/internal/remote"
	"github.com/matheus3301/mktinbox/internal/store"
)

var t0 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

// fakeAPI is a scripted Fetcher. A non-nil gate blocks ListMessages until closed.
type fakeAPI struct {
	mu       stdsync.Mutex
	convs    remote.ConversationPage
	msgs     map[string][]store.Message
	unread   int
	listErr  error
	msgErr   error
	gate     chan struct{}
	listHits atomic.Int32
	msgHits  atomic.Int32
}

func (f *fakeAPI) ListConversations(ctx context.Context) (remote.ConversationPage, error) {
	f.listHits.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return remote.ConversationPage{}, f.listErr
	}
	return f.convs, nil
}

func (f *fakeAPI) GetConversation(ctx context.Context, id string) (store.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.convs.Items {
		if c.ID == id {
			return c, nil
		}
	}
	return store.Conversation{}, remote.ErrNotFound
}

func (f *fakeAPI) ListMessages(ctx context.Context, id string) ([]store.Message, error) {
	f.msgHits.Add(1)
	f.mu.Lock()
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.msgErr != nil {
		return nil, f.msgErr
	}
	return append([]store.Message(nil), f.msgs[id]...), nil
}

func (f *fakeAPI) UnreadCount(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unread, nil
}

func (f *fakeAPI) set(fn func(f *fakeAPI)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func newFixture(t *testing.T) (*Engine, *fakeAPI, *store.Store, *bus.Bus) {
	t.Helper()
	api := &fakeAPI{
		convs: remote.ConversationPage{
			Items:    []store.Conversation{{ID: "c1", Subject: "Bike", LastMessageDate: t0, UnreadCount: 1}},
			Complete: true,
		},
		msgs: map[string][]store.Message{
			"c1": {
				{ID: "m41", ConversationID: "c1", SenderID: "ana", Text: "hi", SentAt: t0.Add(-time.Minute), State: store.Read},
				{ID: "m42", ConversationID: "c1", SenderID: "ana", Text: "still there?", SentAt: t0, State: store.Delivered},
			},
		},
		unread: 1,
	}
	b := bus.New()
	s := store.New(store.Options{SelfID: "me", Bus: b})
	e := NewEngine(api, s, b, nil, Options{ListInterval: time.Hour, ThreadInterval: time.Hour})
	t.Cleanup(e.Stop)
	return e, api, s, b
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

func TestRefreshConversations(t *testing.T) {
	e, _, s, b := newFixture(t)
	ch, unsub := b.Subscribe("sync.", 10)
	defer unsub()

	if err := e.RefreshConversations(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, ok := s.Conversation("c1"); !ok {
		t.Fatal("c1 not merged")
	}

	select {
	case evt := <-ch:
		if evt.Kind != bus.KindSyncCompleted {
			t.Errorf("event kind = %q, want %s", evt.Kind, bus.KindSyncCompleted)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for sync.completed")
	}
}

func TestFailedPollKeepsData(t *testing.T) {
	e, api, s, _ := newFixture(t)
	if err := e.RefreshConversations(context.Background()); err != nil {
		t.Fatal(err)
	}

	api.set(func(f *fakeAPI) { f.listErr = &remote.StatusError{Code: 503} })
	if err := e.RefreshConversations(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if got := s.Conversations(); len(got) != 1 {
		t.Errorf("conversations after failed poll = %d, want 1 (stale beats empty)", len(got))
	}
}

func TestUnauthorizedIsPublished(t *testing.T) {
	e, api, _, b := newFixture(t)
	ch, unsub := b.Subscribe("session.", 10)
	defer unsub()

	api.set(func(f *fakeAPI) { f.listErr = &remote.StatusError{Code: 401} })
	_ = e.RefreshConversations(context.Background())

	select {
	case evt := <-ch:
		if evt.Kind != bus.KindUnauthorized {
			t.Errorf("event kind = %q", evt.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("no session.unauthorized event")
	}
}

func TestRefreshThreadDiscardedWhenClosed(t *testing.T) {
	e, _, s, _ := newFixture(t)

	if err := e.RefreshThread(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}
	if got := s.Thread("c1"); len(got) != 0 {
		t.Errorf("closed conversation got %d messages, want 0", len(got))
	}

	if err := e.LoadThread(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}
	if got := s.Thread("c1"); len(got) != 2 {
		t.Errorf("LoadThread merged %d messages, want 2", len(got))
	}
}

func TestLateResultAfterCloseIsDropped(t *testing.T) {
	e, api, s, _ := newFixture(t)
	gate := make(chan struct{})
	api.set(func(f *fakeAPI) { f.gate = gate })

	e.Open("c1")
	waitFor(t, "thread fetch to start", func() bool { return api.msgHits.Load() == 1 })

	done := make(chan error, 1)
	go func() { done <- e.RefreshThread(context.Background(), "c1") }()
	e.Close("c1")
	close(gate)

	if err := <-done; err != nil {
		t.Fatalf("RefreshThread: %v", err)
	}
	if got := s.Thread("c1"); len(got) != 0 {
		t.Errorf("late result applied after close: %d messages", len(got))
	}
}

func TestOverlappingFetchesCoalesce(t *testing.T) {
	e, api, _, _ := newFixture(t)
	gate := make(chan struct{})
	api.set(func(f *fakeAPI) { f.gate = gate })

	var wg stdsync.WaitGroup
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = e.LoadThread(context.Background(), "c1")
		}()
	}
	waitFor(t, "first fetch", func() bool { return api.msgHits.Load() >= 1 })
	time.Sleep(20 * time.Millisecond)
	close(gate)
	wg.Wait()

	if n := api.msgHits.Load(); n != 1 {
		t.Errorf("ListMessages called %d times, want 1 (coalesced)", n)
	}
}

func TestOpenIsReferenceCounted(t *testing.T) {
	e, _, _, _ := newFixture(t)

	e.Open("c1")
	e.Open("c1")
	e.Close("c1")
	if !e.IsOpen("c1") {
		t.Fatal("closed after one of two Close calls")
	}
	e.Close("c1")
	if e.IsOpen("c1") {
		t.Fatal("still open after matching Close")
	}
	e.Close("c1")
}

// TestLiveEventRefetchesThread covers a push wake-up: the thread is refetched
// and a message already present from an earlier poll appears exactly once.
func TestLiveEventRefetchesThread(t *testing.T) {
	e, api, s, b := newFixture(t)
	e.Open("c1")
	waitFor(t, "initial thread poll", func() bool { return len(s.Thread("c1")) == 2 })

	e.Start(context.Background())
	waitFor(t, "initial list poll", func() bool { return api.listHits.Load() >= 1 })
	listBefore := api.listHits.Load()

	api.set(func(f *fakeAPI) {
		f.msgs["c1"] = append(f.msgs["c1"], store.Message{
			ID: "m43", ConversationID: "c1", SenderID: "ana", Text: "hello?", SentAt: t0.Add(time.Minute), State: store.Delivered,
		})
	})
	b.Publish(bus.NewEvent(bus.KindLiveEvent, "c1", nil))

	waitFor(t, "push refetch", func() bool { return len(s.Thread("c1")) == 3 })
	waitFor(t, "list refetch", func() bool { return api.listHits.Load() > listBefore })

	count := 0
	for _, m := range s.Thread("c1") {
		if m.ID == "m42" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("m42 appears %d times, want exactly 1", count)
	}
}

func TestUnreadTotalRefreshedWithList(t *testing.T) {
	e, api, s, _ := newFixture(t)
	api.set(func(f *fakeAPI) {
		f.convs.Complete = false
		f.unread = 9
	})

	e.Start(context.Background())
	waitFor(t, "unread total", func() bool { return s.UnreadTotal() == 9 })
}

type recordingCache struct {
	mu       stdsync.Mutex
	convs    int
	pruned   []string
	msgs     int
	synced   []string
	failSave bool
}

func (r *recordingCache) SaveConversations(list []store.Conversation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failSave {
		return errors.New("disk full")
	}
	r.convs += len(list)
	return nil
}

func (r *recordingCache) PruneConversations(keep []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruned = keep
	return nil
}

func (r *recordingCache) SaveMessages(_ string, msgs []store.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs += len(msgs)
	return nil
}

func (r *recordingCache) MarkSynced(key string, _ time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.synced = append(r.synced, key)
	return nil
}

func TestFetchesAreSnapshotted(t *testing.T) {
	_, api, _, b := newFixture(t)
	rc := &recordingCache{}
	s := store.New(store.Options{SelfID: "me", Bus: b})
	e := NewEngine(api, s, b, nil, Options{Cache: rc})
	defer e.Stop()

	if err := e.RefreshConversations(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := e.LoadThread(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}

	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.convs != 1 || rc.msgs != 2 {
		t.Errorf("cached convs=%d msgs=%d, want 1 and 2", rc.convs, rc.msgs)
	}
	if len(rc.pruned) != 1 || rc.pruned[0] != "c1" {
		t.Errorf("pruned keep list = %v, want [c1]", rc.pruned)
	}
	if len(rc.synced) != 2 {
		t.Errorf("checkpoints = %v, want list and thread", rc.synced)
	}
}

func TestCacheFailureIsNotFatal(t *testing.T) {
	_, api, _, b := newFixture(t)
	s := store.New(store.Options{SelfID: "me", Bus: b})
	e := NewEngine(api, s, b, nil, Options{Cache: &recordingCache{failSave: true}})
	defer e.Stop()

	if err := e.RefreshConversations(context.Background()); err != nil {
		t.Fatalf("cache failure surfaced: %v", err)
	}
	if _, ok := s.Conversation("c1"); !ok {
		t.Error("store not updated")
	}
}

func TestStopEndsLoops(t *testing.T) {
	e, _, _, _ := newFixture(t)
	e.Start(context.Background())
	e.Open("c1")
	e.Stop()

	e.RequestConversations()
	e.Open("c2")
	if e.IsOpen("c2") {
		t.Error("Open after Stop started a poll")
	}
}

func TestPauseDiscardsInFlightFetch(t *testing.T) {
	e, api, s, _ := newFixture(t)
	gate := make(chan struct{})
	api.set(func(f *fakeAPI) { f.gate = gate })

	errc := make(chan error, 1)
	go func() { errc <- e.LoadThread(context.Background(), "c1") }()
	waitFor(t, "thread fetch in flight", func() bool { return api.msgHits.Load() == 1 })

	e.Pause()
	close(gate)
	if err := <-errc; !errors.Is(err, ErrPaused) {
		t.Fatalf("LoadThread() error = %v, want ErrPaused", err)
	}
	if msgs := s.Thread("c1"); len(msgs) != 0 {
		t.Errorf("fetch started before pause merged %d messages", len(msgs))
	}
}

func TestPauseStopsPollingUntilResume(t *testing.T) {
	e, api, s, _ := newFixture(t)
	e.Pause()

	if err := e.RefreshConversations(context.Background()); !errors.Is(err, ErrPaused) {
		t.Fatalf("RefreshConversations() error = %v, want ErrPaused", err)
	}
	e.RequestConversations()
	time.Sleep(30 * time.Millisecond)
	if n := api.listHits.Load(); n != 0 {
		t.Fatalf("list fetched %d times while paused", n)
	}
	if s.Has("c1") {
		t.Fatal("store populated while paused")
	}

	e.Resume()
	if e.Paused() {
		t.Fatal("still paused after Resume")
	}
	waitFor(t, "list after resume", func() bool { return s.Has("c1") })
}
