package registry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"rss_relay/internal/dedup"
	"rss_relay/internal/model"
	"rss_relay/internal/storage"
)

var testNow = time.Date(2024, 8, 12, 10, 0, 0, 0, time.UTC)

type fakeStore struct {
	mu      sync.Mutex
	initial map[string]*model.Feed
	loadErr error
	failN   int
	saves   int
	last    []*model.Feed
}

func (s *fakeStore) Load(_ context.Context) (map[string]*model.Feed, error) {
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	if s.initial == nil {
		return map[string]*model.Feed{}, nil
	}
	return s.initial, nil
}

func (s *fakeStore) Save(_ context.Context, feeds []*model.Feed) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failN > 0 {
		s.failN--
		return errors.New("disk full")
	}
	s.saves++
	s.last = feeds
	return nil
}

func (s *fakeStore) Close() error { return nil }

func (s *fakeStore) saveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testOptions() Options {
	return Options{
		MinInterval:  5 * time.Minute,
		MaxInterval:  time.Hour,
		SeenCap:      50,
		FlushBackoff: time.Millisecond,
		Now:          func() time.Time { return testNow },
	}
}

func newTestRegistry(t *testing.T, store storage.Store) *Registry {
	t.Helper()
	r, err := Load(context.Background(), store, testLogger(), testOptions())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return r
}

func parsedFeed(ttl time.Duration, keys ...string) *model.ParsedFeed {
	p := &model.ParsedFeed{Title: "Example", Link: "https://example.com/", TTL: ttl}
	for _, k := range keys {
		p.Items = append(p.Items, model.Item{Key: k, Title: k})
	}
	return p
}

const feedA = "https://a.example.com/rss"
const feedB = "https://b.example.com/rss"

func TestSubscribe(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{}
	r := newTestRegistry(t, store)

	got, err := r.Subscribe(ctx, feedA, 100, parsedFeed(0, "x", "y"))
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	want := &model.Feed{
		URL:         feedA,
		Title:       "Example",
		Link:        "https://example.com/",
		Seen:        []string{dedup.Hash("x"), dedup.Hash("y")},
		Subscribers: []int64{100},
		Interval:    5 * time.Minute,
		NextDue:     testNow.Add(5 * time.Minute),
		LastSuccess: &testNow,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Subscribe() mismatch (-want +got):\n%s", diff)
	}

	if _, err := r.Subscribe(ctx, feedA, 100, nil); !errors.Is(err, ErrAlreadySubscribed) {
		t.Errorf("expected ErrAlreadySubscribed, got %v", err)
	}

	// A second chat joins without a probe.
	got, err = r.Subscribe(ctx, feedA, 7, nil)
	if err != nil {
		t.Fatalf("Subscribe second chat: %v", err)
	}
	if diff := cmp.Diff([]int64{7, 100}, got.Subscribers); diff != "" {
		t.Errorf("subscribers mismatch (-want +got):\n%s", diff)
	}

	if _, err := r.Subscribe(ctx, feedB, 7, nil); !errors.Is(err, ErrNoFeed) {
		t.Errorf("expected ErrNoFeed for unknown feed without probe, got %v", err)
	}

	if diff := cmp.Diff(2, store.saveCount()); diff != "" {
		t.Errorf("save count mismatch (-want +got):\n%s", diff)
	}
}

func TestSubscribeUsesTTL(t *testing.T) {
	tests := []struct {
		name string
		ttl  time.Duration
		want time.Duration
	}{
		{name: "within bounds", ttl: 30 * time.Minute, want: 30 * time.Minute},
		{name: "below min", ttl: time.Minute, want: 5 * time.Minute},
		{name: "above max", ttl: 24 * time.Hour, want: time.Hour},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRegistry(t, &fakeStore{})
			got, err := r.Subscribe(context.Background(), feedA, 1, parsedFeed(tt.ttl, "x"))
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(tt.want, got.Interval); diff != "" {
				t.Errorf("interval mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestUnsubscribeDropsEmptyFeed(t *testing.T) {
	ctx := context.Background()
	db, err := storage.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("new sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	r := newTestRegistry(t, db)

	if _, err := r.Subscribe(ctx, feedA, 1, parsedFeed(0, "x")); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Subscribe(ctx, feedA, 2, nil); err != nil {
		t.Fatal(err)
	}

	if _, err := r.Unsubscribe(ctx, feedA, 3); !errors.Is(err, ErrNotSubscribed) {
		t.Errorf("expected ErrNotSubscribed, got %v", err)
	}
	if _, err := r.Unsubscribe(ctx, feedB, 1); !errors.Is(err, ErrNoFeed) {
		t.Errorf("expected ErrNoFeed, got %v", err)
	}

	if _, err := r.Unsubscribe(ctx, feedA, 1); err != nil {
		t.Fatal(err)
	}
	if _, ok := r.Get(feedA); !ok {
		t.Fatal("feed dropped while it still has a subscriber")
	}

	if _, err := r.Unsubscribe(ctx, feedA, 2); err != nil {
		t.Fatal(err)
	}
	if _, ok := r.Get(feedA); ok {
		t.Error("feed kept after last subscriber left")
	}

	persisted, err := db.Load(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(persisted) != 0 {
		t.Errorf("expected empty persisted registry, got %d feeds", len(persisted))
	}
}

func TestRemoveChat(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, &fakeStore{})

	for _, sub := range []struct {
		url  string
		chat int64
	}{{feedA, 1}, {feedA, 2}, {feedB, 1}} {
		if _, err := r.Subscribe(ctx, sub.url, sub.chat, parsedFeed(0, "x")); err != nil {
			t.Fatal(err)
		}
	}

	n, err := r.RemoveChat(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(2, n); diff != "" {
		t.Errorf("removed count mismatch (-want +got):\n%s", diff)
	}
	if _, ok := r.Get(feedB); ok {
		t.Error("feed b should be dropped")
	}
	if diff := cmp.Diff([]int64{2}, r.Chats()); diff != "" {
		t.Errorf("chats mismatch (-want +got):\n%s", diff)
	}

	n, err = r.RemoveChat(ctx, 99)
	if err != nil || n != 0 {
		t.Errorf("RemoveChat(unknown) = %d, %v", n, err)
	}
}

func TestMigrateChat(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, &fakeStore{})

	if _, err := r.Subscribe(ctx, feedA, 5, parsedFeed(0, "x")); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Subscribe(ctx, feedA, -100500, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Subscribe(ctx, feedB, 5, parsedFeed(0, "y")); err != nil {
		t.Fatal(err)
	}

	if err := r.MigrateChat(ctx, 5, -100500); err != nil {
		t.Fatal(err)
	}

	a, _ := r.Get(feedA)
	b, _ := r.Get(feedB)
	if diff := cmp.Diff([]int64{-100500}, a.Subscribers); diff != "" {
		t.Errorf("feed a subscribers mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int64{-100500}, b.Subscribers); diff != "" {
		t.Errorf("feed b subscribers mismatch (-want +got):\n%s", diff)
	}
}

func TestRequestCheckAndDue(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, &fakeStore{})

	if _, err := r.Subscribe(ctx, feedA, 1, parsedFeed(0, "x")); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Subscribe(ctx, feedB, 1, parsedFeed(0, "y")); err != nil {
		t.Fatal(err)
	}
	if due := r.Due(testNow); len(due) != 0 {
		t.Fatalf("expected nothing due right after subscribe, got %d", len(due))
	}

	if err := r.RequestCheck(ctx, feedB); err != nil {
		t.Fatal(err)
	}
	if err := r.RequestCheck(ctx, "https://missing.example.com/"); !errors.Is(err, ErrNoFeed) {
		t.Errorf("expected ErrNoFeed, got %v", err)
	}

	var got []string
	for _, f := range r.Due(testNow) {
		got = append(got, f.URL)
	}
	if diff := cmp.Diff([]string{feedB}, got); diff != "" {
		t.Errorf("Due() mismatch (-want +got):\n%s", diff)
	}
}

func TestReadsReturnCopies(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, &fakeStore{})
	if _, err := r.Subscribe(ctx, feedA, 1, parsedFeed(0, "x")); err != nil {
		t.Fatal(err)
	}

	f, _ := r.Get(feedA)
	f.Subscribers[0] = 999
	f.Seen = nil
	f.Title = "changed"

	again, _ := r.Get(feedA)
	if diff := cmp.Diff([]int64{1}, again.Subscribers); diff != "" {
		t.Errorf("registry mutated through Get (-want +got):\n%s", diff)
	}
	if again.Title != "Example" || len(again.Seen) != 1 {
		t.Errorf("registry mutated through Get: %+v", again)
	}
}

func TestFlushRetriesThenFails(t *testing.T) {
	ctx := context.Background()

	t.Run("transient failure recovers", func(t *testing.T) {
		store := &fakeStore{}
		r := newTestRegistry(t, store)
		store.failN = 2
		if _, err := r.Subscribe(ctx, feedA, 1, parsedFeed(0, "x")); err != nil {
			t.Fatalf("Subscribe: %v", err)
		}
		if diff := cmp.Diff(1, store.saveCount()); diff != "" {
			t.Errorf("save count mismatch (-want +got):\n%s", diff)
		}
		select {
		case err := <-r.Fatal():
			t.Errorf("unexpected fatal error: %v", err)
		default:
		}
	})

	t.Run("exhausted retries are fatal", func(t *testing.T) {
		store := &fakeStore{}
		r := newTestRegistry(t, store)
		store.failN = 100
		_, err := r.Subscribe(ctx, feedA, 1, parsedFeed(0, "x"))
		var serr *StorageError
		if !errors.As(err, &serr) {
			t.Fatalf("expected *StorageError, got %v", err)
		}
		select {
		case ferr := <-r.Fatal():
			if !errors.As(ferr, &serr) {
				t.Errorf("fatal channel carried %v", ferr)
			}
		default:
			t.Error("expected error on Fatal channel")
		}
	})
}

func TestFlushSkipsWhenClean(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{}
	r := newTestRegistry(t, store)

	if err := r.Flush(ctx); err != nil {
		t.Fatal(err)
	}
	if store.saveCount() != 0 {
		t.Errorf("clean registry was saved %d times", store.saveCount())
	}

	// An unchanged mutation does not write either.
	err := r.Mutate(ctx, func(map[string]*model.Feed) (bool, error) { return false, nil })
	if err != nil {
		t.Fatal(err)
	}
	if store.saveCount() != 0 {
		t.Errorf("unchanged mutation was saved %d times", store.saveCount())
	}
}

func TestLoad(t *testing.T) {
	t.Run("load error is returned", func(t *testing.T) {
		_, err := Load(context.Background(), &fakeStore{loadErr: errors.New("corrupt")}, testLogger(), testOptions())
		var serr *StorageError
		if !errors.As(err, &serr) {
			t.Fatalf("expected *StorageError, got %v", err)
		}
	})

	t.Run("orphans dropped and intervals clamped", func(t *testing.T) {
		store := &fakeStore{initial: map[string]*model.Feed{
			feedA: {URL: feedA, Subscribers: []int64{1}, Interval: 48 * time.Hour},
			feedB: {URL: feedB},
		}}
		r := newTestRegistry(t, store)

		want := []*model.Feed{{URL: feedA, Subscribers: []int64{1}, Interval: time.Hour}}
		if diff := cmp.Diff(want, r.Snapshot(), cmpopts.EquateEmpty()); diff != "" {
			t.Errorf("Snapshot() mismatch (-want +got):\n%s", diff)
		}

		// The repaired state is written on the next flush.
		if err := r.Flush(context.Background()); err != nil {
			t.Fatal(err)
		}
		if store.saveCount() != 1 {
			t.Errorf("expected one save, got %d", store.saveCount())
		}
	})
}

func TestConcurrentMutations(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{}
	r := newTestRegistry(t, store)
	if _, err := r.Subscribe(ctx, feedA, 1, parsedFeed(0, "x")); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func(chat int64) {
			defer wg.Done()
			if _, err := r.Subscribe(ctx, feedA, chat, nil); err != nil {
				t.Errorf("Subscribe(%d): %v", chat, err)
			}
			_ = r.List(chat)
		}(int64(i + 100))
	}
	wg.Wait()

	f, _ := r.Get(feedA)
	if diff := cmp.Diff(21, len(f.Subscribers)); diff != "" {
		t.Errorf("subscriber count mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(21, len(store.last[0].Subscribers)); diff != "" {
		t.Errorf("persisted subscriber count mismatch (-want +got):\n%s", diff)
	}
}
