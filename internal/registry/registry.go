// Package registry holds the in-memory feed registry and keeps it persisted.
package registry

import (
	"cmp"
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"rss_relay/internal/dedup"
	"rss_relay/internal/model"
	"rss_relay/internal/storage"
)

// Sentinel errors returned by mutators.
var (
	ErrAlreadySubscribed = errors.New("already subscribed")
	ErrNotSubscribed     = errors.New("not subscribed")
	ErrNoFeed            = errors.New("feed not found")
)

// StorageError reports a failed load or flush.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return e.Op + " registry: " + e.Err.Error() }

func (e *StorageError) Unwrap() error { return e.Err }

// Options configures a Registry.
type Options struct {
	MinInterval time.Duration
	MaxInterval time.Duration
	SeenCap     int

	FlushAttempts int
	FlushBackoff  time.Duration

	Now func() time.Time
}

func (o *Options) setDefaults() {
	if o.MinInterval <= 0 {
		o.MinInterval = 5 * time.Minute
	}
	if o.MaxInterval < o.MinInterval {
		o.MaxInterval = max(12*time.Hour, o.MinInterval)
	}
	if o.SeenCap <= 0 {
		o.SeenCap = 300
	}
	if o.FlushAttempts <= 0 {
		o.FlushAttempts = 5
	}
	if o.FlushBackoff <= 0 {
		o.FlushBackoff = 200 * time.Millisecond
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Registry is the authoritative set of feeds. All methods are safe for
// concurrent use.
type Registry struct {
	store storage.Store
	log   *slog.Logger
	opts  Options

	mu    sync.RWMutex
	feeds map[string]*model.Feed
	gen   uint64 // bumped on every change, guarded by mu

	flushMu sync.Mutex
	flushed uint64 // last generation written, guarded by flushMu

	fatal chan error
}

// Load reads the registry from store. Any load failure is returned; callers
// must not continue with an empty registry.
func Load(ctx context.Context, store storage.Store, log *slog.Logger, opts Options) (*Registry, error) {
	opts.setDefaults()

	feeds, err := store.Load(ctx)
	if err != nil {
		return nil, &StorageError{Op: "load", Err: err}
	}

	r := &Registry{
		store: store,
		log:   log,
		opts:  opts,
		feeds: feeds,
		fatal: make(chan error, 1),
	}

	for url, f := range feeds {
		if len(f.Subscribers) == 0 {
			log.Warn("dropping feed without subscribers", "url", url)
			delete(feeds, url)
			r.gen++
			continue
		}
		if c := r.clamp(f.Interval); c != f.Interval {
			f.Interval = c
			r.gen++
		}
	}

	log.Info("registry loaded", "feeds", len(feeds))
	return r, nil
}

// Fatal delivers a flush error once retries are exhausted.
func (r *Registry) Fatal() <-chan error {
	return r.fatal
}

// Mutate runs fn with exclusive access to the feed map. When fn reports a
// change, feeds left without subscribers are deleted and the registry is
// flushed before Mutate returns. The flush is not cancelled by ctx.
func (r *Registry) Mutate(ctx context.Context, fn func(feeds map[string]*model.Feed) (bool, error)) error {
	r.mu.Lock()
	changed, err := fn(r.feeds)
	if changed {
		for url, f := range r.feeds {
			if len(f.Subscribers) == 0 {
				delete(r.feeds, url)
			}
		}
		r.gen++
	}
	r.mu.Unlock()

	if changed {
		if ferr := r.Flush(context.WithoutCancel(ctx)); ferr != nil {
			return ferr
		}
	}
	return err
}

// Flush writes the current snapshot unless it is already persisted.
func (r *Registry) Flush(ctx context.Context) error {
	r.flushMu.Lock()
	defer r.flushMu.Unlock()

	r.mu.RLock()
	gen := r.gen
	if gen == r.flushed {
		r.mu.RUnlock()
		return nil
	}
	snap := r.snapshotLocked()
	r.mu.RUnlock()

	attempt := 0
	b := retry.WithMaxRetries(uint64(r.opts.FlushAttempts-1), retry.NewExponential(r.opts.FlushBackoff)) //nolint:gosec // FlushAttempts is positive
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		attempt++
		if err := r.store.Save(ctx, snap); err != nil {
			r.log.Warn("flush registry failed", "attempt", attempt, "error", err)
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		serr := &StorageError{Op: "flush", Err: err}
		select {
		case r.fatal <- serr:
		default:
		}
		return serr
	}

	r.flushed = gen
	r.log.Debug("registry flushed", "feeds", len(snap), "generation", gen)
	return nil
}

func (r *Registry) snapshotLocked() []*model.Feed {
	out := make([]*model.Feed, 0, len(r.feeds))
	for _, f := range r.feeds {
		out = append(out, f.Clone())
	}
	slices.SortFunc(out, func(a, b *model.Feed) int { return cmp.Compare(a.URL, b.URL) })
	return out
}

// Snapshot returns copies of all feeds ordered by URL.
func (r *Registry) Snapshot() []*model.Feed {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshotLocked()
}

// Len returns the number of feeds.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.feeds)
}

// Get returns a copy of the feed at url.
func (r *Registry) Get(url string) (*model.Feed, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.feeds[url]
	if !ok {
		return nil, false
	}
	return f.Clone(), true
}

// List returns copies of the feeds chatID is subscribed to, ordered by title.
func (r *Registry) List(chatID int64) []*model.Feed {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*model.Feed
	for _, f := range r.feeds {
		if f.HasSubscriber(chatID) {
			out = append(out, f.Clone())
		}
	}
	slices.SortFunc(out, func(a, b *model.Feed) int {
		return cmp.Or(cmp.Compare(a.DisplayTitle(), b.DisplayTitle()), cmp.Compare(a.URL, b.URL))
	})
	return out
}

// Due returns copies of feeds whose NextDue is not after now, oldest first.
func (r *Registry) Due(now time.Time) []*model.Feed {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*model.Feed
	for _, f := range r.feeds {
		if !f.NextDue.After(now) {
			out = append(out, f.Clone())
		}
	}
	slices.SortFunc(out, func(a, b *model.Feed) int {
		return cmp.Or(a.NextDue.Compare(b.NextDue), cmp.Compare(a.URL, b.URL))
	})
	return out
}

// Chats returns every subscribed chat ID once, ascending.
func (r *Registry) Chats() []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []int64
	for _, f := range r.feeds {
		out = append(out, f.Subscribers...)
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// Subscribe adds chatID to the feed at url. A feed not yet registered is
// created from parsed, with all of its current items marked as seen.
func (r *Registry) Subscribe(ctx context.Context, url string, chatID int64, parsed *model.ParsedFeed) (*model.Feed, error) {
	var out *model.Feed
	err := r.Mutate(ctx, func(feeds map[string]*model.Feed) (bool, error) {
		f, ok := feeds[url]
		if ok {
			if !f.AddSubscriber(chatID) {
				return false, ErrAlreadySubscribed
			}
			out = f.Clone()
			return true, nil
		}
		if parsed == nil {
			return false, ErrNoFeed
		}

		now := r.opts.Now()
		interval := r.opts.MinInterval
		if parsed.TTL > 0 {
			interval = r.clamp(parsed.TTL)
		}
		f = &model.Feed{
			URL:         url,
			Title:       parsed.Title,
			Link:        parsed.Link,
			Seen:        dedup.Prime(parsed.Items, r.opts.SeenCap),
			Subscribers: []int64{chatID},
			Interval:    interval,
			NextDue:     now.Add(interval),
			TTL:         parsed.TTL,
			LastSuccess: &now,
		}
		feeds[url] = f
		out = f.Clone()
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Unsubscribe removes chatID from the feed at url. The feed is dropped when
// it has no subscribers left.
func (r *Registry) Unsubscribe(ctx context.Context, url string, chatID int64) (*model.Feed, error) {
	var out *model.Feed
	err := r.Mutate(ctx, func(feeds map[string]*model.Feed) (bool, error) {
		f, ok := feeds[url]
		if !ok {
			return false, ErrNoFeed
		}
		if !f.RemoveSubscriber(chatID) {
			return false, ErrNotSubscribed
		}
		out = f.Clone()
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// RemoveChat removes chatID from every feed and returns how many
// subscriptions it had.
func (r *Registry) RemoveChat(ctx context.Context, chatID int64) (int, error) {
	n := 0
	err := r.Mutate(ctx, func(feeds map[string]*model.Feed) (bool, error) {
		for _, f := range feeds {
			if f.RemoveSubscriber(chatID) {
				n++
			}
		}
		return n > 0, nil
	})
	return n, err
}

// MigrateChat moves every subscription of from to chat to.
func (r *Registry) MigrateChat(ctx context.Context, from, to int64) error {
	return r.Mutate(ctx, func(feeds map[string]*model.Feed) (bool, error) {
		changed := false
		for _, f := range feeds {
			if f.RemoveSubscriber(from) {
				f.AddSubscriber(to)
				changed = true
			}
		}
		return changed, nil
	})
}

// RequestCheck makes the feed at url due immediately.
func (r *Registry) RequestCheck(ctx context.Context, url string) error {
	return r.Mutate(ctx, func(feeds map[string]*model.Feed) (bool, error) {
		f, ok := feeds[url]
		if !ok {
			return false, ErrNoFeed
		}
		f.NextDue = r.opts.Now()
		return true, nil
	})
}

func (r *Registry) clamp(d time.Duration) time.Duration {
	return min(max(d, r.opts.MinInterval), r.opts.MaxInterval)
}
