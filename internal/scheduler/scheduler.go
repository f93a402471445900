// Package scheduler polls due feeds and hands new items to delivery.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"rss_relay/internal/dedup"
	"rss_relay/internal/delivery"
	"rss_relay/internal/fetcher"
	"rss_relay/internal/model"
	"rss_relay/internal/parser"
	"rss_relay/internal/registry"
)

// Dead feed policies.
const (
	PolicyPark   = "park"
	PolicyRemove = "remove"
)

// Fetcher downloads feed documents.
type Fetcher interface {
	Fetch(ctx context.Context, url string, cond fetcher.Conditional) (*fetcher.Response, error)
}

// Deliverer sends items and notices to chats.
type Deliverer interface {
	Deliver(ctx context.Context, feed *model.Feed, items []model.Item) delivery.Stats
	Notify(ctx context.Context, chats []int64, html string) delivery.Stats
}

// Options configures a Scheduler.
type Options struct {
	Tick                      time.Duration
	MinInterval               time.Duration
	MaxInterval               time.Duration
	MaxConcurrentFetches      int
	FailureThreshold          int
	PermanentFailureThreshold int
	DeadFeedPolicy            string
	SeenCap                   int
	DeliveryBudget            time.Duration

	Now func() time.Time
}

func (o *Options) setDefaults() {
	if o.Tick <= 0 {
		o.Tick = time.Minute
	}
	if o.MinInterval <= 0 {
		o.MinInterval = 5 * time.Minute
	}
	if o.MaxInterval < o.MinInterval {
		o.MaxInterval = max(12*time.Hour, o.MinInterval)
	}
	if o.MaxConcurrentFetches <= 0 {
		o.MaxConcurrentFetches = 16
	}
	if o.FailureThreshold <= 0 {
		o.FailureThreshold = 12
	}
	if o.PermanentFailureThreshold <= 0 {
		o.PermanentFailureThreshold = 3
	}
	if o.DeadFeedPolicy == "" {
		o.DeadFeedPolicy = PolicyPark
	}
	if o.SeenCap <= 0 {
		o.SeenCap = 300
	}
	if o.DeliveryBudget <= 0 {
		o.DeliveryBudget = 10 * time.Minute
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Scheduler periodically checks feeds and delivers new items.
type Scheduler struct {
	reg   *registry.Registry
	fetch Fetcher
	out   Deliverer
	log   *slog.Logger
	opts  Options

	sem  *semaphore.Weighted
	wake chan struct{}
	wg   sync.WaitGroup

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// New creates a Scheduler.
func New(reg *registry.Registry, f Fetcher, out Deliverer, log *slog.Logger, opts Options) *Scheduler {
	opts.setDefaults()
	return &Scheduler{
		reg:      reg,
		fetch:    f,
		out:      out,
		log:      log,
		opts:     opts,
		sem:      semaphore.NewWeighted(int64(opts.MaxConcurrentFetches)),
		wake:     make(chan struct{}, 1),
		inFlight: make(map[string]struct{}),
	}
}

// SetTickInterval overrides the tick interval. Call before Run.
func (s *Scheduler) SetTickInterval(d time.Duration) {
	s.opts.Tick = d
}

// Wake asks the scheduler to look for due feeds now.
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run starts the scheduler loop, blocking until ctx is cancelled and all
// running cycles have finished.
func (s *Scheduler) Run(ctx context.Context) {
	defer s.wg.Wait()

	s.dispatch(ctx)

	ticker := time.NewTicker(s.opts.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.dispatch(ctx)
		case <-s.wake:
			s.dispatch(ctx)
		}
	}
}

// dispatch starts a cycle for every due feed not already in flight and
// returns how many were started.
func (s *Scheduler) dispatch(ctx context.Context) int {
	started := 0
	for _, f := range s.reg.Due(s.opts.Now()) {
		if ctx.Err() != nil {
			break
		}
		if !s.claim(f.URL) {
			continue
		}
		started++
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			recheck := s.poll(ctx, f)
			s.release(f.URL)
			if recheck {
				s.Wake()
			}
		}()
	}
	if started > 0 {
		s.log.Debug("dispatched feed checks", "count", started)
	}
	return started
}

func (s *Scheduler) claim(url string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inFlight[url]; busy {
		return false
	}
	s.inFlight[url] = struct{}{}
	return true
}

func (s *Scheduler) release(url string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, url)
}

// result is what a committed poll leaves for delivery.
type result struct {
	feed    *model.Feed
	items   []model.Item
	chats   []int64
	notices []string
	// recheck is set when a check was requested while the cycle ran.
	recheck bool
}

// poll runs one fetch, parse, commit and deliver cycle for snap. It reports
// whether the feed was asked to be checked again while the cycle ran.
func (s *Scheduler) poll(ctx context.Context, snap *model.Feed) bool {
	log := s.log.With("cycle", uuid.NewString(), "feed", snap.URL)
	log.Debug("checking feed")

	if err := s.sem.Acquire(ctx, 1); err != nil {
		return false
	}
	resp, err := s.fetch.Fetch(ctx, snap.URL, fetcher.Conditional{ETag: snap.ETag, LastModified: snap.LastModified})
	s.sem.Release(1)

	var parsed *model.ParsedFeed
	if err == nil && !resp.NotModified {
		parsed, err = parser.Parse(resp.Body, snap.URL)
	}

	if ctx.Err() != nil {
		log.Debug("cycle cancelled before commit")
		return false
	}

	var res result
	cerr := s.reg.Mutate(ctx, func(feeds map[string]*model.Feed) (bool, error) {
		f, ok := feeds[snap.URL]
		if !ok {
			// Unsubscribed while we were fetching.
			return false, nil
		}
		res = s.apply(f, snap.NextDue, resp, parsed, err, s.opts.Now())
		return true, nil
	})
	if cerr != nil {
		log.Error("commit poll result", "error", cerr)
		return false
	}
	if res.feed == nil {
		return false
	}

	if err != nil {
		log.Warn("feed check failed", "error", err, "error_count", res.feed.ErrorCount, "interval", res.feed.Interval)
	}

	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.DeliveryBudget)
	defer cancel()

	for _, n := range res.notices {
		s.out.Notify(dctx, res.chats, n)
	}
	if len(res.items) > 0 {
		st := s.out.Deliver(dctx, res.feed, res.items)
		log.Info("delivered new items", "items", len(res.items), "sent", st.Sent, "failed", st.Failed, "removed_chats", st.Removed)
	}
	return res.recheck
}

// apply folds a poll outcome into f. It runs under the registry lock and
// must not block. dueAt is the NextDue the cycle was dispatched with; a
// different value means a check was requested in the meantime.
func (s *Scheduler) apply(f *model.Feed, dueAt time.Time, resp *fetcher.Response, parsed *model.ParsedFeed, pollErr error, now time.Time) result {
	var res result
	res.recheck = !f.NextDue.Equal(dueAt)

	if pollErr != nil {
		s.applyFailure(f, pollErr, now, &res)
	} else {
		wasDead := f.Dead
		f.ErrorCount = 0
		f.LastError = ""
		f.DownSince = nil
		f.Dead = false
		f.LastSuccess = &now
		f.ETag = resp.ETag
		f.LastModified = resp.LastModified

		if parsed != nil {
			if parsed.Title != "" && f.Title != "" && parsed.Title != f.Title {
				res.notices = append(res.notices, renameNotice(f.Title, parsed.Title, f.URL))
			}
			if parsed.Title != "" {
				f.Title = parsed.Title
			}
			if parsed.Link != "" {
				f.Link = parsed.Link
			}
			f.TTL = parsed.TTL
			res.items, f.Seen = dedup.Dedupe(f.Seen, parsed.Items, s.opts.SeenCap)
		}
		f.Interval = NextInterval(f.Interval, Outcome{NewItems: len(res.items), TTL: f.TTL}, s.opts.MinInterval, s.opts.MaxInterval)

		if wasDead {
			res.notices = append(res.notices, recoveredNotice(f))
		}
	}

	f.NextDue = now.Add(f.Interval)
	if res.recheck {
		f.NextDue = now
	}
	res.chats = slices.Clone(f.Subscribers)
	res.feed = f.Clone()

	if f.Dead && s.opts.DeadFeedPolicy == PolicyRemove {
		// The registry drops feeds without subscribers.
		f.Subscribers = nil
	}
	return res
}

func (s *Scheduler) applyFailure(f *model.Feed, pollErr error, now time.Time, res *result) {
	f.ErrorCount++
	f.LastError = pollErr.Error()
	if f.DownSince == nil {
		f.DownSince = &now
	}
	f.Interval = NextInterval(f.Interval, Outcome{Failed: true}, s.opts.MinInterval, s.opts.MaxInterval)

	threshold := s.opts.FailureThreshold
	if IsPermanent(pollErr) {
		threshold = s.opts.PermanentFailureThreshold
	}
	if f.Dead || f.ErrorCount < threshold {
		return
	}

	f.Dead = true
	f.Interval = s.opts.MaxInterval
	res.notices = append(res.notices, deadNotice(f, pollErr, s.opts.DeadFeedPolicy))
}

// IsPermanent reports whether err is unlikely to clear up by itself.
func IsPermanent(err error) bool {
	var fe *fetcher.FetchError
	if errors.As(err, &fe) {
		return fe.Permanent()
	}
	var pe *parser.Error
	return errors.As(err, &pe)
}

func deadNotice(f *model.Feed, err error, policy string) string {
	since := ""
	if f.DownSince != nil {
		since = " since " + humanize.Time(*f.DownSince)
	}
	tail := "I will keep checking and tell you when it is back."
	if policy == PolicyRemove {
		tail = "The subscription has been removed."
	}
	return fmt.Sprintf("<b>%s</b>\nFeed %s has been unreachable%s (%d failed checks): %s\n%s",
		html.EscapeString(f.DisplayTitle()), html.EscapeString(f.URL), since, f.ErrorCount,
		html.EscapeString(delivery.Truncate(err.Error(), 300)), tail)
}

func recoveredNotice(f *model.Feed) string {
	return fmt.Sprintf("<b>%s</b>\nFeed %s is reachable again.",
		html.EscapeString(f.DisplayTitle()), html.EscapeString(f.URL))
}

func renameNotice(oldTitle, newTitle, url string) string {
	return fmt.Sprintf("<b>%s</b> is now called <b>%s</b>\n%s",
		html.EscapeString(oldTitle), html.EscapeString(newTitle), html.EscapeString(url))
}
