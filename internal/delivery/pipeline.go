// Package delivery fans new feed items out to subscribed chats.
package delivery

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"

	"rss_relay/internal/model"
)

// Sender delivers one HTML message to a chat.
type Sender interface {
	Send(ctx context.Context, chatID int64, html string) error
}

// Subscriptions is the part of the registry delivery needs to repair
// subscriptions after platform errors.
type Subscriptions interface {
	RemoveChat(ctx context.Context, chatID int64) (int, error)
	MigrateChat(ctx context.Context, from, to int64) error
}

// Options configures a Pipeline.
type Options struct {
	GlobalRate      float64
	PerChatInterval time.Duration
	MaxAttempts     int
	AttemptTimeout  time.Duration
	Workers         int
	RetryBase       time.Duration

	Now func() time.Time
}

func (o *Options) setDefaults() {
	if o.GlobalRate <= 0 {
		o.GlobalRate = 25
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.AttemptTimeout <= 0 {
		o.AttemptTimeout = 30 * time.Second
	}
	if o.Workers <= 0 {
		o.Workers = 8
	}
	if o.RetryBase <= 0 {
		o.RetryBase = time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Stats summarises one delivery run.
type Stats struct {
	Sent    int
	Failed  int
	Removed int
}

// Pipeline sends messages with pacing, retries and subscriber repair.
type Pipeline struct {
	sender Sender
	subs   Subscriptions
	log    *slog.Logger
	opts   Options
	limit  *limiter
}

// New creates a Pipeline.
func New(sender Sender, subs Subscriptions, log *slog.Logger, opts Options) *Pipeline {
	opts.setDefaults()
	return &Pipeline{
		sender: sender,
		subs:   subs,
		log:    log,
		opts:   opts,
		limit:  newLimiter(opts.GlobalRate, opts.PerChatInterval, opts.Now),
	}
}

// Deliver sends every item to every subscriber of feed. Each chat receives
// the items in the given order; chats are served concurrently.
func (p *Pipeline) Deliver(ctx context.Context, feed *model.Feed, items []model.Item) Stats {
	if len(items) == 0 || len(feed.Subscribers) == 0 {
		return Stats{}
	}
	msgs := make([]string, len(items))
	for i, it := range items {
		msgs[i] = Render(feed, it)
	}
	return p.fanOut(ctx, feed.Subscribers, msgs, slog.String("feed", feed.URL))
}

// Notify sends one service message to each chat.
func (p *Pipeline) Notify(ctx context.Context, chats []int64, html string) Stats {
	if len(chats) == 0 {
		return Stats{}
	}
	return p.fanOut(ctx, chats, []string{html}, slog.String("kind", "notice"))
}

func (p *Pipeline) fanOut(ctx context.Context, chats []int64, msgs []string, attr slog.Attr) Stats {
	if n := p.limit.prune(); n > 0 {
		p.log.Debug("pruned idle chat limiters", "count", n)
	}

	var sent, failed, removed atomic.Int64
	var g errgroup.Group
	g.SetLimit(p.opts.Workers)
	for _, chatID := range chats {
		g.Go(func() error {
			s := p.sendChat(ctx, chatID, msgs, attr)
			sent.Add(int64(s.Sent))
			failed.Add(int64(s.Failed))
			removed.Add(int64(s.Removed))
			return nil
		})
	}
	_ = g.Wait()

	return Stats{Sent: int(sent.Load()), Failed: int(failed.Load()), Removed: int(removed.Load())}
}

func (p *Pipeline) sendChat(ctx context.Context, chatID int64, msgs []string, attr slog.Attr) Stats {
	var st Stats
	current := chatID
	for i, msg := range msgs {
		err := p.send(ctx, &current, msg)
		if err == nil {
			st.Sent++
			continue
		}
		st.Failed++
		if ctx.Err() != nil {
			p.log.Warn("delivery interrupted", attr, "chat_id", current, "remaining", len(msgs)-i, "error", err)
			return st
		}

		var se *SendError
		if errors.As(err, &se) {
			switch se.Kind {
			case KindPermanent:
				p.log.Info("chat unreachable, removing subscriptions", attr, "chat_id", current, "error", err)
				if _, rerr := p.subs.RemoveChat(ctx, current); rerr != nil {
					p.log.Error("remove chat", "chat_id", current, "error", rerr)
				}
				st.Removed++
				st.Failed += len(msgs) - i - 1
				return st
			case KindRejected:
				p.log.Warn("message rejected", attr, "chat_id", current, "error", err)
				continue
			}
		}
		p.log.Warn("send failed after retries", attr, "chat_id", current, "error", err)
	}
	return st
}

// send delivers msg to *chatID, retrying transient failures. A migrated chat
// is updated in place and the message resent to the new ID.
func (p *Pipeline) send(ctx context.Context, chatID *int64, msg string) error {
	var hint time.Duration
	base := retry.NewExponential(p.opts.RetryBase)
	b := retry.WithMaxRetries(uint64(p.opts.MaxAttempts-1), retry.BackoffFunc(func() (time.Duration, bool) { //nolint:gosec // MaxAttempts is positive
		d, stop := base.Next()
		if hint > d {
			d = hint
		}
		hint = 0
		return d, stop
	}))

	return retry.Do(ctx, b, func(ctx context.Context) error {
		if err := p.limit.wait(ctx, *chatID); err != nil {
			return err
		}

		attemptCtx, cancel := context.WithTimeout(ctx, p.opts.AttemptTimeout)
		err := p.sender.Send(attemptCtx, *chatID, msg)
		cancel()
		if err == nil {
			return nil
		}

		var se *SendError
		if !errors.As(err, &se) {
			return retry.RetryableError(err)
		}
		switch se.Kind {
		case KindRateLimited:
			hint = se.RetryAfter
			p.log.Debug("rate limited", "chat_id", *chatID, "retry_after", se.RetryAfter)
			return retry.RetryableError(err)
		case KindMigrated:
			if se.MigrateTo == 0 {
				return err
			}
			p.log.Info("chat migrated", "from", *chatID, "to", se.MigrateTo)
			if merr := p.subs.MigrateChat(ctx, *chatID, se.MigrateTo); merr != nil {
				p.log.Error("migrate chat", "from", *chatID, "to", se.MigrateTo, "error", merr)
			}
			*chatID = se.MigrateTo
			return retry.RetryableError(err)
		case KindPermanent, KindRejected:
			return err
		default:
			return retry.RetryableError(err)
		}
	})
}
