// Package gardener periodically drops chats the bot can no longer post to.
package gardener

import (
	"context"
	"log/slog"
	"time"
)

// ChatChecker asks the messaging platform whether a chat still accepts
// messages from the bot. A nil error with false means the chat is gone for
// good; an error means the answer is unknown.
type ChatChecker interface {
	ChatReachable(ctx context.Context, chatID int64) (bool, error)
}

// Subscriptions is the registry view the gardener works on.
type Subscriptions interface {
	Chats() []int64
	RemoveChat(ctx context.Context, chatID int64) (int, error)
}

// Gardener prunes subscribers of unreachable chats.
type Gardener struct {
	subs     Subscriptions
	checker  ChatChecker
	log      *slog.Logger
	interval time.Duration
}

// New creates a Gardener running every interval.
func New(subs Subscriptions, checker ChatChecker, log *slog.Logger, interval time.Duration) *Gardener {
	return &Gardener{subs: subs, checker: checker, log: log, interval: interval}
}

// Run prunes once per interval until ctx is cancelled. A non-positive
// interval disables the gardener.
func (g *Gardener) Run(ctx context.Context) {
	if g.interval <= 0 {
		g.log.Info("gardener disabled")
		return
	}

	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.Prune(ctx)
		}
	}
}

// Prune checks every subscribed chat once and returns how many were removed.
func (g *Gardener) Prune(ctx context.Context) int {
	removed := 0
	for _, chatID := range g.subs.Chats() {
		if ctx.Err() != nil {
			break
		}
		ok, err := g.checker.ChatReachable(ctx, chatID)
		if err != nil {
			g.log.Warn("check chat", "chat_id", chatID, "error", err)
			continue
		}
		if ok {
			continue
		}
		n, err := g.subs.RemoveChat(ctx, chatID)
		if err != nil {
			g.log.Error("remove unreachable chat", "chat_id", chatID, "error", err)
			continue
		}
		g.log.Info("removed unreachable chat", "chat_id", chatID, "subscriptions", n)
		removed++
	}
	if removed > 0 {
		g.log.Info("gardener pass finished", "removed_chats", removed)
	}
	return removed
}
