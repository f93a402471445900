package delivery

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// chatIdleTTL is how long an unused per-chat limiter is kept.
const chatIdleTTL = 10 * time.Minute

type chatLimiter struct {
	lim      *rate.Limiter
	lastUsed time.Time
}

// limiter paces sends globally and per chat.
type limiter struct {
	global  *rate.Limiter
	perChat rate.Limit

	mu    sync.Mutex
	chats map[int64]*chatLimiter
	now   func() time.Time
}

func newLimiter(globalRate float64, perChatInterval time.Duration, now func() time.Time) *limiter {
	perChat := rate.Inf
	if perChatInterval > 0 {
		perChat = rate.Every(perChatInterval)
	}
	return &limiter{
		global:  rate.NewLimiter(rate.Limit(globalRate), max(1, int(globalRate))),
		perChat: perChat,
		chats:   make(map[int64]*chatLimiter),
		now:     now,
	}
}

// wait blocks until chatID may send one message.
func (l *limiter) wait(ctx context.Context, chatID int64) error {
	if err := l.chat(chatID).Wait(ctx); err != nil {
		return err
	}
	return l.global.Wait(ctx)
}

func (l *limiter) chat(chatID int64) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	c, ok := l.chats[chatID]
	if !ok {
		c = &chatLimiter{lim: rate.NewLimiter(l.perChat, 1)}
		l.chats[chatID] = c
	}
	c.lastUsed = l.now()
	return c.lim
}

// prune drops per-chat limiters idle for longer than chatIdleTTL.
func (l *limiter) prune() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-chatIdleTTL)
	n := 0
	for id, c := range l.chats {
		if c.lastUsed.Before(cutoff) {
			delete(l.chats, id)
			n++
		}
	}
	return n
}

func (l *limiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.chats)
}
