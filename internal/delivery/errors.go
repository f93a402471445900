package delivery

import (
	"fmt"
	"time"
)

// Kind classifies a send failure.
type Kind int

// Send failure kinds.
const (
	// KindTransient covers network errors and server-side failures.
	KindTransient Kind = iota
	// KindRateLimited means the platform asked us to slow down.
	KindRateLimited
	// KindPermanent means the chat is gone or the bot lost access to it.
	KindPermanent
	// KindRejected means this particular message was refused.
	KindRejected
	// KindMigrated means the chat moved to a new ID.
	KindMigrated
)

func (k Kind) String() string {
	switch k {
	case KindRateLimited:
		return "rate_limited"
	case KindPermanent:
		return "permanent"
	case KindRejected:
		return "rejected"
	case KindMigrated:
		return "migrated"
	default:
		return "transient"
	}
}

// SendError is returned by a Sender to tell the pipeline how to react.
type SendError struct {
	Kind       Kind
	RetryAfter time.Duration
	MigrateTo  int64
	Err        error
}

func (e *SendError) Error() string {
	switch e.Kind {
	case KindRateLimited:
		return fmt.Sprintf("send (%s, retry after %s): %v", e.Kind, e.RetryAfter, e.Err)
	case KindMigrated:
		return fmt.Sprintf("send (%s to %d): %v", e.Kind, e.MigrateTo, e.Err)
	default:
		return fmt.Sprintf("send (%s): %v", e.Kind, e.Err)
	}
}

func (e *SendError) Unwrap() error { return e.Err }
