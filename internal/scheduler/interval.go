package scheduler

import "time"

// Outcome summarises one poll for interval adaptation.
type Outcome struct {
	Failed   bool
	NewItems int
	// TTL is the refresh hint the feed declared, zero if none.
	TTL time.Duration
}

// NextInterval returns the polling interval after a poll with outcome o.
// The result is always within [lo, hi].
//
// A failure doubles the interval. On success a declared TTL pulls the
// interval halfway toward it; otherwise new items pull halfway toward lo and
// a quiet poll drifts a quarter of the way toward hi.
func NextInterval(cur time.Duration, o Outcome, lo, hi time.Duration) time.Duration {
	cur = clamp(cur, lo, hi)

	var next time.Duration
	switch {
	case o.Failed:
		if cur > hi/2 {
			next = hi
		} else {
			next = cur * 2
		}
	case o.TTL > 0:
		target := clamp(o.TTL, lo, hi)
		next = cur + (target-cur)/2
	case o.NewItems > 0:
		next = cur - (cur-lo)/2
	default:
		next = cur + (hi-cur)/4
	}
	return clamp(next, lo, hi)
}

func clamp(d, lo, hi time.Duration) time.Duration {
	return min(max(d, lo), hi)
}
