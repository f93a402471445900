// Package dedup tracks which feed items have already been delivered.
package dedup

import (
	"encoding/hex"
	"slices"

	"github.com/zeebo/blake3"

	"rss_relay/internal/model"
)

// Hash returns the identity hash stored for an item key.
func Hash(key string) string {
	sum := blake3.Sum256([]byte(key))
	return hex.EncodeToString(sum[:16])
}

// Dedupe compares items against the seen list and returns the items not seen
// before, in feed order, together with the updated seen list.
//
// An empty seen list means the feed has never been polled successfully: every
// item is recorded and none is returned. The updated list keeps at most
// max(limit, 2*len(items)) entries, evicting the oldest first.
//
// Eviction is not pure FIFO: hashes of items present in items are skipped
// and kept even when they are the oldest, so an item still in the document
// can never be delivered a second time.
func Dedupe(seen []string, items []model.Item, limit int) ([]model.Item, []string) {
	known := make(map[string]struct{}, len(seen)+len(items))
	for _, h := range seen {
		known[h] = struct{}{}
	}
	firstPoll := len(seen) == 0

	current := make(map[string]struct{}, len(items))
	updated := slices.Clone(seen)
	var fresh []model.Item
	for _, it := range items {
		h := Hash(it.Key)
		current[h] = struct{}{}
		if _, ok := known[h]; ok {
			continue
		}
		known[h] = struct{}{}
		updated = append(updated, h)
		if !firstPoll {
			fresh = append(fresh, it)
		}
	}

	return fresh, trim(updated, max(limit, 2*len(items)), current)
}

// Prime returns the seen list for a feed whose current items must all count
// as already delivered.
func Prime(items []model.Item, limit int) []string {
	_, seen := Dedupe(nil, items, limit)
	return seen
}

func trim(hashes []string, limit int, keep map[string]struct{}) []string {
	excess := len(hashes) - limit
	if excess <= 0 {
		return hashes
	}
	out := hashes[:0]
	for _, h := range hashes {
		if excess > 0 {
			if _, ok := keep[h]; !ok {
				excess--
				continue
			}
		}
		out = append(out, h)
	}
	return out
}
