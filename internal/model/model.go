// Package model defines the domain types used across the application.
package model

import (
	"slices"
	"time"
)

// Feed is a polled feed together with its subscribers and health state.
// It is identified by its canonical URL.
type Feed struct {
	URL   string
	Title string
	Link  string

	// Seen holds item identity hashes, oldest first.
	Seen        []string
	Subscribers []int64

	ErrorCount int
	LastError  string
	DownSince  *time.Time
	// Dead is set once subscribers were told the feed is unreachable.
	Dead bool

	Interval    time.Duration
	NextDue     time.Time
	TTL         time.Duration
	LastSuccess *time.Time

	ETag         string
	LastModified string
}

// Clone returns a deep copy of the feed.
func (f *Feed) Clone() *Feed {
	if f == nil {
		return nil
	}
	cp := *f
	cp.Seen = slices.Clone(f.Seen)
	cp.Subscribers = slices.Clone(f.Subscribers)
	if f.DownSince != nil {
		t := *f.DownSince
		cp.DownSince = &t
	}
	if f.LastSuccess != nil {
		t := *f.LastSuccess
		cp.LastSuccess = &t
	}
	return &cp
}

// DisplayTitle returns the feed title, or its URL when the title is empty.
func (f *Feed) DisplayTitle() string {
	if f.Title != "" {
		return f.Title
	}
	return f.URL
}

// HasSubscriber reports whether chatID is subscribed to the feed.
func (f *Feed) HasSubscriber(chatID int64) bool {
	_, ok := slices.BinarySearch(f.Subscribers, chatID)
	return ok
}

// AddSubscriber inserts chatID keeping the set sorted and unique.
// It reports whether the set changed.
func (f *Feed) AddSubscriber(chatID int64) bool {
	i, ok := slices.BinarySearch(f.Subscribers, chatID)
	if ok {
		return false
	}
	f.Subscribers = slices.Insert(f.Subscribers, i, chatID)
	return true
}

// RemoveSubscriber deletes chatID from the set and reports whether it was present.
func (f *Feed) RemoveSubscriber(chatID int64) bool {
	i, ok := slices.BinarySearch(f.Subscribers, chatID)
	if !ok {
		return false
	}
	f.Subscribers = slices.Delete(f.Subscribers, i, i+1)
	return true
}

// ParsedFeed is the canonical result of parsing a feed document.
type ParsedFeed struct {
	Title string
	Link  string
	// TTL is the refresh hint declared by the document, zero if absent.
	TTL   time.Duration
	Items []Item
}

// Item is a single entry of a parsed feed.
type Item struct {
	// Key is the stable identity of the item within its feed.
	Key       string
	Title     string
	Link      string
	Published *time.Time
}
