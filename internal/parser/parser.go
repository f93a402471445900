// Package parser turns raw feed documents into model.ParsedFeed values.
package parser

import (
	"bytes"
	"encoding/hex"
	"errors"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
	"github.com/mmcdole/gofeed/rss"
	"github.com/zeebo/blake3"

	"rss_relay/internal/model"
)

// ErrUnknownFormat is returned when the document is not RSS, Atom or JSON Feed.
var ErrUnknownFormat = errors.New("unknown feed format")

// Error is a parse failure. Retrying the same document will not help.
type Error struct {
	Err error
}

func (e *Error) Error() string { return "parse feed: " + e.Err.Error() }

func (e *Error) Unwrap() error { return e.Err }

// Parse decodes raw into a canonical feed. feedURL resolves relative links.
func Parse(raw []byte, feedURL string) (*model.ParsedFeed, error) {
	var (
		feed *gofeed.Feed
		ttl  time.Duration
		err  error
	)

	switch gofeed.DetectFeedType(bytes.NewReader(raw)) {
	case gofeed.FeedTypeRSS:
		// The generic parser drops <ttl>, so go through the RSS parser directly.
		var rf *rss.Feed
		rf, err = (&rss.Parser{}).Parse(bytes.NewReader(raw))
		if err != nil {
			return nil, &Error{Err: err}
		}
		ttl = parseTTL(rf.TTL)
		feed, err = (&gofeed.DefaultRSSTranslator{}).Translate(rf)
	case gofeed.FeedTypeUnknown:
		return nil, &Error{Err: ErrUnknownFormat}
	default:
		feed, err = gofeed.NewParser().Parse(bytes.NewReader(raw))
	}
	if err != nil {
		return nil, &Error{Err: err}
	}

	base := baseURL(feed.Link, feedURL)
	out := &model.ParsedFeed{
		Title: strings.TrimSpace(feed.Title),
		Link:  resolve(base, feed.Link),
		TTL:   ttl,
		Items: make([]model.Item, 0, len(feed.Items)),
	}
	if out.Link == "" {
		out.Link = feedURL
	}

	for _, it := range feed.Items {
		if it == nil {
			continue
		}
		item := model.Item{
			Key:   itemKey(it),
			Title: strings.TrimSpace(it.Title),
			Link:  resolve(base, strings.TrimSpace(it.Link)),
		}
		switch {
		case it.PublishedParsed != nil:
			item.Published = it.PublishedParsed
		case it.UpdatedParsed != nil:
			item.Published = it.UpdatedParsed
		}
		out.Items = append(out.Items, item)
	}
	return out, nil
}

// itemKey picks the most stable identity the item offers.
func itemKey(it *gofeed.Item) string {
	if g := strings.TrimSpace(it.GUID); g != "" {
		return g
	}
	if l := strings.TrimSpace(it.Link); l != "" {
		return l
	}
	sum := blake3.Sum256([]byte(it.Title + "\x00" + it.Link + "\x00" + it.Description))
	return "blake3:" + hex.EncodeToString(sum[:16])
}

// parseTTL reads an RSS <ttl> value given in minutes.
func parseTTL(s string) time.Duration {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n <= 0 {
		return 0
	}
	return time.Duration(n) * time.Minute
}

func baseURL(feedLink, feedURL string) *url.URL {
	for _, s := range []string{feedLink, feedURL} {
		u, err := url.Parse(strings.TrimSpace(s))
		if err == nil && u.IsAbs() && u.Host != "" {
			return u
		}
	}
	return nil
}

func resolve(base *url.URL, link string) string {
	if link == "" || base == nil {
		return link
	}
	ref, err := url.Parse(link)
	if err != nil || ref.IsAbs() {
		return link
	}
	return base.ResolveReference(ref).String()
}
