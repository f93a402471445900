package bot

import (
	"encoding/xml"
	"errors"
	"fmt"
	"html"
	"time"
	"unicode/utf8"

	"github.com/dustin/go-humanize"

	"rss_relay/internal/delivery"
	"rss_relay/internal/fetcher"
	"rss_relay/internal/model"
	"rss_relay/internal/parser"
)

const listHeader = "Subscriptions:"

// ListPage is one message of a subscription list.
type ListPage struct {
	Text  string
	Feeds []*model.Feed
}

// FormatFeedList renders feeds as HTML pages that each fit in one message.
func FormatFeedList(feeds []*model.Feed) []ListPage {
	var pages []ListPage
	cur := ListPage{Text: listHeader}
	size := utf8.RuneCountInString(listHeader)

	for _, f := range feeds {
		line := feedLine(f)
		n := utf8.RuneCountInString(line) + 1
		if size+n > delivery.MaxMessageRunes && len(cur.Feeds) > 0 {
			pages = append(pages, cur)
			cur = ListPage{}
			size = 0
		}
		if cur.Text != "" {
			cur.Text += "\n"
		}
		cur.Text += line
		cur.Feeds = append(cur.Feeds, f)
		size += n
	}
	return append(pages, cur)
}

func feedLine(f *model.Feed) string {
	link := f.Link
	if link == "" {
		link = f.URL
	}
	line := fmt.Sprintf(`<a href="%s">%s</a>`,
		html.EscapeString(link), html.EscapeString(delivery.Truncate(f.DisplayTitle(), 200)))
	if f.Dead && f.DownSince != nil {
		line += " (unreachable since " + humanize.Time(*f.DownSince) + ")"
	} else if f.Dead {
		line += " (unreachable)"
	}
	return line
}

// FormatFeedLink renders a feed as an HTML link to its site.
func FormatFeedLink(f *model.Feed) string {
	link := f.Link
	if link == "" {
		link = f.URL
	}
	return fmt.Sprintf(`<a href="%s">%s</a>`, html.EscapeString(link), html.EscapeString(f.DisplayTitle()))
}

// FormatFetchError describes why a feed could not be subscribed to.
func FormatFetchError(err error) string {
	var fe *fetcher.FetchError
	if errors.As(err, &fe) {
		switch fe.Kind {
		case fetcher.KindHTTP:
			return fmt.Sprintf("the server answered with status %d", fe.StatusCode)
		case fetcher.KindTimeout:
			return "the request timed out"
		case fetcher.KindTooLarge:
			return "the feed is too large"
		case fetcher.KindTLS:
			return "the TLS certificate is invalid"
		default:
			return "the server could not be reached"
		}
	}
	var pe *parser.Error
	if errors.As(err, &pe) {
		return "the document is not an RSS, Atom or JSON feed"
	}
	return err.Error()
}

type opml struct {
	XMLName xml.Name      `xml:"opml"`
	Version string        `xml:"version,attr"`
	Head    opmlHead      `xml:"head"`
	Body    []opmlOutline `xml:"body>outline"`
}

type opmlHead struct {
	Title       string `xml:"title"`
	DateCreated string `xml:"dateCreated"`
	Docs        string `xml:"docs"`
}

type opmlOutline struct {
	Type    string `xml:"type,attr"`
	Text    string `xml:"text,attr"`
	XMLURL  string `xml:"xmlUrl,attr"`
	HTMLURL string `xml:"htmlUrl,attr,omitempty"`
}

// FormatOPML renders feeds as an OPML 2.0 document.
func FormatOPML(feeds []*model.Feed, now time.Time) ([]byte, error) {
	doc := opml{
		Version: "2.0",
		Head: opmlHead{
			Title:       "Exported from rss_relay",
			DateCreated: now.Format(time.RFC1123Z),
			Docs:        "http://opml.org/spec2.opml",
		},
	}
	for _, f := range feeds {
		doc.Body = append(doc.Body, opmlOutline{
			Type:    "rss",
			Text:    f.DisplayTitle(),
			XMLURL:  f.URL,
			HTMLURL: f.Link,
		})
	}

	out, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal opml: %w", err)
	}
	return append([]byte(xml.Header), out...), nil
}

const startText = `Welcome to the RSS relay bot!

Send /sub <url> to subscribe this chat to a feed. New posts will be delivered here as they appear.

Use /help for the full command reference.`

const helpText = `Commands:
/sub [channel] <url> - subscribe to a feed
/unsub [channel] <url> - unsubscribe from a feed
/list [channel] - show subscriptions (alias /rss)
/export [channel] - export subscriptions as OPML
/check [channel] <url> - check a feed now

channel is a @username or numeric ID of a channel where both you and the bot are administrators.`
