package delivery

import (
	"html"
	"strings"
	"unicode/utf8"

	"rss_relay/internal/model"
)

// MaxMessageRunes is the platform limit for one message.
const MaxMessageRunes = 4096

const ellipsis = "…"

// Render formats one item as an HTML message.
func Render(feed *model.Feed, item model.Item) string {
	feedTitle := feed.DisplayTitle()
	title := item.Title
	if title == "" {
		title = feedTitle
	}
	link := item.Link
	if link == "" {
		link = feed.Link
	}

	build := func(feedTitle, title string, withLink bool) string {
		var b strings.Builder
		b.WriteString("<b>")
		b.WriteString(html.EscapeString(feedTitle))
		b.WriteString("</b>\n")
		if withLink && link != "" {
			b.WriteString(`<a href="`)
			b.WriteString(html.EscapeString(link))
			b.WriteString(`">`)
			b.WriteString(html.EscapeString(title))
			b.WriteString("</a>")
		} else {
			b.WriteString(html.EscapeString(title))
		}
		return b.String()
	}

	// Cuts happen on the raw titles before escaping, so an entity or tag is
	// never split. A link too long to fit next to two ellipses is dropped.
	withLink := link != "" && fits(build(ellipsis, ellipsis, true))
	msg := build(feedTitle, title, withLink)
	title = shrink(title, func(t string) string { return build(feedTitle, t, withLink) }, &msg)
	shrink(feedTitle, func(t string) string { return build(t, title, withLink) }, &msg)
	return msg
}

// shrink cuts s to the longest prefix for which render still fits, updating
// *msg. It gives up when even the ellipsis alone does not fit.
func shrink(s string, render func(string) string, msg *string) string {
	if fits(*msg) {
		return s
	}
	r := []rune(s)
	lo, hi := 0, len(r)-1
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if fits(render(string(r[:mid]) + ellipsis)) {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	s = string(r[:lo]) + ellipsis
	*msg = render(s)
	return s
}

func fits(msg string) bool {
	return utf8.RuneCountInString(msg) <= MaxMessageRunes
}

// Truncate cuts s to at most n runes.
func Truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n-1]) + ellipsis
}
