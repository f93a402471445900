package bot

import (
	"encoding/xml"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/go-cmp/cmp"

	"rss_relay/internal/delivery"
	"rss_relay/internal/fetcher"
	"rss_relay/internal/model"
	"rss_relay/internal/parser"
)

func TestParseTargetArgs(t *testing.T) {
	tests := []struct {
		name      string
		args      string
		needValue bool
		want      TargetArgs
		wantErr   bool
	}{
		{name: "url only", args: "https://a.com/rss", needValue: true, want: TargetArgs{Value: "https://a.com/rss"}},
		{name: "channel and url", args: "@news https://a.com/rss", needValue: true, want: TargetArgs{Channel: "@news", Value: "https://a.com/rss"}},
		{name: "missing url", args: "", needValue: true, wantErr: true},
		{name: "too many", args: "a b c", needValue: true, wantErr: true},
		{name: "no channel", args: "", want: TargetArgs{}},
		{name: "channel only", args: "-100123", want: TargetArgs{Channel: "-100123"}},
		{name: "extra words", args: "@a @b", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseTargetArgs(tt.args, tt.needValue)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseTargetArgs() error = %v, wantErr %v", err, tt.wantErr)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("ParseTargetArgs() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestParseFeedURL(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "https://example.com/rss", want: "https://example.com/rss"},
		{in: "HTTP://Example.COM/Feed?x=1#top", want: "http://example.com/Feed?x=1"},
		{in: "  https://example.com/rss  ", want: "https://example.com/rss"},
		{in: "ftp://example.com/rss", wantErr: true},
		{in: "example.com/rss", wantErr: true},
		{in: "https:///rss", wantErr: true},
		{in: "://bad", wantErr: true},
	}

	for _, tt := range tests {
		got, err := ParseFeedURL(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseFeedURL(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if diff := cmp.Diff(tt.want, got); diff != "" {
			t.Errorf("ParseFeedURL(%q) mismatch (-want +got):\n%s", tt.in, diff)
		}
	}
}

func TestChannelConfig(t *testing.T) {
	tests := []struct {
		in   string
		want tgbotapi.ChatConfig
	}{
		{in: "-1001234", want: tgbotapi.ChatConfig{ChatID: -1001234}},
		{in: "@news", want: tgbotapi.ChatConfig{SuperGroupUsername: "@news"}},
		{in: "news", want: tgbotapi.ChatConfig{SuperGroupUsername: "@news"}},
	}
	for _, tt := range tests {
		if diff := cmp.Diff(tt.want, channelConfig(tt.in)); diff != "" {
			t.Errorf("channelConfig(%q) mismatch (-want +got):\n%s", tt.in, diff)
		}
	}
}

func TestParseCallbackData(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		want    CallbackData
		wantErr bool
	}{
		{name: "own chat", data: "unsub:abcdef0123456789", want: CallbackData{Action: "unsub", Token: "abcdef0123456789"}},
		{name: "channel target", data: "unsub:abc:-100123", want: CallbackData{Action: "unsub", Token: "abc", Target: -100123}},
		{name: "no colon", data: "unsub", wantErr: true},
		{name: "empty token", data: "unsub:", wantErr: true},
		{name: "bad target", data: "unsub:abc:x", wantErr: true},
		{name: "too many parts", data: "a:b:1:2", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseCallbackData(tt.data)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseCallbackData() error = %v, wantErr %v", err, tt.wantErr)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("ParseCallbackData() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestUnsubCallbackFitsTelegramLimit(t *testing.T) {
	data := unsubCallback("https://example.com/"+strings.Repeat("x", 500), -1001234567890123, 1)
	if len(data) > 64 {
		t.Errorf("callback data is %d bytes: %q", len(data), data)
	}
	got, err := ParseCallbackData(data)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(int64(-1001234567890123), got.Target); diff != "" {
		t.Errorf("target mismatch (-want +got):\n%s", diff)
	}
}

func TestFormatFeedList(t *testing.T) {
	down := time.Now().Add(-3 * time.Hour)

	t.Run("single page", func(t *testing.T) {
		feeds := []*model.Feed{
			{URL: "https://a.com/rss", Title: "A & B", Link: "https://a.com/"},
			{URL: "https://b.com/rss"},
			{URL: "https://c.com/rss", Title: "C", Dead: true, DownSince: &down},
		}
		pages := FormatFeedList(feeds)
		if diff := cmp.Diff(1, len(pages)); diff != "" {
			t.Fatalf("page count mismatch (-want +got):\n%s", diff)
		}
		want := "Subscriptions:\n" +
			`<a href="https://a.com/">A &amp; B</a>` + "\n" +
			`<a href="https://b.com/rss">https://b.com/rss</a>` + "\n" +
			`<a href="https://c.com/rss">C</a> (unreachable since 3 hours ago)`
		if diff := cmp.Diff(want, pages[0].Text); diff != "" {
			t.Errorf("page mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("splits long lists", func(t *testing.T) {
		var feeds []*model.Feed
		for i := range 200 {
			feeds = append(feeds, &model.Feed{
				URL:   fmt.Sprintf("https://example.com/feeds/%03d.xml", i),
				Title: strings.Repeat("t", 60),
			})
		}
		pages := FormatFeedList(feeds)
		if len(pages) < 2 {
			t.Fatalf("expected several pages, got %d", len(pages))
		}
		total := 0
		for i, p := range pages {
			if n := utf8.RuneCountInString(p.Text); n > delivery.MaxMessageRunes {
				t.Errorf("page %d has %d runes", i, n)
			}
			if diff := cmp.Diff(len(p.Feeds), strings.Count(p.Text, "<a href=")); diff != "" {
				t.Errorf("page %d feeds and lines disagree (-want +got):\n%s", i, diff)
			}
			total += len(p.Feeds)
		}
		if diff := cmp.Diff(len(feeds), total); diff != "" {
			t.Errorf("feeds across pages mismatch (-want +got):\n%s", diff)
		}
	})
}

func TestFormatFetchError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{name: "http status", err: &fetcher.FetchError{Kind: fetcher.KindHTTP, StatusCode: 404}, want: "the server answered with status 404"},
		{name: "timeout", err: &fetcher.FetchError{Kind: fetcher.KindTimeout}, want: "the request timed out"},
		{name: "too large", err: fmt.Errorf("fetch: %w", &fetcher.FetchError{Kind: fetcher.KindTooLarge}), want: "the feed is too large"},
		{name: "tls", err: &fetcher.FetchError{Kind: fetcher.KindTLS}, want: "the TLS certificate is invalid"},
		{name: "network", err: &fetcher.FetchError{Kind: fetcher.KindNetwork}, want: "the server could not be reached"},
		{name: "parse", err: &parser.Error{Err: parser.ErrUnknownFormat}, want: "the document is not an RSS, Atom or JSON feed"},
		{name: "other", err: errors.New("boom"), want: "boom"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, FormatFetchError(tt.err)); diff != "" {
				t.Errorf("FormatFetchError() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestFormatOPML(t *testing.T) {
	now := time.Date(2024, 8, 12, 10, 0, 0, 0, time.UTC)
	feeds := []*model.Feed{
		{URL: "https://a.com/rss", Title: "A & B", Link: "https://a.com/"},
		{URL: "https://b.com/rss"},
	}

	out, err := FormatOPML(feeds, now)
	if err != nil {
		t.Fatalf("FormatOPML() error = %v", err)
	}
	if !strings.HasPrefix(string(out), xml.Header) {
		t.Errorf("missing xml header: %q", out[:40])
	}

	var doc opml
	if err := xml.Unmarshal(out, &doc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	want := opml{
		XMLName: xml.Name{Local: "opml"},
		Version: "2.0",
		Head: opmlHead{
			Title:       "Exported from rss_relay",
			DateCreated: "Mon, 12 Aug 2024 10:00:00 +0000",
			Docs:        "http://opml.org/spec2.opml",
		},
		Body: []opmlOutline{
			{Type: "rss", Text: "A & B", XMLURL: "https://a.com/rss", HTMLURL: "https://a.com/"},
			{Type: "rss", Text: "https://b.com/rss", XMLURL: "https://b.com/rss"},
		},
	}
	if diff := cmp.Diff(want, doc); diff != "" {
		t.Errorf("opml mismatch (-want +got):\n%s", diff)
	}
}

func TestClassifySendError(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		wantKind    delivery.Kind
		wantAfter   time.Duration
		wantMigrate int64
	}{
		{name: "network", err: errors.New("dial tcp: timeout"), wantKind: delivery.KindTransient},
		{name: "server error", err: &tgbotapi.Error{Code: 502, Message: "Bad Gateway"}, wantKind: delivery.KindTransient},
		{name: "blocked", err: &tgbotapi.Error{Code: 403, Message: "Forbidden: bot was blocked by the user"}, wantKind: delivery.KindPermanent},
		{name: "chat not found", err: &tgbotapi.Error{Code: 400, Message: "Bad Request: chat not found"}, wantKind: delivery.KindPermanent},
		{name: "no rights", err: &tgbotapi.Error{Code: 400, Message: "Bad Request: have no rights to send a message"}, wantKind: delivery.KindPermanent},
		{name: "bad markup", err: &tgbotapi.Error{Code: 400, Message: "Bad Request: can't parse entities"}, wantKind: delivery.KindRejected},
		{
			name:      "flood",
			err:       &tgbotapi.Error{Code: 429, Message: "Too Many Requests", ResponseParameters: tgbotapi.ResponseParameters{RetryAfter: 7}},
			wantKind:  delivery.KindRateLimited,
			wantAfter: 7 * time.Second,
		},
		{
			name:        "migrated",
			err:         &tgbotapi.Error{Code: 400, Message: "Bad Request: group chat was upgraded to a supergroup chat", ResponseParameters: tgbotapi.ResponseParameters{MigrateToChatID: -100999}},
			wantKind:    delivery.KindMigrated,
			wantMigrate: -100999,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			se := classifySendError(tt.err)
			got := []any{se.Kind, se.RetryAfter, se.MigrateTo}
			want := []any{tt.wantKind, tt.wantAfter, tt.wantMigrate}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("classifySendError() mismatch (-want +got):\n%s", diff)
			}
			if !errors.Is(se, tt.err) {
				t.Error("classified error does not wrap the original")
			}
		})
	}
}
