package bot

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"rss_relay/internal/dedup"
)

// TargetArgs holds a command's optional channel target and its value.
type TargetArgs struct {
	Channel string
	Value   string
}

// ParseTargetArgs parses "[channel] <value>" when needValue is set, and
// "[channel]" otherwise.
func ParseTargetArgs(args string, needValue bool) (TargetArgs, error) {
	parts := strings.Fields(args)
	if needValue {
		switch len(parts) {
		case 1:
			return TargetArgs{Value: parts[0]}, nil
		case 2:
			return TargetArgs{Channel: parts[0], Value: parts[1]}, nil
		default:
			return TargetArgs{}, fmt.Errorf("expected [channel] <url>")
		}
	}
	switch len(parts) {
	case 0:
		return TargetArgs{}, nil
	case 1:
		return TargetArgs{Channel: parts[0]}, nil
	default:
		return TargetArgs{}, fmt.Errorf("expected at most one channel")
	}
}

// ParseFeedURL validates a feed URL and returns it in canonical form:
// lower-case scheme and host, no fragment.
func ParseFeedURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("invalid URL %q", raw)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("URL must start with http:// or https://")
	}
	if u.Host == "" {
		return "", fmt.Errorf("URL %q has no host", raw)
	}
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.RawFragment = ""
	return u.String(), nil
}

// channelConfig addresses a channel by numeric ID or @username.
func channelConfig(channel string) tgbotapi.ChatConfig {
	if id, err := strconv.ParseInt(channel, 10, 64); err == nil {
		return tgbotapi.ChatConfig{ChatID: id}
	}
	if !strings.HasPrefix(channel, "@") {
		channel = "@" + channel
	}
	return tgbotapi.ChatConfig{SuperGroupUsername: channel}
}

// feedToken identifies a feed inside callback data, which Telegram limits
// to 64 bytes.
func feedToken(feedURL string) string {
	return dedup.Hash(feedURL)[:16]
}

// unsubCallback builds the callback data of an unsubscribe button. target
// is omitted when it is the chat the button is shown in.
func unsubCallback(feedURL string, target, chatID int64) string {
	data := cbUnsub + ":" + feedToken(feedURL)
	if target != chatID {
		data += ":" + strconv.FormatInt(target, 10)
	}
	return data
}

// CallbackData is a parsed inline button payload.
type CallbackData struct {
	Action string
	Token  string
	Target int64
}

// ParseCallbackData parses "action:token[:target]".
func ParseCallbackData(data string) (CallbackData, error) {
	parts := strings.Split(data, ":")
	if len(parts) < 2 || len(parts) > 3 || parts[0] == "" || parts[1] == "" {
		return CallbackData{}, fmt.Errorf("malformed callback data %q", data)
	}
	cd := CallbackData{Action: parts[0], Token: parts[1]}
	if len(parts) == 3 {
		id, err := strconv.ParseInt(parts[2], 10, 64)
		if err != nil {
			return CallbackData{}, fmt.Errorf("invalid callback target %q", parts[2])
		}
		cd.Target = id
	}
	return cd, nil
}
