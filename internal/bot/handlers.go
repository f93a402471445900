package bot

import (
	"context"
	"errors"
	"fmt"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"rss_relay/internal/fetcher"
	"rss_relay/internal/parser"
	"rss_relay/internal/registry"
)

func (b *Bot) handleStart(chatID int64) {
	b.reply(chatID, startText)
}

func (b *Bot) handleHelp(chatID int64) {
	b.reply(chatID, helpText)
}

// resolveTarget returns the chat a command acts on: chatID itself, or a
// channel administered by both userID and the bot. It replies and returns
// false when the channel cannot be used.
func (b *Bot) resolveTarget(chatID, userID int64, channel string) (int64, bool) {
	if channel == "" {
		return chatID, true
	}

	cc := channelConfig(channel)
	chat, err := b.api.GetChat(tgbotapi.ChatInfoConfig{ChatConfig: cc})
	if err != nil {
		b.log.Debug("get channel", "channel", channel, "error", err)
		b.reply(chatID, fmt.Sprintf("Channel %s not found.", channel))
		return 0, false
	}
	if !chat.IsChannel() {
		b.reply(chatID, "The target must be a channel.")
		return 0, false
	}

	if !b.isChannelAdmin(chat.ID, userID) {
		b.reply(chatID, "Only channel administrators can use this command.")
		return 0, false
	}
	if !b.isChannelAdmin(chat.ID, b.selfID) {
		b.reply(chatID, "Please make the bot an administrator of the channel.")
		return 0, false
	}
	return chat.ID, true
}

func (b *Bot) isChannelAdmin(channelID, userID int64) bool {
	m, err := b.api.GetChatMember(tgbotapi.GetChatMemberConfig{
		ChatConfigWithUser: tgbotapi.ChatConfigWithUser{ChatID: channelID, UserID: userID},
	})
	if err != nil {
		b.log.Debug("get channel member", "channel_id", channelID, "user_id", userID, "error", err)
		return false
	}
	return m.IsCreator() || m.IsAdministrator()
}

func (b *Bot) handleSub(ctx context.Context, chatID, userID int64, args string) {
	ta, err := ParseTargetArgs(args, true)
	if err != nil {
		b.reply(chatID, "Usage: /sub [channel] <url>")
		return
	}
	feedURL, err := ParseFeedURL(ta.Value)
	if err != nil {
		b.reply(chatID, err.Error())
		return
	}
	target, ok := b.resolveTarget(chatID, userID, ta.Channel)
	if !ok {
		return
	}

	if f, ok := b.reg.Get(feedURL); ok {
		if f.HasSubscriber(target) {
			b.reply(chatID, "Already subscribed to this feed.")
			return
		}
		f, err := b.reg.Subscribe(ctx, feedURL, target, nil)
		if err == nil {
			b.replyHTML(chatID, "Subscribed to "+FormatFeedLink(f))
			return
		}
		if !errors.Is(err, registry.ErrNoFeed) {
			b.subscribeFailed(chatID, feedURL, err)
			return
		}
		// Dropped since Get; fetch it again below.
	}

	b.reply(chatID, "Processing, please wait...")

	resp, err := b.fetch.Fetch(ctx, feedURL, fetcher.Conditional{})
	if err != nil {
		b.subscribeFailed(chatID, feedURL, err)
		return
	}
	parsed, err := parser.Parse(resp.Body, feedURL)
	if err != nil {
		b.subscribeFailed(chatID, feedURL, err)
		return
	}

	f, err := b.reg.Subscribe(ctx, feedURL, target, parsed)
	if err != nil {
		b.subscribeFailed(chatID, feedURL, err)
		return
	}
	b.log.Info("subscribed", "feed", feedURL, "chat_id", target, "subscribers", len(f.Subscribers))
	b.replyHTML(chatID, "Subscribed to "+FormatFeedLink(f))
}

func (b *Bot) subscribeFailed(chatID int64, feedURL string, err error) {
	if errors.Is(err, registry.ErrAlreadySubscribed) {
		b.reply(chatID, "Already subscribed to this feed.")
		return
	}
	var se *registry.StorageError
	if errors.As(err, &se) {
		b.log.Error("subscribe", "feed", feedURL, "error", err)
		b.reply(chatID, "Could not save the subscription, please try again later.")
		return
	}
	b.log.Info("subscribe failed", "feed", feedURL, "error", err)
	b.reply(chatID, "Subscription failed: "+FormatFetchError(err))
}

func (b *Bot) handleUnsub(ctx context.Context, chatID, userID int64, args string) {
	ta, err := ParseTargetArgs(args, true)
	if err != nil {
		b.reply(chatID, "Usage: /unsub [channel] <url>")
		return
	}
	feedURL, err := ParseFeedURL(ta.Value)
	if err != nil {
		b.reply(chatID, err.Error())
		return
	}
	target, ok := b.resolveTarget(chatID, userID, ta.Channel)
	if !ok {
		return
	}
	b.unsubscribe(ctx, chatID, target, feedURL)
}

func (b *Bot) unsubscribe(ctx context.Context, chatID, target int64, feedURL string) {
	f, err := b.reg.Unsubscribe(ctx, feedURL, target)
	switch {
	case errors.Is(err, registry.ErrNoFeed), errors.Is(err, registry.ErrNotSubscribed):
		b.reply(chatID, "Not subscribed to this feed.")
		return
	case err != nil:
		b.log.Error("unsubscribe", "feed", feedURL, "chat_id", target, "error", err)
		b.reply(chatID, "Could not save the change, please try again later.")
		return
	}
	b.log.Info("unsubscribed", "feed", feedURL, "chat_id", target)
	b.replyHTML(chatID, "Unsubscribed from "+FormatFeedLink(f))
}

func (b *Bot) handleList(ctx context.Context, chatID, userID int64, args string) {
	ta, err := ParseTargetArgs(args, false)
	if err != nil {
		b.reply(chatID, "Usage: /list [channel]")
		return
	}
	target, ok := b.resolveTarget(chatID, userID, ta.Channel)
	if !ok {
		return
	}

	feeds := b.reg.List(target)
	if len(feeds) == 0 {
		b.reply(chatID, "The subscription list is empty.")
		return
	}

	for _, page := range FormatFeedList(feeds) {
		if ctx.Err() != nil {
			return
		}
		msg := tgbotapi.NewMessage(chatID, page.Text)
		msg.ParseMode = tgbotapi.ModeHTML
		msg.DisableWebPagePreview = true

		var rows [][]tgbotapi.InlineKeyboardButton
		for _, f := range page.Feeds {
			label := "Unsubscribe: " + truncateLabel(f.DisplayTitle())
			rows = append(rows, tgbotapi.NewInlineKeyboardRow(
				tgbotapi.NewInlineKeyboardButtonData(label, unsubCallback(f.URL, target, chatID)),
			))
		}
		msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(rows...)
		b.sendReply(msg)
	}
}

func (b *Bot) handleExport(_ context.Context, chatID, userID int64, args string) {
	ta, err := ParseTargetArgs(args, false)
	if err != nil {
		b.reply(chatID, "Usage: /export [channel]")
		return
	}
	target, ok := b.resolveTarget(chatID, userID, ta.Channel)
	if !ok {
		return
	}

	feeds := b.reg.List(target)
	if len(feeds) == 0 {
		b.reply(chatID, "The subscription list is empty.")
		return
	}

	doc, err := FormatOPML(feeds, time.Now())
	if err != nil {
		b.log.Error("export opml", "chat_id", target, "error", err)
		b.reply(chatID, "Export failed.")
		return
	}
	b.sendReply(tgbotapi.NewDocument(chatID, tgbotapi.FileBytes{Name: "feeds.opml", Bytes: doc}))
}

func (b *Bot) handleCheck(ctx context.Context, chatID, userID int64, args string) {
	ta, err := ParseTargetArgs(args, true)
	if err != nil {
		b.reply(chatID, "Usage: /check [channel] <url>")
		return
	}
	feedURL, err := ParseFeedURL(ta.Value)
	if err != nil {
		b.reply(chatID, err.Error())
		return
	}
	target, ok := b.resolveTarget(chatID, userID, ta.Channel)
	if !ok {
		return
	}

	f, ok := b.reg.Get(feedURL)
	if !ok || !f.HasSubscriber(target) {
		b.reply(chatID, "Not subscribed to this feed.")
		return
	}
	if err := b.reg.RequestCheck(ctx, feedURL); err != nil {
		b.log.Error("request check", "feed", feedURL, "error", err)
		b.reply(chatID, "Could not schedule the check, please try again later.")
		return
	}
	b.wake.Wake()
	b.replyHTML(chatID, "Checking "+FormatFeedLink(f)+" now.")
}
