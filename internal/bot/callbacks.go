package bot

import (
	"context"
	"strconv"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"rss_relay/internal/delivery"
)

const (
	cmdCheck = "check"
	cbUnsub  = "unsub"
)

const maxLabelRunes = 40

func truncateLabel(s string) string {
	return delivery.Truncate(s, maxLabelRunes)
}

func (b *Bot) handleCallback(ctx context.Context, cb *tgbotapi.CallbackQuery) {
	if cb.Message == nil || cb.From == nil {
		return
	}
	chatID := cb.Message.Chat.ID

	if _, err := b.api.Request(tgbotapi.NewCallback(cb.ID, "")); err != nil {
		b.log.Error("send callback ack", "error", err)
	}

	if !b.cfg.IsUserAllowed(cb.From.ID) {
		b.reply(chatID, "Access denied.")
		return
	}

	data, err := ParseCallbackData(cb.Data)
	if err != nil {
		b.log.Debug("ignore callback", "data", cb.Data, "error", err)
		return
	}

	b.log.Info("callback",
		"action", data.Action,
		"chat_id", chatID,
		"user_id", cb.From.ID,
		"username", cb.From.UserName,
	)

	switch data.Action {
	case cbUnsub:
		target := chatID
		if data.Target != 0 && data.Target != chatID {
			var ok bool
			if target, ok = b.resolveTarget(chatID, cb.From.ID, strconv.FormatInt(data.Target, 10)); !ok {
				return
			}
		}
		for _, f := range b.reg.List(target) {
			if feedToken(f.URL) == data.Token {
				b.unsubscribe(ctx, chatID, target, f.URL)
				return
			}
		}
		b.reply(chatID, "Not subscribed to this feed.")
	}
}
