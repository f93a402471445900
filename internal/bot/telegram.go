package bot

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"rss_relay/internal/delivery"
)

// Descriptions of 400 responses that mean the bot can no longer post to a
// chat at all, as opposed to this one message being refused.
var chatGoneMessages = []string{
	"chat not found",
	"have no rights to send a message",
	"need administrator rights in the channel chat",
	"not enough rights to send text messages",
	"group chat was deactivated",
	"peer_id_invalid",
}

// Send posts one HTML message to chatID. Failures are returned as
// *delivery.SendError.
func (b *Bot) Send(ctx context.Context, chatID int64, html string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := tgbotapi.NewMessage(chatID, html)
	msg.ParseMode = tgbotapi.ModeHTML
	msg.DisableWebPagePreview = true
	if _, err := b.api.Send(msg); err != nil {
		return classifySendError(err)
	}
	return nil
}

// ChatReachable reports whether the bot may still post to chatID. Private
// chats are assumed reachable; a blocked bot shows up as a failed send.
func (b *Bot) ChatReachable(_ context.Context, chatID int64) (bool, error) {
	chat, err := b.api.GetChat(tgbotapi.ChatInfoConfig{ChatConfig: tgbotapi.ChatConfig{ChatID: chatID}})
	if err != nil {
		if classifySendError(err).Kind == delivery.KindPermanent {
			return false, nil
		}
		return false, err
	}
	if chat.IsPrivate() {
		return true, nil
	}

	me, err := b.api.GetChatMember(tgbotapi.GetChatMemberConfig{
		ChatConfigWithUser: tgbotapi.ChatConfigWithUser{ChatID: chatID, UserID: b.selfID},
	})
	if err != nil {
		if classifySendError(err).Kind == delivery.KindPermanent {
			return false, nil
		}
		return false, err
	}
	return !me.HasLeft() && !me.WasKicked(), nil
}

func classifySendError(err error) *delivery.SendError {
	se := &delivery.SendError{Kind: delivery.KindTransient, Err: err}

	var tgErr *tgbotapi.Error
	if !errors.As(err, &tgErr) {
		return se
	}

	switch {
	case tgErr.MigrateToChatID != 0:
		se.Kind = delivery.KindMigrated
		se.MigrateTo = tgErr.MigrateToChatID
	case tgErr.Code == http.StatusTooManyRequests || tgErr.RetryAfter > 0:
		se.Kind = delivery.KindRateLimited
		se.RetryAfter = time.Duration(tgErr.RetryAfter) * time.Second
	case tgErr.Code == http.StatusForbidden:
		se.Kind = delivery.KindPermanent
	case tgErr.Code == http.StatusBadRequest && chatGone(tgErr.Message):
		se.Kind = delivery.KindPermanent
	case tgErr.Code == http.StatusBadRequest:
		se.Kind = delivery.KindRejected
	}
	return se
}

func chatGone(description string) bool {
	d := strings.ToLower(description)
	for _, m := range chatGoneMessages {
		if strings.Contains(d, m) {
			return true
		}
	}
	return false
}
