package bot

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"rss_relay/internal/config"
	"rss_relay/internal/fetcher"
	"rss_relay/internal/registry"
)

type telegramAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetChat(config tgbotapi.ChatInfoConfig) (tgbotapi.Chat, error)
	GetChatMember(config tgbotapi.GetChatMemberConfig) (tgbotapi.ChatMember, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Fetcher downloads feed documents for new subscriptions.
type Fetcher interface {
	Fetch(ctx context.Context, url string, cond fetcher.Conditional) (*fetcher.Response, error)
}

// Waker is notified when a feed was made due out of schedule.
type Waker interface {
	Wake()
}

type noopWaker struct{}

func (noopWaker) Wake() {}

// Bot is the Telegram bot that handles user commands and delivers messages.
type Bot struct {
	api    telegramAPI
	selfID int64
	reg    *registry.Registry
	fetch  Fetcher
	wake   Waker
	cfg    *config.Config
	log    *slog.Logger
}

// New connects to the Bot API with the given token and client.
func New(token string, client *http.Client, reg *registry.Registry, f Fetcher, cfg *config.Config, log *slog.Logger) (*Bot, error) {
	api, err := tgbotapi.NewBotAPIWithClient(token, tgbotapi.APIEndpoint, client)
	if err != nil {
		return nil, fmt.Errorf("create bot api: %w", err)
	}
	log.Info("authorized on telegram", "username", api.Self.UserName, "bot_id", api.Self.ID)

	return &Bot{
		api:    api,
		selfID: api.Self.ID,
		reg:    reg,
		fetch:  f,
		wake:   noopWaker{},
		cfg:    cfg,
		log:    log,
	}, nil
}

// longPollSeconds is how long getUpdates may wait on the server.
const longPollSeconds = 60

// NewHTTPClient returns the client used for Bot API calls. Each call is
// bounded by timeout, except getUpdates, which may additionally wait out
// the long poll.
func NewHTTPClient(timeout time.Duration) *http.Client {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.Proxy = fetcher.ProxyFunc(fetcher.ProxyEnvironment)
	return &http.Client{Transport: &deadlineTransport{
		next:     tr,
		call:     timeout,
		longPoll: longPollSeconds*time.Second + timeout,
	}}
}

// deadlineTransport puts a per-method deadline on every request. The
// deadline covers reading the body too, so it is released on Close.
type deadlineTransport struct {
	next     http.RoundTripper
	call     time.Duration
	longPoll time.Duration
}

func (t *deadlineTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	d := t.call
	if strings.HasSuffix(req.URL.Path, "/getUpdates") {
		d = t.longPoll
	}
	ctx, cancel := context.WithTimeout(req.Context(), d)
	resp, err := t.next.RoundTrip(req.WithContext(ctx))
	if err != nil {
		cancel()
		return nil, err
	}
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelOnClose) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

// SetScheduler sets the scheduler woken by /check. Call before Run.
func (b *Bot) SetScheduler(w Waker) {
	b.wake = w
}

// Run starts the bot's long-polling loop, blocking until ctx is cancelled.
func (b *Bot) Run(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = longPollSeconds

	updates := b.api.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return
		case update := <-updates:
			if update.CallbackQuery != nil {
				b.handleCallback(ctx, update.CallbackQuery)
				continue
			}
			msg := update.Message
			if msg == nil || msg.From == nil || !msg.IsCommand() {
				continue
			}
			if !b.cfg.IsUserAllowed(msg.From.ID) {
				b.reply(msg.Chat.ID, "Access denied.")
				continue
			}
			b.handleCommand(ctx, msg)
		}
	}
}

func (b *Bot) reply(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.DisableWebPagePreview = true
	b.sendReply(msg)
}

func (b *Bot) replyHTML(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	msg.DisableWebPagePreview = true
	b.sendReply(msg)
}

func (b *Bot) sendReply(c tgbotapi.Chattable) {
	if _, err := b.api.Send(c); err != nil {
		b.log.Error("send reply", "error", err)
	}
}

func (b *Bot) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	cmd := msg.Command()
	args := strings.TrimSpace(msg.CommandArguments())
	chatID := msg.Chat.ID

	b.log.Debug("command", "cmd", cmd, "args", args, "chat_id", chatID, "user_id", msg.From.ID)

	switch cmd {
	case "start":
		b.handleStart(chatID)
	case "help":
		b.handleHelp(chatID)
	case "sub":
		b.handleSub(ctx, chatID, msg.From.ID, args)
	case "unsub":
		b.handleUnsub(ctx, chatID, msg.From.ID, args)
	case "list", "rss":
		b.handleList(ctx, chatID, msg.From.ID, args)
	case "export":
		b.handleExport(ctx, chatID, msg.From.ID, args)
	case cmdCheck:
		b.handleCheck(ctx, chatID, msg.From.ID, args)
	default:
		b.reply(chatID, "Unknown command. Use /help for a list of commands.")
	}
}
