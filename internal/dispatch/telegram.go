package dispatch

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"bugwatch/internal/format"
	logx "bugwatch/pkg/logx"
)

// Telegram sends plain-text messages to one chat (and optional forum thread)
// through the Bot API.
type Telegram struct {
	bot      *tele.Bot
	chat     *tele.Chat
	threadID int
	lim      *rate.Limiter
	log      logx.Logger
}

func newTelegram(cfg Config, lim *rate.Limiter, log logx.Logger) (*Telegram, error) {
	if strings.TrimSpace(cfg.TelegramToken) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.TelegramChatID == 0 {
		return nil, errors.New("telegram chat id is empty")
	}
	// Offline skips the getMe round trip; the bot never polls for updates.
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.TelegramToken,
		URL:     strings.TrimSpace(cfg.TelegramAPIURL),
		Offline: true,
		Client:  &http.Client{Timeout: cfg.Timeout},
	})
	if err != nil {
		return nil, err
	}
	return &Telegram{
		bot:      b,
		chat:     &tele.Chat{ID: cfg.TelegramChatID},
		threadID: cfg.TelegramThreadID,
		lim:      lim,
		log:      log,
	}, nil
}

func (t *Telegram) Send(ctx context.Context, p format.Payload) error {
	if err := wait(ctx, t.lim, "telegram"); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return &DispatchError{Backend: "telegram", Err: err}
	}

	msg, err := t.bot.Send(t.chat, p.Text, &tele.SendOptions{
		ThreadID:              t.threadID,
		DisableWebPagePreview: true,
	})
	if err != nil {
		de := &DispatchError{Backend: "telegram", Err: err}
		var apiErr *tele.Error
		if errors.As(err, &apiErr) {
			de.StatusCode = apiErr.Code
		}
		return de
	}
	t.log.Debug("telegram delivered", logx.Int64("chat_id", t.chat.ID), logx.Int("message_id", msg.ID))
	return nil
}
