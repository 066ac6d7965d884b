package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"time"

	tele "gopkg.in/telebot.v4"
)

// TelegramClient delivers reminders through the Bot API. It never polls
// for updates; it only sends.
type TelegramClient struct {
	bot *tele.Bot
}

type TelegramOptions struct {
	Token string
	// APIURL overrides https://api.telegram.org, mainly for tests.
	APIURL  string
	Timeout time.Duration
}

func NewTelegramClient(opts TelegramOptions) (*TelegramClient, error) {
	if opts.Token == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	b, err := tele.NewBot(tele.Settings{
		Token:   opts.Token,
		URL:     opts.APIURL,
		Client:  &http.Client{Timeout: timeout},
		Offline: true,
	})
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	return &TelegramClient{bot: b}, nil
}

type chatRecipient string

func (c chatRecipient) Recipient() string { return string(c) }

type sendResult struct {
	msg *tele.Message
	err error
}

func (c *TelegramClient) Send(ctx context.Context, chatID, text string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", Transient(err)
	}

	// telebot calls are not context aware; the HTTP client timeout bounds
	// the goroutine when ctx gives up first.
	done := make(chan sendResult, 1)
	go func() {
		msg, err := c.bot.Send(chatRecipient(chatID), text)
		done <- sendResult{msg: msg, err: err}
	}()

	select {
	case <-ctx.Done():
		return "", Transient(ctx.Err())
	case res := <-done:
		if res.err != nil {
			return "", classifyTelegram(res.err)
		}
		if res.msg == nil {
			return "", nil
		}
		return strconv.Itoa(res.msg.ID), nil
	}
}

// telebot formats API errors it has no sentinel for as
// "telegram: <description> (<code>)".
var telegramCodeRe = regexp.MustCompile(`\((\d{3})\)\s*$`)

func classifyTelegram(err error) error {
	var apiErr *tele.Error
	if errors.As(err, &apiErr) {
		return classifyTelegramCode(apiErr.Code, err)
	}
	if m := telegramCodeRe.FindStringSubmatch(err.Error()); m != nil {
		code, _ := strconv.Atoi(m[1])
		return classifyTelegramCode(code, err)
	}
	return Transient(err)
}

func classifyTelegramCode(code int, err error) error {
	// 401 and 404 point at the bot token, not the recipient.
	switch {
	case code == http.StatusBadRequest, code == http.StatusForbidden:
		return Permanent(err)
	default:
		return Transient(err)
	}
}
