// Package telegram publishes posts to a Telegram chat or channel.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"postq/internal/adapter"
)

type Config struct {
	Token  string
	ChatID int64
}

type Publisher struct {
	bot  *tele.Bot
	chat *tele.Chat
}

func New(cfg Config) (*Publisher, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat_id is required")
	}
	b, err := tele.NewBot(tele.Settings{Token: cfg.Token})
	if err != nil {
		return nil, fmt.Errorf("telegram bot init: %w", err)
	}
	return &Publisher{bot: b, chat: &tele.Chat{ID: cfg.ChatID}}, nil
}

func (p *Publisher) Publish(ctx context.Context, content string) (string, error) {
	if ctx != nil {
		select {
		case <-ctx.Done():
			return "", adapter.Transient(ctx.Err())
		default:
		}
	}

	msg, err := p.bot.Send(p.chat, content)
	if err != nil {
		return "", classify(err)
	}
	return strconv.Itoa(msg.ID), nil
}

// classify maps telebot errors onto the core's two-valued taxonomy.
func classify(err error) error {
	var flood tele.FloodError
	if errors.As(err, &flood) {
		return adapter.Transientf("telegram flood limit, retry after %s: %v",
			time.Duration(flood.RetryAfter)*time.Second, err)
	}
	var te *tele.Error
	if errors.As(err, &te) {
		// 4xx responses are API rejections that will not heal on retry.
		if te.Code >= 400 && te.Code < 500 {
			return adapter.Permanent(err)
		}
		return adapter.Transient(err)
	}
	// Transport-level errors may heal.
	return adapter.Transient(err)
}
