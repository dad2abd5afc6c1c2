// Package telegram delivers messages to Telegram chats via the Bot API.
// Destinations are logical names mapped to chat IDs in configuration.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"

	tele "gopkg.in/telebot.v4"

	"groupcast/internal/transport"
	"groupcast/pkg/logx"
)

type Config struct {
	Token string
	// Destinations maps logical destination names to Telegram chat IDs.
	Destinations map[string]int64
}

type Sender struct {
	bot   *tele.Bot
	dests map[string]int64
	log   logx.Logger
}

func New(cfg Config, log logx.Logger) (*Sender, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	// Send-only: no poller, NewBot just validates the token via getMe.
	b, err := tele.NewBot(tele.Settings{Token: cfg.Token})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	dests := make(map[string]int64, len(cfg.Destinations))
	for name, id := range cfg.Destinations {
		dests[name] = id
	}
	return &Sender{bot: b, dests: dests, log: log}, nil
}

func (s *Sender) Name() string { return "telegram" }

// Ready reports destinations with no configured chat ID. The bot itself was
// validated at construction, so no network probe is done here.
func (s *Sender) Ready(ctx context.Context, destinations []string) ([]string, error) {
	var missing []string
	for _, d := range destinations {
		if _, ok := s.dests[d]; !ok {
			missing = append(missing, d)
		}
	}
	return missing, nil
}

func (s *Sender) Send(ctx context.Context, msg transport.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	chatID, ok := s.dests[msg.Destination]
	if !ok {
		return fmt.Errorf("telegram: no chat id for destination %q", msg.Destination)
	}
	chat := &tele.Chat{ID: chatID}

	if msg.Attachment != "" {
		photo := &tele.Photo{File: tele.FromDisk(msg.Attachment), Caption: msg.Text}
		if _, err := s.bot.Send(chat, photo); err != nil {
			return fmt.Errorf("telegram: send photo to %q: %w", msg.Destination, err)
		}
		return nil
	}

	if _, err := s.bot.Send(chat, msg.Text); err != nil {
		return fmt.Errorf("telegram: send to %q: %w", msg.Destination, err)
	}
	return nil
}
