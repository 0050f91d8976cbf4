// Package telegram delivers gateway messages through the Telegram Bot API.
package telegram

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"roombridge/internal/transport"
	logx "roombridge/pkg/logx"
)

const textLimit = 4000

type Config struct {
	Token string
	// ThreadID targets a forum topic; 0 posts to the main thread.
	ThreadID int
	Timeout  time.Duration
}

// Sender implements transport.ChannelSender. The bot never polls for
// updates; it only sends.
type Sender struct {
	cfg Config
	log logx.Logger

	mu  sync.Mutex
	bot *tele.Bot
}

var _ transport.ChannelSender = (*Sender)(nil)

func New(cfg Config, log logx.Logger) (*Sender, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Sender{cfg: cfg, log: log}, nil
}

func (s *Sender) Name() string { return "telegram" }

// Login validates the token with getMe.
func (s *Sender) Login(ctx context.Context) error {
	_, err := s.ensureBot(ctx)
	return err
}

func (s *Sender) ensureBot(ctx context.Context) (*tele.Bot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bot != nil {
		return s.bot, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  s.cfg.Token,
		Client: &http.Client{Timeout: s.cfg.Timeout},
	})
	if err != nil {
		return nil, err
	}
	s.bot = b
	s.log.Info("telegram logged in", logx.String("bot", b.Me.Username))
	return b, nil
}

func (s *Sender) SendToChannel(ctx context.Context, channelID int64, text string) error {
	b, err := s.ensureBot(ctx)
	if err != nil {
		return err
	}
	chat := &tele.Chat{ID: channelID}
	for _, chunk := range transport.SplitText(text, textLimit) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := b.Send(chat, chunk, &tele.SendOptions{
			DisableWebPagePreview: true,
			ThreadID:              s.cfg.ThreadID,
		}); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sender) Close() error {
	s.mu.Lock()
	s.bot = nil
	s.mu.Unlock()
	return nil
}
