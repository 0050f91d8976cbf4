// Package discord delivers gateway messages through a Discord bot session.
package discord

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"

	"roombridge/internal/transport"
	logx "roombridge/pkg/logx"
)

const textLimit = 2000

type Config struct {
	Token string
}

// Sender implements transport.ChannelSender over a discordgo session.
type Sender struct {
	cfg Config
	log logx.Logger

	mu     sync.Mutex
	sess   *discordgo.Session
	opened bool
}

var _ transport.ChannelSender = (*Sender)(nil)

func New(cfg Config, log logx.Logger) (*Sender, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("discord token is empty")
	}
	if !strings.HasPrefix(token, "Bot ") {
		token = "Bot " + token
	}
	sess, err := discordgo.New(token)
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Sender{cfg: cfg, log: log, sess: sess}, nil
}

func (s *Sender) Name() string { return "discord" }

// Login opens the gateway websocket. Calling it again after a success is a
// no-op.
func (s *Sender) Login(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.opened {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.sess.Open(); err != nil {
		return err
	}
	s.opened = true
	if u := s.sess.State.User; u != nil {
		s.log.Info("discord logged in", logx.String("user", u.Username))
	}
	return nil
}

func (s *Sender) SendToChannel(ctx context.Context, channelID int64, text string) error {
	s.mu.Lock()
	opened := s.opened
	s.mu.Unlock()
	if !opened {
		if err := s.Login(ctx); err != nil {
			return err
		}
	}
	id := strconv.FormatInt(channelID, 10)
	for _, chunk := range transport.SplitText(text, textLimit) {
		if _, err := s.sess.ChannelMessageSend(id, chunk, discordgo.WithContext(ctx)); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.opened {
		return nil
	}
	s.opened = false
	return s.sess.Close()
}
