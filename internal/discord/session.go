package discord

import (
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

var errMissingToken = errors.New("discord: bot token is required")

// Bot owns the gateway session.
type Bot struct {
	session *discordgo.Session
	logger  *zap.Logger
}

// NewBot creates a session for the token. The "Bot " prefix is added when
// missing.
func NewBot(token string, logger *zap.Logger) (*Bot, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, errMissingToken
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if !strings.HasPrefix(token, "Bot ") {
		token = "Bot " + token
	}
	session, err := discordgo.New(token)
	if err != nil {
		return nil, err
	}
	session.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildMessages
	return &Bot{session: session, logger: logger}, nil
}

// Delivery returns a Delivery backed by the session and its state cache.
func (b *Bot) Delivery() (*Delivery, error) {
	return NewDelivery(DeliveryConfig{API: b.session, Cache: b.session.State, Logger: b.logger})
}

// Open connects to the gateway. onReady runs once after the first Ready
// event.
func (b *Bot) Open(ctx context.Context, onReady func(context.Context)) error {
	b.session.AddHandlerOnce(func(_ *discordgo.Session, ready *discordgo.Ready) {
		username := ""
		if ready.User != nil {
			username = ready.User.Username
		}
		b.logger.Info("discord session ready",
			zap.String("user", username),
			zap.Int("guilds", len(ready.Guilds)))
		if onReady != nil {
			go onReady(ctx)
		}
	})
	return b.session.Open()
}

// Close disconnects from the gateway.
func (b *Bot) Close() error {
	return b.session.Close()
}
