package discord

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/notionwatch/internal/notify"
	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

var (
	errMissingAPI     = errors.New("discord: channel api is required")
	errMissingChannel = errors.New("discord: channel id is required")
)

// ChannelAPI is the subset of *discordgo.Session used for delivery.
type ChannelAPI interface {
	Channel(channelID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// ChannelCache answers channel lookups from the gateway state.
type ChannelCache interface {
	Channel(channelID string) (*discordgo.Channel, error)
}

// DeliveryConfig describes the delivery dependencies.
type DeliveryConfig struct {
	API    ChannelAPI
	Cache  ChannelCache
	Logger *zap.Logger
}

// Delivery posts notifications as Discord embeds.
type Delivery struct {
	api    ChannelAPI
	cache  ChannelCache
	logger *zap.Logger
}

// NewDelivery constructs a Delivery.
func NewDelivery(cfg DeliveryConfig) (*Delivery, error) {
	if cfg.API == nil {
		return nil, errMissingAPI
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Delivery{api: cfg.API, cache: cfg.Cache, logger: logger}, nil
}

// ResolveChannel reports whether the bot can see the channel. Unknown or
// forbidden channels resolve to false without an error.
func (d *Delivery) ResolveChannel(ctx context.Context, channelID string) (bool, error) {
	channelID = strings.TrimSpace(channelID)
	if channelID == "" {
		return false, errMissingChannel
	}
	if d.cache != nil {
		if channel, err := d.cache.Channel(channelID); err == nil && channel != nil {
			return true, nil
		}
	}
	channel, err := d.api.Channel(channelID, discordgo.WithContext(ctx))
	if err != nil {
		var restErr *discordgo.RESTError
		if errors.As(err, &restErr) && restErr.Response != nil {
			switch restErr.Response.StatusCode {
			case http.StatusNotFound, http.StatusForbidden:
				return false, nil
			}
		}
		d.logger.Warn("discord channel lookup failed", zap.String("channel_id", channelID), zap.Error(err))
		return false, err
	}
	return channel != nil, nil
}

// Send posts the message to the channel.
func (d *Delivery) Send(ctx context.Context, channelID string, message notify.Message) error {
	channelID = strings.TrimSpace(channelID)
	if channelID == "" {
		return errMissingChannel
	}
	if _, err := d.api.ChannelMessageSendEmbed(channelID, toEmbed(message), discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("discord: send to %s: %w", channelID, err)
	}
	return nil
}

func toEmbed(message notify.Message) *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{
		Title:       message.Title,
		Description: message.Description,
		URL:         message.URL,
		Color:       message.Color,
	}
	if !message.Timestamp.IsZero() {
		embed.Timestamp = message.Timestamp.UTC().Format(time.RFC3339)
	}
	if message.Footer != "" {
		embed.Footer = &discordgo.MessageEmbedFooter{Text: message.Footer}
	}
	if len(message.Fields) > 0 {
		embed.Fields = make([]*discordgo.MessageEmbedField, 0, len(message.Fields))
		for _, field := range message.Fields {
			embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
				Name:   field.Name,
				Value:  field.Value,
				Inline: field.Inline,
			})
		}
	}
	return embed
}
