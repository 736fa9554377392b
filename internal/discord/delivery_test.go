package discord

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/notionwatch/internal/notify"
	"github.com/bwmarrin/discordgo"
)

type fakeChannelAPI struct {
	channels  map[string]*discordgo.Channel
	lookupErr error
	sendErr   error
	sent      []*discordgo.MessageEmbed
	sentTo    []string
	lookups   int
}

func (f *fakeChannelAPI) Channel(channelID string, _ ...discordgo.RequestOption) (*discordgo.Channel, error) {
	f.lookups++
	if f.lookupErr != nil {
		return nil, f.lookupErr
	}
	channel, ok := f.channels[channelID]
	if !ok {
		return nil, &discordgo.RESTError{Response: &http.Response{StatusCode: http.StatusNotFound}}
	}
	return channel, nil
}

func (f *fakeChannelAPI) ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.sentTo = append(f.sentTo, channelID)
	f.sent = append(f.sent, embed)
	return &discordgo.Message{ChannelID: channelID}, nil
}

type fakeCache map[string]*discordgo.Channel

func (c fakeCache) Channel(channelID string) (*discordgo.Channel, error) {
	channel, ok := c[channelID]
	if !ok {
		return nil, discordgo.ErrStateNotFound
	}
	return channel, nil
}

func TestResolveChannel(t *testing.T) {
	testCases := []struct {
		name       string
		api        *fakeChannelAPI
		cache      fakeCache
		channelID  string
		expected   bool
		expectErr  bool
		apiLookups int
	}{
		{
			name:       "cached",
			api:        &fakeChannelAPI{},
			cache:      fakeCache{"c1": {ID: "c1"}},
			channelID:  "c1",
			expected:   true,
			apiLookups: 0,
		},
		{
			name:       "rest lookup",
			api:        &fakeChannelAPI{channels: map[string]*discordgo.Channel{"c2": {ID: "c2"}}},
			channelID:  "c2",
			expected:   true,
			apiLookups: 1,
		},
		{
			name:       "unknown channel",
			api:        &fakeChannelAPI{},
			cache:      fakeCache{},
			channelID:  "missing",
			expected:   false,
			apiLookups: 1,
		},
		{
			name:       "transport failure",
			api:        &fakeChannelAPI{lookupErr: errors.New("connection reset")},
			channelID:  "c3",
			expectErr:  true,
			apiLookups: 1,
		},
		{
			name:      "empty id",
			api:       &fakeChannelAPI{},
			channelID: " ",
			expectErr: true,
		},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			cfg := DeliveryConfig{API: testCase.api}
			if testCase.cache != nil {
				cfg.Cache = testCase.cache
			}
			delivery, err := NewDelivery(cfg)
			if err != nil {
				t.Fatalf("failed to create delivery: %v", err)
			}
			resolved, err := delivery.ResolveChannel(context.Background(), testCase.channelID)
			if testCase.expectErr != (err != nil) {
				t.Fatalf("unexpected error state: %v", err)
			}
			if resolved != testCase.expected {
				t.Fatalf("expected resolved=%v, got %v", testCase.expected, resolved)
			}
			if testCase.api.lookups != testCase.apiLookups {
				t.Fatalf("expected %d api lookups, got %d", testCase.apiLookups, testCase.api.lookups)
			}
		})
	}
}

func TestSendBuildsEmbed(t *testing.T) {
	api := &fakeChannelAPI{}
	delivery, err := NewDelivery(DeliveryConfig{API: api})
	if err != nil {
		t.Fatalf("failed to create delivery: %v", err)
	}
	message := notify.Message{
		Title:       "更新通知: Launch",
		Description: "**Launch**",
		URL:         "https://notion.so/r1",
		Color:       notify.ColorRed,
		Fields:      []notify.Field{{Name: "Status", Value: "Done", Inline: true}},
		Timestamp:   time.Date(2026, 10, 2, 9, 30, 0, 0, time.UTC),
		Footer:      "Notion Monitor Bot",
	}
	if err := delivery.Send(context.Background(), "c1", message); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if len(api.sent) != 1 || api.sentTo[0] != "c1" {
		t.Fatalf("unexpected sends %v", api.sentTo)
	}
	embed := api.sent[0]
	if embed.Title != message.Title || embed.Color != notify.ColorRed || embed.URL != message.URL {
		t.Fatalf("unexpected embed %#v", embed)
	}
	if embed.Timestamp != "2026-10-02T09:30:00Z" {
		t.Fatalf("unexpected timestamp %q", embed.Timestamp)
	}
	if embed.Footer == nil || embed.Footer.Text != "Notion Monitor Bot" {
		t.Fatalf("unexpected footer %#v", embed.Footer)
	}
	if len(embed.Fields) != 1 || embed.Fields[0].Name != "Status" || !embed.Fields[0].Inline {
		t.Fatalf("unexpected fields %#v", embed.Fields)
	}
}

func TestSendWrapsRejection(t *testing.T) {
	rejection := errors.New("missing permissions")
	delivery, err := NewDelivery(DeliveryConfig{API: &fakeChannelAPI{sendErr: rejection}})
	if err != nil {
		t.Fatalf("failed to create delivery: %v", err)
	}
	if err := delivery.Send(context.Background(), "c1", notify.Message{Title: "x"}); !errors.Is(err, rejection) {
		t.Fatalf("expected wrapped rejection, got %v", err)
	}
}

func TestNewBotRequiresToken(t *testing.T) {
	bot, err := NewBot("abc", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if bot.session.Token != "Bot abc" {
		t.Fatalf("expected bot token prefix, got %q", bot.session.Token)
	}

	if _, err := NewBot("  ", nil); !errors.Is(err, errMissingToken) {
		t.Fatalf("expected errMissingToken, got %v", err)
	}
}
