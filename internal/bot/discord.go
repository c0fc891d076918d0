package bot

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/bwmarrin/discordgo"
	"github.com/itstheanurag/haskbot/internal/format"
	"github.com/rs/zerolog"
)

var _ Gateway = (*DiscordGateway)(nil)

// DiscordGateway connects to Discord over a single websocket session.
type DiscordGateway struct {
	session *discordgo.Session
	logger  *zerolog.Logger

	mu      sync.Mutex
	removes []func()
}

func NewDiscordGateway(token string, logger *zerolog.Logger) (*DiscordGateway, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("failed to create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	return &DiscordGateway{session: session, logger: logger}, nil
}

// Open registers h and connects. ctx is handed to h for every message, so
// cancelling it aborts in-flight executions.
func (g *DiscordGateway) Open(ctx context.Context, h MessageHandler) error {
	g.mu.Lock()
	g.removes = append(g.removes,
		g.session.AddHandler(func(s *discordgo.Session, r *discordgo.Ready) {
			g.logger.Info().Str("user", r.User.Username).Msg("connected to discord")
		}),
		g.session.AddHandler(func(s *discordgo.Session, r *discordgo.Resumed) {
			g.logger.Info().Msg("discord session resumed")
		}),
		g.session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
			if m.Message == nil || m.Author == nil || s.State.User == nil {
				return
			}
			h.OnMessage(ctx, toInbound(s.State.User.ID, m.Message))
		}),
	)
	g.mu.Unlock()

	if err := g.session.Open(); err != nil {
		return fmt.Errorf("failed to open discord session: %w", err)
	}
	return nil
}

func (g *DiscordGateway) Send(ctx context.Context, channelID string, p format.Payload) error {
	msg := &discordgo.MessageSend{
		Content: p.Text,
		// Program output must never ping anyone.
		AllowedMentions: &discordgo.MessageAllowedMentions{},
	}
	if p.Attachment != nil {
		msg.Files = []*discordgo.File{{
			Name:        p.Attachment.Name,
			ContentType: "text/plain",
			Reader:      bytes.NewReader(p.Attachment.Data),
		}}
	}

	if _, err := g.session.ChannelMessageSendComplex(channelID, msg, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("failed to send message to channel %s: %w", channelID, err)
	}
	return nil
}

func (g *DiscordGateway) Close() error {
	g.mu.Lock()
	for _, remove := range g.removes {
		remove()
	}
	g.removes = nil
	g.mu.Unlock()

	if err := g.session.Close(); err != nil {
		return fmt.Errorf("failed to close discord session: %w", err)
	}
	return nil
}

func toInbound(botID string, m *discordgo.Message) InboundMessage {
	in := InboundMessage{
		ChannelID: m.ChannelID,
		RawText:   m.Content,
	}
	if m.Author != nil {
		in.AuthorID = m.Author.ID
		in.AuthorIsBot = m.Author.Bot
	}
	for _, u := range m.Mentions {
		if u != nil && u.ID == botID {
			in.MentionsBot = true
			break
		}
	}
	return in
}
