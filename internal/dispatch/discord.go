package dispatch

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
)

const discordMaxChars = 2000

// DiscordTransport posts messages to Discord channels over the REST API.
// Chat ids are channel ids. No gateway connection is opened.
type DiscordTransport struct {
	session *discordgo.Session
}

func NewDiscordTransport(token string) (*DiscordTransport, error) {
	if token == "" {
		return nil, fmt.Errorf("discord: bot token is required")
	}
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("discord: creating session: %w", err)
	}
	return &DiscordTransport{session: session}, nil
}

func (t *DiscordTransport) Send(ctx context.Context, chatID, content string) error {
	for _, chunk := range splitMessage(content, discordMaxChars) {
		msg := &discordgo.MessageSend{Content: chunk}
		if _, err := t.session.ChannelMessageSendComplex(chatID, msg, discordgo.WithContext(ctx)); err != nil {
			return fmt.Errorf("discord: sending to %s: %w", chatID, err)
		}
	}
	return nil
}
