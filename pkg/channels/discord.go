package channels

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/bwmarrin/discordgo"

	"github.com/microclaw/microclaw/pkg/bus"
	"github.com/microclaw/microclaw/pkg/config"
	"github.com/microclaw/microclaw/pkg/logger"
	"github.com/microclaw/microclaw/pkg/utils"
)

const discordMessageLimit = 2000

// DiscordChannel talks to Discord over its gateway websocket.
type DiscordChannel struct {
	*BaseChannel
	cfg     config.DiscordConfig
	session *discordgo.Session
}

func NewDiscordChannel(cfg config.DiscordConfig, messageBus *bus.MessageBus) (*DiscordChannel, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("discord token not configured")
	}
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentMessageContent

	return &DiscordChannel{
		BaseChannel: NewBaseChannel("discord", messageBus, cfg.AllowFrom),
		cfg:         cfg,
		session:     session,
	}, nil
}

func (c *DiscordChannel) Start(ctx context.Context) error {
	c.session.AddHandler(c.onMessage)
	if err := c.session.Open(); err != nil {
		return fmt.Errorf("open discord gateway: %w", err)
	}
	c.setRunning(true)
	return nil
}

func (c *DiscordChannel) Stop(ctx context.Context) error {
	c.setRunning(false)
	return c.session.Close()
}

func (c *DiscordChannel) onMessage(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot {
		return
	}
	if s.State != nil && s.State.User != nil && m.Author.ID == s.State.User.ID {
		return
	}

	allowKey := m.Author.ID
	if m.Author.Username != "" {
		allowKey = m.Author.ID + "|" + m.Author.Username
	}
	if !c.IsAllowed(allowKey) {
		logger.WarnCF("discord", "Message from disallowed sender dropped", map[string]interface{}{
			"sender_id": m.Author.ID, "username": m.Author.Username,
		})
		return
	}

	var mediaPaths []string
	for _, att := range m.Attachments {
		if path := utils.DownloadFile(att.URL, utils.SanitizeFilename(att.Filename),
			utils.DownloadOptions{LoggerPrefix: "discord"}); path != "" {
			mediaPaths = append(mediaPaths, path)
		}
	}

	content := m.Content
	if content == "" && len(mediaPaths) > 0 {
		content = fmt.Sprintf("[User sent a file: %s]", filepath.Base(mediaPaths[0]))
	}
	if content == "" {
		return
	}

	metadata := map[string]string{"message_id": m.ID}
	if m.GuildID != "" {
		metadata["guild_id"] = m.GuildID
	}

	c.HandleMessage(m.Author.ID, m.ChannelID, content, mediaPaths, metadata)
}

func (c *DiscordChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if msg.Content != "" {
		for _, part := range splitLargeMessage(msg.Content, discordMessageLimit) {
			if _, err := c.session.ChannelMessageSend(msg.ChatID, part); err != nil {
				return fmt.Errorf("send message: %w", err)
			}
		}
	}

	for _, path := range msg.Media {
		f, err := os.Open(path)
		if err != nil {
			logger.ErrorCF("discord", "Failed to open media", map[string]interface{}{
				"path": path, "error": err.Error(),
			})
			continue
		}
		_, err = c.session.ChannelFileSend(msg.ChatID, filepath.Base(path), f)
		f.Close()
		if err != nil {
			logger.ErrorCF("discord", "Failed to send media", map[string]interface{}{
				"path": path, "error": err.Error(),
			})
		}
	}
	return nil
}
