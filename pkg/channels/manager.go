package channels

import (
	"context"
	"fmt"

	"github.com/microclaw/microclaw/pkg/bus"
	"github.com/microclaw/microclaw/pkg/config"
	"github.com/microclaw/microclaw/pkg/logger"
)

// Manager owns every enabled chat surface: it builds them from config, starts
// and stops them together, and subscribes each one to its outbound queue.
type Manager struct {
	bus      *bus.MessageBus
	channels map[string]Channel
}

func NewManager(cfg *config.Config, messageBus *bus.MessageBus) (*Manager, error) {
	m := &Manager{
		bus:      messageBus,
		channels: make(map[string]Channel),
	}

	if cfg.Channels.Telegram.Enabled {
		ch, err := NewTelegramChannel(cfg.Channels.Telegram, messageBus)
		if err != nil {
			return nil, fmt.Errorf("telegram channel: %w", err)
		}
		m.channels[ch.Name()] = ch
	}

	if cfg.Channels.Discord.Enabled {
		ch, err := NewDiscordChannel(cfg.Channels.Discord, messageBus)
		if err != nil {
			return nil, fmt.Errorf("discord channel: %w", err)
		}
		m.channels[ch.Name()] = ch
	}

	if cfg.Channels.Slack.Enabled {
		ch, err := NewSlackChannel(cfg.Channels.Slack, messageBus)
		if err != nil {
			return nil, fmt.Errorf("slack channel: %w", err)
		}
		m.channels[ch.Name()] = ch
	}

	if cfg.Channels.WhatsApp.Enabled {
		ch, err := NewWhatsAppChannel(cfg.Channels.WhatsApp, messageBus)
		if err != nil {
			return nil, fmt.Errorf("whatsapp channel: %w", err)
		}
		m.channels[ch.Name()] = ch
	}

	return m, nil
}

// StartAll starts every channel and wires it to the bus. A channel that fails
// to start is logged and skipped so one bad token doesn't take down the rest.
func (m *Manager) StartAll(ctx context.Context) {
	for name, ch := range m.channels {
		if err := ch.Start(ctx); err != nil {
			logger.ErrorCF("channels", "Failed to start channel", map[string]interface{}{
				"channel": name, "error": err.Error(),
			})
			continue
		}
		ch := ch
		m.bus.SubscribeOutbound(name, func(msg bus.OutboundMessage) error {
			return ch.Send(ctx, msg)
		})
		logger.InfoCF("channels", "Channel started", map[string]interface{}{"channel": name})
	}
}

// StopAll stops every channel.
func (m *Manager) StopAll(ctx context.Context) {
	for name, ch := range m.channels {
		if err := ch.Stop(ctx); err != nil {
			logger.WarnCF("channels", "Failed to stop channel", map[string]interface{}{
				"channel": name, "error": err.Error(),
			})
		}
	}
}

// Names lists the configured channels.
func (m *Manager) Names() []string {
	out := make([]string, 0, len(m.channels))
	for name := range m.channels {
		out = append(out, name)
	}
	return out
}

// Count reports how many channels are configured.
func (m *Manager) Count() int {
	return len(m.channels)
}
