package channels

import (
	"context"
	"strings"
	"sync/atomic"

	"github.com/microclaw/microclaw/pkg/bus"
	"github.com/microclaw/microclaw/pkg/logger"
)

// Channel is one chat transport. Implementations turn platform events into
// inbound bus messages and deliver outbound messages back to the platform.
type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Send(ctx context.Context, msg bus.OutboundMessage) error
}

// BaseChannel carries the behavior every channel shares: allowlist checks,
// running state and publishing into the bus.
type BaseChannel struct {
	name      string
	bus       *bus.MessageBus
	allowFrom []string
	running   atomic.Bool
}

func NewBaseChannel(name string, messageBus *bus.MessageBus, allowFrom []string) *BaseChannel {
	return &BaseChannel{
		name:      name,
		bus:       messageBus,
		allowFrom: allowFrom,
	}
}

func (b *BaseChannel) Name() string {
	return b.name
}

func (b *BaseChannel) setRunning(v bool) {
	b.running.Store(v)
}

func (b *BaseChannel) IsRunning() bool {
	return b.running.Load()
}

// IsAllowed checks the sender against the allowlist. An empty allowlist
// allows everyone. Composite ids like "123|username" match on either part.
func (b *BaseChannel) IsAllowed(senderID string) bool {
	if len(b.allowFrom) == 0 {
		return true
	}
	parts := strings.Split(senderID, "|")
	for _, allowed := range b.allowFrom {
		allowed = strings.TrimSpace(allowed)
		if allowed == "" {
			continue
		}
		if allowed == senderID {
			return true
		}
		for _, p := range parts {
			if allowed == p {
				return true
			}
		}
	}
	return false
}

// HandleMessage publishes one user message into the bus.
func (b *BaseChannel) HandleMessage(senderID, chatID, content string, media []string, metadata map[string]string) {
	b.bus.PublishInbound(bus.InboundMessage{
		Channel:  b.name,
		SenderID: senderID,
		ChatID:   chatID,
		Content:  content,
		Media:    media,
		Metadata: metadata,
	})
	logger.DebugCF(b.name, "Inbound message published", map[string]interface{}{
		"sender_id": senderID,
		"chat_id":   chatID,
	})
}
