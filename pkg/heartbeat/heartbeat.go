package heartbeat

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/microclaw/microclaw/pkg/bus"
	"github.com/microclaw/microclaw/pkg/logger"
	"github.com/microclaw/microclaw/pkg/state"
)

const (
	minInterval = 5 * time.Minute
	// instructionsFile holds the standing instructions the agent reviews on
	// each beat. No file, no beat.
	instructionsFile = "HEARTBEAT.md"
)

// Service periodically wakes the agent on its most recent conversation so it
// can act on standing instructions without user input.
type Service struct {
	bus       *bus.MessageBus
	state     *state.Manager
	workspace string
	interval  time.Duration
}

func NewService(messageBus *bus.MessageBus, stateMgr *state.Manager, workspace string, intervalMinutes int) *Service {
	interval := time.Duration(intervalMinutes) * time.Minute
	if interval < minInterval {
		interval = minInterval
	}
	return &Service{
		bus:       messageBus,
		state:     stateMgr,
		workspace: workspace,
		interval:  interval,
	}
}

func (s *Service) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.beat(ctx)
			}
		}
	}()
	logger.InfoCF("heartbeat", "Heartbeat started", map[string]interface{}{
		"interval": s.interval.String(),
	})
}

func (s *Service) beat(ctx context.Context) {
	instructions := s.readInstructions()
	if instructions == "" {
		return
	}
	channel, chatID := s.state.LastConversation()
	if channel == "" || chatID == "" {
		logger.DebugC("heartbeat", "No conversation yet, skipping beat")
		return
	}

	err := s.bus.PublishInboundContext(ctx, bus.InboundMessage{
		Channel:  channel,
		ChatID:   chatID,
		SenderID: "heartbeat",
		Content:  "Heartbeat check. Review your standing instructions and act only if something needs doing; otherwise reply with a brief all-clear.\n\n" + instructions,
		Origin:   bus.OriginSystem,
		Metadata: map[string]string{"heartbeat": "true"},
	})
	if err != nil {
		logger.WarnCF("heartbeat", "Failed to inject beat", map[string]interface{}{"error": err.Error()})
	}
}

func (s *Service) readInstructions() string {
	data, err := os.ReadFile(filepath.Join(s.workspace, instructionsFile))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
