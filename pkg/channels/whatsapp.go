package channels

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/microclaw/microclaw/pkg/bus"
	"github.com/microclaw/microclaw/pkg/config"
	"github.com/microclaw/microclaw/pkg/logger"
	"github.com/microclaw/microclaw/pkg/utils"
)

// WhatsAppChannel talks to a local bridge process over a websocket. The bridge
// owns the WhatsApp Web session; this side only exchanges JSON frames with it.
type WhatsAppChannel struct {
	*BaseChannel
	cfg    config.WhatsAppConfig
	cancel context.CancelFunc

	mu   sync.Mutex
	conn *websocket.Conn
}

// bridgeFrame is one message in either direction on the bridge socket.
type bridgeFrame struct {
	Type     string `json:"type"` // "message" inbound, "send" outbound
	Sender   string `json:"sender,omitempty"`
	ChatID   string `json:"chat_id,omitempty"`
	Content  string `json:"content,omitempty"`
	MediaURL string `json:"media_url,omitempty"`
}

func NewWhatsAppChannel(cfg config.WhatsAppConfig, messageBus *bus.MessageBus) (*WhatsAppChannel, error) {
	if cfg.BridgeURL == "" {
		return nil, fmt.Errorf("whatsapp bridge_url not configured")
	}
	return &WhatsAppChannel{
		BaseChannel: NewBaseChannel("whatsapp", messageBus, cfg.AllowFrom),
		cfg:         cfg,
	}, nil
}

func (c *WhatsAppChannel) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.setRunning(true)
	go c.connectLoop(runCtx)
	return nil
}

func (c *WhatsAppChannel) Stop(ctx context.Context) error {
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()
	c.setRunning(false)
	return nil
}

// connectLoop keeps a connection to the bridge alive, reconnecting with
// backoff. The bridge restarting must not take the channel down.
func (c *WhatsAppChannel) connectLoop(ctx context.Context) {
	backoff := time.Second
	for ctx.Err() == nil {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.BridgeURL, nil)
		if err != nil {
			logger.WarnCF("whatsapp", "Bridge connection failed", map[string]interface{}{
				"url": c.cfg.BridgeURL, "error": err.Error(),
			})
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}

		backoff = time.Second
		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		logger.InfoCF("whatsapp", "Connected to bridge", map[string]interface{}{"url": c.cfg.BridgeURL})

		c.readLoop(ctx, conn)

		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		conn.Close()
	}
}

func (c *WhatsAppChannel) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		var frame bridgeFrame
		if err := conn.ReadJSON(&frame); err != nil {
			if ctx.Err() == nil {
				logger.WarnCF("whatsapp", "Bridge read failed", map[string]interface{}{"error": err.Error()})
			}
			return
		}
		if frame.Type != "message" {
			continue
		}
		c.onMessage(frame)
	}
}

func (c *WhatsAppChannel) onMessage(frame bridgeFrame) {
	if frame.Sender == "" || frame.ChatID == "" {
		return
	}
	if !c.IsAllowed(frame.Sender) {
		logger.WarnCF("whatsapp", "Message from disallowed sender dropped", map[string]interface{}{
			"sender_id": frame.Sender,
		})
		return
	}

	var mediaPaths []string
	if frame.MediaURL != "" {
		if path := utils.DownloadFileSimple(frame.MediaURL, "whatsapp_media"); path != "" {
			mediaPaths = append(mediaPaths, path)
		}
	}

	content := frame.Content
	if content == "" && len(mediaPaths) > 0 {
		content = "[User sent a file]"
	}
	if content == "" {
		return
	}

	c.HandleMessage(frame.Sender, frame.ChatID, content, mediaPaths, nil)
}

func (c *WhatsAppChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("bridge not connected")
	}
	return c.conn.WriteJSON(bridgeFrame{
		Type:    "send",
		ChatID:  msg.ChatID,
		Content: msg.Content,
	})
}
