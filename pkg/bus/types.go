package bus

import "time"

// Origin marks who injected an inbound message.
const (
	OriginUser   = "user"
	OriginSystem = "system"
)

type InboundMessage struct {
	Channel    string            `json:"channel"`
	SenderID   string            `json:"sender_id"`
	ChatID     string            `json:"chat_id"`
	Content    string            `json:"content"`
	Media      []string          `json:"media,omitempty"`
	SessionKey string            `json:"session_key"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Origin     string            `json:"origin,omitempty"` // user | system, empty means user
	Timestamp  time.Time         `json:"timestamp,omitempty"`
}

// IsSystem reports whether the message was injected by an internal component
// (subagent completion, cron trigger, heartbeat) rather than a chat surface.
func (m InboundMessage) IsSystem() bool {
	return m.Origin == OriginSystem
}

type OutboundMessage struct {
	Channel  string            `json:"channel"`
	ChatID   string            `json:"chat_id"`
	Content  string            `json:"content"`
	ReplyTo  string            `json:"reply_to,omitempty"` // message id this replies to, if any
	Media    []string          `json:"media,omitempty"`    // local file paths to send
	Metadata map[string]string `json:"metadata,omitempty"`
}

// OutboundHandler delivers one outbound message to a chat surface.
type OutboundHandler func(OutboundMessage) error
