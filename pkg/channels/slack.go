package channels

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/microclaw/microclaw/pkg/bus"
	"github.com/microclaw/microclaw/pkg/config"
	"github.com/microclaw/microclaw/pkg/logger"
)

// SlackChannel talks to Slack in Socket Mode, so no public URL is needed.
type SlackChannel struct {
	*BaseChannel
	cfg    config.SlackConfig
	api    *slack.Client
	socket *socketmode.Client
	cancel context.CancelFunc
}

func NewSlackChannel(cfg config.SlackConfig, messageBus *bus.MessageBus) (*SlackChannel, error) {
	if cfg.BotToken == "" || cfg.AppToken == "" {
		return nil, fmt.Errorf("slack bot_token and app_token must both be configured")
	}
	api := slack.New(cfg.BotToken, slack.OptionAppLevelToken(cfg.AppToken))
	return &SlackChannel{
		BaseChannel: NewBaseChannel("slack", messageBus, cfg.AllowFrom),
		cfg:         cfg,
		api:         api,
		socket:      socketmode.New(api),
	}, nil
}

func (c *SlackChannel) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	go c.eventLoop(runCtx)
	go func() {
		if err := c.socket.RunContext(runCtx); err != nil && runCtx.Err() == nil {
			logger.ErrorCF("slack", "Socket mode stopped", map[string]interface{}{"error": err.Error()})
		}
		c.setRunning(false)
	}()

	c.setRunning(true)
	return nil
}

func (c *SlackChannel) Stop(ctx context.Context) error {
	if c.cancel != nil {
		c.cancel()
	}
	c.setRunning(false)
	return nil
}

func (c *SlackChannel) eventLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-c.socket.Events:
			if !ok {
				return
			}
			if evt.Type != socketmode.EventTypeEventsAPI {
				continue
			}
			if evt.Request != nil {
				c.socket.Ack(*evt.Request)
			}
			apiEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
			if !ok {
				continue
			}
			if msg, ok := apiEvent.InnerEvent.Data.(*slackevents.MessageEvent); ok {
				c.onMessage(msg)
			}
		}
	}
}

func (c *SlackChannel) onMessage(msg *slackevents.MessageEvent) {
	// Skip bot echoes and message edits/deletions.
	if msg.BotID != "" || msg.SubType != "" || msg.User == "" {
		return
	}

	if !c.IsAllowed(msg.User) {
		logger.WarnCF("slack", "Message from disallowed sender dropped", map[string]interface{}{
			"sender_id": msg.User,
		})
		return
	}

	mediaPaths := c.downloadFiles(msg)

	content := msg.Text
	if content == "" && len(mediaPaths) > 0 {
		content = fmt.Sprintf("[User sent a file: %s]", filepath.Base(mediaPaths[0]))
	}
	if content == "" {
		return
	}

	metadata := map[string]string{"ts": msg.TimeStamp}
	if msg.ThreadTimeStamp != "" {
		metadata["thread_ts"] = msg.ThreadTimeStamp
	}

	c.HandleMessage(msg.User, msg.Channel, content, mediaPaths, metadata)
}

// downloadFiles stages attachments locally. Slack file downloads require the
// bot token, so they go through the API client instead of a plain HTTP get.
func (c *SlackChannel) downloadFiles(msg *slackevents.MessageEvent) []string {
	var paths []string
	for _, file := range msg.Message.Files {
		if file.URLPrivateDownload == "" {
			continue
		}
		dir := filepath.Join(os.TempDir(), "microclaw_media")
		if err := os.MkdirAll(dir, 0o755); err != nil {
			continue
		}
		local := filepath.Join(dir, fmt.Sprintf("%s_%s", file.ID, filepath.Base(file.Name)))
		out, err := os.Create(local)
		if err != nil {
			continue
		}
		err = c.api.GetFile(file.URLPrivateDownload, out)
		out.Close()
		if err != nil {
			logger.ErrorCF("slack", "Failed to download file", map[string]interface{}{
				"file_id": file.ID, "error": err.Error(),
			})
			os.Remove(local)
			continue
		}
		paths = append(paths, local)
	}
	return paths
}

func (c *SlackChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if msg.Content != "" {
		_, _, err := c.api.PostMessageContext(ctx, msg.ChatID,
			slack.MsgOptionText(msg.Content, false))
		if err != nil {
			return fmt.Errorf("post message: %w", err)
		}
	}

	for _, path := range msg.Media {
		info, err := os.Stat(path)
		if err != nil {
			logger.ErrorCF("slack", "Failed to stat media", map[string]interface{}{
				"path": path, "error": err.Error(),
			})
			continue
		}
		_, err = c.api.UploadFileV2Context(ctx, slack.UploadFileV2Parameters{
			Channel:  msg.ChatID,
			File:     path,
			Filename: filepath.Base(path),
			FileSize: int(info.Size()),
		})
		if err != nil {
			logger.ErrorCF("slack", "Failed to upload media", map[string]interface{}{
				"path": path, "error": err.Error(),
			})
		}
	}
	return nil
}
