package channels

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/microclaw/microclaw/pkg/bus"
	"github.com/microclaw/microclaw/pkg/config"
	"github.com/microclaw/microclaw/pkg/logger"
	"github.com/microclaw/microclaw/pkg/utils"
)

const telegramMessageLimit = 4096

// TelegramChannel talks to the Telegram Bot API via long polling.
type TelegramChannel struct {
	*BaseChannel
	cfg    config.TelegramConfig
	bot    *telego.Bot
	cancel context.CancelFunc
}

func NewTelegramChannel(cfg config.TelegramConfig, messageBus *bus.MessageBus) (*TelegramChannel, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram token not configured")
	}
	bot, err := telego.NewBot(cfg.Token, telego.WithDefaultLogger(false, true))
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &TelegramChannel{
		BaseChannel: NewBaseChannel("telegram", messageBus, cfg.AllowFrom),
		cfg:         cfg,
		bot:         bot,
	}, nil
}

func (c *TelegramChannel) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	updates, err := c.bot.UpdatesViaLongPolling(runCtx, &telego.GetUpdatesParams{Timeout: 30})
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}

	c.setRunning(true)
	go func() {
		for update := range updates {
			c.handleUpdate(runCtx, update)
		}
		c.setRunning(false)
	}()
	return nil
}

func (c *TelegramChannel) Stop(ctx context.Context) error {
	if c.cancel != nil {
		c.cancel()
	}
	c.setRunning(false)
	return nil
}

func (c *TelegramChannel) handleUpdate(ctx context.Context, update telego.Update) {
	msg := update.Message
	if msg == nil || msg.From == nil {
		return
	}

	senderID := fmt.Sprintf("%d", msg.From.ID)
	allowKey := senderID
	if msg.From.Username != "" {
		allowKey = senderID + "|" + msg.From.Username
	}
	if !c.IsAllowed(allowKey) {
		logger.WarnCF("telegram", "Message from disallowed sender dropped", map[string]interface{}{
			"sender_id": senderID, "username": msg.From.Username,
		})
		return
	}

	content := msg.Text
	if content == "" {
		content = msg.Caption
	}

	// Attachments are only downloaded after the allowlist check passed.
	var mediaPaths []string
	if path := c.downloadAttachment(ctx, msg); path != "" {
		mediaPaths = append(mediaPaths, path)
		if content == "" {
			content = fmt.Sprintf("[User sent a file: %s]", filepath.Base(path))
		}
	}

	if content == "" {
		return
	}

	if msg.ReplyToMessage != nil && msg.ReplyToMessage.Text != "" {
		content = fmt.Sprintf("[Replying to: %s]\n%s",
			utils.Truncate(msg.ReplyToMessage.Text, 200), content)
	}

	metadata := map[string]string{
		"message_id": fmt.Sprintf("%d", msg.MessageID),
	}
	if msg.From.Username != "" {
		metadata["username"] = msg.From.Username
	}

	c.HandleMessage(senderID, fmt.Sprintf("%d", msg.Chat.ID), content, mediaPaths, metadata)
}

// downloadAttachment stages an incoming photo or document locally and returns
// the path, or "" if the message carries neither.
func (c *TelegramChannel) downloadAttachment(ctx context.Context, msg *telego.Message) string {
	var fileID, filename string

	switch {
	case len(msg.Photo) > 0:
		// Telegram sends several sizes, the last one is the largest.
		photo := msg.Photo[len(msg.Photo)-1]
		fileID = photo.FileID
		filename = fmt.Sprintf("photo_%d.jpg", msg.MessageID)
	case msg.Document != nil:
		fileID = msg.Document.FileID
		filename = utils.SanitizeFilename(msg.Document.FileName)
		if filename == "" {
			filename = fmt.Sprintf("document_%d", msg.MessageID)
		}
	case msg.Voice != nil:
		fileID = msg.Voice.FileID
		filename = fmt.Sprintf("voice_%d.ogg", msg.MessageID)
	default:
		return ""
	}

	tgFile, err := c.bot.GetFile(ctx, &telego.GetFileParams{FileID: fileID})
	if err != nil {
		logger.ErrorCF("telegram", "Failed to resolve file", map[string]interface{}{
			"file_id": fileID, "error": err.Error(),
		})
		return ""
	}

	url := c.bot.FileDownloadURL(tgFile.FilePath)
	return utils.DownloadFile(url, filename, utils.DownloadOptions{LoggerPrefix: "telegram"})
}

func (c *TelegramChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	chatID, err := parseChatID(msg.ChatID)
	if err != nil {
		return err
	}

	if msg.Content != "" {
		html := markdownToTelegramHTML(msg.Content)
		for _, part := range splitLargeMessage(html, telegramMessageLimit) {
			params := tu.Message(tu.ID(chatID), part).WithParseMode(telego.ModeHTML)
			if _, err := c.bot.SendMessage(ctx, params); err != nil {
				// Formatting errors are the usual cause, retry as plain text.
				plain := tu.Message(tu.ID(chatID), stripHTMLTags(part))
				if _, err2 := c.bot.SendMessage(ctx, plain); err2 != nil {
					return fmt.Errorf("send message: %w", err2)
				}
			}
		}
	}

	for _, path := range msg.Media {
		if err := c.sendMediaFile(ctx, chatID, path); err != nil {
			logger.ErrorCF("telegram", "Failed to send media", map[string]interface{}{
				"path": path, "error": err.Error(),
			})
		}
	}
	return nil
}

func (c *TelegramChannel) sendMediaFile(ctx context.Context, chatID int64, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg", ".png", ".gif", ".webp":
		_, err = c.bot.SendPhoto(ctx, tu.Photo(tu.ID(chatID), tu.File(f)))
	case ".mp4", ".mov", ".avi":
		_, err = c.bot.SendVideo(ctx, tu.Video(tu.ID(chatID), tu.File(f)))
	case ".mp3", ".ogg", ".wav", ".m4a", ".flac":
		_, err = c.bot.SendAudio(ctx, tu.Audio(tu.ID(chatID), tu.File(f)))
	default:
		_, err = c.bot.SendDocument(ctx, tu.Document(tu.ID(chatID), tu.File(f)))
	}
	return err
}

func parseChatID(s string) (int64, error) {
	var id int64
	if _, err := fmt.Sscanf(s, "%d", &id); err != nil {
		return 0, fmt.Errorf("invalid telegram chat id %q: %w", s, err)
	}
	return id, nil
}

var (
	codeBlockRe  = regexp.MustCompile("(?s)```[a-zA-Z0-9]*\\n?(.*?)```")
	inlineCodeRe = regexp.MustCompile("`([^`\n]+)`")
	boldRe       = regexp.MustCompile(`\*\*(.+?)\*\*`)
	strikeRe     = regexp.MustCompile(`~~(.+?)~~`)
	linkRe       = regexp.MustCompile(`\[([^\]]+)\]\(([^)\s]+)\)`)
	headingRe    = regexp.MustCompile(`(?m)^#{1,6}\s+(.+)$`)
	bulletRe     = regexp.MustCompile(`(?m)^(\s*)[-*]\s+`)
)

// markdownToTelegramHTML converts common markdown to the HTML subset Telegram
// accepts. Code spans are pulled out first so markdown inside them survives.
func markdownToTelegramHTML(text string) string {
	var blocks []string

	text = codeBlockRe.ReplaceAllStringFunc(text, func(m string) string {
		code := codeBlockRe.FindStringSubmatch(m)[1]
		blocks = append(blocks, "<pre>"+escapeHTML(strings.TrimRight(code, "\n"))+"</pre>")
		return fmt.Sprintf("\x00CB%d\x00", len(blocks)-1)
	})
	text = inlineCodeRe.ReplaceAllStringFunc(text, func(m string) string {
		code := inlineCodeRe.FindStringSubmatch(m)[1]
		blocks = append(blocks, "<code>"+escapeHTML(code)+"</code>")
		return fmt.Sprintf("\x00CB%d\x00", len(blocks)-1)
	})

	text = escapeHTML(text)
	text = headingRe.ReplaceAllString(text, "<b>$1</b>")
	text = boldRe.ReplaceAllString(text, "<b>$1</b>")
	text = strikeRe.ReplaceAllString(text, "<s>$1</s>")
	text = linkRe.ReplaceAllString(text, `<a href="$2">$1</a>`)
	text = bulletRe.ReplaceAllString(text, "$1• ")

	for i, block := range blocks {
		text = strings.Replace(text, fmt.Sprintf("\x00CB%d\x00", i), block, 1)
	}
	return text
}

func escapeHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	return s
}

var htmlTagRe = regexp.MustCompile(`</?(?:b|i|s|u|code|pre|a)(?:\s[^>]*)?>`)

func stripHTMLTags(s string) string {
	s = htmlTagRe.ReplaceAllString(s, "")
	s = strings.ReplaceAll(s, "&amp;", "&")
	s = strings.ReplaceAll(s, "&lt;", "<")
	s = strings.ReplaceAll(s, "&gt;", ">")
	return s
}

// splitLargeMessage splits text into chunks under limit, preferring a newline
// break in the last third of each chunk.
func splitLargeMessage(text string, limit int) []string {
	if len(text) <= limit {
		return []string{text}
	}
	var parts []string
	for len(text) > limit {
		cut := limit
		if idx := strings.LastIndex(text[:limit], "\n"); idx > limit*2/3 {
			cut = idx
		}
		parts = append(parts, strings.TrimRight(text[:cut], "\n"))
		text = strings.TrimLeft(text[cut:], "\n")
	}
	if text != "" {
		parts = append(parts, text)
	}
	return parts
}
