// Package telegram serves one Telegram chat over long polling and
// feeds its messages into the agent's turn queue.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mymmrac/telego"
	"github.com/mymmrac/telego/telegoapi"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/nugget/aide/internal/agent"
	"github.com/nugget/aide/internal/budget"
	"github.com/nugget/aide/internal/buildinfo"
	"github.com/nugget/aide/internal/httpkit"
	"github.com/nugget/aide/internal/llm"
)

const (
	// maxMessageLen is Telegram's limit for one text message.
	maxMessageLen = 4096

	typingInterval = 4 * time.Second
	maxSendRetries = 3

	// rememberedIDs bounds the Telegram-to-window id map.
	rememberedIDs = 1024

	busyReply = "Still working through earlier messages. Try again in a moment."
)

// Config configures the bot.
type Config struct {
	Token  string
	ChatID int64

	// InboxDir receives downloaded photos and documents.
	InboxDir string
}

// Queue is the agent turn queue.
type Queue interface {
	Enqueue(ctx context.Context, req agent.Request, done func(*agent.Response, error)) error
	Stop() bool
}

// SpendSource reports budget state for /status.
type SpendSource interface {
	Snapshot(at time.Time) budget.Snapshot
	Limits() budget.Limits
}

// api is the part of *telego.Bot the bot uses once running.
type api interface {
	SendMessage(ctx context.Context, params *telego.SendMessageParams) (*telego.Message, error)
	SendChatAction(ctx context.Context, params *telego.SendChatActionParams) error
	GetFile(ctx context.Context, params *telego.GetFileParams) (*telego.File, error)
	FileDownloadURL(filepath string) string
}

// Bot relays messages between the configured chat and the agent.
type Bot struct {
	bot    *telego.Bot
	api    api
	cfg    Config
	queue  Queue
	spend  SpendSource
	http   *http.Client
	logger *slog.Logger

	mu    sync.Mutex
	ids   map[int]string // Telegram message id -> window message id
	order []int
}

// New creates a bot. It does not contact Telegram until Run.
func New(cfg Config, queue Queue, spend SpendSource, logger *slog.Logger) (*Bot, error) {
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram: chat id is required")
	}
	hc := httpkit.NewClient(httpkit.WithTimeout(90*time.Second), httpkit.WithUserAgent(buildinfo.UserAgent()))
	tb, err := telego.NewBot(cfg.Token, telego.WithHTTPClient(hc), telego.WithDiscardLogger())
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	b := newBot(tb, cfg, queue, spend, hc, logger)
	b.bot = tb
	return b, nil
}

func newBot(a api, cfg Config, queue Queue, spend SpendSource, hc *http.Client, logger *slog.Logger) *Bot {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bot{
		api:    a,
		cfg:    cfg,
		queue:  queue,
		spend:  spend,
		http:   hc,
		logger: logger.With("component", "telegram"),
		ids:    make(map[int]string),
	}
}

// Run long-polls for updates until ctx is cancelled.
func (b *Bot) Run(ctx context.Context) error {
	me, err := b.bot.GetMe(ctx)
	if err != nil {
		return fmt.Errorf("telegram get me: %w", err)
	}
	b.logger.Info("telegram bot connected", "username", me.Username, "chat_id", b.cfg.ChatID)

	updates, err := b.bot.UpdatesViaLongPolling(ctx, &telego.GetUpdatesParams{Timeout: 30})
	if err != nil {
		return fmt.Errorf("telegram long polling: %w", err)
	}
	for update := range updates {
		if update.Message != nil {
			b.handle(ctx, update.Message)
		}
	}
	b.logger.Info("telegram updates closed")
	return nil
}

func (b *Bot) handle(ctx context.Context, msg *telego.Message) {
	if msg.Chat.ID != b.cfg.ChatID {
		b.logger.Warn("telegram message from unknown chat ignored", "chat_id", msg.Chat.ID)
		return
	}

	text := strings.TrimSpace(msg.Text)
	switch command(text) {
	case "/stop":
		reply := "Nothing is running."
		if b.queue.Stop() {
			reply = "Stopping."
		}
		b.send(ctx, reply, 0)
		return
	case "/status":
		b.send(ctx, b.status(time.Now()), 0)
		return
	}

	req := agent.Request{Content: text}
	if req.Content == "" {
		req.Content = strings.TrimSpace(msg.Caption)
	}
	req.Attachments = b.attachments(ctx, msg)
	if req.Content == "" && len(req.Attachments) == 0 {
		b.logger.Debug("telegram message without content ignored", "message_id", msg.MessageID)
		return
	}

	if quoted := msg.ReplyToMessage; quoted != nil {
		if id, ok := b.lookup(quoted.MessageID); ok {
			req.ReplyTo = id
		} else if q := strings.TrimSpace(quoted.Text); q != "" {
			req.Content = quote(q) + "\n\n" + req.Content
		}
	}

	b.logger.Info("telegram message received",
		"message_id", msg.MessageID,
		"length", len(req.Content),
		"attachments", len(req.Attachments),
	)

	stopTyping := b.typing(ctx)
	err := b.queue.Enqueue(ctx, req, func(resp *agent.Response, err error) {
		stopTyping()
		b.finish(ctx, msg.MessageID, resp, err)
	})
	if err != nil {
		stopTyping()
		b.logger.Warn("telegram message not queued", "error", err)
		if errors.Is(err, agent.ErrQueueFull) {
			b.send(ctx, busyReply, msg.MessageID)
		}
	}
}

func (b *Bot) finish(ctx context.Context, inbound int, resp *agent.Response, err error) {
	if err != nil {
		b.send(ctx, agent.UserReply(err), inbound)
		return
	}
	if resp.RequestID != "" {
		b.remember(inbound, resp.RequestID)
	}
	if resp.Content == "" {
		return
	}
	sent := b.send(ctx, resp.Content, inbound)
	if resp.ReplyID != "" {
		for _, id := range sent {
			b.remember(id, resp.ReplyID)
		}
	}
}

// send delivers text in Telegram-sized parts and returns the sent
// message ids. The first part replies to replyTo when it is non-zero.
func (b *Bot) send(ctx context.Context, text string, replyTo int) []int {
	var ids []int
	for i, part := range splitMessage(text, maxMessageLen) {
		params := tu.Message(tu.ID(b.cfg.ChatID), part)
		if i == 0 && replyTo != 0 {
			params.ReplyParameters = &telego.ReplyParameters{MessageID: replyTo, AllowSendingWithoutReply: true}
		}
		var sent *telego.Message
		err := b.withRetry(ctx, func() error {
			var err error
			sent, err = b.api.SendMessage(ctx, params)
			return err
		})
		if err != nil {
			b.logger.Error("telegram send failed", "part", i, "error", err)
			return ids
		}
		ids = append(ids, sent.MessageID)
	}
	return ids
}

// withRetry honors 429 retry_after up to maxSendRetries times.
func (b *Bot) withRetry(ctx context.Context, fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		var tgErr *telegoapi.Error
		if err == nil || attempt == maxSendRetries || !errors.As(err, &tgErr) ||
			tgErr.Parameters == nil || tgErr.Parameters.RetryAfter <= 0 {
			return err
		}
		wait := time.Duration(tgErr.Parameters.RetryAfter) * time.Second
		b.logger.Warn("telegram rate limited", "retry_after", wait, "attempt", attempt+1)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// typing sends the typing action until the returned func is called.
func (b *Bot) typing(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(typingInterval)
		defer ticker.Stop()
		for {
			if err := b.api.SendChatAction(ctx, tu.ChatAction(tu.ID(b.cfg.ChatID), telego.ChatActionTyping)); err != nil && ctx.Err() == nil {
				b.logger.Debug("telegram typing action failed", "error", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return cancel
}

func (b *Bot) status(at time.Time) string {
	if b.spend == nil {
		return "aide " + buildinfo.Version
	}
	snap := b.spend.Snapshot(at)
	limits := b.spend.Limits()
	return fmt.Sprintf("aide %s\nSpend today: $%.2f%s\nSpend this month: $%.2f%s",
		buildinfo.Version, snap.Today, limitText(limits.Daily), snap.Month, limitText(limits.Monthly))
}

func limitText(limit float64) string {
	if limit <= 0 {
		return ""
	}
	return fmt.Sprintf(" of $%.2f", limit)
}

func (b *Bot) remember(telegramID int, windowID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.ids[telegramID]; !ok {
		b.order = append(b.order, telegramID)
	}
	b.ids[telegramID] = windowID
	for len(b.order) > rememberedIDs {
		delete(b.ids, b.order[0])
		b.order = b.order[1:]
	}
}

func (b *Bot) lookup(telegramID int) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id, ok := b.ids[telegramID]
	return id, ok
}

// attachments downloads the largest photo size and any document.
// Download failures are logged and skipped.
func (b *Bot) attachments(ctx context.Context, msg *telego.Message) []llm.Attachment {
	var out []llm.Attachment
	if n := len(msg.Photo); n > 0 {
		photo := msg.Photo[n-1]
		if a, err := b.download(ctx, photo.FileID, photo.FileUniqueID+".jpg", "image/jpeg"); err != nil {
			b.logger.Warn("telegram photo download failed", "error", err)
		} else {
			out = append(out, a)
		}
	}
	if doc := msg.Document; doc != nil {
		name := doc.FileName
		if name == "" {
			name = doc.FileUniqueID
		}
		if a, err := b.download(ctx, doc.FileID, name, doc.MimeType); err != nil {
			b.logger.Warn("telegram document download failed", "error", err)
		} else {
			out = append(out, a)
		}
	}
	return out
}

func (b *Bot) download(ctx context.Context, fileID, name, mediaType string) (llm.Attachment, error) {
	file, err := b.api.GetFile(ctx, &telego.GetFileParams{FileID: fileID})
	if err != nil {
		return llm.Attachment{}, fmt.Errorf("get file: %w", err)
	}
	if file.FilePath == "" {
		return llm.Attachment{}, errors.New("file has no download path")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.api.FileDownloadURL(file.FilePath), nil)
	if err != nil {
		return llm.Attachment{}, err
	}
	resp, err := b.http.Do(req)
	if err != nil {
		return llm.Attachment{}, fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return llm.Attachment{}, fmt.Errorf("download: status %d", resp.StatusCode)
	}

	if err := os.MkdirAll(b.cfg.InboxDir, 0o750); err != nil {
		return llm.Attachment{}, fmt.Errorf("create inbox: %w", err)
	}
	path := filepath.Join(b.cfg.InboxDir, fmt.Sprintf("%d-%s", time.Now().UnixNano(), filepath.Base(name)))
	out, err := os.Create(path)
	if err != nil {
		return llm.Attachment{}, err
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		out.Close()
		os.Remove(path)
		return llm.Attachment{}, fmt.Errorf("write %s: %w", path, err)
	}
	if err := out.Close(); err != nil {
		return llm.Attachment{}, err
	}
	if mediaType == "" {
		mediaType = "application/octet-stream"
	}
	return llm.Attachment{Path: path, MediaType: mediaType, Name: name}, nil
}

// command returns the bot command that starts text, without any
// @botname suffix, or "".
func command(text string) string {
	if !strings.HasPrefix(text, "/") {
		return ""
	}
	word, _, _ := strings.Cut(text, " ")
	word, _, _ = strings.Cut(word, "@")
	return strings.ToLower(word)
}

func quote(text string) string {
	lines := strings.Split(text, "\n")
	for i, l := range lines {
		lines[i] = "> " + l
	}
	return strings.Join(lines, "\n")
}

// splitMessage cuts text into parts of at most limit runes, preferring
// paragraph and then line boundaries.
func splitMessage(text string, limit int) []string {
	var parts []string
	rest := []rune(strings.TrimSpace(text))
	for len(rest) > limit {
		cut := lastBreak(rest[:limit])
		parts = append(parts, strings.TrimSpace(string(rest[:cut])))
		rest = []rune(strings.TrimSpace(string(rest[cut:])))
	}
	if len(rest) > 0 {
		parts = append(parts, string(rest))
	}
	return parts
}

func lastBreak(r []rune) int {
	s := string(r)
	for _, sep := range []string{"\n\n", "\n", " "} {
		if i := strings.LastIndex(s, sep); i > len(s)/2 {
			return len([]rune(s[:i])) + len([]rune(sep))
		}
	}
	return len(r)
}
