package channels

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	neturl "net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/time/rate"

	"github.com/hiboss/hi-boss/internal/persistence"
)

// TypeTelegram is the adapter type stored in bindings for Telegram bots.
const TypeTelegram = "telegram"

const (
	// Long-poll request timeout. Telegram holds the request open this long
	// before returning an empty batch.
	pollTimeoutSeconds = 50
	// If no update arrives for this long the connection is assumed dead
	// and the adapter reconnects. Well above the poll timeout, so healthy
	// idle connections never trip it.
	stallTimeout = 150 * time.Second

	reconnectBase   = 2 * time.Second
	reconnectFactor = 1.8
	reconnectCap    = 30 * time.Second
	reconnectJitter = 0.25

	maxMessageLen = 4096
	maxCaptionLen = 1024

	mediaFetchTimeout = 60 * time.Second
)

// TelegramFactory builds Telegram adapters that leave inbound media on
// Telegram's servers. The daemon wires NewTelegramFactory instead when
// the media download toggle is on.
var TelegramFactory Factory = NewTelegramFactory("")

// NewTelegramFactory builds Telegram adapters that resolve inbound
// attachments to files under mediaDir. An empty dir skips downloads and
// attachments carry only their Telegram file id.
func NewTelegramFactory(mediaDir string) Factory {
	return func(token string, handler InboundHandler, logger *slog.Logger) Adapter {
		return NewTelegramAdapter(token, handler, logger, mediaDir)
	}
}

// TelegramAdapter serves one bot token: long-polls getUpdates for inbound
// messages and sends outbound content, pacing sends under Telegram's rate
// limits (a global budget plus one message per second per chat).
type TelegramAdapter struct {
	token    string
	handler  InboundHandler
	logger   *slog.Logger
	mediaDir string
	files    *http.Client

	global *rate.Limiter
	chatMu sync.Mutex
	chats  map[int64]*rate.Limiter

	botMu sync.RWMutex
	bot   *tgbotapi.BotAPI
}

func NewTelegramAdapter(token string, handler InboundHandler, logger *slog.Logger, mediaDir string) *TelegramAdapter {
	return &TelegramAdapter{
		token:    token,
		handler:  handler,
		logger:   logger,
		mediaDir: mediaDir,
		files:    &http.Client{Timeout: mediaFetchTimeout},
		global:   rate.NewLimiter(rate.Limit(25), 5),
		chats:    make(map[int64]*rate.Limiter),
	}
}

func (t *TelegramAdapter) Type() string  { return TypeTelegram }
func (t *TelegramAdapter) Token() string { return t.token }

// Start connects and polls until ctx is canceled. Connection and polling
// failures retry with jittered exponential backoff; a token Telegram keeps
// rejecting stays in the retry loop at the backoff cap rather than killing
// the adapter, so fixing the bot on Telegram's side heals without a restart.
func (t *TelegramAdapter) Start(ctx context.Context) error {
	var bo backoff
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		bot, err := tgbotapi.NewBotAPI(t.token)
		if err != nil {
			t.logger.Warn("telegram connect failed", "error", err, "retry_in", bo.peek())
			if !sleepCtx(ctx, bo.next()) {
				return ctx.Err()
			}
			continue
		}
		t.setBot(bot)
		bo.reset()
		t.logger.Info("telegram adapter connected", "bot", bot.Self.UserName)

		err = t.poll(ctx, bot)
		t.setBot(nil)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		t.logger.Warn("telegram polling interrupted", "error", err, "retry_in", bo.peek())
		if !sleepCtx(ctx, bo.next()) {
			return ctx.Err()
		}
	}
}

func (t *TelegramAdapter) poll(ctx context.Context, bot *tgbotapi.BotAPI) error {
	cfg := tgbotapi.NewUpdate(0)
	cfg.Timeout = pollTimeoutSeconds
	updates := bot.GetUpdatesChan(cfg)
	defer bot.StopReceivingUpdates()

	stall := time.NewTimer(stallTimeout)
	defer stall.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case update, ok := <-updates:
			if !ok {
				return errors.New("update stream closed")
			}
			if !stall.Stop() {
				<-stall.C
			}
			stall.Reset(stallTimeout)
			t.handleUpdate(ctx, bot, update)
		case <-stall.C:
			return fmt.Errorf("no updates for %s", stallTimeout)
		}
	}
}

func (t *TelegramAdapter) handleUpdate(ctx context.Context, bot *tgbotapi.BotAPI, update tgbotapi.Update) {
	msg := update.Message
	if msg == nil || msg.Chat == nil {
		return
	}
	im := InboundMessage{
		AdapterType:  TypeTelegram,
		AdapterToken: t.token,
		ChatID:       strconv.FormatInt(msg.Chat.ID, 10),
		MessageID:    strconv.Itoa(msg.MessageID),
		Text:         msg.Text,
		Attachments:  inboundAttachments(msg),
	}
	if im.Text == "" {
		im.Text = msg.Caption
	}
	if msg.Chat.Type != "private" {
		im.ChatName = msg.Chat.Title
	}
	if from := msg.From; from != nil {
		im.AuthorID = strconv.FormatInt(from.ID, 10)
		im.AuthorUsername = from.UserName
		im.AuthorDisplayName = strings.TrimSpace(from.FirstName + " " + from.LastName)
	}
	if msg.ReplyToMessage != nil {
		im.InReplyToMessageID = strconv.Itoa(msg.ReplyToMessage.MessageID)
	}
	if t.mediaDir != "" {
		t.resolveMedia(ctx, bot, im.Attachments)
	}
	if err := t.handler.InboundFromChannel(ctx, im); err != nil {
		t.logger.Error("inbound message handling failed", "chat", im.ChatID, "error", err)
	}
}

// resolveMedia fetches inbound attachments onto local disk so agents can
// read them. A failed download leaves the attachment with only its file
// id and the message still routes.
func (t *TelegramAdapter) resolveMedia(ctx context.Context, bot *tgbotapi.BotAPI, atts []persistence.Attachment) {
	for i := range atts {
		a := &atts[i]
		if a.TelegramFileID == "" {
			continue
		}
		file, err := bot.GetFile(tgbotapi.FileConfig{FileID: a.TelegramFileID})
		if err != nil {
			t.logger.Warn("media lookup failed", "file", a.Filename, "error", err)
			continue
		}
		// FileUniqueID is stable per file, so a re-sent attachment
		// reuses the copy already on disk.
		dst := filepath.Join(t.mediaDir, file.FileUniqueID+fileExt(a.Filename))
		if _, err := os.Stat(dst); err != nil {
			if err := fetchFile(ctx, t.files, file.Link(bot.Token), dst); err != nil {
				t.logger.Warn("media download failed", "file", a.Filename, "error", err)
				continue
			}
		}
		a.Source = dst
	}
}

// fetchFile streams url into dst through a temp file, so a failed
// download never leaves a partial file at the destination. The url
// embeds the bot token and must stay out of errors and logs.
func fetchFile(ctx context.Context, client *http.Client, url, dst string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return errors.New("building media request failed")
	}
	resp, err := client.Do(req)
	if err != nil {
		var uerr *neturl.Error
		if errors.As(err, &uerr) {
			err = uerr.Err
		}
		return fmt.Errorf("media fetch failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("media fetch returned %s", resp.Status)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".media-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dst)
}

func inboundAttachments(msg *tgbotapi.Message) []persistence.Attachment {
	var out []persistence.Attachment
	if n := len(msg.Photo); n > 0 {
		// Telegram sends every thumbnail size; the last entry is the
		// original resolution.
		out = append(out, persistence.Attachment{TelegramFileID: msg.Photo[n-1].FileID, Filename: "photo.jpg"})
	}
	if d := msg.Document; d != nil {
		name := d.FileName
		if name == "" {
			name = "document"
		}
		out = append(out, persistence.Attachment{TelegramFileID: d.FileID, Filename: name})
	}
	if v := msg.Voice; v != nil {
		out = append(out, persistence.Attachment{TelegramFileID: v.FileID, Filename: "voice.ogg"})
	}
	if a := msg.Audio; a != nil {
		name := a.FileName
		if name == "" {
			name = "audio.mp3"
		}
		out = append(out, persistence.Attachment{TelegramFileID: a.FileID, Filename: name})
	}
	if v := msg.Video; v != nil {
		name := v.FileName
		if name == "" {
			name = "video.mp4"
		}
		out = append(out, persistence.Attachment{TelegramFileID: v.FileID, Filename: name})
	}
	return out
}

// SendMessage delivers content to one chat. Long text splits into chunks
// under Telegram's message limit; a single attachment with short text is
// collapsed into one captioned media message. Returns the platform id of
// the first message sent.
func (t *TelegramAdapter) SendMessage(ctx context.Context, chatID string, content persistence.Content, opts SendOptions) (string, error) {
	bot := t.currentBot()
	if bot == nil {
		return "", errors.New("telegram adapter not connected")
	}
	chat, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return "", fmt.Errorf("invalid telegram chat id %q: %w", chatID, err)
	}

	parseMode := mapParseMode(opts.ParseMode)
	replyTo := 0
	if opts.ReplyToMessageID != "" {
		if n, err := strconv.Atoi(opts.ReplyToMessageID); err == nil {
			replyTo = n
		}
	}

	firstID := ""
	send := func(c tgbotapi.Chattable) error {
		if err := t.waitSendSlot(ctx, chat); err != nil {
			return err
		}
		sent, err := bot.Send(c)
		if pause, ok := floodPause(err); ok {
			// Telegram's pacing overrode the local limiters. Honor the
			// requested pause once, then retry.
			t.logger.Warn("telegram flood control", "chat", chatID, "pause", pause)
			if !sleepCtx(ctx, pause) {
				return ctx.Err()
			}
			sent, err = bot.Send(c)
		}
		if err != nil {
			return wrapSendErr(err)
		}
		if firstID == "" && sent.MessageID != 0 {
			firstID = strconv.Itoa(sent.MessageID)
		}
		return nil
	}

	text := content.Text
	caption := ""
	if len(content.Attachments) == 1 && text != "" && len([]rune(text)) <= maxCaptionLen {
		caption, text = text, ""
	}

	if text != "" {
		for _, part := range splitMessage(text, maxMessageLen) {
			msg := tgbotapi.NewMessage(chat, part)
			msg.ParseMode = parseMode
			msg.ReplyToMessageID = replyTo
			if err := send(msg); err != nil {
				return "", err
			}
			// Thread only the first chunk under the referenced message.
			replyTo = 0
		}
	}

	for i, a := range content.Attachments {
		mediaCaption := ""
		if i == 0 {
			mediaCaption = caption
		}
		if err := send(attachmentConfig(chat, a, mediaCaption, parseMode, replyTo)); err != nil {
			return "", err
		}
		replyTo = 0
	}

	if firstID == "" && text == "" && caption == "" && len(content.Attachments) == 0 {
		return "", errors.New("empty content")
	}
	return firstID, nil
}

// SetReaction puts an emoji reaction on a message. The endpoint postdates
// the client library's typed configs, so it goes through the raw API.
func (t *TelegramAdapter) SetReaction(ctx context.Context, chatID, messageID, emoji string) error {
	bot := t.currentBot()
	if bot == nil {
		return errors.New("telegram adapter not connected")
	}
	chat, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid telegram chat id %q: %w", chatID, err)
	}
	if err := t.waitSendSlot(ctx, chat); err != nil {
		return err
	}
	reaction, err := json.Marshal([]map[string]string{{"type": "emoji", "emoji": emoji}})
	if err != nil {
		return err
	}
	params := tgbotapi.Params{
		"chat_id":    chatID,
		"message_id": messageID,
		"reaction":   string(reaction),
	}
	_, err = bot.MakeRequest("setMessageReaction", params)
	if pause, ok := floodPause(err); ok {
		if !sleepCtx(ctx, pause) {
			return ctx.Err()
		}
		_, err = bot.MakeRequest("setMessageReaction", params)
	}
	if err != nil {
		return wrapSendErr(err)
	}
	return nil
}

// floodPause extracts the pause Telegram requests alongside a 429.
func floodPause(err error) (time.Duration, bool) {
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) && apiErr.Code == 429 && apiErr.RetryAfter > 0 {
		return time.Duration(apiErr.RetryAfter) * time.Second, true
	}
	return 0, false
}

func attachmentConfig(chat int64, a persistence.Attachment, caption, parseMode string, replyTo int) tgbotapi.Chattable {
	file := requestFile(a)
	switch attachmentKind(a) {
	case "photo":
		c := tgbotapi.NewPhoto(chat, file)
		c.Caption = caption
		c.ParseMode = parseMode
		c.ReplyToMessageID = replyTo
		return c
	case "video":
		c := tgbotapi.NewVideo(chat, file)
		c.Caption = caption
		c.ParseMode = parseMode
		c.ReplyToMessageID = replyTo
		return c
	case "audio":
		c := tgbotapi.NewAudio(chat, file)
		c.Caption = caption
		c.ParseMode = parseMode
		c.ReplyToMessageID = replyTo
		return c
	default:
		c := tgbotapi.NewDocument(chat, file)
		c.Caption = caption
		c.ParseMode = parseMode
		c.ReplyToMessageID = replyTo
		return c
	}
}

// requestFile picks the upload form: a Telegram file id when the attachment
// came in over Telegram, a URL for remote sources, a local path otherwise.
func requestFile(a persistence.Attachment) tgbotapi.RequestFileData {
	if a.TelegramFileID != "" {
		return tgbotapi.FileID(a.TelegramFileID)
	}
	if strings.HasPrefix(a.Source, "http://") || strings.HasPrefix(a.Source, "https://") {
		return tgbotapi.FileURL(a.Source)
	}
	return tgbotapi.FilePath(a.Source)
}

// attachmentKind picks the send method from the file extension. The
// filename wins over the source because file-id attachments carry no path.
func attachmentKind(a persistence.Attachment) string {
	name := a.Filename
	if name == "" {
		name = a.Source
	}
	switch fileExt(name) {
	case ".jpg", ".jpeg", ".png", ".gif", ".webp":
		return "photo"
	case ".mp4", ".mov", ".webm":
		return "video"
	case ".mp3", ".ogg", ".oga", ".m4a", ".wav", ".flac":
		return "audio"
	default:
		return "document"
	}
}

// fileExt is path.Ext with URL query and fragment stripped first.
func fileExt(name string) string {
	if i := strings.IndexAny(name, "?#"); i >= 0 {
		name = name[:i]
	}
	return strings.ToLower(path.Ext(name))
}

func mapParseMode(p string) string {
	switch strings.ToLower(strings.TrimSpace(p)) {
	case "markdown":
		return tgbotapi.ModeMarkdown
	case "markdownv2":
		return tgbotapi.ModeMarkdownV2
	case "html":
		return tgbotapi.ModeHTML
	default:
		return ""
	}
}

// splitMessage chunks text to at most limit runes per message, preferring
// newline and then space boundaries in the back half of each chunk.
func splitMessage(text string, limit int) []string {
	runes := []rune(text)
	if len(runes) <= limit {
		return []string{text}
	}
	var parts []string
	for len(runes) > limit {
		cut := limit
		for i := limit; i > limit/2; i-- {
			if runes[i-1] == '\n' {
				cut = i
				break
			}
		}
		if cut == limit {
			for i := limit; i > limit/2; i-- {
				if runes[i-1] == ' ' {
					cut = i
					break
				}
			}
		}
		part := strings.TrimRight(string(runes[:cut]), " \n")
		if part != "" {
			parts = append(parts, part)
		}
		runes = runes[cut:]
	}
	if rest := strings.TrimLeft(string(runes), " \n"); rest != "" {
		parts = append(parts, rest)
	}
	return parts
}

func wrapSendErr(err error) error {
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		return &SendError{Code: apiErr.Code, Description: apiErr.Message}
	}
	return err
}

func (t *TelegramAdapter) waitSendSlot(ctx context.Context, chat int64) error {
	if err := t.global.Wait(ctx); err != nil {
		return err
	}
	return t.chatLimiter(chat).Wait(ctx)
}

func (t *TelegramAdapter) chatLimiter(chat int64) *rate.Limiter {
	t.chatMu.Lock()
	defer t.chatMu.Unlock()
	l, ok := t.chats[chat]
	if !ok {
		l = rate.NewLimiter(rate.Every(time.Second), 1)
		t.chats[chat] = l
	}
	return l
}

func (t *TelegramAdapter) setBot(bot *tgbotapi.BotAPI) {
	t.botMu.Lock()
	t.bot = bot
	t.botMu.Unlock()
}

func (t *TelegramAdapter) currentBot() *tgbotapi.BotAPI {
	t.botMu.RLock()
	defer t.botMu.RUnlock()
	return t.bot
}

// backoff tracks the reconnect delay: starts at reconnectBase, multiplies
// by reconnectFactor up to reconnectCap, and jitters each wait by
// ±reconnectJitter so a fleet of adapters does not reconnect in lockstep.
type backoff struct {
	cur time.Duration
}

func (b *backoff) next() time.Duration {
	if b.cur == 0 {
		b.cur = reconnectBase
	} else {
		b.cur = time.Duration(float64(b.cur) * reconnectFactor)
		if b.cur > reconnectCap {
			b.cur = reconnectCap
		}
	}
	spread := 1 + reconnectJitter*(2*rand.Float64()-1)
	return time.Duration(float64(b.cur) * spread)
}

// peek reports the upcoming delay without advancing, for log lines.
func (b *backoff) peek() time.Duration {
	if b.cur == 0 {
		return reconnectBase
	}
	d := time.Duration(float64(b.cur) * reconnectFactor)
	if d > reconnectCap {
		d = reconnectCap
	}
	return d
}

func (b *backoff) reset() { b.cur = 0 }

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
