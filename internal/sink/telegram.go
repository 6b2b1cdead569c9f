package sink

import (
	"context"
	"errors"
	"html"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	tele "gopkg.in/telebot.v4"

	"postbridge/internal/render"
	logx "postbridge/pkg/logx"
	"postbridge/pkg/tgui"
)

const (
	telegramTextLimit    = 4000
	telegramCaptionLimit = 1024
)

type TelegramConfig struct {
	Token    string
	ChatID   int64
	ThreadID int
	APIURL   string
	Timeout  time.Duration
}

// sender is the subset of *tele.Bot used for delivery.
type sender interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

// Telegram posts payloads to a chat (optionally a forum topic) through the
// bot API.
type Telegram struct {
	bot      sender
	chat     *tele.Chat
	threadID int
	log      logx.Logger
}

func NewTelegram(cfg TelegramConfig, log logx.Logger) (*Telegram, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat id is empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	// Offline: the sink never polls and must not call getMe at startup.
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		URL:     strings.TrimSpace(cfg.APIURL),
		Client:  &http.Client{Timeout: timeout},
		Offline: true,
	})
	if err != nil {
		return nil, err
	}
	return newTelegram(b, cfg.ChatID, cfg.ThreadID, log), nil
}

func newTelegram(s sender, chatID int64, threadID int, log logx.Logger) *Telegram {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Telegram{
		bot:      s,
		chat:     &tele.Chat{ID: chatID},
		threadID: threadID,
		log:      log.With(logx.String("comp", "sink.telegram")),
	}
}

func (t *Telegram) Name() string { return "telegram" }

func (t *Telegram) Deliver(ctx context.Context, p render.Payload) Result {
	if err := ctx.Err(); err != nil {
		return retry(0, 0, err)
	}
	opts := &tele.SendOptions{ParseMode: tele.ModeHTML, ThreadID: t.threadID}
	text := telegramHTML(p)

	if p.ImageURL != "" && utf8.RuneCountInString(text) <= telegramCaptionLimit {
		photo := &tele.Photo{File: tele.FromURL(p.ImageURL), Caption: text}
		if _, err := t.bot.Send(t.chat, photo, opts); err != nil {
			return classifyTelegram(err)
		}
		return ok(0)
	}

	opts.DisableWebPagePreview = p.ImageURL == "" && p.Kind == render.KindStatus
	chunks := telegramMessages(p, telegramTextLimit)
	for i, chunk := range chunks {
		if _, err := t.bot.Send(t.chat, chunk, opts); err != nil {
			if i == 0 {
				return classifyTelegram(err)
			}
			// The head of the message is already visible; resending would duplicate it.
			t.log.Warn("message tail not delivered", logx.String("item", p.ItemID), logx.Int("chunk", i))
			return ok(0)
		}
	}
	return ok(0)
}

// telegramParts renders the fixed blocks of a payload: heading, plain
// description, and footer (metrics and link).
func telegramParts(p render.Payload) (head tgui.H, desc string, foot tgui.H) {
	var h []tgui.H
	if p.Title != "" {
		h = append(h, tgui.B(p.Title))
	}
	if p.Author != nil && p.Author.Name != "" {
		h = append(h, tgui.I(p.Author.Name))
	}
	var stats []tgui.H
	for _, f := range p.Fields {
		stats = append(stats, tgui.Esc(f.Name+": "+f.Value))
	}
	var link tgui.H
	if p.URL != "" {
		link = tgui.Link("Open post", p.URL)
	}
	var f tgui.Doc
	f.Block(tgui.JoinH(" · ", stats...)).Block(link)
	return tgui.JoinH("\n", h...), p.Description, f.HTML()
}

// telegramHTML lays a payload out as a single Telegram HTML message.
func telegramHTML(p render.Payload) string {
	head, desc, foot := telegramParts(p)
	var d tgui.Doc
	d.Block(head).Block(tgui.Esc(desc)).Block(foot)
	return strings.TrimSpace(d.HTML().String())
}

// telegramMessages lays a payload out as one or more messages of at most
// limit runes. The description is split as plain text and escaped per piece,
// so no message ends inside an entity or an element.
func telegramMessages(p render.Payload, limit int) []string {
	if text := telegramHTML(p); utf8.RuneCountInString(text) <= limit {
		return []string{text}
	}
	head, desc, foot := telegramParts(p)
	headLen := utf8.RuneCountInString(head.String())

	var out []string
	first := limit - headLen - 2
	if head != "" && first < limit/4 {
		out = append(out, head.String())
		head, first = "", limit
	}
	pieces := splitEscaped(strings.TrimSpace(desc), first, limit)
	if len(pieces) == 0 {
		pieces = []string{""}
	}
	for i, piece := range pieces {
		var d tgui.Doc
		if i == 0 {
			d.Block(head)
		}
		d.Block(tgui.Esc(piece))
		out = append(out, strings.TrimSpace(d.HTML().String()))
	}

	if foot != "" {
		last := out[len(out)-1]
		joined := strings.TrimSpace(tgui.JoinH("\n\n", tgui.H(last), foot).String())
		if utf8.RuneCountInString(joined) <= limit {
			out[len(out)-1] = joined
		} else {
			out = append(out, foot.String())
		}
	}
	kept := out[:0]
	for _, m := range out {
		if m != "" {
			kept = append(kept, m)
		}
	}
	return kept
}

// splitEscaped cuts plain text into pieces whose escaped form fits the
// budget: first for the opening piece, rest for the others. Cuts prefer line
// breaks in the last two thirds of a piece.
func splitEscaped(s string, first, rest int) []string {
	if s == "" {
		return nil
	}
	rs := []rune(s)
	var out []string
	start := 0
	budget := first
	for start < len(rs) {
		used, end, lastNL := 0, start, -1
		for end < len(rs) {
			cost := utf8.RuneCountInString(html.EscapeString(string(rs[end])))
			if used+cost > budget {
				break
			}
			if rs[end] == '\n' {
				lastNL = end
			}
			used += cost
			end++
		}
		if end == start {
			// Budget smaller than one escaped rune: emit it alone.
			end = start + 1
		}
		if end < len(rs) && lastNL > start+(end-start)/3 {
			end = lastNL + 1
		}
		if piece := strings.Trim(string(rs[start:end]), "\n"); piece != "" {
			out = append(out, piece)
		}
		start = end
		budget = rest
	}
	return out
}

var trailingCode = regexp.MustCompile(`\((\d{3})\)\s*$`)

// classifyTelegram maps bot API errors onto outcomes. Flood control and 5xx
// are retryable, other API rejections are fatal, and anything without a
// status (network, timeouts) is retryable.
func classifyTelegram(err error) Result {
	var flood tele.FloodError
	if errors.As(err, &flood) {
		return retry(http.StatusTooManyRequests, time.Duration(flood.RetryAfter)*time.Second, err)
	}
	var apiErr *tele.Error
	if errors.As(err, &apiErr) {
		return byStatus(apiErr.Code, err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return retry(0, 0, err)
	}
	// Unknown API errors arrive as "telegram: <description> (<code>)".
	if m := trailingCode.FindStringSubmatch(err.Error()); m != nil {
		code, _ := strconv.Atoi(m[1])
		return byStatus(code, err)
	}
	return retry(0, 0, err)
}

func byStatus(code int, err error) Result {
	if code == http.StatusTooManyRequests || code >= 500 {
		return retry(code, 0, err)
	}
	return fatal(code, err)
}
