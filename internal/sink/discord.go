package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"postbridge/internal/render"
	logx "postbridge/pkg/logx"
)

// Discord limits.
const (
	discordContentLimit     = 2000
	discordTitleLimit       = 256
	discordDescriptionLimit = 4096
)

type DiscordConfig struct {
	WebhookURL string
	Timeout    time.Duration
	Username   string
	HTTPClient *http.Client
}

// Discord posts payloads to a channel webhook.
type Discord struct {
	url      string
	username string
	http     *http.Client
	log      logx.Logger
}

func NewDiscord(cfg DiscordConfig, log logx.Logger) (*Discord, error) {
	u := strings.TrimSpace(cfg.WebhookURL)
	if u == "" {
		return nil, errors.New("discord webhook url is empty")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	return &Discord{url: u, username: cfg.Username, http: hc, log: log.With(logx.String("comp", "sink.discord"))}, nil
}

func (d *Discord) Name() string { return "discord" }

type webhookMessage struct {
	Content         string          `json:"content,omitempty"`
	Username        string          `json:"username,omitempty"`
	Embeds          []embed         `json:"embeds,omitempty"`
	AllowedMentions allowedMentions `json:"allowed_mentions"`
}

type allowedMentions struct {
	Parse []string `json:"parse"`
}

type embed struct {
	Title       string       `json:"title,omitempty"`
	Description string       `json:"description,omitempty"`
	URL         string       `json:"url,omitempty"`
	Color       int          `json:"color,omitempty"`
	Timestamp   string       `json:"timestamp,omitempty"`
	Author      *embedAuthor `json:"author,omitempty"`
	Footer      *embedFooter `json:"footer,omitempty"`
	Image       *embedImage  `json:"image,omitempty"`
	Fields      []embedField `json:"fields,omitempty"`
}

type embedAuthor struct {
	Name    string `json:"name"`
	URL     string `json:"url,omitempty"`
	IconURL string `json:"icon_url,omitempty"`
}

type embedFooter struct {
	Text    string `json:"text"`
	IconURL string `json:"icon_url,omitempty"`
}

type embedImage struct {
	URL string `json:"url"`
}

type embedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

func webhookBody(p render.Payload, username string) webhookMessage {
	msg := webhookMessage{Username: username, AllowedMentions: allowedMentions{Parse: []string{}}}
	if p.Mention {
		msg.Content = "@everyone"
		msg.AllowedMentions.Parse = []string{"everyone"}
	}
	if p.Kind == render.KindStatus {
		msg.Content = strings.TrimSpace(strings.TrimSpace(msg.Content+"\n") + p.Content)
	}
	msg.Content = render.Truncate(msg.Content, discordContentLimit)

	e := embed{
		Title:       render.Truncate(p.Title, discordTitleLimit),
		Description: render.Truncate(p.Description, discordDescriptionLimit),
		URL:         p.URL,
		Color:       p.Color,
	}
	if !p.Timestamp.IsZero() {
		e.Timestamp = p.Timestamp.UTC().Format(time.RFC3339)
	}
	if p.Author != nil {
		e.Author = &embedAuthor{Name: p.Author.Name, URL: p.Author.URL, IconURL: p.Author.IconURL}
	}
	if p.Footer != nil && p.Footer.Text != "" {
		e.Footer = &embedFooter{Text: p.Footer.Text, IconURL: p.Footer.IconURL}
	}
	if p.ImageURL != "" {
		e.Image = &embedImage{URL: p.ImageURL}
	}
	for _, f := range p.Fields {
		e.Fields = append(e.Fields, embedField{Name: f.Name, Value: f.Value, Inline: f.Inline})
	}
	if p.Kind == render.KindStatus && e.Description == "" {
		return msg
	}
	msg.Embeds = []embed{e}
	return msg
}

func (d *Discord) Deliver(ctx context.Context, p render.Payload) Result {
	body, err := json.Marshal(webhookBody(p, d.username))
	if err != nil {
		return fatal(0, fmt.Errorf("encode webhook body: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		return fatal(0, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.http.Do(req)
	if err != nil {
		return retry(0, 0, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	return classifyWebhook(resp.StatusCode, resp.Header, raw)
}

// classifyWebhook maps a webhook answer onto an Outcome. 429 carries its
// retry_after either in the JSON body (seconds, fractional) or the
// Retry-After header.
func classifyWebhook(status int, h http.Header, body []byte) Result {
	switch {
	case status >= 200 && status < 300:
		return ok(status)
	case status == http.StatusTooManyRequests:
		return retry(status, retryAfter(h, body), fmt.Errorf("discord: rate limited"))
	case status >= 500:
		return retry(status, 0, fmt.Errorf("discord: http %d", status))
	default:
		msg := strings.TrimSpace(string(body))
		if len(msg) > 200 {
			msg = msg[:200]
		}
		return fatal(status, fmt.Errorf("discord: http %d: %s", status, msg))
	}
}

func retryAfter(h http.Header, body []byte) time.Duration {
	var rl struct {
		RetryAfter float64 `json:"retry_after"`
	}
	if json.Unmarshal(body, &rl) == nil && rl.RetryAfter > 0 {
		return time.Duration(rl.RetryAfter * float64(time.Second))
	}
	if v := strings.TrimSpace(h.Get("Retry-After")); v != "" {
		if secs, err := strconv.ParseFloat(v, 64); err == nil && secs > 0 {
			return time.Duration(secs * float64(time.Second))
		}
	}
	return 0
}
