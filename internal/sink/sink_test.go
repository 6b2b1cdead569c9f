package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"
	"time"

	tele "gopkg.in/telebot.v4"

	"postbridge/internal/render"
	logx "postbridge/pkg/logx"
)

func itemPayload() render.Payload {
	return render.Payload{
		Kind:        render.KindItem,
		ItemID:      "123",
		Mention:     true,
		Title:       "New post from @desk",
		Description: "hello <world>",
		URL:         "https://twitter.com/desk/status/123",
		Color:       render.BrandColor,
		Timestamp:   time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
		Footer:      &render.Footer{Text: "postbridge"},
	}
}

func TestDiscordDeliverSuccess(t *testing.T) {
	var got webhookMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("unexpected request %s %s", r.Method, r.Header.Get("Content-Type"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	d, err := NewDiscord(DiscordConfig{WebhookURL: srv.URL}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	res := d.Deliver(context.Background(), itemPayload())
	if res.Outcome != Success {
		t.Fatalf("outcome = %s (%v)", res.Outcome, res.Err)
	}
	if got.Content != "@everyone" || len(got.AllowedMentions.Parse) != 1 {
		t.Fatalf("mention not carried: %+v", got)
	}
	if len(got.Embeds) != 1 {
		t.Fatalf("embeds = %+v", got.Embeds)
	}
	e := got.Embeds[0]
	if e.Color != 0x1DA1F2 || e.URL != "https://twitter.com/desk/status/123" || e.Timestamp != "2024-05-01T10:00:00Z" {
		t.Fatalf("embed = %+v", e)
	}
}

func TestClassifyWebhook(t *testing.T) {
	h := http.Header{}
	if r := classifyWebhook(200, h, nil); r.Outcome != Success {
		t.Fatalf("200 -> %s", r.Outcome)
	}
	r := classifyWebhook(429, h, []byte(`{"message":"You are being rate limited.","retry_after":1.5,"global":false}`))
	if r.Outcome != Retryable || r.RetryAfter != 1500*time.Millisecond {
		t.Fatalf("429 body -> %+v", r)
	}
	h.Set("Retry-After", "3")
	r = classifyWebhook(429, h, nil)
	if r.Outcome != Retryable || r.RetryAfter != 3*time.Second {
		t.Fatalf("429 header -> %+v", r)
	}
	if r := classifyWebhook(502, http.Header{}, nil); r.Outcome != Retryable {
		t.Fatalf("502 -> %s", r.Outcome)
	}
	if r := classifyWebhook(400, http.Header{}, []byte(`{"embeds":["0"]}`)); r.Outcome != Fatal || r.Err == nil {
		t.Fatalf("400 -> %+v", r)
	}
}

func TestDiscordNetworkFailureIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()
	d, _ := NewDiscord(DiscordConfig{WebhookURL: url, Timeout: time.Second}, logx.Nop())
	if r := d.Deliver(context.Background(), itemPayload()); r.Outcome != Retryable {
		t.Fatalf("outcome = %s", r.Outcome)
	}
}

func TestStatusPayloadWithoutDetailHasNoEmbed(t *testing.T) {
	msg := webhookBody(render.Payload{Kind: render.KindStatus, Content: "Bridge stopped", Title: "Bridge stopped"}, "")
	if msg.Content != "Bridge stopped" || len(msg.Embeds) != 0 {
		t.Fatalf("msg = %+v", msg)
	}
}

type fakeSender struct {
	sent []interface{}
	errs []error
}

func (f *fakeSender) Send(_ tele.Recipient, what interface{}, _ ...interface{}) (*tele.Message, error) {
	f.sent = append(f.sent, what)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &tele.Message{ID: len(f.sent)}, nil
}

func TestTelegramTextAndPhoto(t *testing.T) {
	fs := &fakeSender{}
	tg := newTelegram(fs, -100, 0, logx.Nop())

	if r := tg.Deliver(context.Background(), itemPayload()); r.Outcome != Success {
		t.Fatalf("outcome = %s", r.Outcome)
	}
	text, isText := fs.sent[0].(string)
	if !isText || !strings.Contains(text, "hello &lt;world&gt;") || !strings.Contains(text, "<b>New post from @desk</b>") {
		t.Fatalf("sent = %#v", fs.sent[0])
	}

	p := itemPayload()
	p.ImageURL = "https://pbs/img.jpg"
	if r := tg.Deliver(context.Background(), p); r.Outcome != Success {
		t.Fatalf("outcome = %s", r.Outcome)
	}
	if _, isPhoto := fs.sent[1].(*tele.Photo); !isPhoto {
		t.Fatalf("expected photo, got %#v", fs.sent[1])
	}
}

func TestClassifyTelegram(t *testing.T) {
	r := classifyTelegram(tele.FloodError{RetryAfter: 7})
	if r.Outcome != Retryable || r.RetryAfter != 7*time.Second {
		t.Fatalf("flood -> %s %s", r.Outcome, r.RetryAfter)
	}
	if r := classifyTelegram(tele.NewError(400, "Bad Request: chat not found")); r.Outcome != Fatal {
		t.Fatalf("400 -> %s", r.Outcome)
	}
	if r := classifyTelegram(tele.NewError(502, "Bad Gateway")); r.Outcome != Retryable {
		t.Fatalf("502 -> %s", r.Outcome)
	}
	if r := classifyTelegram(fmt.Errorf("telegram: Forbidden: bot was blocked by the user (403)")); r.Outcome != Fatal {
		t.Fatalf("403 text -> %s", r.Outcome)
	}
	if r := classifyTelegram(errors.New("dial tcp: connection refused")); r.Outcome != Retryable {
		t.Fatalf("network -> %s", r.Outcome)
	}
}

func TestSplitEscapedPrefersLineBreaks(t *testing.T) {
	s := strings.Repeat("line of text\n", 50)
	pieces := splitEscaped(s, 100, 100)
	if len(pieces) < 2 {
		t.Fatalf("pieces = %d", len(pieces))
	}
	for _, p := range pieces {
		if len([]rune(p)) > 100 {
			t.Fatalf("piece too long: %d", len([]rune(p)))
		}
		if !strings.HasSuffix(p, "line of text") {
			t.Fatalf("piece not cut at a line break: %q", p)
		}
	}
}

var danglingEntity = regexp.MustCompile(`&[#a-z0-9]*$|^[#a-z0-9]*;`)

func TestTelegramMessagesKeepEntitiesWhole(t *testing.T) {
	desc := strings.Repeat("a&", 1000)
	p := render.Payload{
		Kind:        render.KindItem,
		Title:       "New post from @desk",
		Description: desc,
		URL:         "https://twitter.com/desk/status/1?a=1&b=2",
	}
	msgs := telegramMessages(p, 500)
	if len(msgs) < 2 {
		t.Fatalf("messages = %d", len(msgs))
	}

	var body strings.Builder
	for i, m := range msgs {
		if n := len([]rune(m)); n > 500 {
			t.Fatalf("message %d has %d runes", i, n)
		}
		if danglingEntity.MatchString(m) {
			t.Fatalf("message %d cuts an entity: ...%q", i, m[max(0, len(m)-12):])
		}
		if strings.Count(m, "<a ") != strings.Count(m, "</a>") || strings.Count(m, "<b>") != strings.Count(m, "</b>") {
			t.Fatalf("message %d has unbalanced tags: %q", i, m)
		}
		text := m
		if i == 0 {
			if !strings.HasPrefix(m, "<b>New post from @desk</b>\n\n") {
				t.Fatalf("first message lost its heading: %q", m[:40])
			}
			text = strings.TrimPrefix(m, "<b>New post from @desk</b>\n\n")
		}
		if i == len(msgs)-1 {
			if !strings.HasSuffix(m, `<a href="https://twitter.com/desk/status/1?a=1&amp;b=2">Open post</a>`) {
				t.Fatalf("last message lost its link: %q", m)
			}
			text = strings.TrimSuffix(text, `<a href="https://twitter.com/desk/status/1?a=1&amp;b=2">Open post</a>`)
		}
		body.WriteString(html.UnescapeString(strings.TrimSpace(text)))
	}
	if body.String() != desc {
		t.Fatalf("description not preserved across messages: got %d runes, want %d", len(body.String()), len(desc))
	}
}

func TestTelegramMessagesShortPayloadIsSingle(t *testing.T) {
	msgs := telegramMessages(itemPayload(), telegramTextLimit)
	if len(msgs) != 1 || msgs[0] != telegramHTML(itemPayload()) {
		t.Fatalf("messages = %q", msgs)
	}
}

type countingSink struct{ n int }

func (c *countingSink) Name() string { return "count" }
func (c *countingSink) Deliver(context.Context, render.Payload) Result {
	c.n++
	return ok(200)
}

func TestPacedCancelledIsRetryable(t *testing.T) {
	inner := &countingSink{}
	p := NewPaced(inner, 1)
	if r := p.Deliver(context.Background(), itemPayload()); r.Outcome != Success {
		t.Fatalf("first = %s", r.Outcome)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if r := p.Deliver(ctx, itemPayload()); r.Outcome != Retryable || inner.n != 1 {
		t.Fatalf("cancelled = %s, inner calls %d", r.Outcome, inner.n)
	}
}
