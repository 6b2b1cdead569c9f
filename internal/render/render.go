package render

import (
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"postbridge/internal/source"
)

const (
	DefaultMaxLength = 2000
	DefaultFooter    = "postbridge"

	// BrandColor is the embed accent.
	BrandColor = 0x1DA1F2

	ellipsis   = "…"
	footerIcon = "https://abs.twimg.com/icons/apple-touch-icon-192x192.png"
)

type Config struct {
	// Handle is used in permalinks and titles when the author is unknown.
	Handle          string
	MaxLength       int
	MentionEveryone bool
	Footer          string
	ShowMetrics     bool
}

// Renderer is stateless after construction and safe for concurrent use.
type Renderer struct {
	cfg Config
}

func New(cfg Config) *Renderer {
	cfg.Handle = strings.TrimPrefix(strings.TrimSpace(cfg.Handle), "@")
	if cfg.MaxLength <= 0 {
		cfg.MaxLength = DefaultMaxLength
	}
	if strings.TrimSpace(cfg.Footer) == "" {
		cfg.Footer = DefaultFooter
	}
	return &Renderer{cfg: cfg}
}

// RenderError reports an item that cannot be turned into a payload.
type RenderError struct {
	ItemID string
	Reason string
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("render item %q: %s", e.ItemID, e.Reason)
}

// Item renders one post. label, when non-empty, is prefixed to the title
// (used for the startup announcement batch).
func (r *Renderer) Item(it source.Item, author source.Author, media source.MediaIndex, label string) (Payload, error) {
	if strings.TrimSpace(it.ID) == "" {
		return Payload{}, &RenderError{ItemID: it.ID, Reason: "missing id"}
	}
	handle := author.Handle
	if handle == "" {
		handle = r.cfg.Handle
	}
	if handle == "" {
		return Payload{}, &RenderError{ItemID: it.ID, Reason: "unknown author handle"}
	}

	link := Permalink(handle, it.ID)
	title := "New post from @" + handle
	if label = strings.TrimSpace(label); label != "" {
		title = label + ": " + title
	}

	p := Payload{
		Kind:        KindItem,
		ItemID:      it.ID,
		Mention:     r.cfg.MentionEveryone,
		Content:     fmt.Sprintf("**%s**\n%s", title, link),
		Title:       title,
		Description: Truncate(it.Text, r.cfg.MaxLength),
		URL:         link,
		Color:       BrandColor,
		Timestamp:   it.CreatedAt,
		Footer:      &Footer{Text: r.cfg.Footer, IconURL: footerIcon},
		ImageURL:    firstImage(it.MediaKeys, media),
	}
	if author.DisplayName != "" || author.AvatarURL != "" {
		name := author.DisplayName
		if name == "" {
			name = "@" + handle
		}
		if author.Verified {
			name += " ✔"
		}
		p.Author = &Author{Name: name, URL: "https://twitter.com/" + handle, IconURL: author.AvatarURL}
	}
	if r.cfg.ShowMetrics && it.Metrics != nil {
		m := it.Metrics
		p.Fields = []Field{
			{Name: "Likes", Value: strconv.Itoa(m.Likes), Inline: true},
			{Name: "Reposts", Value: strconv.Itoa(m.Retweets), Inline: true},
			{Name: "Replies", Value: strconv.Itoa(m.Replies), Inline: true},
		}
	}
	return p, nil
}

// Status renders a bridge lifecycle message (startup, shutdown).
func (r *Renderer) Status(title, detail string) Payload {
	return Payload{
		Kind:        KindStatus,
		Content:     title,
		Title:       title,
		Description: Truncate(detail, r.cfg.MaxLength),
		Color:       BrandColor,
		Footer:      &Footer{Text: r.cfg.Footer},
	}
}

// Permalink is the public URL of a post.
func Permalink(handle, id string) string {
	return "https://twitter.com/" + handle + "/status/" + id
}

// Truncate limits s to max runes; a cut string ends with "…" and still fits.
func Truncate(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	keep := max - utf8.RuneCountInString(ellipsis)
	if keep <= 0 {
		return string([]rune(ellipsis)[:max])
	}
	r := []rune(s)
	return strings.TrimRight(string(r[:keep]), " \n\t") + ellipsis
}

func firstImage(keys []string, media source.MediaIndex) string {
	for _, k := range keys {
		if m, ok := media[k]; ok {
			if u := m.ImageURL(); u != "" {
				return u
			}
		}
	}
	return ""
}
