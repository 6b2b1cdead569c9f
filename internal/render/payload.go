// Package render turns posts into destination-neutral message payloads.
// It does no I/O; sinks map a Payload onto their wire format.
package render

import "time"

// Kind distinguishes post payloads from bridge status messages.
type Kind string

const (
	KindItem   Kind = "item"
	KindStatus Kind = "status"
)

// Payload is an outbound message.
type Payload struct {
	Kind Kind
	// ItemID is set for KindItem.
	ItemID string

	// Mention asks the sink to ping the whole channel when it supports it.
	Mention bool
	// Content is the plain-text lead line (shown above an embed, or as the
	// first line of a text-only message).
	Content string

	Title       string
	Description string
	URL         string
	Color       int
	Timestamp   time.Time
	ImageURL    string

	Author *Author
	Footer *Footer
	Fields []Field
}

type Author struct {
	Name    string
	URL     string
	IconURL string
}

type Footer struct {
	Text    string
	IconURL string
}

type Field struct {
	Name   string
	Value  string
	Inline bool
}
