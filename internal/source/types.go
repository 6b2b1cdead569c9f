package source

import "time"

// Item is a single post. Items are immutable once fetched.
type Item struct {
	ID        string
	Text      string
	CreatedAt time.Time
	AuthorID  string

	// InReplyToUserID is set when the post answers another account.
	InReplyToUserID string
	Referenced      []Reference
	MediaKeys       []string
	Metrics         *Metrics
}

// Reference is a link from a post to another post ("replied_to", "quoted",
// "retweeted").
type Reference struct {
	Type string
	ID   string
}

type Metrics struct {
	Retweets int
	Replies  int
	Likes    int
	Quotes   int
}

// Author is the resolved identity of the followed account.
type Author struct {
	ID          string
	DisplayName string
	Handle      string
	AvatarURL   string
	Verified    bool
	Followers   int
}

// Media describes one attachment from the includes.media expansion.
type Media struct {
	Key        string
	Type       string // photo, video, animated_gif
	URL        string
	PreviewURL string
	Width      int
	Height     int
}

// ImageURL is the best still image for the attachment, or "".
func (m Media) ImageURL() string {
	if m.URL != "" {
		return m.URL
	}
	return m.PreviewURL
}

// MediaIndex maps media keys to attachments.
type MediaIndex map[string]Media

// Batch is the result of one FetchRecent call. Items are newest-first, as the
// API returns them.
type Batch struct {
	Items []Item
	Media MediaIndex
}
