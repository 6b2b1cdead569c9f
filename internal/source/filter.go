package source

import "strings"

// IsOriginal reports whether item is a standalone post of the account: not a
// reply, not a retweet, and not an at-mention conversation opener.
func IsOriginal(it Item) bool {
	if strings.TrimSpace(it.InReplyToUserID) != "" {
		return false
	}
	for _, ref := range it.Referenced {
		switch ref.Type {
		case "replied_to", "retweeted":
			return false
		}
	}
	return !strings.HasPrefix(strings.TrimSpace(it.Text), "@")
}

// Originals returns the items that pass IsOriginal, preserving order.
func Originals(items []Item) []Item {
	out := make([]Item, 0, len(items))
	for _, it := range items {
		if IsOriginal(it) {
			out = append(out, it)
		}
	}
	return out
}
