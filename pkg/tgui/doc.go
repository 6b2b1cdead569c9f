// Package tgui builds Telegram HTML (ParseMode="HTML") from plain text with
// escaping applied by default.
package tgui
