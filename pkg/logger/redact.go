package logger

import (
	"log/slog"
	"strings"
	"unicode/utf8"
)

const (
	redacted = "[REDACTED]"

	// maxTextRunes caps chat text in log lines.
	maxTextRunes = 256
)

var secretKeys = map[string]bool{
	"api_key":       true,
	"apikey":        true,
	"password":      true,
	"secret":        true,
	"token":         true,
	"authorization": true,
}

var textKeys = map[string]bool{
	"content": true,
	"text":    true,
	"prompt":  true,
	"reply":   true,
}

// replaceAttr keeps credentials and long chat text out of log output.
func replaceAttr(groups []string, a slog.Attr) slog.Attr {
	if len(groups) == 0 && a.Key == slog.MessageKey {
		a.Key = "message"
		return a
	}
	key := strings.ToLower(a.Key)
	if secretKeys[key] {
		return slog.String(a.Key, redacted)
	}
	if textKeys[key] && a.Value.Kind() == slog.KindString {
		return slog.String(a.Key, truncate(a.Value.String(), maxTextRunes))
	}
	return a
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n]) + "…"
}
