package provider

import (
	"context"
	"strings"
	"unicode/utf8"
)

// Echo is an offline Generator. Replies repeat the last prompt line,
// summaries truncate the prompt and scores are always "0". It exists for
// local runs without provider credentials.
type Echo struct {
	// Prefix is prepended to replies.
	Prefix string
}

// Complete implements Generator.
func (e Echo) Complete(ctx context.Context, req Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", Classify("echo", 0, err)
	}
	switch req.Purpose {
	case PurposeScore:
		return "0", nil
	case PurposeSummary:
		return truncateRunes(strings.Join(strings.Fields(req.Prompt), " "), maxRunes(req.MaxTokens)), nil
	}
	last := strings.TrimSpace(req.Prompt)
	if i := strings.LastIndexByte(last, '\n'); i >= 0 {
		last = strings.TrimSpace(last[i+1:])
	}
	return truncateRunes(e.Prefix+last, maxRunes(req.MaxTokens)), nil
}

func maxRunes(tokens int) int {
	if tokens <= 0 {
		return 0
	}
	return tokens * 2
}

func truncateRunes(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}
