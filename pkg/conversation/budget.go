package conversation

import (
	"math"
	"unicode/utf8"
)

// Tokenizer estimates the number of tokens in s.
type Tokenizer func(s string) int

// EstimateTokens approximates tokens as ceil(runes / 2.7), a ratio that holds
// reasonably for mixed Latin and CJK text.
func EstimateTokens(s string) int {
	n := utf8.RuneCountInString(s)
	if n == 0 {
		return 0
	}
	return int(math.Ceil(float64(n) / 2.7))
}

// Trim stages, in the order they are applied.
const (
	trimTurns   = "turns"
	trimSimilar = "similar"
	trimSummary = "summary"
)

// budget is the outcome of fitting a prompt into the context limit.
type budget struct {
	prompt       string
	promptTokens int
	maxTokens    int
	trims        map[string]int
}

// fit renders data and shrinks it until at least minOut tokens remain for
// the reply under limit. Oldest turns go first (the newest is always kept),
// then the least similar messages, then the summary is cut from its end.
func fit(data *promptData, system string, tokens Tokenizer, limit, minOut, maxOut int, onTrim func(stage string)) (*budget, error) {
	b := &budget{trims: make(map[string]int)}
	systemTokens := tokens(system)
	for {
		prompt, err := renderReply(data)
		if err != nil {
			return nil, err
		}
		used := systemTokens + tokens(prompt)
		if avail := limit - used; avail >= minOut {
			b.prompt = prompt
			b.promptTokens = used
			b.maxTokens = min(maxOut, avail)
			return b, nil
		}

		var stage string
		switch {
		case len(data.Turns) > 1:
			data.Turns = data.Turns[1:]
			stage = trimTurns
		case len(data.Similar) > 0:
			data.Similar = data.Similar[:len(data.Similar)-1]
			stage = trimSimilar
		case data.Summary != "":
			data.Summary = shortenRunes(data.Summary)
			data.SummaryTruncated = true
			stage = trimSummary
		default:
			return nil, ErrContextOverflow
		}
		b.trims[stage]++
		if onTrim != nil {
			onTrim(stage)
		}
	}
}

// shortenRunes drops the last quarter of s, at least one rune.
func shortenRunes(s string) string {
	r := []rune(s)
	cut := max(len(r)/4, 1)
	return string(r[:len(r)-cut])
}
