package conversation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heartline/heartline/pkg/session"
	"github.com/heartline/heartline/pkg/storage"
)

// runeTokens counts one token per rune, which keeps the arithmetic readable.
func runeTokens(s string) int { return len([]rune(s)) }

func budgetData() *promptData {
	d := &promptData{
		Nickname: "user",
		Tier:     "friend",
		Tone:     "warm",
		Summary:  strings.Repeat("s", 400),
		Similar: []SimilarMessage{
			{ID: "a", Sender: storage.SenderUser, Text: strings.Repeat("a", 100), Score: 0.9},
			{ID: "b", Sender: storage.SenderUser, Text: strings.Repeat("b", 100), Score: 0.5},
		},
	}
	for i := 0; i < 5; i++ {
		d.Turns = append(d.Turns, session.Turn{Speaker: storage.SenderUser, Text: strings.Repeat(string(rune('0'+i)), 100)})
	}
	return d
}

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"", 0},
		{"a", 1},
		{"abc", 2},
		{"hello world", 5},
		{"안녕하세요", 2},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, EstimateTokens(tt.in), "EstimateTokens(%q)", tt.in)
	}
}

func TestFit_NoTrimWhenRoomy(t *testing.T) {
	d := budgetData()
	b, err := fit(d, "system", runeTokens, 10000, 64, 512, nil)
	require.NoError(t, err)
	assert.Equal(t, 512, b.maxTokens)
	assert.Empty(t, b.trims)
	assert.Len(t, d.Turns, 5)
	assert.Equal(t, runeTokens("system")+runeTokens(b.prompt), b.promptTokens)
}

func TestFit_CapsOutputToRemainingRoom(t *testing.T) {
	d := budgetData()
	full, err := renderReply(d)
	require.NoError(t, err)
	used := runeTokens(full) + runeTokens("sys")

	b, err := fit(budgetData(), "sys", runeTokens, used+100, 64, 512, nil)
	require.NoError(t, err)
	assert.Equal(t, 100, b.maxTokens)
	assert.Empty(t, b.trims)
}

func TestFit_TrimOrder(t *testing.T) {
	d := budgetData()
	base := &promptData{Nickname: d.Nickname, Tier: d.Tier, Tone: d.Tone, Turns: d.Turns[4:]}
	minimal, err := renderReply(base)
	require.NoError(t, err)

	var stages []string
	// Room for one turn and a shortened summary but no similar messages.
	limit := runeTokens(minimal) + 200 + 64
	b, err := fit(d, "", runeTokens, limit, 64, 512, func(stage string) { stages = append(stages, stage) })
	require.NoError(t, err)

	require.Len(t, d.Turns, 1)
	assert.Equal(t, strings.Repeat("4", 100), d.Turns[0].Text, "the newest turn is kept")
	assert.Empty(t, d.Similar)
	assert.True(t, d.SummaryTruncated)
	assert.Less(t, len(d.Summary), 400)

	assert.Equal(t, 4, b.trims[trimTurns])
	assert.Equal(t, 2, b.trims[trimSimilar])
	assert.Positive(t, b.trims[trimSummary])

	// Turns go first, then similar messages, then the summary.
	last := map[string]int{}
	first := map[string]int{}
	for i, s := range stages {
		if _, ok := first[s]; !ok {
			first[s] = i
		}
		last[s] = i
	}
	assert.Less(t, last[trimTurns], first[trimSimilar])
	assert.Less(t, last[trimSimilar], first[trimSummary])
	assert.GreaterOrEqual(t, b.maxTokens, 64)
	assert.LessOrEqual(t, b.promptTokens+b.maxTokens, limit)
}

func TestFit_DropsLeastSimilarFirst(t *testing.T) {
	d := budgetData()
	d.Turns = d.Turns[4:]
	d.Summary = ""
	full, err := renderReply(d)
	require.NoError(t, err)

	// One similar message has to go.
	_, err = fit(d, "", runeTokens, runeTokens(full)+64-50, 64, 512, nil)
	require.NoError(t, err)
	require.Len(t, d.Similar, 1)
	assert.Equal(t, "a", d.Similar[0].ID)
}

func TestFit_Overflow(t *testing.T) {
	d := budgetData()
	_, err := fit(d, strings.Repeat("x", 1000), runeTokens, 500, 64, 512, nil)
	assert.ErrorIs(t, err, ErrContextOverflow)
	assert.Len(t, d.Turns, 1)
	assert.Empty(t, d.Similar)
	assert.Empty(t, d.Summary)
}

func TestShortenRunes(t *testing.T) {
	assert.Equal(t, "", shortenRunes("a"))
	assert.Equal(t, "abc", shortenRunes("abcd"))
	assert.Equal(t, "가나다", shortenRunes("가나다라"))
	assert.Equal(t, 6, len([]rune(shortenRunes("abcdefgh"))))
}
