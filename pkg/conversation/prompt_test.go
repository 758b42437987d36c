package conversation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heartline/heartline/pkg/session"
	"github.com/heartline/heartline/pkg/storage"
)

func TestParseScore(t *testing.T) {
	tests := []struct {
		reply string
		want  float64
		ok    bool
	}{
		{"3", 3, true},
		{"+2.5", 2.5, true},
		{"-4", -4, true},
		{"−2", -2, true},
		{"Score: 1.5 out of 5", 1.5, true},
		{"12", 5, true},
		{"-40", -5, true},
		{"I'd say 0", 0, true},
		{"no change", 0, false},
		{"", 0, false},
	}
	for _, tt := range tests {
		got, ok := parseScore(tt.reply, 5)
		assert.Equal(t, tt.ok, ok, "parseScore(%q)", tt.reply)
		assert.Equal(t, tt.want, got, "parseScore(%q)", tt.reply)
	}
}

func TestKeywordScore(t *testing.T) {
	msg := func(s storage.Sender, text string) *storage.Message {
		return &storage.Message{Sender: s, Content: text}
	}
	tests := []struct {
		name string
		msgs []*storage.Message
		want float64
	}{
		{"empty", nil, 0},
		{"positive korean", []*storage.Message{msg(storage.SenderUser, "정말 좋아, 감사해")}, 1},
		{"negative english", []*storage.Message{msg(storage.SenderUser, "I HATE this, so annoying")}, -1},
		{"mixed", []*storage.Message{msg(storage.SenderUser, "love you"), msg(storage.SenderUser, "but I'm angry")}, 0},
		{"character ignored", []*storage.Message{msg(storage.SenderCharacter, "I love you")}, 0},
		{"clamped", []*storage.Message{
			msg(storage.SenderUser, "love thank happy glad 좋아 감사 행복 사랑"),
			msg(storage.SenderUser, "love thank happy glad 좋아 감사 행복 사랑"),
		}, 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, keywordScore(tt.msgs, 5))
		})
	}
}

func TestRenderReply(t *testing.T) {
	d := &promptData{
		Nickname: "Mina",
		Tier:     "friend",
		Tone:     "warm",
		Affinity: 25,
		Similar:  []SimilarMessage{{Sender: storage.SenderCharacter, Text: "I like tea"}},
		Turns: []session.Turn{
			{Speaker: storage.SenderUser, Text: "hi"},
			{Speaker: storage.SenderCharacter, Text: "hello Mina"},
			{Speaker: storage.SenderUser, Text: "tea?"},
		},
	}
	out, err := renderReply(d)
	require.NoError(t, err)

	want := `Relationship with Mina: friend (affinity 25.0). Speak in a warm tone.

Summary of the earlier conversation:
` + NoSummaryPlaceholder + `

Related things said before:
- You: I like tea

Recent conversation:
Mina: hi
You: hello Mina
Mina: tea?`
	assert.Equal(t, want, out)

	d.Summary = "they met yesterday"
	d.SummaryTruncated = true
	d.Similar = nil
	d.Scenario = "cafe"
	out, err = renderReply(d)
	require.NoError(t, err)
	assert.Contains(t, out, "Scenario: cafe\n")
	assert.Contains(t, out, "they met yesterday ...")
	assert.NotContains(t, out, "Related things")
}
