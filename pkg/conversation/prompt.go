package conversation

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"text/template"

	"github.com/heartline/heartline/pkg/session"
	"github.com/heartline/heartline/pkg/storage"
)

// NoSummaryPlaceholder stands in for the summary before the first one exists.
const NoSummaryPlaceholder = "No summary yet. This conversation has just started."

const summarySystemPrompt = "You summarize conversations between a user and an AI companion character. " +
	"Write a short third-person summary that keeps names, facts, promises and the emotional tone."

const scoreSystemPrompt = "You judge how a conversation changed the user's feelings toward an AI companion character."

// SimilarMessage is a past message that resembles the current turn.
type SimilarMessage struct {
	ID     string         `json:"id"`
	Sender storage.Sender `json:"sender"`
	Text   string         `json:"text"`
	Score  float64        `json:"score"`
}

// promptData feeds the reply template. fit mutates Turns, Similar and
// Summary while trimming.
type promptData struct {
	Nickname         string
	Tier             string
	Tone             string
	Affinity         float64
	Scenario         string
	Summary          string
	SummaryTruncated bool
	Similar          []SimilarMessage
	Turns            []session.Turn
}

// Label names the author of a turn inside the prompt.
func (d *promptData) Label(s storage.Sender) string {
	if s == storage.SenderUser {
		return d.Nickname
	}
	return "You"
}

var replyTemplate = template.Must(template.New("reply").Parse(
	`Relationship with {{.Nickname}}: {{.Tier}} (affinity {{printf "%.1f" .Affinity}}). Speak in a {{.Tone}} tone.
{{- if .Scenario}}
Scenario: {{.Scenario}}
{{- end}}

Summary of the earlier conversation:
{{if .Summary}}{{.Summary}}{{if .SummaryTruncated}} ...{{end}}{{else}}` + NoSummaryPlaceholder + `{{end}}
{{- if .Similar}}

Related things said before:
{{- range .Similar}}
- {{$.Label .Sender}}: {{.Text}}
{{- end}}
{{- end}}

Recent conversation:
{{- range .Turns}}
{{$.Label .Speaker}}: {{.Text}}
{{- end}}`))

func renderReply(d *promptData) (string, error) {
	var sb strings.Builder
	if err := replyTemplate.Execute(&sb, d); err != nil {
		return "", err
	}
	return sb.String(), nil
}

type transcriptData struct {
	Messages []*storage.Message
	Summary  string
	Bound    float64
}

// Sender labels are plain roles here: the summarizer has no use for nicknames.
var summaryTemplate = template.Must(template.New("summary").Parse(
	`Summarize the following conversation.

{{range .Messages}}{{.Sender}}: {{.Content}}
{{end}}`))

var scoreTemplate = template.Must(template.New("score").Parse(
	`Summary: {{.Summary}}

Messages:
{{range .Messages}}{{.Sender}}: {{.Content}}
{{end}}
On a scale from -{{.Bound}} to {{.Bound}}, how much did the user's affection for the character change?
Negative means it fell, positive means it grew. Answer with a single number only.`))

func renderTranscript(t *template.Template, d transcriptData) (string, error) {
	var sb strings.Builder
	if err := t.Execute(&sb, d); err != nil {
		return "", err
	}
	return sb.String(), nil
}

var numberRe = regexp.MustCompile(`[-+]?\d+(?:\.\d+)?`)

// parseScore extracts the first signed decimal from a scoring reply and
// clamps it to [-bound, bound].
func parseScore(reply string, bound float64) (float64, bool) {
	reply = strings.NewReplacer("−", "-", "＋", "+").Replace(reply)
	m := numberRe.FindString(reply)
	if m == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(m, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return math.Max(-bound, math.Min(bound, v)), true
}

var (
	positiveKeywords = []string{"좋아", "감사", "행복", "사랑", "thank", "love", "happy", "glad"}
	negativeKeywords = []string{"싫어", "짜증", "화나", "미워", "hate", "annoying", "angry", "upset"}
)

// keywordScore is the fallback scorer: +0.5 for each positive keyword and
// -0.5 for each negative keyword found in the user's messages.
func keywordScore(msgs []*storage.Message, bound float64) float64 {
	var score float64
	for _, m := range msgs {
		if m.Sender != storage.SenderUser {
			continue
		}
		text := strings.ToLower(m.Content)
		for _, k := range positiveKeywords {
			if strings.Contains(text, k) {
				score += 0.5
			}
		}
		for _, k := range negativeKeywords {
			if strings.Contains(text, k) {
				score -= 0.5
			}
		}
	}
	return math.Max(-bound, math.Min(bound, score))
}
