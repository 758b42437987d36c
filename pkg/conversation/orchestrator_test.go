package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heartline/heartline/pkg/affinity"
	memcache "github.com/heartline/heartline/pkg/cache/memory"
	"github.com/heartline/heartline/pkg/index"
	"github.com/heartline/heartline/pkg/provider"
	"github.com/heartline/heartline/pkg/relationship"
	"github.com/heartline/heartline/pkg/storage"
	memstore "github.com/heartline/heartline/pkg/storage/memory"
)

// scriptedGenerator wraps Echo with per-purpose overrides.
type scriptedGenerator struct {
	provider.Echo

	mu     sync.Mutex
	score  string
	fail   map[provider.Purpose]error
	before func(provider.Request)
	calls  map[provider.Purpose]int
}

func (g *scriptedGenerator) Complete(ctx context.Context, req provider.Request) (string, error) {
	g.mu.Lock()
	if g.calls == nil {
		g.calls = make(map[provider.Purpose]int)
	}
	g.calls[req.Purpose]++
	err := g.fail[req.Purpose]
	score := g.score
	before := g.before
	g.mu.Unlock()

	if before != nil {
		before(req)
	}
	if err != nil {
		return "", err
	}
	if req.Purpose == provider.PurposeScore && score != "" {
		return score, nil
	}
	return g.Echo.Complete(ctx, req)
}

func (g *scriptedGenerator) count(p provider.Purpose) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[p]
}

type fixture struct {
	store *memstore.MemoryStorage
	cache *memcache.Store
	rels  *relationship.Engine
	gen   *scriptedGenerator
	index *index.VectorIndex
	o     *Orchestrator
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	f := &fixture{
		store: memstore.NewMemoryStorage(),
		cache: memcache.New(),
		gen:   &scriptedGenerator{Echo: provider.Echo{Prefix: "echo: "}},
		index: index.NewVectorIndex(0),
	}
	f.rels = relationship.New(f.store, f.cache)
	f.o = f.orchestrator(t, opts)
	return f
}

// orchestrator builds another engine over the fixture's shared backends,
// as a second process would.
func (f *fixture) orchestrator(t *testing.T, opts Options) *Orchestrator {
	t.Helper()
	o, err := New(Deps{
		Store:         f.store,
		Cache:         f.cache,
		Relationships: f.rels,
		Generator:     f.gen,
		Embedder:      provider.HashingEmbedder{Dim: 64},
		Index:         f.index,
	}, opts)
	require.NoError(t, err)
	t.Cleanup(func() { o.Close() })
	return o
}

func (f *fixture) conversation(t *testing.T) *storage.Conversation {
	t.Helper()
	conv, err := f.o.CreateConversation(context.Background(), "u1", "c1", nil)
	require.NoError(t, err)
	return conv
}

func TestNew_RequiresCollaborators(t *testing.T) {
	store := memstore.NewMemoryStorage()
	rels := relationship.New(store, nil)

	_, err := New(Deps{Relationships: rels, Generator: provider.Echo{}}, Options{})
	assert.Error(t, err)
	_, err = New(Deps{Store: store, Generator: provider.Echo{}}, Options{})
	assert.Error(t, err)
	_, err = New(Deps{Store: store, Relationships: rels}, Options{})
	assert.Error(t, err)

	o, err := New(Deps{Store: store, Relationships: rels, Generator: provider.Echo{}}, Options{})
	require.NoError(t, err)
	assert.Equal(t, DefaultSummaryEvery, o.Options().SummaryEvery)
	assert.Equal(t, DefaultSimilarTopK, o.Options().SimilarTopK)
	assert.Equal(t, 10, o.Options().WindowSize)
	assert.NoError(t, o.Close())
}

func TestRecordTurn_SummarizesAtCadence(t *testing.T) {
	f := newFixture(t, Options{})
	f.gen.score = "+3"
	conv := f.conversation(t)
	ctx := context.Background()

	var triggered []int64
	for i := 1; i <= 20; i++ {
		speaker := storage.SenderUser
		if i%2 == 0 {
			speaker = storage.SenderCharacter
		}
		turn, err := f.o.RecordTurn(ctx, conv.ID, speaker, fmt.Sprintf("message %d", i))
		require.NoError(t, err)
		assert.Equal(t, int64(i), turn.Count)
		if turn.Summary != nil {
			triggered = append(triggered, turn.Count)
		}
	}

	assert.Equal(t, []int64{10, 20}, triggered)
	assert.Equal(t, 2, f.gen.count(provider.PurposeSummary))

	sums, err := f.o.ListSummaries(ctx, "u1", conv.ID)
	require.NoError(t, err)
	require.Len(t, sums, 2)
	assert.Equal(t, int64(10), sums[0].UptoSeq)
	assert.Equal(t, int64(20), sums[1].UptoSeq)
	assert.Contains(t, sums[1].Text, "message 20")
	assert.NotContains(t, sums[1].Text, "message 10 ")

	rel, err := f.rels.Get(ctx, "u1", "c1")
	require.NoError(t, err)
	assert.Equal(t, 6.0, rel.Affinity)
	assert.Equal(t, int64(2), rel.InteractionCount)

	latest, err := f.o.LatestSummary(ctx, "u1", conv.ID)
	require.NoError(t, err)
	assert.Equal(t, sums[1].ID, latest.ID)
}

func TestRecordTurn_SummaryFailureIsNotFatal(t *testing.T) {
	f := newFixture(t, Options{SummaryEvery: 2})
	f.gen.fail = map[provider.Purpose]error{provider.PurposeSummary: provider.ErrProviderUnavailable}
	conv := f.conversation(t)
	ctx := context.Background()

	_, err := f.o.RecordTurn(ctx, conv.ID, storage.SenderUser, "hi")
	require.NoError(t, err)
	turn, err := f.o.RecordTurn(ctx, conv.ID, storage.SenderCharacter, "hello")
	require.NoError(t, err)
	assert.Nil(t, turn.Summary)

	_, err = f.o.LatestSummary(ctx, "u1", conv.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	rel, err := f.rels.Get(ctx, "u1", "c1")
	require.NoError(t, err)
	assert.Zero(t, rel.InteractionCount)
}

func TestSummarize_ScoringFallsBackToKeywords(t *testing.T) {
	f := newFixture(t, Options{SummaryEvery: 100})
	f.gen.fail = map[provider.Purpose]error{provider.PurposeScore: provider.ErrProviderTimeout}
	conv := f.conversation(t)
	ctx := context.Background()

	_, err := f.o.RecordTurn(ctx, conv.ID, storage.SenderUser, "thank you, I love this place")
	require.NoError(t, err)
	_, err = f.o.RecordTurn(ctx, conv.ID, storage.SenderCharacter, "I hate rain")
	require.NoError(t, err)

	sum, err := f.o.Summarize(ctx, "u1", conv.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), sum.UptoSeq)

	rel, err := f.rels.Get(ctx, "u1", "c1")
	require.NoError(t, err)
	// Only user messages count: "thank" and "love".
	assert.Equal(t, 1.0, rel.Affinity)
}

func TestRespond_EndToEnd(t *testing.T) {
	f := newFixture(t, Options{})
	conv := f.conversation(t)
	ctx := context.Background()

	reply, err := f.o.Respond(ctx, "u1", conv.ID, "hello there")
	require.NoError(t, err)
	assert.False(t, reply.Fallback)
	assert.Equal(t, "echo: user: hello there", reply.Text)
	require.NotNil(t, reply.Assistant)
	assert.Equal(t, storage.SenderCharacter, reply.Assistant.Sender)
	assert.Equal(t, int64(2), reply.Assistant.Seq)

	require.NotNil(t, reply.Payload)
	assert.Contains(t, reply.Payload.Prompt, NoSummaryPlaceholder)
	assert.Contains(t, reply.Payload.Prompt, "Relationship with user: stranger")
	assert.False(t, reply.Payload.HasSummary)
	assert.Equal(t, DefaultMaxOutputTokens, reply.Payload.MaxTokens)

	msgs, err := f.o.ListMessages(ctx, "u1", conv.ID, nil)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "hello there", msgs[0].Content)
	assert.Equal(t, reply.Text, msgs[1].Content)

	s, ok := f.o.Sessions().Get(conv.ID)
	require.True(t, ok)
	turns := s.Turns()
	require.Len(t, turns, 2)
	assert.Equal(t, storage.SenderCharacter, turns[1].Speaker)
}

func TestRespond_UsesNickname(t *testing.T) {
	f := newFixture(t, Options{})
	conv := f.conversation(t)
	ctx := context.Background()

	nick := "Bean"
	_, err := f.rels.SetNickname(ctx, "u1", "c1", &nick)
	require.NoError(t, err)

	reply, err := f.o.Respond(ctx, "u1", conv.ID, "guess who")
	require.NoError(t, err)
	assert.Equal(t, "echo: Bean: guess who", reply.Text)
	assert.Equal(t, "Bean", reply.Payload.Nickname)
}

func TestRespond_FallbackIsNotPersisted(t *testing.T) {
	f := newFixture(t, Options{})
	f.gen.fail = map[provider.Purpose]error{provider.PurposeReply: provider.Classify("test", 503, errors.New("overloaded"))}
	conv := f.conversation(t)
	ctx := context.Background()

	reply, err := f.o.Respond(ctx, "u1", conv.ID, "are you there?")
	require.NoError(t, err)
	assert.True(t, reply.Fallback)
	assert.Nil(t, reply.Assistant)
	assert.Equal(t, DefaultFallbackReply, reply.Text)
	require.NotNil(t, reply.UserMessage)

	msgs, err := f.o.ListMessages(ctx, "u1", conv.ID, nil)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, storage.SenderUser, msgs[0].Sender)
}

func TestSetFallbackReply(t *testing.T) {
	f := newFixture(t, Options{})
	f.gen.fail = map[provider.Purpose]error{provider.PurposeReply: provider.Classify("test", 503, errors.New("overloaded"))}
	conv := f.conversation(t)

	f.o.SetFallbackReply("  brb  ")
	assert.Equal(t, "brb", f.o.Options().FallbackReply)
	reply, err := f.o.Respond(context.Background(), "u1", conv.ID, "hello?")
	require.NoError(t, err)
	assert.Equal(t, "brb", reply.Text)

	f.o.SetFallbackReply("")
	assert.Equal(t, DefaultFallbackReply, f.o.Options().FallbackReply)
}

func TestRespond_CancelledRequestDoesNotPersistReply(t *testing.T) {
	f := newFixture(t, Options{})
	conv := f.conversation(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// The provider answers, but the request is cancelled while it runs.
	f.gen.before = func(req provider.Request) {
		if req.Purpose == provider.PurposeReply {
			cancel()
		}
	}

	_, err := f.o.Respond(ctx, "u1", conv.ID, "hello?")
	require.ErrorIs(t, err, context.Canceled)

	msgs, err := f.o.ListMessages(context.Background(), "u1", conv.ID, nil)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, storage.SenderUser, msgs[0].Sender)
}

func TestRespond_RejectsBadInput(t *testing.T) {
	f := newFixture(t, Options{})
	conv := f.conversation(t)
	ctx := context.Background()

	_, err := f.o.Respond(ctx, "u1", conv.ID, "   ")
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = f.o.RecordTurn(ctx, conv.ID, storage.Sender("narrator"), "once upon a time")
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = f.o.CreateConversation(ctx, "u1", "c1", []byte("{not json"))
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = f.o.CreateConversation(ctx, "u:1", "c1", nil)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestConversation_Ownership(t *testing.T) {
	f := newFixture(t, Options{})
	conv := f.conversation(t)
	ctx := context.Background()

	got, err := f.o.GetConversation(ctx, "u1", conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "c1", got.CharacterID)

	_, err = f.o.GetConversation(ctx, "intruder", conv.ID)
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = f.o.Respond(ctx, "intruder", conv.ID, "hi")
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = f.o.GetConversation(ctx, "u1", "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteConversation(t *testing.T) {
	f := newFixture(t, Options{})
	conv := f.conversation(t)
	ctx := context.Background()

	_, err := f.o.RecordTurn(ctx, conv.ID, storage.SenderUser, "bye")
	require.NoError(t, err)
	f.o.indexer.flush()

	require.NoError(t, f.o.DeleteConversation(ctx, "u1", conv.ID))

	_, err = f.o.GetConversation(ctx, "u1", conv.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, ok := f.o.Sessions().Get(conv.ID)
	assert.False(t, ok)
	assert.Zero(t, f.index.Len())
}

func TestListConversations_ScopedToUser(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	for _, c := range []string{"c1", "c2"} {
		_, err := f.o.CreateConversation(ctx, "u1", c, nil)
		require.NoError(t, err)
	}
	_, err := f.o.CreateConversation(ctx, "u2", "c1", nil)
	require.NoError(t, err)

	convs, total, err := f.o.ListConversations(ctx, "u1", &storage.ConversationFilter{UserID: "u2"})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	for _, c := range convs {
		assert.Equal(t, "u1", c.UserID)
	}
}

func TestSetScenario(t *testing.T) {
	f := newFixture(t, Options{})
	conv := f.conversation(t)
	ctx := context.Background()

	require.NoError(t, f.o.SetScenario(ctx, "u1", conv.ID, "beach-date"))
	_, err := f.o.RecordTurn(ctx, conv.ID, storage.SenderUser, "nice waves")
	require.NoError(t, err)

	p, err := f.o.BuildGenerationPayload(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "beach-date", p.Scenario)
	assert.Contains(t, p.Prompt, "Scenario: beach-date")

	require.NoError(t, f.o.SetScenario(ctx, "u1", conv.ID, ""))
	p, err = f.o.BuildGenerationPayload(ctx, conv.ID)
	require.NoError(t, err)
	assert.NotContains(t, p.Prompt, "Scenario:")
}

func TestBuildGenerationPayload_HydratesFromSharedCache(t *testing.T) {
	f := newFixture(t, Options{SummaryEvery: 100})
	conv := f.conversation(t)
	ctx := context.Background()

	for i := 1; i <= 12; i++ {
		_, err := f.o.RecordTurn(ctx, conv.ID, storage.SenderUser, fmt.Sprintf("line %d", i))
		require.NoError(t, err)
	}

	other := f.orchestrator(t, Options{SummaryEvery: 100})
	p, err := other.BuildGenerationPayload(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, p.Turns, 10)
	assert.Equal(t, "line 3", p.Turns[0].Text)
	assert.Equal(t, "line 12", p.Turns[9].Text)
}

func TestBuildGenerationPayload_HydratesFromStoreWithoutCache(t *testing.T) {
	f := newFixture(t, Options{SummaryEvery: 100})
	conv := f.conversation(t)
	ctx := context.Background()

	for i := 1; i <= 4; i++ {
		_, err := f.o.RecordTurn(ctx, conv.ID, storage.SenderUser, fmt.Sprintf("line %d", i))
		require.NoError(t, err)
	}

	other, err := New(Deps{Store: f.store, Relationships: f.rels, Generator: f.gen}, Options{})
	require.NoError(t, err)
	p, err := other.BuildGenerationPayload(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, p.Turns, 4)
	assert.Equal(t, "line 1", p.Turns[0].Text)
	assert.Empty(t, p.Similar)
}

func TestBuildGenerationPayload_SimilarExcludesWindow(t *testing.T) {
	f := newFixture(t, Options{SummaryEvery: 100})
	conv := f.conversation(t)
	ctx := context.Background()

	texts := []string{
		"my cat is called miso", "the weather is grey", "I bought new shoes",
		"miso the cat sleeps all day", "dinner was pasta",
	}
	for _, text := range texts {
		_, err := f.o.RecordTurn(ctx, conv.ID, storage.SenderUser, text)
		require.NoError(t, err)
	}
	for i := 0; i < 9; i++ {
		_, err := f.o.RecordTurn(ctx, conv.ID, storage.SenderCharacter, fmt.Sprintf("filler %d", i))
		require.NoError(t, err)
	}
	_, err := f.o.RecordTurn(ctx, conv.ID, storage.SenderUser, "how is miso the cat")
	require.NoError(t, err)
	f.o.indexer.flush()

	p, err := f.o.BuildGenerationPayload(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, p.Turns, 10)
	require.Len(t, p.Similar, DefaultSimilarTopK)

	window := make(map[string]bool)
	for _, turn := range p.Turns {
		window[turn.ID] = true
	}
	for _, s := range p.Similar {
		assert.False(t, window[s.ID], "similar message %q is already in the window", s.Text)
	}
	assert.Contains(t, p.Similar[0].Text, "miso")
	assert.GreaterOrEqual(t, p.Similar[0].Score, p.Similar[1].Score)
	assert.Contains(t, p.Prompt, "Related things said before:")
}

func TestBuildGenerationPayload_UsesLatestSummary(t *testing.T) {
	f := newFixture(t, Options{SummaryEvery: 2})
	conv := f.conversation(t)
	ctx := context.Background()

	_, err := f.o.RecordTurn(ctx, conv.ID, storage.SenderUser, "we talked about stars")
	require.NoError(t, err)
	turn, err := f.o.RecordTurn(ctx, conv.ID, storage.SenderCharacter, "and comets")
	require.NoError(t, err)
	require.NotNil(t, turn.Summary)

	p, err := f.o.BuildGenerationPayload(ctx, conv.ID)
	require.NoError(t, err)
	assert.True(t, p.HasSummary)
	assert.Equal(t, turn.Summary.Text, p.Summary)
	assert.NotContains(t, p.Prompt, NoSummaryPlaceholder)
}

func TestBuildGenerationPayload_TightBudgetCapsOutput(t *testing.T) {
	f := newFixture(t, Options{
		SummaryEvery:       100,
		ContextLimitTokens: 300,
		MinOutputTokens:    40,
		Tokenizer:          func(s string) int { return len([]rune(s)) / 4 },
	})
	conv := f.conversation(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := f.o.RecordTurn(ctx, conv.ID, storage.SenderUser, strings.Repeat("word ", 30))
		require.NoError(t, err)
	}

	p, err := f.o.BuildGenerationPayload(ctx, conv.ID)
	require.NoError(t, err)
	assert.Less(t, len(p.Turns), 10)
	assert.NotEmpty(t, p.Turns)
	assert.Positive(t, p.Trimmed[trimTurns])
	assert.GreaterOrEqual(t, p.MaxTokens, 40)
	assert.LessOrEqual(t, p.PromptTokens+p.MaxTokens, 300)
}

func TestRelationshipTierFlowsIntoPayload(t *testing.T) {
	f := newFixture(t, Options{})
	conv := f.conversation(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := f.rels.ApplyAffinityDelta(ctx, "u1", "c1", 5)
		require.NoError(t, err)
	}
	_, err := f.o.RecordTurn(ctx, conv.ID, storage.SenderUser, "hey friend")
	require.NoError(t, err)

	p, err := f.o.BuildGenerationPayload(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, affinity.TierAcquaintance, p.Relationship.Tier)
	assert.Equal(t, affinity.ToneLabel(20), p.Relationship.Tone)
}
