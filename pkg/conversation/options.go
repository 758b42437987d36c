package conversation

import (
	"time"

	"github.com/heartline/heartline/pkg/affinity"
	"github.com/heartline/heartline/pkg/cache"
	"github.com/heartline/heartline/pkg/index"
	"github.com/heartline/heartline/pkg/logger"
	"github.com/heartline/heartline/pkg/metrics"
	"github.com/heartline/heartline/pkg/provider"
	"github.com/heartline/heartline/pkg/relationship"
	"github.com/heartline/heartline/pkg/session"
	"github.com/heartline/heartline/pkg/storage"
)

// Deps are the collaborators of an Orchestrator. Store, Relationships and
// Generator are required; the rest are optional.
type Deps struct {
	Store         storage.Storage
	Cache         cache.Store
	Sessions      *session.Manager
	Relationships *relationship.Engine
	Generator     provider.Generator
	Embedder      provider.Embedder
	Index         index.Index
	Logger        logger.Logger
	Metrics       *metrics.Manager
}

// Options tunes the orchestrator.
type Options struct {
	// WindowSize is the number of recent turns fed to generation.
	WindowSize int
	// SummaryEvery triggers summarization when the message count is a
	// multiple of it. It is also the number of messages summarized.
	SummaryEvery int
	// SimilarTopK is the number of similar past messages retrieved.
	SimilarTopK int
	// DeltaBound bounds the affinity delta derived from a summary.
	DeltaBound float64

	ContextLimitTokens int
	MaxOutputTokens    int
	// MinOutputTokens is the smallest output budget worth calling the
	// provider with. Less than this triggers trimming.
	MinOutputTokens    int
	SummaryMaxTokens   int
	Temperature        float64
	SummaryTemperature float64
	// GenerationTimeout bounds a single reply generation. Zero means the
	// request context alone decides.
	GenerationTimeout time.Duration

	CacheTTL time.Duration
	// RecentListLen is the length of the cached rolling message list.
	RecentListLen int

	SystemPrompt     string
	FallbackReply    string
	NicknameFallback string
	Tokenizer        Tokenizer

	IndexWorkers   int
	IndexQueueSize int
	// IndexRate limits embedding calls per second. Zero means unlimited.
	IndexRate  float64
	IndexBurst int

	Now func() time.Time
}

// Default option values.
const (
	DefaultSummaryEvery       = 10
	DefaultSimilarTopK        = 3
	DefaultContextLimitTokens = 4096
	DefaultMaxOutputTokens    = 512
	DefaultMinOutputTokens    = 64
	DefaultSummaryMaxTokens   = 256
	DefaultTemperature        = 0.7

	DefaultSystemPrompt = "You are an AI companion character talking with a user. " +
		"Stay in character, keep continuity with the earlier conversation, and let the " +
		"relationship and tone described in the context color how warm or distant you are."
	DefaultFallbackReply    = "I'm sorry, I can't answer right now. Could you say that again in a moment?"
	DefaultNicknameFallback = "user"
)

// DefaultOptions returns the reference configuration.
func DefaultOptions() Options {
	return Options{
		WindowSize:         session.DefaultWindowSize,
		SummaryEvery:       DefaultSummaryEvery,
		SimilarTopK:        DefaultSimilarTopK,
		DeltaBound:         affinity.DefaultDeltaBound,
		ContextLimitTokens: DefaultContextLimitTokens,
		MaxOutputTokens:    DefaultMaxOutputTokens,
		MinOutputTokens:    DefaultMinOutputTokens,
		SummaryMaxTokens:   DefaultSummaryMaxTokens,
		Temperature:        DefaultTemperature,
		SummaryTemperature: 0,
		CacheTTL:           cache.DefaultTTL,
		RecentListLen:      session.DefaultWindowSize,
		SystemPrompt:       DefaultSystemPrompt,
		FallbackReply:      DefaultFallbackReply,
		NicknameFallback:   DefaultNicknameFallback,
		Tokenizer:          EstimateTokens,
		IndexWorkers:       2,
		IndexQueueSize:     256,
		IndexRate:          5,
		IndexBurst:         5,
		Now:                func() time.Time { return time.Now().UTC() },
	}
}

// withDefaults fills zero fields from DefaultOptions.
func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.WindowSize <= 0 {
		o.WindowSize = d.WindowSize
	}
	if o.SummaryEvery <= 0 {
		o.SummaryEvery = d.SummaryEvery
	}
	if o.SimilarTopK < 0 {
		o.SimilarTopK = 0
	}
	if o.DeltaBound <= 0 {
		o.DeltaBound = d.DeltaBound
	}
	if o.ContextLimitTokens <= 0 {
		o.ContextLimitTokens = d.ContextLimitTokens
	}
	if o.MaxOutputTokens <= 0 {
		o.MaxOutputTokens = d.MaxOutputTokens
	}
	if o.MinOutputTokens <= 0 {
		o.MinOutputTokens = 1
	}
	if o.MinOutputTokens > o.MaxOutputTokens {
		o.MinOutputTokens = o.MaxOutputTokens
	}
	if o.SummaryMaxTokens <= 0 {
		o.SummaryMaxTokens = d.SummaryMaxTokens
	}
	if o.CacheTTL <= 0 {
		o.CacheTTL = d.CacheTTL
	}
	if o.RecentListLen <= 0 {
		o.RecentListLen = o.WindowSize
	}
	if o.SystemPrompt == "" {
		o.SystemPrompt = d.SystemPrompt
	}
	if o.FallbackReply == "" {
		o.FallbackReply = d.FallbackReply
	}
	if o.NicknameFallback == "" {
		o.NicknameFallback = d.NicknameFallback
	}
	if o.Tokenizer == nil {
		o.Tokenizer = d.Tokenizer
	}
	if o.IndexWorkers <= 0 {
		o.IndexWorkers = d.IndexWorkers
	}
	if o.IndexQueueSize <= 0 {
		o.IndexQueueSize = d.IndexQueueSize
	}
	if o.IndexBurst <= 0 {
		o.IndexBurst = d.IndexBurst
	}
	if o.Now == nil {
		o.Now = d.Now
	}
	return o
}
