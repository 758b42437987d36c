// Package openai adapts the OpenAI chat completions and embeddings APIs (or
// any compatible endpoint) to the provider interfaces.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	openaigo "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/heartline/heartline/pkg/provider"
)

const name = "openai"

const (
	DefaultBaseURL        = "https://api.openai.com/v1"
	DefaultModel          = "gpt-4o-mini"
	DefaultEmbeddingModel = "text-embedding-3-small"
	DefaultTimeout        = 60 * time.Second
	DefaultMaxRetries     = 2
)

// Config holds the client settings.
type Config struct {
	BaseURL             string
	APIKey              string
	Model               string
	EmbeddingModel      string
	EmbeddingDimensions int
	Timeout             time.Duration
	MaxRetries          int
	HTTPClient          *http.Client
}

// Client implements provider.Generator and provider.Embedder.
type Client struct {
	client         openaigo.Client
	model          string
	embeddingModel string
	dimensions     int
}

// New creates a Client. APIKey is required.
func New(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, fmt.Errorf("openai: api key is required")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = DefaultModel
	}
	embeddingModel := strings.TrimSpace(cfg.EmbeddingModel)
	if embeddingModel == "" {
		embeddingModel = DefaultEmbeddingModel
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	retries := cfg.MaxRetries
	if retries < 0 {
		retries = 0
	}

	return &Client{
		client: openaigo.NewClient(
			option.WithBaseURL(baseURL),
			option.WithAPIKey(apiKey),
			option.WithHTTPClient(httpClient),
			option.WithMaxRetries(retries),
			option.WithRequestTimeout(timeout),
		),
		model:          model,
		embeddingModel: embeddingModel,
		dimensions:     cfg.EmbeddingDimensions,
	}, nil
}

// Complete implements provider.Generator.
func (c *Client) Complete(ctx context.Context, req provider.Request) (string, error) {
	messages := make([]openaigo.ChatCompletionMessageParamUnion, 0, 2)
	if s := strings.TrimSpace(req.System); s != "" {
		messages = append(messages, openaigo.SystemMessage(s))
	}
	messages = append(messages, openaigo.UserMessage(req.Prompt))

	params := openaigo.ChatCompletionNewParams{
		Model:       openaigo.ChatModel(c.model),
		Messages:    messages,
		Temperature: openaigo.Float(req.Temperature),
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openaigo.Int(int64(req.MaxTokens))
	}

	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", classify(err)
	}
	if len(resp.Choices) == 0 {
		return "", provider.Classify(name, 0, provider.ErrEmptyResponse)
	}
	out := strings.TrimSpace(resp.Choices[0].Message.Content)
	if out == "" {
		return "", provider.Classify(name, 0, provider.ErrEmptyResponse)
	}
	return out, nil
}

// Embed implements provider.Embedder.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	params := openaigo.EmbeddingNewParams{
		Input: openaigo.EmbeddingNewParamsInputUnion{OfString: openaigo.String(text)},
		Model: openaigo.EmbeddingModel(c.embeddingModel),
	}
	if c.dimensions > 0 {
		params.Dimensions = openaigo.Int(int64(c.dimensions))
	}

	resp, err := c.client.Embeddings.New(ctx, params)
	if err != nil {
		return nil, classify(err)
	}
	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		return nil, provider.Classify(name, 0, provider.ErrEmptyResponse)
	}
	src := resp.Data[0].Embedding
	vec := make([]float32, len(src))
	for i, v := range src {
		vec[i] = float32(v)
	}
	return vec, nil
}

// Dimension implements provider.Embedder. It is zero when the model default
// is used and unknown until the first call.
func (c *Client) Dimension() int { return c.dimensions }

func classify(err error) error {
	var apiErr *openaigo.Error
	if errors.As(err, &apiErr) {
		return provider.Classify(name, apiErr.StatusCode, err)
	}
	return provider.Classify(name, 0, err)
}
