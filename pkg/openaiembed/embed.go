// Package openaiembed embeds query text with the OpenAI embeddings API.
package openaiembed

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// DefaultModel matches the model the catalog embeddings were built with.
const DefaultModel = openai.EmbeddingModelTextEmbedding3Small

// Config configures a Client.
type Config struct {
	APIKey  string
	Model   string
	BaseURL string // optional, for proxies and tests
	// Dimensions requests shortened vectors from text-embedding-3 models.
	// Zero leaves the model default.
	Dimensions int
	MaxRetries int
}

// Client embeds one text per call.
type Client struct {
	api   openai.Client
	model string
	dims  int
}

// New creates a Client. An empty API key is an error.
func New(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openaiembed: api key required")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(cfg.MaxRetries),
		option.WithHTTPClient(&http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &Client{api: openai.NewClient(opts...), model: cfg.Model, dims: cfg.Dimensions}, nil
}

// Model reports the embedding model name.
func (c *Client) Model() string { return c.model }

// Embed returns the embedding vector for text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	params := openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{OfString: openai.String(text)},
		Model: c.model,
	}
	if c.dims > 0 {
		params.Dimensions = openai.Int(int64(c.dims))
	}
	resp, err := c.api.Embeddings.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai embed: %w", err)
	}
	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		return nil, fmt.Errorf("openai embed: empty embedding for model %s", c.model)
	}

	src := resp.Data[0].Embedding
	out := make([]float32, len(src))
	for i, v := range src {
		out[i] = float32(v)
	}
	return out, nil
}
