// Package openai provides text embeddings backed by the OpenAI Embeddings API
// using github.com/openai/openai-go.
package openai

import (
	"context"
	"errors"
	"fmt"

	openai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

type (
	// EmbeddingsClient captures the subset of the OpenAI SDK client used by
	// the embedder. It is satisfied by *openai.EmbeddingService so callers can
	// pass either a real client or a mock in tests.
	EmbeddingsClient interface {
		New(ctx context.Context, body openai.EmbeddingNewParams, opts ...option.RequestOption) (*openai.CreateEmbeddingResponse, error)
	}

	// Options configures the embedder.
	Options struct {
		// Model is the embedding model identifier. Empty means
		// text-embedding-3-small.
		Model string
	}

	// Embedder converts text into embedding vectors.
	Embedder struct {
		client EmbeddingsClient
		model  openai.EmbeddingModel
	}
)

// New builds an Embedder from the provided embeddings client.
func New(client EmbeddingsClient, opts Options) (*Embedder, error) {
	if client == nil {
		return nil, errors.New("embeddings client is required")
	}
	model := openai.EmbeddingModel(opts.Model)
	if model == "" {
		model = openai.EmbeddingModelTextEmbedding3Small
	}
	return &Embedder{client: client, model: model}, nil
}

// NewFromAPIKey constructs an Embedder using the default OpenAI HTTP client.
func NewFromAPIKey(apiKey, model string) (*Embedder, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	client := openai.NewClient(option.WithAPIKey(apiKey))
	return New(&client.Embeddings, Options{Model: model})
}

// Embed returns one embedding vector per input text, in input order.
func (e *Embedder) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	resp, err := e.client.New(ctx, openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
		Model: e.model,
	})
	if err != nil {
		return nil, fmt.Errorf("openai embeddings: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("openai embeddings: got %d vectors for %d inputs", len(resp.Data), len(texts))
	}
	vectors := make([][]float64, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || int(d.Index) >= len(vectors) {
			return nil, fmt.Errorf("openai embeddings: vector index %d out of range", d.Index)
		}
		vectors[d.Index] = d.Embedding
	}
	return vectors, nil
}
