// Package embeddings adapts a provider's text-embedding API to
// retrieval.Embedder, the single seam the agentic retrieval loop uses to
// turn a query string into a search vector.
package embeddings

import (
	"context"
	"errors"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// EmbeddingsClient captures the subset of the OpenAI SDK client this
// adapter depends on, satisfied by the real client's Embeddings service or a
// test mock.
type EmbeddingsClient interface {
	New(ctx context.Context, body openai.EmbeddingNewParams, opts ...option.RequestOption) (*openai.CreateEmbeddingResponse, error)
}

// OpenAIEmbedder implements retrieval.Embedder over OpenAI's embeddings API.
type OpenAIEmbedder struct {
	client EmbeddingsClient
	model  string
}

// NewOpenAIEmbedder builds an OpenAIEmbedder. model defaults to
// "text-embedding-3-small" when empty.
func NewOpenAIEmbedder(client EmbeddingsClient, model string) (*OpenAIEmbedder, error) {
	if client == nil {
		return nil, errors.New("embeddings: client is required")
	}
	if model == "" {
		model = "text-embedding-3-small"
	}
	return &OpenAIEmbedder{client: client, model: model}, nil
}

// NewOpenAIEmbedderFromAPIKey constructs an embedder using the default
// OpenAI HTTP client.
func NewOpenAIEmbedderFromAPIKey(apiKey, model string) (*OpenAIEmbedder, error) {
	if apiKey == "" {
		return nil, errors.New("embeddings: api key is required")
	}
	oc := openai.NewClient(option.WithAPIKey(apiKey))
	return NewOpenAIEmbedder(&oc.Embeddings, model)
}

// Embed returns the embedding vector for text.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := e.client.New(ctx, openai.EmbeddingNewParams{
		Model: e.model,
		Input: openai.EmbeddingNewParamsInputUnion{OfString: openai.String(text)},
	})
	if err != nil {
		return nil, fmt.Errorf("embeddings: openai embedding call: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, errors.New("embeddings: empty embedding response")
	}
	raw := resp.Data[0].Embedding
	vector := make([]float32, len(raw))
	for i, v := range raw {
		vector[i] = float32(v)
	}
	return vector, nil
}
