package archive

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
)

// DefaultModel is the default embeddings model.
const DefaultModel = oai.EmbeddingModelTextEmbedding3Small

// Embedder maps text to dense float32 vectors. All vectors returned by a
// single Embedder instance share the dimensionality reported by Dimensions.
// Implementations must be safe for concurrent use.
type Embedder interface {
	// Embed computes the embedding vector for a single text string.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch computes embeddings for a slice of texts in one provider
	// call. The i-th result corresponds to texts[i]; on error the entire
	// slice is nil.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the fixed vector length produced by this embedder.
	Dimensions() int

	// ModelID returns the provider-specific model identifier.
	ModelID() string
}

// Ensure OpenAIEmbedder implements the Embedder interface.
var _ Embedder = (*OpenAIEmbedder)(nil)

// OpenAIEmbedder implements [Embedder] using the OpenAI embeddings API.
type OpenAIEmbedder struct {
	client oai.Client
	model  string
}

type embedderConfig struct {
	baseURL string
	timeout time.Duration
}

// EmbedderOption is a functional option for [NewOpenAIEmbedder].
type EmbedderOption func(*embedderConfig)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) EmbedderOption {
	return func(c *embedderConfig) {
		c.baseURL = url
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) EmbedderOption {
	return func(c *embedderConfig) {
		c.timeout = d
	}
}

// NewOpenAIEmbedder constructs an OpenAI-backed embedder.
// If model is empty, [DefaultModel] (text-embedding-3-small) is used.
func NewOpenAIEmbedder(apiKey string, model string, opts ...EmbedderOption) (*OpenAIEmbedder, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("archive: embedder apiKey must not be empty")
	}
	if model == "" {
		model = DefaultModel
	}

	cfg := &embedderConfig{}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}

	client := oai.NewClient(reqOpts...)
	return &OpenAIEmbedder{client: client, model: model}, nil
}

// Embed implements [Embedder].
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := e.client.Embeddings.New(ctx, oai.EmbeddingNewParams{
		Model: e.model,
		Input: oai.EmbeddingNewParamsInputUnion{
			OfString: param.NewOpt(text),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("archive: embed: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("archive: embed: empty response")
	}
	return float64ToFloat32(resp.Data[0].Embedding), nil
}

// EmbedBatch implements [Embedder].
func (e *OpenAIEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	resp, err := e.client.Embeddings.New(ctx, oai.EmbeddingNewParams{
		Model: e.model,
		Input: oai.EmbeddingNewParamsInputUnion{
			OfArrayOfStrings: texts,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("archive: embed batch: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("archive: embed batch: expected %d embeddings, got %d", len(texts), len(resp.Data))
	}

	result := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if int(d.Index) >= len(texts) {
			return nil, fmt.Errorf("archive: embed batch: unexpected index %d", d.Index)
		}
		result[d.Index] = float64ToFloat32(d.Embedding)
	}
	return result, nil
}

// Dimensions implements [Embedder].
func (e *OpenAIEmbedder) Dimensions() int {
	return modelDimensions(e.model)
}

// ModelID implements [Embedder].
func (e *OpenAIEmbedder) ModelID() string {
	return e.model
}

// modelDimensions returns the embedding dimensions for known OpenAI models.
func modelDimensions(model string) int {
	lower := strings.ToLower(model)
	switch {
	case strings.Contains(lower, "text-embedding-3-large"):
		return 3072
	case strings.Contains(lower, "text-embedding-3-small"):
		return 1536
	case strings.Contains(lower, "text-embedding-ada-002"):
		return 1536
	default:
		return 1536 // sensible default for unknown models
	}
}

func float64ToFloat32(in []float64) []float32 {
	out := make([]float32, len(in))
	for i, v := range in {
		out[i] = float32(v)
	}
	return out
}
