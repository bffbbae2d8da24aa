// Package validate scores answers against expected text by embedding similarity.
package validate

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"chatwatch/internal/config"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"go.uber.org/zap"
)

// ErrNoAPIKey is returned when the embedding client has no credentials.
var ErrNoAPIKey = errors.New("embedding API key is not set")

// Embedder turns texts into vectors, one per input, in order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float64, error)
}

// OpenAIEmbedder calls the OpenAI embeddings endpoint.
type OpenAIEmbedder struct {
	client openai.Client
	model  string
}

// NewOpenAIEmbedder builds a client from explicit configuration. The key is
// never read from ambient client defaults.
func NewOpenAIEmbedder(cfg config.ValidationConfig) (*OpenAIEmbedder, error) {
	key := cfg.APIKey()
	if key == "" {
		return nil, fmt.Errorf("%w (set %s)", ErrNoAPIKey, cfg.APIKeyEnv)
	}
	opts := []option.RequestOption{
		option.WithAPIKey(key),
		option.WithRequestTimeout(cfg.GetTimeout()),
		option.WithMaxRetries(2),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &OpenAIEmbedder{client: openai.NewClient(opts...), model: cfg.Model}, nil
}

func (e *OpenAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	resp, err := e.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
		Model: openai.EmbeddingModel(e.model),
	})
	if err != nil {
		return nil, fmt.Errorf("create embeddings: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("expected %d embeddings, got %d", len(texts), len(resp.Data))
	}
	out := make([][]float64, len(resp.Data))
	for _, d := range resp.Data {
		if d.Index < 0 || int(d.Index) >= len(out) {
			return nil, fmt.Errorf("embedding index %d out of range", d.Index)
		}
		vec := make([]float64, len(d.Embedding))
		for j, v := range d.Embedding {
			vec[j] = float64(v)
		}
		out[d.Index] = vec
	}
	return out, nil
}

// Cosine returns the cosine similarity of a and b rounded to three decimals.
// Mismatched, empty or zero vectors score 0.
func Cosine(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return math.Round(dot/(math.Sqrt(na)*math.Sqrt(nb))*1000) / 1000
}

// Verdict is the outcome of one similarity check.
type Verdict struct {
	Score     float64 `json:"score"`
	Threshold float64 `json:"threshold"`
	Passed    bool    `json:"passed"`
	Err       string  `json:"error,omitempty"`
}

// Scorer compares answers with expected texts.
type Scorer struct {
	emb Embedder
	cfg config.ValidationConfig
	log *zap.Logger
}

func NewScorer(emb Embedder, cfg config.ValidationConfig, logger *zap.Logger) *Scorer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scorer{emb: emb, cfg: cfg, log: logger.Named("validate")}
}

// Similarity embeds both texts in one request. Empty input scores 0 without
// calling the embedder.
func (s *Scorer) Similarity(ctx context.Context, expected, actual string) (float64, error) {
	if strings.TrimSpace(expected) == "" || strings.TrimSpace(actual) == "" {
		return 0, nil
	}
	vecs, err := s.emb.Embed(ctx, []string{expected, actual})
	if err != nil {
		return 0, err
	}
	return Cosine(vecs[0], vecs[1]), nil
}

// Check scores actual against expected with the threshold for lang.
// Embedding failures fail the check and are reported in the verdict.
func (s *Scorer) Check(ctx context.Context, lang, expected, actual string) Verdict {
	v := Verdict{Threshold: s.cfg.Threshold(lang)}
	score, err := s.Similarity(ctx, expected, actual)
	if err != nil {
		s.log.Warn("similarity check failed", zap.String("language", lang), zap.Error(err))
		v.Err = err.Error()
		return v
	}
	v.Score = score
	v.Passed = score >= v.Threshold
	s.log.Info("similarity score",
		zap.String("language", lang),
		zap.Float64("score", score),
		zap.Float64("threshold", v.Threshold),
		zap.Bool("passed", v.Passed))
	return v
}
