// Package embedding generates vectors for document chunks and decision
// statements. Two backends: a local Ollama server and Google GenAI,
// chosen by configuration.
package embedding

import (
	"context"
	"fmt"
	"math"
	"sort"

	"membria/internal/config"
	"membria/internal/logging"
)

// Engine generates vector embeddings for text.
type Engine interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
	Name() string
}

// HealthChecker is implemented by engines that can verify their backend
// before a batch run.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// New builds the engine named by the configuration.
func New(cfg config.EmbeddingConfig) (Engine, error) {
	log := logging.Get(logging.CategoryEmbedding)
	switch cfg.Provider {
	case "", "ollama":
		e := NewOllamaEngine(cfg.OllamaEndpoint, cfg.OllamaModel)
		log.Info("embedding engine %s ready (%d dims)", e.Name(), e.Dimensions())
		return e, nil
	case "genai":
		e, err := NewGenAIEngine(cfg.GenAIAPIKey, cfg.GenAIModel)
		if err != nil {
			return nil, err
		}
		log.Info("embedding engine %s ready (%d dims)", e.Name(), e.Dimensions())
		return e, nil
	default:
		return nil, fmt.Errorf("unsupported embedding provider %q (use ollama or genai)", cfg.Provider)
	}
}

// CosineSimilarity returns the cosine of the angle between two vectors,
// 1 for identical direction, 0 for orthogonal. Zero-magnitude vectors
// score 0.
func CosineSimilarity(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("vector dimension mismatch: %d != %d", len(a), len(b))
	}
	var dot, ma, mb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		ma += float64(a[i]) * float64(a[i])
		mb += float64(b[i]) * float64(b[i])
	}
	if ma == 0 || mb == 0 {
		return 0, nil
	}
	return dot / (math.Sqrt(ma) * math.Sqrt(mb)), nil
}

// SimilarityResult is one scored corpus entry.
type SimilarityResult struct {
	Index      int
	Similarity float64
}

// FindTopK scores the corpus against the query and returns the k best
// matches, best first. Vectors with mismatched dimensions are skipped.
func FindTopK(query []float32, corpus [][]float32, k int) []SimilarityResult {
	if k <= 0 {
		k = 10
	}
	results := make([]SimilarityResult, 0, len(corpus))
	skipped := 0
	for i, vec := range corpus {
		sim, err := CosineSimilarity(query, vec)
		if err != nil {
			skipped++
			continue
		}
		results = append(results, SimilarityResult{Index: i, Similarity: sim})
	}
	if skipped > 0 {
		logging.Get(logging.CategoryEmbedding).Warn("FindTopK skipped %d vectors with mismatched dimensions", skipped)
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Similarity > results[j].Similarity })
	if len(results) > k {
		results = results[:k]
	}
	return results
}
