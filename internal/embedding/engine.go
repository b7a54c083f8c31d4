// Package embedding provides sentence-embedding generation and the vector
// math the recognition pipeline builds on. Two backends are supported:
// Ollama (local) and Google GenAI (cloud). The reference model family is
// multilingual MiniLM; the pipeline only assumes a fixed dimension and that
// similar Chinese sentences embed close to each other.
package embedding

import (
	"context"
	"fmt"
	"math"

	"nlud/internal/config"
	"nlud/internal/logging"
)

// Engine generates vector embeddings for text. Implementations must be safe
// for concurrent calls and deterministic for a given text.
type Engine interface {
	// Embed generates the embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the dimensionality of embeddings.
	Dimensions() int

	// Name returns the engine name.
	Name() string
}

// NewEngine creates an embedding engine from settings.
func NewEngine(cfg config.EmbeddingSettings) (Engine, error) {
	timer := logging.StartTimer(logging.CategoryEmbedding, "NewEngine")
	defer timer.Stop()

	logging.Embedding("Creating embedding engine with provider=%s", cfg.Provider)

	switch cfg.Provider {
	case "ollama":
		return NewOllamaEngine(cfg.OllamaEndpoint, cfg.OllamaModel)
	case "genai":
		return NewGenAIEngine(cfg.GenAIAPIKey, cfg.GenAIModel)
	default:
		return nil, fmt.Errorf("unsupported embedding provider: %s (use 'ollama' or 'genai')", cfg.Provider)
	}
}

// CosineSimilarity calculates the cosine similarity between two vectors.
// Returns a value between -1 and 1.
func CosineSimilarity(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("vectors must have the same length: %d != %d", len(a), len(b))
	}

	var dot, aMag, bMag float64
	for i := 0; i < len(a); i++ {
		dot += float64(a[i]) * float64(b[i])
		aMag += float64(a[i]) * float64(a[i])
		bMag += float64(b[i]) * float64(b[i])
	}
	if aMag == 0 || bMag == 0 {
		return 0, nil
	}
	return dot / (math.Sqrt(aMag) * math.Sqrt(bMag)), nil
}

// Dot returns the dot product of two equal-length vectors. For unit vectors
// this equals cosine similarity; the classifiers normalize once and use Dot
// on the hot path.
func Dot(a, b []float32) float64 {
	var sum float64
	for i := 0; i < len(a) && i < len(b); i++ {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

// UnitNormalize returns a copy of v scaled to unit length. A zero vector is
// returned unchanged.
func UnitNormalize(v []float32) []float32 {
	var mag float64
	for _, x := range v {
		mag += float64(x) * float64(x)
	}
	out := make([]float32, len(v))
	if mag == 0 {
		copy(out, v)
		return out
	}
	inv := 1 / math.Sqrt(mag)
	for i, x := range v {
		out[i] = float32(float64(x) * inv)
	}
	return out
}

// Centroid computes the renormalized mean of a set of unit-normalized
// vectors. All vectors must share one dimension.
func Centroid(vectors [][]float32) ([]float32, error) {
	if len(vectors) == 0 {
		return nil, fmt.Errorf("centroid of empty vector set")
	}
	dim := len(vectors[0])
	sum := make([]float64, dim)
	for i, v := range vectors {
		if len(v) != dim {
			return nil, fmt.Errorf("vector %d has dimension %d, want %d", i, len(v), dim)
		}
		u := UnitNormalize(v)
		for j, x := range u {
			sum[j] += float64(x)
		}
	}
	mean := make([]float32, dim)
	n := float64(len(vectors))
	for j, x := range sum {
		mean[j] = float32(x / n)
	}
	return UnitNormalize(mean), nil
}
