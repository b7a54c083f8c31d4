package nlu

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"nlud/internal/embedding"
	"nlud/internal/logging"
)

// embedConcurrency bounds the centroid precompute fan-out so a local
// Ollama instance is not flooded at startup.
const embedConcurrency = 4

// DomainClassifier predicts the best domain for a sentence by cosine
// similarity against per-domain centroid embeddings. Centroids are
// immutable after New; the prediction cache is the only mutable state.
type DomainClassifier struct {
	engine    embedding.Engine
	centroids map[string][]float32
	order     []string // domain names, sorted, for deterministic ties

	threshold float64
	fallback  string
	cache     *predictionCache[domainPrediction]
}

type domainPrediction struct {
	domain     string
	confidence float64
}

// LoadDomainExamples parses the `{"<domain>": [utterance, …]}` document
// at path (JSON or YAML by extension).
func LoadDomainExamples(path string) (map[string][]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read domain examples %s: %w", path, err)
	}
	examples := make(map[string][]string)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &examples)
	default:
		err = json.Unmarshal(data, &examples)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse domain examples %s: %w", path, err)
	}
	if len(examples) == 0 {
		return nil, fmt.Errorf("domain examples %s: no domains defined", path)
	}
	return examples, nil
}

// NewDomainClassifier embeds every example and precomputes one centroid
// per domain. Embedding failures here are fatal.
func NewDomainClassifier(ctx context.Context, engine embedding.Engine, examples map[string][]string, threshold float64, fallback string, cacheSize int) (*DomainClassifier, error) {
	timer := logging.StartTimer(logging.CategoryDomain, "NewDomainClassifier")
	defer timer.Stop()

	c := &DomainClassifier{
		engine:    engine,
		centroids: make(map[string][]float32, len(examples)),
		threshold: threshold,
		fallback:  fallback,
		cache:     newPredictionCache[domainPrediction](cacheSize),
	}

	var mu sync.Mutex
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(embedConcurrency)
	for domain, texts := range examples {
		if len(texts) == 0 {
			return nil, fmt.Errorf("domain %q has no examples", domain)
		}
		g.Go(func() error {
			centroid, err := centroidOf(ctx, engine, texts)
			if err != nil {
				return fmt.Errorf("domain %q: %w", domain, err)
			}
			mu.Lock()
			c.centroids[domain] = centroid
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for d := range c.centroids {
		c.order = append(c.order, d)
	}
	sort.Strings(c.order)

	logging.Domain("Domain classifier ready with %d domains: %v", len(c.order), c.order)
	return c, nil
}

// centroidOf embeds texts and returns the renormalized mean of the
// unit-normalized vectors.
func centroidOf(ctx context.Context, engine embedding.Engine, texts []string) ([]float32, error) {
	vecs, err := engine.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, err
	}
	return embedding.Centroid(vecs)
}

// Classify returns the best domain for text with its confidence. Below
// the similarity threshold the fallback domain is returned, keeping the
// observed confidence.
func (c *DomainClassifier) Classify(ctx context.Context, text string) (string, float64, error) {
	if pred, ok := c.cache.get(text); ok {
		logging.DomainDebug("Cache hit for %q: %s (%.3f)", text, pred.domain, pred.confidence)
		return pred.domain, pred.confidence, nil
	}
	if err := ctx.Err(); err != nil {
		return "", 0, err
	}

	vec, err := c.engine.Embed(ctx, text)
	if err != nil {
		return "", 0, fmt.Errorf("domain embedding failed: %w", err)
	}
	vec = embedding.UnitNormalize(vec)

	best, bestSim := "", -2.0
	for _, domain := range c.order {
		sim := embedding.Dot(vec, c.centroids[domain])
		if sim > bestSim {
			best, bestSim = domain, sim
		}
	}
	confidence := bestSim
	if confidence < 0 {
		confidence = 0
	}

	domain := best
	if bestSim < c.threshold {
		logging.DomainDebug("Top domain %s below threshold (%.3f < %.3f), falling back to %s",
			best, bestSim, c.threshold, c.fallback)
		domain = c.fallback
	}

	c.cache.put(text, domainPrediction{domain: domain, confidence: confidence})
	logging.Domain("Classified %q as %s (confidence %.3f)", text, domain, confidence)
	return domain, confidence, nil
}

// Domains returns the known domain names in sorted order.
func (c *DomainClassifier) Domains() []string {
	out := make([]string, len(c.order))
	copy(out, c.order)
	return out
}

// CacheLen reports the prediction cache size, for service info.
func (c *DomainClassifier) CacheLen() int {
	return c.cache.len()
}
