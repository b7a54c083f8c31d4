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
	"nlud/internal/vocab"
)

// IntentExample is one labeled intent with its example utterances.
type IntentExample struct {
	Description string   `json:"description" yaml:"description"`
	Examples    []string `json:"examples" yaml:"examples"`
	Domain      string   `json:"domain" yaml:"domain"`
}

type intentDocument struct {
	IntentExamples map[string]IntentExample `json:"intent_examples" yaml:"intent_examples"`
}

// intentCentroid pairs an intent name with its centroid embedding.
type intentCentroid struct {
	intent   string
	centroid []float32
}

// Prediction is the intent matcher's output for one (text, domain) pair.
type Prediction struct {
	Intent     string
	Confidence float64
	Semantic   map[string]string
	Entities   map[string]string
}

// IntentMatcher picks the best intent within a domain by cosine
// similarity against per-intent centroids, with best-effort slot
// extraction from the vocabulary.
type IntentMatcher struct {
	engine embedding.Engine
	vocab  *vocab.Manager

	// byDomain holds each domain's intent centroids sorted by intent
	// name, so equal similarities resolve deterministically.
	byDomain map[string][]intentCentroid

	threshold float64
	cache     *predictionCache[*Prediction]
}

// LoadIntentExamples parses the intent example document at path
// (JSON or YAML by extension).
func LoadIntentExamples(path string) (map[string]IntentExample, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read intent examples %s: %w", path, err)
	}
	var doc intentDocument
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &doc)
	default:
		err = json.Unmarshal(data, &doc)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse intent examples %s: %w", path, err)
	}
	if len(doc.IntentExamples) == 0 {
		return nil, fmt.Errorf("intent examples %s: no intents defined", path)
	}
	return doc.IntentExamples, nil
}

// NewIntentMatcher embeds every intent's examples and precomputes the
// per-intent centroids. Embedding failures here are fatal.
func NewIntentMatcher(ctx context.Context, engine embedding.Engine, vm *vocab.Manager, examples map[string]IntentExample, threshold float64, cacheSize int) (*IntentMatcher, error) {
	timer := logging.StartTimer(logging.CategoryIntent, "NewIntentMatcher")
	defer timer.Stop()

	m := &IntentMatcher{
		engine:    engine,
		vocab:     vm,
		byDomain:  make(map[string][]intentCentroid),
		threshold: threshold,
		cache:     newPredictionCache[*Prediction](cacheSize),
	}

	var mu sync.Mutex
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(embedConcurrency)
	for intent, ex := range examples {
		if ex.Domain == "" {
			return nil, fmt.Errorf("intent %q declares no domain", intent)
		}
		if len(ex.Examples) == 0 {
			return nil, fmt.Errorf("intent %q has no examples", intent)
		}
		g.Go(func() error {
			centroid, err := centroidOf(ctx, engine, ex.Examples)
			if err != nil {
				return fmt.Errorf("intent %q: %w", intent, err)
			}
			mu.Lock()
			m.byDomain[ex.Domain] = append(m.byDomain[ex.Domain], intentCentroid{intent: intent, centroid: centroid})
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for _, ics := range m.byDomain {
		sort.Slice(ics, func(i, j int) bool { return ics[i].intent < ics[j].intent })
	}

	logging.Intent("Intent matcher ready: %d intents across %d domains", len(examples), len(m.byDomain))
	return m, nil
}

// Predict returns the best intent for text within domain. A top
// similarity below the threshold yields the unknown intent with the raw
// similarity, so the orchestrator can reject it. Slot extraction runs
// regardless of the intent choice.
func (m *IntentMatcher) Predict(ctx context.Context, text, domain string) (*Prediction, error) {
	cacheKey := text + "|" + domain
	if pred, ok := m.cache.get(cacheKey); ok {
		logging.IntentDebug("Cache hit for %q in %s: %s", text, domain, pred.Intent)
		return pred, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	centroids := m.byDomain[domain]
	if len(centroids) == 0 {
		logging.IntentDebug("No intents registered for domain %s", domain)
		return nil, nil
	}

	vec, err := m.engine.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("intent embedding failed: %w", err)
	}
	vec = embedding.UnitNormalize(vec)

	best, bestSim := "", -2.0
	for _, ic := range centroids {
		sim := embedding.Dot(vec, ic.centroid)
		if sim > bestSim {
			best, bestSim = ic.intent, sim
		}
	}
	confidence := bestSim
	if confidence < 0 {
		confidence = 0
	}

	intent := best
	if bestSim < m.threshold {
		logging.IntentDebug("Top intent %s below threshold (%.3f < %.3f) for %q",
			best, bestSim, m.threshold, text)
		intent = IntentUnknown
	}

	pred := &Prediction{Intent: intent, Confidence: confidence}
	if slots := m.vocab.ExtractSlots(text); slots != nil {
		pred.Semantic = make(map[string]string, len(slots))
		pred.Entities = make(map[string]string, len(slots))
		for slot, sm := range slots {
			pred.Semantic[slot] = sm.Alias
			pred.Entities[slot] = sm.Surface
		}
	}

	m.cache.put(cacheKey, pred)
	logging.Intent("Predicted %s (confidence %.3f) for %q in %s", intent, confidence, text, domain)
	return pred, nil
}

// Intents returns the intent names registered for a domain, sorted.
func (m *IntentMatcher) Intents(domain string) []string {
	ics := m.byDomain[domain]
	out := make([]string, len(ics))
	for i, ic := range ics {
		out[i] = ic.intent
	}
	return out
}

// IntentCount returns the total number of registered intents.
func (m *IntentMatcher) IntentCount() int {
	n := 0
	for _, ics := range m.byDomain {
		n += len(ics)
	}
	return n
}

// CacheLen reports the prediction cache size, for service info.
func (m *IntentMatcher) CacheLen() int {
	return m.cache.len()
}
