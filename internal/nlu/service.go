package nlu

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"nlud/internal/config"
	"nlud/internal/embedding"
	"nlud/internal/logging"
	"nlud/internal/rules"
	"nlud/internal/store"
	"nlud/internal/vocab"
)

// reloadDebounce coalesces the editor write bursts fsnotify reports into
// one pipeline rebuild.
const reloadDebounce = 500 * time.Millisecond

// Info summarizes the loaded pipeline for the info endpoint and CLI.
type Info struct {
	Name            string   `json:"name"`
	Version         string   `json:"version"`
	EmbeddingEngine string   `json:"embedding_engine"`
	Domains         []string `json:"domains"`
	IntentCount     int      `json:"intent_count"`
	RuleCount       int      `json:"rule_count"`
	VocabGroups     int      `json:"vocab_groups"`
	DomainCacheLen  int      `json:"domain_cache_len"`
	IntentCacheLen  int      `json:"intent_cache_len"`
	EmbedCacheLen   int      `json:"embed_cache_len"`
}

// Service owns the live pipeline and its supporting resources. Requests
// read the pipeline through an atomic pointer; hot reload builds a fresh
// pipeline and swaps it in without disturbing in-flight requests.
type Service struct {
	cfg      *config.Settings
	engine   *embedding.CachedEngine
	pipeline atomic.Pointer[Pipeline]

	watcher   *fsnotify.Watcher
	watchDone chan struct{}
	closeOnce sync.Once
}

// NewService builds the configured embedding engine and the first
// pipeline. The context bounds the startup embedding work.
func NewService(ctx context.Context, cfg *config.Settings) (*Service, error) {
	engine, err := embedding.NewEngine(cfg.Embedding)
	if err != nil {
		return nil, fmt.Errorf("embedding engine: %w", err)
	}
	return NewServiceWithEngine(ctx, cfg, engine)
}

// NewServiceWithEngine builds the service around a caller-provided
// embedding engine.
func NewServiceWithEngine(ctx context.Context, cfg *config.Settings, engine embedding.Engine) (*Service, error) {
	timer := logging.StartTimer(logging.CategoryBoot, "NewService")
	defer timer.Stop()

	var persist embedding.VectorStore
	if cfg.Paths.EmbedCachePath != "" {
		ec, err := store.NewEmbedCache(cfg.Paths.EmbedCachePath)
		if err != nil {
			return nil, fmt.Errorf("embedding cache: %w", err)
		}
		persist = ec
	}

	s := &Service{
		cfg:    cfg,
		engine: embedding.NewCachedEngine(engine, cfg.NLU.CacheSize, persist),
	}

	pipe, err := s.buildPipeline(ctx)
	if err != nil {
		s.engine.Close()
		return nil, err
	}
	s.pipeline.Store(pipe)

	if cfg.NLU.WatchConfig {
		if err := s.startWatcher(); err != nil {
			logging.Boot("Config watcher unavailable: %v", err)
		}
	}

	logging.Boot("Service ready: %d domains, %d intents, %d rules",
		len(pipe.Domains.Domains()), pipe.Intents.IntentCount(), pipe.Rules.RuleCount())
	return s, nil
}

// buildPipeline loads every configuration document and precomputes the
// centroids. Any failure leaves the current pipeline untouched.
func (s *Service) buildPipeline(ctx context.Context) (*Pipeline, error) {
	vm, err := vocab.Load(s.cfg.Paths.VocabularyPath)
	if err != nil {
		return nil, err
	}
	rm, err := rules.LoadDir(s.cfg.Paths.RulesDir, vm)
	if err != nil {
		return nil, err
	}

	domainExamples, err := LoadDomainExamples(s.cfg.Paths.DomainExamplesPath)
	if err != nil {
		return nil, err
	}
	dc, err := NewDomainClassifier(ctx, s.engine, domainExamples,
		s.cfg.NLU.SimilarityThreshold, s.cfg.NLU.FallbackDomain, s.cfg.NLU.CacheSize)
	if err != nil {
		return nil, err
	}

	intentExamples, err := LoadIntentExamples(s.cfg.Paths.IntentExamplesPath)
	if err != nil {
		return nil, err
	}
	im, err := NewIntentMatcher(ctx, s.engine, vm, intentExamples,
		s.cfg.NLU.SimilarityThreshold, s.cfg.NLU.CacheSize)
	if err != nil {
		return nil, err
	}

	return &Pipeline{
		Vocab:               vm,
		Rules:               rm,
		Domains:             dc,
		Intents:             im,
		ConfidenceThreshold: s.cfg.NLU.ConfidenceThreshold,
		SimilarityThreshold: s.cfg.NLU.SimilarityThreshold,
		FallbackDomain:      s.cfg.NLU.FallbackDomain,
	}, nil
}

// Recognize runs the orchestrator on the current pipeline, applying the
// configured request deadline.
func (s *Service) Recognize(ctx context.Context, text, domain string) *IntentData {
	if d, err := s.cfg.RecognizeTimeout(); err == nil && d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	return s.pipeline.Load().Recognize(ctx, text, domain)
}

// Classify exposes the domain classifier directly.
func (s *Service) Classify(ctx context.Context, text string) (string, float64, error) {
	return s.pipeline.Load().Domains.Classify(ctx, text)
}

// Info reports the loaded pipeline's shape and cache occupancy.
func (s *Service) Info() Info {
	pipe := s.pipeline.Load()
	return Info{
		Name:            s.cfg.Name,
		Version:         s.cfg.Version,
		EmbeddingEngine: s.engine.Name(),
		Domains:         pipe.Domains.Domains(),
		IntentCount:     pipe.Intents.IntentCount(),
		RuleCount:       pipe.Rules.RuleCount(),
		VocabGroups:     len(pipe.Vocab.GroupIDs()),
		DomainCacheLen:  pipe.Domains.CacheLen(),
		IntentCacheLen:  pipe.Intents.CacheLen(),
		EmbedCacheLen:   s.engine.Len(),
	}
}

// startWatcher watches the configuration documents and rebuilds the
// pipeline when any of them change.
func (s *Service) startWatcher() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	dirs := map[string]bool{
		filepath.Dir(s.cfg.Paths.VocabularyPath):     true,
		filepath.Dir(s.cfg.Paths.DomainExamplesPath): true,
		filepath.Dir(s.cfg.Paths.IntentExamplesPath): true,
		s.cfg.Paths.RulesDir:                         true,
	}
	for dir := range dirs {
		if err := w.Add(dir); err != nil {
			w.Close()
			return fmt.Errorf("watch %s: %w", dir, err)
		}
	}

	s.watcher = w
	s.watchDone = make(chan struct{})
	go s.watchLoop()
	logging.Boot("Watching %d config directories for changes", len(dirs))
	return nil
}

func (s *Service) watchLoop() {
	defer close(s.watchDone)

	var timer *time.Timer
	var pending <-chan time.Time
	for {
		select {
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			logging.ConfigDebug("Config change detected: %s", ev)
			if timer == nil {
				timer = time.NewTimer(reloadDebounce)
				pending = timer.C
			} else {
				timer.Reset(reloadDebounce)
			}
		case <-pending:
			timer, pending = nil, nil
			s.reload()
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			logging.Config("Config watcher error: %v", err)
		}
	}
}

// reload builds a fresh pipeline and swaps it in. A failed build keeps
// the old pipeline serving.
func (s *Service) reload() {
	logging.Config("Reloading pipeline after config change")
	pipe, err := s.buildPipeline(context.Background())
	if err != nil {
		logging.Config("Reload failed, keeping current pipeline: %v", err)
		return
	}
	s.pipeline.Store(pipe)
	logging.Config("Pipeline reloaded: %d domains, %d intents, %d rules",
		len(pipe.Domains.Domains()), pipe.Intents.IntentCount(), pipe.Rules.RuleCount())
}

// Close stops the watcher and releases the embedding engine.
func (s *Service) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.watcher != nil {
			s.watcher.Close()
			<-s.watchDone
		}
		err = s.engine.Close()
	})
	return err
}
