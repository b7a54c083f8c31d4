// Package config holds the nlud settings document: recognition thresholds,
// configuration file paths, embedding provider selection and server address.
// Settings are loaded from a JSON file and can be overridden per-field with
// NLUD_* environment variables.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Settings is the root configuration document.
type Settings struct {
	Name    string `json:"name"`
	Version string `json:"version"`

	Server    ServerSettings    `json:"server"`
	Embedding EmbeddingSettings `json:"embedding"`
	Paths     PathSettings      `json:"paths"`
	NLU       NLUSettings       `json:"nlu"`
	Logging   LoggingSettings   `json:"logging"`
}

// ServerSettings configures the HTTP API.
type ServerSettings struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// EmbeddingSettings selects and configures the embedding provider.
type EmbeddingSettings struct {
	// Provider: "ollama" or "genai"
	Provider string `json:"provider"`

	OllamaEndpoint string `json:"ollama_endpoint"`
	OllamaModel    string `json:"ollama_model"`

	GenAIAPIKey string `json:"genai_api_key"`
	GenAIModel  string `json:"genai_model"`
}

// PathSettings locates the configuration documents and the logs directory.
type PathSettings struct {
	VocabularyPath     string `json:"vocabulary_path"`
	RulesDir           string `json:"rules_dir"`
	DomainExamplesPath string `json:"domain_examples_path"`
	IntentExamplesPath string `json:"intent_examples_path"`

	// EmbedCachePath is the SQLite file for the persistent embedding cache.
	// Empty disables persistence.
	EmbedCachePath string `json:"embed_cache_path"`

	LogsDir string `json:"logs_dir"`
}

// NLUSettings holds the recognition tunables.
type NLUSettings struct {
	// ConfidenceThreshold gates the regex paths.
	ConfidenceThreshold float64 `json:"confidence_threshold"`

	// SimilarityThreshold gates the model paths (domain and intent).
	SimilarityThreshold float64 `json:"similarity_threshold"`

	// FallbackDomain is returned when no domain can be resolved.
	FallbackDomain string `json:"fallback_domain"`

	// CacheSize bounds the embedding and prediction caches.
	CacheSize int `json:"cache_size"`

	// RecognizeTimeout is the overall per-request deadline, e.g. "3s".
	// Empty or "0" means no deadline.
	RecognizeTimeout string `json:"recognize_timeout"`

	// WatchConfig enables hot reload of the configuration documents.
	WatchConfig bool `json:"watch_config"`
}

// LoggingSettings configures the categorized file logging.
type LoggingSettings struct {
	Level      string `json:"level"`
	JSONFormat bool   `json:"json_format"`
}

// DefaultSettings returns the settings used when no file is provided.
func DefaultSettings() *Settings {
	return &Settings{
		Name:    "nlud",
		Version: "0.2.0",
		Server: ServerSettings{
			Host: "0.0.0.0",
			Port: 8000,
		},
		Embedding: EmbeddingSettings{
			Provider:       "ollama",
			OllamaEndpoint: "http://localhost:11434",
			OllamaModel:    "paraphrase-multilingual-minilm",
			GenAIModel:     "gemini-embedding-001",
		},
		Paths: PathSettings{
			VocabularyPath:     "./configs/vocabulary_groups.json",
			RulesDir:           "./configs/rules",
			DomainExamplesPath: "./configs/domain_examples.json",
			IntentExamplesPath: "./configs/intent_examples.json",
		},
		NLU: NLUSettings{
			ConfidenceThreshold: 0.5,
			SimilarityThreshold: 0.6,
			FallbackDomain:      "通用",
			CacheSize:           1000,
			RecognizeTimeout:    "3s",
		},
		Logging: LoggingSettings{
			Level: "info",
		},
	}
}

// Load reads settings from path (optional), applies environment overrides
// and validates the result. An empty path loads defaults only.
func Load(path string) (*Settings, error) {
	s := DefaultSettings()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read settings %s: %w", path, err)
		}
		if err := json.Unmarshal(data, s); err != nil {
			return nil, fmt.Errorf("failed to parse settings %s: %w", path, err)
		}
	}

	s.applyEnvOverrides()

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// applyEnvOverrides lets deployment environments override individual fields
// without editing the settings file.
func (s *Settings) applyEnvOverrides() {
	if v := os.Getenv("NLUD_HOST"); v != "" {
		s.Server.Host = v
	}
	if v := os.Getenv("NLUD_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			s.Server.Port = port
		}
	}
	if v := os.Getenv("NLUD_EMBEDDING_PROVIDER"); v != "" {
		s.Embedding.Provider = v
	}
	if v := os.Getenv("NLUD_OLLAMA_ENDPOINT"); v != "" {
		s.Embedding.OllamaEndpoint = v
	}
	if v := os.Getenv("NLUD_OLLAMA_MODEL"); v != "" {
		s.Embedding.OllamaModel = v
	}
	if v := os.Getenv("NLUD_GENAI_API_KEY"); v != "" {
		s.Embedding.GenAIAPIKey = v
	}
	if v := os.Getenv("NLUD_GENAI_MODEL"); v != "" {
		s.Embedding.GenAIModel = v
	}
	if v := os.Getenv("NLUD_CONFIDENCE_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			s.NLU.ConfidenceThreshold = f
		}
	}
	if v := os.Getenv("NLUD_SIMILARITY_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			s.NLU.SimilarityThreshold = f
		}
	}
	if v := os.Getenv("NLUD_LOG_LEVEL"); v != "" {
		s.Logging.Level = v
	}
	if v := os.Getenv("NLUD_LOGS_DIR"); v != "" {
		s.Paths.LogsDir = v
	}
}

// Validate checks ranges and required fields. Configuration errors are fatal
// at startup; nothing is half-initialized.
func (s *Settings) Validate() error {
	if s.NLU.ConfidenceThreshold < 0 || s.NLU.ConfidenceThreshold > 1 {
		return fmt.Errorf("confidence_threshold must be in [0,1], got %v", s.NLU.ConfidenceThreshold)
	}
	if s.NLU.SimilarityThreshold < 0 || s.NLU.SimilarityThreshold > 1 {
		return fmt.Errorf("similarity_threshold must be in [0,1], got %v", s.NLU.SimilarityThreshold)
	}
	if s.NLU.FallbackDomain == "" {
		return fmt.Errorf("fallback_domain must not be empty")
	}
	if s.NLU.CacheSize < 0 {
		return fmt.Errorf("cache_size must not be negative, got %d", s.NLU.CacheSize)
	}
	if s.Server.Port <= 0 || s.Server.Port > 65535 {
		return fmt.Errorf("server port out of range: %d", s.Server.Port)
	}
	switch s.Embedding.Provider {
	case "ollama", "genai":
	default:
		return fmt.Errorf("unsupported embedding provider: %q (use 'ollama' or 'genai')", s.Embedding.Provider)
	}
	if _, err := s.RecognizeTimeout(); err != nil {
		return err
	}
	return nil
}

// RecognizeTimeout parses the per-request deadline. Zero means no deadline.
func (s *Settings) RecognizeTimeout() (time.Duration, error) {
	raw := s.NLU.RecognizeTimeout
	if raw == "" || raw == "0" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid recognize_timeout %q: %w", raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("recognize_timeout must not be negative: %v", d)
	}
	return d, nil
}

// Addr returns the host:port the HTTP server binds to.
func (s *Settings) Addr() string {
	return fmt.Sprintf("%s:%d", s.Server.Host, s.Server.Port)
}
