package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultSettings(t *testing.T) {
	s := DefaultSettings()

	if s.NLU.ConfidenceThreshold != 0.5 {
		t.Errorf("confidence_threshold default = %v, want 0.5", s.NLU.ConfidenceThreshold)
	}
	if s.NLU.SimilarityThreshold != 0.6 {
		t.Errorf("similarity_threshold default = %v, want 0.6", s.NLU.SimilarityThreshold)
	}
	if s.NLU.FallbackDomain != "通用" {
		t.Errorf("fallback_domain default = %q, want 通用", s.NLU.FallbackDomain)
	}
	if err := s.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.json")
	doc := `{
		"nlu": {
			"confidence_threshold": 0.7,
			"similarity_threshold": 0.65,
			"fallback_domain": "通用",
			"cache_size": 50,
			"recognize_timeout": "500ms"
		},
		"server": {"host": "127.0.0.1", "port": 9000}
	}`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	s, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.NLU.ConfidenceThreshold != 0.7 {
		t.Errorf("confidence_threshold = %v, want 0.7", s.NLU.ConfidenceThreshold)
	}
	if s.Addr() != "127.0.0.1:9000" {
		t.Errorf("Addr = %q", s.Addr())
	}
	d, err := s.RecognizeTimeout()
	if err != nil {
		t.Fatalf("RecognizeTimeout: %v", err)
	}
	if d != 500*time.Millisecond {
		t.Errorf("timeout = %v, want 500ms", d)
	}
	// Fields absent from the file keep defaults.
	if s.Embedding.Provider != "ollama" {
		t.Errorf("provider = %q, want ollama default", s.Embedding.Provider)
	}
}

func TestLoadRejectsMalformedJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected parse error")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("NLUD_SIMILARITY_THRESHOLD", "0.8")
	t.Setenv("NLUD_EMBEDDING_PROVIDER", "genai")
	t.Setenv("NLUD_PORT", "8088")

	s, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.NLU.SimilarityThreshold != 0.8 {
		t.Errorf("similarity_threshold = %v, want 0.8", s.NLU.SimilarityThreshold)
	}
	if s.Embedding.Provider != "genai" {
		t.Errorf("provider = %q, want genai", s.Embedding.Provider)
	}
	if s.Server.Port != 8088 {
		t.Errorf("port = %d, want 8088", s.Server.Port)
	}
}

func TestValidateRanges(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Settings)
	}{
		{"confidence above one", func(s *Settings) { s.NLU.ConfidenceThreshold = 1.5 }},
		{"similarity negative", func(s *Settings) { s.NLU.SimilarityThreshold = -0.1 }},
		{"empty fallback domain", func(s *Settings) { s.NLU.FallbackDomain = "" }},
		{"bad provider", func(s *Settings) { s.Embedding.Provider = "llamacpp" }},
		{"bad port", func(s *Settings) { s.Server.Port = 0 }},
		{"bad timeout", func(s *Settings) { s.NLU.RecognizeTimeout = "fast" }},
		{"negative timeout", func(s *Settings) { s.NLU.RecognizeTimeout = "-1s" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := DefaultSettings()
			tt.mutate(s)
			if err := s.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
