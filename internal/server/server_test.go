package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nlud/internal/config"
	"nlud/internal/nlu"
)

// staticEngine maps a few known utterances onto orthogonal unit vectors.
type staticEngine struct{}

var staticVecs = map[string][]float32{
	"开一下窗": {1, 0, 0},
	"关一下门": {1, 0, 0},
	"随便聊聊": {0, 1, 0},
	"帮我个忙": {0, 1, 0},
	"把窗户打开": {1, 0, 0},
	"打开车窗":  {1, 0, 0},
}

func (staticEngine) Embed(_ context.Context, text string) ([]float32, error) {
	if v, ok := staticVecs[text]; ok {
		return v, nil
	}
	return []float32{0, 0, 1}, nil
}

func (e staticEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := e.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (staticEngine) Dimensions() int { return 3 }
func (staticEngine) Name() string    { return "static" }

func newTestServer(t *testing.T) *Server {
	t.Helper()
	dir := t.TempDir()

	write := func(rel, body string) string {
		path := filepath.Join(dir, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
		return path
	}

	cfg := config.DefaultSettings()
	cfg.Paths.VocabularyPath = write("vocab.json", `{
		"groups": {
			"action_open":   {"items": ["打开", "开"], "alias": "open"},
			"target_window": {"items": ["车窗", "窗"], "alias": "window"}
		}
	}`)
	write("rules/global.json", `{
		"domain": "__global__",
		"patterns": [
			{"pattern": "(?P<action>{{action_open}})(?P<target>{{target_window}})", "intent": "vehicle_control", "domain": "车控", "confidence": 0.95}
		]
	}`)
	cfg.Paths.RulesDir = filepath.Join(dir, "rules")
	cfg.Paths.DomainExamplesPath = write("domains.json", `{
		"车控": ["开一下窗", "关一下门"],
		"通用": ["随便聊聊", "帮我个忙"]
	}`)
	cfg.Paths.IntentExamplesPath = write("intents.json", `{
		"intent_examples": {
			"vehicle_control": {"examples": ["把窗户打开"], "domain": "车控"}
		}
	}`)
	cfg.Paths.EmbedCachePath = ""
	cfg.Paths.LogsDir = ""
	cfg.NLU.WatchConfig = false

	svc, err := nlu.NewServiceWithEngine(context.Background(), cfg, staticEngine{})
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close() })

	return New(cfg, svc)
}

func doJSON(t *testing.T, srv *Server, method, path string, body interface{}) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	var env map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	return w, env
}

func TestRecognizeEndpoint(t *testing.T) {
	srv := newTestServer(t)

	w, env := doJSON(t, srv, http.MethodPost, "/api/v1/intent/recognize",
		map[string]string{"text": "打开车窗"})

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, env["success"])
	assert.NotEmpty(t, env["timestamp"])
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	data := env["data"].(map[string]interface{})
	assert.Equal(t, "vehicle_control", data["intent"])
	assert.Equal(t, "车控", data["domain"])
	assert.Equal(t, "打开车窗", data["raw_text"])
	semantic := data["semantic"].(map[string]interface{})
	assert.Equal(t, "open", semantic["action"])
	assert.Equal(t, "window", semantic["target"])
}

func TestRecognizeEndpointEmptyText(t *testing.T) {
	srv := newTestServer(t)

	w, env := doJSON(t, srv, http.MethodPost, "/api/v1/intent/recognize",
		map[string]string{"text": ""})

	assert.Equal(t, http.StatusOK, w.Code)
	data := env["data"].(map[string]interface{})
	assert.Equal(t, "unknown", data["intent"])
	assert.Equal(t, "通用", data["domain"])
	assert.Equal(t, "none", data["method"])
	// Empty semantic and entities are omitted from the wire form.
	_, hasSemantic := data["semantic"]
	assert.False(t, hasSemantic)
}

func TestRecognizeEndpointBadBody(t *testing.T) {
	srv := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/intent/recognize",
		bytes.NewBufferString("{not json"))
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	var env map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	assert.Equal(t, false, env["success"])
	assert.NotEmpty(t, env["error"])
}

func TestClassifyEndpoint(t *testing.T) {
	srv := newTestServer(t)

	w, env := doJSON(t, srv, http.MethodPost, "/api/v1/domain/classify",
		map[string]string{"text": "打开车窗"})

	assert.Equal(t, http.StatusOK, w.Code)
	data := env["data"].(map[string]interface{})
	assert.Equal(t, "车控", data["domain"])
	assert.GreaterOrEqual(t, data["confidence"].(float64), 0.6)
}

func TestClassifyEndpointRequiresText(t *testing.T) {
	srv := newTestServer(t)

	w, env := doJSON(t, srv, http.MethodPost, "/api/v1/domain/classify",
		map[string]string{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, false, env["success"])
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(t)

	w, env := doJSON(t, srv, http.MethodGet, "/api/v1/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	data := env["data"].(map[string]interface{})
	assert.Equal(t, "healthy", data["status"])
}

func TestInfoEndpoint(t *testing.T) {
	srv := newTestServer(t)

	w, env := doJSON(t, srv, http.MethodGet, "/api/v1/info", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	data := env["data"].(map[string]interface{})
	assert.Equal(t, "static", data["embedding_engine"])
	assert.Equal(t, float64(1), data["rule_count"])
	assert.Equal(t, float64(1), data["intent_count"])
}

func TestRequestIDEchoed(t *testing.T) {
	srv := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.Header.Set("X-Request-ID", "fixed-id-123")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	assert.Equal(t, "fixed-id-123", w.Header().Get("X-Request-ID"))
}
