package nlu

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nlud/internal/config"
)

func writeConfigTree(t *testing.T) *config.Settings {
	t.Helper()
	dir := t.TempDir()

	write := func(rel, body string) string {
		path := filepath.Join(dir, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
		return path
	}

	cfg := config.DefaultSettings()
	cfg.Paths.VocabularyPath = write("vocabulary_groups.json", `{
		"groups": {
			"action_open":   {"items": ["打开", "开启", "开"], "alias": "open"},
			"target_window": {"items": ["车窗", "窗户", "窗"], "alias": "window"}
		}
	}`)
	write("rules/global.json", `{
		"domain": "__global__",
		"patterns": [
			{
				"pattern": "(?P<action>{{action_open}})(?P<target>{{target_window}})",
				"intent": "vehicle_control",
				"domain": "车控",
				"confidence": 0.95
			}
		]
	}`)
	cfg.Paths.RulesDir = filepath.Join(dir, "rules")
	cfg.Paths.DomainExamplesPath = write("domain_examples.json", `{
		"车控": ["开一下窗", "关一下门"],
		"音乐": ["我想听歌", "放首音乐"],
		"通用": ["随便聊聊", "帮我个忙"]
	}`)
	cfg.Paths.IntentExamplesPath = write("intent_examples.json", `{
		"intent_examples": {
			"vehicle_control": {"description": "车辆控制", "examples": ["把窗户打开", "开开车窗"], "domain": "车控"},
			"music.play": {"description": "播放音乐", "examples": ["来首周杰伦的歌", "放一首晴天"], "domain": "音乐"}
		}
	}`)
	cfg.Paths.EmbedCachePath = filepath.Join(dir, "cache", "embeddings.db")
	cfg.Paths.LogsDir = ""
	cfg.NLU.WatchConfig = false
	return cfg
}

func newTestService(t *testing.T) *Service {
	t.Helper()
	cfg := writeConfigTree(t)
	// A touch of embedding latency keeps the regex paths winning their
	// races deterministically, as with a real provider.
	s, err := NewServiceWithEngine(context.Background(), cfg, newFakeEngine(30*time.Millisecond))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestServiceRecognize(t *testing.T) {
	s := newTestService(t)

	res := s.Recognize(context.Background(), "打开车窗", "")
	require.NotNil(t, res)
	assert.Equal(t, "vehicle_control", res.Intent)
	assert.Equal(t, "车控", res.Domain)
	assert.Contains(t, []string{MethodRegexGlobal, MethodRegexDomain}, res.Method)
}

func TestServiceClassify(t *testing.T) {
	s := newTestService(t)

	domain, confidence, err := s.Classify(context.Background(), "我想听周杰伦的歌")
	require.NoError(t, err)
	assert.Equal(t, "音乐", domain)
	assert.GreaterOrEqual(t, confidence, 0.6)
}

func TestServiceInfo(t *testing.T) {
	s := newTestService(t)

	info := s.Info()
	assert.Equal(t, "fake", info.EmbeddingEngine)
	assert.Equal(t, []string{"车控", "通用", "音乐"}, info.Domains)
	assert.Equal(t, 2, info.IntentCount)
	assert.Equal(t, 1, info.RuleCount)
	assert.Equal(t, 2, info.VocabGroups)
	assert.Greater(t, info.EmbedCacheLen, 0, "startup embeds fill the cache")
}

func TestServicePersistentCacheSurvivesRestart(t *testing.T) {
	cfg := writeConfigTree(t)

	s1, err := NewServiceWithEngine(context.Background(), cfg, newFakeEngine(0))
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	// A second boot against the same cache file finds the vectors on disk.
	s2, err := NewServiceWithEngine(context.Background(), cfg, newFakeEngine(0))
	require.NoError(t, err)
	defer s2.Close()

	res := s2.Recognize(context.Background(), "打开车窗", "")
	assert.Equal(t, "vehicle_control", res.Intent)
}

func TestServiceReloadSwapsPipeline(t *testing.T) {
	s := newTestService(t)
	require.Equal(t, 1, s.Info().RuleCount)

	extra := filepath.Join(s.cfg.Paths.RulesDir, "music.json")
	require.NoError(t, os.WriteFile(extra, []byte(`{
		"domain": "音乐",
		"patterns": [{"pattern": "^播放(?P<target>.+)$", "intent": "music.play", "action": "play", "confidence": 0.85}]
	}`), 0o644))

	s.reload()
	assert.Equal(t, 2, s.Info().RuleCount)

	res := s.Recognize(context.Background(), "播放晴天", "音乐")
	assert.Equal(t, "music.play", res.Intent)
	assert.Equal(t, MethodRegexDomain, res.Method)
}

func TestServiceReloadKeepsPipelineOnError(t *testing.T) {
	s := newTestService(t)

	bad := filepath.Join(s.cfg.Paths.RulesDir, "broken.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"domain": "车控", "patterns": [{"pattern": "([bad", "intent": "x"}]}`), 0o644))

	before := s.Info().RuleCount
	s.reload()
	assert.Equal(t, before, s.Info().RuleCount, "failed reload must keep the old pipeline")

	res := s.Recognize(context.Background(), "打开车窗", "")
	assert.Equal(t, "vehicle_control", res.Intent)
}
