package vocab

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testGroups() map[string]*Group {
	return map[string]*Group{
		"action_open": {
			Name:  "打开动作",
			Items: []string{"打开", "开启", "启动", "开"},
			Alias: "open",
		},
		"action_close": {
			Name:  "关闭动作",
			Items: []string{"关闭", "停止", "关", "关上"},
			Alias: "close",
		},
		"target_window": {
			Items: []string{"车窗", "窗户", "窗"},
			Alias: "window",
		},
		"position_driver": {
			Items: []string{"主驾驶", "主驾", "驾驶位"},
			Alias: "driver",
		},
	}
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := New(testGroups())
	require.NoError(t, err)
	return m
}

func TestExpandLongestAlternativeFirst(t *testing.T) {
	m := newTestManager(t)

	got, err := m.Expand("{{position_driver}}")
	require.NoError(t, err)

	// 主驾 is a prefix of 主驾驶: the three-rune items must come first.
	idxLong := strings.Index(got, "主驾驶")
	idxShort := strings.LastIndex(got, "主驾")
	require.GreaterOrEqual(t, idxLong, 0)
	assert.Less(t, idxLong, idxShort, "longer item must come first in %q", got)

	// The expansion is a valid regex and prefers the long form.
	re, err := regexp.Compile(got)
	require.NoError(t, err)
	assert.Equal(t, "主驾驶", re.FindString("主驾驶"))
}

func TestExpandComposedTemplate(t *testing.T) {
	m := newTestManager(t)

	got, err := m.Expand("(?P<action>{{action_open}})(?P<target>{{target_window}})")
	require.NoError(t, err)
	assert.NotContains(t, got, "{{")
	assert.NotContains(t, got, "}}")

	re, err := regexp.Compile(got)
	require.NoError(t, err)
	sub := re.FindStringSubmatch("打开车窗")
	require.NotNil(t, sub)
}

func TestExpandUnknownGroup(t *testing.T) {
	m := newTestManager(t)

	_, err := m.Expand("{{no_such_group}}")
	require.ErrorIs(t, err, ErrUnknownGroup)
}

func TestExpandEscapesMetaCharacters(t *testing.T) {
	m, err := New(map[string]*Group{
		"value_level": {Items: []string{"50%", "1+2"}, Alias: "level"},
	})
	require.NoError(t, err)

	got, err := m.Expand("{{value_level}}")
	require.NoError(t, err)

	re, err := regexp.Compile(got)
	require.NoError(t, err)
	assert.Equal(t, "1+2", re.FindString("1+2"))
	assert.Equal(t, "", re.FindString("122"))
}

func TestExpandWithoutPlaceholders(t *testing.T) {
	m := newTestManager(t)
	got, err := m.Expand("^导航到.+$")
	require.NoError(t, err)
	assert.Equal(t, "^导航到.+$", got)
}

func TestAliasRoundTrip(t *testing.T) {
	m := newTestManager(t)

	for id, g := range testGroups() {
		for _, item := range g.Items {
			alias, _, ok := m.AliasOf(item)
			// Single-rune items may be claimed by another group, but
			// every multi-rune item here is unique.
			if len([]rune(item)) > 1 {
				require.True(t, ok, "item %q of %s", item, id)
				assert.Equal(t, g.Alias, alias, "item %q", item)
			}
		}
	}

	_, _, ok := m.AliasOf("不存在的词")
	assert.False(t, ok)
}

func TestAliasTieBreakPrefersSmallerGroup(t *testing.T) {
	m, err := New(map[string]*Group{
		"target_media":   {Items: []string{"音乐", "歌曲", "电台", "播客"}, Alias: "media"},
		"target_music":   {Items: []string{"音乐"}, Alias: "music"},
		"action_padding": {Items: []string{"打开"}, Alias: "open"},
	})
	require.NoError(t, err)

	alias, groupID, ok := m.AliasOf("音乐")
	require.True(t, ok)
	assert.Equal(t, "music", alias, "smaller group is more specific")
	assert.Equal(t, "target_music", groupID)
}

func TestSlotOf(t *testing.T) {
	tests := []struct {
		id   string
		want string
	}{
		{"action_open", "action"},
		{"target_window", "target"},
		{"position_driver", "position"},
		{"value_temperature", "value"},
		{"misc_words", ""},
		{"action", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SlotOf(tt.id), tt.id)
	}
}

func TestExtractSlots(t *testing.T) {
	m := newTestManager(t)

	slots := m.ExtractSlots("打开主驾车窗")
	require.NotNil(t, slots)

	assert.Equal(t, SlotMatch{Surface: "打开", Alias: "open"}, slots["action"])
	assert.Equal(t, SlotMatch{Surface: "车窗", Alias: "window"}, slots["target"])
	// 主驾 matches, 主驾驶 does not appear in the text.
	assert.Equal(t, SlotMatch{Surface: "主驾", Alias: "driver"}, slots["position"])
}

func TestExtractSlotsLongerOverrides(t *testing.T) {
	m := newTestManager(t)

	slots := m.ExtractSlots("请帮我把主驾驶的窗户开启")
	require.NotNil(t, slots)
	assert.Equal(t, "主驾驶", slots["position"].Surface)
	assert.Equal(t, "窗户", slots["target"].Surface)
	assert.Equal(t, "开启", slots["action"].Surface)
}

func TestExtractSlotsEmpty(t *testing.T) {
	m := newTestManager(t)
	assert.Nil(t, m.ExtractSlots(""))
	assert.Nil(t, m.ExtractSlots("今天天气如何"))
}

func TestGroupsForDomain(t *testing.T) {
	m, err := New(map[string]*Group{
		"action_open":   {Items: []string{"打开"}, Alias: "open"},
		"target_window": {Items: []string{"车窗"}, Alias: "window", Domains: []string{"车控"}},
		"target_song":   {Items: []string{"歌"}, Alias: "song", Domains: []string{"音乐"}},
		"misc_words":    {Items: []string{"的"}, Alias: "filler"},
	})
	require.NoError(t, err)

	got := m.GroupsForDomain("车控")
	assert.Equal(t, []string{"action_open", "target_window"}, got)
}

func TestLoadFromJSONFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vocabulary_groups.json")
	doc := `{
		"groups": {
			"action_open": {"name": "打开动作", "description": "", "items": ["打开", "开"], "alias": "open"},
			"target_window": {"items": ["车窗"], "alias": "window"}
		},
		"future_key": {"ignored": true}
	}`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	m, err := Load(path)
	require.NoError(t, err)

	alias, _, ok := m.AliasOf("车窗")
	require.True(t, ok)
	assert.Equal(t, "window", alias)
	assert.Equal(t, []string{"action_open", "target_window"}, m.GroupIDs())
}

func TestLoadRejectsEmptyGroup(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vocab.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"groups": {"empty_group": {"alias": "x", "items": []}}}`), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestAliasDefaultsToGroupID(t *testing.T) {
	m, err := New(map[string]*Group{
		"action_open": {Items: []string{"打开"}},
	})
	require.NoError(t, err)
	alias, _, ok := m.AliasOf("打开")
	require.True(t, ok)
	assert.Equal(t, "action_open", alias)
}
