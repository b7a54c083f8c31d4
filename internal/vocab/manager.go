// Package vocab manages the reusable vocabulary groups: named sets of
// Chinese surface strings sharing one canonical English alias. The manager
// expands `{{group_id}}` placeholders in rule templates into escaped regex
// alternations and answers reverse lookups from surface string to alias.
// Everything is immutable after Load.
package vocab

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/projectdiscovery/fasttemplate"
	"gopkg.in/yaml.v3"

	"nlud/internal/logging"
)

// ErrUnknownGroup is returned when a template references a vocabulary group
// that was never defined. Expansion failures are fatal at startup.
var ErrUnknownGroup = errors.New("unknown vocabulary group")

// Template placeholder delimiters, `{{group_id}}`.
const (
	tagOpen  = "{{"
	tagClose = "}}"
)

// Slot names recognized in semantic frames. Groups prefixed with
// "<slot>_" feed that slot.
var slotNames = []string{"action", "target", "position", "value"}

// Group is one named vocabulary group.
type Group struct {
	ID          string   `json:"-" yaml:"-"`
	Name        string   `json:"name" yaml:"name"`
	Description string   `json:"description" yaml:"description"`
	Items       []string `json:"items" yaml:"items"`
	Alias       string   `json:"alias" yaml:"alias"`

	// Domains optionally restricts which domains the group is relevant
	// to. Empty means all.
	Domains []string `json:"domains,omitempty" yaml:"domains,omitempty"`
}

type document struct {
	Groups map[string]*Group `json:"groups" yaml:"groups"`
}

// aliasEntry is one row of the precomputed surface→alias reverse map.
type aliasEntry struct {
	alias   string
	groupID string
	// itemLen and groupSize record why this entry won, for tie-breaking
	// during construction.
	itemLen   int
	groupSize int
}

// SlotMatch is one extracted slot value.
type SlotMatch struct {
	Surface string // raw Chinese surface string
	Alias   string // canonical alias
}

// Manager holds the loaded vocabulary groups and the derived lookup tables.
type Manager struct {
	groups     map[string]*Group
	order      []string // group ids, sorted for deterministic iteration
	aliasIndex map[string]aliasEntry
	slotGroups map[string][]*Group // slot name -> groups feeding it
}

// Load parses the vocabulary document at path (JSON or YAML by extension)
// and builds the lookup tables.
func Load(path string) (*Manager, error) {
	timer := logging.StartTimer(logging.CategoryVocab, "vocab.Load")
	defer timer.Stop()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read vocabulary %s: %w", path, err)
	}

	var doc document
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &doc)
	default:
		err = json.Unmarshal(data, &doc)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse vocabulary %s: %w", path, err)
	}

	m, err := New(doc.Groups)
	if err != nil {
		return nil, fmt.Errorf("invalid vocabulary %s: %w", path, err)
	}

	logging.Vocab("Loaded %d vocabulary groups from %s", len(m.groups), path)
	return m, nil
}

// New builds a Manager from already-parsed groups.
func New(groups map[string]*Group) (*Manager, error) {
	m := &Manager{
		groups:     make(map[string]*Group, len(groups)),
		aliasIndex: make(map[string]aliasEntry),
		slotGroups: make(map[string][]*Group),
	}

	for id, g := range groups {
		if g == nil || len(g.Items) == 0 {
			return nil, fmt.Errorf("group %q has no items", id)
		}
		g.ID = id
		if g.Alias == "" {
			// Original behaviour: alias defaults to the group id.
			g.Alias = id
		}
		m.groups[id] = g
		m.order = append(m.order, id)
	}
	sort.Strings(m.order)

	m.buildAliasIndex()
	m.buildSlotIndex()
	return m, nil
}

// buildAliasIndex precomputes the surface→alias reverse map. When a surface
// string appears in multiple groups the longest item wins; ties go to the
// smaller (more specific) group, then to the lexicographically first id so
// the result never depends on map iteration order.
func (m *Manager) buildAliasIndex() {
	for _, id := range m.order {
		g := m.groups[id]
		for _, item := range g.Items {
			cand := aliasEntry{
				alias:     g.Alias,
				groupID:   id,
				itemLen:   len([]rune(item)),
				groupSize: len(g.Items),
			}
			prev, exists := m.aliasIndex[item]
			if !exists || betterAliasEntry(cand, prev) {
				m.aliasIndex[item] = cand
			}
		}
	}
	logging.VocabDebug("Alias reverse map holds %d surface strings", len(m.aliasIndex))
}

func betterAliasEntry(cand, prev aliasEntry) bool {
	if cand.itemLen != prev.itemLen {
		return cand.itemLen > prev.itemLen
	}
	if cand.groupSize != prev.groupSize {
		return cand.groupSize < prev.groupSize
	}
	return cand.groupID < prev.groupID
}

func (m *Manager) buildSlotIndex() {
	for _, id := range m.order {
		if slot := SlotOf(id); slot != "" {
			m.slotGroups[slot] = append(m.slotGroups[slot], m.groups[id])
		}
	}
}

// SlotOf returns the slot a group id feeds ("action_open" → "action"), or
// "" when the group is not slot-typed.
func SlotOf(groupID string) string {
	for _, slot := range slotNames {
		if strings.HasPrefix(groupID, slot+"_") {
			return slot
		}
	}
	return ""
}

// Expand replaces every `{{group_id}}` in template with an escaped
// alternation of the group's items, longest item first so e.g. 主驾驶 cannot
// be half-consumed as 主驾. A `{{group_id:raw}}` tag skips escaping. The
// result contains no residual placeholders and is ready for regexp.Compile.
func (m *Manager) Expand(template string) (string, error) {
	if !strings.Contains(template, tagOpen) {
		return template, nil
	}

	t, err := fasttemplate.NewTemplate(template, tagOpen, tagClose)
	if err != nil {
		return "", fmt.Errorf("invalid pattern template %q: %w", template, err)
	}

	var expandErr error
	expanded := t.ExecuteFuncString(func(w io.Writer, tag string) (int, error) {
		id := strings.TrimSpace(tag)
		escape := true
		if rest, ok := strings.CutSuffix(id, ":raw"); ok {
			id = rest
			escape = false
		}
		g, ok := m.groups[id]
		if !ok {
			if expandErr == nil {
				expandErr = fmt.Errorf("%w: %q in template %q", ErrUnknownGroup, id, template)
			}
			return 0, nil
		}
		return w.Write([]byte(m.alternation(g, escape)))
	})
	if expandErr != nil {
		return "", expandErr
	}

	logging.VocabDebug("Expanded pattern: %s -> %s", template, expanded)
	return expanded, nil
}

// alternation renders a group as "(a|b|c)", items sorted by descending rune
// length, ties broken lexicographically for determinism.
func (m *Manager) alternation(g *Group, escape bool) string {
	items := make([]string, len(g.Items))
	copy(items, g.Items)
	sort.SliceStable(items, func(i, j int) bool {
		li, lj := len([]rune(items[i])), len([]rune(items[j]))
		if li != lj {
			return li > lj
		}
		return items[i] < items[j]
	})
	if escape {
		for i, it := range items {
			items[i] = regexp.QuoteMeta(it)
		}
	}
	return "(" + strings.Join(items, "|") + ")"
}

// AliasOf returns the canonical alias and owning group for a surface
// string. ok is false when the surface belongs to no group.
func (m *Manager) AliasOf(surface string) (alias, groupID string, ok bool) {
	e, ok := m.aliasIndex[surface]
	if !ok {
		return "", "", false
	}
	return e.alias, e.groupID, true
}

// Group returns the group with the given id.
func (m *Manager) Group(id string) (*Group, bool) {
	g, ok := m.groups[id]
	return g, ok
}

// GroupIDs returns all group ids in sorted order.
func (m *Manager) GroupIDs() []string {
	out := make([]string, len(m.order))
	copy(out, m.order)
	return out
}

// GroupsForDomain returns the ids of slot-typed groups relevant to a
// domain: groups that declare no domain restriction or include it.
// Purely informational; the matchers work from the full slot index.
func (m *Manager) GroupsForDomain(domain string) []string {
	var out []string
	for _, id := range m.order {
		g := m.groups[id]
		if SlotOf(id) == "" {
			continue
		}
		if len(g.Domains) == 0 {
			out = append(out, id)
			continue
		}
		for _, d := range g.Domains {
			if d == domain {
				out = append(out, id)
				break
			}
		}
	}
	return out
}

// ExtractSlots scans text for occurrences of slot-typed vocabulary items.
// Per slot the leftmost match is kept and a later match replaces it only
// when strictly longer, so "主驾" inside "打开主驾车窗" survives against
// shorter overlapping items but loses to "主驾驶".
func (m *Manager) ExtractSlots(text string) map[string]SlotMatch {
	if text == "" {
		return nil
	}

	type candidate struct {
		pos     int
		runeLen int
		match   SlotMatch
	}

	out := make(map[string]SlotMatch)
	for _, slot := range slotNames {
		var cands []candidate
		for _, g := range m.slotGroups[slot] {
			for _, item := range g.Items {
				if pos := strings.Index(text, item); pos >= 0 {
					cands = append(cands, candidate{
						pos:     pos,
						runeLen: len([]rune(item)),
						match:   SlotMatch{Surface: item, Alias: g.Alias},
					})
				}
			}
		}
		if len(cands) == 0 {
			continue
		}
		sort.SliceStable(cands, func(i, j int) bool {
			if cands[i].pos != cands[j].pos {
				return cands[i].pos < cands[j].pos
			}
			return cands[i].runeLen > cands[j].runeLen
		})
		best := cands[0]
		for _, c := range cands[1:] {
			if c.runeLen > best.runeLen {
				best = c
			}
		}
		out[slot] = best.match
	}

	if len(out) == 0 {
		return nil
	}
	return out
}
