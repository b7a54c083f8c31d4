// Package rules implements the domain-indexed regex rule sets. Rule files
// declare pattern templates with `{{group_id}}` placeholders; at load time
// every template is expanded through the vocabulary manager and compiled.
// Matching walks a domain's patterns in declaration order and extracts the
// semantic frame from named capture groups.
package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"

	"nlud/internal/logging"
	"nlud/internal/vocab"
)

// GlobalDomain is the pseudo-domain holding rules that apply across all
// domains. The global regex path of the orchestrator matches against it.
const GlobalDomain = "__global__"

// slotNames are the capture group names carried into the semantic frame.
var slotNames = map[string]bool{
	"action":   true,
	"target":   true,
	"position": true,
	"value":    true,
}

// defaultRuleConfidence applies when a pattern omits its confidence.
const defaultRuleConfidence = 0.9

// Pattern is one rule as declared in a rule file.
type Pattern struct {
	Pattern    string   `json:"pattern" yaml:"pattern"`
	Intent     string   `json:"intent" yaml:"intent"`
	Action     string   `json:"action,omitempty" yaml:"action,omitempty"`
	Target     string   `json:"target,omitempty" yaml:"target,omitempty"`
	// Confidence passes through to matches unchanged; nil means the
	// pattern omitted it and defaultRuleConfidence applies.
	Confidence *float64 `json:"confidence,omitempty" yaml:"confidence,omitempty"`
	Domain     string   `json:"domain,omitempty" yaml:"domain,omitempty"`
	GroupNames []string `json:"group_names,omitempty" yaml:"group_names,omitempty"`
}

type ruleFile struct {
	Domain      string    `json:"domain" yaml:"domain"`
	Description string    `json:"description" yaml:"description"`
	Patterns    []Pattern `json:"patterns" yaml:"patterns"`
}

// compiledRule is a pattern after expansion and compilation.
type compiledRule struct {
	re         *regexp.Regexp
	intent     string
	domain     string // declared domain, or the file's domain
	fileDomain string
	confidence float64
	defAction  string
	defTarget  string
	groupNames []string // positional names for unnamed capture groups
	source     string   // original template, for log messages
}

// Result is one regex hit, before the orchestrator shapes it into the
// final recognition record. Domain is empty when the hit resolved no
// concrete domain (a global rule without a declared one).
type Result struct {
	Intent     string
	Domain     string
	Confidence float64
	Semantic   map[string]string
	Entities   map[string]string
}

// Matcher holds the compiled rule sets, immutable after LoadDir.
type Matcher struct {
	vocab *vocab.Manager

	// fileRules indexes rules by the domain of the file they live in;
	// the nil-domain superset pass walks these so each rule is tried once.
	fileRules map[string][]*compiledRule

	// domainRules indexes rules by their effective domain, so the fast
	// path reaches global rules that resolve a concrete domain.
	domainRules map[string][]*compiledRule

	fileOrder []string // file domains, global first then sorted
	total     int
}

// LoadDir discovers rule files under dir (JSON and YAML, recursively),
// expands and compiles every pattern, and builds the domain indexes.
// Any parse, expansion, or compile failure is fatal.
func LoadDir(dir string, vm *vocab.Manager) (*Matcher, error) {
	timer := logging.StartTimer(logging.CategoryRules, "rules.LoadDir")
	defer timer.Stop()

	fsys := os.DirFS(dir)
	var paths []string
	for _, pat := range []string{"**/*.json", "**/*.{yaml,yml}"} {
		found, err := doublestar.Glob(fsys, pat)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rules dir %s: %w", dir, err)
		}
		paths = append(paths, found...)
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no rule files found under %s", dir)
	}
	sort.Strings(paths)

	m := &Matcher{
		vocab:       vm,
		fileRules:   make(map[string][]*compiledRule),
		domainRules: make(map[string][]*compiledRule),
	}
	for _, p := range paths {
		if err := m.loadFile(fsys, p); err != nil {
			return nil, fmt.Errorf("rule file %s: %w", filepath.Join(dir, p), err)
		}
	}

	for d := range m.fileRules {
		m.fileOrder = append(m.fileOrder, d)
	}
	sort.Slice(m.fileOrder, func(i, j int) bool {
		if (m.fileOrder[i] == GlobalDomain) != (m.fileOrder[j] == GlobalDomain) {
			return m.fileOrder[i] == GlobalDomain
		}
		return m.fileOrder[i] < m.fileOrder[j]
	})

	logging.Rules("Loaded %d rules across %d domains from %s", m.total, len(m.fileRules), dir)
	return m, nil
}

func (m *Matcher) loadFile(fsys fs.FS, path string) error {
	data, err := fs.ReadFile(fsys, path)
	if err != nil {
		return err
	}

	var rf ruleFile
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &rf)
	default:
		err = json.Unmarshal(data, &rf)
	}
	if err != nil {
		return fmt.Errorf("parse failed: %w", err)
	}
	if rf.Domain == "" {
		return fmt.Errorf("missing domain field")
	}

	for i, p := range rf.Patterns {
		r, err := m.compile(rf.Domain, p)
		if err != nil {
			return fmt.Errorf("pattern %d (%q): %w", i, p.Pattern, err)
		}
		m.fileRules[rf.Domain] = append(m.fileRules[rf.Domain], r)
		m.domainRules[r.domain] = append(m.domainRules[r.domain], r)
		if r.domain != rf.Domain {
			// A global rule resolving a concrete domain stays reachable
			// from the global set too.
			m.domainRules[rf.Domain] = append(m.domainRules[rf.Domain], r)
		}
		m.total++
	}
	logging.RulesDebug("Loaded %d patterns for domain %s from %s", len(rf.Patterns), rf.Domain, path)
	return nil
}

func (m *Matcher) compile(fileDomain string, p Pattern) (*compiledRule, error) {
	if p.Pattern == "" {
		return nil, fmt.Errorf("empty pattern")
	}
	if p.Intent == "" {
		return nil, fmt.Errorf("missing intent")
	}
	conf := defaultRuleConfidence
	if p.Confidence != nil {
		if *p.Confidence < 0 || *p.Confidence > 1 {
			return nil, fmt.Errorf("confidence %v out of range", *p.Confidence)
		}
		conf = *p.Confidence
	}

	expanded, err := m.vocab.Expand(p.Pattern)
	if err != nil {
		return nil, err
	}
	re, err := regexp.Compile(expanded)
	if err != nil {
		return nil, fmt.Errorf("compile failed: %w", err)
	}

	domain := p.Domain
	if domain == "" {
		domain = fileDomain
	}
	return &compiledRule{
		re:         re,
		intent:     p.Intent,
		domain:     domain,
		fileDomain: fileDomain,
		confidence: conf,
		defAction:  p.Action,
		defTarget:  p.Target,
		groupNames: p.GroupNames,
		source:     p.Pattern,
	}, nil
}

// Match tries text against a domain's rules in declaration order and
// returns the first hit, or nil when nothing matches. An empty domain
// runs the superset pass over every rule file, global rules first.
// Cancellation is checked between patterns.
func (m *Matcher) Match(ctx context.Context, text, domain string) (*Result, error) {
	if text == "" {
		return nil, nil
	}

	if domain != "" {
		return m.matchList(ctx, text, m.domainRules[domain])
	}
	for _, d := range m.fileOrder {
		res, err := m.matchList(ctx, text, m.fileRules[d])
		if err != nil || res != nil {
			return res, err
		}
	}
	return nil, nil
}

func (m *Matcher) matchList(ctx context.Context, text string, rs []*compiledRule) (*Result, error) {
	for _, r := range rs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		sub := r.re.FindStringSubmatch(text)
		if sub == nil {
			continue
		}
		logging.RulesDebug("Rule hit: %q matched %q (intent=%s)", r.source, text, r.intent)
		return m.extract(r, sub), nil
	}
	return nil, nil
}

// extract shapes a capture set into a Result: named captures in the slot
// set map through the alias table into semantic, raw surfaces always land
// in entities, declared defaults fill action/target the groups left empty.
func (m *Matcher) extract(r *compiledRule, sub []string) *Result {
	res := &Result{
		Intent:     r.intent,
		Confidence: r.confidence,
		Semantic:   make(map[string]string),
		Entities:   make(map[string]string),
	}
	if r.domain != GlobalDomain {
		res.Domain = r.domain
	}

	names := r.re.SubexpNames()
	unnamed := 0
	for i := 1; i < len(sub); i++ {
		name := names[i]
		if name == "" {
			if unnamed < len(r.groupNames) {
				name = r.groupNames[unnamed]
			}
			unnamed++
		}
		if !slotNames[name] || sub[i] == "" {
			continue
		}
		res.Entities[name] = sub[i]
		if alias, _, ok := m.vocab.AliasOf(sub[i]); ok {
			res.Semantic[name] = alias
		}
	}

	if r.defAction != "" && res.Semantic["action"] == "" {
		res.Semantic["action"] = r.defAction
	}
	if r.defTarget != "" && res.Semantic["target"] == "" {
		res.Semantic["target"] = r.defTarget
	}
	return res
}

// Domains returns every concrete domain rules are indexed under, sorted.
func (m *Matcher) Domains() []string {
	var out []string
	for d := range m.domainRules {
		if d != GlobalDomain {
			out = append(out, d)
		}
	}
	sort.Strings(out)
	return out
}

// RuleCount returns the total number of loaded patterns.
func (m *Matcher) RuleCount() int {
	return m.total
}
