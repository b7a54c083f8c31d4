// Package nlu implements the recognition pipeline: embedding-similarity
// domain classification, intent matching within a domain, and the staged
// three-path orchestrator that races them against the regex matcher.
package nlu

// Recognition methods, in precedence order.
const (
	MethodRegexGlobal = "regex_global"
	MethodRegexDomain = "regex_domain"
	MethodModel       = "model"
	MethodNone        = "none"
)

// IntentUnknown is the fallback intent when no path produced an
// acceptable result.
const IntentUnknown = "unknown"

// IntentData is the structured recognition result for one utterance.
type IntentData struct {
	Intent     string            `json:"intent"`
	Domain     string            `json:"domain"`
	Semantic   map[string]string `json:"semantic,omitempty"`
	Confidence float64           `json:"confidence"`
	Entities   map[string]string `json:"entities,omitempty"`
	RawText    string            `json:"raw_text"`
	Method     string            `json:"method"`
}

// NoneResult builds the empty recognition result for text. The domain
// defaults to fallback when no classification resolved one.
func NoneResult(text, domain, fallback string) *IntentData {
	if domain == "" {
		domain = fallback
	}
	return &IntentData{
		Intent:  IntentUnknown,
		Domain:  domain,
		RawText: text,
		Method:  MethodNone,
	}
}
