package nlu

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"nlud/internal/logging"
	"nlud/internal/rules"
	"nlud/internal/vocab"
)

// Pipeline bundles one immutable generation of the recognition stack.
// The service swaps whole pipelines on reload, so a live pipeline never
// changes under a request.
type Pipeline struct {
	Vocab   *vocab.Manager
	Rules   *rules.Matcher
	Domains *DomainClassifier
	Intents *IntentMatcher

	ConfidenceThreshold float64
	SimilarityThreshold float64
	FallbackDomain      string
}

// pathResult is what one racing path delivers: its shaped result, or nil
// when the path missed or failed.
type pathResult struct {
	method string
	res    *IntentData
}

// domainOutcome is stage 1's D task output.
type domainOutcome struct {
	domain     string
	confidence float64
	ok         bool
}

// Recognize maps an utterance to a structured result by racing up to
// three paths: global regex, domain-restricted regex, and the intent
// model. The first acceptable result wins and cancels the rest; on a
// dead heat precedence is regex_global, then regex_domain, then model.
// A caller-supplied domain skips stage 1 and races only the
// domain-restricted paths.
func (p *Pipeline) Recognize(ctx context.Context, text, domain string) *IntentData {
	// Matching runs on the trimmed query; raw_text always carries the
	// caller's input untouched.
	query := strings.TrimSpace(text)
	if query == "" {
		return NoneResult(text, "", p.FallbackDomain)
	}

	reqID := uuid.NewString()[:8]
	timer := logging.StartTimer(logging.CategoryOrchestrator, "Recognize")
	defer timer.StopWithThreshold(500 * time.Millisecond)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	gch := make(chan *IntentData, 1)
	dch := make(chan domainOutcome, 1)
	rch := make(chan *IntentData, 1)
	mch := make(chan *IntentData, 1)

	spawnStage2 := func(d string) {
		go p.runDomainRegex(ctx, query, d, rch)
		go p.runModel(ctx, query, d, mch)
	}

	if domain != "" {
		// Fast path: the caller committed to a domain.
		logging.OrchestratorDebug("[%s] Fast path for %q in domain %s", reqID, query, domain)
		gch, dch = nil, nil
		spawnStage2(domain)
	} else {
		logging.OrchestratorDebug("[%s] Full flow for %q", reqID, query)
		go p.runGlobalRegex(ctx, query, gch)
		go p.runDomainClassify(ctx, query, dch)
		rch, mch = nil, nil
	}

	// Completed-but-unevaluated path results, keyed by method. Results
	// are never accepted straight off a channel receive: they are
	// stashed here and judged in precedence order, so a dead heat
	// between paths resolves regex_global, regex_domain, model.
	arrived := make(map[string]*IntentData)

	resolvedDomain := domain
	for {
		for _, pr := range []struct {
			ch     *chan *IntentData
			method string
		}{{&gch, MethodRegexGlobal}, {&rch, MethodRegexDomain}, {&mch, MethodModel}} {
			if *pr.ch == nil {
				continue
			}
			select {
			case res := <-*pr.ch:
				*pr.ch = nil
				arrived[pr.method] = res
			default:
			}
		}
		for _, method := range []string{MethodRegexGlobal, MethodRegexDomain, MethodModel} {
			res, ok := arrived[method]
			if !ok {
				continue
			}
			delete(arrived, method)
			if out := p.accept(reqID, method, res, text); out != nil {
				return out
			}
		}
		if gch == nil && dch == nil && rch == nil && mch == nil {
			break
		}

		select {
		case res := <-orNil(gch):
			gch = nil
			arrived[MethodRegexGlobal] = res
		case outcome := <-orNilDomain(dch):
			dch = nil
			d := outcome.domain
			if outcome.ok {
				logging.OrchestratorDebug("[%s] Domain resolved to %s (%.3f), spawning stage 2",
					reqID, d, outcome.confidence)
			} else {
				// A failed classification does not kill the request:
				// stage 2 races against the fallback domain.
				d = p.FallbackDomain
				logging.OrchestratorDebug("[%s] Domain classification failed, spawning stage 2 on %s",
					reqID, d)
			}
			resolvedDomain = d
			rch = make(chan *IntentData, 1)
			mch = make(chan *IntentData, 1)
			spawnStage2(d)
		case res := <-orNil(rch):
			rch = nil
			arrived[MethodRegexDomain] = res
		case res := <-orNil(mch):
			mch = nil
			arrived[MethodModel] = res
		case <-ctx.Done():
			logging.Orchestrator("[%s] Deadline hit for %q, returning none", reqID, text)
			return NoneResult(text, resolvedDomain, p.FallbackDomain)
		}
	}

	logging.Orchestrator("[%s] No path accepted %q, returning none", reqID, text)
	return NoneResult(text, resolvedDomain, p.FallbackDomain)
}

// orNil makes a nil channel safe to select on (it blocks forever).
func orNil(ch chan *IntentData) <-chan *IntentData { return ch }

func orNilDomain(ch chan domainOutcome) <-chan domainOutcome { return ch }

// accept applies the path's threshold gate and finishes the winning
// result, stamping the method and the caller's untouched input. Nil
// means the path yielded nothing usable.
func (p *Pipeline) accept(reqID, method string, res *IntentData, raw string) *IntentData {
	if res == nil {
		return nil
	}
	switch method {
	case MethodModel:
		if res.Intent == IntentUnknown || res.Confidence < p.SimilarityThreshold {
			logging.OrchestratorDebug("[%s] %s result rejected (intent=%s confidence=%.3f)",
				reqID, method, res.Intent, res.Confidence)
			return nil
		}
	default:
		if res.Confidence < p.ConfidenceThreshold {
			logging.OrchestratorDebug("[%s] %s result rejected (confidence=%.3f)",
				reqID, method, res.Confidence)
			return nil
		}
	}
	if res.Domain == "" {
		res.Domain = p.FallbackDomain
	}
	res.Method = method
	res.RawText = raw
	logging.Orchestrator("[%s] Accepted %s: intent=%s domain=%s confidence=%.3f",
		reqID, method, res.Intent, res.Domain, res.Confidence)
	return res
}

// runGlobalRegex is path G: the superset regex pass, global rules first.
func (p *Pipeline) runGlobalRegex(ctx context.Context, text string, out chan<- *IntentData) {
	res, err := p.Rules.Match(ctx, text, "")
	if err != nil {
		logging.OrchestratorDebug("Global regex path ended: %v", err)
		out <- nil
		return
	}
	out <- p.shapeRegex(text, res)
}

// runDomainRegex is path R: regex restricted to the resolved domain.
func (p *Pipeline) runDomainRegex(ctx context.Context, text, domain string, out chan<- *IntentData) {
	res, err := p.Rules.Match(ctx, text, domain)
	if err != nil {
		logging.OrchestratorDebug("Domain regex path ended: %v", err)
		out <- nil
		return
	}
	shaped := p.shapeRegex(text, res)
	if shaped != nil && shaped.Domain == "" {
		shaped.Domain = domain
	}
	out <- shaped
}

// runDomainClassify is stage 1's D task.
func (p *Pipeline) runDomainClassify(ctx context.Context, text string, out chan<- domainOutcome) {
	domain, confidence, err := p.Domains.Classify(ctx, text)
	if err != nil {
		logging.OrchestratorDebug("Domain classification ended: %v", err)
		out <- domainOutcome{}
		return
	}
	out <- domainOutcome{domain: domain, confidence: confidence, ok: true}
}

// runModel is path M: the intent matcher within the resolved domain.
func (p *Pipeline) runModel(ctx context.Context, text, domain string, out chan<- *IntentData) {
	pred, err := p.Intents.Predict(ctx, text, domain)
	if err != nil {
		logging.OrchestratorDebug("Model path ended: %v", err)
		out <- nil
		return
	}
	if pred == nil {
		out <- nil
		return
	}
	if err := ctx.Err(); err != nil {
		out <- nil
		return
	}
	out <- &IntentData{
		Intent:     pred.Intent,
		Domain:     domain,
		Semantic:   dropEmpty(pred.Semantic),
		Confidence: pred.Confidence,
		Entities:   dropEmpty(pred.Entities),
		RawText:    text,
	}
}

// shapeRegex converts a rule hit into an IntentData without a method;
// the race loop stamps the method of whichever path delivered it.
func (p *Pipeline) shapeRegex(text string, res *rules.Result) *IntentData {
	if res == nil {
		return nil
	}
	return &IntentData{
		Intent:     res.Intent,
		Domain:     res.Domain,
		Semantic:   dropEmpty(res.Semantic),
		Confidence: res.Confidence,
		Entities:   dropEmpty(res.Entities),
		RawText:    text,
	}
}

// dropEmpty removes empty-valued keys and returns nil for an empty map,
// so JSON output omits hollow objects entirely.
func dropEmpty(m map[string]string) map[string]string {
	for k, v := range m {
		if v == "" {
			delete(m, k)
		}
	}
	if len(m) == 0 {
		return nil
	}
	return m
}
