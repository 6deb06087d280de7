// Package analysis implements the analysis stage: keyword-weighted relevance
// scoring, category tagging, and trend counting over discovered items.
package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"newsflow/internal/agent"
	logx "newsflow/pkg/logx"
)

type Config struct {
	// Keywords maps a lowercase term to its relevance weight.
	Keywords map[string]float64 `json:"keywords,omitempty"`
	// Categories maps a category name to its trigger terms.
	Categories map[string][]string `json:"categories,omitempty"`
	// MinScore drops items below this relevance. Default 1.
	MinScore float64 `json:"min_score,omitempty"`
}

type Handler struct {
	keywords   map[string]float64
	categories map[string][]string
	minScore   float64
	log        logx.Logger
}

func defaultKeywords() map[string]float64 {
	return map[string]float64{
		"ai": 2, "machine learning": 2, "llm": 2,
		"security": 1.5, "vulnerability": 1.5,
		"cloud": 1, "kubernetes": 1, "database": 1,
		"open source": 1, "release": 0.5,
	}
}

func New(raw json.RawMessage, log logx.Logger) (*Handler, error) {
	var cfg Config
	if len(raw) > 0 {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&cfg); err != nil {
			return nil, fmt.Errorf("analysis config: %w", err)
		}
	}
	kw := cfg.Keywords
	if len(kw) == 0 {
		kw = defaultKeywords()
	}
	minScore := cfg.MinScore
	if minScore <= 0 {
		minScore = 1
	}
	return &Handler{
		keywords:   kw,
		categories: cfg.Categories,
		minScore:   minScore,
		log:        log,
	}, nil
}

func (h *Handler) Execute(ctx context.Context, t agent.Task) (agent.Result, error) {
	_ = ctx // scoring is pure CPU work
	items := payloadItems(t.Payload)

	switch t.Kind {
	case agent.KindAnalyzeContent:
		return h.analyze(items)
	case agent.KindDetectTrends:
		return h.trends(items)
	case agent.KindFilterQuality:
		return h.filter(items)
	default:
		return agent.Result{}, agent.Permanent(fmt.Errorf("unsupported kind %q", t.Kind))
	}
}

func (h *Handler) analyze(items []any) (agent.Result, error) {
	var kept []any
	for _, it := range items {
		m, ok := it.(map[string]any)
		if !ok {
			continue
		}
		score := h.score(itemText(m))
		if score < h.minScore {
			continue
		}
		out := cloneItem(m)
		out["score"] = score
		out["category"] = h.categorize(itemText(m))
		kept = append(kept, out)
	}
	sort.Slice(kept, func(i, j int) bool {
		return itemScore(kept[i]) > itemScore(kept[j])
	})

	h.log.Info("analysis finished",
		logx.Int("items_in", len(items)),
		logx.Int("items_analyzed", len(kept)),
	)
	return agent.Result{Detail: map[string]any{
		"items_analyzed": len(kept),
		"items":          kept,
	}}, nil
}

func (h *Handler) trends(items []any) (agent.Result, error) {
	counts := make(map[string]int)
	for _, it := range items {
		m, ok := it.(map[string]any)
		if !ok {
			continue
		}
		text := strings.ToLower(itemText(m))
		for term := range h.keywords {
			if strings.Contains(text, term) {
				counts[term]++
			}
		}
	}

	type trend struct {
		Term  string `json:"term"`
		Count int    `json:"count"`
	}
	out := make([]trend, 0, len(counts))
	for term, n := range counts {
		out = append(out, trend{Term: term, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Term < out[j].Term
	})

	trendsAny := make([]any, len(out))
	for i, tr := range out {
		trendsAny[i] = map[string]any{"term": tr.Term, "count": tr.Count}
	}
	return agent.Result{Detail: map[string]any{
		"items_analyzed": len(items),
		"trends":         trendsAny,
	}}, nil
}

func (h *Handler) filter(items []any) (agent.Result, error) {
	var kept []any
	for _, it := range items {
		m, ok := it.(map[string]any)
		if !ok {
			continue
		}
		if itemScore(m) >= h.minScore {
			kept = append(kept, m)
		}
	}
	return agent.Result{Detail: map[string]any{
		"items_analyzed": len(kept),
		"items":          kept,
	}}, nil
}

// score sums keyword weights found in text. Title hits are implicit since
// the title is part of the text.
func (h *Handler) score(text string) float64 {
	text = strings.ToLower(text)
	var score float64
	for term, weight := range h.keywords {
		if strings.Contains(text, term) {
			score += weight
		}
	}
	return score
}

func (h *Handler) categorize(text string) string {
	text = strings.ToLower(text)

	// Deterministic iteration so the same item always lands in the same
	// category.
	names := make([]string, 0, len(h.categories))
	for name := range h.categories {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		for _, term := range h.categories[name] {
			if strings.Contains(text, strings.ToLower(term)) {
				return name
			}
		}
	}
	return "general"
}

func (h *Handler) Probe(ctx context.Context) error {
	_ = ctx
	if len(h.keywords) == 0 {
		return fmt.Errorf("no keywords configured")
	}
	return nil
}

func (h *Handler) Shutdown(ctx context.Context) error {
	_ = ctx
	return nil
}

func payloadItems(payload map[string]any) []any {
	items, _ := payload["items"].([]any)
	return items
}

func itemText(m map[string]any) string {
	title, _ := m["title"].(string)
	content, _ := m["content"].(string)
	return title + " " + content
}

func itemScore(it any) float64 {
	m, ok := it.(map[string]any)
	if !ok {
		return 0
	}
	switch v := m["score"].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return 0
	}
}

func cloneItem(m map[string]any) map[string]any {
	out := make(map[string]any, len(m)+2)
	for k, v := range m {
		out[k] = v
	}
	return out
}
