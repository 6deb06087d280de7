// Package compose implements the composition stage: rendering a newsletter
// (HTML + plain text) from the analyzed backlog.
package compose

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	htmltemplate "html/template"
	"os"
	"path/filepath"
	"sort"
	"strings"
	texttemplate "text/template"
	"time"

	"newsflow/internal/agent"
	logx "newsflow/pkg/logx"
)

type Config struct {
	Title     string `json:"title,omitempty"`
	MaxItems  int    `json:"max_items,omitempty"`
	OutputDir string `json:"output_dir,omitempty"` // empty: render only, don't write
}

type Handler struct {
	title     string
	maxItems  int
	outputDir string
	log       logx.Logger

	htmlTmpl *htmltemplate.Template
	textTmpl *texttemplate.Template
}

type renderItem struct {
	Title    string
	URL      string
	Category string
	Score    float64
}

type renderData struct {
	Title string
	Date  string
	Items []renderItem
}

const htmlSrc = `<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>{{.Title}}</title></head>
<body>
<h1>{{.Title}}</h1>
<p>{{.Date}}</p>
{{range .Items}}<div>
  <h2><a href="{{.URL}}">{{.Title}}</a></h2>
  <p>{{.Category}}</p>
</div>
{{end}}</body>
</html>
`

const textSrc = `{{.Title}} — {{.Date}}

{{range .Items}}* {{.Title}}
  {{.URL}}
{{end}}`

func New(raw json.RawMessage, log logx.Logger) (*Handler, error) {
	var cfg Config
	if len(raw) > 0 {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&cfg); err != nil {
			return nil, fmt.Errorf("compose config: %w", err)
		}
	}
	title := strings.TrimSpace(cfg.Title)
	if title == "" {
		title = "Newsflow Digest"
	}
	maxItems := cfg.MaxItems
	if maxItems <= 0 {
		maxItems = 15
	}

	return &Handler{
		title:     title,
		maxItems:  maxItems,
		outputDir: strings.TrimSpace(cfg.OutputDir),
		log:       log,
		htmlTmpl:  htmltemplate.Must(htmltemplate.New("html").Parse(htmlSrc)),
		textTmpl:  texttemplate.Must(texttemplate.New("text").Parse(textSrc)),
	}, nil
}

func (h *Handler) Execute(ctx context.Context, t agent.Task) (agent.Result, error) {
	_ = ctx
	items := collect(t.Payload)

	switch t.Kind {
	case agent.KindGenerateNewsletter:
		return h.newsletter(items)
	case agent.KindCreateSummary:
		return h.summary(items)
	case agent.KindFormatContent:
		return h.format(items)
	default:
		return agent.Result{}, agent.Permanent(fmt.Errorf("unsupported kind %q", t.Kind))
	}
}

func (h *Handler) newsletter(items []renderItem) (agent.Result, error) {
	if len(items) == 0 {
		return agent.Result{}, agent.Permanent(fmt.Errorf("generate_newsletter: no items in payload"))
	}
	if len(items) > h.maxItems {
		items = items[:h.maxItems]
	}
	data := renderData{
		Title: h.title,
		Date:  time.Now().Format("January 2, 2006"),
		Items: items,
	}

	var html, text bytes.Buffer
	if err := h.htmlTmpl.Execute(&html, data); err != nil {
		return agent.Result{}, agent.Permanent(fmt.Errorf("render html: %w", err))
	}
	if err := h.textTmpl.Execute(&text, data); err != nil {
		return agent.Result{}, agent.Permanent(fmt.Errorf("render text: %w", err))
	}

	detail := map[string]any{
		"items_included": len(items),
		"html_bytes":     html.Len(),
		"text_bytes":     text.Len(),
	}
	if h.outputDir != "" {
		stamp := time.Now().Format("20060102-150405")
		if err := os.MkdirAll(h.outputDir, 0o755); err != nil {
			return agent.Result{}, fmt.Errorf("output dir: %w", err)
		}
		htmlPath := filepath.Join(h.outputDir, "newsletter-"+stamp+".html")
		textPath := filepath.Join(h.outputDir, "newsletter-"+stamp+".txt")
		if err := os.WriteFile(htmlPath, html.Bytes(), 0o644); err != nil {
			return agent.Result{}, fmt.Errorf("write newsletter: %w", err)
		}
		if err := os.WriteFile(textPath, text.Bytes(), 0o644); err != nil {
			return agent.Result{}, fmt.Errorf("write newsletter: %w", err)
		}
		detail["html_path"] = htmlPath
		detail["text_path"] = textPath
	}

	h.log.Info("newsletter rendered",
		logx.Int("items", len(items)),
		logx.Int("html_bytes", html.Len()),
	)
	return agent.Result{Detail: detail}, nil
}

func (h *Handler) summary(items []renderItem) (agent.Result, error) {
	n := len(items)
	if n > 5 {
		items = items[:5]
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d items", n)
	if len(items) > 0 {
		sb.WriteString(": ")
		titles := make([]string, len(items))
		for i, it := range items {
			titles[i] = it.Title
		}
		sb.WriteString(strings.Join(titles, "; "))
	}
	return agent.Result{Detail: map[string]any{
		"items_included": n,
		"summary":        sb.String(),
	}}, nil
}

func (h *Handler) format(items []renderItem) (agent.Result, error) {
	var sb strings.Builder
	for _, it := range items {
		fmt.Fprintf(&sb, "- [%s](%s)\n", it.Title, it.URL)
	}
	return agent.Result{Detail: map[string]any{
		"items_included": len(items),
		"markdown":       sb.String(),
	}}, nil
}

func (h *Handler) Probe(ctx context.Context) error {
	_ = ctx
	// Render against empty data so a broken template surfaces in health
	// instead of at newsletter time.
	var buf bytes.Buffer
	return h.textTmpl.Execute(&buf, renderData{Title: h.title})
}

func (h *Handler) Shutdown(ctx context.Context) error {
	_ = ctx
	return nil
}

// collect converts the opaque payload items into render items, highest
// score first.
func collect(payload map[string]any) []renderItem {
	raw, _ := payload["items"].([]any)
	out := make([]renderItem, 0, len(raw))
	for _, it := range raw {
		m, ok := it.(map[string]any)
		if !ok {
			continue
		}
		title, _ := m["title"].(string)
		link, _ := m["url"].(string)
		if title == "" || link == "" {
			continue
		}
		category, _ := m["category"].(string)
		score, _ := m["score"].(float64)
		out = append(out, renderItem{Title: title, URL: link, Category: category, Score: score})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}
