package compose

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"newsflow/internal/agent"
	logx "newsflow/pkg/logx"
)

func newTestHandler(t *testing.T, raw string) *Handler {
	t.Helper()
	h, err := New(json.RawMessage(raw), logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return h
}

func analyzedItems(n int) map[string]any {
	items := make([]any, 0, n)
	for i := 0; i < n; i++ {
		items = append(items, map[string]any{
			"title":    "Story number " + string(rune('A'+i)),
			"url":      "https://example.com/" + string(rune('a'+i)),
			"category": "general",
			"score":    float64(n - i),
		})
	}
	return map[string]any{"items": items}
}

func TestNewsletterRendersBothFormats(t *testing.T) {
	t.Parallel()
	h := newTestHandler(t, `{"title": "Weekly Digest"}`)

	res, err := h.Execute(context.Background(), agent.Task{
		Kind:    agent.KindGenerateNewsletter,
		Payload: analyzedItems(3),
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := res.Int("items_included"); got != 3 {
		t.Fatalf("items_included = %d, want 3", got)
	}
	if res.Int("html_bytes") == 0 || res.Int("text_bytes") == 0 {
		t.Fatalf("empty render: %v", res.Detail)
	}
}

func TestNewsletterCapsItems(t *testing.T) {
	t.Parallel()
	h := newTestHandler(t, `{"max_items": 2}`)

	res, err := h.Execute(context.Background(), agent.Task{
		Kind:    agent.KindGenerateNewsletter,
		Payload: analyzedItems(5),
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := res.Int("items_included"); got != 2 {
		t.Fatalf("items_included = %d, want capped at 2", got)
	}
}

func TestNewsletterEmptyBacklogIsPermanent(t *testing.T) {
	t.Parallel()
	h := newTestHandler(t, `{}`)
	_, err := h.Execute(context.Background(), agent.Task{
		Kind:    agent.KindGenerateNewsletter,
		Payload: map[string]any{"items": []any{}},
	})
	if !agent.IsPermanent(err) {
		t.Fatalf("err = %v, want permanent (retrying cannot produce items)", err)
	}
}

func TestNewsletterWritesFiles(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	h := newTestHandler(t, `{"output_dir": `+quote(dir)+`}`)

	res, err := h.Execute(context.Background(), agent.Task{
		Kind:    agent.KindGenerateNewsletter,
		Payload: analyzedItems(2),
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	htmlPath, _ := res.Detail["html_path"].(string)
	if htmlPath == "" {
		t.Fatal("no html_path in detail")
	}
	b, err := os.ReadFile(htmlPath)
	if err != nil {
		t.Fatalf("read newsletter: %v", err)
	}
	if !strings.Contains(string(b), "Story number A") {
		t.Fatal("rendered newsletter missing item title")
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("wrote %d files, want html + text", len(entries))
	}
	for _, e := range entries {
		if filepath.Ext(e.Name()) != ".html" && filepath.Ext(e.Name()) != ".txt" {
			t.Fatalf("unexpected output file %q", e.Name())
		}
	}
}

func TestCollectSortsByScore(t *testing.T) {
	t.Parallel()
	items := collect(map[string]any{"items": []any{
		map[string]any{"title": "low", "url": "https://l", "score": 1.0},
		map[string]any{"title": "high", "url": "https://h", "score": 9.0},
		map[string]any{"title": "no url dropped"},
	}})
	if len(items) != 2 {
		t.Fatalf("collected %d items, want 2", len(items))
	}
	if items[0].Title != "high" {
		t.Fatalf("first item = %q, want highest score", items[0].Title)
	}
}

func TestSummary(t *testing.T) {
	t.Parallel()
	h := newTestHandler(t, `{}`)
	res, err := h.Execute(context.Background(), agent.Task{
		Kind:    agent.KindCreateSummary,
		Payload: analyzedItems(7),
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	summary, _ := res.Detail["summary"].(string)
	if !strings.HasPrefix(summary, "7 items") {
		t.Fatalf("summary = %q, want total count prefix", summary)
	}
	// Only the top five titles are listed.
	if strings.Count(summary, "Story number") != 5 {
		t.Fatalf("summary lists %d titles, want 5", strings.Count(summary, "Story number"))
	}
}

func TestFormatMarkdown(t *testing.T) {
	t.Parallel()
	h := newTestHandler(t, `{}`)
	res, err := h.Execute(context.Background(), agent.Task{
		Kind:    agent.KindFormatContent,
		Payload: analyzedItems(2),
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	md, _ := res.Detail["markdown"].(string)
	if !strings.Contains(md, "- [Story number A](https://example.com/a)") {
		t.Fatalf("markdown = %q", md)
	}
}

func TestProbeRendersTemplate(t *testing.T) {
	t.Parallel()
	h := newTestHandler(t, `{}`)
	if err := h.Probe(context.Background()); err != nil {
		t.Fatalf("Probe: %v", err)
	}
}

// quote JSON-quotes a string for embedding in a raw config literal.
func quote(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
