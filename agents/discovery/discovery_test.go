package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"newsflow/internal/agent"
	logx "newsflow/pkg/logx"
)

const indexHTML = `<!DOCTYPE html>
<html><body>
<a href="/nav">Home</a>
<a href="/articles/1">A very long article title about Go runtime internals</a>
<a href="/articles/2">Another sufficiently long headline about databases</a>
<a href="ftp://example.com/file">A long enough title with a non-http scheme</a>
</body></html>`

const articleHTML = `<!DOCTYPE html>
<html><head><title>Go runtime internals</title></head>
<body><p>First paragraph of the article.</p><p>Second paragraph.</p></body></html>`

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, indexHTML)
	})
	mux.HandleFunc("/articles/1", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, articleHTML)
	})
	mux.HandleFunc("/missing", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestHandler(t *testing.T, sources ...string) *Handler {
	t.Helper()
	cfg := Config{Sources: sources, Timeout: "2s"}
	raw, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	h, err := New(raw, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return h
}

func TestDiscoverExtractsArticleLinks(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)
	h := newTestHandler(t, srv.URL)

	res, err := h.Execute(context.Background(), agent.Task{Kind: agent.KindDiscoverFeeds})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	// Short nav links and non-http schemes are skipped.
	if got := res.Int("items_found"); got != 2 {
		t.Fatalf("items_found = %d, want 2", got)
	}
	items, _ := res.Detail["items"].([]any)
	first := items[0].(map[string]any)
	if first["url"] != srv.URL+"/articles/1" {
		t.Fatalf("first url = %v, want resolved absolute link", first["url"])
	}
	if first["source"] != srv.URL {
		t.Fatalf("source = %v, want %s", first["source"], srv.URL)
	}
}

func TestDiscoverDedupsAcrossRuns(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)
	h := newTestHandler(t, srv.URL)

	if _, err := h.Execute(context.Background(), agent.Task{Kind: agent.KindDiscoverFeeds}); err != nil {
		t.Fatalf("first run: %v", err)
	}
	res, err := h.Execute(context.Background(), agent.Task{Kind: agent.KindDiscoverFeeds})
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if got := res.Int("items_found"); got != 0 {
		t.Fatalf("second run found %d items, want 0 (already seen)", got)
	}
}

func TestDiscoverAllSourcesFailedIsTransient(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)
	h := newTestHandler(t, srv.URL)

	_, err := h.Execute(context.Background(), agent.Task{Kind: agent.KindDiscoverFeeds})
	if err == nil {
		t.Fatal("expected error when every source fails")
	}
	if agent.IsPermanent(err) {
		t.Fatalf("err = %v, want transient (5xx may recover)", err)
	}
}

func TestDiscoverPartialFailureSucceeds(t *testing.T) {
	t.Parallel()
	good := newTestServer(t)
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(bad.Close)
	h := newTestHandler(t, bad.URL, good.URL)

	res, err := h.Execute(context.Background(), agent.Task{Kind: agent.KindDiscoverFeeds})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := res.Int("sources_failed"); got != 1 {
		t.Fatalf("sources_failed = %d, want 1", got)
	}
	if got := res.Int("items_found"); got != 2 {
		t.Fatalf("items_found = %d, want 2 from the healthy source", got)
	}
}

func TestScrapeURL(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)
	h := newTestHandler(t, srv.URL)

	res, err := h.Execute(context.Background(), agent.Task{
		Kind:    agent.KindScrapeURL,
		Payload: map[string]any{"url": srv.URL + "/articles/1"},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	items, _ := res.Detail["items"].([]any)
	if len(items) != 1 {
		t.Fatalf("items len = %d, want 1", len(items))
	}
	item := items[0].(map[string]any)
	if item["title"] != "Go runtime internals" {
		t.Fatalf("title = %v", item["title"])
	}
	content, _ := item["content"].(string)
	if content == "" {
		t.Fatal("empty scraped content")
	}
}

func TestScrapeMissingURLIsPermanent(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)
	h := newTestHandler(t, srv.URL)

	_, err := h.Execute(context.Background(), agent.Task{Kind: agent.KindScrapeURL})
	if !agent.IsPermanent(err) {
		t.Fatalf("err = %v, want permanent for missing payload url", err)
	}
}

func TestFetch404IsPermanent(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)
	h := newTestHandler(t, srv.URL)

	_, err := h.Execute(context.Background(), agent.Task{
		Kind:    agent.KindScrapeURL,
		Payload: map[string]any{"url": srv.URL + "/missing"},
	})
	if !agent.IsPermanent(err) {
		t.Fatalf("err = %v, want permanent for 404", err)
	}
}

func TestSearchQueryFiltersByTitle(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)
	h := newTestHandler(t, srv.URL)

	res, err := h.Execute(context.Background(), agent.Task{
		Kind:    agent.KindSearchQuery,
		Payload: map[string]any{"query": "runtime"},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := res.Int("items_found"); got != 1 {
		t.Fatalf("items_found = %d, want 1 matching title", got)
	}
}

func TestSearchMissingQueryIsPermanent(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)
	h := newTestHandler(t, srv.URL)

	_, err := h.Execute(context.Background(), agent.Task{Kind: agent.KindSearchQuery})
	if !agent.IsPermanent(err) {
		t.Fatalf("err = %v, want permanent for missing query", err)
	}
}

func TestNewRequiresSources(t *testing.T) {
	t.Parallel()
	if _, err := New(json.RawMessage(`{}`), logx.Nop()); err == nil {
		t.Fatal("expected error when no sources configured")
	}
	if _, err := New(json.RawMessage(`{"sources": ["https://a"], "timeout": "soon"}`), logx.Nop()); err == nil {
		t.Fatal("expected error for invalid timeout")
	}
}

func TestProbeHeadRequest(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)
	h := newTestHandler(t, srv.URL)
	if err := h.Probe(context.Background()); err != nil {
		t.Fatalf("Probe: %v", err)
	}

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(down.Close)
	hDown := newTestHandler(t, down.URL)
	if err := hDown.Probe(context.Background()); err == nil {
		t.Fatal("expected probe failure for 503")
	}
}
