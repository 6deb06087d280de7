// Package discovery implements the discovery stage: it fetches configured
// pages and extracts candidate content items (links with titles).
package discovery

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"

	"newsflow/internal/agent"
	logx "newsflow/pkg/logx"
)

type Config struct {
	Sources           []string `json:"sources"`
	Timeout           string   `json:"timeout,omitempty"` // per-request, Go duration string
	MaxItemsPerSource int      `json:"max_items_per_source,omitempty"`
	UserAgent         string   `json:"user_agent,omitempty"`
}

const (
	defaultTimeout      = 20 * time.Second
	defaultMaxPerSource = 25
	defaultUserAgent    = "newsflow/1.0 (+https://github.com/newsflow)"

	// Link texts shorter than this are almost always navigation, not articles.
	minTitleLen = 16
)

type Handler struct {
	sources   []string
	maxItems  int
	userAgent string
	client    *http.Client
	log       logx.Logger

	mu   sync.Mutex
	seen map[string]struct{} // url hash, dedup across runs
}

func New(raw json.RawMessage, log logx.Logger) (*Handler, error) {
	var cfg Config
	if len(raw) > 0 {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&cfg); err != nil {
			return nil, fmt.Errorf("discovery config: %w", err)
		}
	}
	if len(cfg.Sources) == 0 {
		return nil, fmt.Errorf("discovery config: at least one source is required")
	}

	timeout := defaultTimeout
	if s := strings.TrimSpace(cfg.Timeout); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil {
			return nil, fmt.Errorf("discovery config: invalid timeout %q: %w", s, err)
		}
		if d > 0 {
			timeout = d
		}
	}
	maxItems := cfg.MaxItemsPerSource
	if maxItems <= 0 {
		maxItems = defaultMaxPerSource
	}
	ua := strings.TrimSpace(cfg.UserAgent)
	if ua == "" {
		ua = defaultUserAgent
	}

	return &Handler{
		sources:   cfg.Sources,
		maxItems:  maxItems,
		userAgent: ua,
		client:    &http.Client{Timeout: timeout},
		log:       log,
		seen:      make(map[string]struct{}),
	}, nil
}

func (h *Handler) Execute(ctx context.Context, t agent.Task) (agent.Result, error) {
	switch t.Kind {
	case agent.KindDiscoverFeeds:
		return h.discover(ctx)
	case agent.KindScrapeURL:
		return h.scrape(ctx, t.Payload)
	case agent.KindSearchQuery:
		return h.search(ctx, t.Payload)
	default:
		return agent.Result{}, agent.Permanent(fmt.Errorf("unsupported kind %q", t.Kind))
	}
}

func (h *Handler) discover(ctx context.Context) (agent.Result, error) {
	var (
		items  []any
		failed int
	)
	for _, src := range h.sources {
		found, err := h.extractLinks(ctx, src)
		if err != nil {
			failed++
			h.log.Warn("source fetch failed", logx.String("source", src), logx.Err(err))
			continue
		}
		items = append(items, found...)
	}
	if failed == len(h.sources) {
		return agent.Result{}, fmt.Errorf("all %d sources failed", failed)
	}
	h.log.Info("discovery run finished",
		logx.Int("items_found", len(items)),
		logx.Int("sources", len(h.sources)),
		logx.Int("sources_failed", failed),
	)
	return agent.Result{Detail: map[string]any{
		"items_found":    len(items),
		"items":          items,
		"sources_failed": failed,
	}}, nil
}

func (h *Handler) scrape(ctx context.Context, payload map[string]any) (agent.Result, error) {
	target, _ := payload["url"].(string)
	if strings.TrimSpace(target) == "" {
		return agent.Result{}, agent.Permanent(fmt.Errorf("scrape_url: payload url is required"))
	}

	doc, err := h.fetch(ctx, target)
	if err != nil {
		return agent.Result{}, err
	}

	title := strings.TrimSpace(doc.Find("title").First().Text())
	var sb strings.Builder
	doc.Find("p").Each(func(_ int, sel *goquery.Selection) {
		text := strings.TrimSpace(sel.Text())
		if text != "" {
			sb.WriteString(text)
			sb.WriteString("\n")
		}
	})

	item := map[string]any{
		"title":    title,
		"url":      target,
		"content":  sb.String(),
		"found_at": time.Now().Format(time.RFC3339),
	}
	return agent.Result{Detail: map[string]any{
		"items_found": 1,
		"items":       []any{item},
	}}, nil
}

func (h *Handler) search(ctx context.Context, payload map[string]any) (agent.Result, error) {
	query, _ := payload["query"].(string)
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return agent.Result{}, agent.Permanent(fmt.Errorf("search_query: payload query is required"))
	}

	var (
		items  []any
		failed int
	)
	for _, src := range h.sources {
		found, err := h.extractLinks(ctx, src)
		if err != nil {
			failed++
			continue
		}
		for _, it := range found {
			m, ok := it.(map[string]any)
			if !ok {
				continue
			}
			title, _ := m["title"].(string)
			if strings.Contains(strings.ToLower(title), query) {
				items = append(items, m)
			}
		}
	}
	if failed == len(h.sources) {
		return agent.Result{}, fmt.Errorf("all %d sources failed", failed)
	}
	return agent.Result{Detail: map[string]any{
		"items_found": len(items),
		"items":       items,
		"query":       query,
	}}, nil
}

func (h *Handler) extractLinks(ctx context.Context, src string) ([]any, error) {
	doc, err := h.fetch(ctx, src)
	if err != nil {
		return nil, err
	}
	base, err := url.Parse(src)
	if err != nil {
		return nil, fmt.Errorf("bad source url %q: %w", src, err)
	}

	now := time.Now().Format(time.RFC3339)
	var items []any
	doc.Find("a[href]").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		title := strings.Join(strings.Fields(sel.Text()), " ")
		if len(title) < minTitleLen {
			return true
		}
		href, _ := sel.Attr("href")
		ref, err := url.Parse(href)
		if err != nil {
			return true
		}
		abs := base.ResolveReference(ref)
		if abs.Scheme != "http" && abs.Scheme != "https" {
			return true
		}
		link := abs.String()
		if !h.markNew(link) {
			return true
		}
		items = append(items, map[string]any{
			"title":    title,
			"url":      link,
			"source":   src,
			"found_at": now,
		})
		return len(items) < h.maxItems
	})
	return items, nil
}

func (h *Handler) fetch(ctx context.Context, target string) (*goquery.Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, agent.Permanent(fmt.Errorf("bad url %q: %w", target, err))
	}
	req.Header.Set("User-Agent", h.userAgent)

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %q: %w", target, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// Client errors won't fix themselves on retry.
		err := fmt.Errorf("fetch %q: status %d", target, resp.StatusCode)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return nil, agent.Permanent(err)
		}
		return nil, err
	}

	body := io.LimitReader(resp.Body, 4<<20)
	doc, err := goquery.NewDocumentFromReader(body)
	if err != nil {
		return nil, fmt.Errorf("parse %q: %w", target, err)
	}
	return doc, nil
}

// markNew records a URL and reports whether it was unseen.
func (h *Handler) markNew(link string) bool {
	sum := sha256.Sum256([]byte(link))
	key := hex.EncodeToString(sum[:16])

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.seen[key]; ok {
		return false
	}
	// Bound the dedup set; discovery is best-effort, re-finding very old
	// links is acceptable.
	if len(h.seen) > 50000 {
		h.seen = make(map[string]struct{})
	}
	h.seen[key] = struct{}{}
	return true
}

// Probe verifies the first source answers a HEAD request in time.
func (h *Handler) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, h.sources[0], nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", h.userAgent)
	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("probe %q: status %d", h.sources[0], resp.StatusCode)
	}
	return nil
}

func (h *Handler) Shutdown(ctx context.Context) error {
	_ = ctx
	h.client.CloseIdleConnections()
	return nil
}
