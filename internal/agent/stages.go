package agent

// Well-known pipeline stages. Handlers for other stages can be registered
// too; these are the ones the coordinator drives.
const (
	StageDiscovery   = "discovery"
	StageAnalysis    = "analysis"
	StageComposition = "composition"
)

// Task kinds per stage. Each stage's set is closed: the registry rejects
// anything outside it at enqueue time.
const (
	KindDiscoverFeeds = "discover_feeds"
	KindScrapeURL     = "scrape_url"
	KindSearchQuery   = "search_query"

	KindAnalyzeContent = "analyze_content"
	KindDetectTrends   = "detect_trends"
	KindFilterQuality  = "filter_quality"

	KindGenerateNewsletter = "generate_newsletter"
	KindCreateSummary      = "create_summary"
	KindFormatContent      = "format_content"
)

// StageKinds returns the closed kind set for a well-known stage, or nil for
// an unknown one.
func StageKinds(stage string) []string {
	switch stage {
	case StageDiscovery:
		return []string{KindDiscoverFeeds, KindScrapeURL, KindSearchQuery}
	case StageAnalysis:
		return []string{KindAnalyzeContent, KindDetectTrends, KindFilterQuality}
	case StageComposition:
		return []string{KindGenerateNewsletter, KindCreateSummary, KindFormatContent}
	default:
		return nil
	}
}
