package timing

import "fmt"

// recommendationKind selects one entry of a category's recommendation table.
type recommendationKind string

const (
	recCache    recommendationKind = "cache"
	recBatch    recommendationKind = "batch"
	recModel    recommendationKind = "model"
	recPrompt   recommendationKind = "prompt"
	recIndex    recommendationKind = "index"
	recOptimize recommendationKind = "optimize"
	recParallel recommendationKind = "parallel"
	recPool     recommendationKind = "pool"
	recTimeout  recommendationKind = "timeout"
	recEvict    recommendationKind = "evict"
	recSchema   recommendationKind = "schema"
)

type recommendation struct {
	kind recommendationKind
	text string
}

// Thresholds for picking a recommendation by average duration.
const (
	verySlowMs       = 5000.0
	moderatelySlowMs = 2000.0
)

// recommendationTable is ordered; the first entry is the fallback.
var recommendationTable = map[Category][]recommendation{
	CategoryLLM: {
		{recCache, "Cache LLM responses for repeated prompts"},
		{recBatch, "Batch LLM requests to reduce round trips"},
		{recModel, "Use a faster or smaller model for this operation"},
		{recPrompt, "Shorten the prompt to reduce token processing time"},
	},
	CategoryDatabase: {
		{recIndex, "Add indexes for the queried columns"},
		{recCache, "Cache frequently read query results"},
		{recBatch, "Batch database operations into fewer round trips"},
		{recOptimize, "Optimize the query plan and selected columns"},
	},
	CategoryCache: {
		{recEvict, "Tune the eviction policy to raise the hit rate"},
		{recPool, "Reuse cache connections through a pool"},
	},
	CategoryNetwork: {
		{recPool, "Reuse connections with keep-alive pooling"},
		{recCache, "Cache remote responses where they are stable"},
		{recBatch, "Batch remote calls into fewer requests"},
		{recTimeout, "Tighten timeouts and add retries with backoff"},
	},
	CategoryProcessing: {
		{recParallel, "Parallelize independent processing steps"},
		{recCache, "Memoize expensive intermediate results"},
		{recOptimize, "Profile and optimize the hot loop"},
	},
	CategoryValidation: {
		{recSchema, "Precompile validation schemas"},
		{recCache, "Cache validation results for identical inputs"},
	},
	CategoryOrchestration: {
		{recParallel, "Run independent sub-agents in parallel"},
		{recOptimize, "Reduce sequential hand-offs between agents"},
	},
}

// recommendationFor picks advice for an operation with the given average
// duration: cache for very slow operations, batch for moderately slow ones,
// otherwise the first entry of the category table.
func recommendationFor(category Category, operation string, avgMs float64) string {
	table, ok := recommendationTable[category]
	if !ok || len(table) == 0 {
		return fmt.Sprintf("Profile %s to find where time is spent", operation)
	}

	pick := func(kind recommendationKind) (string, bool) {
		for _, r := range table {
			if r.kind == kind {
				return r.text, true
			}
		}
		return "", false
	}

	if avgMs > verySlowMs {
		if text, ok := pick(recCache); ok {
			return text
		}
	}
	if avgMs > moderatelySlowMs {
		if text, ok := pick(recBatch); ok {
			return text
		}
	}
	return table[0].text
}

// categoryRecommendation is emitted for categories whose accumulated time is
// large enough to deserve a category-wide suggestion.
func categoryRecommendation(category Category, totalMs float64) string {
	switch category {
	case CategoryLLM:
		return fmt.Sprintf("LLM calls account for %.0fms; consider response caching and prompt reduction", totalMs)
	case CategoryDatabase:
		return fmt.Sprintf("Database operations account for %.0fms; review indexes and query batching", totalMs)
	case CategoryNetwork:
		return fmt.Sprintf("Network calls account for %.0fms; reuse connections and batch requests", totalMs)
	case CategoryCache:
		return fmt.Sprintf("Cache operations account for %.0fms; check cache locality and hit rate", totalMs)
	case CategoryProcessing:
		return fmt.Sprintf("Processing accounts for %.0fms; parallelize independent work", totalMs)
	case CategoryValidation:
		return fmt.Sprintf("Validation accounts for %.0fms; precompile schemas and skip redundant checks", totalMs)
	case CategoryOrchestration:
		return fmt.Sprintf("Orchestration accounts for %.0fms; reduce sequential agent hand-offs", totalMs)
	default:
		return fmt.Sprintf("%s operations account for %.0fms; profile them for hotspots", category, totalMs)
	}
}
