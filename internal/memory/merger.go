package memory

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// MergeStrategy picks the ranking applied to merged items.
type MergeStrategy string

const (
	// StrategyRelevance ranks purely by relevance score.
	StrategyRelevance MergeStrategy = "relevance"
	// StrategyRecency ranks by timestamp, newest first; undated items
	// sink to the bottom.
	StrategyRecency MergeStrategy = "recency"
	// StrategySourcePriority boosts items from the sources the intent
	// classifier suggested, then ranks by relevance.
	StrategySourcePriority MergeStrategy = "source_priority"
)

// IsValid reports whether the strategy is one of the known values.
func (s MergeStrategy) IsValid() bool {
	switch s {
	case StrategyRelevance, StrategyRecency, StrategySourcePriority:
		return true
	}
	return false
}

const (
	// defaultMaxItems caps merged results.
	defaultMaxItems = 20
	// dedupSimilarity is the Jaccard threshold above which two items
	// from the same source and type count as duplicates.
	dedupSimilarity = 0.9
	// dedupWindow is how much of the content participates in
	// similarity comparison.
	dedupWindow = 200
	// hashWindow is how much of the content participates in the exact
	// duplicate hash.
	hashWindow = 100
)

// MergeOptions tune merging. Zero values fall back to defaults.
type MergeOptions struct {
	Strategy  MergeStrategy
	MaxItems  int
	Threshold float64
}

// DefaultMergeOptions returns relevance ranking with a 20-item cap.
func DefaultMergeOptions() MergeOptions {
	return MergeOptions{
		Strategy:  StrategyRelevance,
		MaxItems:  defaultMaxItems,
		Threshold: dedupSimilarity,
	}
}

// Merge folds per-source outcomes into one QueryResult: failed sources
// land in the errors map, surviving items are deduplicated, ranked by
// the strategy, and truncated. TotalCount counts deduplicated items
// before truncation. Latency is the sum across sources.
func Merge(query string, intent IntentClassification, outcomes []Outcome, opts MergeOptions) QueryResult {
	if opts.MaxItems <= 0 {
		opts.MaxItems = defaultMaxItems
	}
	if opts.Threshold <= 0 {
		opts.Threshold = dedupSimilarity
	}
	if !opts.Strategy.IsValid() {
		opts.Strategy = StrategyRelevance
	}

	result := QueryResult{
		Query:          query,
		Intent:         intent,
		SourcesQueried: make([]string, 0, len(outcomes)),
	}

	var items []MemoryItem
	for _, o := range outcomes {
		result.SourcesQueried = append(result.SourcesQueried, o.Name)
		if o.Err != nil {
			if result.Errors == nil {
				result.Errors = make(map[string]string)
			}
			result.Errors[o.Name] = o.Err.Error()
			continue
		}
		if o.Result.Error != "" {
			if result.Errors == nil {
				result.Errors = make(map[string]string)
			}
			result.Errors[o.Name] = o.Result.Error
			continue
		}
		result.LatencyMS += o.Result.LatencyMS
		for _, item := range o.Result.Items {
			if item.Source == "" {
				item.Source = o.Name
			}
			items = append(items, item)
		}
	}

	items = dedupe(items, opts.Threshold)
	rank(items, opts.Strategy, intent.SourcesSuggested)

	result.TotalCount = len(items)
	if len(items) > opts.MaxItems {
		items = items[:opts.MaxItems]
	}
	result.Items = items
	return result
}

// dedupe collapses duplicates, preferring the higher-relevance copy
// and the earlier copy on ties. Exact duplicates are caught by a
// cheap content hash; near-duplicates by word-set similarity within
// the same source and type.
func dedupe(items []MemoryItem, threshold float64) []MemoryItem {
	kept := make([]MemoryItem, 0, len(items))
	byHash := make(map[string]int)

	for _, item := range items {
		key := contentKey(item)
		if idx, ok := byHash[key]; ok {
			if item.Relevance > kept[idx].Relevance {
				kept[idx] = item
			}
			continue
		}

		dup := -1
		for i := range kept {
			if kept[i].Source != item.Source || kept[i].Type != item.Type {
				continue
			}
			if jaccardSimilarity(kept[i].Content, item.Content) >= threshold {
				dup = i
				break
			}
		}
		if dup >= 0 {
			if item.Relevance > kept[dup].Relevance {
				byHash[key] = dup
				delete(byHash, contentKey(kept[dup]))
				kept[dup] = item
			}
			continue
		}

		byHash[key] = len(kept)
		kept = append(kept, item)
	}
	return kept
}

// contentKey is a 16-character fingerprint for exact duplicates.
func contentKey(item MemoryItem) string {
	content := item.Content
	if len(content) > hashWindow {
		content = content[:hashWindow]
	}
	sum := sha256.Sum256([]byte(item.Source + ":" + item.Summary + ":" + content))
	return hex.EncodeToString(sum[:])[:16]
}

// jaccardSimilarity compares the word sets of the leading content
// windows. Empty contents are only similar to other empty contents.
func jaccardSimilarity(a, b string) float64 {
	setA := wordSet(a)
	setB := wordSet(b)
	if len(setA) == 0 && len(setB) == 0 {
		return 1.0
	}
	if len(setA) == 0 || len(setB) == 0 {
		return 0.0
	}
	intersection := 0
	for w := range setA {
		if _, ok := setB[w]; ok {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	return float64(intersection) / float64(union)
}

func wordSet(s string) map[string]struct{} {
	s = strings.ToLower(s)
	if len(s) > dedupWindow {
		s = s[:dedupWindow]
	}
	set := make(map[string]struct{})
	for _, w := range strings.Fields(s) {
		set[w] = struct{}{}
	}
	return set
}

// rank orders items in place by the chosen strategy. Sorting is stable
// so equal items keep source order.
func rank(items []MemoryItem, strategy MergeStrategy, suggested []string) {
	switch strategy {
	case StrategyRecency:
		sort.SliceStable(items, func(i, j int) bool {
			ti, tj := items[i].Timestamp, items[j].Timestamp
			switch {
			case ti == nil && tj == nil:
				return items[i].Relevance > items[j].Relevance
			case ti == nil:
				return false
			case tj == nil:
				return true
			case !ti.Equal(*tj):
				return ti.After(*tj)
			default:
				return items[i].Relevance > items[j].Relevance
			}
		})
	case StrategySourcePriority:
		boost := make(map[string]bool, len(suggested))
		for _, name := range suggested {
			boost[name] = true
		}
		sort.SliceStable(items, func(i, j int) bool {
			bi, bj := boost[items[i].Source], boost[items[j].Source]
			if bi != bj {
				return bi
			}
			return items[i].Relevance > items[j].Relevance
		})
	default:
		sort.SliceStable(items, func(i, j int) bool {
			return items[i].Relevance > items[j].Relevance
		})
	}
}
