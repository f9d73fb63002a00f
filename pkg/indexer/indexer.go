// Package indexer implements the TieredIndexer (C11): a primary/secondary/
// tertiary metadata source cascade with dedup, similarity-weighted
// cross-referencing, and an LRU search cache for the primary tier.
package indexer

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

// Tier ranks an Indexer's position in the cascade.
type Tier int

const (
	TierPrimary Tier = iota
	TierSecondary
	TierTertiary
)

// UniversalMetadata is the normalized entry shape shared by every indexer,
// matching the data model's UniversalMetadata.
type UniversalMetadata struct {
	SourceIndexer     string
	SourceID          string
	Title             string
	AlternativeTitles map[string]string
	Description       string
	Year              int
	Type              string
	Genres            []string
	ConfidenceScore   float64
	DataCompleteness  float64 // supplemented: filled-field ratio, informational only; set by the Indexer, never computed by the Dispatcher
}

// Indexer is the shared interface every tier implements (§4.11).
type Indexer interface {
	Name() string
	Tier() Tier
	Search(ctx context.Context, query string, limit int) ([]UniversalMetadata, error)
	GetDetails(ctx context.Context, id string) (*UniversalMetadata, error)
	TestConnection(ctx context.Context) bool
}

var tierPriority = map[Tier]int{TierPrimary: 1, TierSecondary: 2, TierTertiary: 3}

// Dispatcher runs the tier cascade over a set of registered Indexers.
type Dispatcher struct {
	logger   *zap.Logger
	indexers []Indexer

	cache *lru.Cache[string, cacheEntry]

	// tiers maps a lowercased SourceIndexer name to its tier priority, so
	// sortResults can resolve priority without a package-level singleton.
	tiers map[string]int
}

type cacheEntry struct {
	results []UniversalMetadata
	at      time.Time
}

const primaryCacheTTL = 5 * time.Minute

// NewDispatcher builds a Dispatcher over indexers, ordered tier-ascending
// by the caller. cacheSize bounds the primary-tier search cache.
func NewDispatcher(logger *zap.Logger, indexers []Indexer, cacheSize int) (*Dispatcher, error) {
	if cacheSize <= 0 {
		cacheSize = 256
	}
	cache, err := lru.New[string, cacheEntry](cacheSize)
	if err != nil {
		return nil, err
	}

	tiers := make(map[string]int, len(indexers))
	for _, idx := range indexers {
		tiers[strings.ToLower(idx.Name())] = tierPriority[idx.Tier()]
	}

	return &Dispatcher{logger: logger, indexers: indexers, cache: cache, tiers: tiers}, nil
}

// Search runs the tier cascade: query indexers in order, stopping once the
// primary tier yields ≥ minResults and useFallback is false; otherwise
// continue accumulating through the remaining tiers with a short pause
// between them.
func (d *Dispatcher) Search(ctx context.Context, query string, limit int, useFallback bool, minResults int) []UniversalMetadata {
	var all []UniversalMetadata

	for i, idx := range d.indexers {
		results := d.searchOne(ctx, idx, query, limit)
		all = append(all, results...)

		if idx.Tier() == TierPrimary && len(results) >= minResults && !useFallback {
			break
		}

		if i < len(d.indexers)-1 {
			select {
			case <-ctx.Done():
				break
			case <-time.After(500 * time.Millisecond):
			}
		}
	}

	deduped := deduplicate(all)
	d.sortResults(deduped)

	if len(deduped) > limit {
		deduped = deduped[:limit]
	}
	return deduped
}

func (d *Dispatcher) searchOne(ctx context.Context, idx Indexer, query string, limit int) []UniversalMetadata {
	if idx.Tier() == TierPrimary {
		key := query
		if entry, ok := d.cache.Get(key); ok && time.Since(entry.at) < primaryCacheTTL {
			return entry.results
		}
	}

	results, err := idx.Search(ctx, query, limit)
	if err != nil {
		d.logger.Warn("indexer search failed", zap.String("indexer", idx.Name()), zap.Error(err))
		return nil
	}

	if idx.Tier() == TierPrimary {
		d.cache.Add(query, cacheEntry{results: results, at: time.Now()})
	}
	return results
}

var punctuationRE = regexp.MustCompile(`[^\w\s]`)
var whitespaceRE = regexp.MustCompile(`\s+`)

// normalizeTitle strips punctuation, collapses whitespace, and lowercases,
// matching the original's _normalize_title exactly.
func normalizeTitle(title string) string {
	stripped := punctuationRE.ReplaceAllString(strings.ToLower(title), "")
	return strings.TrimSpace(whitespaceRE.ReplaceAllString(stripped, " "))
}

// deduplicate removes entries whose normalized title collides, keeping the
// one with higher ConfidenceScore.
func deduplicate(results []UniversalMetadata) []UniversalMetadata {
	if len(results) == 0 {
		return nil
	}

	var out []UniversalMetadata
	seen := make(map[string]int) // normalized title -> index in out

	for _, r := range results {
		norm := normalizeTitle(r.Title)
		if idx, ok := seen[norm]; ok {
			if r.ConfidenceScore > out[idx].ConfidenceScore {
				out[idx] = r
			}
			continue
		}
		seen[norm] = len(out)
		out = append(out, r)
	}
	return out
}

// sortResults orders by (tier_priority, -confidence, -len(description), title).
func (d *Dispatcher) sortResults(results []UniversalMetadata) {
	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i], results[j]
		pa, pb := d.tierPriorityFor(a.SourceIndexer), d.tierPriorityFor(b.SourceIndexer)
		if pa != pb {
			return pa < pb
		}
		if a.ConfidenceScore != b.ConfidenceScore {
			return a.ConfidenceScore > b.ConfidenceScore
		}
		if len(a.Description) != len(b.Description) {
			return len(a.Description) > len(b.Description)
		}
		return strings.ToLower(a.Title) < strings.ToLower(b.Title)
	})
}

func (d *Dispatcher) tierPriorityFor(sourceIndexer string) int {
	if p, ok := d.tiers[strings.ToLower(sourceIndexer)]; ok {
		return p
	}
	return 999
}

// CrossReference searches every indexer other than target's own source for
// the best-matching entry, by title and up to 2 alternative titles (≤3
// search terms total), accepting matches scoring ≥ 0.7.
func (d *Dispatcher) CrossReference(ctx context.Context, target UniversalMetadata) map[string]UniversalMetadata {
	out := make(map[string]UniversalMetadata)

	terms := []string{target.Title}
	for _, alt := range target.AlternativeTitles {
		if len(terms) >= 3 {
			break
		}
		terms = append(terms, alt)
	}

	for _, idx := range d.indexers {
		if strings.EqualFold(idx.Name(), target.SourceIndexer) {
			continue
		}

		var best *UniversalMetadata
		var bestScore float64

		for _, term := range terms {
			results, err := idx.Search(ctx, term, 10)
			if err != nil {
				d.logger.Warn("cross-reference search failed", zap.String("indexer", idx.Name()), zap.Error(err))
				continue
			}
			for _, candidate := range results {
				score := similarityScore(target, candidate)
				if score > bestScore {
					s := score
					c := candidate
					c.ConfidenceScore = s
					best = &c
					bestScore = s
				}
			}
			select {
			case <-ctx.Done():
				return out
			case <-time.After(300 * time.Millisecond):
			}
		}

		if best != nil && bestScore >= 0.7 {
			out[strings.ToLower(idx.Name())] = *best
		}
	}

	return out
}

// similarityScore computes the weighted cross-reference score: 0.5 title +
// 0.2 best alt title + 0.1 year + 0.1 type + 0.1 genre overlap.
func similarityScore(target, candidate UniversalMetadata) float64 {
	score := 0.0

	score += sequenceRatio(normalizeTitle(target.Title), normalizeTitle(candidate.Title)) * 0.5

	if len(target.AlternativeTitles) > 0 && len(candidate.AlternativeTitles) > 0 {
		best := 0.0
		for _, ta := range target.AlternativeTitles {
			for _, ca := range candidate.AlternativeTitles {
				if r := sequenceRatio(normalizeTitle(ta), normalizeTitle(ca)); r > best {
					best = r
				}
			}
		}
		score += best * 0.2
	}

	if target.Year != 0 && candidate.Year != 0 {
		diff := target.Year - candidate.Year
		if diff < 0 {
			diff = -diff
		}
		switch {
		case diff <= 1:
			score += 0.1
		case diff <= 2:
			score += 0.05
		}
	}

	if target.Type != "" && candidate.Type != "" && strings.EqualFold(target.Type, candidate.Type) {
		score += 0.1
	}

	if len(target.Genres) > 0 && len(candidate.Genres) > 0 {
		score += jaccard(target.Genres, candidate.Genres) * 0.1
	}

	if score > 1.0 {
		score = 1.0
	}
	return score
}

func jaccard(a, b []string) float64 {
	setA := make(map[string]struct{}, len(a))
	for _, g := range a {
		setA[strings.ToLower(g)] = struct{}{}
	}
	setB := make(map[string]struct{}, len(b))
	for _, g := range b {
		setB[strings.ToLower(g)] = struct{}{}
	}

	union := make(map[string]struct{}, len(setA)+len(setB))
	overlap := 0
	for g := range setA {
		union[g] = struct{}{}
		if _, ok := setB[g]; ok {
			overlap++
		}
	}
	for g := range setB {
		union[g] = struct{}{}
	}
	if len(union) == 0 {
		return 0
	}
	return float64(overlap) / float64(len(union))
}

// sequenceRatio is a Ratcliff/Obershelp-style similarity ratio, matching
// Python's difflib.SequenceMatcher.ratio() semantics (2*M / T where M is
// total matched characters and T is the combined length of both strings).
func sequenceRatio(a, b string) float64 {
	if a == "" && b == "" {
		return 1.0
	}
	matches := matchingBlocksLength(a, b)
	total := len(a) + len(b)
	if total == 0 {
		return 0
	}
	return 2.0 * float64(matches) / float64(total)
}

// matchingBlocksLength finds the longest common substring recursively on
// both sides, accumulating total matched length — the core of the
// Ratcliff/Obershelp algorithm.
func matchingBlocksLength(a, b string) int {
	if a == "" || b == "" {
		return 0
	}
	ai, bi, length := longestMatch(a, b)
	if length == 0 {
		return 0
	}
	return length + matchingBlocksLength(a[:ai], b[:bi]) + matchingBlocksLength(a[ai+length:], b[bi+length:])
}

func longestMatch(a, b string) (aStart, bStart, length int) {
	bIndex := make(map[byte][]int, len(b))
	for i := 0; i < len(b); i++ {
		bIndex[b[i]] = append(bIndex[b[i]], i)
	}

	prev := make(map[int]int)
	for i := 0; i < len(a); i++ {
		cur := make(map[int]int)
		for _, j := range bIndex[a[i]] {
			runLen := prev[j-1] + 1
			cur[j] = runLen
			if runLen > length {
				length = runLen
				aStart = i - runLen + 1
				bStart = j - runLen + 1
			}
		}
		prev = cur
	}
	return
}
