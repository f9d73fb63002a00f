// Package search implements FederatedSearch (C10): bounded fan-out search
// over many agents with deduplication, relevance ranking, post-merge
// pagination, and library-status tagging.
package search

import (
	"context"
	"math"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"go.uber.org/zap"

	"github.com/Futs/kuroibara/core/pkg/agent"
	"github.com/Futs/kuroibara/core/pkg/health"
	"github.com/Futs/kuroibara/core/pkg/registry"
)

const (
	searchTimeout       = 15 * time.Second
	maxRegularProviders = 20
)

// ProviderExternalID is the (provider, external_id) key used for batched
// library lookups.
type ProviderExternalID struct {
	Provider   string
	ExternalID string
}

// LibraryChecker is the optional output dependency (§6) that reports which
// of a batch of (provider, external_id) pairs are already in a user's
// library.
type LibraryChecker interface {
	InLibrary(ctx context.Context, userID string, pairs []ProviderExternalID) (map[ProviderExternalID]bool, error)
}

// Result is one federated search hit, after dedup/rank/paginate/tag.
type Result struct {
	Provider   string
	ExternalID string
	Title      string
	Extra      map[string]interface{}
	InLibrary  bool
}

// Response is the full federated search outcome.
type Response struct {
	Results             []Result
	ProvidersSearched   int
	ProvidersSuccessful int
	HasNext             bool
}

// FederatedSearch fans a query out over every eligible, healthy agent.
type FederatedSearch struct {
	registry *registry.Registry
	health   *health.Monitor
	library  LibraryChecker
	logger   *zap.Logger
}

// New creates a FederatedSearch. library may be nil (its absence is
// tolerated; InLibrary tagging is simply skipped).
func New(reg *registry.Registry, healthMonitor *health.Monitor, library LibraryChecker, logger *zap.Logger) *FederatedSearch {
	return &FederatedSearch{registry: reg, health: healthMonitor, library: library, logger: logger}
}

// Search executes the full federated search pipeline for query (§4.10).
// preferences, if non-empty, names agents to search first, in order.
func (f *FederatedSearch) Search(ctx context.Context, query string, page, limit int, userID string, preferences []string) (*Response, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 20
	}

	agents := f.orderAgents(preferences)

	resultsPerProvider := minInt(maxInt(limit, 20), 50)
	needed := page * limit
	n := maxInt(len(agents), 1)
	maxPages := minInt(int(math.Ceil(float64(needed)/float64(n*resultsPerProvider)))+1, 3)

	type perAgent struct {
		results []agent.SearchResult
		hasMore bool
		err     error
	}

	outcomes := make([]perAgent, len(agents))

	g, gctx := errgroup.WithContext(ctx)
	for i, a := range agents {
		i, a := i, a
		g.Go(func() error {
			outcomes[i] = f.searchOneAgent(gctx, a, query, resultsPerProvider, maxPages)
			return nil
		})
	}
	_ = g.Wait() // per-agent errors are captured in outcomes, never fatal to the aggregate

	var merged []struct {
		result   Result
		provider string
	}
	providersSearched := len(agents)
	providersSuccessful := 0
	anyHasMore := false

	for i, a := range agents {
		o := outcomes[i]
		if o.err != nil {
			f.logger.Debug("agent search failed", zap.String("agent", a.Descriptor.Name), zap.Error(o.err))
			continue
		}
		providersSuccessful++
		if o.hasMore {
			anyHasMore = true
		}
		for _, r := range o.results {
			merged = append(merged, struct {
				result   Result
				provider string
			}{
				result: Result{
					Provider:   a.Descriptor.Name,
					ExternalID: r.ExternalID,
					Title:      r.Title,
					Extra:      r.Extra,
				},
				provider: a.Descriptor.Name,
			})
		}
	}

	deduped := dedupe(merged)
	rank(deduped, query)

	offset := (page - 1) * limit
	end := minInt(offset+limit, len(deduped))
	var pageResults []Result
	if offset < len(deduped) {
		pageResults = deduped[offset:end]
	}

	if f.library != nil && userID != "" && len(pageResults) > 0 {
		f.tagInLibrary(ctx, userID, pageResults)
	}

	return &Response{
		Results:             pageResults,
		ProvidersSearched:   providersSearched,
		ProvidersSuccessful: providersSuccessful,
		HasNext:             offset+limit < len(deduped) || anyHasMore,
	}, nil
}

func (f *FederatedSearch) searchOneAgent(ctx context.Context, a *agent.Agent, query string, resultsPerProvider, maxPages int) struct {
	results []agent.SearchResult
	hasMore bool
	err     error
} {
	var out []agent.SearchResult
	hasMore := false

	for page := 1; page <= maxPages; page++ {
		callCtx, cancel := context.WithTimeout(ctx, searchTimeout)
		results, _, agentHasMore, err := a.Search(callCtx, query, page, resultsPerProvider)
		cancel()

		if err != nil {
			return struct {
				results []agent.SearchResult
				hasMore bool
				err     error
			}{out, hasMore, err}
		}

		out = append(out, results...)
		hasMore = agentHasMore

		if len(results) < resultsPerProvider {
			break
		}
	}

	return struct {
		results []agent.SearchResult
		hasMore bool
		err     error
	}{out, hasMore, nil}
}

// orderAgents puts preferred agents first (in the given order, if
// registered), then the rest ranked by health score descending, capped at
// maxRegularProviders. Preferences are never filtered by health: the
// normal per-call error path rejects an unhealthy preferred agent instead.
func (f *FederatedSearch) orderAgents(preferences []string) []*agent.Agent {
	seen := make(map[string]bool)
	var ordered []*agent.Agent

	for _, name := range preferences {
		if a := f.registry.Get(name); a != nil && !seen[a.Descriptor.Name] {
			ordered = append(ordered, a)
			seen[a.Descriptor.Name] = true
		}
	}

	rest := f.registry.Active()
	if f.health != nil {
		rankings := f.health.Rankings()
		scoreOf := make(map[string]float64, len(rankings))
		for _, r := range rankings {
			scoreOf[strings.ToLower(r.Name)] = r.Score
		}
		sort.Slice(rest, func(i, j int) bool {
			return scoreOf[strings.ToLower(rest[i].Descriptor.Name)] > scoreOf[strings.ToLower(rest[j].Descriptor.Name)]
		})
	}

	for _, a := range rest {
		if seen[a.Descriptor.Name] {
			continue
		}
		if len(ordered) >= len(preferences)+maxRegularProviders {
			break
		}
		ordered = append(ordered, a)
		seen[a.Descriptor.Name] = true
	}

	return ordered
}

func dedupe(items []struct {
	result   Result
	provider string
}) []Result {
	type key struct{ title, provider string }
	seen := make(map[key]bool, len(items))
	out := make([]Result, 0, len(items))
	for _, it := range items {
		k := key{strings.ToLower(it.result.Title), it.provider}
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, it.result)
	}
	return out
}

// rank sorts results by relevance key: the index of query within the
// title (case-insensitive), or 1000 if query is not a substring. Ties
// preserve insertion (stable sort).
func rank(results []Result, query string) {
	q := strings.ToLower(query)
	sort.SliceStable(results, func(i, j int) bool {
		return rankKey(results[i], q) < rankKey(results[j], q)
	})
}

func rankKey(r Result, lowerQuery string) int {
	idx := strings.Index(strings.ToLower(r.Title), lowerQuery)
	if idx < 0 {
		return 1000
	}
	return idx
}

func (f *FederatedSearch) tagInLibrary(ctx context.Context, userID string, results []Result) {
	pairs := make([]ProviderExternalID, 0, len(results))
	for _, r := range results {
		pairs = append(pairs, ProviderExternalID{Provider: r.Provider, ExternalID: r.ExternalID})
	}

	inLib, err := f.library.InLibrary(ctx, userID, pairs)
	if err != nil {
		f.logger.Debug("library lookup failed", zap.Error(err))
		return
	}

	for i := range results {
		key := ProviderExternalID{Provider: results[i].Provider, ExternalID: results[i].ExternalID}
		if inLib[key] {
			results[i].InLibrary = true
		}
	}
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
