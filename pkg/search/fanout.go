package search

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"davstream/pkg/indexer"
	"davstream/pkg/logger"
	"davstream/pkg/release"
)

// Dispatch fans every plan out to every backend in parallel and merges the
// results. Per-backend errors are collected, never fatal; an empty result
// with errors is a valid outcome. Releases failing a plan's strict phrase
// are dropped at merge time, and duplicates (same identity key) keep their
// first occurrence.
func Dispatch(ctx context.Context, backends []indexer.Searcher, plans []indexer.SearchPlan) ([]*release.Release, []error) {
	if len(backends) == 0 || len(plans) == 0 {
		return nil, nil
	}

	var (
		mu       sync.Mutex
		merged   []*release.Release
		errs     []error
		seenKeys = map[string]bool{}
	)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(len(backends) * 2)

	for _, backend := range backends {
		for _, plan := range plans {
			backend, plan := backend, plan
			g.Go(func() error {
				results, err := backend.Search(ctx, plan)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					logger.Warn("Indexer search failed", "indexer", backend.Name(), "err", err)
					errs = append(errs, err)
					return nil
				}
				for _, r := range results {
					if !plan.MatchesStrictPhrase(r.Title) {
						continue
					}
					key := r.Key()
					if seenKeys[key] {
						continue
					}
					seenKeys[key] = true
					merged = append(merged, r)
				}
				return nil
			})
		}
	}
	g.Wait()

	logger.Debug("Search fan-out complete", "backends", len(backends), "plans", len(plans), "releases", len(merged), "errors", len(errs))
	return merged, errs
}
