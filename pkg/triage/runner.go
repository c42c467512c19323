package triage

import (
	"context"
	"sync"
	"time"

	"davstream/pkg/logger"
	"davstream/pkg/nntp"
	"davstream/pkg/release"
)

const nzbFetchTimeout = 30 * time.Second

// FetchFunc downloads the raw NZB document for one release. The runner
// applies the per-NZB timeout; implementations route to the right indexer
// or to Easynews.
type FetchFunc func(ctx context.Context, r *release.Release) ([]byte, error)

// Runner drives one bounded health-check pass over candidate releases.
type Runner struct {
	Pool               *nntp.Pool
	Fetch              FetchFunc
	TimeBudget         time.Duration
	MaxCandidates      int
	Concurrency        int
	ArchiveSampleCount int
	StatSampleCount    int
	MaxDecodedBytes    int64

	// Serialized holds indexer ids whose NZB downloads must never run in
	// parallel (paid indexers that ban concurrent grabs).
	Serialized map[string]bool
}

// Run evaluates up to MaxCandidates releases within the time budget and
// returns a decision per release key plus the run summary. The budget
// gates starting new candidates; in-flight work is allowed to finish.
func (r *Runner) Run(ctx context.Context, candidates []*release.Release) (map[string]*Decision, *Summary) {
	start := time.Now()
	decisions := map[string]*Decision{}
	summary := &Summary{Counts: map[Status]int{}}

	candidates, dropped := dedupeByTitle(candidates)
	if max := r.MaxCandidates; max > 0 && len(candidates) > max {
		dropped = append(dropped, candidates[max:]...)
		candidates = candidates[:max]
	}
	// Dropped candidates still get a decision so the caller can tell
	// "never considered" from "considered and skipped"
	for _, rel := range dropped {
		decisions[rel.Key()] = &Decision{Status: StatusSkipped, Title: rel.Title, When: time.Now()}
	}
	if len(candidates) == 0 {
		for _, d := range decisions {
			summary.Counts[d.Status]++
		}
		summary.ElapsedMS = time.Since(start).Milliseconds()
		return decisions, summary
	}

	budget := r.TimeBudget
	if budget <= 0 {
		budget = 25 * time.Second
	}
	deadline := start.Add(budget)
	runCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	concurrency := r.Concurrency
	if concurrency <= 0 {
		concurrency = 8
	}

	var (
		mu         sync.Mutex
		wg         sync.WaitGroup
		work       = make(chan *release.Release)
		serialized = map[string]*sync.Mutex{}
	)
	record := func(rel *release.Release, d *Decision) {
		mu.Lock()
		decisions[rel.Key()] = d
		mu.Unlock()
	}
	serialLock := func(indexerID string) *sync.Mutex {
		mu.Lock()
		defer mu.Unlock()
		l, ok := serialized[indexerID]
		if !ok {
			l = &sync.Mutex{}
			serialized[indexerID] = l
		}
		return l
	}

	analyzer := &Analyzer{
		Pool:               r.Pool,
		ArchiveSampleCount: r.ArchiveSampleCount,
		StatSampleCount:    r.StatSampleCount,
		MaxDecodedBytes:    r.MaxDecodedBytes,
	}

	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for rel := range work {
				if time.Now().After(deadline) {
					record(rel, &Decision{Status: StatusPending, When: time.Now()})
					continue
				}
				record(rel, r.evaluate(runCtx, analyzer, rel, serialLock))
			}
		}()
	}

	for _, rel := range candidates {
		work <- rel
	}
	close(work)
	wg.Wait()

	for _, d := range decisions {
		summary.Counts[d.Status]++
	}
	summary.ElapsedMS = time.Since(start).Milliseconds()
	summary.TimedOut = time.Now().After(deadline)
	if r.Pool != nil {
		summary.Pool = r.Pool.Stats()
	}
	logger.Info("Triage run complete", "candidates", len(candidates), "elapsed_ms", summary.ElapsedMS, "timed_out", summary.TimedOut, "counts", summary.Counts)
	return decisions, summary
}

func (r *Runner) evaluate(ctx context.Context, analyzer *Analyzer, rel *release.Release, serialLock func(string) *sync.Mutex) *Decision {
	fetchCtx, cancel := context.WithTimeout(ctx, nzbFetchTimeout)
	defer cancel()

	var payload []byte
	var err error
	if r.Serialized[rel.IndexerID] {
		l := serialLock(rel.IndexerID)
		l.Lock()
		payload, err = r.Fetch(fetchCtx, rel)
		l.Unlock()
	} else {
		payload, err = r.Fetch(fetchCtx, rel)
	}
	if err != nil {
		logger.Debug("Triage NZB fetch failed", "release", rel.Title, "err", err)
		return &Decision{Status: StatusFetchError, Warnings: []string{err.Error()}, When: time.Now()}
	}

	d := analyzer.Analyze(ctx, payload)
	if d.Status == StatusVerified {
		d.NZBBody = payload
	}
	return d
}

// dedupeByTitle keeps the first release per normalized title, preserving
// order so priority candidates stay in front. Duplicates come back in the
// second slice.
func dedupeByTitle(in []*release.Release) (kept, dropped []*release.Release) {
	seen := map[string]bool{}
	kept = make([]*release.Release, 0, len(in))
	for _, r := range in {
		key := release.NormalizeTitle(r.Title)
		if seen[key] {
			dropped = append(dropped, r)
			continue
		}
		seen[key] = true
		kept = append(kept, r)
	}
	return kept, dropped
}
