package indexer

import (
	"context"
	"fmt"
	"strings"

	"davstream/pkg/release"
)

// PlanType selects the Newznab search mode.
type PlanType string

const (
	PlanMovie  PlanType = "movie"
	PlanSeries PlanType = "series"
	PlanSearch PlanType = "search"
)

// SearchPlan is one query to dispatch against every backend. Plans are
// deduplicated per request by (type, canonical query).
type SearchPlan struct {
	Type  PlanType
	Query string

	// Structured tokens; empty when not applicable.
	ImdbID  string // "tt1234567"
	TvdbID  string
	Season  int
	Episode int

	// StrictPhrase, when set, requires the normalized candidate title to
	// contain the phrase as a contiguous token subsequence.
	StrictPhrase string

	// ASCIIFallback carries an alternate ASCII-safe query retried when the
	// primary Query yields nothing.
	ASCIIFallback string
}

// Canonical returns the identity of this plan for dedupe.
func (p SearchPlan) Canonical() string {
	parts := []string{string(p.Type)}
	if p.ImdbID != "" {
		parts = append(parts, "imdb="+p.ImdbID)
	}
	if p.TvdbID != "" {
		parts = append(parts, "tvdb="+p.TvdbID)
	}
	if p.Season > 0 {
		parts = append(parts, fmt.Sprintf("s=%d", p.Season))
	}
	if p.Episode > 0 {
		parts = append(parts, fmt.Sprintf("e=%d", p.Episode))
	}
	if q := release.NormalizeTitle(p.Query); q != "" {
		parts = append(parts, "q="+q)
	}
	return strings.Join(parts, "|")
}

// MatchesStrictPhrase reports whether title contains the plan's strict
// phrase as a contiguous token subsequence (after normalization). Plans
// without a phrase match everything.
func (p SearchPlan) MatchesStrictPhrase(title string) bool {
	if p.StrictPhrase == "" {
		return true
	}
	phrase := strings.Fields(release.NormalizeTitle(p.StrictPhrase))
	tokens := strings.Fields(release.NormalizeTitle(title))
	if len(phrase) == 0 {
		return true
	}
outer:
	for i := 0; i+len(phrase) <= len(tokens); i++ {
		for j, want := range phrase {
			if tokens[i+j] != want {
				continue outer
			}
		}
		return true
	}
	return false
}

// Searcher is the capability every indexer backend exposes.
type Searcher interface {
	// Search dispatches one plan and returns normalized releases. A nil
	// error with zero releases is a valid empty result.
	Search(ctx context.Context, plan SearchPlan) ([]*release.Release, error)
	Name() string
}
