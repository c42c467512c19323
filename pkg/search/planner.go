package search

import (
	"fmt"

	"davstream/pkg/indexer"
	"davstream/pkg/metadata/tmdb"
)

// Request is the normalized inbound stream request.
type Request struct {
	Type    string // "movie" or "series"
	ImdbID  string // "tt1234567", may be empty for special ids
	Season  int
	Episode int
}

// PlanSet accumulates plans, deduplicating by canonical identity while
// preserving insertion order.
type PlanSet struct {
	plans []indexer.SearchPlan
	seen  map[string]bool
}

func NewPlanSet() *PlanSet {
	return &PlanSet{seen: map[string]bool{}}
}

func (ps *PlanSet) Add(p indexer.SearchPlan) {
	key := p.Canonical()
	if ps.seen[key] {
		return
	}
	ps.seen[key] = true
	ps.plans = append(ps.plans, p)
}

func (ps *PlanSet) Plans() []indexer.SearchPlan { return ps.plans }

func planType(reqType string) indexer.PlanType {
	if reqType == "series" {
		return indexer.PlanSeries
	}
	return indexer.PlanMovie
}

// IdentifierPlans returns the plans that need no title: TVDB id for series
// (preferred), otherwise IMDb id. These dispatch while metadata resolution
// is still in flight.
func IdentifierPlans(req Request, tvdbID string) []indexer.SearchPlan {
	ps := NewPlanSet()
	t := planType(req.Type)

	if req.Type == "series" && tvdbID != "" {
		ps.Add(indexer.SearchPlan{
			Type:    t,
			TvdbID:  tvdbID,
			Season:  req.Season,
			Episode: req.Episode,
		})
	} else if req.ImdbID != "" {
		ps.Add(indexer.SearchPlan{
			Type:    t,
			ImdbID:  req.ImdbID,
			Season:  req.Season,
			Episode: req.Episode,
		})
	}
	return ps.Plans()
}

// TextPlans builds the metadata-derived plans: a primary "<title> <year>"
// (movies) or "<title> SxxEyy" (series) plan with a strict phrase, plus one
// plan per ASCII-safe localized title. Non-ASCII titles are dropped; they
// produce false matches in Newznab's fuzzy search.
func TextPlans(req Request, info *tmdb.MediaInfo) []indexer.SearchPlan {
	if info == nil || info.Title == "" {
		return nil
	}
	ps := NewPlanSet()
	t := planType(req.Type)

	addTitle := func(title, fallback string) {
		if title == "" || !isASCII(title) {
			return
		}
		ps.Add(indexer.SearchPlan{
			Type:          t,
			Query:         textQuery(req, title, info.Year),
			Season:        req.Season,
			Episode:       req.Episode,
			StrictPhrase:  title,
			ASCIIFallback: fallback,
		})
	}

	// The primary plan carries the original title as a second-chance query
	// for backends that return nothing on the localized one
	fallback := ""
	if info.OriginalTitle != "" && info.OriginalTitle != info.Title && isASCII(info.OriginalTitle) {
		fallback = textQuery(req, info.OriginalTitle, info.Year)
	}
	addTitle(info.Title, fallback)
	for _, alt := range info.AlternativeTitles {
		addTitle(alt, "")
	}
	return ps.Plans()
}

// FallbackPlan returns the last-resort plan using the original title, only
// when it is ASCII-safe and differs from the primary title. Dispatched only
// after every other plan came back empty.
func FallbackPlan(req Request, info *tmdb.MediaInfo) (indexer.SearchPlan, bool) {
	if info == nil || info.OriginalTitle == "" || info.OriginalTitle == info.Title {
		return indexer.SearchPlan{}, false
	}
	if !isASCII(info.OriginalTitle) {
		return indexer.SearchPlan{}, false
	}
	return indexer.SearchPlan{
		Type:         planType(req.Type),
		Query:        textQuery(req, info.OriginalTitle, info.Year),
		Season:       req.Season,
		Episode:      req.Episode,
		StrictPhrase: info.OriginalTitle,
	}, true
}

func textQuery(req Request, title string, year int) string {
	if req.Type == "series" && req.Season > 0 && req.Episode > 0 {
		return fmt.Sprintf("%s S%02dE%02d", title, req.Season, req.Episode)
	}
	if year > 0 {
		return fmt.Sprintf("%s %d", title, year)
	}
	return title
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return false
		}
	}
	return true
}
