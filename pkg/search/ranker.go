package search

import (
	"sort"
	"strings"
	"time"

	"davstream/pkg/config"
	"davstream/pkg/release"
)

// dedupeWindow is how close two publish instants must be for two releases
// with the same normalized title to count as the same release.
const dedupeWindow = 14 * 24 * time.Hour

var blockedTokens = map[string]bool{
	"iso": true, "img": true, "bin": true, "cue": true, "exe": true,
}

// Rank applies the result pipeline in order: blocklist, resolution
// whitelist, size cap, sort, per-resolution cap, dedupe. The output order
// is deterministic for a given input order and config.
func Rank(releases []*release.Release, cfg *config.Config) []*release.Release {
	out := filterBlocked(releases)
	out = filterResolutions(out, cfg.AllowedResolutions)
	out = filterSize(out, cfg.MaxResultSizeGB)
	sortReleases(out, cfg.SortMode, cfg.PreferredLanguages)
	out = capPerResolution(out, cfg.ResolutionLimitPerQuality)
	if cfg.DedupEnabled {
		out = dedupe(out)
	}
	return out
}

func filterBlocked(in []*release.Release) []*release.Release {
	out := make([]*release.Release, 0, len(in))
	for _, r := range in {
		if hasBlockedToken(r.Title) {
			continue
		}
		out = append(out, r)
	}
	return out
}

func hasBlockedToken(title string) bool {
	for _, tok := range strings.Fields(release.NormalizeTitle(title)) {
		if blockedTokens[tok] {
			return true
		}
	}
	return false
}

// filterResolutions drops releases outside the allowed set. "unknown" must
// be listed explicitly to pass.
func filterResolutions(in []*release.Release, allowed []string) []*release.Release {
	if len(allowed) == 0 {
		return in
	}
	set := map[string]bool{}
	for _, a := range allowed {
		set[strings.ToLower(strings.TrimSpace(a))] = true
	}
	out := make([]*release.Release, 0, len(in))
	for _, r := range in {
		if set[strings.ToLower(r.Resolution)] {
			out = append(out, r)
		}
	}
	return out
}

func filterSize(in []*release.Release, maxGB float64) []*release.Release {
	if maxGB <= 0 {
		return in
	}
	maxBytes := int64(maxGB * float64(1<<30))
	out := make([]*release.Release, 0, len(in))
	for _, r := range in {
		if r.Size > maxBytes {
			continue
		}
		out = append(out, r)
	}
	return out
}

// sortReleases orders by quality then size, optionally bucketed by
// preferred language first. Stable so earlier insertion wins ties.
func sortReleases(rs []*release.Release, mode string, preferred []string) {
	langRank := func(r *release.Release) int {
		for i, lang := range preferred {
			if r.HasLanguage(lang) {
				return i
			}
		}
		return len(preferred)
	}
	sort.SliceStable(rs, func(i, j int) bool {
		a, b := rs[i], rs[j]
		if mode == "language_quality_size" && len(preferred) > 0 {
			ra, rb := langRank(a), langRank(b)
			if ra != rb {
				return ra < rb
			}
		}
		if a.QualityScore != b.QualityScore {
			return a.QualityScore > b.QualityScore
		}
		return a.Size > b.Size
	})
}

func capPerResolution(in []*release.Release, limit int) []*release.Release {
	if limit <= 0 {
		return in
	}
	counts := map[string]int{}
	out := make([]*release.Release, 0, len(in))
	for _, r := range in {
		if counts[r.Resolution] >= limit {
			continue
		}
		counts[r.Resolution]++
		out = append(out, r)
	}
	return out
}

// dedupe collapses releases sharing a normalized title whose publish
// instants lie within the dedupe window. Paid sources win; among equals the
// newer publish wins. Output preserves the position of each group winner.
func dedupe(in []*release.Release) []*release.Release {
	type slot struct {
		idx int
		rel *release.Release
	}
	var kept []slot

	better := func(a, b *release.Release) bool {
		if a.Paid != b.Paid {
			return a.Paid
		}
		return a.PublishedAt.After(b.PublishedAt)
	}

	for i, r := range in {
		norm := release.NormalizeTitle(r.Title)
		matched := false
		for k := range kept {
			other := kept[k].rel
			if release.NormalizeTitle(other.Title) != norm {
				continue
			}
			if !withinWindow(r.PublishedAt, other.PublishedAt) {
				continue
			}
			matched = true
			if better(r, other) {
				kept[k].rel = r
			}
			break
		}
		if !matched {
			kept = append(kept, slot{idx: i, rel: r})
		}
	}

	out := make([]*release.Release, 0, len(kept))
	for _, s := range kept {
		out = append(out, s.rel)
	}
	return out
}

func withinWindow(a, b time.Time) bool {
	if a.IsZero() || b.IsZero() {
		return true
	}
	d := a.Sub(b)
	if d < 0 {
		d = -d
	}
	return d <= dedupeWindow
}
