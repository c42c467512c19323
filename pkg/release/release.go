package release

import (
	"time"
)

// Source identifies which kind of backend produced a release.
type Source string

const (
	SourceAggregator Source = "aggregator"
	SourceDirect     Source = "direct"
	SourceEasynews   Source = "easynews"
)

// Release is a unified representation of an NZB release from any indexer.
// Immutable once constructed; owned by the request that produced it.
type Release struct {
	Title       string // Release name (e.g. "Movie.2024.1080p.BluRay.x264-GROUP")
	DownloadURL string // NZB download URL (empty for Easynews payload releases)
	Indexer     string // Display name (NZBGeek, Drunken Slug, etc.)
	IndexerID   string // Stable dedupe key / slot slug
	Size        int64
	PublishedAt time.Time
	Source      Source
	Paid        bool // Paid indexers win dedupe ties and lead triage sampling

	// Parsed from Title at construction
	Resolution   string
	Languages    []string
	QualityScore int

	// Easynews only: opaque base64url token the /easynews/nzb endpoint
	// reconstructs the download from.
	PayloadToken string
}

// AgeDays returns the release age in whole days (0 when publish is unknown).
func (r *Release) AgeDays() int {
	if r.PublishedAt.IsZero() {
		return 0
	}
	days := int(time.Since(r.PublishedAt).Hours() / 24)
	if days < 0 {
		return 0
	}
	return days
}

// Key returns the download URL or, for Easynews, the payload token. This is
// the identity triage decisions are keyed by.
func (r *Release) Key() string {
	if r.DownloadURL != "" {
		return r.DownloadURL
	}
	return "easynews:" + r.PayloadToken
}

// HasLanguage reports whether lang was detected in the title.
func (r *Release) HasLanguage(lang string) bool {
	for _, l := range r.Languages {
		if equalFold(l, lang) {
			return true
		}
	}
	return false
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}
