package search

import (
	"testing"
	"time"

	"davstream/pkg/config"
	"davstream/pkg/release"
)

func makeRelease(title string, sizeGB float64, paid bool, published time.Time) *release.Release {
	parsed := release.ParseTitle(title)
	return &release.Release{
		Title:        title,
		DownloadURL:  "http://indexer.example/nzb/" + release.NormalizeTitle(title),
		Size:         int64(sizeGB * float64(1<<30)),
		Paid:         paid,
		PublishedAt:  published,
		Resolution:   parsed.Resolution,
		Languages:    parsed.Languages,
		QualityScore: release.QualityScore(parsed.Resolution),
	}
}

func rankConfig() *config.Config {
	return config.FromFlat(map[string]string{
		"ADDON_SHARED_SECRET": "secret",
		"NZBDAV_URL":          "http://dav.example",
	})
}

func TestRankIdempotence(t *testing.T) {
	now := time.Now()
	cfg := rankConfig()
	in := []*release.Release{
		makeRelease("Movie.2024.720p.WEB", 2, false, now),
		makeRelease("Movie.2024.1080p.BluRay", 8, false, now),
		makeRelease("Movie.2024.2160p.WEB", 20, true, now),
		makeRelease("Other.Movie.2024.1080p.WEB", 6, false, now),
	}

	first := Rank(in, cfg)
	second := Rank(first, cfg)

	if len(first) != len(second) {
		t.Fatalf("second pass changed length: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Errorf("position %d differs after second pass: %s vs %s", i, first[i].Title, second[i].Title)
		}
	}
}

func TestRankSortsByQualityThenSize(t *testing.T) {
	now := time.Now()
	cfg := rankConfig()
	in := []*release.Release{
		makeRelease("Movie.2024.720p.WEB", 2, false, now),
		makeRelease("Movie.2024.1080p.Small.WEB", 4, false, now),
		makeRelease("Movie.2024.1080p.Big.BluRay", 9, false, now),
	}
	out := Rank(in, cfg)
	if len(out) != 3 {
		t.Fatalf("got %d releases, want 3", len(out))
	}
	if out[0].Resolution != "1080p" || out[0].Size < out[1].Size {
		t.Errorf("want biggest 1080p first, got %s", out[0].Title)
	}
	if out[2].Resolution != "720p" {
		t.Errorf("want 720p last, got %s", out[2].Title)
	}
}

func TestRankLanguagePreference(t *testing.T) {
	now := time.Now()
	cfg := rankConfig()
	cfg.SortMode = "language_quality_size"
	cfg.PreferredLanguages = []string{"Tamil"}

	a := makeRelease("Movie.2023.1080p.Tamil.WEB", 4, false, now)
	b := makeRelease("Movie.2023.2160p.English.WEB", 10, false, now)
	out := Rank([]*release.Release{b, a}, cfg)

	if len(out) != 2 {
		t.Fatalf("got %d releases, want 2", len(out))
	}
	if out[0] != a {
		t.Errorf("want Tamil release first, got %s", out[0].Title)
	}
}

func TestDedupePaidWins(t *testing.T) {
	now := time.Now()
	cfg := rankConfig()

	paid := makeRelease("Movie.Name.2024.1080p.WEB", 5, true, now)
	free := makeRelease("Movie Name 2024 1080p WEB", 5.2, false, now.Add(-3*24*time.Hour))
	out := Rank([]*release.Release{free, paid}, cfg)

	if len(out) != 1 {
		t.Fatalf("got %d releases, want 1 after dedupe", len(out))
	}
	if !out[0].Paid {
		t.Errorf("paid release must win the dedupe, got %s", out[0].Title)
	}
}

func TestDedupeOutsideWindowKeepsBoth(t *testing.T) {
	now := time.Now()
	cfg := rankConfig()

	recent := makeRelease("Movie.Name.2024.1080p.WEB", 5, false, now)
	old := makeRelease("Movie Name 2024 1080p WEB", 5, false, now.Add(-30*24*time.Hour))
	out := Rank([]*release.Release{recent, old}, cfg)

	if len(out) != 2 {
		t.Fatalf("got %d releases, want 2 (publish instants 30 days apart)", len(out))
	}
}

func TestDedupeNewerWinsAmongFree(t *testing.T) {
	now := time.Now()
	cfg := rankConfig()

	older := makeRelease("Movie.Name.2024.1080p.WEB", 5, false, now.Add(-5*24*time.Hour))
	newer := makeRelease("Movie Name 2024 1080p WEB", 5, false, now)
	out := Rank([]*release.Release{older, newer}, cfg)

	if len(out) != 1 {
		t.Fatalf("got %d releases, want 1", len(out))
	}
	if !out[0].PublishedAt.Equal(now) {
		t.Errorf("newer release must win, got publish %v", out[0].PublishedAt)
	}
}

func TestRankBlocklistAndFilters(t *testing.T) {
	now := time.Now()
	cfg := rankConfig()
	cfg.AllowedResolutions = []string{"1080p"}
	cfg.MaxResultSizeGB = 10

	in := []*release.Release{
		makeRelease("Movie.2024.1080p.ISO.WEB", 5, false, now),
		makeRelease("Movie.2024.720p.WEB", 2, false, now),
		makeRelease("Movie.2024.1080p.Huge.BluRay", 40, false, now),
		makeRelease("Movie.2024.1080p.Keeper.WEB", 6, false, now),
	}
	out := Rank(in, cfg)
	if len(out) != 1 {
		t.Fatalf("got %d releases, want only the 1080p keeper", len(out))
	}
	if out[0].Title != "Movie.2024.1080p.Keeper.WEB" {
		t.Errorf("unexpected survivor %s", out[0].Title)
	}
}

func TestCapPerResolution(t *testing.T) {
	now := time.Now()
	cfg := rankConfig()
	cfg.ResolutionLimitPerQuality = 2
	cfg.DedupEnabled = false

	in := []*release.Release{
		makeRelease("Movie.A.2024.1080p.WEB", 8, false, now),
		makeRelease("Movie.B.2024.1080p.WEB", 7, false, now),
		makeRelease("Movie.C.2024.1080p.WEB", 6, false, now),
		makeRelease("Movie.D.2024.720p.WEB", 3, false, now),
	}
	out := Rank(in, cfg)
	count1080 := 0
	for _, r := range out {
		if r.Resolution == "1080p" {
			count1080++
		}
	}
	if count1080 != 2 {
		t.Errorf("got %d 1080p releases, want 2", count1080)
	}
	if len(out) != 3 {
		t.Errorf("got %d releases, want 3", len(out))
	}
}
