package config

import (
	"testing"
)

func TestFromFlatDefaults(t *testing.T) {
	cfg := FromFlat(map[string]string{})
	if cfg.Port != 7879 {
		t.Errorf("port = %d", cfg.Port)
	}
	if cfg.SortMode != "quality_then_size" {
		t.Errorf("sort mode = %q", cfg.SortMode)
	}
	if cfg.IndexerManager != "none" {
		t.Errorf("indexer manager = %q", cfg.IndexerManager)
	}
	if !cfg.DedupEnabled {
		t.Error("dedup must default on")
	}
	if cfg.Triage.Enabled {
		t.Error("triage must default off")
	}
	if cfg.Triage.NNTPPort != 563 || !cfg.Triage.NNTPTLS {
		t.Errorf("nntp defaults = %d tls=%v", cfg.Triage.NNTPPort, cfg.Triage.NNTPTLS)
	}
	if cfg.NZBDav.CategoryMovies != "movies" || cfg.NZBDav.CategorySeries != "series" {
		t.Errorf("categories = %q %q", cfg.NZBDav.CategoryMovies, cfg.NZBDav.CategorySeries)
	}
}

func TestFromFlatNewznabSlots(t *testing.T) {
	cfg := FromFlat(map[string]string{
		"NEWZNAB_ENDPOINT_01": "https://one.example/",
		"NEWZNAB_API_KEY_01":  "k1",
		"NEWZNAB_NAME_01":     "First Indexer",
		"NEWZNAB_PAID_01":     "true",

		"NEWZNAB_ENDPOINT_02":        "https://two.example",
		"NEWZNAB_API_KEY_02":         "k2",
		"NEWZNAB_INDEXER_ENABLED_02": "false",

		"NEWZNAB_ENDPOINT_20": "https://twenty.example",
		"NEWZNAB_API_KEY_20":  "k20",
	})

	usable := cfg.UsableNewznab()
	if len(usable) != 2 {
		t.Fatalf("got %d usable slots, want 2 (slot 2 disabled)", len(usable))
	}
	if usable[0].Ordinal != 1 || usable[1].Ordinal != 20 {
		t.Errorf("ordinals = %d, %d", usable[0].Ordinal, usable[1].Ordinal)
	}
	if usable[0].Endpoint != "https://one.example" {
		t.Errorf("endpoint = %q, want trailing slash trimmed", usable[0].Endpoint)
	}
	if !usable[0].Paid || usable[1].Paid {
		t.Errorf("paid flags = %v, %v", usable[0].Paid, usable[1].Paid)
	}
}

func TestSlotNames(t *testing.T) {
	named := NewznabSlot{Ordinal: 3, Name: "My Indexer!", Endpoint: "https://host.example"}
	if named.DisplayName() != "My Indexer!" {
		t.Errorf("display name = %q", named.DisplayName())
	}
	if named.DedupeKey() != "my-indexer" {
		t.Errorf("dedupe key = %q", named.DedupeKey())
	}

	unnamed := NewznabSlot{Ordinal: 3, Endpoint: "https://host.example/path"}
	if unnamed.DisplayName() != "host.example" {
		t.Errorf("fallback display name = %q", unnamed.DisplayName())
	}
}

func TestValidate(t *testing.T) {
	base := map[string]string{
		"ADDON_SHARED_SECRET": "s",
		"NZBDAV_URL":          "http://dav.example",
	}
	if err := FromFlat(base).Validate(); err != nil {
		t.Errorf("minimal config must validate: %v", err)
	}

	cases := []struct {
		name      string
		overrides map[string]string
	}{
		{"missing secret", map[string]string{"ADDON_SHARED_SECRET": ""}},
		{"bad sort mode", map[string]string{"NZB_SORT_MODE": "alphabetical"}},
		{"manager without url", map[string]string{"INDEXER_MANAGER": "prowlarr"}},
		{"triage without host", map[string]string{"NZB_TRIAGE_ENABLED": "true"}},
	}
	for _, tc := range cases {
		raw := map[string]string{}
		for k, v := range base {
			raw[k] = v
		}
		for k, v := range tc.overrides {
			raw[k] = v
		}
		if err := FromFlat(raw).Validate(); err == nil {
			t.Errorf("%s: Validate() = nil, want error", tc.name)
		}
	}
}
