package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"davstream/pkg/logger"
)

// NewznabSlots is the number of numbered direct indexer slots supported.
const NewznabSlots = 20

// NewznabSlot is one numbered direct Newznab indexer.
type NewznabSlot struct {
	Ordinal  int
	Endpoint string
	APIKey   string
	APIPath  string
	Name     string
	Enabled  bool
	Paid     bool
}

// Usable reports whether this slot can be queried.
func (s NewznabSlot) Usable() bool {
	return s.Enabled && s.Endpoint != "" && s.APIKey != ""
}

// DisplayName returns the configured name or a host-derived fallback.
func (s NewznabSlot) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	if u, err := url.Parse(s.Endpoint); err == nil && u.Hostname() != "" {
		return u.Hostname()
	}
	return fmt.Sprintf("Newznab %02d", s.Ordinal)
}

var slugPattern = regexp.MustCompile(`[^a-z0-9]+`)

// DedupeKey returns the stable slug used for release deduplication and
// priority/serialization matching. Keyed on the display name so operators
// can reference indexers by name in PRIORITY_INDEXERS et al.
func (s NewznabSlot) DedupeKey() string {
	slug := slugPattern.ReplaceAllString(strings.ToLower(s.DisplayName()), "-")
	return strings.Trim(slug, "-")
}

// TriageConfig holds the NZB health check settings.
type TriageConfig struct {
	Enabled               bool
	TimeBudgetMS          int
	MaxCandidates         int
	DownloadConcurrency   int
	MaxConnections        int
	StatSampleCount       int
	ArchiveSampleCount    int
	NNTPHost              string
	NNTPPort              int
	NNTPTLS               bool
	NNTPUser              string
	NNTPPass              string
	KeepAliveMS           int
	ReusePool             bool
	PrefetchFirstVerified bool
	PriorityIndexers      []string
	SerializedIndexers    []string
}

// NZBDavConfig holds the mount service connection settings.
type NZBDavConfig struct {
	URL             string
	APIKey          string
	WebDavURL       string
	WebDavUser      string
	WebDavPass      string
	CategoryMovies  string
	CategorySeries  string
	MountCacheTTLMn int
}

// EasynewsConfig holds the Easynews adapter settings.
type EasynewsConfig struct {
	Enabled  bool
	Username string
	Password string
}

// Config holds application configuration, parsed from the flat key/value
// config file plus environment overrides.
type Config struct {
	Port              int
	AddonBaseURL      string
	AddonSharedSecret string
	AddonName         string
	LogLevel          string

	IndexerManager               string // "none", "prowlarr" or "nzbhydra"
	IndexerManagerURL            string
	IndexerManagerAPIKey         string
	IndexerManagerBackoffSeconds int

	Newznab [NewznabSlots]NewznabSlot

	SortMode                  string // "quality_then_size" or "language_quality_size"
	PreferredLanguages        []string
	MaxResultSizeGB           float64
	AllowedResolutions        []string
	ResolutionLimitPerQuality int
	DedupEnabled              bool
	HideBlockedResults        bool

	Triage TriageConfig

	StreamCacheTTLMinutes      int
	StreamCacheMaxSizeMB       int
	VerifiedNZBCacheTTLMinutes int
	VerifiedNZBCacheMaxSizeMB  int

	NZBDav   NZBDavConfig
	Easynews EasynewsConfig

	TMDBAPIKey string

	// Internal - where this config was loaded from
	LoadedPath string `json:"-"`

	raw map[string]string
}

// DataDir returns the directory holding config.json, honoring DATA_DIR.
func DataDir() string {
	if dir := os.Getenv("DATA_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".davstream")
}

// Load reads config.json from the data dir, applies environment variable
// overrides once, then saves the merged config back. Environment variables
// are not consulted again after startup.
// Priority: environment (if set) > config.json > defaults.
func Load() (*Config, error) {
	dataDir := DataDir()
	configPath := filepath.Join(dataDir, "config.json")
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		logger.Warn("Failed to create data directory", "dir", dataDir, "err", err)
	}

	raw := map[string]string{}
	if data, err := os.ReadFile(configPath); err == nil {
		flat := map[string]any{}
		if err := json.Unmarshal(data, &flat); err != nil {
			logger.Warn("Failed to parse config, using defaults", "path", configPath, "err", err)
		} else {
			for k, v := range flat {
				raw[k] = stringify(v)
			}
			logger.Info("Loaded configuration", "path", configPath)
		}
	} else if os.IsNotExist(err) {
		logger.Info("No config found, creating new one", "path", configPath)
	} else {
		logger.Warn("Failed to read config, using defaults", "path", configPath, "err", err)
	}

	// Environment overrides per key
	for _, key := range knownKeys() {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			raw[key] = v
		}
	}

	cfg := FromFlat(raw)
	cfg.LoadedPath = configPath

	if err := cfg.Save(); err != nil {
		logger.Warn("Failed to save config on startup", "err", err)
	}

	return cfg, nil
}

// FromFlat builds a Config from flat string keys, filling defaults.
func FromFlat(raw map[string]string) *Config {
	get := func(key, def string) string {
		if v, ok := raw[key]; ok && v != "" {
			return v
		}
		return def
	}
	getInt := func(key string, def int) int {
		if n, err := strconv.Atoi(strings.TrimSpace(get(key, ""))); err == nil {
			return n
		}
		return def
	}
	getFloat := func(key string, def float64) float64 {
		if f, err := strconv.ParseFloat(strings.TrimSpace(get(key, "")), 64); err == nil {
			return f
		}
		return def
	}
	getBool := func(key string, def bool) bool {
		switch strings.ToLower(strings.TrimSpace(get(key, ""))) {
		case "true", "1", "yes", "on":
			return true
		case "false", "0", "no", "off":
			return false
		}
		return def
	}
	getList := func(key string) []string {
		var out []string
		for _, part := range strings.Split(get(key, ""), ",") {
			part = strings.TrimSpace(part)
			if part != "" {
				out = append(out, part)
			}
		}
		return out
	}

	cfg := &Config{
		Port:              getInt("PORT", 7879),
		AddonBaseURL:      strings.TrimRight(get("ADDON_BASE_URL", "http://localhost:7879"), "/"),
		AddonSharedSecret: get("ADDON_SHARED_SECRET", ""),
		AddonName:         get("ADDON_NAME", "DavStream"),
		LogLevel:          get("LOG_LEVEL", "INFO"),

		IndexerManager:               strings.ToLower(get("INDEXER_MANAGER", "none")),
		IndexerManagerURL:            strings.TrimRight(get("INDEXER_MANAGER_URL", ""), "/"),
		IndexerManagerAPIKey:         get("INDEXER_MANAGER_API_KEY", ""),
		IndexerManagerBackoffSeconds: getInt("INDEXER_MANAGER_BACKOFF_SECONDS", 120),

		SortMode:                  get("NZB_SORT_MODE", "quality_then_size"),
		PreferredLanguages:        getList("NZB_PREFERRED_LANGUAGE"),
		MaxResultSizeGB:           getFloat("NZB_MAX_RESULT_SIZE_GB", 0),
		AllowedResolutions:        getList("NZB_ALLOWED_RESOLUTIONS"),
		ResolutionLimitPerQuality: getInt("NZB_RESOLUTION_LIMIT_PER_QUALITY", 0),
		DedupEnabled:              getBool("NZB_DEDUP_ENABLED", true),
		HideBlockedResults:        getBool("NZB_HIDE_BLOCKED_RESULTS", false),

		Triage: TriageConfig{
			Enabled:               getBool("NZB_TRIAGE_ENABLED", false),
			TimeBudgetMS:          getInt("NZB_TRIAGE_TIME_BUDGET_MS", 25000),
			MaxCandidates:         getInt("NZB_TRIAGE_MAX_CANDIDATES", 25),
			DownloadConcurrency:   getInt("NZB_TRIAGE_DOWNLOAD_CONCURRENCY", 8),
			MaxConnections:        getInt("NZB_TRIAGE_MAX_CONNECTIONS", 8),
			StatSampleCount:       getInt("NZB_TRIAGE_STAT_SAMPLE_COUNT", 5),
			ArchiveSampleCount:    getInt("NZB_TRIAGE_ARCHIVE_SAMPLE_COUNT", 3),
			NNTPHost:              get("NZB_TRIAGE_NNTP_HOST", ""),
			NNTPPort:              getInt("NZB_TRIAGE_NNTP_PORT", 563),
			NNTPTLS:               getBool("NZB_TRIAGE_NNTP_TLS", true),
			NNTPUser:              get("NZB_TRIAGE_NNTP_USER", ""),
			NNTPPass:              get("NZB_TRIAGE_NNTP_PASS", ""),
			KeepAliveMS:           getInt("NZB_TRIAGE_NNTP_KEEP_ALIVE_MS", 30000),
			ReusePool:             getBool("NZB_TRIAGE_REUSE_POOL", true),
			PrefetchFirstVerified: getBool("NZB_TRIAGE_PREFETCH_FIRST_VERIFIED", false),
			PriorityIndexers:      getList("NZB_TRIAGE_PRIORITY_INDEXERS"),
			SerializedIndexers:    getList("NZB_TRIAGE_SERIALIZED_INDEXERS"),
		},

		StreamCacheTTLMinutes:      getInt("STREAM_CACHE_TTL_MINUTES", 24*60),
		StreamCacheMaxSizeMB:       getInt("STREAM_CACHE_MAX_SIZE_MB", 200),
		VerifiedNZBCacheTTLMinutes: getInt("VERIFIED_NZB_CACHE_TTL_MINUTES", 24*60),
		VerifiedNZBCacheMaxSizeMB:  getInt("VERIFIED_NZB_CACHE_MAX_SIZE_MB", 300),

		NZBDav: NZBDavConfig{
			URL:             strings.TrimRight(get("NZBDAV_URL", ""), "/"),
			APIKey:          get("NZBDAV_API_KEY", ""),
			WebDavURL:       strings.TrimRight(get("NZBDAV_WEBDAV_URL", ""), "/"),
			WebDavUser:      get("NZBDAV_WEBDAV_USER", ""),
			WebDavPass:      get("NZBDAV_WEBDAV_PASS", ""),
			CategoryMovies:  get("NZBDAV_CATEGORY_MOVIES", "movies"),
			CategorySeries:  get("NZBDAV_CATEGORY_SERIES", "series"),
			MountCacheTTLMn: getInt("NZBDAV_CACHE_TTL_MINUTES", 6*60),
		},

		Easynews: EasynewsConfig{
			Enabled:  getBool("EASYNEWS_ENABLED", false),
			Username: get("EASYNEWS_USERNAME", ""),
			Password: get("EASYNEWS_PASSWORD", ""),
		},

		TMDBAPIKey: get("TMDB_API_KEY", ""),

		raw: raw,
	}

	for i := 0; i < NewznabSlots; i++ {
		suffix := fmt.Sprintf("%02d", i+1)
		cfg.Newznab[i] = NewznabSlot{
			Ordinal:  i + 1,
			Endpoint: strings.TrimRight(get("NEWZNAB_ENDPOINT_"+suffix, ""), "/"),
			APIKey:   get("NEWZNAB_API_KEY_"+suffix, ""),
			APIPath:  get("NEWZNAB_API_PATH_"+suffix, "/api"),
			Name:     get("NEWZNAB_NAME_"+suffix, ""),
			Enabled:  getBool("NEWZNAB_INDEXER_ENABLED_"+suffix, true),
			Paid:     getBool("NEWZNAB_PAID_"+suffix, false),
		}
	}

	return cfg
}

// Validate returns an error for settings that prevent startup.
func (c *Config) Validate() error {
	if c.AddonSharedSecret == "" {
		return fmt.Errorf("ADDON_SHARED_SECRET is required")
	}
	switch c.IndexerManager {
	case "none", "prowlarr", "nzbhydra":
	default:
		return fmt.Errorf("INDEXER_MANAGER must be one of none, prowlarr, nzbhydra (got %q)", c.IndexerManager)
	}
	if c.IndexerManager != "none" && c.IndexerManagerURL == "" {
		return fmt.Errorf("INDEXER_MANAGER_URL is required when INDEXER_MANAGER=%s", c.IndexerManager)
	}
	switch c.SortMode {
	case "quality_then_size", "language_quality_size":
	default:
		return fmt.Errorf("NZB_SORT_MODE must be quality_then_size or language_quality_size (got %q)", c.SortMode)
	}
	if c.NZBDav.URL == "" {
		return fmt.Errorf("NZBDAV_URL is required")
	}
	if c.Triage.Enabled && c.Triage.NNTPHost == "" {
		return fmt.Errorf("NZB_TRIAGE_NNTP_HOST is required when triage is enabled")
	}
	return nil
}

// UsableNewznab returns the usable direct indexer slots in ordinal order.
func (c *Config) UsableNewznab() []NewznabSlot {
	var out []NewznabSlot
	for _, slot := range c.Newznab {
		if slot.Usable() {
			out = append(out, slot)
		}
	}
	return out
}

// Save writes the flat key/value configuration back to LoadedPath.
func (c *Config) Save() error {
	if c.LoadedPath == "" {
		return nil
	}
	keys := make([]string, 0, len(c.raw))
	for k := range c.raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	flat := make(map[string]string, len(keys))
	for _, k := range keys {
		flat[k] = c.raw[k]
	}
	data, err := json.MarshalIndent(flat, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(c.LoadedPath, append(data, '\n'), 0644)
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case nil:
		return ""
	default:
		b, _ := json.Marshal(t)
		return string(b)
	}
}

// knownKeys lists every flat config key so env overrides can be applied
// uniformly. Numbered slot keys are generated.
func knownKeys() []string {
	keys := []string{
		"PORT", "ADDON_BASE_URL", "ADDON_SHARED_SECRET", "ADDON_NAME", "LOG_LEVEL",
		"INDEXER_MANAGER", "INDEXER_MANAGER_URL", "INDEXER_MANAGER_API_KEY", "INDEXER_MANAGER_BACKOFF_SECONDS",
		"NZB_SORT_MODE", "NZB_PREFERRED_LANGUAGE", "NZB_MAX_RESULT_SIZE_GB", "NZB_ALLOWED_RESOLUTIONS",
		"NZB_RESOLUTION_LIMIT_PER_QUALITY", "NZB_DEDUP_ENABLED", "NZB_HIDE_BLOCKED_RESULTS",
		"NZB_TRIAGE_ENABLED", "NZB_TRIAGE_TIME_BUDGET_MS", "NZB_TRIAGE_MAX_CANDIDATES",
		"NZB_TRIAGE_DOWNLOAD_CONCURRENCY", "NZB_TRIAGE_MAX_CONNECTIONS", "NZB_TRIAGE_STAT_SAMPLE_COUNT",
		"NZB_TRIAGE_ARCHIVE_SAMPLE_COUNT", "NZB_TRIAGE_NNTP_HOST", "NZB_TRIAGE_NNTP_PORT",
		"NZB_TRIAGE_NNTP_TLS", "NZB_TRIAGE_NNTP_USER", "NZB_TRIAGE_NNTP_PASS",
		"NZB_TRIAGE_NNTP_KEEP_ALIVE_MS", "NZB_TRIAGE_REUSE_POOL", "NZB_TRIAGE_PREFETCH_FIRST_VERIFIED",
		"NZB_TRIAGE_PRIORITY_INDEXERS", "NZB_TRIAGE_SERIALIZED_INDEXERS",
		"STREAM_CACHE_TTL_MINUTES", "STREAM_CACHE_MAX_SIZE_MB",
		"VERIFIED_NZB_CACHE_TTL_MINUTES", "VERIFIED_NZB_CACHE_MAX_SIZE_MB", "NZBDAV_CACHE_TTL_MINUTES",
		"NZBDAV_URL", "NZBDAV_API_KEY", "NZBDAV_WEBDAV_URL", "NZBDAV_WEBDAV_USER", "NZBDAV_WEBDAV_PASS",
		"NZBDAV_CATEGORY_MOVIES", "NZBDAV_CATEGORY_SERIES",
		"EASYNEWS_ENABLED", "EASYNEWS_USERNAME", "EASYNEWS_PASSWORD",
		"TMDB_API_KEY",
	}
	for i := 1; i <= NewznabSlots; i++ {
		suffix := fmt.Sprintf("%02d", i)
		keys = append(keys,
			"NEWZNAB_ENDPOINT_"+suffix,
			"NEWZNAB_API_KEY_"+suffix,
			"NEWZNAB_API_PATH_"+suffix,
			"NEWZNAB_NAME_"+suffix,
			"NEWZNAB_INDEXER_ENABLED_"+suffix,
			"NEWZNAB_PAID_"+suffix,
		)
	}
	return keys
}
