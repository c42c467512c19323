package stremio

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"davstream/pkg/cache"
	"davstream/pkg/config"
	"davstream/pkg/indexer"
	"davstream/pkg/indexer/easynews"
	"davstream/pkg/indexer/newznab"
	"davstream/pkg/logger"
	"davstream/pkg/metadata/tmdb"
	"davstream/pkg/nntp"
	"davstream/pkg/nzbdav"
	"davstream/pkg/release"
	"davstream/pkg/triage"
)

// Server is the addon HTTP surface: manifest, stream lists, the playback
// proxy and the Easynews NZB bridge.
type Server struct {
	cfg      *config.Config
	baseURL  string
	manifest *Manifest
	version  string

	backends []indexer.Searcher
	newznab  map[string]*newznab.Client // keyed by slot dedupe slug
	easynews *easynews.Client
	tmdb     *tmdb.Client

	nntpManager *nntp.Manager
	mounts      *nzbdav.Client

	responseCache *cache.Store[*cachedResult]
	verifiedNZBs  *cache.Store[[]byte]
	mountCache    *cache.MountCache[*nzbdav.Handle]

	// Triage decisions survive across requests so repeat searches skip
	// already-settled releases.
	decisions *cache.Store[*pastDecision]
}

// cachedResult is one response-cache entry: the ranked release list, the
// triage decisions gathered so far, and whether every evaluated candidate
// reached a final status.
type cachedResult struct {
	Releases       []*release.Release
	Decisions      map[string]*triage.Decision
	TriageComplete bool
}

type pastDecision struct {
	Decision    *triage.Decision
	PublishedAt time.Time
}

// NewServer wires the addon from already-constructed components.
func NewServer(cfg *config.Config, version string, backends []indexer.Searcher,
	newznabClients map[string]*newznab.Client, easynewsClient *easynews.Client,
	tmdbClient *tmdb.Client, nntpManager *nntp.Manager, mounts *nzbdav.Client) *Server {

	if version == "" {
		version = "dev"
	}
	return &Server{
		cfg:         cfg,
		baseURL:     cfg.AddonBaseURL,
		manifest:    NewManifest(cfg.AddonName, version),
		version:     version,
		backends:    backends,
		newznab:     newznabClients,
		easynews:    easynewsClient,
		tmdb:        tmdbClient,
		nntpManager: nntpManager,
		mounts:      mounts,

		responseCache: cache.NewStore[*cachedResult](0,
			int64(cfg.StreamCacheMaxSizeMB)<<20,
			time.Duration(cfg.StreamCacheTTLMinutes)*time.Minute),
		verifiedNZBs: cache.NewStore[[]byte](0,
			int64(cfg.VerifiedNZBCacheMaxSizeMB)<<20,
			time.Duration(cfg.VerifiedNZBCacheTTLMinutes)*time.Minute),
		mountCache: cache.NewMountCache[*nzbdav.Handle](
			time.Duration(cfg.NZBDav.MountCacheTTLMn) * time.Minute),
		decisions: cache.NewStore[*pastDecision](0, 0,
			time.Duration(cfg.VerifiedNZBCacheTTLMinutes)*time.Minute),
	}
}

// Handler returns the root handler. Every endpoint except /health requires
// the shared secret as the leading path segment; bad or missing tokens get
// a 401 before any downstream work runs.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path

		if path == "/health" {
			s.handleHealth(w, r)
			return
		}

		token, rest := splitToken(path)
		if token != s.cfg.AddonSharedSecret {
			logger.Debug("Rejected request with bad token", "path", path)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		switch {
		case rest == "/manifest.json":
			s.handleManifest(w, r)
		case strings.HasPrefix(rest, "/stream/"):
			s.handleStream(w, r, rest)
		case rest == "/nzb/stream":
			s.handlePlay(w, r)
		case rest == "/easynews/nzb":
			s.handleEasynewsNZB(w, r)
		default:
			http.NotFound(w, r)
		}
	})
}

// splitToken separates the leading path segment from the rest.
func splitToken(path string) (token, rest string) {
	trimmed := strings.TrimPrefix(path, "/")
	idx := strings.Index(trimmed, "/")
	if idx < 0 {
		return trimmed, "/"
	}
	return trimmed[:idx], trimmed[idx:]
}

func (s *Server) handleManifest(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.manifest)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
		"components": map[string]any{
			"indexers": len(s.backends),
			"triage":   s.cfg.Triage.Enabled,
			"easynews": s.easynews != nil,
			"metadata": s.tmdb.Enabled(),
		},
	})
}

// handleEasynewsNZB turns an opaque payload token back into NZB bytes.
func (s *Server) handleEasynewsNZB(w http.ResponseWriter, r *http.Request) {
	if s.easynews == nil {
		http.Error(w, "easynews disabled", http.StatusNotFound)
		return
	}
	token := r.URL.Query().Get("payload")
	if token == "" {
		http.Error(w, "missing payload", http.StatusBadRequest)
		return
	}
	data, err := s.easynews.FetchNZB(r.Context(), token)
	if err != nil {
		logger.Warn("Easynews NZB fetch failed", "err", err)
		http.Error(w, "easynews fetch failed", http.StatusBadGateway)
		return
	}
	w.Header().Set("Content-Type", "application/x-nzb")
	w.Header().Set("Content-Disposition", `attachment; filename="easynews.nzb"`)
	w.Write(data)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("Response write failed", "err", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, contentType, id string, err error) {
	writeJSON(w, http.StatusInternalServerError, errorResponse{
		Error: err.Error(),
		Details: errorDetails{
			Type:           contentType,
			ID:             id,
			IndexerManager: s.cfg.IndexerManager,
			Timestamp:      time.Now().UTC().Format(time.RFC3339),
		},
	})
}
