package main

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"davstream/pkg/config"
	"davstream/pkg/indexer"
	"davstream/pkg/indexer/easynews"
	"davstream/pkg/indexer/newznab"
	"davstream/pkg/indexer/prowlarr"
	"davstream/pkg/logger"
	"davstream/pkg/metadata/tmdb"
	"davstream/pkg/nntp"
	"davstream/pkg/nzbdav"
	"davstream/pkg/stremio"

	"github.com/joho/godotenv"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	if err := godotenv.Load(); err != nil {
		fmt.Println("No .env file found, using environment variables")
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}
	logger.Init(logLevel)
	logger.Info("Starting DavStream", "version", version)

	cfg, err := config.Load()
	if err != nil {
		fatal(err)
	}
	logger.Init(cfg.LogLevel)
	if err := cfg.Validate(); err != nil {
		fatal(err)
	}

	var backends []indexer.Searcher
	newznabClients := map[string]*newznab.Client{}

	if cfg.IndexerManager != "none" {
		name := "Prowlarr"
		if cfg.IndexerManager == "nzbhydra" {
			name = "NZBHydra"
		}
		backends = append(backends, prowlarr.NewClient(
			cfg.IndexerManagerURL, cfg.IndexerManagerAPIKey, name, cfg.IndexerManagerBackoffSeconds))
	}
	for _, slot := range cfg.UsableNewznab() {
		c := newznab.NewClient(slot)
		backends = append(backends, c)
		newznabClients[slot.DedupeKey()] = c
	}

	var easynewsClient *easynews.Client
	if cfg.Easynews.Enabled {
		easynewsClient, err = easynews.NewClient(cfg.Easynews.Username, cfg.Easynews.Password)
		if err != nil {
			fatal(err)
		}
		backends = append(backends, easynewsClient)
	}
	if len(backends) == 0 {
		fatal(fmt.Errorf("no indexers configured: set INDEXER_MANAGER, NEWZNAB_ENDPOINT_01 or EASYNEWS_ENABLED"))
	}
	logger.Info("Indexers configured", "count", len(backends))

	nntpManager := nntp.NewManager()
	defer nntpManager.Shutdown()

	server := stremio.NewServer(cfg, version, backends, newznabClients,
		easynewsClient, tmdb.NewClient(cfg.TMDBAPIKey), nntpManager,
		nzbdav.NewClient(cfg.NZBDav))

	addr := fmt.Sprintf(":%d", cfg.Port)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	logger.Info("Addon listening", "addr", addr, "base_url", cfg.AddonBaseURL)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		fatal(err)
	}
}

// fatal writes one line to stderr and exits non-zero.
func fatal(err error) {
	fmt.Fprintf(os.Stderr, "davstream: %v\n", err)
	os.Exit(1)
}
