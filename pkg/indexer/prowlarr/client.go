package prowlarr

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"davstream/pkg/indexer"
	"davstream/pkg/logger"
	"davstream/pkg/release"
)

// Client queries a Prowlarr or NZBHydra2 aggregator through the Prowlarr
// v1 search API. One aggregator fronts any number of real indexers; items
// carry the real indexer's name and id.
type Client struct {
	baseURL string
	apiKey  string
	name    string
	client  *http.Client

	// Circuit breaker: unix-nano instant before which all searches are
	// short-circuited to empty results. A single deadline, no window.
	unavailableUntil atomic.Int64
	backoff          time.Duration
}

var _ indexer.Searcher = (*Client)(nil)

// NewClient creates an aggregator client. backoffSeconds is the breaker
// window applied after any failure.
func NewClient(baseURL, apiKey, name string, backoffSeconds int) *Client {
	if backoffSeconds <= 0 {
		backoffSeconds = 120
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		name:    name,
		backoff: time.Duration(backoffSeconds) * time.Second,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) Name() string {
	if c.name != "" {
		return c.name
	}
	return "Aggregator"
}

// item is the aggregator's search result shape. Fields not listed are
// ignored by the permissive JSON decode.
type item struct {
	Title       string `json:"title"`
	DownloadURL string `json:"downloadUrl"`
	Link        string `json:"link"`
	GUID        string `json:"guid"`
	Size        int64  `json:"size"`
	PublishDate string `json:"publishDate"`
	Indexer     string `json:"indexer"`
	IndexerID   int    `json:"indexerId"`
	Protocol    string `json:"protocol"`
}

// Search issues one GET against /api/v1/search. Structured tokens are
// rendered into the query string the way Prowlarr indexer definitions
// consume them ({ImdbId:tt...} etc.).
func (c *Client) Search(ctx context.Context, plan indexer.SearchPlan) ([]*release.Release, error) {
	if until := c.unavailableUntil.Load(); until > time.Now().UnixNano() {
		logger.Debug("Aggregator short-circuited by breaker", "until", time.Unix(0, until))
		return nil, nil
	}

	params := url.Values{}
	params.Set("query", buildQuery(plan))
	params.Set("type", searchType(plan.Type))
	switch plan.Type {
	case indexer.PlanMovie:
		params.Set("categories", "2000")
	case indexer.PlanSeries:
		params.Set("categories", "5000")
	}
	params.Set("limit", "100")

	searchURL := fmt.Sprintf("%s/api/v1/search?%s", c.baseURL, params.Encode())

	var items []item
	err := indexer.WithRetry(ctx, c.Name(), func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, searchURL, nil)
		if err != nil {
			return err
		}
		req.Header.Set("X-Api-Key", c.apiKey)
		resp, err := c.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return fmt.Errorf("%s: %w", c.Name(), indexer.ErrAuth)
		}
		if resp.StatusCode != http.StatusOK {
			return &indexer.StatusError{Status: resp.StatusCode, Indexer: c.Name()}
		}

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		items = items[:0]
		if err := json.Unmarshal(body, &items); err != nil {
			return fmt.Errorf("parse %s response: %w", c.Name(), err)
		}
		return nil
	})
	if err != nil {
		c.unavailableUntil.Store(time.Now().Add(c.backoff).UnixNano())
		return nil, err
	}

	releases := make([]*release.Release, 0, len(items))
	for _, it := range items {
		if it.Protocol != "" && it.Protocol != "usenet" {
			continue
		}
		dl := it.DownloadURL
		if dl == "" {
			dl = it.Link
		}
		if dl == "" {
			dl = it.GUID
		}
		if it.Title == "" || dl == "" {
			continue
		}
		parsed := release.ParseTitle(it.Title)
		releases = append(releases, &release.Release{
			Title:        it.Title,
			DownloadURL:  dl,
			Indexer:      indexerName(it),
			IndexerID:    "aggregator-" + strconv.Itoa(it.IndexerID),
			Size:         it.Size,
			PublishedAt:  parsePublishDate(it.PublishDate),
			Source:       release.SourceAggregator,
			Resolution:   parsed.Resolution,
			Languages:    parsed.Languages,
			QualityScore: parsed.QualityScore,
		})
	}
	return releases, nil
}

func indexerName(it item) string {
	if it.Indexer != "" {
		return it.Indexer
	}
	return "Aggregator"
}

func searchType(t indexer.PlanType) string {
	switch t {
	case indexer.PlanMovie:
		return "movie"
	case indexer.PlanSeries:
		return "tvsearch"
	default:
		return "search"
	}
}

func buildQuery(plan indexer.SearchPlan) string {
	var parts []string
	if plan.Query != "" {
		parts = append(parts, plan.Query)
	}
	if plan.ImdbID != "" {
		parts = append(parts, "{ImdbId:"+plan.ImdbID+"}")
	}
	if plan.TvdbID != "" {
		parts = append(parts, "{TvdbId:"+plan.TvdbID+"}")
	}
	if plan.Season > 0 {
		parts = append(parts, fmt.Sprintf("{Season:%d}", plan.Season))
	}
	if plan.Episode > 0 {
		parts = append(parts, fmt.Sprintf("{Episode:%d}", plan.Episode))
	}
	return strings.Join(parts, " ")
}

func parsePublishDate(s string) time.Time {
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05Z", "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
