package newznab

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/html/charset"

	"davstream/pkg/config"
	"davstream/pkg/indexer"
	"davstream/pkg/logger"
	"davstream/pkg/release"
)

// Client is a Newznab API client for a single direct indexer slot.
type Client struct {
	baseURL string
	apiPath string // e.g. "/api" or "/api/v1"
	apiKey  string
	name    string
	slug    string
	paid    bool
	client  *http.Client
}

var _ indexer.Searcher = (*Client)(nil)

// NewClient creates a client for one configured slot.
func NewClient(slot config.NewznabSlot) *Client {
	// Self-signed certs are common on private indexers and local proxies
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: true,
		},
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 100,
		IdleConnTimeout:     90 * time.Second,
	}

	apiPath := slot.APIPath
	if apiPath == "" {
		apiPath = "/api"
	}
	if !strings.HasPrefix(apiPath, "/") {
		apiPath = "/" + apiPath
	}

	return &Client{
		name:    slot.DisplayName(),
		slug:    slot.DedupeKey(),
		baseURL: strings.TrimRight(slot.Endpoint, "/"),
		apiPath: apiPath,
		apiKey:  slot.APIKey,
		paid:    slot.Paid,
		client: &http.Client{
			Timeout:   30 * time.Second,
			Transport: transport,
		},
	}
}

func (c *Client) Name() string { return c.name }

// apiError is the Newznab <error code="..." description="..."/> payload.
type apiError struct {
	XMLName     xml.Name `xml:"error"`
	Code        int      `xml:"code,attr"`
	Description string   `xml:"description,attr"`
}

// feed is the subset of the Newznab RSS response we consume.
type feed struct {
	Channel struct {
		Items []feedItem `xml:"item"`
	} `xml:"channel"`
}

type feedItem struct {
	Title     string `xml:"title"`
	Link      string `xml:"link"`
	PubDate   string `xml:"pubDate"`
	Size      int64  `xml:"size"`
	Enclosure struct {
		URL    string `xml:"url,attr"`
		Length int64  `xml:"length,attr"`
	} `xml:"enclosure"`
	Attrs []struct {
		Name  string `xml:"name,attr"`
		Value string `xml:"value,attr"`
	} `xml:"attr"`
}

func (it feedItem) attribute(name string) string {
	for _, a := range it.Attrs {
		if a.Name == name {
			return a.Value
		}
	}
	return ""
}

// checkAPIError maps the in-band Newznab error taxonomy to Go errors.
// Codes 100-199 are auth failures and disable the indexer for the request.
func (c *Client) checkAPIError(body []byte) error {
	var apiErr apiError
	if err := xml.Unmarshal(body, &apiErr); err != nil || apiErr.Description == "" && apiErr.Code == 0 {
		return nil
	}
	switch {
	case apiErr.Code >= 100 && apiErr.Code <= 199:
		return fmt.Errorf("%s auth error (code %d): %s: %w", c.Name(), apiErr.Code, apiErr.Description, indexer.ErrAuth)
	case apiErr.Code == 201:
		return fmt.Errorf("%s request limit reached (code %d): %s", c.Name(), apiErr.Code, apiErr.Description)
	default:
		return fmt.Errorf("%s API error (code %d): %s", c.Name(), apiErr.Code, apiErr.Description)
	}
}

// Search queries the indexer with the Newznab mode matching the plan type.
func (c *Client) Search(ctx context.Context, plan indexer.SearchPlan) ([]*release.Release, error) {
	params := url.Values{}
	params.Set("apikey", c.apiKey)
	params.Set("o", "xml")
	params.Set("limit", "100")
	params.Set("offset", "0")

	switch plan.Type {
	case indexer.PlanMovie:
		params.Set("t", "movie")
		params.Set("cat", "2000")
	case indexer.PlanSeries:
		params.Set("t", "tvsearch")
		params.Set("cat", "5000")
	default:
		params.Set("t", "search")
	}

	if plan.Query != "" {
		params.Set("q", plan.Query)
	}
	if plan.ImdbID != "" {
		params.Set("imdbid", strings.TrimPrefix(plan.ImdbID, "tt"))
	}
	if plan.TvdbID != "" {
		params.Set("tvdbid", plan.TvdbID)
	}
	if plan.Season > 0 {
		params.Set("season", strconv.Itoa(plan.Season))
	}
	if plan.Episode > 0 {
		params.Set("ep", strconv.Itoa(plan.Episode))
	}

	apiURL := fmt.Sprintf("%s%s?%s", c.baseURL, c.apiPath, params.Encode())
	logger.Debug("Newznab search", "indexer", c.Name(), "type", plan.Type, "q", plan.Query)

	var result feed
	err := indexer.WithRetry(ctx, c.Name(), func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL, nil)
		if err != nil {
			return err
		}
		resp, err := c.client.Do(req)
		if err != nil {
			return fmt.Errorf("query %s: %w", c.Name(), err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read %s response: %w", c.Name(), err)
		}

		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return fmt.Errorf("%s status %d: %w", c.Name(), resp.StatusCode, indexer.ErrAuth)
		}
		if resp.StatusCode != http.StatusOK {
			// Some indexers wrap errors in a 200-less payload anyway
			if err := c.checkAPIError(body); err != nil {
				return err
			}
			return &indexer.StatusError{Status: resp.StatusCode, Indexer: c.Name()}
		}
		if err := c.checkAPIError(body); err != nil {
			return err
		}

		result = feed{}
		dec := xml.NewDecoder(bytes.NewReader(body))
		dec.CharsetReader = charset.NewReaderLabel
		if err := dec.Decode(&result); err != nil {
			return fmt.Errorf("parse %s response: %w", c.Name(), err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	releases := make([]*release.Release, 0, len(result.Channel.Items))
	for _, it := range result.Channel.Items {
		dl := downloadURL(it)
		if it.Title == "" || dl == "" {
			continue
		}
		parsed := release.ParseTitle(it.Title)
		releases = append(releases, &release.Release{
			Title:        it.Title,
			DownloadURL:  dl,
			Indexer:      c.name,
			IndexerID:    c.slug,
			Size:         itemSize(it),
			PublishedAt:  parsePubDate(it.PubDate),
			Source:       release.SourceDirect,
			Paid:         c.paid,
			Resolution:   parsed.Resolution,
			Languages:    parsed.Languages,
			QualityScore: parsed.QualityScore,
		})
	}
	return releases, nil
}

// downloadURL prefers the enclosure and requires an NZB-looking URL so web
// detail pages never leak into results.
func downloadURL(it feedItem) string {
	for _, candidate := range []string{it.Enclosure.URL, it.Link} {
		if candidate == "" {
			continue
		}
		lower := strings.ToLower(candidate)
		if strings.Contains(lower, ".nzb") ||
			strings.Contains(lower, "t=getnzb") ||
			strings.Contains(lower, "mode=getnzb") ||
			strings.Contains(lower, "/getnzb") ||
			strings.Contains(lower, "/download") ||
			strings.Contains(lower, "/api") {
			return candidate
		}
	}
	return ""
}

// itemSize extracts the size with fallbacks: <size> element, enclosure
// length, then the "size" newznab attr.
func itemSize(it feedItem) int64 {
	if it.Size > 0 {
		return it.Size
	}
	if it.Enclosure.Length > 0 {
		return it.Enclosure.Length
	}
	if attr := it.attribute("size"); attr != "" {
		if n, err := strconv.ParseInt(attr, 10, 64); err == nil {
			return n
		}
	}
	return 0
}

func parsePubDate(s string) time.Time {
	for _, layout := range []string{time.RFC1123Z, time.RFC1123, time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

// DownloadNZB fetches the raw NZB document for a release owned by this
// indexer. The caller enforces any fetch deadline via ctx.
func (c *Client) DownloadNZB(ctx context.Context, nzbURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, nzbURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download NZB from %s: %w", c.Name(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &indexer.StatusError{Status: resp.StatusCode, Indexer: c.Name()}
	}
	return io.ReadAll(resp.Body)
}
