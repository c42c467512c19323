package easynews

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"davstream/pkg/indexer"
	"davstream/pkg/logger"
	"davstream/pkg/release"
)

const (
	baseURL           = "https://members.easynews.com"
	maxResultsPerPage = 250
	searchTimeout     = 15 * time.Second
	downloadTimeout   = 30 * time.Second

	// Results below this size are junk samples or stray subtitles.
	minResultBytes = 100 << 20
)

// Client searches Easynews' proprietary solr endpoint and builds NZBs on
// demand through the dl-nzb form API. Results carry a payload token
// instead of a download URL; FetchNZB redeems the token.
type Client struct {
	base     string
	username string
	password string
	client   *http.Client
}

var _ indexer.Searcher = (*Client)(nil)

func NewClient(username, password string) (*Client, error) {
	if username == "" || password == "" {
		return nil, fmt.Errorf("easynews username and password are required")
	}
	return &Client{
		base:     baseURL,
		username: username,
		password: password,
		client: &http.Client{
			Timeout: searchTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 100,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}, nil
}

func (c *Client) Name() string { return "Easynews" }

// Payload is the token contents for one Easynews file. The token is the
// base64url (unpadded) JSON encoding of this struct.
type Payload struct {
	Hash     string `json:"hash"`
	Filename string `json:"filename"`
	Ext      string `json:"ext"`
	Sig      string `json:"sig,omitempty"`
	Title    string `json:"title,omitempty"`
}

// EncodePayload produces the opaque token handed out in releases.
func EncodePayload(p Payload) string {
	data, _ := json.Marshal(p)
	return strings.TrimRight(base64.URLEncoding.EncodeToString(data), "=")
}

// DecodePayload reverses EncodePayload, re-adding stripped padding.
func DecodePayload(token string) (Payload, error) {
	if pad := (4 - len(token)%4) % 4; pad > 0 {
		token += strings.Repeat("=", pad)
	}
	var p Payload
	data, err := base64.URLEncoding.DecodeString(token)
	if err != nil {
		return p, fmt.Errorf("decode payload token: %w", err)
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("parse payload token: %w", err)
	}
	if p.Hash == "" {
		return p, fmt.Errorf("payload token missing hash")
	}
	return p, nil
}

var (
	punctRun  = regexp.MustCompile(`[^\w\s&]+`)
	spaceRun  = regexp.MustCompile(`\s+`)
	yearToken = regexp.MustCompile(`\b(19|20)\d{2}\b`)
	sxxEyy    = regexp.MustCompile(`(?i)\bS(\d{1,2})E(\d{1,3})\b`)
)

// SanitizeQuery collapses punctuation, spells out ampersands and squeezes
// whitespace. Easynews' solr tokenizer chokes on raw punctuation.
func SanitizeQuery(q string) string {
	q = strings.ReplaceAll(q, "&", " and ")
	q = punctRun.ReplaceAllString(q, " ")
	return strings.TrimSpace(spaceRun.ReplaceAllString(q, " "))
}

// Search dispatches one plan. Identifier-only plans (no text query) are
// skipped since the solr endpoint has no IMDb/TVDB fields. An empty result
// retries once with the plan's ASCII fallback query.
func (c *Client) Search(ctx context.Context, plan indexer.SearchPlan) ([]*release.Release, error) {
	query := episodeQuery(plan, SanitizeQuery(plan.Query))
	if query == "" {
		return nil, nil
	}
	strict := plan.Type == indexer.PlanMovie || plan.Type == indexer.PlanSeries

	releases, err := c.searchQuery(ctx, query, plan, strict)
	if err != nil {
		return nil, err
	}
	if len(releases) == 0 && plan.ASCIIFallback != "" {
		if alt := episodeQuery(plan, SanitizeQuery(plan.ASCIIFallback)); alt != "" && alt != query {
			logger.Debug("Easynews retrying with original title", "query", alt)
			return c.searchQuery(ctx, alt, plan, strict)
		}
	}
	return releases, nil
}

// episodeQuery appends the SxxEyy token for series plans that lack one.
func episodeQuery(plan indexer.SearchPlan, query string) string {
	if query == "" {
		return ""
	}
	if plan.Type == indexer.PlanSeries && plan.Season > 0 && plan.Episode > 0 &&
		!sxxEyy.MatchString(query) {
		return fmt.Sprintf("%s S%02dE%02d", query, plan.Season, plan.Episode)
	}
	return query
}

func (c *Client) searchQuery(ctx context.Context, query string, plan indexer.SearchPlan, strict bool) ([]*release.Release, error) {
	params := url.Values{}
	params.Set("fly", "2")
	params.Set("sb", "1")
	params.Set("pno", "1")
	params.Set("pby", strconv.Itoa(maxResultsPerPage))
	params.Set("u", "1")
	params.Set("chxu", "1")
	params.Set("chxgx", "1")
	params.Set("st", "basic")
	params.Set("gps", query)
	params.Set("vv", "1")
	params.Set("safeO", "0")
	params.Set("s1", "relevance")
	params.Set("s1d", "-")
	params.Add("fty[]", "VIDEO")

	searchURL := fmt.Sprintf("%s/2.0/search/solr-search/?%s", c.base, params.Encode())

	var data searchResponse
	err := indexer.WithRetry(ctx, c.Name(), func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, searchURL, nil)
		if err != nil {
			return err
		}
		req.SetBasicAuth(c.username, c.password)

		resp, err := c.client.Do(req)
		if err != nil {
			return fmt.Errorf("easynews search: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return fmt.Errorf("easynews rejected credentials: %w", indexer.ErrAuth)
		}
		if resp.StatusCode != http.StatusOK {
			return &indexer.StatusError{Status: resp.StatusCode, Indexer: c.Name()}
		}

		data = searchResponse{}
		if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
			return fmt.Errorf("parse easynews response: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	releases := c.filterAndMap(data, query, plan, strict)
	logger.Debug("Easynews search done", "query", query, "raw", len(data.Data), "kept", len(releases))
	return releases, nil
}

// searchResponse is the solr endpoint response. Entries come either as
// positional arrays or objects depending on account tier.
type searchResponse struct {
	Data  []any `json:"data"`
	Total int   `json:"total"`
}

type fileEntry struct {
	Hash     string
	Subject  string
	Poster   string
	Posted   string
	Filename string
	Ext      string
	Sig      string
	Size     int64
	Duration any
}

var disallowedExts = map[string]bool{
	".rar": true, ".zip": true, ".exe": true,
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true,
}

var videoExts = map[string]bool{
	".mkv": true, ".mp4": true, ".m4v": true, ".avi": true, ".ts": true,
	".mov": true, ".wmv": true, ".mpg": true, ".mpeg": true, ".flv": true, ".webm": true,
}

func (c *Client) filterAndMap(data searchResponse, query string, plan indexer.SearchPlan, strict bool) []*release.Release {
	queryYear := yearToken.FindString(query)
	queryEp := sxxEyy.FindString(strings.ToUpper(query))

	var out []*release.Release
	for _, raw := range data.Data {
		entry := decodeEntry(raw)
		if entry.Hash == "" {
			continue
		}

		ext := strings.ToLower(entry.Ext)
		if ext != "" && !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		if disallowedExts[ext] {
			continue
		}
		if ext != "" && !videoExts[ext] {
			continue
		}
		if entry.Size > 0 && entry.Size < minResultBytes {
			continue
		}
		if secs := durationSeconds(entry.Duration); secs > 0 && secs < 60 {
			continue
		}

		title := entry.Filename
		if title != "" && entry.Ext != "" {
			if strings.HasPrefix(entry.Ext, ".") {
				title += entry.Ext
			} else {
				title += "." + entry.Ext
			}
		}
		if title == "" {
			title = entry.Subject
		}
		if title == "" {
			continue
		}
		if strings.Contains(strings.ToLower(title), "sample") {
			continue
		}

		if strict {
			if !phraseMatches(query, title) {
				continue
			}
			if queryYear != "" && !strings.Contains(title, queryYear) {
				continue
			}
			if queryEp != "" && !strings.Contains(strings.ToUpper(title), queryEp) {
				continue
			}
		}

		token := EncodePayload(Payload{
			Hash:     entry.Hash,
			Filename: entry.Filename,
			Ext:      entry.Ext,
			Sig:      entry.Sig,
			Title:    title,
		})

		parsed := release.ParseTitle(title)
		out = append(out, &release.Release{
			Title:        title,
			Indexer:      "Easynews",
			IndexerID:    "easynews",
			Size:         entry.Size,
			PublishedAt:  parsePosted(entry.Posted),
			Source:       release.SourceEasynews,
			Paid:         true,
			Resolution:   parsed.Resolution,
			Languages:    parsed.Languages,
			QualityScore: parsed.QualityScore,
			PayloadToken: token,
		})
	}
	return out
}

// phraseMatches requires the sanitized query (minus year/episode tokens) to
// appear as a contiguous token sequence in the candidate title.
func phraseMatches(query, title string) bool {
	phrase := yearToken.ReplaceAllString(query, " ")
	phrase = sxxEyy.ReplaceAllString(phrase, " ")
	plan := indexer.SearchPlan{StrictPhrase: phrase}
	return plan.MatchesStrictPhrase(title)
}

// decodeEntry handles both the positional-array and object entry shapes.
// Array layout: 0 hash, 2 sig, 6 subject, 7 poster, 8 posted, 10 filename,
// 11 ext, 12 size, 14 duration.
func decodeEntry(raw any) fileEntry {
	var e fileEntry
	switch v := raw.(type) {
	case []any:
		getStr := func(i int) string {
			if i < len(v) {
				if s, ok := v[i].(string); ok {
					return s
				}
			}
			return ""
		}
		e.Hash = getStr(0)
		e.Sig = getStr(2)
		e.Subject = getStr(6)
		e.Poster = getStr(7)
		e.Posted = getStr(8)
		e.Filename = getStr(10)
		e.Ext = getStr(11)
		if len(v) > 12 {
			if f, ok := v[12].(float64); ok {
				e.Size = int64(f)
			}
		}
		if len(v) > 14 {
			e.Duration = v[14]
		}
	case map[string]any:
		str := func(key string) string {
			s, _ := v[key].(string)
			return s
		}
		e.Hash = str("hash")
		e.Sig = str("sig")
		e.Subject = str("subject")
		e.Poster = str("poster")
		e.Posted = str("posted")
		e.Filename = str("filename")
		e.Ext = str("ext")
		if f, ok := v["size"].(float64); ok {
			e.Size = int64(f)
		}
		e.Duration = v["duration"]
	}
	return e
}

func durationSeconds(raw any) int64 {
	switch v := raw.(type) {
	case float64:
		return int64(v)
	case string:
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
		parts := strings.Split(v, ":")
		var total int64
		for _, p := range parts {
			n, err := strconv.Atoi(strings.TrimSpace(p))
			if err != nil {
				return 0
			}
			total = total*60 + int64(n)
		}
		if len(parts) >= 2 {
			return total
		}
	}
	return 0
}

func parsePosted(s string) time.Time {
	for _, layout := range []string{"2006-01-02 15:04:05", time.RFC1123Z, time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

// FetchNZB redeems a payload token against the dl-nzb form API and returns
// the raw NZB document.
func (c *Client) FetchNZB(ctx context.Context, token string) ([]byte, error) {
	p, err := DecodePayload(token)
	if err != nil {
		return nil, err
	}

	form := url.Values{}
	form.Set("autoNZB", "1")
	key := "0"
	if p.Sig != "" {
		key = "0&sig=" + p.Sig
	}
	fnB64 := base64.URLEncoding.EncodeToString([]byte(p.Filename))
	extB64 := base64.URLEncoding.EncodeToString([]byte(p.Ext))
	form.Set(key, fmt.Sprintf("%s|%s:%s", p.Hash, fnB64, extB64))
	if p.Title != "" {
		form.Set("nameZipQ0", p.Title)
	}

	ctx, cancel := context.WithTimeout(ctx, downloadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/2.0/api/dl-nzb", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(c.username, c.password)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("easynews NZB download: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("easynews NZB download status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return io.ReadAll(resp.Body)
}
