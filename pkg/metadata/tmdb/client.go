package tmdb

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"davstream/pkg/logger"
)

const apiBase = "https://api.themoviedb.org/3"

// Client for TheMovieDB API. Used to turn an IMDb id into search titles,
// year, TVDB id and localized alternative titles.
type Client struct {
	apiKey string
	client *http.Client
}

func NewClient(apiKey string) *Client {
	return &Client{
		apiKey: apiKey,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Enabled reports whether metadata lookups can be performed at all.
func (c *Client) Enabled() bool { return c != nil && c.apiKey != "" }

// MediaInfo is the resolved metadata for one title.
type MediaInfo struct {
	TMDBID        int
	TVDBID        string
	Title         string
	OriginalTitle string
	Year          int

	// Localized titles from the alternative_titles endpoint, original
	// order preserved, duplicates of Title removed.
	AlternativeTitles []string
}

type findResponse struct {
	MovieResults []findResult `json:"movie_results"`
	TVResults    []findResult `json:"tv_results"`
}

type findResult struct {
	ID            int    `json:"id"`
	Name          string `json:"name"`
	Title         string `json:"title"`
	OriginalName  string `json:"original_name"`
	OriginalTitle string `json:"original_title"`
}

type altTitles struct {
	Titles []struct {
		Title string `json:"title"`
	} `json:"titles"`
	Results []struct {
		Title string `json:"title"`
	} `json:"results"`
}

type externalIDs struct {
	TVDBID int `json:"tvdb_id"`
}

type movieDetails struct {
	ID                int         `json:"id"`
	Title             string      `json:"title"`
	OriginalTitle     string      `json:"original_title"`
	ReleaseDate       string      `json:"release_date"`
	AlternativeTitles altTitles   `json:"alternative_titles"`
	ExternalIDs       externalIDs `json:"external_ids"`
}

type tvDetails struct {
	ID                int         `json:"id"`
	Name              string      `json:"name"`
	OriginalName      string      `json:"original_name"`
	FirstAirDate      string      `json:"first_air_date"`
	AlternativeTitles altTitles   `json:"alternative_titles"`
	ExternalIDs       externalIDs `json:"external_ids"`
}

func (c *Client) get(ctx context.Context, endpoint string, params url.Values, out any) error {
	if !c.Enabled() {
		return fmt.Errorf("TMDB API key not configured")
	}
	reqURL := apiBase + endpoint
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("TMDB request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("TMDB returned status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode TMDB response: %w", err)
	}
	return nil
}

// ResolveMovie looks up a movie by IMDb id and returns its titles and year.
func (c *Client) ResolveMovie(ctx context.Context, imdbID string) (*MediaInfo, error) {
	var find findResponse
	params := url.Values{"external_source": {"imdb_id"}}
	if err := c.get(ctx, "/find/"+imdbID, params, &find); err != nil {
		return nil, err
	}
	if len(find.MovieResults) == 0 {
		return nil, fmt.Errorf("no movie found for %s", imdbID)
	}

	var d movieDetails
	params = url.Values{"append_to_response": {"alternative_titles,external_ids"}}
	if err := c.get(ctx, "/movie/"+strconv.Itoa(find.MovieResults[0].ID), params, &d); err != nil {
		return nil, err
	}

	info := &MediaInfo{
		TMDBID:        d.ID,
		Title:         d.Title,
		OriginalTitle: d.OriginalTitle,
		Year:          yearOf(d.ReleaseDate),
	}
	for _, t := range d.AlternativeTitles.Titles {
		info.addAlternative(t.Title)
	}
	logger.Debug("Resolved movie metadata", "imdb", imdbID, "title", info.Title, "year", info.Year, "alts", len(info.AlternativeTitles))
	return info, nil
}

// ResolveSeries looks up a TV show by IMDb id, including its TVDB id.
func (c *Client) ResolveSeries(ctx context.Context, imdbID string) (*MediaInfo, error) {
	var find findResponse
	params := url.Values{"external_source": {"imdb_id"}}
	if err := c.get(ctx, "/find/"+imdbID, params, &find); err != nil {
		return nil, err
	}
	if len(find.TVResults) == 0 {
		return nil, fmt.Errorf("no TV show found for %s", imdbID)
	}

	var d tvDetails
	params = url.Values{"append_to_response": {"alternative_titles,external_ids"}}
	if err := c.get(ctx, "/tv/"+strconv.Itoa(find.TVResults[0].ID), params, &d); err != nil {
		return nil, err
	}

	info := &MediaInfo{
		TMDBID:        d.ID,
		Title:         d.Name,
		OriginalTitle: d.OriginalName,
		Year:          yearOf(d.FirstAirDate),
	}
	if d.ExternalIDs.TVDBID != 0 {
		info.TVDBID = strconv.Itoa(d.ExternalIDs.TVDBID)
	}
	for _, t := range d.AlternativeTitles.Results {
		info.addAlternative(t.Title)
	}
	logger.Debug("Resolved series metadata", "imdb", imdbID, "title", info.Title, "tvdb", info.TVDBID)
	return info, nil
}

func (m *MediaInfo) addAlternative(title string) {
	title = strings.TrimSpace(title)
	if title == "" || strings.EqualFold(title, m.Title) || strings.EqualFold(title, m.OriginalTitle) {
		return
	}
	for _, existing := range m.AlternativeTitles {
		if strings.EqualFold(existing, title) {
			return
		}
	}
	m.AlternativeTitles = append(m.AlternativeTitles, title)
}

func yearOf(date string) int {
	if len(date) < 4 {
		return 0
	}
	y, err := strconv.Atoi(date[:4])
	if err != nil {
		return 0
	}
	return y
}
