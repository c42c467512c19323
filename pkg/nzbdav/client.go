package nzbdav

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"davstream/pkg/cache"
	"davstream/pkg/config"
	"davstream/pkg/logger"
)

const (
	historyPollInterval = 2 * time.Second
	mountDeadline       = 80 * time.Second
)

// Client talks to the NZBDav mount service: its SABnzbd-compatible queue
// API plus the WebDAV tree the completed jobs are exposed under.
type Client struct {
	cfg    config.NZBDavConfig
	client *http.Client
}

func NewClient(cfg config.NZBDavConfig) *Client {
	return &Client{
		cfg:    cfg,
		client: &http.Client{Timeout: 60 * time.Second},
	}
}

// Handle is a mounted, playable video file.
type Handle struct {
	NzoID    string
	JobName  string
	Category string
	Path     string // WebDAV path of the chosen video
	Filename string
	Size     int64
}

// apiResponse is the queue API envelope.
type apiResponse struct {
	Status bool     `json:"status"`
	Error  *string  `json:"error,omitempty"`
	NzoIds []string `json:"nzo_ids,omitempty"`
}

type historyResponse struct {
	History struct {
		Slots []HistorySlot `json:"slots"`
	} `json:"history"`
}

// HistorySlot is one finished or in-flight job.
type HistorySlot struct {
	NzoID    string `json:"nzo_id"`
	Name     string `json:"name"`
	Status   string `json:"status"` // Completed, Failed, Downloading, ...
	Category string `json:"category"`
	FailMsg  string `json:"fail_message"`
}

func (c *Client) apiURL(params url.Values) string {
	params.Set("apikey", c.cfg.APIKey)
	params.Set("output", "json")
	return fmt.Sprintf("%s/api?%s", c.cfg.URL, params.Encode())
}

// AddURL queues an NZB by its download URL. Returns the assigned nzo id.
func (c *Client) AddURL(ctx context.Context, nzbURL, name, category string) (string, error) {
	params := url.Values{}
	params.Set("mode", "addurl")
	params.Set("name", nzbURL)
	if name != "" {
		params.Set("nzbname", name)
	}
	if category != "" {
		params.Set("cat", category)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiURL(params), nil)
	if err != nil {
		return "", err
	}
	return c.doQueueRequest(req)
}

// AddFile uploads raw NZB bytes as a multipart form. Preferred over AddURL
// when the verified NZB body is already cached; the mount service then
// needs no second indexer hit.
func (c *Client) AddFile(ctx context.Context, nzbData []byte, name, category string) (string, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("nzbfile", sanitizeFilename(name)+".nzb")
	if err != nil {
		return "", err
	}
	if _, err := part.Write(nzbData); err != nil {
		return "", err
	}
	if err := writer.Close(); err != nil {
		return "", err
	}

	params := url.Values{}
	params.Set("mode", "addfile")
	if name != "" {
		params.Set("nzbname", name)
	}
	if category != "" {
		params.Set("cat", category)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL(params), body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return c.doQueueRequest(req)
}

func (c *Client) doQueueRequest(req *http.Request) (string, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("mount service request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("mount service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var api apiResponse
	if err := json.Unmarshal(respBody, &api); err != nil {
		return "", fmt.Errorf("parse mount service response: %w", err)
	}
	if !api.Status {
		msg := "unknown error"
		if api.Error != nil {
			msg = *api.Error
		}
		return "", fmt.Errorf("mount service error: %s", msg)
	}
	if len(api.NzoIds) == 0 {
		return "", fmt.Errorf("mount service returned no nzo id")
	}
	return api.NzoIds[0], nil
}

// History fetches the job history.
func (c *Client) History(ctx context.Context) ([]HistorySlot, error) {
	params := url.Values{}
	params.Set("mode", "history")
	params.Set("limit", "200")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiURL(params), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("mount history: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("mount history returned %d", resp.StatusCode)
	}
	var hist historyResponse
	if err := json.NewDecoder(resp.Body).Decode(&hist); err != nil {
		return nil, fmt.Errorf("parse mount history: %w", err)
	}
	return hist.History.Slots, nil
}

// FindCompleted looks for an already-completed job with the given name so
// the stream list can carry an instant tag without mounting anything.
func (c *Client) FindCompleted(ctx context.Context, name string) (*HistorySlot, bool) {
	slots, err := c.History(ctx)
	if err != nil {
		logger.Debug("Mount history lookup failed", "err", err)
		return nil, false
	}
	want := sanitizeFilename(name)
	for i := range slots {
		s := &slots[i]
		if strings.EqualFold(s.Status, "Completed") && strings.EqualFold(sanitizeFilename(s.Name), want) {
			return s, true
		}
	}
	return nil, false
}

// awaitJob polls history until the job completes, fails or the deadline
// passes.
func (c *Client) awaitJob(ctx context.Context, nzoID string) (*HistorySlot, error) {
	deadline := time.Now().Add(mountDeadline)
	for {
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("mount job %s did not finish within %s", nzoID, mountDeadline)
		}
		slots, err := c.History(ctx)
		if err == nil {
			for i := range slots {
				s := &slots[i]
				if s.NzoID != nzoID {
					continue
				}
				switch strings.ToLower(s.Status) {
				case "completed":
					return s, nil
				case "failed":
					msg := s.FailMsg
					if msg == "" {
						msg = "mount job failed"
					}
					return nil, cache.Deterministic(fmt.Errorf("%s", msg))
				}
			}
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(historyPollInterval):
		}
	}
}

// MountRequest describes one resolve operation.
type MountRequest struct {
	DownloadURL string
	NZBBody     []byte // upload directly when set
	Title       string
	Category    string
	Season      int
	Episode     int

	// Already-completed job from history; skips queueing entirely.
	HistorySlot *HistorySlot
}

// Resolve queues (or reuses) the job, waits for completion and picks the
// playable video out of the mounted WebDAV tree.
func (c *Client) Resolve(ctx context.Context, req MountRequest) (*Handle, error) {
	slot := req.HistorySlot
	if slot == nil {
		var nzoID string
		var err error
		if len(req.NZBBody) > 0 {
			nzoID, err = c.AddFile(ctx, req.NZBBody, req.Title, req.Category)
		} else {
			nzoID, err = c.AddURL(ctx, req.DownloadURL, req.Title, req.Category)
		}
		if err != nil {
			return nil, err
		}
		slot, err = c.awaitJob(ctx, nzoID)
		if err != nil {
			return nil, err
		}
	}

	video, err := c.findVideo(ctx, slot.Category, slot.Name, req.Season, req.Episode)
	if err != nil {
		return nil, err
	}
	return &Handle{
		NzoID:    slot.NzoID,
		JobName:  slot.Name,
		Category: slot.Category,
		Path:     video.Path,
		Filename: video.Name,
		Size:     video.Size,
	}, nil
}

func sanitizeFilename(name string) string {
	replacer := strings.NewReplacer("/", "_", "\\", "_", ":", "_", "*", "_", "?", "_", "\"", "_", "<", "_", ">", "_", "|", "_")
	return strings.TrimSpace(replacer.Replace(name))
}
