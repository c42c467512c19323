package stremio

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"syscall"

	"davstream/pkg/cache"
	"davstream/pkg/logger"
	"davstream/pkg/nzbdav"
)

//go:embed assets/nzb_failure.mp4 assets/no_video_found.mp4
var fallbackAssets embed.FS

// hop-by-hop headers never forwarded from the WebDAV backend.
var hopByHopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailer", "Transfer-Encoding", "Upgrade",
}

var videoContentTypes = map[string]string{
	".mp4":  "video/mp4",
	".m4v":  "video/mp4",
	".mkv":  "video/x-matroska",
	".avi":  "video/x-msvideo",
	".mov":  "video/quicktime",
	".wmv":  "video/x-ms-wmv",
	".ts":   "video/mp2t",
	".m2ts": "video/mp2t",
	".webm": "video/webm",
	".mpg":  "video/mpeg",
	".mpeg": "video/mpeg",
}

type mountParams struct {
	downloadURL     string
	easynewsPayload string
	title           string
	category        string
	season          int
	episode         int

	historyNzoID    string
	historyJobName  string
	historyCategory string
}

// handlePlay serves /nzb/stream: resolve (or reuse) the mount handle, then
// proxy ranged reads from the WebDAV tree.
func (s *Server) handlePlay(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	p := mountParams{
		downloadURL:     q.Get("downloadUrl"),
		easynewsPayload: q.Get("easynewsPayload"),
		title:           q.Get("title"),
		category:        s.category(q.Get("type")),
		historyNzoID:    q.Get("historyNzoId"),
		historyJobName:  q.Get("historyJobName"),
		historyCategory: q.Get("historyCategory"),
	}
	if id := q.Get("id"); q.Get("type") == "series" && strings.Contains(id, ":") {
		parts := strings.Split(id, ":")
		if len(parts) >= 3 {
			p.season, _ = strconv.Atoi(parts[1])
			p.episode, _ = strconv.Atoi(parts[2])
		}
	}
	if p.downloadURL == "" && p.easynewsPayload == "" && p.historyNzoID == "" {
		http.Error(w, "missing downloadUrl", http.StatusBadRequest)
		return
	}

	handle, err := s.resolveMount(r.Context(), mountKey(p), p)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		logger.Warn("Mount resolve failed", "title", p.title, "err", err)
		s.serveFallback(w, r, err)
		return
	}
	s.proxyFile(w, r, handle)
}

func mountKey(p mountParams) string {
	switch {
	case p.downloadURL != "":
		return p.downloadURL
	case p.easynewsPayload != "":
		return "easynews:" + p.easynewsPayload
	default:
		return "history:" + p.historyNzoID
	}
}

// resolveMount goes through the mount-handle cache; concurrent players of
// the same release share one queue-and-wait.
func (s *Server) resolveMount(ctx context.Context, key string, p mountParams) (*nzbdav.Handle, error) {
	return s.mountCache.Resolve(ctx, key, func(buildCtx context.Context) (*nzbdav.Handle, error) {
		req := nzbdav.MountRequest{
			DownloadURL: p.downloadURL,
			Title:       p.title,
			Category:    p.category,
			Season:      p.season,
			Episode:     p.episode,
		}
		if p.historyNzoID != "" {
			req.HistorySlot = &nzbdav.HistorySlot{
				NzoID:    p.historyNzoID,
				Name:     p.historyJobName,
				Status:   "Completed",
				Category: p.historyCategory,
			}
		}
		if body, ok := s.verifiedNZBs.Get(key); ok {
			req.NZBBody = body
		} else if p.easynewsPayload != "" && req.HistorySlot == nil {
			body, err := s.easynews.FetchNZB(buildCtx, p.easynewsPayload)
			if err != nil {
				return nil, fmt.Errorf("easynews nzb fetch: %w", err)
			}
			req.NZBBody = body
		}
		return s.mounts.Resolve(buildCtx, req)
	})
}

// proxyFile forwards the ranged read to the WebDAV backend, rewriting the
// response headers for players.
func (s *Server) proxyFile(w http.ResponseWriter, r *http.Request, handle *nzbdav.Handle) {
	if start, ok := parseRangeStart(r.Header.Get("Range")); ok && handle.Size > 0 && start >= handle.Size {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", handle.Size))
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
		return
	}

	upstream, err := http.NewRequestWithContext(r.Context(), r.Method, s.mounts.WebDavFileURL(handle.Path), nil)
	if err != nil {
		s.serveFallback(w, r, err)
		return
	}
	if rng := r.Header.Get("Range"); rng != "" {
		upstream.Header.Set("Range", rng)
	}
	if user, pass, ok := s.mounts.WebDavAuth(); ok {
		upstream.SetBasicAuth(user, pass)
	}

	resp, err := http.DefaultClient.Do(upstream)
	if err != nil {
		s.serveFallback(w, r, err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		s.serveFallback(w, r, fmt.Errorf("webdav returned %d for %s", resp.StatusCode, handle.Path))
		return
	}

	header := w.Header()
	for k, vs := range resp.Header {
		if isHopByHop(k) {
			continue
		}
		for _, v := range vs {
			header.Add(k, v)
		}
	}
	if ct := header.Get("Content-Type"); ct == "" || ct == "application/octet-stream" {
		header.Set("Content-Type", contentTypeFor(handle.Filename))
	}
	header.Set("Accept-Ranges", "bytes")
	header.Set("Content-Disposition", fmt.Sprintf(`inline; filename="%s"`, sanitizeHeaderFilename(handle.Filename)))
	header.Set("Access-Control-Allow-Origin", "*")

	w.WriteHeader(resp.StatusCode)
	if r.Method == http.MethodHead {
		return
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		if isClientDisconnect(err) {
			logger.Debug("Stream closed by client", "file", handle.Filename)
			return
		}
		logger.Debug("Stream copy failed", "file", handle.Filename, "err", err)
	}
}

// serveFallback streams one of the embedded failure videos with the real
// failure message in a response header. Deterministic "no video" failures
// get the dedicated asset.
func (s *Server) serveFallback(w http.ResponseWriter, r *http.Request, cause error) {
	asset := "assets/nzb_failure.mp4"
	var det *cache.DeterministicError
	if errors.As(cause, &det) && strings.Contains(det.Error(), "no playable video") {
		asset = "assets/no_video_found.mp4"
	}
	data, err := fallbackAssets.ReadFile(asset)
	if err != nil {
		http.Error(w, cause.Error(), http.StatusBadGateway)
		return
	}

	header := w.Header()
	header.Set("Content-Type", "video/mp4")
	header.Set("Content-Length", strconv.Itoa(len(data)))
	header.Set("X-NZBDav-Failure", sanitizeHeaderValue(cause.Error()))
	header.Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	w.Write(data)
}

// parseRangeStart extracts the first byte position of "bytes=a-b" ranges.
// Suffix ranges ("bytes=-500") are forwarded untouched.
func parseRangeStart(rng string) (int64, bool) {
	rng = strings.TrimSpace(rng)
	if !strings.HasPrefix(rng, "bytes=") {
		return 0, false
	}
	spec := strings.TrimPrefix(rng, "bytes=")
	if idx := strings.Index(spec, ","); idx >= 0 {
		spec = spec[:idx]
	}
	parts := strings.SplitN(spec, "-", 2)
	if len(parts) != 2 || parts[0] == "" {
		return 0, false
	}
	start, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || start < 0 {
		return 0, false
	}
	return start, true
}

func isHopByHop(key string) bool {
	for _, h := range hopByHopHeaders {
		if strings.EqualFold(h, key) {
			return true
		}
	}
	return false
}

func contentTypeFor(filename string) string {
	if ct, ok := videoContentTypes[strings.ToLower(path.Ext(filename))]; ok {
		return ct
	}
	return "application/octet-stream"
}

func sanitizeHeaderFilename(name string) string {
	return strings.Map(func(r rune) rune {
		if r == '"' || r == '\\' || r < 0x20 || r > 0x7e {
			return '_'
		}
		return r
	}, name)
}

func sanitizeHeaderValue(v string) string {
	return strings.Map(func(r rune) rune {
		if r < 0x20 || r > 0x7e {
			return ' '
		}
		return r
	}, v)
}

func isClientDisconnect(err error) bool {
	if errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, context.Canceled) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "broken pipe") || strings.Contains(msg, "connection reset")
}
