package stremio

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"davstream/pkg/nzbdav"
)

// rangedUpstream stands in for the WebDAV backend, honoring Range requests.
func rangedUpstream(t *testing.T, content []byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if user, pass, ok := r.BasicAuth(); !ok || user != "dav" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		http.ServeContent(w, r, "blob.bin", time.Time{}, bytes.NewReader(content))
	}))
	t.Cleanup(srv.Close)
	return srv
}

// playServer builds a server whose mount cache already holds a handle for
// downloadURL, backed by the given WebDAV upstream.
func playServer(t *testing.T, upstream *httptest.Server, downloadURL string, size int64) *Server {
	t.Helper()
	cfg := testConfig(t, map[string]string{
		"NZBDAV_WEBDAV_URL":  upstream.URL,
		"NZBDAV_WEBDAV_USER": "dav",
		"NZBDAV_WEBDAV_PASS": "secret",
	})
	s := newTestServer(t, cfg, nil)

	handle := &nzbdav.Handle{
		NzoID:    "SABnzbd_nzo_test",
		JobName:  "Movie.2024.1080p",
		Path:     "/movies/Movie.2024.1080p/movie.mkv",
		Filename: "movie.mkv",
		Size:     size,
	}
	_, err := s.mountCache.Resolve(context.Background(), downloadURL,
		func(context.Context) (*nzbdav.Handle, error) { return handle, nil })
	if err != nil {
		t.Fatalf("prewarm mount: %v", err)
	}
	return s
}

func playRequest(downloadURL, rangeHeader string) *http.Request {
	q := url.Values{}
	q.Set("type", "movie")
	q.Set("id", "tt0111161")
	q.Set("title", "Movie.2024.1080p")
	q.Set("downloadUrl", downloadURL)
	r := httptest.NewRequest(http.MethodGet, "/sekrit/nzb/stream?"+q.Encode(), nil)
	if rangeHeader != "" {
		r.Header.Set("Range", rangeHeader)
	}
	return r
}

func TestPlayProxiesRangedRead(t *testing.T) {
	content := make([]byte, 1000)
	for i := range content {
		content[i] = byte(i)
	}
	upstream := rangedUpstream(t, content)
	const dl = "http://indexer.example/nzb/ranged"
	s := playServer(t, upstream, dl, 1000)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, playRequest(dl, "bytes=100-199"))

	if rec.Code != http.StatusPartialContent {
		t.Fatalf("status = %d, want 206", rec.Code)
	}
	if got := rec.Header().Get("Content-Range"); got != "bytes 100-199/1000" {
		t.Errorf("Content-Range = %q", got)
	}
	if got := rec.Header().Get("Content-Length"); got != "100" {
		t.Errorf("Content-Length = %q, want 100", got)
	}
	if !bytes.Equal(rec.Body.Bytes(), content[100:200]) {
		t.Error("body does not match the requested range")
	}
	if got := rec.Header().Get("Content-Type"); got != "video/x-matroska" {
		t.Errorf("Content-Type = %q, want the extension-derived type", got)
	}
	if got := rec.Header().Get("Accept-Ranges"); got != "bytes" {
		t.Errorf("Accept-Ranges = %q", got)
	}
	if got := rec.Header().Get("Content-Disposition"); got != `inline; filename="movie.mkv"` {
		t.Errorf("Content-Disposition = %q", got)
	}
}

func TestPlayUnsatisfiableRange(t *testing.T) {
	upstream := rangedUpstream(t, make([]byte, 1000))
	const dl = "http://indexer.example/nzb/oob"
	s := playServer(t, upstream, dl, 1000)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, playRequest(dl, "bytes=1000-"))

	if rec.Code != http.StatusRequestedRangeNotSatisfiable {
		t.Fatalf("status = %d, want 416", rec.Code)
	}
	if got := rec.Header().Get("Content-Range"); got != "bytes */1000" {
		t.Errorf("Content-Range = %q, want bytes */1000", got)
	}
}

func TestPlayMethodNotAllowed(t *testing.T) {
	s := newTestServer(t, testConfig(t, nil), nil)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/sekrit/nzb/stream?downloadUrl=x", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST = %d, want 405", rec.Code)
	}
}

func TestPlayMissingSource(t *testing.T) {
	s := newTestServer(t, testConfig(t, nil), nil)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sekrit/nzb/stream?type=movie&id=tt1", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 without a source parameter", rec.Code)
	}
}

func TestPlayFallbackVideoOnMountFailure(t *testing.T) {
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "queue down", http.StatusInternalServerError)
	}))
	defer api.Close()

	cfg := testConfig(t, map[string]string{"NZBDAV_URL": api.URL})
	s := newTestServer(t, cfg, nil)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, playRequest("http://indexer.example/nzb/broken", ""))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 with the fallback video", rec.Code)
	}
	if got := rec.Header().Get("Content-Type"); got != "video/mp4" {
		t.Errorf("Content-Type = %q, want video/mp4", got)
	}
	if rec.Header().Get("X-NZBDav-Failure") == "" {
		t.Error("failure header must carry the cause")
	}
	if rec.Body.Len() == 0 {
		t.Error("fallback body must not be empty")
	}
}

func TestParseRangeStart(t *testing.T) {
	cases := []struct {
		in    string
		start int64
		ok    bool
	}{
		{"bytes=100-199", 100, true},
		{"bytes=0-", 0, true},
		{"bytes=5-10, 20-30", 5, true},
		{"bytes=-500", 0, false},
		{"", 0, false},
		{"bytes=abc-", 0, false},
		{"items=1-2", 0, false},
	}
	for _, tc := range cases {
		start, ok := parseRangeStart(tc.in)
		if start != tc.start || ok != tc.ok {
			t.Errorf("parseRangeStart(%q) = (%d, %v), want (%d, %v)", tc.in, start, ok, tc.start, tc.ok)
		}
	}
}

func TestContentTypeFor(t *testing.T) {
	cases := []struct {
		name string
		want string
	}{
		{"movie.mkv", "video/x-matroska"},
		{"movie.MP4", "video/mp4"},
		{"movie.unknownext", "application/octet-stream"},
	}
	for _, tc := range cases {
		if got := contentTypeFor(tc.name); got != tc.want {
			t.Errorf("contentTypeFor(%q) = %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestMountKeyMatchesReleaseKey(t *testing.T) {
	if got := mountKey(mountParams{downloadURL: "http://x/1"}); got != "http://x/1" {
		t.Errorf("download key = %q", got)
	}
	if got := mountKey(mountParams{easynewsPayload: "abc"}); got != "easynews:abc" {
		t.Errorf("easynews key = %q", got)
	}
	if got := mountKey(mountParams{historyNzoID: "nzo1"}); got != "history:nzo1" {
		t.Errorf("history key = %q", got)
	}
}
