package nzbdav

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"strings"

	"davstream/pkg/cache"
	"davstream/pkg/logger"
	"davstream/pkg/nzb"
)

const maxWalkDepth = 6

// davEntry is one file found in the mounted tree.
type davEntry struct {
	Path string // absolute WebDAV path
	Name string
	Size int64
	Dir  bool
}

type multistatus struct {
	XMLName   xml.Name      `xml:"multistatus"`
	Responses []davResponse `xml:"response"`
}

type davResponse struct {
	Href  string `xml:"href"`
	Props struct {
		DisplayName   string `xml:"prop>displayname"`
		ContentLength int64  `xml:"prop>getcontentlength"`
		ResourceType  struct {
			Collection *struct{} `xml:"collection"`
		} `xml:"prop>resourcetype"`
	} `xml:"propstat"`
}

const propfindBody = `<?xml version="1.0" encoding="utf-8"?>
<propfind xmlns="DAV:"><prop><displayname/><getcontentlength/><resourcetype/></prop></propfind>`

// webdavBase returns the WebDAV root, falling back to the API host.
func (c *Client) webdavBase() string {
	if c.cfg.WebDavURL != "" {
		return c.cfg.WebDavURL
	}
	return c.cfg.URL
}

// WebDavFileURL builds the absolute URL for a mounted path.
func (c *Client) WebDavFileURL(davPath string) string {
	return c.webdavBase() + davPath
}

// WebDavAuth returns the credentials for proxying ranged reads.
func (c *Client) WebDavAuth() (user, pass string, ok bool) {
	return c.cfg.WebDavUser, c.cfg.WebDavPass, c.cfg.WebDavUser != ""
}

// listDir issues a depth-1 PROPFIND and parses the children.
func (c *Client) listDir(ctx context.Context, dirPath string) ([]davEntry, error) {
	reqURL := c.webdavBase() + dirPath
	req, err := http.NewRequestWithContext(ctx, "PROPFIND", reqURL, strings.NewReader(propfindBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Depth", "1")
	req.Header.Set("Content-Type", "application/xml")
	if user, pass, ok := c.WebDavAuth(); ok {
		req.SetBasicAuth(user, pass)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("propfind %s: %w", dirPath, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusMultiStatus && resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("propfind %s returned %d", dirPath, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var ms multistatus
	if err := xml.Unmarshal(body, &ms); err != nil {
		return nil, fmt.Errorf("parse propfind response: %w", err)
	}

	selfPath := strings.TrimRight(dirPath, "/")
	var entries []davEntry
	for _, r := range ms.Responses {
		href, err := url.PathUnescape(strings.TrimSpace(r.Href))
		if err != nil {
			href = strings.TrimSpace(r.Href)
		}
		// hrefs may be absolute URLs; reduce to the path
		if u, err := url.Parse(href); err == nil && u.Path != "" {
			href = u.Path
		}
		href = strings.TrimRight(href, "/")
		if href == "" || href == selfPath {
			continue
		}
		name := r.Props.DisplayName
		if name == "" {
			name = path.Base(href)
		}
		entries = append(entries, davEntry{
			Path: href,
			Name: name,
			Size: r.Props.ContentLength,
			Dir:  r.Props.ResourceType.Collection != nil,
		})
	}
	return entries, nil
}

// findVideo walks the mounted job directory breadth-first looking for the
// largest playable video, episode-matched when season/episode are known.
func (c *Client) findVideo(ctx context.Context, category, jobName string, season, episode int) (*davEntry, error) {
	root := "/" + strings.Trim(category, "/") + "/" + sanitizeFilename(jobName)

	type level struct {
		path  string
		depth int
	}
	queue := []level{{path: root, depth: 0}}

	var best, bestMatched *davEntry
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur.depth > maxWalkDepth {
			continue
		}
		entries, err := c.listDir(ctx, cur.path)
		if err != nil {
			if cur.depth == 0 {
				return nil, err
			}
			logger.Debug("WebDAV walk skipping directory", "path", cur.path, "err", err)
			continue
		}
		for i := range entries {
			e := &entries[i]
			if e.Dir {
				queue = append(queue, level{path: e.Path, depth: cur.depth + 1})
				continue
			}
			if !nzb.IsVideoExtension(strings.ToLower(path.Ext(e.Name))) {
				continue
			}
			if best == nil || e.Size > best.Size {
				best = e
			}
			if season > 0 && episode > 0 && matchesEpisode(e.Name, season, episode) {
				if bestMatched == nil || e.Size > bestMatched.Size {
					bestMatched = e
				}
			}
		}
	}

	if season > 0 && episode > 0 && bestMatched != nil {
		return bestMatched, nil
	}
	if best != nil {
		return best, nil
	}
	return nil, cache.Deterministic(fmt.Errorf("no playable video found in %s", root))
}

var episodePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)s(\d{1,2})[ ._-]?e(\d{1,3})`),
	regexp.MustCompile(`(?i)\b(\d{1,2})x(\d{1,3})\b`),
}

// matchesEpisode checks SxxEyy and NxM episode naming.
func matchesEpisode(name string, season, episode int) bool {
	for _, re := range episodePatterns {
		for _, m := range re.FindAllStringSubmatch(name, -1) {
			if atoiSafe(m[1]) == season && atoiSafe(m[2]) == episode {
				return true
			}
		}
	}
	return false
}

func atoiSafe(s string) int {
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return -1
		}
		n = n*10 + int(c-'0')
	}
	return n
}
