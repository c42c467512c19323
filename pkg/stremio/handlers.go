package stremio

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"davstream/pkg/indexer"
	"davstream/pkg/logger"
	"davstream/pkg/metadata/tmdb"
	"davstream/pkg/nntp"
	"davstream/pkg/nzbdav"
	"davstream/pkg/release"
	"davstream/pkg/search"
	"davstream/pkg/triage"
)

// handleStream serves /stream/:type/:id.json.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request, rest string) {
	contentType, id, ok := parseStreamPath(rest)
	if !ok {
		http.NotFound(w, r)
		return
	}
	req, ok := parseRequest(contentType, id)
	if !ok {
		writeJSON(w, http.StatusOK, StreamResponse{Streams: []Stream{}})
		return
	}

	streams, err := s.buildStreams(r.Context(), req, id)
	if err != nil {
		logger.Error("Stream request failed", "type", contentType, "id", id, "err", err)
		s.writeError(w, contentType, id, err)
		return
	}
	if streams == nil {
		streams = []Stream{}
	}
	writeJSON(w, http.StatusOK, StreamResponse{Streams: streams})
}

// parseStreamPath splits "/stream/{type}/{id}.json".
func parseStreamPath(rest string) (contentType, id string, ok bool) {
	trimmed := strings.TrimPrefix(rest, "/stream/")
	trimmed = strings.TrimSuffix(trimmed, ".json")
	parts := strings.SplitN(trimmed, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// parseRequest normalizes the Stremio content id. Series ids carry season
// and episode as "tt1234567:1:5".
func parseRequest(contentType, id string) (search.Request, bool) {
	req := search.Request{Type: contentType}
	base := id
	if contentType == "series" && strings.Contains(id, ":") {
		parts := strings.Split(id, ":")
		base = parts[0]
		if len(parts) >= 3 {
			req.Season, _ = strconv.Atoi(parts[1])
			req.Episode, _ = strconv.Atoi(parts[2])
		}
	}
	if !strings.HasPrefix(base, "tt") {
		return req, false
	}
	req.ImdbID = base
	return req, true
}

func (s *Server) cacheKey(req search.Request, id string) string {
	return fmt.Sprintf("%s|%s|%s|%s", req.Type, id, s.cfg.SortMode, strings.Join(s.cfg.PreferredLanguages, ","))
}

// buildStreams runs the full search/rank/triage/assemble pipeline, honoring
// response-cache full and partial hits.
func (s *Server) buildStreams(ctx context.Context, req search.Request, id string) ([]Stream, error) {
	key := s.cacheKey(req, id)

	if cached, ok := s.responseCache.Get(key); ok {
		if cached.TriageComplete {
			logger.Debug("Response cache hit", "id", id, "releases", len(cached.Releases))
			return s.assembleStreams(ctx, req, id, cached.Releases, cached.Decisions), nil
		}
		// Partial hit: reuse the ranked list, finish the pending triage
		// decisions. The pending set is re-derived from the cached release
		// list so URLs that dedupe removed are not revisited.
		logger.Debug("Response cache partial hit", "id", id, "releases", len(cached.Releases))
		decisions, complete := s.runTriage(ctx, req, cached.Releases, cached.Decisions)
		s.storeResult(key, cached.Releases, decisions, complete)
		return s.assembleStreams(ctx, req, id, cached.Releases, decisions), nil
	}

	ranked, err := s.searchReleases(ctx, req)
	if err != nil {
		return nil, err
	}

	decisions, complete := s.runTriage(ctx, req, ranked, nil)
	s.storeResult(key, ranked, decisions, complete)
	return s.assembleStreams(ctx, req, id, ranked, decisions), nil
}

// searchReleases performs metadata resolution and the plan dispatches, then
// ranks the merged result.
func (s *Server) searchReleases(ctx context.Context, req search.Request) ([]*release.Release, error) {
	// Metadata resolves while the id-based plans are already in flight.
	metaCh := make(chan *tmdb.MediaInfo, 1)
	go func() {
		metaCh <- s.resolveMetadata(ctx, req)
	}()

	all := map[string]*release.Release{}
	var order []*release.Release
	merge := func(batch []*release.Release) {
		for _, rel := range batch {
			k := rel.Key()
			if _, ok := all[k]; ok {
				continue
			}
			all[k] = rel
			order = append(order, rel)
		}
	}

	idReleases, idErrs := search.Dispatch(ctx, s.backends, search.IdentifierPlans(req, ""))
	merge(idReleases)

	info := <-metaCh

	var plans []indexer.SearchPlan
	if req.Type == "series" && info != nil && info.TVDBID != "" {
		plans = append(plans, search.IdentifierPlans(req, info.TVDBID)...)
	}
	plans = append(plans, search.TextPlans(req, info)...)
	textReleases, textErrs := search.Dispatch(ctx, s.backends, plans)
	merge(textReleases)

	if len(order) == 0 {
		if plan, ok := search.FallbackPlan(req, info); ok {
			fallbackReleases, _ := search.Dispatch(ctx, s.backends, []indexer.SearchPlan{plan})
			merge(fallbackReleases)
		}
	}

	for _, err := range append(idErrs, textErrs...) {
		logger.Warn("Indexer search error", "err", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	logger.Info("Search complete", "type", req.Type, "imdb", req.ImdbID, "raw", len(order))
	return search.Rank(order, s.cfg), nil
}

func (s *Server) resolveMetadata(ctx context.Context, req search.Request) *tmdb.MediaInfo {
	if !s.tmdb.Enabled() || req.ImdbID == "" {
		return nil
	}
	var info *tmdb.MediaInfo
	var err error
	if req.Type == "series" {
		info, err = s.tmdb.ResolveSeries(ctx, req.ImdbID)
	} else {
		info, err = s.tmdb.ResolveMovie(ctx, req.ImdbID)
	}
	if err != nil {
		logger.Warn("Metadata resolution failed", "imdb", req.ImdbID, "err", err)
		return nil
	}
	return info
}

// runTriage evaluates the health-eligible candidates, reusing prior final
// decisions, and reports whether every evaluated candidate is now final.
func (s *Server) runTriage(ctx context.Context, req search.Request, ranked []*release.Release, existing map[string]*triage.Decision) (map[string]*triage.Decision, bool) {
	decisions := map[string]*triage.Decision{}
	for k, d := range existing {
		decisions[k] = d
	}
	if !s.cfg.Triage.Enabled || req.ImdbID == "" {
		return decisions, true
	}

	candidates := s.triageCandidates(ranked)
	var pending []*release.Release
	for _, rel := range candidates {
		if d, ok := decisions[rel.Key()]; ok && d.Status.Final() {
			continue
		}
		if d := s.priorDecision(rel); d != nil {
			decisions[rel.Key()] = d
			continue
		}
		pending = append(pending, rel)
	}
	if len(pending) == 0 {
		return decisions, allFinal(candidates, decisions)
	}

	pool, cleanup, err := s.triagePool()
	if err != nil {
		logger.Warn("NNTP pool unavailable, skipping triage", "err", err)
		return decisions, false
	}
	defer cleanup()

	serialized := map[string]bool{}
	for _, id := range s.cfg.Triage.SerializedIndexers {
		serialized[strings.ToLower(strings.TrimSpace(id))] = true
	}

	runner := &triage.Runner{
		Pool:               pool,
		Fetch:              s.fetchNZB,
		TimeBudget:         time.Duration(s.cfg.Triage.TimeBudgetMS) * time.Millisecond,
		MaxCandidates:      s.cfg.Triage.MaxCandidates,
		Concurrency:        s.cfg.Triage.DownloadConcurrency,
		ArchiveSampleCount: s.cfg.Triage.ArchiveSampleCount,
		StatSampleCount:    s.cfg.Triage.StatSampleCount,
		Serialized:         serialized,
	}
	results, _ := runner.Run(ctx, pending)

	for k, d := range results {
		decisions[k] = d
	}
	s.recordDecisions(pending, results)

	if s.cfg.Triage.PrefetchFirstVerified {
		s.prefetchFirstVerified(req, ranked, decisions)
	}
	return decisions, allFinal(candidates, decisions)
}

// triageCandidates picks the paid/health-eligible subset. When nothing
// qualifies, every release is eligible so triage still runs.
func (s *Server) triageCandidates(ranked []*release.Release) []*release.Release {
	priority := map[string]bool{}
	for _, id := range s.cfg.Triage.PriorityIndexers {
		priority[strings.ToLower(strings.TrimSpace(id))] = true
	}
	var out []*release.Release
	for _, rel := range ranked {
		switch {
		case rel.Paid, priority[rel.IndexerID]:
			out = append(out, rel)
		case rel.Source == release.SourceEasynews && s.easynews != nil:
			out = append(out, rel)
		}
	}
	if len(out) == 0 {
		return ranked
	}
	return out
}

// priorDecision looks up a surviving final decision for rel, by key first,
// then by normalized title within the dedupe publish window.
func (s *Server) priorDecision(rel *release.Release) *triage.Decision {
	if past, ok := s.decisions.Get("k:" + rel.Key()); ok && past.Decision.Status.Final() {
		return past.Decision
	}
	past, ok := s.decisions.Get("t:" + release.NormalizeTitle(rel.Title))
	if !ok || !past.Decision.Status.Final() {
		return nil
	}
	if rel.PublishedAt.IsZero() || past.PublishedAt.IsZero() {
		return past.Decision
	}
	delta := rel.PublishedAt.Sub(past.PublishedAt)
	if delta < 0 {
		delta = -delta
	}
	if delta <= 14*24*time.Hour {
		return past.Decision
	}
	return nil
}

// recordDecisions persists final decisions and stores verified NZB bodies.
func (s *Server) recordDecisions(evaluated []*release.Release, results map[string]*triage.Decision) {
	for _, rel := range evaluated {
		d, ok := results[rel.Key()]
		if !ok || !d.Status.Final() {
			continue
		}
		if d.Status == triage.StatusVerified && len(d.NZBBody) > 0 {
			s.verifiedNZBs.Set(rel.Key(), d.NZBBody, int64(len(d.NZBBody)))
		}
		past := &pastDecision{Decision: stripBody(d), PublishedAt: rel.PublishedAt}
		s.decisions.Set("k:"+rel.Key(), past, 1)
		s.decisions.Set("t:"+release.NormalizeTitle(rel.Title), past, 1)
	}
}

// stripBody drops the NZB payload before a decision enters long-lived maps;
// the verified-NZB cache is the only owner of the bytes.
func stripBody(d *triage.Decision) *triage.Decision {
	if len(d.NZBBody) == 0 {
		return d
	}
	copied := *d
	copied.NZBBody = nil
	return &copied
}

func allFinal(candidates []*release.Release, decisions map[string]*triage.Decision) bool {
	for _, rel := range candidates {
		d, ok := decisions[rel.Key()]
		if !ok || !d.Status.Final() {
			return false
		}
	}
	return true
}

// triagePool returns the NNTP pool for the current settings. With pool
// reuse on, the process-wide manager keeps it alive between runs;
// otherwise a throwaway pool is built and torn down by cleanup.
func (s *Server) triagePool() (*nntp.Pool, func(), error) {
	t := s.cfg.Triage
	cfg := nntp.PoolConfig{
		Host:      t.NNTPHost,
		Port:      t.NNTPPort,
		TLS:       t.NNTPTLS,
		User:      t.NNTPUser,
		Pass:      t.NNTPPass,
		Capacity:  t.MaxConnections,
		KeepAlive: time.Duration(t.KeepAliveMS) * time.Millisecond,
	}
	if t.ReusePool {
		pool, err := s.nntpManager.Pool(cfg)
		return pool, func() {}, err
	}
	pool, err := nntp.NewPool(cfg)
	if err != nil {
		return nil, nil, err
	}
	return pool, pool.Close, nil
}

// fetchNZB downloads the NZB document for one release, routed to the
// backend that produced it.
func (s *Server) fetchNZB(ctx context.Context, rel *release.Release) ([]byte, error) {
	if body, ok := s.verifiedNZBs.Get(rel.Key()); ok {
		return body, nil
	}
	if rel.Source == release.SourceEasynews {
		if s.easynews == nil {
			return nil, fmt.Errorf("easynews release without easynews client")
		}
		return s.easynews.FetchNZB(ctx, rel.PayloadToken)
	}
	if c, ok := s.newznab[rel.IndexerID]; ok {
		return c.DownloadNZB(ctx, rel.DownloadURL)
	}
	// Aggregator download URLs already carry their credentials
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rel.DownloadURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("nzb download returned %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 64<<20))
}

// prefetchFirstVerified warms the mount for the best verified candidate in
// the background. Best effort only.
func (s *Server) prefetchFirstVerified(req search.Request, ranked []*release.Release, decisions map[string]*triage.Decision) {
	for _, rel := range ranked {
		d, ok := decisions[rel.Key()]
		if !ok || d.Status != triage.StatusVerified {
			continue
		}
		rel := rel
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()
			if _, err := s.resolveMount(ctx, rel.Key(), mountParams{
				downloadURL:     rel.DownloadURL,
				easynewsPayload: rel.PayloadToken,
				title:           rel.Title,
				category:        s.category(req.Type),
				season:          req.Season,
				episode:         req.Episode,
			}); err != nil {
				logger.Debug("Mount prefetch failed", "release", rel.Title, "err", err)
			}
		}()
		return
	}
}

func (s *Server) category(contentType string) string {
	if contentType == "series" {
		return s.cfg.NZBDav.CategorySeries
	}
	return s.cfg.NZBDav.CategoryMovies
}

func (s *Server) storeResult(key string, ranked []*release.Release, decisions map[string]*triage.Decision, complete bool) {
	stored := make(map[string]*triage.Decision, len(decisions))
	for k, d := range decisions {
		stored[k] = stripBody(d)
	}
	entry := &cachedResult{
		Releases:       ranked,
		Decisions:      stored,
		TriageComplete: complete,
	}
	// Charge the cache what the entry actually weighs
	size := int64(64)
	if data, err := json.Marshal(entry); err == nil {
		size += int64(len(data))
	}
	s.responseCache.Set(key, entry, size)
}

// assembleStreams renders the final stream list. Releases with a matching
// completed mount job get the instant tag and sort first.
func (s *Server) assembleStreams(ctx context.Context, req search.Request, id string, ranked []*release.Release, decisions map[string]*triage.Decision) []Stream {
	var history []nzbdav.HistorySlot
	if s.mounts != nil {
		if slots, err := s.mounts.History(ctx); err == nil {
			history = slots
		} else {
			logger.Debug("Mount history unavailable", "err", err)
		}
	}

	type entry struct {
		stream  Stream
		instant bool
	}
	var entries []entry
	for _, rel := range ranked {
		d := decisions[rel.Key()]
		if s.cfg.HideBlockedResults && d != nil && d.Status == triage.StatusBlocked {
			continue
		}
		slot := completedSlot(history, rel.Title)
		entries = append(entries, entry{
			stream:  s.buildStream(req, id, rel, d, slot),
			instant: slot != nil,
		})
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].instant && !entries[j].instant
	})
	streams := make([]Stream, 0, len(entries))
	for _, e := range entries {
		streams = append(streams, e.stream)
	}
	return streams
}

func completedSlot(history []nzbdav.HistorySlot, title string) *nzbdav.HistorySlot {
	want := release.NormalizeTitle(title)
	for i := range history {
		s := &history[i]
		if strings.EqualFold(s.Status, "Completed") && release.NormalizeTitle(s.Name) == want {
			return s
		}
	}
	return nil
}

func (s *Server) buildStream(req search.Request, id string, rel *release.Release, d *triage.Decision, slot *nzbdav.HistorySlot) Stream {
	resolution := rel.Resolution
	if resolution == "" {
		resolution = "unknown"
	}

	var badges []string
	if rel.Size > 0 {
		badges = append(badges, fmt.Sprintf("💾 %.2f GB", float64(rel.Size)/(1<<30)))
	}
	if !rel.PublishedAt.IsZero() {
		badges = append(badges, fmt.Sprintf("📅 %dd", rel.AgeDays()))
	}
	if rel.Indexer != "" {
		badges = append(badges, "⚙️ "+rel.Indexer)
	}
	if len(rel.Languages) > 0 {
		badges = append(badges, "🌐 "+strings.Join(rel.Languages, ", "))
	}
	if d != nil {
		badges = append(badges, d.Status.Tag()+" "+string(d.Status))
	}
	if slot != nil {
		badges = append(badges, "⚡ Instant")
	}

	name := s.cfg.AddonName + "\n" + resolution
	description := rel.Title
	if len(badges) > 0 {
		description += "\n" + strings.Join(badges, " ")
	}

	return Stream{
		URL:         s.playURL(req, id, rel, slot),
		Name:        name,
		Description: description,
		BehaviorHints: &BehaviorHints{
			NotWebReady: true,
			BingeGroup:  "davstream-" + resolution,
			VideoSize:   rel.Size,
			Filename:    rel.Title,
		},
	}
}

// playURL signs the playback URL with the shared secret path token.
func (s *Server) playURL(req search.Request, id string, rel *release.Release, slot *nzbdav.HistorySlot) string {
	q := url.Values{}
	q.Set("type", req.Type)
	q.Set("id", id)
	q.Set("title", rel.Title)
	q.Set("size", strconv.FormatInt(rel.Size, 10))
	if rel.DownloadURL != "" {
		q.Set("downloadUrl", rel.DownloadURL)
	}
	if rel.PayloadToken != "" {
		q.Set("easynewsPayload", rel.PayloadToken)
	}
	if slot != nil {
		q.Set("historyNzoId", slot.NzoID)
		q.Set("historyJobName", slot.Name)
		q.Set("historyCategory", slot.Category)
	}
	return fmt.Sprintf("%s/%s/nzb/stream?%s", s.baseURL, s.cfg.AddonSharedSecret, q.Encode())
}
