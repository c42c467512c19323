package triage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math/rand"
	"time"

	"davstream/pkg/decode"
	"davstream/pkg/logger"
	"davstream/pkg/nntp"
	"davstream/pkg/nzb"
	"davstream/pkg/unpack"
)

const (
	blockerMissingArticles = "missing-articles"
	findingSegmentOK       = "segment-ok"
	warnNoArchives         = "no-archive-candidates"
)

// Analyzer inspects one NZB through the shared NNTP pool.
type Analyzer struct {
	Pool *nntp.Pool
	// ArchiveSampleCount caps how many archives beyond the lead one
	// contribute segments to the STAT sample. Zero means all of them.
	ArchiveSampleCount int
	StatSampleCount    int
	MaxDecodedBytes    int64
}

// Analyze parses the NZB and probes it: archive candidates get their head
// segment sniffed, plus a random STAT sample across the rest. Respects
// ctx for the remaining triage budget.
func (a *Analyzer) Analyze(ctx context.Context, payload []byte) *Decision {
	doc, err := nzb.Parse(bytes.NewReader(payload))
	if err != nil {
		return &Decision{Status: StatusError, Warnings: []string{err.Error()}, When: time.Now()}
	}

	d := &Decision{Title: doc.Title(), When: time.Now()}
	groups := doc.ArchiveGroups()

	if len(groups) == 0 {
		d.Warnings = append(d.Warnings, warnNoArchives)
		a.sampleSegments(ctx, d, collectSegments(doc.FileInfos()))
		a.synthesize(d, false)
		return d
	}

	// Sniff the entry volume of the best-looking archive
	sevenZipOnly := a.sniffLeadArchive(ctx, d, groups[0])

	// Then random STATs across the remaining archive volumes
	tail := groups[1:]
	if n := a.ArchiveSampleCount; n > 0 && len(tail) > n {
		tail = tail[:n]
	}
	var rest []*nzb.FileInfo
	for _, g := range tail {
		rest = append(rest, g.Files...)
	}
	a.sampleSegments(ctx, d, collectSegments(rest))

	a.synthesize(d, sevenZipOnly)
	return d
}

// sniffLeadArchive STATs and BODY-sniffs the first segment of the chosen
// archive. Returns true when the only evidence gathered is 7z-related.
func (a *Analyzer) sniffLeadArchive(ctx context.Context, d *Decision, group *nzb.ArchiveGroup) bool {
	lead := group.First()
	if lead == nil || len(lead.File.Segments) == 0 {
		d.Warnings = append(d.Warnings, "archive-without-segments")
		return false
	}
	msgID := lead.File.Segments[0].ID
	is7z := lead.Extension == ".7z" || nzb.IsSplitVolumeExtension(lead.Extension)

	client, err := a.acquire(ctx)
	if err != nil {
		d.Warnings = append(d.Warnings, "pool-unavailable: "+err.Error())
		return false
	}
	drop := false
	defer func() {
		a.Pool.Touch()
		a.Pool.Release(client, drop)
	}()

	res, err := client.Stat(msgID)
	if err != nil {
		drop = true
		d.Warnings = append(d.Warnings, "stat-transport-error")
		return false
	}
	if res == nntp.StatMissing {
		d.Blockers = append(d.Blockers, blockerMissingArticles)
		return false
	}

	if is7z {
		// Head segment exists; 7z start headers rarely fit one segment,
		// so skip the BODY fetch
		d.Warnings = append(d.Warnings, string(unpack.StatusSevenZipUntested))
		return true
	}

	body, err := client.Body(msgID)
	if err != nil {
		var missing *nntp.ErrMissing
		if errors.As(err, &missing) {
			d.Blockers = append(d.Blockers, blockerMissingArticles)
			return false
		}
		drop = true
		d.Warnings = append(d.Warnings, "body-transport-error")
		return false
	}
	seg, err := decode.DecodeHead(body, a.MaxDecodedBytes)
	if err != nil {
		drop = true
		d.Warnings = append(d.Warnings, "decode-error: "+err.Error())
		return false
	}
	// Drain to the terminating dot so the connection stays usable
	if _, err := io.Copy(io.Discard, body); err != nil {
		drop = true
	}

	sniff := unpack.Sniff(seg.Data)
	logger.Debug("Archive sniff", "archive", group.CanonicalName, "status", sniff.Status, "nested", sniff.NestedCount)
	switch {
	case sniff.Status.IsBlocker():
		d.Blockers = append(d.Blockers, string(sniff.Status))
	case sniff.Status.IsSuccess():
		d.Findings = append(d.Findings, string(sniff.Status))
	default:
		d.Warnings = append(d.Warnings, string(sniff.Status))
	}
	d.Warnings = append(d.Warnings, sniff.Caveats...)
	return sniff.Status == unpack.StatusSevenZipStored || sniff.Status == unpack.StatusSevenZipUnsupported
}

// sampleSegments STATs up to StatSampleCount unique random segments. Any
// missing article is a blocker; a fully present sample is a finding.
func (a *Analyzer) sampleSegments(ctx context.Context, d *Decision, segments []string) {
	if len(segments) == 0 {
		return
	}
	count := a.StatSampleCount
	if count <= 0 {
		count = 5
	}
	if count > len(segments) {
		count = len(segments)
	}
	rand.Shuffle(len(segments), func(i, j int) { segments[i], segments[j] = segments[j], segments[i] })

	client, err := a.acquire(ctx)
	if err != nil {
		d.Warnings = append(d.Warnings, "pool-unavailable: "+err.Error())
		return
	}
	drop := false
	defer func() {
		a.Pool.Touch()
		a.Pool.Release(client, drop)
	}()

	checked := 0
	for _, msgID := range segments[:count] {
		if ctx.Err() != nil {
			break
		}
		res, err := client.Stat(msgID)
		if err != nil {
			drop = true
			d.Warnings = append(d.Warnings, "stat-transport-error")
			return
		}
		if res == nntp.StatMissing {
			d.Blockers = append(d.Blockers, blockerMissingArticles)
			return
		}
		checked++
	}
	if checked > 0 {
		d.Findings = append(d.Findings, findingSegmentOK)
	}
}

// acquire prefers an idle client, then waits briefly so a busy pool does
// not stall the whole analysis.
func (a *Analyzer) acquire(ctx context.Context) (*nntp.Client, error) {
	if c, ok := a.Pool.TryAcquire(); ok {
		return c, nil
	}
	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return a.Pool.Acquire(waitCtx)
}

// synthesize folds findings/blockers into the final status.
func (a *Analyzer) synthesize(d *Decision, sevenZipOnly bool) {
	switch {
	case len(d.Blockers) > 0:
		d.Status = StatusBlocked
	case len(d.Findings) > 0:
		d.Status = StatusVerified
	case sevenZipOnly:
		d.Status = StatusUnverified7z
	default:
		d.Status = StatusUnverified
	}
}

func collectSegments(infos []*nzb.FileInfo) []string {
	seen := map[string]bool{}
	var out []string
	for _, info := range infos {
		for _, seg := range info.File.Segments {
			if seg.ID == "" || seen[seg.ID] {
				continue
			}
			seen[seg.ID] = true
			out = append(out, seg.ID)
		}
	}
	return out
}
