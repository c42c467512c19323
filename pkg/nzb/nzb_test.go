package nzb

import (
	"strings"
	"testing"
)

const sampleNZB = `<?xml version="1.0" encoding="UTF-8"?>
<nzb xmlns="http://www.newzbin.com/DTD/2003/nzb">
  <head>
    <meta type="title">Movie.2024.1080p.BluRay.x264-GROUP</meta>
  </head>
  <file poster="poster@example.com" date="1700000000" subject="Movie.2024.1080p.BluRay.x264-GROUP [01/20] - &quot;movie.part01.rar&quot; yEnc (1/3)">
    <groups><group>alt.binaries.movies</group></groups>
    <segments>
      <segment bytes="500000" number="2">seg-1-2@news.example</segment>
      <segment bytes="500000" number="1">seg-1-1@news.example</segment>
      <segment bytes="250000" number="3">seg-1-3@news.example</segment>
    </segments>
  </file>
  <file poster="poster@example.com" date="1700000000" subject="Movie.2024.1080p.BluRay.x264-GROUP [02/20] - &quot;movie.r00&quot; yEnc (1/2)">
    <groups><group>alt.binaries.movies</group></groups>
    <segments>
      <segment bytes="500000" number="1">seg-2-1@news.example</segment>
      <segment bytes="500000" number="2">seg-2-2@news.example</segment>
    </segments>
  </file>
  <file poster="poster@example.com" date="1700000000" subject="Movie.2024.1080p.BluRay.x264-GROUP [20/20] - &quot;movie.nfo&quot; yEnc (1/1)">
    <groups><group>alt.binaries.movies</group></groups>
    <segments>
      <segment bytes="4000" number="1">seg-3-1@news.example</segment>
    </segments>
  </file>
</nzb>`

func TestParseCounts(t *testing.T) {
	doc, err := Parse(strings.NewReader(sampleNZB))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(doc.Files) != 3 {
		t.Fatalf("got %d files, want 3", len(doc.Files))
	}
	wantSegments := []int{3, 2, 1}
	for i, f := range doc.Files {
		if len(f.Segments) != wantSegments[i] {
			t.Errorf("file %d: got %d segments, want %d", i, len(f.Segments), wantSegments[i])
		}
	}
	if doc.Title() != "Movie.2024.1080p.BluRay.x264-GROUP" {
		t.Errorf("title = %q", doc.Title())
	}
	if doc.TotalSize() != 2254000 {
		t.Errorf("total size = %d, want 2254000", doc.TotalSize())
	}
}

func TestParseSortsSegmentsByNumber(t *testing.T) {
	doc, err := Parse(strings.NewReader(sampleNZB))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	segs := doc.Files[0].Segments
	for i := 1; i < len(segs); i++ {
		if segs[i].Number < segs[i-1].Number {
			t.Fatalf("segments out of order: %v", segs)
		}
	}
	if segs[0].ID != "seg-1-1@news.example" {
		t.Errorf("first segment = %q", segs[0].ID)
	}
}

func TestExtractFilename(t *testing.T) {
	cases := []struct {
		subject string
		want    string
	}{
		{`Release [01/20] - "movie.part01.rar" yEnc (1/3)`, "movie.part01.rar"},
		{`movie.mkv yEnc (1/100)`, "movie.mkv"},
		{`plain.subject.without.counter`, "plain.subject.without.counter"},
	}
	for _, tc := range cases {
		if got := ExtractFilename(tc.subject); got != tc.want {
			t.Errorf("ExtractFilename(%q) = %q, want %q", tc.subject, got, tc.want)
		}
	}
}

func TestCanonicalArchiveName(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"movie.part01.rar", "movie.rar"},
		{"movie.part001.rar", "movie.rar"},
		{"movie.r00", "movie.rar"},
		{"movie.r15", "movie.rar"},
		{"movie.rar", "movie.rar"},
		{"movie.7z", "movie.7z"},
		{"movie.7z.001", "movie.7z"},
	}
	for _, tc := range cases {
		if got := CanonicalArchiveName(tc.in); got != tc.want {
			t.Errorf("CanonicalArchiveName(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestArchiveGroupsAndFirst(t *testing.T) {
	doc, err := Parse(strings.NewReader(sampleNZB))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	groups := doc.ArchiveGroups()
	if len(groups) != 1 {
		t.Fatalf("got %d groups, want 1 (part01 and r00 collapse)", len(groups))
	}
	g := groups[0]
	if g.CanonicalName != "movie.rar" {
		t.Errorf("canonical name = %q", g.CanonicalName)
	}
	if len(g.Files) != 2 {
		t.Errorf("got %d volumes, want 2", len(g.Files))
	}
	first := g.First()
	if first == nil || first.Filename != "movie.part01.rar" {
		t.Errorf("First() = %+v, want movie.part01.rar", first)
	}
}

func TestFileInfoClassification(t *testing.T) {
	doc, err := Parse(strings.NewReader(sampleNZB))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	infos := doc.FileInfos()
	if !infos[0].IsArchive || infos[0].IsVideo {
		t.Errorf("part01.rar misclassified: %+v", infos[0])
	}
	if !infos[2].IsJunk {
		t.Errorf("nfo must be junk: %+v", infos[2])
	}
}
