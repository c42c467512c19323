package nzb

import (
	"encoding/xml"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/net/html/charset"
)

// NZB is the parsed nzb.org v1.1 document.
type NZB struct {
	XMLName xml.Name `xml:"nzb"`
	Head    Head     `xml:"head"`
	Files   []File   `xml:"file"`
}

type Head struct {
	Meta []Meta `xml:"meta"`
}

type Meta struct {
	Type  string `xml:"type,attr"`
	Value string `xml:",chardata"`
}

type File struct {
	Poster   string    `xml:"poster,attr"`
	Date     int64     `xml:"date,attr"`
	Subject  string    `xml:"subject,attr"`
	Groups   []string  `xml:"groups>group"`
	Segments []Segment `xml:"segments>segment"`
}

type Segment struct {
	Bytes  int64  `xml:"bytes,attr"`
	Number int    `xml:"number,attr"`
	ID     string `xml:",chardata"`
}

// Parse decodes an NZB document, tolerating the latin-1 encodings some
// indexers still emit. Segments come back sorted by number.
func Parse(r io.Reader) (*NZB, error) {
	var n NZB
	dec := xml.NewDecoder(r)
	dec.CharsetReader = charset.NewReaderLabel
	if err := dec.Decode(&n); err != nil {
		return nil, fmt.Errorf("parse nzb: %w", err)
	}
	for i := range n.Files {
		segs := n.Files[i].Segments
		sort.SliceStable(segs, func(a, b int) bool { return segs[a].Number < segs[b].Number })
	}
	return &n, nil
}

// Title returns the head meta title, if declared.
func (n *NZB) Title() string {
	for _, m := range n.Head.Meta {
		if strings.EqualFold(m.Type, "title") {
			return strings.TrimSpace(m.Value)
		}
	}
	return ""
}

// TotalSize sums the declared segment byte counts.
func (n *NZB) TotalSize() int64 {
	var total int64
	for _, f := range n.Files {
		for _, s := range f.Segments {
			total += s.Bytes
		}
	}
	return total
}

// FileInfo is one NZB file with its derived attributes.
type FileInfo struct {
	File      *File
	Filename  string
	Extension string
	Size      int64
	IsVideo   bool
	IsArchive bool
	IsJunk    bool // sample, proof, nfo, par2 and friends
}

// FileInfos analyzes every file entry.
func (n *NZB) FileInfos() []*FileInfo {
	infos := make([]*FileInfo, 0, len(n.Files))
	for i := range n.Files {
		f := &n.Files[i]
		name := ExtractFilename(f.Subject)
		ext := strings.ToLower(filepath.Ext(name))
		var size int64
		for _, s := range f.Segments {
			size += s.Bytes
		}
		infos = append(infos, &FileInfo{
			File:      f,
			Filename:  name,
			Extension: ext,
			Size:      size,
			IsVideo:   IsVideoExtension(ext),
			IsArchive: IsArchiveExtension(ext),
			IsJunk:    isJunkFile(name, ext),
		})
	}
	return infos
}

// ExtractFilename pulls a best-effort filename from a subject line. A
// quoted substring wins; otherwise the subject is trimmed at " yEnc" or
// the "(1/50)" counter.
func ExtractFilename(subject string) string {
	if start := strings.Index(subject, "\""); start != -1 {
		if end := strings.Index(subject[start+1:], "\""); end != -1 {
			return subject[start+1 : start+1+end]
		}
	}

	subject = strings.TrimSpace(subject)
	if idx := strings.Index(subject, " yEnc"); idx != -1 {
		subject = subject[:idx]
	}
	if idx := strings.Index(subject, " ("); idx != -1 {
		subject = subject[:idx]
	}
	return strings.Trim(subject, "\"' ")
}

// ArchiveGroup is a set of volumes belonging to one logical archive.
type ArchiveGroup struct {
	// CanonicalName collapses volume naming, so name.part01.rar and
	// name.r00 both land under "name.rar".
	CanonicalName string
	Files         []*FileInfo
}

// First returns the best entry point for sniffing: the .rar (or first
// volume) sorted ahead of continuation parts.
func (g *ArchiveGroup) First() *FileInfo {
	if len(g.Files) == 0 {
		return nil
	}
	best := g.Files[0]
	for _, f := range g.Files[1:] {
		if volumeRank(f) < volumeRank(best) {
			best = f
		}
	}
	return best
}

func volumeRank(f *FileInfo) int {
	ext := f.Extension
	name := strings.ToLower(f.Filename)
	switch {
	case ext == ".rar" && !strings.Contains(name, ".part"):
		return 0
	case strings.Contains(name, ".part01.rar") || strings.Contains(name, ".part001.rar"):
		return 1
	case ext == ".7z" || strings.HasSuffix(name, ".7z.001"):
		return 2
	case ext == ".rar":
		return 3
	default:
		return 4
	}
}

// Score ranks archive groups for triage: a plain .rar head beats .r00
// volumes beats partNN naming; junk-looking names are penalized hard.
func (g *ArchiveGroup) Score() int {
	score := 0
	for _, f := range g.Files {
		name := strings.ToLower(f.Filename)
		switch {
		case f.Extension == ".rar" && !strings.Contains(name, ".part"):
			score += 30
		case IsRarVolumeExtension(f.Extension):
			score += 20
		case strings.Contains(name, ".part") && f.Extension == ".rar":
			score += 10
		case f.Extension == ".7z" || IsSplitVolumeExtension(f.Extension):
			score += 10
		}
		if strings.Contains(name, "proof") || strings.Contains(name, "sample") || strings.Contains(name, "nfo") {
			score -= 100
		}
	}
	return score
}

// ArchiveGroups collects the archive files grouped by canonical base name,
// highest Score first.
func (n *NZB) ArchiveGroups() []*ArchiveGroup {
	byName := map[string]*ArchiveGroup{}
	var order []string
	for _, info := range n.FileInfos() {
		if !info.IsArchive {
			continue
		}
		key := CanonicalArchiveName(info.Filename)
		g, ok := byName[key]
		if !ok {
			g = &ArchiveGroup{CanonicalName: key}
			byName[key] = g
			order = append(order, key)
		}
		g.Files = append(g.Files, info)
	}

	groups := make([]*ArchiveGroup, 0, len(order))
	for _, key := range order {
		groups = append(groups, byName[key])
	}
	sort.SliceStable(groups, func(i, j int) bool { return groups[i].Score() > groups[j].Score() })
	return groups
}

// CanonicalArchiveName strips volume suffixes so related parts collapse:
// "movie.part01.rar" and "movie.r00" both become "movie.rar".
func CanonicalArchiveName(filename string) string {
	s := strings.ToLower(filename)
	ext := filepath.Ext(s)

	switch {
	case IsRarVolumeExtension(ext), IsSplitVolumeExtension(ext):
		s = strings.TrimSuffix(s, ext)
		if strings.HasSuffix(s, ".7z") {
			return strings.Trim(strings.TrimSuffix(s, ".7z"), " .-_") + ".7z"
		}
	case ext == ".rar":
		s = strings.TrimSuffix(s, ext)
		if idx := strings.LastIndex(s, ".part"); idx != -1 && allDigits(s[idx+5:]) {
			s = s[:idx]
		}
	case ext == ".7z":
		s = strings.TrimSuffix(s, ext)
		return strings.Trim(s, " .-_") + ".7z"
	}
	s = strings.TrimSuffix(s, ".7z")
	return strings.Trim(s, " .-_") + ".rar"
}

func allDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// IsVideoExtension reports whether ext names a directly playable container.
func IsVideoExtension(ext string) bool {
	switch ext {
	case ".mkv", ".mp4", ".m4v", ".avi", ".ts", ".m2ts",
		".mov", ".wmv", ".mpg", ".mpeg", ".flv", ".webm", ".vob":
		return true
	}
	return false
}

// IsArchiveExtension covers .rar, .7z and their volume naming schemes.
func IsArchiveExtension(ext string) bool {
	return ext == ".rar" || ext == ".7z" || IsRarVolumeExtension(ext) || IsSplitVolumeExtension(ext)
}

// IsRarVolumeExtension matches .r00 through .r99.
func IsRarVolumeExtension(ext string) bool {
	if len(ext) != 4 || !strings.HasPrefix(ext, ".r") {
		return false
	}
	return allDigits(ext[2:])
}

// IsSplitVolumeExtension matches .001 style split volumes.
func IsSplitVolumeExtension(ext string) bool {
	if len(ext) != 4 || ext[0] != '.' {
		return false
	}
	return allDigits(ext[1:])
}

func isJunkFile(filename, ext string) bool {
	switch ext {
	case ".nfo", ".txt", ".srt", ".sub", ".idx", ".ass", ".ssa", ".vtt",
		".jpg", ".jpeg", ".png", ".gif", ".par2", ".sfv":
		return true
	}
	lower := strings.ToLower(filename)
	return strings.Contains(lower, "sample") ||
		strings.Contains(lower, "proof") ||
		strings.Contains(lower, "preview")
}
