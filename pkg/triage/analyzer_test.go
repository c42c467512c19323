package triage

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"davstream/pkg/nntp"
)

// yencEncode produces a single-part yEnc article body for data.
func yencEncode(data []byte, name string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "=ybegin line=128 size=%d name=%s\r\n", len(data), name)

	col := 0
	line := make([]byte, 0, 256)
	flush := func() {
		// dot-stuff lines that would begin with a dot
		if len(line) > 0 && line[0] == '.' {
			line = append([]byte{'.'}, line...)
		}
		b.Write(line)
		b.WriteString("\r\n")
		line = line[:0]
		col = 0
	}
	for _, in := range data {
		out := byte(in + 42)
		switch out {
		case 0x00, 0x0A, 0x0D, '=':
			line = append(line, '=', out+64)
			col += 2
		default:
			line = append(line, out)
			col++
		}
		if col >= 128 {
			flush()
		}
	}
	if col > 0 {
		flush()
	}
	fmt.Fprintf(&b, "=yend size=%d crc32=%08x\r\n", len(data), crc32.ChecksumIEEE(data))
	return []byte(b.String())
}

// rar4File builds one RAR 4.x file-header block.
func rar4File(name string, method byte, flags uint16) []byte {
	headSize := 32 + len(name)
	b := make([]byte, headSize)
	b[2] = 0x74
	binary.LittleEndian.PutUint16(b[3:], flags)
	binary.LittleEndian.PutUint16(b[5:], uint16(headSize))
	b[24] = 29
	b[25] = method
	binary.LittleEndian.PutUint16(b[26:], uint16(len(name)))
	copy(b[32:], name)
	return b
}

func rar4Data(blocks ...[]byte) []byte {
	data := []byte{0x52, 0x61, 0x72, 0x21, 0x1A, 0x07, 0x00}
	for _, b := range blocks {
		data = append(data, b...)
	}
	return data
}

// triageServer is a fake NNTP endpoint with per-message-id bodies.
type triageServer struct {
	ln     net.Listener
	bodies map[string][]byte

	mu      sync.Mutex
	statted map[string]bool
}

func newTriageServer(t *testing.T, bodies map[string][]byte) *triageServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := &triageServer{ln: ln, bodies: bodies, statted: map[string]bool{}}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go s.serve(conn)
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return s
}

func (s *triageServer) serve(conn net.Conn) {
	defer conn.Close()
	conn.Write([]byte("200 ready\r\n"))
	r := bufio.NewReader(conn)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		fields := strings.Fields(strings.TrimSpace(line))
		if len(fields) == 0 {
			continue
		}
		msgID := ""
		if len(fields) > 1 {
			msgID = strings.Trim(fields[1], "<>")
		}
		switch strings.ToUpper(fields[0]) {
		case "STAT":
			s.mu.Lock()
			s.statted[msgID] = true
			s.mu.Unlock()
			if _, ok := s.bodies[msgID]; ok {
				conn.Write([]byte("223 0 <" + msgID + ">\r\n"))
			} else {
				conn.Write([]byte("430 no such article\r\n"))
			}
		case "BODY":
			body, ok := s.bodies[msgID]
			if !ok {
				conn.Write([]byte("430 no such article\r\n"))
				continue
			}
			conn.Write([]byte("222 0 <" + msgID + ">\r\n"))
			conn.Write(body)
			conn.Write([]byte(".\r\n"))
		case "QUIT":
			conn.Write([]byte("205 bye\r\n"))
			return
		default:
			conn.Write([]byte("500 unknown\r\n"))
		}
	}
}

func (s *triageServer) wasStatted(msgID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statted[msgID]
}

func (s *triageServer) pool(t *testing.T, capacity int) *nntp.Pool {
	t.Helper()
	host, portStr, err := net.SplitHostPort(s.ln.Addr().String())
	if err != nil {
		t.Fatalf("split addr: %v", err)
	}
	port, _ := strconv.Atoi(portStr)
	p, err := nntp.NewPool(nntp.PoolConfig{
		Host: host, Port: port, Capacity: capacity, KeepAlive: time.Minute,
	})
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	t.Cleanup(p.Close)
	return p
}

func nzbDoc(filename string, segmentIDs ...string) []byte {
	var segs strings.Builder
	for i, id := range segmentIDs {
		fmt.Fprintf(&segs, `<segment bytes="1000" number="%d">%s</segment>`, i+1, id)
	}
	return []byte(fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<nzb xmlns="http://www.newzbin.com/DTD/2003/nzb">
  <head><meta type="title">Test Release</meta></head>
  <file poster="p@example" date="1700000000" subject="[1/1] - &quot;%s&quot; yEnc (1/1)">
    <groups><group>alt.binaries.test</group></groups>
    <segments>%s</segments>
  </file>
</nzb>`, filename, segs.String()))
}

type nzbTestFile struct {
	name string
	segs []string
}

func nzbDocFiles(files ...nzbTestFile) []byte {
	var body strings.Builder
	for _, f := range files {
		var segs strings.Builder
		for i, id := range f.segs {
			fmt.Fprintf(&segs, `<segment bytes="1000" number="%d">%s</segment>`, i+1, id)
		}
		fmt.Fprintf(&body, `<file poster="p@example" date="1700000000" subject="[1/1] - &quot;%s&quot; yEnc (1/1)">
    <groups><group>alt.binaries.test</group></groups>
    <segments>%s</segments>
  </file>`, f.name, segs.String())
	}
	return []byte(`<?xml version="1.0" encoding="UTF-8"?>
<nzb xmlns="http://www.newzbin.com/DTD/2003/nzb">
  <head><meta type="title">Test Release</meta></head>
  ` + body.String() + `
</nzb>`)
}

func TestAnalyzeVerifiedStoredRar(t *testing.T) {
	rarBody := rar4Data(rar4File("movie.mkv", 0x30, 0))
	srv := newTriageServer(t, map[string][]byte{
		"rar-seg-1@test": yencEncode(rarBody, "movie.rar"),
	})
	a := &Analyzer{Pool: srv.pool(t, 2), StatSampleCount: 3}

	d := a.Analyze(context.Background(), nzbDoc("movie.rar", "rar-seg-1@test"))
	if d.Status != StatusVerified {
		t.Fatalf("status = %s (blockers %v, warnings %v), want verified", d.Status, d.Blockers, d.Warnings)
	}
	if d.Status.Tag() != "✅" {
		t.Errorf("tag = %q, want check mark", d.Status.Tag())
	}
	if len(d.Findings) == 0 || d.Findings[0] != "rar-stored" {
		t.Errorf("findings = %v, want rar-stored", d.Findings)
	}
}

func TestAnalyzeBlockedNestedArchive(t *testing.T) {
	rarBody := rar4Data(
		rar4File("inner.r00", 0x30, 0),
		rar4File("inner.r01", 0x30, 0),
	)
	srv := newTriageServer(t, map[string][]byte{
		"nested-seg@test": yencEncode(rarBody, "release.rar"),
	})
	a := &Analyzer{Pool: srv.pool(t, 2), StatSampleCount: 3}

	d := a.Analyze(context.Background(), nzbDoc("release.rar", "nested-seg@test"))
	if d.Status != StatusBlocked {
		t.Fatalf("status = %s, want blocked", d.Status)
	}
	found := false
	for _, b := range d.Blockers {
		if b == "rar-nested-archive" {
			found = true
		}
	}
	if !found {
		t.Errorf("blockers = %v, want rar-nested-archive", d.Blockers)
	}
}

func TestAnalyzeBoundsArchiveSample(t *testing.T) {
	rarBody := rar4Data(rar4File("movie.mkv", 0x30, 0))
	srv := newTriageServer(t, map[string][]byte{
		"lead-seg@test": yencEncode(rarBody, "movie.rar"),
		"vol-a@test":    []byte("x"),
		"vol-b@test":    []byte("x"),
		"vol-c@test":    []byte("x"),
	})
	a := &Analyzer{Pool: srv.pool(t, 2), ArchiveSampleCount: 1, StatSampleCount: 5}

	doc := nzbDocFiles(
		nzbTestFile{"movie.rar", []string{"lead-seg@test"}},
		nzbTestFile{"extraa.r00", []string{"vol-a@test"}},
		nzbTestFile{"extrab.r00", []string{"vol-b@test"}},
		nzbTestFile{"extrac.r00", []string{"vol-c@test"}},
	)
	d := a.Analyze(context.Background(), doc)
	if d.Status != StatusVerified {
		t.Fatalf("status = %s (blockers %v, warnings %v), want verified", d.Status, d.Blockers, d.Warnings)
	}
	if !srv.wasStatted("lead-seg@test") {
		t.Error("lead archive segment must always be checked")
	}
	sampled := 0
	for _, id := range []string{"vol-a@test", "vol-b@test", "vol-c@test"} {
		if srv.wasStatted(id) {
			sampled++
		}
	}
	if sampled != 1 {
		t.Errorf("sampled %d extra archives, want 1", sampled)
	}
}

func TestAnalyzeMissingArticleBlocks(t *testing.T) {
	srv := newTriageServer(t, map[string][]byte{})
	a := &Analyzer{Pool: srv.pool(t, 2), StatSampleCount: 3}

	d := a.Analyze(context.Background(), nzbDoc("movie.rar", "gone-seg@test"))
	if d.Status != StatusBlocked {
		t.Fatalf("status = %s, want blocked", d.Status)
	}
	if len(d.Blockers) == 0 || d.Blockers[0] != blockerMissingArticles {
		t.Errorf("blockers = %v, want %s", d.Blockers, blockerMissingArticles)
	}
}

func TestAnalyzeSevenZipUntested(t *testing.T) {
	srv := newTriageServer(t, map[string][]byte{
		"sz-seg@test": []byte("irrelevant"),
	})
	a := &Analyzer{Pool: srv.pool(t, 2), StatSampleCount: 3}

	d := a.Analyze(context.Background(), nzbDoc("movie.7z", "sz-seg@test"))
	if d.Status != StatusUnverified7z {
		t.Fatalf("status = %s (warnings %v), want unverified_7z", d.Status, d.Warnings)
	}
}

func TestAnalyzeMalformedNZB(t *testing.T) {
	srv := newTriageServer(t, nil)
	a := &Analyzer{Pool: srv.pool(t, 1)}

	d := a.Analyze(context.Background(), []byte("not xml at all"))
	if d.Status != StatusError {
		t.Errorf("status = %s, want error", d.Status)
	}
}
