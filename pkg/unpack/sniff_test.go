package unpack

import (
	"bytes"
	"encoding/binary"
	"testing"
)

// rar4Block builds one RAR 4.x file-header block for name with the given
// method byte and flags.
func rar4Block(name string, method byte, flags uint16) []byte {
	headSize := 32 + len(name)
	b := make([]byte, headSize)
	b[2] = 0x74
	binary.LittleEndian.PutUint16(b[3:], flags)
	binary.LittleEndian.PutUint16(b[5:], uint16(headSize))
	// packSize, unpSize, hostOS, crc, ftime left zero
	b[24] = 29 // unpVer
	b[25] = method
	binary.LittleEndian.PutUint16(b[26:], uint16(len(name)))
	copy(b[32:], name)
	return b
}

func rar4Archive(blocks ...[]byte) []byte {
	data := append([]byte{}, rar4Magic...)
	for _, b := range blocks {
		data = append(data, b...)
	}
	return data
}

func TestSniffRar4StoredVideo(t *testing.T) {
	data := rar4Archive(rar4Block("movie.mkv", 0x30, 0))
	res := Sniff(data)
	if res.Status != StatusRarStored {
		t.Fatalf("status = %s, want %s", res.Status, StatusRarStored)
	}
	if len(res.Entries) != 1 || res.Entries[0] != "movie.mkv" {
		t.Errorf("entries = %v", res.Entries)
	}
	if res.Status.IsBlocker() || !res.Status.IsSuccess() {
		t.Error("rar-stored must be a success, not a blocker")
	}
}

func TestSniffRar4Compressed(t *testing.T) {
	data := rar4Archive(rar4Block("movie.mkv", 0x33, 0))
	res := Sniff(data)
	if res.Status != StatusRarCompressed {
		t.Errorf("status = %s, want %s", res.Status, StatusRarCompressed)
	}
	if !res.Status.IsBlocker() {
		t.Error("rar-compressed must block")
	}
}

func TestSniffRar4Encrypted(t *testing.T) {
	data := rar4Archive(rar4Block("movie.mkv", 0x30, 0x0004))
	if res := Sniff(data); res.Status != StatusRarEncrypted {
		t.Errorf("status = %s, want %s", res.Status, StatusRarEncrypted)
	}
}

func TestSniffRar4Solid(t *testing.T) {
	data := rar4Archive(rar4Block("movie.mkv", 0x30, 0x0010))
	if res := Sniff(data); res.Status != StatusRarSolid {
		t.Errorf("status = %s, want %s", res.Status, StatusRarSolid)
	}
}

func TestSniffRar4NestedArchive(t *testing.T) {
	data := rar4Archive(
		rar4Block("inner.r00", 0x30, 0),
		rar4Block("inner.r01", 0x30, 0),
	)
	res := Sniff(data)
	if res.Status != StatusRarNested {
		t.Fatalf("status = %s, want %s", res.Status, StatusRarNested)
	}
	if res.NestedCount < 2 {
		t.Errorf("nested count = %d, want >= 2", res.NestedCount)
	}
}

func TestSniffRar4TruncatedHighSizeHeader(t *testing.T) {
	// File header advertising the high-size dwords, cut off right after
	// the fixed 32 bytes
	data := rar4Archive(rar4Block("", 0x30, 0x0100))
	if len(data) != 39 {
		t.Fatalf("fixture length = %d, want 39", len(data))
	}
	res := Sniff(data)
	if res.Status.IsBlocker() {
		t.Errorf("status = %s, truncation must degrade, not block", res.Status)
	}
	if len(res.Caveats) == 0 || res.Caveats[0] != "rar4-no-file-header-in-prefix" {
		t.Errorf("caveats = %v, want the truncation caveat", res.Caveats)
	}
}

func TestSniffNameHeuristicUpgrade(t *testing.T) {
	// Structurally unreadable prefix, but latin-1 text carries nested
	// archive names and no video names
	data := append([]byte{}, rar4Magic...)
	data = append(data, []byte("garbage inner.part01.rar more inner.r00 trailing")...)
	res := Sniff(data)
	if res.Status != StatusRarNested {
		t.Errorf("status = %s, want %s via name heuristic", res.Status, StatusRarNested)
	}
}

func rar5Vint(v int) []byte {
	var out []byte
	for {
		b := byte(v & 0x7F)
		v >>= 7
		if v != 0 {
			out = append(out, b|0x80)
		} else {
			out = append(out, b)
			return out
		}
	}
}

func rar5FileBlock(name string, compInfo int) []byte {
	var header []byte
	header = append(header, rar5Vint(0x02)...) // type: file
	header = append(header, rar5Vint(0x00)...) // block flags
	header = append(header, rar5Vint(0x00)...) // file flags
	header = append(header, rar5Vint(0x00)...) // unpacked size
	header = append(header, rar5Vint(0x00)...) // attributes
	header = append(header, rar5Vint(compInfo)...)
	header = append(header, rar5Vint(0x00)...) // host os
	header = append(header, rar5Vint(len(name))...)
	header = append(header, name...)

	block := make([]byte, 4) // crc
	block = append(block, rar5Vint(len(header))...)
	return append(block, header...)
}

func TestSniffRar5Stored(t *testing.T) {
	data := append([]byte{}, rar5Magic...)
	data = append(data, rar5FileBlock("movie.mkv", 0)...)
	res := Sniff(data)
	if res.Status != StatusRarStored {
		t.Fatalf("status = %s, want %s", res.Status, StatusRarStored)
	}
	if len(res.Entries) != 1 || res.Entries[0] != "movie.mkv" {
		t.Errorf("entries = %v", res.Entries)
	}
}

func TestSniffRar5Compressed(t *testing.T) {
	data := append([]byte{}, rar5Magic...)
	data = append(data, rar5FileBlock("movie.mkv", 3<<7)...)
	if res := Sniff(data); res.Status != StatusRarCompressed {
		t.Errorf("status = %s, want %s", res.Status, StatusRarCompressed)
	}
}

func TestSniffRar5Solid(t *testing.T) {
	data := append([]byte{}, rar5Magic...)
	data = append(data, rar5FileBlock("movie.mkv", 0x40)...)
	if res := Sniff(data); res.Status != StatusRarSolid {
		t.Errorf("status = %s, want %s", res.Status, StatusRarSolid)
	}
}

// sevenZip builds a minimal container whose next header holds the given
// payload bytes.
func sevenZip(header []byte) []byte {
	data := make([]byte, 32)
	copy(data, szMagic)
	data[6] = 0 // version major
	data[7] = 4
	binary.LittleEndian.PutUint64(data[12:], 0) // next header right after start header
	binary.LittleEndian.PutUint64(data[20:], uint64(len(header)))
	return append(data, header...)
}

func TestSniff7zStored(t *testing.T) {
	// kHeader, kUnpackInfo, kFolder, 1 folder, internal, 1 coder,
	// flag idSize=1, coder id 0x00 (copy)
	header := []byte{0x01, 0x07, 0x0B, 0x01, 0x00, 0x01, 0x01, 0x00}
	res := Sniff(sevenZip(header))
	if res.Status != StatusSevenZipStored {
		t.Fatalf("status = %s, want %s", res.Status, StatusSevenZipStored)
	}
	if !res.Status.IsSuccess() {
		t.Error("sevenzip-stored must be a success")
	}
}

func TestSniff7zCompressed(t *testing.T) {
	// Coder id 0x21 (LZMA2) instead of copy
	header := []byte{0x01, 0x07, 0x0B, 0x01, 0x00, 0x01, 0x01, 0x21}
	if res := Sniff(sevenZip(header)); res.Status != StatusSevenZipUnsupported {
		t.Errorf("status = %s, want %s", res.Status, StatusSevenZipUnsupported)
	}
}

func TestSniff7zEncodedHeader(t *testing.T) {
	header := []byte{0x17, 0x06, 0x00}
	res := Sniff(sevenZip(header))
	if res.Status != StatusSevenZipUnsupported {
		t.Errorf("status = %s, want %s", res.Status, StatusSevenZipUnsupported)
	}
}

func TestSniffUnknownMagic(t *testing.T) {
	if res := Sniff([]byte("this is not an archive at all")); res.Status != StatusHeaderNotFound {
		t.Errorf("status = %s, want %s", res.Status, StatusHeaderNotFound)
	}
}

func TestSniffDeterminism(t *testing.T) {
	fixtures := [][]byte{
		rar4Archive(rar4Block("movie.mkv", 0x30, 0)),
		rar4Archive(rar4Block("inner.r00", 0x30, 0)),
		sevenZip([]byte{0x01, 0x07, 0x0B, 0x01, 0x00, 0x01, 0x01, 0x00}),
		[]byte("random bytes"),
	}
	for _, data := range fixtures {
		a := Sniff(data)
		b := Sniff(bytes.Clone(data))
		if a.Status != b.Status || a.NestedCount != b.NestedCount {
			t.Errorf("non-deterministic result for fixture: %s/%d vs %s/%d",
				a.Status, a.NestedCount, b.Status, b.NestedCount)
		}
	}
}
