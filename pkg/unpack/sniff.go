package unpack

import (
	"bytes"
	"encoding/binary"
	"regexp"
	"strings"
)

// MaxSniffBytes bounds how much decoded segment data the sniffer inspects.
const MaxSniffBytes = 256 << 10

// Status classifies what the head of an archive segment revealed.
type Status string

const (
	StatusRarStored       Status = "rar-stored"
	StatusRarCompressed   Status = "rar-compressed"
	StatusRarEncrypted    Status = "rar-encrypted"
	StatusRarSolid        Status = "rar-solid"
	StatusRarNested       Status = "rar-nested-archive"
	StatusRar5Unsupported Status = "rar5-unsupported"

	StatusSevenZipStored      Status = "sevenzip-stored"
	StatusSevenZipUnsupported Status = "sevenzip-unsupported"
	StatusSevenZipNested      Status = "sevenzip-nested-archive"
	StatusSevenZipUntested    Status = "sevenzip-untested"

	StatusHeaderNotFound Status = "rar-header-not-found"
)

// IsBlocker reports whether the status rules the release out for streaming.
func (s Status) IsBlocker() bool {
	switch s {
	case StatusRarCompressed, StatusRarEncrypted, StatusRarSolid,
		StatusRar5Unsupported, StatusRarNested,
		StatusSevenZipNested, StatusSevenZipUnsupported:
		return true
	}
	return false
}

// IsSuccess reports whether the status is a positive streamability finding.
func (s Status) IsSuccess() bool {
	return s == StatusRarStored || s == StatusSevenZipStored
}

// Result is the sniffer's verdict on one decoded segment head.
type Result struct {
	Status      Status
	Entries     []string // entry names recovered from headers
	NestedCount int      // filename tokens that look like nested archives
	Caveats     []string
}

var (
	rar4Magic = []byte{0x52, 0x61, 0x72, 0x21, 0x1A, 0x07, 0x00}
	rar5Magic = []byte{0x52, 0x61, 0x72, 0x21, 0x1A, 0x07, 0x01, 0x00}
	szMagic   = []byte{0x37, 0x7A, 0xBC, 0xAF, 0x27, 0x1C}
)

// Sniff classifies the first MaxSniffBytes of a decoded archive segment.
// Works on whatever prefix is available; truncated headers degrade to the
// most conservative status the evidence supports.
func Sniff(data []byte) Result {
	if len(data) > MaxSniffBytes {
		data = data[:MaxSniffBytes]
	}

	var res Result
	switch {
	case bytes.HasPrefix(data, rar5Magic):
		res = sniffRar5(data)
	case bytes.HasPrefix(data, rar4Magic):
		res = sniffRar4(data)
	case bytes.HasPrefix(data, szMagic):
		res = sniff7z(data)
	default:
		res = Result{Status: StatusHeaderNotFound}
	}

	applyNameHeuristic(&res, data)
	return res
}

// sniffRar4 walks RAR 4.x block headers. Layout per file header (0x74):
// crc(2) type(1) flags(2) size(2) packSize(4) unpSize(4) hostOS(1)
// fileCRC(4) ftime(4) unpVer(1) method(1) nameSize(2) attr(4)
// [highPack(4) highUnp(4) when flags&0x0100] name(nameSize).
func sniffRar4(data []byte) Result {
	res := Result{Status: StatusRarStored}
	pos := len(rar4Magic)

	sawFile := false
	sawVideo := false
	sawNonArchive := false
	allStored := true

	for pos+7 <= len(data) {
		blockType := data[pos+2]
		flags := binary.LittleEndian.Uint16(data[pos+3:])
		headSize := int(binary.LittleEndian.Uint16(data[pos+5:]))
		if headSize < 7 {
			break
		}

		var dataSize int64
		if blockType == 0x74 || flags&0x8000 != 0 {
			if pos+11 > len(data) {
				break
			}
			dataSize = int64(binary.LittleEndian.Uint32(data[pos+7:]))
		}

		if blockType == 0x74 {
			if pos+32 > len(data) {
				break
			}
			// The high-size dwords extend the fixed header
			if flags&0x0100 != 0 && pos+36 > len(data) {
				break
			}
			sawFile = true
			method := data[pos+25]
			nameSize := int(binary.LittleEndian.Uint16(data[pos+26:]))
			nameOff := pos + 32
			if flags&0x0100 != 0 {
				highPack := int64(binary.LittleEndian.Uint32(data[pos+32:]))
				dataSize |= highPack << 32
				nameOff += 8
			}

			if flags&0x0004 != 0 {
				return Result{Status: StatusRarEncrypted}
			}
			if flags&0x0010 != 0 {
				return Result{Status: StatusRarSolid}
			}

			var name string
			if nameOff+nameSize <= len(data) {
				name = decodeLatin1(data[nameOff : nameOff+nameSize])
				res.Entries = append(res.Entries, name)
			}
			if method != 0x30 {
				allStored = false
			}
			lower := strings.ToLower(name)
			switch {
			case hasVideoExt(lower):
				sawVideo = true
			case name != "" && !hasNestedArchiveExt(lower):
				sawNonArchive = true
			}
		}

		next := pos + headSize + int(dataSize)
		if next <= pos {
			break
		}
		pos = next
	}

	switch {
	case !sawFile:
		// Only the marker and archive header fit in the prefix
		res.Caveats = append(res.Caveats, "rar4-no-file-header-in-prefix")
	case !allStored:
		res.Status = StatusRarCompressed
	case sawVideo:
		res.Status = StatusRarStored
	case !sawNonArchive && nestedEntryCount(res.Entries) > 0:
		res.Status = StatusRarNested
	default:
		res.Status = StatusRarStored
		res.Caveats = append(res.Caveats, "rar4-header-assumed-stored")
	}
	return res
}

// sniffRar5 walks RAR 5.0 variable-length blocks. Block: crc(4),
// vint headerSize, header{vint type, vint flags, [vint extraSize],
// [vint dataSize], ...}. Type 0x02 is a file header, 0x04 encryption.
func sniffRar5(data []byte) Result {
	res := Result{Status: StatusRarStored}
	pos := len(rar5Magic)

	sawFile := false
	sawVideo := false
	sawNonArchive := false
	allStored := true

	for pos+5 <= len(data) {
		p := pos + 4 // skip crc
		headerSize, n := readVint(data, p)
		if n == 0 || headerSize <= 0 {
			break
		}
		headerStart := p + n
		headerEnd := headerStart + int(headerSize)
		if headerEnd > len(data) {
			break
		}

		q := headerStart
		blockType, n := readVint(data, q)
		if n == 0 {
			break
		}
		q += n
		blockFlags, n := readVint(data, q)
		if n == 0 {
			break
		}
		q += n

		var extraSize, dataSize int64
		if blockFlags&0x01 != 0 {
			extraSize, n = readVint(data, q)
			if n == 0 {
				break
			}
			q += n
		}
		if blockFlags&0x02 != 0 {
			dataSize, n = readVint(data, q)
			if n == 0 {
				break
			}
			q += n
		}
		_ = extraSize

		switch blockType {
		case 0x04:
			return Result{Status: StatusRarEncrypted}
		case 0x02:
			sawFile = true
			name, comp, ok := parseRar5FileHeader(data, q, headerEnd)
			if !ok {
				return Result{Status: StatusRar5Unsupported, Entries: res.Entries}
			}
			// compression info: bit 6 solid, bits 7-9 method (0 = store)
			if comp&0x40 != 0 {
				return Result{Status: StatusRarSolid}
			}
			if (comp>>7)&0x07 != 0 {
				allStored = false
			}
			if name != "" {
				res.Entries = append(res.Entries, name)
				lower := strings.ToLower(name)
				switch {
				case hasVideoExt(lower):
					sawVideo = true
				case !hasNestedArchiveExt(lower):
					sawNonArchive = true
				}
			}
		}

		next := headerEnd + int(dataSize)
		if next <= pos {
			break
		}
		pos = next
	}

	switch {
	case !sawFile:
		res.Caveats = append(res.Caveats, "rar5-no-file-header-in-prefix")
	case !allStored:
		res.Status = StatusRarCompressed
	case sawVideo:
		res.Status = StatusRarStored
	case !sawNonArchive && nestedEntryCount(res.Entries) > 0:
		res.Status = StatusRarNested
	default:
		res.Status = StatusRarStored
		res.Caveats = append(res.Caveats, "rar5-header-assumed-stored")
	}
	return res
}

// parseRar5FileHeader reads the file-specific fields following the common
// block fields: fileFlags, unpackedSize, attributes, [mtime], [crc],
// compressionInfo, hostOS, nameLength, name.
func parseRar5FileHeader(data []byte, pos, end int) (name string, compInfo int64, ok bool) {
	fileFlags, n := readVint(data, pos)
	if n == 0 {
		return "", 0, false
	}
	pos += n
	if _, n = readVint(data, pos); n == 0 { // unpacked size
		return "", 0, false
	}
	pos += n
	if _, n = readVint(data, pos); n == 0 { // attributes
		return "", 0, false
	}
	pos += n
	if fileFlags&0x02 != 0 {
		pos += 4 // mtime
	}
	if fileFlags&0x04 != 0 {
		pos += 4 // crc32
	}
	compInfo, n = readVint(data, pos)
	if n == 0 {
		return "", 0, false
	}
	pos += n
	if _, n = readVint(data, pos); n == 0 { // host os
		return "", 0, false
	}
	pos += n
	nameLen, n := readVint(data, pos)
	if n == 0 {
		return "", 0, false
	}
	pos += n
	if nameLen < 0 || pos+int(nameLen) > end || pos+int(nameLen) > len(data) {
		return "", compInfo, true
	}
	return string(data[pos : pos+int(nameLen)]), compInfo, true
}

// readVint decodes a RAR5 variable-length integer at pos. Returns the
// value and the number of bytes consumed, 0 on truncation.
func readVint(data []byte, pos int) (int64, int) {
	var v int64
	for i := 0; i < 10; i++ {
		if pos+i >= len(data) {
			return 0, 0
		}
		b := data[pos+i]
		v |= int64(b&0x7F) << (7 * i)
		if b&0x80 == 0 {
			return v, i + 1
		}
	}
	return 0, 0
}

// sniff7z parses the 7z start header, follows the next-header pointer and
// checks every folder coder. Only the copy coder (single id byte 0x00)
// counts as stored; encoded headers cannot be inspected and are rejected.
func sniff7z(data []byte) Result {
	// start header: magic(6) version(2) crc(4) nextOffset(8) nextSize(8) nextCRC(4)
	if len(data) < 32 {
		return Result{Status: StatusSevenZipUnsupported, Caveats: []string{"7z-truncated-start-header"}}
	}
	nextOffset := int64(binary.LittleEndian.Uint64(data[12:]))
	nextSize := int64(binary.LittleEndian.Uint64(data[20:]))
	headerStart := 32 + nextOffset
	headerEnd := headerStart + nextSize
	if nextSize <= 0 || headerStart < 32 || headerEnd > int64(len(data)) {
		return Result{Status: StatusSevenZipUnsupported, Caveats: []string{"7z-header-beyond-prefix"}}
	}

	header := data[headerStart:headerEnd]
	if header[0] == 0x17 { // kEncodedHeader
		return Result{Status: StatusSevenZipUnsupported, Caveats: []string{"7z-encoded-header"}}
	}
	if header[0] != 0x01 { // kHeader
		return Result{Status: StatusSevenZipUnsupported}
	}

	stored, found := scan7zCoders(header[1:])
	if !found {
		return Result{Status: StatusSevenZipUnsupported, Caveats: []string{"7z-no-coders"}}
	}
	if stored {
		return Result{Status: StatusSevenZipStored}
	}
	return Result{Status: StatusSevenZipUnsupported}
}

// scan7zCoders locates kUnpackInfo(0x07)/kFolder(0x0B) and inspects each
// coder id. Reports (allCopy, foundAnyCoder).
func scan7zCoders(h []byte) (bool, bool) {
	idx := bytes.IndexByte(h, 0x07) // kUnpackInfo
	if idx < 0 {
		return false, false
	}
	h = h[idx+1:]
	idx = bytes.IndexByte(h, 0x0B) // kFolder
	if idx < 0 {
		return false, false
	}
	pos := idx + 1

	numFolders, n := read7zNumber(h, pos)
	if n == 0 || numFolders <= 0 || numFolders > 1024 {
		return false, false
	}
	pos += n
	if pos >= len(h) {
		return false, false
	}
	if h[pos] != 0 { // external flag: folder data lives elsewhere
		return false, false
	}
	pos++

	found := false
	for f := int64(0); f < numFolders; f++ {
		numCoders, n := read7zNumber(h, pos)
		if n == 0 || numCoders <= 0 || numCoders > 64 {
			return false, found
		}
		pos += n
		for c := int64(0); c < numCoders; c++ {
			if pos >= len(h) {
				return false, found
			}
			flag := h[pos]
			pos++
			idSize := int(flag & 0x0F)
			if pos+idSize > len(h) {
				return false, found
			}
			id := h[pos : pos+idSize]
			pos += idSize
			found = true
			if !(idSize == 1 && id[0] == 0x00) {
				return false, true
			}
			if flag&0x10 != 0 { // attributes present
				propSize, n := read7zNumber(h, pos)
				if n == 0 || pos+n+int(propSize) > len(h) {
					return false, found
				}
				pos += n + int(propSize)
			}
			if flag&0x20 != 0 { // complex coder: in/out stream counts
				if _, n := read7zNumber(h, pos); n != 0 {
					pos += n
				}
				if _, n := read7zNumber(h, pos); n != 0 {
					pos += n
				}
			}
		}
	}
	return true, found
}

// read7zNumber decodes 7z's REAL_UINT64 packed number at pos.
func read7zNumber(h []byte, pos int) (int64, int) {
	if pos >= len(h) {
		return 0, 0
	}
	first := h[pos]
	mask := byte(0x80)
	var value int64
	for i := 0; i < 8; i++ {
		if first&mask == 0 {
			high := int64(first & (mask - 1))
			return value | high<<(8*i), i + 1
		}
		if pos+1+i >= len(h) {
			return 0, 0
		}
		value |= int64(h[pos+1+i]) << (8 * i)
		mask >>= 1
	}
	return value, 9
}

var filenameToken = regexp.MustCompile(`(?i)[a-z0-9_\-. ()\[\]]{3,}\.(mkv|mp4|mov|avi|ts|m4v|mpg|mpeg|wmv|flv|webm|rar|r\d{2}|7z|zip|part\d{1,3}\.rar)`)

// applyNameHeuristic scans the raw bytes as latin-1 for filename-shaped
// tokens. Nested-archive names with zero playable names upgrade the status
// to the nested variant regardless of the structural verdict.
func applyNameHeuristic(res *Result, data []byte) {
	text := decodeLatin1(data)
	nested, video := 0, 0
	for _, m := range filenameToken.FindAllString(text, 200) {
		lower := strings.ToLower(strings.TrimSpace(m))
		switch {
		case hasNestedArchiveExt(lower):
			nested++
		case hasVideoExt(lower):
			video++
		}
	}
	res.NestedCount = nested

	if nested >= 1 && video == 0 {
		switch res.Status {
		case StatusSevenZipStored, StatusSevenZipUntested, StatusSevenZipUnsupported:
			res.Status = StatusSevenZipNested
		case StatusRarStored, StatusRarCompressed, StatusHeaderNotFound:
			res.Status = StatusRarNested
		}
	}
}

func nestedEntryCount(entries []string) int {
	count := 0
	for _, e := range entries {
		if hasNestedArchiveExt(strings.ToLower(e)) {
			count++
		}
	}
	return count
}

func hasVideoExt(lower string) bool {
	for _, ext := range []string{".mkv", ".mp4", ".mov", ".avi", ".ts", ".m4v", ".mpg", ".mpeg", ".wmv", ".flv", ".webm"} {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

var rarVolumeExt = regexp.MustCompile(`\.r\d{2}$|\.part\d{1,3}\.rar$`)

func hasNestedArchiveExt(lower string) bool {
	if strings.HasSuffix(lower, ".rar") || strings.HasSuffix(lower, ".7z") || strings.HasSuffix(lower, ".zip") {
		return true
	}
	return rarVolumeExt.MatchString(lower)
}

func decodeLatin1(b []byte) string {
	runes := make([]rune, len(b))
	for i, c := range b {
		runes[i] = rune(c)
	}
	return string(runes)
}
