package decode

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/javi11/rapidyenc"
)

// crlfReader converts lone LF to CRLF before rapidyenc sees the stream.
// rapidyenc expects CRLF line endings; some NNTP servers emit LF only.
type crlfReader struct {
	r    io.Reader
	buf  []byte
	last byte
	off  int
}

func (c *crlfReader) Read(p []byte) (int, error) {
	out := 0
	for out < len(p) {
		if c.off < len(c.buf) {
			b := c.buf[c.off]
			c.off++
			if b == '\n' && c.last != '\r' {
				p[out] = '\r'
				out++
				c.last = '\r'
				if out >= len(p) {
					c.off-- // put \n back for next Read
					return out, nil
				}
			}
			p[out] = b
			out++
			c.last = b
			continue
		}
		c.buf = make([]byte, 4096)
		n, err := c.r.Read(c.buf)
		c.buf = c.buf[:n]
		c.off = 0
		if n == 0 {
			return out, err
		}
	}
	return out, nil
}

func normalizeCRLF(r io.Reader) io.Reader { return &crlfReader{r: r} }

// Segment is one decoded article body.
type Segment struct {
	Data     []byte
	FileName string
}

// DecodeHead yEnc-decodes at most maxBytes from r. A decode producing zero
// bytes is an error; truncation at maxBytes is not.
func DecodeHead(r io.Reader, maxBytes int64) (*Segment, error) {
	if maxBytes <= 0 {
		maxBytes = 256 << 10
	}
	dec := rapidyenc.NewDecoder(normalizeCRLF(r))
	buf := new(bytes.Buffer)
	_, err := io.Copy(buf, io.LimitReader(dec, maxBytes))
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("yenc decode: %w", err)
	}
	if buf.Len() == 0 {
		return nil, errors.New("yenc decode produced no data")
	}
	return &Segment{Data: buf.Bytes(), FileName: dec.Meta.FileName}, nil
}
