package nntp

import (
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	dialTimeout = 30 * time.Second
	// STAT answers are tiny; a server that cannot answer within the
	// watchdog is treated as broken and the connection dropped.
	statTimeout = 5 * time.Second
	bodyTimeout = 5 * time.Minute
)

// Client is one authenticated NNTP session.
type Client struct {
	conn    *textproto.Conn
	netConn net.Conn
	host    string
	port    int
	useTLS  bool

	LastUsed time.Time
}

// Dial connects and consumes the greeting (200/201). TLS is implicit.
func Dial(host string, port int, useTLS bool) (*Client, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	var conn net.Conn
	var err error
	if useTLS {
		dialer := &net.Dialer{Timeout: dialTimeout}
		conn, err = tls.DialWithDialer(dialer, "tcp", addr, nil)
	} else {
		conn, err = net.DialTimeout("tcp", addr, dialTimeout)
	}
	if err != nil {
		return nil, err
	}

	conn.SetDeadline(time.Now().Add(dialTimeout))
	tp := textproto.NewConn(conn)
	if _, _, err := tp.ReadResponse(200); err != nil {
		tp.Close()
		return nil, fmt.Errorf("nntp greeting: %w", err)
	}
	conn.SetDeadline(time.Time{})

	return &Client{
		conn:     tp,
		netConn:  conn,
		host:     host,
		port:     port,
		useTLS:   useTLS,
		LastUsed: time.Now(),
	}, nil
}

// Authenticate runs AUTHINFO USER/PASS. Servers that need no password
// answer 281 to USER directly.
func (c *Client) Authenticate(user, pass string) error {
	if user == "" {
		return nil
	}
	c.setDeadline(dialTimeout)
	id, err := c.conn.Cmd("AUTHINFO USER %s", user)
	if err != nil {
		return err
	}
	c.conn.StartResponse(id)
	code, _, err := c.conn.ReadCodeLine(381)
	c.conn.EndResponse(id)
	if err != nil {
		if code == 281 {
			return nil
		}
		return fmt.Errorf("authinfo user: %w", err)
	}

	id, err = c.conn.Cmd("AUTHINFO PASS %s", pass)
	if err != nil {
		return err
	}
	c.conn.StartResponse(id)
	_, _, err = c.conn.ReadCodeLine(281)
	c.conn.EndResponse(id)
	if err != nil {
		return fmt.Errorf("authinfo pass: %w", err)
	}
	return nil
}

// StatResult is the outcome of a STAT probe.
type StatResult int

const (
	StatOK      StatResult = iota // 223, article exists
	StatMissing                   // 430, article gone
)

// Stat probes article existence. A transport-level error means the
// connection is unusable; callers must drop it from the pool.
func (c *Client) Stat(messageID string) (StatResult, error) {
	c.setDeadline(statTimeout)
	id, err := c.conn.Cmd("STAT %s", formatMessageID(messageID))
	if err != nil {
		return 0, err
	}
	c.conn.StartResponse(id)
	defer c.conn.EndResponse(id)

	code, _, err := c.conn.ReadCodeLine(223)
	if err != nil {
		if code == 430 {
			return StatMissing, nil
		}
		return 0, err
	}
	return StatOK, nil
}

// bodyReader defers EndResponse until the dot-terminated body is fully
// consumed, per textproto pipeline semantics.
type bodyReader struct {
	io.Reader
	endResponse func()
	once        sync.Once
}

func (b *bodyReader) Read(p []byte) (n int, err error) {
	n, err = b.Reader.Read(p)
	if err == io.EOF {
		b.once.Do(b.endResponse)
	}
	return n, err
}

// ErrMissing marks a 430 on BODY.
type ErrMissing struct{ MessageID string }

func (e *ErrMissing) Error() string { return "article not found: " + e.MessageID }

// Body returns a reader over the article body. The caller must read to
// EOF before issuing another command on this client, or discard the
// client entirely.
func (c *Client) Body(messageID string) (io.Reader, error) {
	c.setDeadline(dialTimeout)
	id, err := c.conn.Cmd("BODY %s", formatMessageID(messageID))
	if err != nil {
		return nil, err
	}
	c.conn.StartResponse(id)
	code, _, err := c.conn.ReadCodeLine(222)
	if err != nil {
		c.conn.EndResponse(id)
		if code == 430 {
			return nil, &ErrMissing{MessageID: messageID}
		}
		return nil, err
	}

	c.setDeadline(bodyTimeout)
	return &bodyReader{
		Reader:      c.conn.DotReader(),
		endResponse: func() { c.conn.EndResponse(id) },
	}, nil
}

func (c *Client) Quit() error {
	// Best effort; the server closing first is fine
	c.setDeadline(2 * time.Second)
	if id, err := c.conn.Cmd("QUIT"); err == nil {
		c.conn.StartResponse(id)
		c.conn.ReadCodeLine(205)
		c.conn.EndResponse(id)
	}
	return c.conn.Close()
}

func (c *Client) setDeadline(d time.Duration) {
	if c.netConn != nil {
		c.netConn.SetDeadline(time.Now().Add(d))
	}
}

// formatMessageID wraps a raw segment id in angle brackets without
// double-wrapping already-bracketed ids.
func formatMessageID(messageID string) string {
	s := strings.TrimSpace(messageID)
	if len(s) >= 2 && s[0] == '<' && s[len(s)-1] == '>' {
		return s
	}
	return "<" + s + ">"
}
