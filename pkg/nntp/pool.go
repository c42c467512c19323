package nntp

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"davstream/pkg/logger"
)

// PoolConfig identifies a pool. Two configs with the same Key() may share
// one live pool across requests.
type PoolConfig struct {
	Host      string
	Port      int
	TLS       bool
	User      string
	Pass      string
	Capacity  int
	KeepAlive time.Duration
}

func (c PoolConfig) Key() string {
	return fmt.Sprintf("%s|%d|%t|%s|%d|%s", c.Host, c.Port, c.TLS, c.User, c.Capacity, c.KeepAlive)
}

// Pool holds a fixed set of authenticated NNTP sessions. Waiters are
// served FIFO from the idle channel. Dropped clients are replaced
// asynchronously, retrying every second, so quiescent capacity is
// always restored to the configured size.
type Pool struct {
	cfg  PoolConfig
	idle chan *Client
	done chan struct{}

	lastTouch atomic.Int64 // unix nano of the last triage activity

	mu     sync.Mutex
	closed bool

	// Metrics
	created atomic.Int64
	dropped atomic.Int64
}

// NewPool dials the full capacity up front. Any dial failure tears down
// what was built and reports the error; a pool never starts degraded.
func NewPool(cfg PoolConfig) (*Pool, error) {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 8
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = 30 * time.Second
	}
	p := &Pool{
		cfg:  cfg,
		idle: make(chan *Client, cfg.Capacity),
		done: make(chan struct{}),
	}
	p.Touch()

	for i := 0; i < cfg.Capacity; i++ {
		c, err := p.dial()
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("warm up nntp pool (%d/%d): %w", i, cfg.Capacity, err)
		}
		p.idle <- c
	}

	go p.keepAliveLoop()
	logger.Info("NNTP pool ready", "host", cfg.Host, "capacity", cfg.Capacity)
	return p, nil
}

func (p *Pool) dial() (*Client, error) {
	c, err := Dial(p.cfg.Host, p.cfg.Port, p.cfg.TLS)
	if err != nil {
		return nil, err
	}
	if err := c.Authenticate(p.cfg.User, p.cfg.Pass); err != nil {
		c.Quit()
		return nil, err
	}
	p.created.Add(1)
	return c, nil
}

// Acquire hands out an idle client, blocking until one is released or the
// context ends. Goroutines blocked here are woken in arrival order.
func (p *Pool) Acquire(ctx context.Context) (*Client, error) {
	select {
	case c := <-p.idle:
		return c, nil
	default:
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.done:
		return nil, fmt.Errorf("nntp pool closed")
	case c := <-p.idle:
		return c, nil
	}
}

// TryAcquire returns an idle client only if one is immediately available.
func (p *Pool) TryAcquire() (*Client, bool) {
	select {
	case c := <-p.idle:
		return c, true
	default:
		return nil, false
	}
}

// Release returns a client. drop marks the connection as unusable after a
// transport error; the slot is refilled asynchronously.
func (p *Pool) Release(c *Client, drop bool) {
	if c == nil {
		return
	}
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		c.Quit()
		return
	}
	if drop {
		p.dropped.Add(1)
		c.Quit()
		go p.refill()
		return
	}
	c.LastUsed = time.Now()
	select {
	case p.idle <- c:
	default:
		// More releases than capacity should not happen; don't leak
		c.Quit()
	}
}

// refill replaces a dropped client, retrying every second until the dial
// succeeds or the pool shuts down.
func (p *Pool) refill() {
	for {
		select {
		case <-p.done:
			return
		default:
		}
		c, err := p.dial()
		if err == nil {
			p.Release(c, false)
			return
		}
		logger.Warn("NNTP pool refill failed, retrying", "host", p.cfg.Host, "err", err)
		select {
		case <-p.done:
			return
		case <-time.After(time.Second):
		}
	}
}

// Touch marks triage activity; the keep-alive loop only probes idle
// clients when the pool has gone quiet.
func (p *Pool) Touch() {
	p.lastTouch.Store(time.Now().UnixNano())
}

// keepAliveLoop probes idle clients with a bogus STAT. The expected 430
// proves liveness; a transport error replaces the client. Clients idle
// past the keep-alive window that fail the probe are eagerly rebuilt.
func (p *Pool) keepAliveLoop() {
	interval := p.cfg.KeepAlive / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
		}

		count := len(p.idle)
		for i := 0; i < count; i++ {
			c, ok := p.TryAcquire()
			if !ok {
				break
			}
			if time.Since(c.LastUsed) < p.cfg.KeepAlive {
				p.Release(c, false)
				continue
			}
			if _, err := c.Stat(bogusMessageID()); err != nil {
				logger.Debug("NNTP keep-alive probe failed, replacing client", "host", p.cfg.Host, "err", err)
				p.Release(c, true)
				continue
			}
			p.Release(c, false)
		}
	}
}

func bogusMessageID() string {
	return fmt.Sprintf("<keepalive-%08x@davstream.invalid>", rand.Uint32())
}

// Capacity returns the configured client count.
func (p *Pool) Capacity() int { return p.cfg.Capacity }

// Idle returns the number of clients ready for immediate acquisition.
func (p *Pool) Idle() int { return len(p.idle) }

// Stats is a snapshot of pool bookkeeping for triage summaries.
type Stats struct {
	Capacity int
	Idle     int
	Created  int64
	Dropped  int64
}

func (p *Pool) Stats() Stats {
	return Stats{
		Capacity: p.cfg.Capacity,
		Idle:     len(p.idle),
		Created:  p.created.Load(),
		Dropped:  p.dropped.Load(),
	}
}

// Matches reports whether this pool serves the given configuration.
func (p *Pool) Matches(cfg PoolConfig) bool { return p.cfg.Key() == cfg.Key() }

// Close tears the pool down. Safe to call twice.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	close(p.done)
	for {
		select {
		case c := <-p.idle:
			c.Quit()
		default:
			return
		}
	}
}
