package cache

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/singleflight"
)

// DeterministicError marks a downstream failure that will repeat on retry
// (bad NZB, no playable video). Such failures are pinned for the TTL so
// every caller fails fast; anything else is forgotten immediately.
type DeterministicError struct {
	Err error
}

func (e *DeterministicError) Error() string { return e.Err.Error() }
func (e *DeterministicError) Unwrap() error { return e.Err }

// Deterministic wraps err as a repeatable failure.
func Deterministic(err error) error { return &DeterministicError{Err: err} }

// MountCache is the pending/ready/failed state machine for mount handles.
// Concurrent requests for the same key share one in-flight build.
type MountCache[H any] struct {
	group  singleflight.Group
	ready  *Store[H]
	failed *Store[error]
}

func NewMountCache[H any](ttl time.Duration) *MountCache[H] {
	return &MountCache[H]{
		ready:  NewStore[H](0, 0, ttl),
		failed: NewStore[error](0, 0, ttl),
	}
}

// Resolve returns the cached handle or builds it. The build runs once no
// matter how many callers arrive while it is pending; all of them observe
// the same result. ctx cancellation abandons the wait, not the build.
func (c *MountCache[H]) Resolve(ctx context.Context, key string, build func(context.Context) (H, error)) (H, error) {
	var zero H
	if h, ok := c.ready.Get(key); ok {
		return h, nil
	}
	if err, ok := c.failed.Get(key); ok {
		return zero, err
	}

	ch := c.group.DoChan(key, func() (any, error) {
		// Detached from the waiter's ctx so one impatient client does not
		// poison the build for the rest
		h, err := build(context.Background())
		if err != nil {
			var det *DeterministicError
			if errors.As(err, &det) {
				c.failed.Set(key, err, 1)
			}
			return nil, err
		}
		c.ready.Set(key, h, 1)
		return h, nil
	})

	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		return res.Val.(H), nil
	}
}

// Invalidate drops any state for key.
func (c *MountCache[H]) Invalidate(key string) {
	c.ready.Delete(key)
	c.failed.Delete(key)
}

// Flush clears everything.
func (c *MountCache[H]) Flush() {
	c.ready.Flush()
	c.failed.Flush()
}
