package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestMountCacheSingleFlight(t *testing.T) {
	mc := NewMountCache[string](time.Minute)

	var builds atomic.Int64
	release := make(chan struct{})
	build := func(ctx context.Context) (string, error) {
		builds.Add(1)
		<-release
		return "handle", nil
	}

	const waiters = 8
	var wg sync.WaitGroup
	results := make([]string, waiters)
	errs := make([]error, waiters)
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = mc.Resolve(context.Background(), "key", build)
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := builds.Load(); got != 1 {
		t.Errorf("builder ran %d times, want exactly 1", got)
	}
	for i := 0; i < waiters; i++ {
		if errs[i] != nil || results[i] != "handle" {
			t.Errorf("waiter %d: got (%q, %v)", i, results[i], errs[i])
		}
	}
}

func TestMountCacheDeterministicFailurePinned(t *testing.T) {
	mc := NewMountCache[string](time.Minute)

	var builds atomic.Int64
	build := func(ctx context.Context) (string, error) {
		builds.Add(1)
		return "", Deterministic(errors.New("no playable video found"))
	}

	for i := 0; i < 3; i++ {
		if _, err := mc.Resolve(context.Background(), "bad", build); err == nil {
			t.Fatal("expected error")
		}
	}
	if got := builds.Load(); got != 1 {
		t.Errorf("builder ran %d times, want 1 (failure pinned)", got)
	}
}

func TestMountCacheTransientFailureRetried(t *testing.T) {
	mc := NewMountCache[string](time.Minute)

	var builds atomic.Int64
	build := func(ctx context.Context) (string, error) {
		if builds.Add(1) == 1 {
			return "", fmt.Errorf("connection refused")
		}
		return "handle", nil
	}

	if _, err := mc.Resolve(context.Background(), "flaky", build); err == nil {
		t.Fatal("first resolve should fail")
	}
	got, err := mc.Resolve(context.Background(), "flaky", build)
	if err != nil || got != "handle" {
		t.Fatalf("second resolve = (%q, %v), want success", got, err)
	}
}

func TestMountCacheWaiterCancellationDoesNotPoisonBuild(t *testing.T) {
	mc := NewMountCache[string](time.Minute)

	started := make(chan struct{})
	release := make(chan struct{})
	build := func(ctx context.Context) (string, error) {
		close(started)
		<-release
		return "handle", nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()
	if _, err := mc.Resolve(ctx, "key", build); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}

	close(release)
	// The detached build completes and lands in the ready store
	deadline := time.Now().Add(time.Second)
	for {
		got, err := mc.Resolve(context.Background(), "key", func(context.Context) (string, error) {
			return "", errors.New("rebuild should not run")
		})
		if err == nil && got == "handle" {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("cached handle never appeared: (%q, %v)", got, err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestMountCacheInvalidate(t *testing.T) {
	mc := NewMountCache[string](time.Minute)
	if _, err := mc.Resolve(context.Background(), "k", func(context.Context) (string, error) {
		return "v1", nil
	}); err != nil {
		t.Fatal(err)
	}
	mc.Invalidate("k")
	got, err := mc.Resolve(context.Background(), "k", func(context.Context) (string, error) {
		return "v2", nil
	})
	if err != nil || got != "v2" {
		t.Errorf("after invalidate: (%q, %v), want v2", got, err)
	}
}
