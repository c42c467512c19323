package cache

import (
	"testing"
	"time"
)

func TestStoreEvictsInInsertionOrder(t *testing.T) {
	s := NewStore[int](3, 0, 0)
	s.Set("a", 1, 1)
	s.Set("b", 2, 1)
	s.Set("c", 3, 1)
	s.Set("d", 4, 1)

	if _, ok := s.Get("a"); ok {
		t.Error("oldest entry must be evicted first")
	}
	for _, key := range []string{"b", "c", "d"} {
		if _, ok := s.Get(key); !ok {
			t.Errorf("entry %q evicted out of order", key)
		}
	}
}

func TestStoreByteCapEvictsOldest(t *testing.T) {
	s := NewStore[string](0, 100, 0)
	s.Set("a", "x", 40)
	s.Set("b", "y", 40)
	s.Set("c", "z", 40)

	if _, ok := s.Get("a"); ok {
		t.Error("byte cap must evict the oldest entry")
	}
	if _, ok := s.Get("c"); !ok {
		t.Error("just-inserted entry must survive")
	}
	if got := s.TotalBytes(); got != 80 {
		t.Errorf("total bytes = %d, want 80", got)
	}
}

func TestStoreRejectsOversizeEntry(t *testing.T) {
	s := NewStore[string](0, 10, 0)
	if s.Set("big", "x", 11) {
		t.Error("entry above the byte cap must be rejected")
	}
	if s.Len() != 0 {
		t.Errorf("len = %d, want 0", s.Len())
	}
}

func TestStoreTTLExpiry(t *testing.T) {
	s := NewStore[int](0, 0, 10*time.Millisecond)
	s.Set("k", 1, 1)
	if _, ok := s.Get("k"); !ok {
		t.Fatal("fresh entry must be readable")
	}
	time.Sleep(25 * time.Millisecond)
	if _, ok := s.Get("k"); ok {
		t.Error("expired entry must be dropped on access")
	}
}

func TestStoreReplaceKeepsAccounting(t *testing.T) {
	s := NewStore[string](0, 100, 0)
	s.Set("k", "old", 30)
	s.Set("k", "new", 50)
	if got := s.TotalBytes(); got != 50 {
		t.Errorf("total bytes = %d, want 50 after replace", got)
	}
	if v, _ := s.Get("k"); v != "new" {
		t.Errorf("value = %q, want new", v)
	}
	if s.Len() != 1 {
		t.Errorf("len = %d, want 1", s.Len())
	}
}

func TestStoreFlush(t *testing.T) {
	s := NewStore[int](0, 0, 0)
	s.Set("a", 1, 10)
	s.Set("b", 2, 10)
	s.Flush()
	if s.Len() != 0 || s.TotalBytes() != 0 {
		t.Errorf("flush left len=%d bytes=%d", s.Len(), s.TotalBytes())
	}
}
