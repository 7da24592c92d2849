package cache

import (
	"sync"
	"testing"
	"time"
)

func TestNew(t *testing.T) {
	t.Run("zero capacity uses default", func(t *testing.T) {
		c := New[string, int](Options[int]{})
		if c.opts.Capacity != 1024 {
			t.Errorf("expected default capacity 1024, got %d", c.opts.Capacity)
		}
	})

	t.Run("negative capacity uses default", func(t *testing.T) {
		c := New[string, int](Options[int]{Capacity: -1})
		if c.opts.Capacity != 1024 {
			t.Errorf("expected default capacity 1024, got %d", c.opts.Capacity)
		}
	})
}

func TestGetSet(t *testing.T) {
	c := New[string, string](Options[string]{Capacity: 10})

	t.Run("set and get", func(t *testing.T) {
		c.Set("key1", "value1")
		val, ok := c.Get("key1")
		if !ok {
			t.Fatal("expected key1 to exist")
		}
		if val != "value1" {
			t.Errorf("expected value1, got %v", val)
		}
	})

	t.Run("update existing", func(t *testing.T) {
		c.Set("key1", "updated")
		val, _ := c.Get("key1")
		if val != "updated" {
			t.Errorf("expected updated, got %v", val)
		}
	})

	t.Run("missing key", func(t *testing.T) {
		if _, ok := c.Get("missing"); ok {
			t.Error("expected miss")
		}
	})
}

func TestLRUEviction(t *testing.T) {
	c := New[int, int](Options[int]{Capacity: 3})
	c.Set(1, 1)
	c.Set(2, 2)
	c.Set(3, 3)
	c.Get(1) // 2 is now least recently used
	c.Set(4, 4)
	if _, ok := c.Get(2); ok {
		t.Fatal("expected 2 to be evicted")
	}
	for _, k := range []int{1, 3, 4} {
		if _, ok := c.Get(k); !ok {
			t.Fatalf("expected %d to remain", k)
		}
	}
	if got := c.Stats().Evictions; got != 1 {
		t.Fatalf("expected 1 eviction, got %d", got)
	}
}

func TestByteBudget(t *testing.T) {
	c := New[string, []byte](Options[[]byte]{
		Capacity: 100,
		MaxBytes: 10,
		Cost:     func(b []byte) int64 { return int64(len(b)) },
	})
	c.Set("a", make([]byte, 4))
	c.Set("b", make([]byte, 4))
	c.Set("c", make([]byte, 4))
	if _, ok := c.Get("a"); ok {
		t.Fatal("expected oldest entry evicted by byte budget")
	}
	if s := c.Stats(); s.Bytes != 8 || s.Size != 2 {
		t.Fatalf("unexpected stats %+v", s)
	}
	c.Set("huge", make([]byte, 11))
	if _, ok := c.Get("huge"); ok {
		t.Fatal("value larger than budget should not be cached")
	}
}

func TestTTLExpiry(t *testing.T) {
	now := time.Unix(0, 0)
	c := New[string, int](Options[int]{
		TTL: time.Second,
		Now: func() time.Time { return now },
	})
	c.Set("k", 1)
	if _, ok := c.Get("k"); !ok {
		t.Fatal("expected hit before expiry")
	}
	now = now.Add(2 * time.Second)
	if _, ok := c.Get("k"); ok {
		t.Fatal("expected miss after expiry")
	}
	if got := c.Stats().Expired; got != 1 {
		t.Fatalf("expected 1 expired entry, got %d", got)
	}
}

func TestDeleteAndClear(t *testing.T) {
	c := New[string, int](Options[int]{})
	c.Set("a", 1)
	c.Set("b", 2)
	c.Delete("a")
	if _, ok := c.Get("a"); ok {
		t.Fatal("expected a deleted")
	}
	c.Clear()
	if c.Len() != 0 {
		t.Fatalf("expected empty cache, got %d", c.Len())
	}
}

func TestConcurrentAccess(t *testing.T) {
	c := New[int, int](Options[int]{Capacity: 64})
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				c.Set(g*1000+i, i)
				c.Get(g*1000 + i/2)
			}
		}(g)
	}
	wg.Wait()
	if c.Len() > 64 {
		t.Fatalf("cache exceeded capacity: %d", c.Len())
	}
}
