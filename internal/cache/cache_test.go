package cache

import (
	"testing"
	"time"
)

func TestGetMissOnEmptyCache(t *testing.T) {
	c := New[string, int](10, time.Minute)
	if _, ok := c.Get("missing"); ok {
		t.Fatalf("expected a miss")
	}
}

func TestPutThenGetHits(t *testing.T) {
	c := New[string, int](10, time.Minute)
	c.Put("a", 1)
	v, ok := c.Get("a")
	if !ok || v != 1 {
		t.Fatalf("expected hit with value 1, got %v %v", v, ok)
	}
}

func TestEntryExpiresAfterTTL(t *testing.T) {
	c := New[string, int](10, 20*time.Millisecond)
	c.Put("a", 1)
	time.Sleep(40 * time.Millisecond)
	if _, ok := c.Get("a"); ok {
		t.Fatalf("expected entry to have expired")
	}
}

func TestZeroSizeDisablesCaching(t *testing.T) {
	c := New[string, int](0, time.Minute)
	c.Put("a", 1)
	if _, ok := c.Get("a"); ok {
		t.Fatalf("expected caching to be disabled for size<=0")
	}
	if c.Len() != 0 {
		t.Fatalf("expected length 0, got %d", c.Len())
	}
}

func TestRemoveEvictsEntry(t *testing.T) {
	c := New[string, int](10, time.Minute)
	c.Put("a", 1)
	c.Remove("a")
	if _, ok := c.Get("a"); ok {
		t.Fatalf("expected entry to be removed")
	}
}
