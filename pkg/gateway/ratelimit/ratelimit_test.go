package ratelimit

import (
	"testing"
	"time"
)

func TestAllow_WindowExhaustion(t *testing.T) {
	now := time.Unix(1700000000, 0)
	l := New(Config{Attempts: 10, Window: 60 * time.Second, Now: func() time.Time { return now }})

	for i := 0; i < 10; i++ {
		if d := l.Allow("203.0.113.7"); !d.Allowed {
			t.Fatalf("attempt %d denied, want allowed", i+1)
		}
	}
	d := l.Allow("203.0.113.7")
	if d.Allowed {
		t.Fatalf("11th attempt allowed, want denied")
	}
	if d.RetryAfter < 1 || d.RetryAfter > 60 {
		t.Fatalf("RetryAfter = %d, want within (0, 60]", d.RetryAfter)
	}
}

func TestAllow_RetryAfterShrinksWithElapsedTime(t *testing.T) {
	now := time.Unix(1700000000, 0)
	l := New(Config{Attempts: 1, Window: 60 * time.Second, Now: func() time.Time { return now }})

	if d := l.Allow("a"); !d.Allowed {
		t.Fatalf("first attempt denied")
	}
	now = now.Add(45 * time.Second)
	d := l.Allow("a")
	if d.Allowed {
		t.Fatalf("second attempt within window allowed")
	}
	if d.RetryAfter != 15 {
		t.Fatalf("RetryAfter = %d, want 15", d.RetryAfter)
	}
}

func TestAllow_WindowReset(t *testing.T) {
	now := time.Unix(1700000000, 0)
	l := New(Config{Attempts: 2, Window: 60 * time.Second, Now: func() time.Time { return now }})

	l.Allow("b")
	l.Allow("b")
	if d := l.Allow("b"); d.Allowed {
		t.Fatalf("third attempt within window allowed")
	}

	now = now.Add(61 * time.Second)
	if d := l.Allow("b"); !d.Allowed {
		t.Fatalf("attempt after window elapsed denied")
	}
}

func TestAllow_KeysAreIndependent(t *testing.T) {
	now := time.Unix(1700000000, 0)
	l := New(Config{Attempts: 1, Window: 60 * time.Second, Now: func() time.Time { return now }})

	l.Allow("addr1")
	if d := l.Allow("addr2"); !d.Allowed {
		t.Fatalf("fresh address denied")
	}
}

func TestAllow_BoundedEntries(t *testing.T) {
	now := time.Unix(1700000000, 0)
	l := New(Config{Attempts: 1, Window: 60 * time.Second, MaxEntries: 4, Now: func() time.Time { return now }})

	for _, k := range []string{"a", "b", "c", "d", "e", "f"} {
		l.Allow(k)
	}
	if n := l.store.Len(); n > 4 {
		t.Fatalf("store holds %d entries, want <= 4", n)
	}
}

func TestAllow_CustomStoreIsUsed(t *testing.T) {
	now := time.Unix(1700000000, 0)
	store := newMemoryStore()
	l := NewWithStore(Config{Attempts: 1, Window: time.Minute, Now: func() time.Time { return now }}, store)

	l.Allow("x")
	if _, ok := store.Get("x"); !ok {
		t.Fatalf("attempt was not recorded in the injected store")
	}
}
