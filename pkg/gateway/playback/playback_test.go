package playback

import (
	"testing"
	"time"
)

func TestSchedule_ChainsClipsWithoutOverlap(t *testing.T) {
	now := time.Unix(1700000000, 0)
	s := NewScheduler(func() time.Time { return now })

	first := s.Schedule("a1", 2*time.Second)
	if !first.StartAt.Equal(now) {
		t.Fatalf("first clip starts at %v, want %v", first.StartAt, now)
	}

	second := s.Schedule("a2", time.Second)
	if !second.StartAt.Equal(first.EndAt()) {
		t.Fatalf("second clip starts at %v, want %v", second.StartAt, first.EndAt())
	}
	if !s.Watermark().Equal(second.EndAt()) {
		t.Fatalf("watermark = %v, want %v", s.Watermark(), second.EndAt())
	}
}

func TestSchedule_StartsAtNowAfterIdleGap(t *testing.T) {
	now := time.Unix(1700000000, 0)
	s := NewScheduler(func() time.Time { return now })

	s.Schedule("a1", time.Second)

	// Long silence; the old watermark is in the past.
	now = now.Add(10 * time.Second)
	clip := s.Schedule("a2", time.Second)
	if !clip.StartAt.Equal(now) {
		t.Fatalf("clip after gap starts at %v, want %v", clip.StartAt, now)
	}
}

func TestInterrupt_StopsAllAndResetsWatermark(t *testing.T) {
	now := time.Unix(1700000000, 0)
	s := NewScheduler(func() time.Time { return now })

	s.Schedule("a1", 2*time.Second)
	s.Schedule("a2", 2*time.Second)
	if s.Live() != 2 {
		t.Fatalf("live = %d, want 2", s.Live())
	}

	stopped := s.Interrupt()
	if len(stopped) != 2 {
		t.Fatalf("stopped %d clips, want 2", len(stopped))
	}
	if s.Live() != 0 {
		t.Fatalf("live = %d after interrupt, want 0", s.Live())
	}
	if !s.Watermark().IsZero() {
		t.Fatalf("watermark = %v after interrupt, want zero", s.Watermark())
	}

	// Next clip begins at "now", not at the stale watermark.
	now = now.Add(500 * time.Millisecond)
	clip := s.Schedule("a3", time.Second)
	if !clip.StartAt.Equal(now) {
		t.Fatalf("post-interrupt clip starts at %v, want %v", clip.StartAt, now)
	}
}

func TestComplete_RemovesFromLiveSet(t *testing.T) {
	s := NewScheduler(nil)
	s.Schedule("a1", time.Second)
	s.Complete("a1")
	if s.Live() != 0 {
		t.Fatalf("live = %d, want 0", s.Live())
	}
}

func TestPCMDuration(t *testing.T) {
	// 24kHz mono s16le: 48000 bytes/sec.
	if d := PCMDuration(48000, 24000, 1); d != time.Second {
		t.Fatalf("PCMDuration = %v, want 1s", d)
	}
	if d := PCMDuration(0, 24000, 1); d != 0 {
		t.Fatalf("empty clip duration = %v, want 0", d)
	}
	if d := PCMDuration(100, 0, 1); d != 0 {
		t.Fatalf("invalid rate duration = %v, want 0", d)
	}
}
