// Package playback schedules generated audio clips back-to-back and models
// barge-in: an interruption stops every live clip and resets the watermark so
// the next clip starts at "now".
package playback

import (
	"sync"
	"time"
)

// Clip is one scheduled audio segment.
type Clip struct {
	ID       string
	StartAt  time.Time
	Duration time.Duration
}

func (c Clip) EndAt() time.Time {
	return c.StartAt.Add(c.Duration)
}

type Scheduler struct {
	now func() time.Time

	mu        sync.Mutex
	watermark time.Time
	live      map[string]Clip
}

func NewScheduler(now func() time.Time) *Scheduler {
	if now == nil {
		now = time.Now
	}
	return &Scheduler{
		now:  now,
		live: make(map[string]Clip),
	}
}

// Schedule places a clip at max(watermark, now) and advances the watermark by
// its duration. The clip is tracked until Complete or Interrupt removes it.
func (s *Scheduler) Schedule(id string, d time.Duration) Clip {
	if d < 0 {
		d = 0
	}
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	start := now
	if s.watermark.After(start) {
		start = s.watermark
	}
	clip := Clip{ID: id, StartAt: start, Duration: d}
	s.watermark = clip.EndAt()
	s.live[id] = clip
	return clip
}

// Complete drops a clip from the live set once it has finished playing.
func (s *Scheduler) Complete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.live, id)
}

// Interrupt force-stops every tracked clip and resets the watermark, so the
// next Schedule starts at the current time. Returns the ids that were stopped.
func (s *Scheduler) Interrupt() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	stopped := make([]string, 0, len(s.live))
	for id := range s.live {
		stopped = append(stopped, id)
	}
	s.live = make(map[string]Clip)
	s.watermark = time.Time{}
	return stopped
}

// Live reports how many clips are currently tracked.
func (s *Scheduler) Live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

// Watermark returns where the next clip would begin; zero after an interrupt
// or before the first clip.
func (s *Scheduler) Watermark() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.watermark
}

// PCMDuration converts a raw PCM16 byte count into play time.
func PCMDuration(nbytes int, sampleRateHz, channels int) time.Duration {
	bytesPerSecond := sampleRateHz * channels * 2
	if bytesPerSecond <= 0 || nbytes <= 0 {
		return 0
	}
	return time.Duration(int64(nbytes) * int64(time.Second) / int64(bytesPerSecond))
}
