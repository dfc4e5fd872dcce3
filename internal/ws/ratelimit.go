package ws

import (
	"sync"
	"time"
)

// bucket is a token bucket refilled continuously at rate tokens per second.
// Each connection owns two: a general one for mutation and presence events
// and a larger-throughput one for cursor moves, so a fast pointer cannot
// starve object edits.
type bucket struct {
	mu         sync.Mutex
	tokens     float64
	capacity   float64
	rate       float64
	lastRefill time.Time
	now        func() time.Time
}

func newBucket(rate float64) *bucket {
	return newBucketAt(rate, time.Now)
}

func newBucketAt(rate float64, now func() time.Time) *bucket {
	return &bucket{
		tokens:     rate,
		capacity:   rate,
		rate:       rate,
		lastRefill: now(),
		now:        now,
	}
}

func (b *bucket) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.tokens += now.Sub(b.lastRefill).Seconds() * b.rate
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.lastRefill = now

	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// connLimiter routes each inbound event to the right bucket.
type connLimiter struct {
	events  *bucket
	cursors *bucket
}

func newConnLimiter(eventsPerSecond, cursorsPerSecond float64) *connLimiter {
	return &connLimiter{
		events:  newBucket(eventsPerSecond),
		cursors: newBucket(cursorsPerSecond),
	}
}

func (l *connLimiter) Allow(event string) bool {
	if event == EventCursorMove {
		return l.cursors.Allow()
	}
	return l.events.Allow()
}
