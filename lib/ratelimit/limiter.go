// Package ratelimit throttles management API requests. Each client
// connection gets its own token bucket from a KeyedLimiter.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type keyedEntry struct {
	bucket   *rate.Limiter
	lastSeen time.Time
}

// KeyedLimiter keeps one token bucket per key. A bucket refills at rate
// tokens per second up to capacity and starts full. Keys idle longer than the
// cleanup interval are forgotten.
type KeyedLimiter struct {
	mu       sync.Mutex
	buckets  map[string]*keyedEntry
	rate     float64
	capacity int
	cleanup  time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewKeyed creates a per-key rate limiter.
func NewKeyed(r float64, capacity int, cleanup time.Duration) *KeyedLimiter {
	kl := &KeyedLimiter{
		buckets:  make(map[string]*keyedEntry),
		rate:     r,
		capacity: capacity,
		cleanup:  cleanup,
		stopCh:   make(chan struct{}),
	}
	go kl.cleanupLoop()
	return kl
}

// Close stops the cleanup goroutine. It is safe to call more than once.
func (kl *KeyedLimiter) Close() {
	kl.stopOnce.Do(func() { close(kl.stopCh) })
}

// Allow checks if a request for the given key is allowed.
func (kl *KeyedLimiter) Allow(key string) bool {
	kl.mu.Lock()
	e, ok := kl.buckets[key]
	if !ok {
		e = &keyedEntry{bucket: rate.NewLimiter(rate.Limit(kl.rate), kl.capacity)}
		kl.buckets[key] = e
	}
	e.lastSeen = time.Now()
	kl.mu.Unlock()

	return e.bucket.Allow()
}

// Forget drops the bucket for key, typically when a connection closes.
func (kl *KeyedLimiter) Forget(key string) {
	kl.mu.Lock()
	delete(kl.buckets, key)
	kl.mu.Unlock()
}

// Len returns the number of tracked keys.
func (kl *KeyedLimiter) Len() int {
	kl.mu.Lock()
	defer kl.mu.Unlock()
	return len(kl.buckets)
}

func (kl *KeyedLimiter) sweep(now time.Time) {
	kl.mu.Lock()
	defer kl.mu.Unlock()
	for key, e := range kl.buckets {
		if now.Sub(e.lastSeen) > kl.cleanup {
			delete(kl.buckets, key)
		}
	}
}

func (kl *KeyedLimiter) cleanupLoop() {
	ticker := time.NewTicker(kl.cleanup)
	defer ticker.Stop()
	for {
		select {
		case <-kl.stopCh:
			return
		case now := <-ticker.C:
			kl.sweep(now)
		}
	}
}
