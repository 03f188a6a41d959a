package memory

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/sark-gateway/sark/internal/domain/ratelimit"
)

// limiterStripes spreads bucket keys over independent locks.
const limiterStripes = 64

type bucketStripe struct {
	mu      sync.Mutex
	buckets map[string][]time.Time
}

// SlidingWindowLimiter implements ratelimit.Limiter with per-identifier
// timestamp buckets. Each check drops timestamps older than the window,
// counts the rest, and admits when count < limit. Stripes keep contention
// per identifier, not global.
type SlidingWindowLimiter struct {
	stripes         [limiterStripes]*bucketStripe
	stopChan        chan struct{}
	wg              sync.WaitGroup
	once            sync.Once
	cleanupInterval time.Duration
	maxIdle         time.Duration
	logger          *slog.Logger
	now             func() time.Time
}

// NewSlidingWindowLimiter creates a limiter with default cleanup settings
// (5 minute interval, 1 hour max idle).
func NewSlidingWindowLimiter(logger *slog.Logger) *SlidingWindowLimiter {
	return NewSlidingWindowLimiterWithConfig(logger, 5*time.Minute, time.Hour)
}

// NewSlidingWindowLimiterWithConfig creates a limiter with custom cleanup
// settings.
func NewSlidingWindowLimiterWithConfig(logger *slog.Logger, cleanupInterval, maxIdle time.Duration) *SlidingWindowLimiter {
	l := &SlidingWindowLimiter{
		stopChan:        make(chan struct{}),
		cleanupInterval: cleanupInterval,
		maxIdle:         maxIdle,
		logger:          logger,
		now:             time.Now,
	}
	for i := range l.stripes {
		l.stripes[i] = &bucketStripe{buckets: make(map[string][]time.Time)}
	}
	return l
}

func (l *SlidingWindowLimiter) stripe(identifier string) *bucketStripe {
	return l.stripes[xxhash.Sum64String(identifier)%limiterStripes]
}

// Check admits or rejects one request for the identifier.
func (l *SlidingWindowLimiter) Check(_ context.Context, identifier string, limit ratelimit.Limit) (ratelimit.Result, error) {
	if limit.Requests <= 0 || limit.Window <= 0 {
		// Unconfigured limit admits everything.
		return ratelimit.Result{Allowed: true, Limit: limit.Requests, Remaining: limit.Requests}, nil
	}

	s := l.stripe(identifier)
	s.mu.Lock()
	defer s.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-limit.Window)

	// Retain only timestamps inside [now-W, now].
	bucket := s.buckets[identifier]
	kept := bucket[:0]
	for _, ts := range bucket {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}

	if len(kept) >= limit.Requests {
		s.buckets[identifier] = kept
		oldest := kept[0]
		retryAfter := oldest.Add(limit.Window).Sub(now)
		if retryAfter < time.Second {
			retryAfter = time.Second
		}
		return ratelimit.Result{
			Allowed:    false,
			Limit:      limit.Requests,
			Remaining:  0,
			ResetAt:    oldest.Add(limit.Window),
			RetryAfter: retryAfter,
		}, nil
	}

	kept = append(kept, now)
	s.buckets[identifier] = kept

	resetAt := kept[0].Add(limit.Window)
	return ratelimit.Result{
		Allowed:   true,
		Limit:     limit.Requests,
		Remaining: limit.Requests - len(kept),
		ResetAt:   resetAt,
	}, nil
}

// BucketLen returns the retained timestamp count for an identifier.
func (l *SlidingWindowLimiter) BucketLen(identifier string) int {
	s := l.stripe(identifier)
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buckets[identifier])
}

// StartCleanup launches the background goroutine removing buckets whose
// newest timestamp is older than maxIdle.
func (l *SlidingWindowLimiter) StartCleanup(ctx context.Context) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ticker := time.NewTicker(l.cleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-l.stopChan:
				return
			case <-ticker.C:
				l.cleanup()
			}
		}
	}()
}

func (l *SlidingWindowLimiter) cleanup() {
	cutoff := l.now().Add(-l.maxIdle)
	cleaned := 0
	for _, s := range l.stripes {
		s.mu.Lock()
		for key, bucket := range s.buckets {
			if len(bucket) == 0 || bucket[len(bucket)-1].Before(cutoff) {
				delete(s.buckets, key)
				cleaned++
			}
		}
		s.mu.Unlock()
	}
	if cleaned > 0 {
		l.logger.Debug("rate limiter cleanup completed", "cleaned_keys", cleaned)
	}
}

// Stop terminates the cleanup goroutine and waits for it. Safe to call
// multiple times.
func (l *SlidingWindowLimiter) Stop() {
	l.once.Do(func() {
		close(l.stopChan)
	})
	l.wg.Wait()
}

// Compile-time interface verification.
var _ ratelimit.Limiter = (*SlidingWindowLimiter)(nil)
