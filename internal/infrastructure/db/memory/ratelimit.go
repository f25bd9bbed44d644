package memory

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/99minutos/auth-service/internal/core/ports"
)

const rateShards = 32

// RateLimiter is the process-local fixed-window counter used when no Redis
// is configured. Keys are spread over independently locked shards and
// expired windows are dropped lazily.
type RateLimiter struct {
	limit  int
	window time.Duration
	now    func() time.Time
	shards [rateShards]rateShard
}

type rateShard struct {
	mu      sync.Mutex
	windows map[string]*rateWindow
}

type rateWindow struct {
	count   int
	resetAt time.Time
}

var _ ports.RateLimiter = (*RateLimiter)(nil)

func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = 100
	}
	if window <= 0 {
		window = time.Minute
	}
	l := &RateLimiter{limit: limit, window: window, now: time.Now}
	for i := range l.shards {
		l.shards[i].windows = make(map[string]*rateWindow)
	}
	return l
}

func (l *RateLimiter) shard(key string) *rateShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &l.shards[h.Sum32()%rateShards]
}

func (l *RateLimiter) Allow(_ context.Context, key string) (ports.RateDecision, error) {
	now := l.now()
	s := l.shard(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[key]
	if !ok || !now.Before(w.resetAt) {
		s.sweep(now)
		w = &rateWindow{resetAt: now.Add(l.window)}
		s.windows[key] = w
	}
	w.count++

	remaining := l.limit - w.count
	if remaining < 0 {
		remaining = 0
	}
	return ports.RateDecision{
		Allowed:   w.count <= l.limit,
		Limit:     l.limit,
		Remaining: remaining,
		ResetAt:   w.resetAt,
	}, nil
}

// sweep drops expired windows. Callers hold s.mu.
func (s *rateShard) sweep(now time.Time) {
	for k, w := range s.windows {
		if !now.Before(w.resetAt) {
			delete(s.windows, k)
		}
	}
}
