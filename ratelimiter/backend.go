package ratelimiter

import (
	"context"
	"sync"
	"time"

	"github.com/berserk3142-max/fraud-risk-engine/models"
	"github.com/berserk3142-max/fraud-risk-engine/syncutil"
)

type Params struct {
	Limit         int
	Window        time.Duration
	BlockDuration time.Duration
}

// HitResult is the outcome of one atomic increment-and-compare.
type HitResult struct {
	WindowStart  time.Time
	Count        int
	BlockedUntil time.Time
	Allowed      bool
	// CoolingDown is set when the attempt was rejected by an earlier breach
	// without touching the counter.
	CoolingDown bool
	// Archived holds the window that this hit rolled over, if any.
	Archived *ArchivedWindow
}

type ArchivedWindow struct {
	Start time.Time
	Count int
}

// Backend stores one fixed window per key. Hit must be linearizable per
// key: two concurrent hits never both observe a count below the limit and
// both pass it.
type Backend interface {
	Hit(ctx context.Context, key string, now time.Time, p Params) (HitResult, error)
	Peek(ctx context.Context, key string) (models.RateLimitWindow, bool, error)
	Reset(ctx context.Context, key string) error
}

type memWindow struct {
	start        time.Time
	count        int
	limit        int
	blockedUntil time.Time
	window       time.Duration
}

// MemoryBackend keeps windows in process, serialising hits per key with a
// sharded lock.
type MemoryBackend struct {
	locks   syncutil.ShardedMutex
	mu      sync.RWMutex
	windows map[string]*memWindow
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{windows: make(map[string]*memWindow)}
}

func (b *MemoryBackend) Hit(ctx context.Context, key string, now time.Time, p Params) (HitResult, error) {
	if err := ctx.Err(); err != nil {
		return HitResult{}, err
	}
	unlock := b.locks.Lock(key)
	defer unlock()

	b.mu.RLock()
	w := b.windows[key]
	b.mu.RUnlock()

	if w != nil && now.Before(w.blockedUntil) {
		return HitResult{
			WindowStart:  w.start,
			Count:        w.count,
			BlockedUntil: w.blockedUntil,
			CoolingDown:  true,
		}, nil
	}

	var res HitResult
	if w == nil || !now.Before(w.start.Add(w.window)) {
		if w != nil {
			res.Archived = &ArchivedWindow{Start: w.start, Count: w.count}
		}
		w = &memWindow{start: now}
		b.mu.Lock()
		b.windows[key] = w
		b.mu.Unlock()
	}
	w.window = p.Window
	w.limit = p.Limit

	w.count++
	res.Allowed = w.count <= p.Limit
	if !res.Allowed && p.BlockDuration > 0 {
		w.blockedUntil = now.Add(p.BlockDuration)
	}

	res.WindowStart = w.start
	res.Count = w.count
	res.BlockedUntil = w.blockedUntil
	return res, nil
}

func (b *MemoryBackend) Peek(ctx context.Context, key string) (models.RateLimitWindow, bool, error) {
	unlock := b.locks.Lock(key)
	defer unlock()

	b.mu.RLock()
	w := b.windows[key]
	b.mu.RUnlock()
	if w == nil {
		return models.RateLimitWindow{}, false, nil
	}
	return models.RateLimitWindow{
		WindowStart:  w.start,
		Count:        w.count,
		Limit:        w.limit,
		BlockedUntil: w.blockedUntil,
	}, true, nil
}

func (b *MemoryBackend) Reset(ctx context.Context, key string) error {
	unlock := b.locks.Lock(key)
	defer unlock()

	b.mu.Lock()
	delete(b.windows, key)
	b.mu.Unlock()
	return nil
}

// Sweep drops windows that ended and are not cooling down.
func (b *MemoryBackend) Sweep(now time.Time) int {
	b.mu.RLock()
	keys := make([]string, 0, len(b.windows))
	for k := range b.windows {
		keys = append(keys, k)
	}
	b.mu.RUnlock()

	removed := 0
	for _, k := range keys {
		unlock := b.locks.Lock(k)
		b.mu.Lock()
		if w, ok := b.windows[k]; ok && !now.Before(w.start.Add(w.window)) && !now.Before(w.blockedUntil) {
			delete(b.windows, k)
			removed++
		}
		b.mu.Unlock()
		unlock()
	}
	return removed
}
