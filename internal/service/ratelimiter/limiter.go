// Package ratelimiter implements sliding-window rate limiting for job intake.
//
// The window is a sorted set of request timestamps per key, evaluated
// atomically per request against Redis. When Redis is unavailable the
// limiter degrades to an in-process window per key and logs; infrastructure
// failures never reject a request.
package ratelimiter

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
)

// Decision is the outcome of one limiter evaluation, carrying the backoff
// metadata clients need.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
	ResetAt    time.Time
}

// Scope names a limiter bucket family.
type Scope string

// Limiter scopes.
const (
	ScopeSubmit Scope = "submit"
	ScopePrompt Scope = "prompt"
	ScopeGlobal Scope = "global"
)

// WindowConfig is the per-scope limit over a sliding window.
type WindowConfig struct {
	Max    int
	Window time.Duration
}

// Limiter evaluates sliding windows in Redis with a local fallback.
type Limiter struct {
	rdb     *redis.Client
	windows map[Scope]WindowConfig

	mu    sync.Mutex
	local *gocache.Cache
	now   func() time.Time
}

// New constructs a Limiter. rdb may be nil, in which case every decision is
// evaluated locally.
func New(rdb *redis.Client, windows map[Scope]WindowConfig) *Limiter {
	maxWindow := time.Minute
	for _, w := range windows {
		if w.Window > maxWindow {
			maxWindow = w.Window
		}
	}
	return &Limiter{
		rdb:     rdb,
		windows: windows,
		local:   gocache.New(2*maxWindow, maxWindow),
		now:     time.Now,
	}
}

// Allow evaluates one request against the scope's window for the given key.
// The key is the principal id for per-principal scopes and a constant for
// the global scope.
func (l *Limiter) Allow(ctx context.Context, scope Scope, key string) Decision {
	cfg, ok := l.windows[scope]
	if !ok || cfg.Max <= 0 {
		return Decision{Allowed: true}
	}
	fullKey := fmt.Sprintf("rate:%s:%s", scope, key)
	now := l.now()

	if l.rdb != nil {
		d, err := l.allowRedis(ctx, fullKey, cfg, now)
		if err == nil {
			return d
		}
		slog.Warn("rate limiter falling back to local window",
			slog.String("scope", string(scope)),
			slog.Any("error", err))
	}
	return l.allowLocal(fullKey, cfg, now)
}

// allowRedis runs the sorted-set window atomically in one transaction: prune
// entries older than the window, count the rest, record this request and
// refresh the key's expiry. A denied request's record is removed again.
func (l *Limiter) allowRedis(ctx context.Context, key string, cfg WindowConfig, now time.Time) (Decision, error) {
	windowStart := now.Add(-cfg.Window)
	member := fmt.Sprintf("%d", now.UnixNano())
	var countCmd *redis.IntCmd
	_, err := l.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%d", windowStart.UnixNano()))
		countCmd = pipe.ZCard(ctx, key)
		pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixNano()), Member: member})
		pipe.Expire(ctx, key, cfg.Window)
		return nil
	})
	if err != nil {
		return Decision{}, fmt.Errorf("op=ratelimiter.window: %w", err)
	}
	count := int(countCmd.Val())
	if count >= cfg.Max {
		if err := l.rdb.ZRem(ctx, key, member).Err(); err != nil {
			return Decision{}, fmt.Errorf("op=ratelimiter.unrecord: %w", err)
		}
		oldest, err := l.rdb.ZRangeWithScores(ctx, key, 0, 0).Result()
		if err != nil {
			return Decision{}, fmt.Errorf("op=ratelimiter.oldest: %w", err)
		}
		return denied(cfg, now, oldestExpiry(oldest, cfg, now)), nil
	}
	return Decision{
		Allowed:   true,
		Limit:     cfg.Max,
		Remaining: cfg.Max - count - 1,
		ResetAt:   now.Add(cfg.Window),
	}, nil
}

func oldestExpiry(oldest []redis.Z, cfg WindowConfig, now time.Time) time.Time {
	if len(oldest) == 0 {
		return now.Add(cfg.Window)
	}
	return time.Unix(0, int64(oldest[0].Score)).Add(cfg.Window)
}

// localWindow is the in-process fallback: a plain timestamp slice.
type localWindow struct {
	mu    sync.Mutex
	stamps []time.Time
}

func (l *Limiter) allowLocal(key string, cfg WindowConfig, now time.Time) Decision {
	l.mu.Lock()
	var w *localWindow
	if v, ok := l.local.Get(key); ok {
		w = v.(*localWindow)
	} else {
		w = &localWindow{}
		l.local.Set(key, w, gocache.DefaultExpiration)
	}
	l.mu.Unlock()

	w.mu.Lock()
	defer w.mu.Unlock()
	windowStart := now.Add(-cfg.Window)
	kept := w.stamps[:0]
	for _, ts := range w.stamps {
		if ts.After(windowStart) {
			kept = append(kept, ts)
		}
	}
	w.stamps = kept
	if len(w.stamps) >= cfg.Max {
		return denied(cfg, now, w.stamps[0].Add(cfg.Window))
	}
	w.stamps = append(w.stamps, now)
	return Decision{
		Allowed:   true,
		Limit:     cfg.Max,
		Remaining: cfg.Max - len(w.stamps),
		ResetAt:   now.Add(cfg.Window),
	}
}

func denied(cfg WindowConfig, now, resetAt time.Time) Decision {
	retryAfter := resetAt.Sub(now)
	if retryAfter < 0 {
		retryAfter = 0
	}
	return Decision{
		Allowed:    false,
		Limit:      cfg.Max,
		Remaining:  0,
		RetryAfter: retryAfter,
		ResetAt:    resetAt,
	}
}
