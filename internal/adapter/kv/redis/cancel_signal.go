// Package redis provides the shared-KV adapter used for cancellation
// signalling. Loss of the KV degrades to a local in-process TTL cache
// without failing requests.
package redis

import (
	"fmt"
	"log/slog"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"

	"github.com/tezgahcloud/jobcore/internal/domain"
)

// CancelSignal writes short-TTL cancel markers workers observe between
// pipeline stages. Either the KV marker or the job row's cancel_requested
// column is sufficient evidence to cancel.
type CancelSignal struct {
	rdb   *redis.Client
	local *gocache.Cache
}

// NewCancelSignal constructs a CancelSignal. rdb may be nil, in which case
// only the local cache is used.
func NewCancelSignal(rdb *redis.Client) *CancelSignal {
	return &CancelSignal{
		rdb:   rdb,
		local: gocache.New(2*time.Minute, time.Minute),
	}
}

func cancelKey(jobID string) string { return "cancel:" + jobID }

// Set writes the cancel marker with the given TTL. A KV failure falls back
// to the local cache and logs; the request itself never fails.
func (s *CancelSignal) Set(ctx domain.Context, jobID string, ttl time.Duration) error {
	s.local.Set(cancelKey(jobID), "1", ttl)
	if s.rdb == nil {
		return nil
	}
	if err := s.rdb.Set(ctx, cancelKey(jobID), "1", ttl).Err(); err != nil {
		slog.Warn("cancel signal KV write failed; local marker only",
			slog.String("job_id", jobID), slog.Any("error", err))
	}
	return nil
}

// IsSet reports whether a cancel marker exists for the job.
func (s *CancelSignal) IsSet(ctx domain.Context, jobID string) (bool, error) {
	if _, ok := s.local.Get(cancelKey(jobID)); ok {
		return true, nil
	}
	if s.rdb == nil {
		return false, nil
	}
	n, err := s.rdb.Exists(ctx, cancelKey(jobID)).Result()
	if err != nil {
		return false, fmt.Errorf("op=cancel_signal.is_set: %w", err)
	}
	return n > 0, nil
}
