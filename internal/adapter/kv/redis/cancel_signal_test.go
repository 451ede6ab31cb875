package redis_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kvredis "github.com/tezgahcloud/jobcore/internal/adapter/kv/redis"
)

func TestCancelSignal_SetAndObserve(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	sig := kvredis.NewCancelSignal(rdb)
	ctx := context.Background()

	set, err := sig.IsSet(ctx, "job-1")
	require.NoError(t, err)
	assert.False(t, set)

	require.NoError(t, sig.Set(ctx, "job-1", time.Minute))
	set, err = sig.IsSet(ctx, "job-1")
	require.NoError(t, err)
	assert.True(t, set)

	// The KV carries the marker with a TTL.
	assert.True(t, mr.Exists("cancel:job-1"))
}

func TestCancelSignal_KVLossDegradesLocally(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	sig := kvredis.NewCancelSignal(rdb)
	ctx := context.Background()

	mr.Close()
	// Set must not fail when the KV is down; the local marker still serves
	// observation on this process.
	require.NoError(t, sig.Set(ctx, "job-2", time.Minute))
	set, err := sig.IsSet(ctx, "job-2")
	require.NoError(t, err)
	assert.True(t, set)
}

func TestCancelSignal_NilClientLocalOnly(t *testing.T) {
	t.Parallel()
	sig := kvredis.NewCancelSignal(nil)
	ctx := context.Background()
	require.NoError(t, sig.Set(ctx, "job-3", time.Minute))
	set, err := sig.IsSet(ctx, "job-3")
	require.NoError(t, err)
	assert.True(t, set)
}
