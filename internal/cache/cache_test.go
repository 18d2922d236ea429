package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/zephix/governance/internal/core/metrics"
	"github.com/zephix/governance/internal/types"
)

var orgKey = Key{Scope: types.ScopeOrg, ScopeID: "org-1", EntityType: "task"}

func countingLoader(calls *int32, name string) Loader {
	return func(ctx context.Context) ([]types.RuleSet, error) {
		atomic.AddInt32(calls, 1)
		return []types.RuleSet{{Name: name}}, nil
	}
}

func TestGet_ReadThrough(t *testing.T) {
	c := New(DefaultConfig())
	var calls int32

	for i := 0; i < 3; i++ {
		sets, err := c.Get(context.Background(), orgKey, countingLoader(&calls, "a"))
		require.NoError(t, err)
		require.Len(t, sets, 1)
	}
	require.EqualValues(t, 1, calls)
	require.Equal(t, 1, c.Len())
}

func TestGet_TTLExpiry(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := New(&Config{Enabled: true, TTL: time.Minute}, WithClock(func() time.Time { return now }))
	var calls int32

	_, err := c.Get(context.Background(), orgKey, countingLoader(&calls, "a"))
	require.NoError(t, err)

	now = now.Add(59 * time.Second)
	_, err = c.Get(context.Background(), orgKey, countingLoader(&calls, "a"))
	require.NoError(t, err)
	require.EqualValues(t, 1, calls)

	now = now.Add(2 * time.Second)
	_, err = c.Get(context.Background(), orgKey, countingLoader(&calls, "a"))
	require.NoError(t, err)
	require.EqualValues(t, 2, calls)
}

func TestGet_Disabled(t *testing.T) {
	c := New(&Config{Enabled: false})
	var calls int32

	for i := 0; i < 3; i++ {
		_, err := c.Get(context.Background(), orgKey, countingLoader(&calls, "a"))
		require.NoError(t, err)
	}
	require.EqualValues(t, 3, calls)
	require.Zero(t, c.Len())
}

func TestGet_LoadErrorNotCached(t *testing.T) {
	c := New(DefaultConfig())
	boom := errors.New("boom")

	_, err := c.Get(context.Background(), orgKey, func(ctx context.Context) ([]types.RuleSet, error) {
		return nil, boom
	})
	require.ErrorIs(t, err, boom)
	require.Zero(t, c.Len())
}

func TestGet_ConcurrentMissesShareLoad(t *testing.T) {
	c := New(DefaultConfig())
	var calls int32
	release := make(chan struct{})

	load := func(ctx context.Context) ([]types.RuleSet, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return []types.RuleSet{{Name: "a"}}, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sets, err := c.Get(context.Background(), orgKey, load)
			require.NoError(t, err)
			require.Len(t, sets, 1)
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	require.LessOrEqual(t, atomic.LoadInt32(&calls), int32(8))
	require.Equal(t, 1, c.Len())
}

func TestGet_FollowerSurvivesLeaderCancel(t *testing.T) {
	c := New(DefaultConfig())
	started := make(chan struct{})

	leaderCtx, cancelLeader := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		_, err := c.Get(leaderCtx, orgKey, func(ctx context.Context) ([]types.RuleSet, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		})
		leaderErr <- err
	}()
	<-started

	var calls int32
	type result struct {
		sets []types.RuleSet
		err  error
	}
	follower := make(chan result, 1)
	go func() {
		sets, err := c.Get(context.Background(), orgKey, countingLoader(&calls, "follower"))
		follower <- result{sets, err}
	}()

	// Let the follower join the in-flight load before the leader goes away.
	time.Sleep(50 * time.Millisecond)
	cancelLeader()

	require.ErrorIs(t, <-leaderErr, context.Canceled)
	res := <-follower
	require.NoError(t, res.err)
	require.Equal(t, "follower", res.sets[0].Name)
	require.EqualValues(t, 1, calls)
	require.Equal(t, 1, c.Len())
}

func TestGet_CancelledCallerGetsItsError(t *testing.T) {
	c := New(DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var calls int32
	_, err := c.Get(ctx, orgKey, func(ctx context.Context) ([]types.RuleSet, error) {
		atomic.AddInt32(&calls, 1)
		return nil, ctx.Err()
	})
	require.ErrorIs(t, err, context.Canceled)
	require.EqualValues(t, 1, calls)
	require.Zero(t, c.Len())
}

func TestInvalidate(t *testing.T) {
	c := New(DefaultConfig())
	other := Key{Scope: types.ScopeSystem, EntityType: "task"}
	var calls int32

	_, _ = c.Get(context.Background(), orgKey, countingLoader(&calls, "a"))
	_, _ = c.Get(context.Background(), other, countingLoader(&calls, "s"))
	require.Equal(t, 2, c.Len())

	c.Invalidate(orgKey)
	require.Equal(t, 1, c.Len())

	sets, err := c.Get(context.Background(), orgKey, countingLoader(&calls, "b"))
	require.NoError(t, err)
	require.Equal(t, "b", sets[0].Name)

	c.InvalidateAll()
	require.Zero(t, c.Len())
}

func TestInvalidate_DuringLoadDropsStaleResult(t *testing.T) {
	c := New(DefaultConfig())
	started := make(chan struct{})
	release := make(chan struct{})

	done := make(chan []types.RuleSet)
	go func() {
		sets, _ := c.Get(context.Background(), orgKey, func(ctx context.Context) ([]types.RuleSet, error) {
			close(started)
			<-release
			return []types.RuleSet{{Name: "stale"}}, nil
		})
		done <- sets
	}()

	<-started
	c.Invalidate(orgKey)
	close(release)
	require.Equal(t, "stale", (<-done)[0].Name)

	require.Zero(t, c.Len())
	var calls int32
	sets, err := c.Get(context.Background(), orgKey, countingLoader(&calls, "fresh"))
	require.NoError(t, err)
	require.Equal(t, "fresh", sets[0].Name)
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	c := New(DefaultConfig(), WithMetrics(m))
	var calls int32

	_, _ = c.Get(context.Background(), orgKey, countingLoader(&calls, "a"))
	_, _ = c.Get(context.Background(), orgKey, countingLoader(&calls, "a"))
	c.Invalidate(orgKey)

	count, err := testutil.GatherAndCount(reg, "governance_cache_events_total")
	require.NoError(t, err)
	require.Equal(t, 3, count) // hit, miss, invalidate series
}

func TestKeyFor(t *testing.T) {
	org, ws := "org-1", "ws-1"

	require.Equal(t,
		Key{Scope: types.ScopeWorkspace, ScopeID: "ws-1", EntityType: "task"},
		KeyFor(&types.RuleSet{Scope: types.ScopeWorkspace, OrganizationID: &org, WorkspaceID: &ws, EntityType: "task"}))
	require.Equal(t,
		Key{Scope: types.ScopeSystem, EntityType: "project"},
		KeyFor(&types.RuleSet{Scope: types.ScopeSystem, EntityType: "project"}))
}
