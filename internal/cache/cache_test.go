package cache

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sdko-org/scanperf/internal/storage"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

type testCache struct {
	*Cache
	clock clockwork.FakeClock
	files *storage.DiskStorage
}

func newTestCache(t *testing.T, mutate func(*Options)) testCache {
	t.Helper()
	logger := quietLogger()

	durable, err := OpenDurable(logger, "", true)
	require.NoError(t, err)

	files, err := storage.NewDiskStorage(logger, afero.NewMemMapFs(), "/cache")
	require.NoError(t, err)

	clock := clockwork.NewFakeClockAt(time.Now())
	opts := Options{
		FastTierMaxTTL:          5 * time.Minute,
		EnableFileCache:         true,
		FileCacheThresholdBytes: 16,
		MaxFileCacheBytes:       1 << 20,
		Clock:                   clock,
	}
	if mutate != nil {
		mutate(&opts)
	}

	c := New(logger, durable, files, opts)
	t.Cleanup(func() { _ = c.Close() })
	return testCache{Cache: c, clock: clock, files: files}
}

func TestCache_PromotesFromDurableAfterFastExpiry(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, nil)

	require.True(t, c.Set(ctx, "k", []byte("v"), time.Hour, GroupConfiguration))

	got, ok := c.Get(ctx, "k", GroupConfiguration)
	require.True(t, ok)
	assert.Equal(t, []byte("v"), got)
	assert.EqualValues(t, 1, c.Stats().HitsByTier[TierFast])

	c.clock.Advance(6 * time.Minute)

	got, ok = c.Get(ctx, "k", GroupConfiguration)
	require.True(t, ok)
	assert.Equal(t, []byte("v"), got)
	assert.EqualValues(t, 1, c.Stats().HitsByTier[TierDurable])

	_, ok = c.Get(ctx, "k", GroupConfiguration)
	require.True(t, ok)
	stats := c.Stats()
	assert.EqualValues(t, 2, stats.HitsByTier[TierFast])
	assert.EqualValues(t, 3, stats.Hits)
	assert.EqualValues(t, 0, stats.Misses)
}

func TestCache_FlushGroupIsolation(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, nil)

	for i := 0; i < 5; i++ {
		c.Set(ctx, fmt.Sprintf("a%d", i), []byte("small"), time.Hour, "A")
		c.Set(ctx, fmt.Sprintf("b%d", i), []byte("small"), time.Hour, "B")
	}
	c.Set(ctx, "a-large", bytes.Repeat([]byte("x"), 64), time.Hour, "A")
	c.Set(ctx, "b-large", bytes.Repeat([]byte("y"), 64), time.Hour, "B")

	require.NoError(t, c.FlushGroup(ctx, "A"))

	for i := 0; i < 5; i++ {
		_, ok := c.Get(ctx, fmt.Sprintf("a%d", i), "A")
		assert.False(t, ok)
		_, ok = c.Get(ctx, fmt.Sprintf("b%d", i), "B")
		assert.True(t, ok)
	}
	_, ok := c.Get(ctx, "a-large", "A")
	assert.False(t, ok)
	_, ok = c.Get(ctx, "b-large", "B")
	assert.True(t, ok)

	names, err := c.files.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, names, 1)
}

func TestCache_LargeValuesPromoteFromFileTier(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, nil)
	value := bytes.Repeat([]byte("payload-"), 32)

	require.True(t, c.Set(ctx, "big", value, time.Hour, GroupScanResults))
	assert.Positive(t, c.files.Usage())

	c.FlushFast()
	require.NoError(t, c.durable.delete(durableKey(GroupScanResults, "big")))

	got, ok := c.Get(ctx, "big", GroupScanResults)
	require.True(t, ok)
	assert.Equal(t, value, got)
	assert.EqualValues(t, 1, c.Stats().HitsByTier[TierFile])

	c.FlushFast()
	got, ok = c.Get(ctx, "big", GroupScanResults)
	require.True(t, ok)
	assert.Equal(t, value, got)
	assert.EqualValues(t, 1, c.Stats().HitsByTier[TierDurable])
}

func TestCache_FileTierRespectsFootprint(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, func(o *Options) { o.MaxFileCacheBytes = 10 })

	ok := c.Set(ctx, "big", bytes.Repeat([]byte("z"), 200), time.Hour, GroupScanResults)
	assert.True(t, ok)
	assert.EqualValues(t, 1, c.Stats().FileRejects)
	assert.Zero(t, c.files.Usage())

	_, found := c.Get(ctx, "big", GroupScanResults)
	assert.True(t, found)
}

func TestCache_FileTierLimitedToGroups(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, func(o *Options) { o.FileTierGroups = []string{GroupScanResults} })

	c.Set(ctx, "big", bytes.Repeat([]byte("z"), 64), time.Hour, GroupDBQueries)
	assert.Zero(t, c.files.Usage())

	c.Set(ctx, "big", bytes.Repeat([]byte("z"), 64), time.Hour, GroupScanResults)
	assert.Positive(t, c.files.Usage())
}

func TestCache_ShrinkingValueClearsFileCopy(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, nil)

	c.Set(ctx, "k", bytes.Repeat([]byte("z"), 64), time.Hour, GroupScanResults)
	require.Positive(t, c.files.Usage())

	c.Set(ctx, "k", []byte("tiny"), time.Hour, GroupScanResults)
	assert.Zero(t, c.files.Usage())
}

func TestCache_FileThresholdUsesSerializedSize(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, nil)

	c.Set(ctx, "edge", bytes.Repeat([]byte("a"), 16), time.Hour, GroupScanResults)
	assert.False(t, c.files.Has(fileName(GroupScanResults, "edge")))

	c.Set(ctx, "over", bytes.Repeat([]byte("a"), 17), time.Hour, GroupScanResults)
	assert.True(t, c.files.Has(fileName(GroupScanResults, "over")))
}

func TestCache_DeleteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, nil)

	c.Set(ctx, "k", bytes.Repeat([]byte("z"), 64), time.Hour, "g")
	c.Delete(ctx, "k", "g")
	c.Delete(ctx, "k", "g")

	_, ok := c.Get(ctx, "k", "g")
	assert.False(t, ok)
	assert.Zero(t, c.files.Usage())
	assert.Zero(t, c.Stats().TierFaults)
}

func TestCache_ExpiredEntriesMiss(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, nil)

	c.Set(ctx, "k", []byte("v"), time.Minute, "g")
	c.clock.Advance(2 * time.Minute)

	_, ok := c.Get(ctx, "k", "g")
	assert.False(t, ok)
	assert.EqualValues(t, 1, c.Stats().Misses)
}

func TestCache_FlushAllResetsStats(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, nil)

	c.Set(ctx, "k", bytes.Repeat([]byte("z"), 64), time.Hour, "g")
	c.Get(ctx, "k", "g")
	c.Get(ctx, "missing", "g")

	require.NoError(t, c.FlushAll(ctx))

	stats := c.Stats()
	assert.Zero(t, stats.Hits)
	assert.Zero(t, stats.Misses)
	assert.Zero(t, stats.FastEntries)
	assert.Zero(t, stats.FileBytes)

	_, ok := c.Get(ctx, "k", "g")
	assert.False(t, ok)
}

func TestCache_FlushFastExceptKeepsGroup(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, nil)

	c.Set(ctx, "a", []byte("1"), time.Hour, GroupScanResults)
	c.Set(ctx, "b", []byte("2"), time.Hour, GroupFileHashes)

	assert.Equal(t, 1, c.FlushFastExcept(GroupScanResults))
	assert.Equal(t, 1, c.Stats().FastEntries)

	assert.Equal(t, 1, c.FlushFastGroups(GroupScanResults))
	assert.Zero(t, c.Stats().FastEntries)
}

func TestCache_WorksWithoutSlowTiers(t *testing.T) {
	ctx := context.Background()
	c := New(quietLogger(), nil, nil, Options{})

	require.True(t, c.Set(ctx, "k", []byte("v"), time.Hour, "g"))
	got, ok := c.Get(ctx, "k", "g")
	require.True(t, ok)
	assert.Equal(t, []byte("v"), got)
	require.NoError(t, c.FlushGroup(ctx, "g"))
	require.NoError(t, c.Close())
}

func TestCache_PurgeExpiredRemovesFiles(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, nil)

	c.Set(ctx, "short", bytes.Repeat([]byte("s"), 64), time.Minute, "g")
	c.Set(ctx, "long", bytes.Repeat([]byte("l"), 64), time.Hour, "g")
	c.clock.Advance(10 * time.Minute)

	report, err := c.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.FilesRemoved)
	assert.Equal(t, 2, report.FastExpired)

	names, err := c.files.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, names, 1)
}

func TestCache_JSONHelpers(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, nil)

	type payload struct {
		Name  string
		Count int
	}
	require.NoError(t, c.SetJSON(ctx, "p", payload{Name: "x", Count: 3}, time.Hour, "g"))

	var got payload
	require.True(t, c.GetJSON(ctx, "p", "g", &got))
	assert.Equal(t, payload{Name: "x", Count: 3}, got)

	c.Set(ctx, "bad", []byte("{not json"), time.Hour, "g")
	assert.False(t, c.GetJSON(ctx, "bad", "g", &got))
	_, ok := c.Get(ctx, "bad", "g")
	assert.False(t, ok)
}

func TestCache_ConcurrentAccess(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, nil)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				key := fmt.Sprintf("k%d", i%10)
				c.Set(ctx, key, []byte(fmt.Sprintf("%d-%d", w, i)), time.Hour, "g")
				c.Get(ctx, key, "g")
			}
		}(w)
	}
	wg.Wait()

	stats := c.Stats()
	assert.EqualValues(t, 800, stats.Sets)
	assert.EqualValues(t, 800, stats.Hits+stats.Misses)
}
