package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sdko-org/scanperf/internal/cache"
	"github.com/sdko-org/scanperf/internal/config"
	"github.com/sdko-org/scanperf/internal/memory"
	"github.com/sdko-org/scanperf/internal/models"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticReader struct{}

func (staticReader) Read() memory.Usage {
	return memory.Usage{Current: 10 << 20, Limit: 1 << 40}
}

type fixedProbe ResourceContext

func (p fixedProbe) Probe(context.Context) ResourceContext {
	return ResourceContext(p)
}

type recordingStore struct {
	mu        sync.Mutex
	summaries []*models.ScanSummary
	err       error
}

func (r *recordingStore) SaveSummary(_ context.Context, s *models.ScanSummary) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.summaries = append(r.summaries, s)
	return nil
}

// countingScanner reports one finding for every path containing "bad".
type countingScanner struct {
	calls atomic.Int32
	fn    func(WorkUnit) (UnitResult, error)
}

func (c *countingScanner) Scan(_ context.Context, u WorkUnit) (UnitResult, error) {
	c.calls.Add(1)
	if c.fn != nil {
		return c.fn(u)
	}
	res := UnitResult{Path: u.Path}
	if strings.Contains(u.Path, "bad") {
		res.Findings = []Finding{{Rule: "eval", Severity: "high", Message: "eval of request data"}}
	}
	return res, nil
}

type fixture struct {
	sched   *Scheduler
	fs      afero.Fs
	cache   *cache.Cache
	mem     *memory.Manager
	scanner *countingScanner
	store   *recordingStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithDurable(t, nil)
}

func newFixtureWithDurable(t *testing.T, durable *cache.DurableTier) *fixture {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	fsys := afero.NewMemMapFs()
	c := cache.New(logger, durable, nil, cache.Options{})
	mem := memory.NewManager(logger, c, memory.Options{Reader: staticReader{}})
	scanner := &countingScanner{}
	store := &recordingStore{}

	sched, err := New(logger, Deps{
		Fs:        fsys,
		Cache:     c,
		Memory:    mem,
		Scanner:   scanner,
		Summaries: store,
		Probe:     fixedProbe{AvailableMemory: 1 << 30, SystemLoad: 0.5},
	}, config.DefaultPerformance())
	require.NoError(t, err)

	return &fixture{sched: sched, fs: fsys, cache: c, mem: mem, scanner: scanner, store: store}
}

func (f *fixture) write(t *testing.T, path, content string) Descriptor {
	t.Helper()
	require.NoError(t, afero.WriteFile(f.fs, path, []byte(content), 0644))
	return Descriptor{Path: path, Size: int64(len(content))}
}

func TestNew_RequiresScanner(t *testing.T) {
	_, err := New(logrus.New(), Deps{}, config.DefaultPerformance())
	assert.ErrorIs(t, err, ErrNoScanner)
}

func TestFilter_AppliesRulesInOrder(t *testing.T) {
	f := newFixture(t)
	descs := []Descriptor{
		f.write(t, "/site/index.php", "<?php echo 1;"),
		f.write(t, "/site/readme.txt", "hello"),
		f.write(t, "/site/node_modules/lib.js", "x"),
		f.write(t, "/site/cache/page.php", "<?php"),
		f.write(t, "/site/huge.php", strings.Repeat("a", 2048)),
		{Path: "/site/missing.php"},
	}

	units, stats := f.sched.Filter(descs, Options{
		DeniedExtensions: []string{"txt"},
		ExcludedDirs:     []string{"node_modules"},
		ExcludePatterns:  []string{`/cache/`, `([`},
		MaxFileSize:      1024,
	})

	require.Len(t, units, 1)
	assert.Equal(t, "/site/index.php", units[0].Path)
	assert.EqualValues(t, 13, units[0].Size)
	assert.Equal(t, FilterStats{Missing: 1, Extension: 1, Directory: 1, Pattern: 1, Size: 1}, stats)
	assert.Equal(t, 5, stats.Total())
}

func TestFilter_AllowList(t *testing.T) {
	f := newFixture(t)
	descs := []Descriptor{
		f.write(t, "/a.php", "1"),
		f.write(t, "/b.JS", "1"),
		f.write(t, "/c.css", "1"),
	}

	units, stats := f.sched.Filter(descs, Options{AllowedExtensions: []string{".php", "js"}})
	assert.Len(t, units, 2)
	assert.Equal(t, 1, stats.Extension)
}

func TestPrioritize_ScoresAndStability(t *testing.T) {
	units := []WorkUnit{
		{Path: "/site/style.css", Size: 10},
		{Path: "/site/lib/a.php", Size: 10},
		{Path: "/site/wp-admin/admin.php", Size: 10},
		{Path: "/site/lib/b.php", Size: 10},
		{Path: "/site/wp-config.php", Size: 10},
		{Path: "/site/lib/big.php", Size: 50 << 20},
	}

	got := Prioritize(units)
	var paths []string
	for _, u := range got {
		paths = append(paths, u.Path)
	}
	assert.Equal(t, []string{
		"/site/wp-config.php",
		"/site/wp-admin/admin.php",
		"/site/lib/a.php",
		"/site/lib/b.php",
		"/site/lib/big.php",
		"/site/style.css",
	}, paths)
	assert.Equal(t, scoreHighValue+scoreExecutable, got[0].Priority)
	assert.Equal(t, scoreExecutable-maxSizePenalty, got[4].Priority)

	assert.Equal(t, "/site/style.css", units[0].Path, "input is not reordered")
}

func TestComputeBatchSize_Formula(t *testing.T) {
	rc := ResourceContext{AvailableMemory: batchMemoryUnit, SystemLoad: 1, EstimatedComplexity: 1}
	assert.Equal(t, 50, ComputeBatchSize(50, rc, 10, 500))

	rc = ResourceContext{AvailableMemory: 1 << 40, SystemLoad: 0, EstimatedComplexity: 0}
	assert.Equal(t, 300, ComputeBatchSize(50, rc, 10, 500))
}

func TestComputeBatchSize_AlwaysClamped(t *testing.T) {
	memories := []uint64{0, 1, 64 << 20, 128 << 20, 1 << 40}
	loads := []float64{-3, 0, 0.5, 1, 2, 10}
	complexities := []float64{0, 0.5, 1, 2, 5}
	defaults := []int{0, 1, 50, 100000}

	for _, m := range memories {
		for _, l := range loads {
			for _, c := range complexities {
				for _, d := range defaults {
					got := ComputeBatchSize(d, ResourceContext{AvailableMemory: m, SystemLoad: l, EstimatedComplexity: c}, 10, 500)
					require.GreaterOrEqual(t, got, 10, "mem=%d load=%v complexity=%v", m, l, c)
					require.LessOrEqual(t, got, 500, "mem=%d load=%v complexity=%v", m, l, c)
				}
			}
		}
	}
}

func TestComputeConcurrency(t *testing.T) {
	assert.Equal(t, 4, ComputeConcurrency(ResourceContext{AvailableMemory: 1 << 30, SystemLoad: 0.5}, 4))
	assert.Equal(t, 2, ComputeConcurrency(ResourceContext{AvailableMemory: 1 << 30, SystemLoad: 3}, 4))
	assert.Equal(t, 2, ComputeConcurrency(ResourceContext{AvailableMemory: 100 << 20}, 4))
	assert.Equal(t, 1, ComputeConcurrency(ResourceContext{AvailableMemory: 1 << 20}, 4))
	assert.Equal(t, 1, ComputeConcurrency(ResourceContext{AvailableMemory: 1 << 30}, 0))
}

func TestDispatch_RespectsConcurrencyBound(t *testing.T) {
	f := newFixture(t)

	var active, peak atomic.Int32
	f.scanner.fn = func(u WorkUnit) (UnitResult, error) {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(time.Millisecond)
		active.Add(-1)
		return UnitResult{Path: u.Path}, nil
	}

	units := make([]WorkUnit, 100)
	for i := range units {
		units[i] = WorkUnit{Path: fmt.Sprintf("/u/%d.php", i), Fingerprint: fmt.Sprintf("fp%d", i)}
	}

	res := f.sched.Dispatch(context.Background(), units, 5, 3)
	assert.Equal(t, 100, res.FilesProcessed)
	assert.Equal(t, 20, res.Batches)
	assert.LessOrEqual(t, peak.Load(), int32(3))
	assert.Positive(t, peak.Load())
}

func TestDispatch_UnitsInBatchKeepOrder(t *testing.T) {
	f := newFixture(t)

	var mu sync.Mutex
	var seen []string
	f.scanner.fn = func(u WorkUnit) (UnitResult, error) {
		mu.Lock()
		seen = append(seen, u.Path)
		mu.Unlock()
		return UnitResult{}, nil
	}

	units := []WorkUnit{
		{Path: "/1", Fingerprint: "a"},
		{Path: "/2", Fingerprint: "b"},
		{Path: "/3", Fingerprint: "c"},
	}
	res := f.sched.Dispatch(context.Background(), units, 10, 2)
	assert.Equal(t, []string{"/1", "/2", "/3"}, seen)
	assert.Equal(t, "/1", res.Results[0].Path, "empty result path is filled in")
}

func TestDispatch_UnitFailuresAreIsolated(t *testing.T) {
	f := newFixture(t)
	f.scanner.fn = func(u WorkUnit) (UnitResult, error) {
		switch u.Path {
		case "/err":
			return UnitResult{}, errors.New("unreadable")
		case "/panic":
			panic("matcher bug")
		}
		return UnitResult{Path: u.Path}, nil
	}

	units := []WorkUnit{
		{Path: "/ok1", Fingerprint: "1"},
		{Path: "/err", Fingerprint: "2"},
		{Path: "/panic", Fingerprint: "3"},
		{Path: "/ok2", Fingerprint: "4"},
	}
	res := f.sched.Dispatch(context.Background(), units, 2, 2)

	assert.Equal(t, 2, res.FilesProcessed)
	require.Len(t, res.Errors, 2)
	var paths []string
	for _, e := range res.Errors {
		paths = append(paths, e.Path)
	}
	assert.ElementsMatch(t, []string{"/err", "/panic"}, paths)

	// failures are not cached
	_, ok := f.sched.lookup(context.Background(), units[1])
	assert.False(t, ok)
}

func TestDispatch_CancelStopsNewBatches(t *testing.T) {
	f := newFixture(t)
	f.scanner.fn = func(u WorkUnit) (UnitResult, error) {
		f.sched.Cancel()
		return UnitResult{Path: u.Path}, nil
	}

	units := make([]WorkUnit, 10)
	for i := range units {
		units[i] = WorkUnit{Path: fmt.Sprintf("/%d", i), Fingerprint: "x"}
	}
	res := f.sched.Dispatch(context.Background(), units, 1, 1)

	assert.True(t, res.Cancelled)
	assert.Equal(t, 1, res.FilesProcessed)
}

func TestDispatch_MissingFileIsUnitError(t *testing.T) {
	f := newFixture(t)

	res := f.sched.Dispatch(context.Background(), []WorkUnit{{Path: "/gone.php"}}, 1, 1)
	require.Len(t, res.Errors, 1)
	assert.Zero(t, f.scanner.calls.Load())
}

func TestResultTTL(t *testing.T) {
	f := newFixture(t)
	day := config.DefaultPerformance().ScanCacheExpiry

	assert.Equal(t, day, f.sched.resultTTL(0))
	assert.Equal(t, day/4, f.sched.resultTTL(2))
	assert.Equal(t, day/24, f.sched.resultTTL(3))
}

func TestRunScan_ReusesCachedUnits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.write(t, "/site/a.php", "<?php echo 'a';")
	b := f.write(t, "/site/b.php", "<?php echo 'b';")

	first, err := f.sched.RunScan(ctx, []Descriptor{a, b}, Options{})
	require.NoError(t, err)
	assert.Equal(t, 2, first.FilesProcessed)
	assert.Zero(t, first.CacheHitRate)

	c := f.write(t, "/site/bad.php", "<?php eval($_GET['x']);")
	f.scanner.calls.Store(0)

	second, err := f.sched.RunScan(ctx, []Descriptor{a, b, c}, Options{})
	require.NoError(t, err)
	assert.Equal(t, 3, second.FilesProcessed)
	assert.Equal(t, 1, second.Findings)
	assert.EqualValues(t, 1, f.scanner.calls.Load())
	assert.InDelta(t, 2.0/3.0, second.CacheHitRate, 0.0001)
	assert.Equal(t, 2, second.CacheHits)
	assert.NotEqual(t, first.ScanID, second.ScanID)
}

func TestRunScan_FingerprintChangeInvalidates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	d := f.write(t, "/site/a.php", "<?php echo 1;")
	_, err := f.sched.RunScan(ctx, []Descriptor{d}, Options{})
	require.NoError(t, err)

	units, _ := f.sched.Filter([]Descriptor{d}, Options{})
	fp, err := f.sched.fingerprint(ctx, units[0])
	require.NoError(t, err)
	units[0].Fingerprint = fp
	_, ok := f.sched.lookup(ctx, units[0])
	require.True(t, ok)

	units[0].Fingerprint = "different"
	_, ok = f.sched.lookup(ctx, units[0])
	assert.False(t, ok)

	d = f.write(t, "/site/a.php", "<?php echo 'changed content';")
	f.scanner.calls.Store(0)
	res, err := f.sched.RunScan(ctx, []Descriptor{d}, Options{})
	require.NoError(t, err)
	assert.EqualValues(t, 1, f.scanner.calls.Load())
	assert.Zero(t, res.CacheHits)
}

func TestRunScan_ContentChangeWithRestoredModTime(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	durable, err := cache.OpenDurable(logger, "", true)
	require.NoError(t, err)
	f := newFixtureWithDurable(t, durable)
	t.Cleanup(func() { _ = f.cache.Close() })
	ctx := context.Background()

	stamp := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	d := f.write(t, "/site/a.php", "<?php echo 'AAAA';")
	require.NoError(t, f.fs.Chtimes(d.Path, stamp, stamp))

	_, err = f.sched.RunScan(ctx, []Descriptor{d}, Options{})
	require.NoError(t, err)
	require.EqualValues(t, 1, f.scanner.calls.Load())

	// Same length, same mtime, different bytes.
	d2 := f.write(t, "/site/a.php", "<?php eval($xyz); ")
	require.Equal(t, d.Size, d2.Size)
	require.NoError(t, f.fs.Chtimes(d2.Path, stamp, stamp))

	f.scanner.calls.Store(0)
	res, err := f.sched.RunScan(ctx, []Descriptor{d2}, Options{})
	require.NoError(t, err)
	assert.EqualValues(t, 1, f.scanner.calls.Load())
	assert.Zero(t, res.CacheHits)

	units, _ := f.sched.Filter([]Descriptor{d2}, Options{})
	require.Len(t, units, 1)
	memo, ok := f.cache.Get(ctx, fingerprintMemoKey(units[0]), cache.GroupFileHashes)
	require.True(t, ok)
	fp, err := f.sched.fingerprint(ctx, units[0])
	require.NoError(t, err)
	assert.Equal(t, fp, string(memo))
}

func TestRunScan_LifecycleAndSummary(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	assert.Equal(t, PhasePrepared, f.sched.Phase())

	descs := []Descriptor{
		f.write(t, "/site/bad.php", "eval"),
		f.write(t, "/site/ok.php", "ok"),
		{Path: "/site/missing.php"},
	}
	res, err := f.sched.RunScan(ctx, descs, Options{Categories: []string{"malware"}})
	require.NoError(t, err)

	assert.Equal(t, PhaseFinalized, f.sched.Phase())
	assert.Equal(t, memory.StateFinalized, f.mem.State())
	assert.Equal(t, 1, res.FilesSkipped)
	assert.Equal(t, 1, res.Skipped.Missing)
	assert.Equal(t, 1, res.Findings)
	assert.GreaterOrEqual(t, res.BatchSize, 10)

	require.Len(t, f.store.summaries, 1)
	saved := f.store.summaries[0]
	assert.Equal(t, res.ScanID, saved.ScanID)
	assert.Equal(t, 2, saved.FilesProcessed)

	last, ok := f.sched.LastSummary(ctx)
	require.True(t, ok)
	assert.Equal(t, res.ScanID, last.ScanID)

	assert.NotEmpty(t, f.mem.Samples(res.ScanID))
}

func TestRunScan_SummaryFailureKeepsResult(t *testing.T) {
	f := newFixture(t)
	f.store.err = errors.New("database unreachable")

	d := f.write(t, "/a.php", "x")
	res, err := f.sched.RunScan(context.Background(), []Descriptor{d}, Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, f.store.err)
	assert.Equal(t, 1, res.FilesProcessed)
}

func TestRunScan_PreservesScanResultsOnStart(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.cache.Set(ctx, "unit", []byte("keep"), time.Hour, cache.GroupScanResults)
	f.cache.Set(ctx, "cfg", []byte("drop"), time.Hour, cache.GroupConfiguration)

	f.sched.OnScanStart("scan-x")

	_, ok := f.cache.Get(ctx, "unit", cache.GroupScanResults)
	assert.True(t, ok)
	_, ok = f.cache.Get(ctx, "cfg", cache.GroupConfiguration)
	assert.False(t, ok, "fast-only cache has no slower copy")
	assert.Equal(t, memory.StateMonitoring, f.mem.State())
}
