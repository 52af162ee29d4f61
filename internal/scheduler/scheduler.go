// Package scheduler filters, orders and dispatches scan work units in
// adaptively sized concurrent batches, reusing cached per-unit results.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/sdko-org/scanperf/internal/cache"
	"github.com/sdko-org/scanperf/internal/config"
	"github.com/sdko-org/scanperf/internal/memory"
	"github.com/sdko-org/scanperf/internal/metrics"
	"github.com/sdko-org/scanperf/internal/models"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"golang.org/x/sync/singleflight"
)

const lastSummaryKey = "last_scan_summary"

// SummaryStore persists the performance summary of a finished scan.
type SummaryStore interface {
	SaveSummary(ctx context.Context, summary *models.ScanSummary) error
}

type Deps struct {
	Fs      afero.Fs
	Cache   *cache.Cache
	Memory  *memory.Manager
	Scanner Scanner
	// Summaries and Probe are optional.
	Summaries SummaryStore
	Probe     ResourceProbe
	Clock     clockwork.Clock
	Metrics   *metrics.Metrics
}

type Scheduler struct {
	fs        afero.Fs
	cache     *cache.Cache
	mem       *memory.Manager
	scanner   Scanner
	summaries SummaryStore
	probe     ResourceProbe
	perf      config.Performance
	clock     clockwork.Clock
	metrics   *metrics.Metrics
	log       *logrus.Entry

	flight    singleflight.Group
	cancelled atomic.Bool

	// scanMu admits one RunScan at a time.
	scanMu sync.Mutex

	mu      sync.Mutex
	phase   Phase
	scanID  string
	started time.Time
}

func New(logger *logrus.Logger, deps Deps, perf config.Performance) (*Scheduler, error) {
	if deps.Scanner == nil {
		return nil, ErrNoScanner
	}
	if deps.Cache == nil || deps.Memory == nil {
		return nil, fmt.Errorf("scheduler requires a cache and a memory manager")
	}
	if deps.Fs == nil {
		deps.Fs = afero.NewOsFs()
	}
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.Probe == nil {
		deps.Probe = NewSystemProbe(deps.Memory.Available)
	}

	s := &Scheduler{
		fs:        deps.Fs,
		cache:     deps.Cache,
		mem:       deps.Memory,
		scanner:   deps.Scanner,
		summaries: deps.Summaries,
		probe:     deps.Probe,
		perf:      perf,
		clock:     deps.Clock,
		metrics:   deps.Metrics,
		log:       logger.WithField("component", "scan_scheduler"),
		phase:     PhasePrepared,
	}

	// In-memory fingerprint memos are rebuilt from the durable tier.
	s.mem.RegisterEphemeral("file_hash_memo", memory.ClearerFunc(func() {
		s.cache.FlushFastGroups(cache.GroupFileHashes)
	}))
	return s, nil
}

func (s *Scheduler) setPhase(p Phase) {
	s.mu.Lock()
	s.phase = p
	s.mu.Unlock()
	s.log.WithField("phase", p).Debug("Scan phase changed")
}

func (s *Scheduler) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Elapsed is the wall time of the current or last scan.
func (s *Scheduler) Elapsed() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started.IsZero() {
		return 0
	}
	return s.clock.Since(s.started)
}

// Cancel stops the running scan from starting further batches. Batches
// already running finish.
func (s *Scheduler) Cancel() {
	s.cancelled.Store(true)
	s.log.Info("Scan cancellation requested")
}

// OnScanStart prepares shared state for a new scan: a memory checkpoint,
// in-memory cache entries other than scan results dropped, counters reset.
func (s *Scheduler) OnScanStart(scanID string) {
	s.cancelled.Store(false)
	s.mem.BeginScan()
	s.mem.Checkpoint(scanID)
	dropped := s.cache.FlushFastExcept(cache.GroupScanResults)

	s.mu.Lock()
	s.scanID = scanID
	s.started = s.clock.Now()
	s.phase = PhasePrepared
	s.mu.Unlock()

	s.log.WithFields(logrus.Fields{
		"scan_id":        scanID,
		"fast_dropped":   dropped,
		"preserve_group": cache.GroupScanResults,
	}).Info("Scan started")
}

// OnScanComplete records the final memory sample, releases scan-scoped
// allocations and persists the summary.
func (s *Scheduler) OnScanComplete(ctx context.Context, res ScanResult) error {
	final, _ := s.mem.Sample(ctx, res.ScanID, "complete")
	delta, _ := s.mem.CompareCheckpoint(res.ScanID)
	s.mem.Finalize()

	s.mu.Lock()
	started := s.started
	s.mu.Unlock()

	summary := &models.ScanSummary{
		ScanID:         res.ScanID,
		StartedAt:      started,
		FinishedAt:     s.clock.Now(),
		FilesProcessed: res.FilesProcessed,
		FilesSkipped:   res.FilesSkipped,
		Findings:       res.Findings,
		UnitErrors:     len(res.Errors),
		CacheHits:      res.CacheHits,
		CacheHitRate:   res.CacheHitRate,
		ElapsedSeconds: res.ElapsedSeconds,
		Batches:        res.Batches,
		BatchSize:      res.BatchSize,
		Concurrency:    res.Concurrency,
		PeakMemory:     final.PeakBytes,
		MemoryDelta:    delta,
		Cancelled:      res.Cancelled,
	}
	for _, e := range res.Errors {
		summary.Errors = append(summary.Errors, models.UnitError{Path: e.Path, Message: e.Message})
	}

	if err := s.cache.SetJSON(ctx, lastSummaryKey, summary, s.perf.ScanCacheExpiry, cache.GroupConfiguration); err != nil {
		s.log.WithError(err).Warn("Failed to cache scan summary")
	}

	log := s.log.WithFields(logrus.Fields{
		"scan_id":         res.ScanID,
		"files_processed": res.FilesProcessed,
		"findings":        res.Findings,
		"errors":          len(res.Errors),
		"cache_hit_rate":  fmt.Sprintf("%.2f", res.CacheHitRate),
		"elapsed":         res.ElapsedSeconds,
		"peak_memory":     final.PeakBytes,
	})

	if s.summaries != nil {
		if err := s.summaries.SaveSummary(ctx, summary); err != nil {
			log.WithError(err).Error("Scan completed but summary was not persisted")
			return fmt.Errorf("persist scan summary: %w", err)
		}
	}
	log.Info("Scan completed")
	return nil
}

// LastSummary returns the summary of the most recent scan, if cached.
func (s *Scheduler) LastSummary(ctx context.Context) (*models.ScanSummary, bool) {
	var summary models.ScanSummary
	if !s.cache.GetJSON(ctx, lastSummaryKey, cache.GroupConfiguration, &summary) {
		return nil, false
	}
	return &summary, true
}

func (s *Scheduler) plan(ctx context.Context, opts Options) (batchSize, concurrency int) {
	rc := s.probe.Probe(ctx)
	rc.EstimatedComplexity = complexityOf(opts)

	def := s.perf.DefaultBatchSize
	if opts.BatchSizeHint > 0 {
		def = opts.BatchSizeHint
	}
	batchSize = ComputeBatchSize(def, rc, s.perf.MinBatchSize, s.perf.MaxBatchSize)
	concurrency = ComputeConcurrency(rc, s.perf.MaxParallelBatches)

	s.metrics.Plan(batchSize, concurrency)
	s.log.WithFields(logrus.Fields{
		"batch_size":       batchSize,
		"concurrency":      concurrency,
		"available_memory": rc.AvailableMemory,
		"system_load":      fmt.Sprintf("%.2f", rc.SystemLoad),
		"complexity":       rc.EstimatedComplexity,
	}).Debug("Batch plan computed")
	return batchSize, concurrency
}

// RunScan runs one full scan pass. It returns partial results together with
// an error only when memory was exhausted or the summary could not be
// persisted; unit failures are reported in ScanResult.Errors.
func (s *Scheduler) RunScan(ctx context.Context, descs []Descriptor, opts Options) (ScanResult, error) {
	s.scanMu.Lock()
	defer s.scanMu.Unlock()

	scanID := uuid.NewString()
	s.OnScanStart(scanID)
	if _, err := s.mem.Sample(ctx, scanID, "start"); err != nil {
		s.log.WithError(err).Warn("Memory exhausted at scan start")
	}

	s.setPhase(PhaseFiltering)
	units, skipped := s.Filter(descs, opts)

	s.setPhase(PhasePrioritizing)
	units = Prioritize(units)

	batchSize, concurrency := s.plan(ctx, opts)

	s.setPhase(PhaseDispatching)
	dispatched := s.Dispatch(ctx, units, batchSize, concurrency)

	s.setPhase(PhaseMerging)
	res := ScanResult{
		ScanID:         scanID,
		FilesProcessed: dispatched.FilesProcessed,
		FilesSkipped:   skipped.Total(),
		Skipped:        skipped,
		Findings:       dispatched.Findings,
		Results:        dispatched.Results,
		Errors:         dispatched.Errors,
		ElapsedSeconds: s.Elapsed().Seconds(),
		CacheHits:      dispatched.CacheHits,
		BatchSize:      batchSize,
		Concurrency:    concurrency,
		Batches:        dispatched.Batches,
		Cancelled:      dispatched.Cancelled,
	}
	if lookups := dispatched.CacheHits + dispatched.CacheMisses; lookups > 0 {
		res.CacheHitRate = float64(dispatched.CacheHits) / float64(lookups)
	}

	completeErr := s.OnScanComplete(ctx, res)
	s.setPhase(PhaseFinalized)

	if dispatched.Err != nil {
		return res, dispatched.Err
	}
	return res, completeErr
}
