package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/sdko-org/scanperf/internal/cache"
	"github.com/sdko-org/scanperf/internal/memory"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

func unitCacheKey(path, fingerprint string) string {
	h := xxhash.New()
	_, _ = h.WriteString(path)
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(fingerprint)
	return fmt.Sprintf("unit_%016x", h.Sum64())
}

// resultTTL trusts clean results longest and re-checks flagged ones sooner.
func (s *Scheduler) resultTTL(findings int) time.Duration {
	switch {
	case findings == 0:
		return s.perf.ScanCacheExpiry
	case findings <= 2:
		return s.perf.ScanCacheExpiry / 4
	default:
		return s.perf.ScanCacheExpiry / 24
	}
}

func split(units []WorkUnit, size int) [][]WorkUnit {
	size = max(size, 1)
	batches := make([][]WorkUnit, 0, (len(units)+size-1)/size)
	for start := 0; start < len(units); start += size {
		end := min(start+size, len(units))
		batches = append(batches, units[start:end])
	}
	return batches
}

type merger struct {
	mu  sync.Mutex
	res Result
}

func (m *merger) add(b Result) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.res.FilesProcessed += b.FilesProcessed
	m.res.Findings += b.Findings
	m.res.CacheHits += b.CacheHits
	m.res.CacheMisses += b.CacheMisses
	m.res.Batches++
	m.res.Results = append(m.res.Results, b.Results...)
	m.res.Errors = append(m.res.Errors, b.Errors...)
}

// Dispatch scans units in batches of batchSize with at most maxConcurrency
// batches in flight. Units within a batch run in order. The cancel flag, the
// context and memory pressure are checked before each batch starts.
func (s *Scheduler) Dispatch(ctx context.Context, units []WorkUnit, batchSize, maxConcurrency int) Result {
	batches := split(units, batchSize)
	log := s.log.WithFields(logrus.Fields{
		"units":       len(units),
		"batches":     len(batches),
		"batch_size":  batchSize,
		"concurrency": maxConcurrency,
	})
	log.Debug("Dispatching batches")

	s.mu.Lock()
	scanID := s.scanID
	s.mu.Unlock()

	var (
		m       merger
		g       errgroup.Group
		stopped atomic.Bool
	)
	g.SetLimit(max(maxConcurrency, 1))

	// halted is checked both before queueing and when a worker slot frees
	// up, so a batch never starts after cancellation.
	halted := func() bool {
		if stopped.Load() {
			return true
		}
		if s.cancelled.Load() || ctx.Err() != nil {
			m.mu.Lock()
			m.res.Cancelled = true
			m.mu.Unlock()
			return true
		}
		return false
	}

	for i, batch := range batches {
		if halted() {
			log.WithField("remaining", len(batches)-i).Info("Dispatch stopped before remaining batches")
			break
		}

		g.Go(func() error {
			if halted() {
				return nil
			}
			if err := s.throttle(ctx, scanID, i); err != nil {
				if stopped.CompareAndSwap(false, true) {
					m.mu.Lock()
					m.res.Err = err
					m.mu.Unlock()
					log.WithError(err).Error("Dispatch stopped, memory exhausted")
				}
				return nil
			}
			m.add(s.runBatch(ctx, batch))
			return nil
		})
	}
	_ = g.Wait()

	return m.res
}

// throttle samples memory before a batch and delays it while usage is above
// the warning threshold.
func (s *Scheduler) throttle(ctx context.Context, scanID string, batch int) error {
	sample, err := s.mem.Sample(ctx, scanID, fmt.Sprintf("batch_%d", batch))
	if errors.Is(err, memory.ErrMemoryExhausted) {
		return err
	}
	if sample.PercentUsed < float64(s.perf.WarningThresholdPercent) || s.perf.ThrottleDelay <= 0 {
		return nil
	}

	s.log.WithFields(logrus.Fields{
		"batch":        batch,
		"percent_used": fmt.Sprintf("%.1f", sample.PercentUsed),
		"delay":        s.perf.ThrottleDelay,
	}).Debug("Throttling batch under memory pressure")
	select {
	case <-s.clock.After(s.perf.ThrottleDelay):
	case <-ctx.Done():
	}
	return nil
}

func (s *Scheduler) runBatch(ctx context.Context, batch []WorkUnit) Result {
	start := s.clock.Now()
	var out Result

	for _, unit := range batch {
		if unit.Fingerprint == "" {
			fp, err := s.fingerprint(ctx, unit)
			if err != nil {
				out.Errors = append(out.Errors, UnitError{Path: unit.Path, Message: err.Error()})
				s.metrics.Unit("error")
				continue
			}
			unit.Fingerprint = fp
		}

		if cached, ok := s.lookup(ctx, unit); ok {
			out.CacheHits++
			out.FilesProcessed++
			out.Findings += len(cached.Findings)
			out.Results = append(out.Results, cached)
			s.metrics.Unit("cached")
			continue
		}
		out.CacheMisses++

		res, err := s.scanUnit(ctx, unit)
		if err != nil {
			out.Errors = append(out.Errors, UnitError{Path: unit.Path, Message: err.Error()})
			s.metrics.Unit("error")
			s.log.WithError(err).WithField("path", unit.Path).Warn("Unit scan failed")
			continue
		}
		if res.Path == "" {
			res.Path = unit.Path
		}

		key := unitCacheKey(unit.Path, unit.Fingerprint)
		if err := s.cache.SetJSON(ctx, key, res, s.resultTTL(len(res.Findings)), cache.GroupScanResults); err != nil {
			s.log.WithError(err).WithField("path", unit.Path).Warn("Failed to cache unit result")
		}

		out.FilesProcessed++
		out.Findings += len(res.Findings)
		out.Results = append(out.Results, res)
		s.metrics.Unit("scanned")
	}

	s.metrics.Batch(s.clock.Since(start))
	return out
}

func (s *Scheduler) lookup(ctx context.Context, unit WorkUnit) (UnitResult, bool) {
	var res UnitResult
	ok := s.cache.GetJSON(ctx, unitCacheKey(unit.Path, unit.Fingerprint), cache.GroupScanResults, &res)
	return res, ok
}

func (s *Scheduler) scanUnit(ctx context.Context, unit WorkUnit) (res UnitResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("scanner panic: %v", r)
		}
	}()
	return s.scanner.Scan(ctx, unit)
}
