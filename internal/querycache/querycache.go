// Package querycache caches relational query results in the tier cache and
// derives paginated result sets from a base statement.
package querycache

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/jonboulle/clockwork"
	"github.com/sdko-org/scanperf/internal/cache"
	"github.com/sdko-org/scanperf/internal/config"
	"github.com/sdko-org/scanperf/internal/metrics"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

var ErrNoExecutor = errors.New("no query executor configured")

type Row = map[string]any

// Executor runs a statement against the relational store.
type Executor interface {
	Execute(ctx context.Context, statement string, params ...any) ([]Row, error)
}

// Store is the cache the results are kept in.
type Store interface {
	Get(ctx context.Context, key, group string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration, group string) bool
	FlushGroup(ctx context.Context, group string) error
}

type Options struct {
	SlowQueryThreshold time.Duration
	MaxSlowQueries     int
	MaxPageSize        int
	// CountTTL and PageTTL apply to the two halves of a paginated read.
	CountTTL time.Duration
	PageTTL  time.Duration

	Clock   clockwork.Clock
	Metrics *metrics.Metrics
}

func OptionsFromConfig(p config.Performance) Options {
	return Options{
		SlowQueryThreshold: p.SlowQueryThreshold,
		MaxSlowQueries:     p.MaxSlowQueries,
		MaxPageSize:        p.MaxPageSize,
	}
}

func (o *Options) withDefaults() {
	d := config.DefaultPerformance()
	if o.SlowQueryThreshold <= 0 {
		o.SlowQueryThreshold = d.SlowQueryThreshold
	}
	if o.MaxSlowQueries <= 0 {
		o.MaxSlowQueries = d.MaxSlowQueries
	}
	if o.MaxPageSize <= 0 {
		o.MaxPageSize = d.MaxPageSize
	}
	if o.CountTTL <= 0 {
		o.CountTTL = 5 * time.Minute
	}
	if o.PageTTL <= 0 {
		o.PageTTL = time.Minute
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
}

type SlowQuery struct {
	Statement       string    `json:"statement"`
	DurationSeconds float64   `json:"duration_seconds"`
	Timestamp       time.Time `json:"timestamp"`
	Error           string    `json:"error,omitempty"`
}

type Stats struct {
	Hits             uint64  `json:"hits"`
	Misses           uint64  `json:"misses"`
	Executions       uint64  `json:"executions"`
	Failures         uint64  `json:"failures"`
	SlowQueries      int     `json:"slow_queries"`
	TotalExecSeconds float64 `json:"total_exec_seconds"`
	AvgExecSeconds   float64 `json:"avg_exec_seconds"`
}

type QueryCache struct {
	exec    Executor
	store   Store
	opts    Options
	clock   clockwork.Clock
	metrics *metrics.Metrics
	log     *logrus.Entry
	flight  singleflight.Group

	hits       atomic.Uint64
	misses     atomic.Uint64
	executions atomic.Uint64
	failures   atomic.Uint64
	execNanos  atomic.Int64

	mu   sync.Mutex
	slow []SlowQuery
}

// New builds a query cache. exec may be nil; queries then fail with
// ErrNoExecutor while cached results remain readable.
func New(logger *logrus.Logger, store Store, exec Executor, opts Options) *QueryCache {
	opts.withDefaults()
	return &QueryCache{
		exec:    exec,
		store:   store,
		opts:    opts,
		clock:   opts.Clock,
		metrics: opts.Metrics,
		log:     logger.WithField("component", "query_cache"),
	}
}

func cacheKey(queryKey, statement string, params []any) string {
	encoded, err := json.Marshal(params)
	if err != nil {
		encoded = []byte(fmt.Sprintf("%#v", params))
	}

	var buf [16]byte
	binary.BigEndian.PutUint64(buf[0:8], xxhash.Sum64String(statement))
	binary.BigEndian.PutUint64(buf[8:16], xxhash.Sum64(encoded))

	h := xxhash.New()
	_, _ = h.WriteString(queryKey)
	_, _ = h.Write([]byte{0})
	_, _ = h.Write(buf[:])
	return fmt.Sprintf("query_%s_%016x", queryKey, h.Sum64())
}

func decodeRows(raw []byte) ([]Row, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var rows []Row
	if err := dec.Decode(&rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// CachedQuery returns the rows for statement, executing it only on a cache
// miss. Failed executions are returned to the caller and never cached.
// Rows read from the store and rows freshly executed carry the same JSON
// value types (numbers as json.Number).
func (q *QueryCache) CachedQuery(ctx context.Context, queryKey, statement string, params []any, ttl time.Duration) ([]Row, error) {
	key := cacheKey(queryKey, statement, params)

	if raw, ok := q.store.Get(ctx, key, cache.GroupDBQueries); ok {
		rows, err := decodeRows(raw)
		if err == nil {
			q.hits.Add(1)
			return rows, nil
		}
		q.log.WithError(err).WithField("query_key", queryKey).Warn("Discarding undecodable cached rows")
	}
	q.misses.Add(1)

	if q.exec == nil {
		return nil, ErrNoExecutor
	}

	// The shared execution outlives any single caller; each caller still
	// stops waiting when its own context ends.
	shared := context.WithoutCancel(ctx)
	ch := q.flight.DoChan(key, func() (interface{}, error) {
		rows, err := q.execute(shared, statement, params)
		if err != nil {
			return nil, err
		}

		raw, err := json.Marshal(rows)
		if err != nil {
			return nil, fmt.Errorf("encode rows for %s: %w", queryKey, err)
		}
		if !q.store.Set(ctx, key, raw, ttl, cache.GroupDBQueries) {
			q.log.WithField("query_key", queryKey).Warn("Query result not cached")
		}
		return raw, nil
	})

	select {
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return decodeRows(r.Val.([]byte))
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *QueryCache) execute(ctx context.Context, statement string, params []any) ([]Row, error) {
	start := q.clock.Now()
	rows, err := q.exec.Execute(ctx, statement, params...)
	elapsed := q.clock.Since(start)

	q.executions.Add(1)
	q.execNanos.Add(int64(elapsed))

	slow := elapsed > q.opts.SlowQueryThreshold
	q.metrics.Query(elapsed, err, slow)
	if slow {
		q.recordSlow(statement, elapsed, err)
	}

	if err != nil {
		q.failures.Add(1)
		q.log.WithError(err).WithFields(logrus.Fields{
			"duration": elapsed,
		}).Error("Query execution failed")
		return nil, fmt.Errorf("execute query: %w", err)
	}
	return rows, nil
}

func (q *QueryCache) recordSlow(statement string, elapsed time.Duration, err error) {
	entry := SlowQuery{
		Statement:       statement,
		DurationSeconds: elapsed.Seconds(),
		Timestamp:       q.clock.Now(),
	}
	if err != nil {
		entry.Error = err.Error()
	}

	q.mu.Lock()
	q.slow = append(q.slow, entry)
	if over := len(q.slow) - q.opts.MaxSlowQueries; over > 0 {
		q.slow = append([]SlowQuery(nil), q.slow[over:]...)
	}
	q.mu.Unlock()

	q.log.WithFields(logrus.Fields{
		"duration_seconds": entry.DurationSeconds,
		"threshold":        q.opts.SlowQueryThreshold,
	}).Warn("Slow query detected")
}

func (q *QueryCache) SlowQueries() []SlowQuery {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]SlowQuery(nil), q.slow...)
}

func (q *QueryCache) Stats() Stats {
	q.mu.Lock()
	slow := len(q.slow)
	q.mu.Unlock()

	s := Stats{
		Hits:             q.hits.Load(),
		Misses:           q.misses.Load(),
		Executions:       q.executions.Load(),
		Failures:         q.failures.Load(),
		SlowQueries:      slow,
		TotalExecSeconds: time.Duration(q.execNanos.Load()).Seconds(),
	}
	if s.Executions > 0 {
		s.AvgExecSeconds = s.TotalExecSeconds / float64(s.Executions)
	}
	return s
}

// Invalidate drops every cached query result.
func (q *QueryCache) Invalidate(ctx context.Context) error {
	if err := q.store.FlushGroup(ctx, cache.GroupDBQueries); err != nil {
		return fmt.Errorf("invalidate query cache: %w", err)
	}
	return nil
}
