package memory

import (
	"context"
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sdko-org/scanperf/internal/cache"
	"github.com/sdko-org/scanperf/internal/config"
	"github.com/sdko-org/scanperf/internal/metrics"
	"github.com/sirupsen/logrus"
)

// Cache is the part of the tier cache the manager remediates.
type Cache interface {
	FlushAll(ctx context.Context) error
	FlushFastExcept(keep ...string) int
	PurgeExpired(ctx context.Context) (cache.PurgeReport, error)
}

type Options struct {
	LimitBytes               uint64
	WarningThresholdPercent  int
	CriticalThresholdPercent int
	GCThresholdPercent       int
	AutoOptimize             bool
	MaxTrackedOperations     int
	MaxAlerts                int
	CheckpointRetention      time.Duration

	Reader  Reader
	Clock   clockwork.Clock
	Metrics *metrics.Metrics
}

func OptionsFromConfig(p config.Performance) Options {
	var limit uint64
	if p.MemoryLimitBytes > 0 {
		limit = uint64(p.MemoryLimitBytes)
	}
	return Options{
		LimitBytes:               limit,
		WarningThresholdPercent:  p.WarningThresholdPercent,
		CriticalThresholdPercent: p.CriticalThresholdPercent,
		GCThresholdPercent:       p.GCThresholdPercent,
		AutoOptimize:             p.AutoOptimize,
		MaxTrackedOperations:     p.MaxTrackedOperations,
		MaxAlerts:                p.MaxAlerts,
		CheckpointRetention:      p.CheckpointRetention,
	}
}

func (o *Options) withDefaults() {
	d := config.DefaultPerformance()
	if o.WarningThresholdPercent <= 0 {
		o.WarningThresholdPercent = d.WarningThresholdPercent
	}
	if o.CriticalThresholdPercent <= 0 {
		o.CriticalThresholdPercent = d.CriticalThresholdPercent
	}
	if o.GCThresholdPercent <= 0 {
		o.GCThresholdPercent = d.GCThresholdPercent
	}
	if o.MaxTrackedOperations <= 0 {
		o.MaxTrackedOperations = d.MaxTrackedOperations
	}
	if o.MaxAlerts <= 0 {
		o.MaxAlerts = d.MaxAlerts
	}
	if o.CheckpointRetention <= 0 {
		o.CheckpointRetention = d.CheckpointRetention
	}
	if o.Reader == nil {
		o.Reader = NewRuntimeReader(o.LimitBytes)
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
}

type namedHandler struct {
	name string
	fn   func(context.Context) error
}

// Manager samples process memory, raises threshold alerts and runs
// remediation strategies. All methods are safe for concurrent use.
type Manager struct {
	opts    Options
	cache   Cache
	reader  Reader
	clock   clockwork.Clock
	metrics *metrics.Metrics
	log     *logrus.Entry

	// collect runs one garbage collection pass.
	collect func()

	mu          sync.Mutex
	state       State
	peak        uint64
	samples     map[string]map[string]Sample
	opOrder     []string
	alerts      []Alert
	checkpoints map[string]Checkpoint
	lastOpt     *OptimizeResult

	hooksMu    sync.RWMutex
	alertHooks []func(Alert)
	handlers   []namedHandler
	ephemeral  map[string]Clearer
	ephOrder   []string

	// optMu serialises optimization runs.
	optMu sync.Mutex
}

// NewManager builds a manager. c may be nil, in which case cache-based
// remediation is skipped.
func NewManager(logger *logrus.Logger, c Cache, opts Options) *Manager {
	opts.withDefaults()

	m := &Manager{
		opts:        opts,
		cache:       c,
		reader:      opts.Reader,
		clock:       opts.Clock,
		metrics:     opts.Metrics,
		log:         logger.WithField("component", "memory_manager"),
		collect:     runtime.GC,
		state:       StateIdle,
		samples:     make(map[string]map[string]Sample),
		checkpoints: make(map[string]Checkpoint),
		ephemeral:   make(map[string]Clearer),
	}
	m.registerDefaultHandlers()

	m.log.WithFields(logrus.Fields{
		"limit_bytes": m.reader.Read().Limit,
		"warning":     opts.WarningThresholdPercent,
		"critical":    opts.CriticalThresholdPercent,
		"gc":          opts.GCThresholdPercent,
		"auto":        opts.AutoOptimize,
	}).Info("Memory manager initialised")
	return m
}

func (m *Manager) registerDefaultHandlers() {
	if m.cache != nil {
		m.RegisterCleanupHandler("cache_flush", func(ctx context.Context) error {
			return m.cache.FlushAll(ctx)
		})
		m.RegisterCleanupHandler("expired_sweep", func(ctx context.Context) error {
			_, err := m.cache.PurgeExpired(ctx)
			return err
		})
	}
	m.RegisterCleanupHandler("ephemeral_clear", func(context.Context) error {
		m.ClearEphemeral()
		return nil
	})
	m.RegisterCleanupHandler("forced_gc", func(context.Context) error {
		m.collect()
		debug.FreeOSMemory()
		return nil
	})
}

// RegisterCleanupHandler adds a handler run by the emergency strategy, in
// registration order. Registering an existing name replaces it.
func (m *Manager) RegisterCleanupHandler(name string, fn func(context.Context) error) {
	m.hooksMu.Lock()
	defer m.hooksMu.Unlock()
	for i, h := range m.handlers {
		if h.name == name {
			m.handlers[i].fn = fn
			return
		}
	}
	m.handlers = append(m.handlers, namedHandler{name: name, fn: fn})
}

// RegisterEphemeral adds a transient allocation the conservative strategy
// may release.
func (m *Manager) RegisterEphemeral(name string, c Clearer) {
	m.hooksMu.Lock()
	defer m.hooksMu.Unlock()
	if _, ok := m.ephemeral[name]; !ok {
		m.ephOrder = append(m.ephOrder, name)
	}
	m.ephemeral[name] = c
}

// ClearEphemeral clears every registered ephemeral and reports how many
// were cleared.
func (m *Manager) ClearEphemeral() int {
	m.hooksMu.RLock()
	clearers := make([]Clearer, 0, len(m.ephOrder))
	for _, name := range m.ephOrder {
		clearers = append(clearers, m.ephemeral[name])
	}
	m.hooksMu.RUnlock()

	for _, c := range clearers {
		c.Clear()
	}
	return len(clearers)
}

func (m *Manager) OnAlert(fn func(Alert)) {
	m.hooksMu.Lock()
	m.alertHooks = append(m.alertHooks, fn)
	m.hooksMu.Unlock()
}

func (m *Manager) read() (Usage, float64) {
	u := m.reader.Read()
	var pct float64
	if u.Limit > 0 {
		pct = float64(u.Current) / float64(u.Limit) * 100
	}
	return u, pct
}

// Sample records current usage under operationID/stage and evaluates the
// thresholds. The returned error is non-nil only for ErrMemoryExhausted.
func (m *Manager) Sample(ctx context.Context, operationID, stage string) (Sample, error) {
	u, pct := m.read()
	now := m.clock.Now()

	m.mu.Lock()
	if u.Current > m.peak {
		m.peak = u.Current
	}
	s := Sample{
		CurrentBytes: u.Current,
		PeakBytes:    m.peak,
		LimitBytes:   u.Limit,
		PercentUsed:  pct,
		Timestamp:    now,
		OperationID:  operationID,
		Stage:        stage,
	}
	m.recordLocked(s)
	m.pruneCheckpointsLocked(now)
	m.mu.Unlock()

	m.metrics.MemorySample(pct, u.Current)

	return s, m.evaluate(ctx, s)
}

func (m *Manager) recordLocked(s Sample) {
	stages, ok := m.samples[s.OperationID]
	if !ok {
		stages = make(map[string]Sample)
		m.samples[s.OperationID] = stages
		m.opOrder = append(m.opOrder, s.OperationID)
	}
	stages[s.Stage] = s

	for len(m.opOrder) > m.opts.MaxTrackedOperations {
		oldest := m.opOrder[0]
		m.opOrder = m.opOrder[1:]
		delete(m.samples, oldest)
	}
}

func (m *Manager) evaluate(ctx context.Context, s Sample) error {
	switch {
	case s.PercentUsed >= float64(m.opts.CriticalThresholdPercent):
		m.raise(LevelCritical, s)
		m.transition(StateCritical)
		if !m.opts.AutoOptimize {
			return nil
		}

		m.transition(StateEmergencyCleanup)
		if _, err := m.Optimize(ctx, StrategyEmergency); err != nil {
			m.log.WithError(err).Error("Emergency optimization failed")
		}
		m.transition(StateMonitoring)

		if u, pct := m.read(); pct >= 100 {
			m.log.WithFields(logrus.Fields{
				"current_bytes": u.Current,
				"limit_bytes":   u.Limit,
			}).Error("Memory still exhausted after emergency cleanup")
			return fmt.Errorf("%w: %d of %d bytes in use", ErrMemoryExhausted, u.Current, u.Limit)
		}

	case s.PercentUsed >= float64(m.opts.WarningThresholdPercent):
		m.raise(LevelWarning, s)
		m.transition(StateWarning)
		if m.opts.AutoOptimize && s.PercentUsed >= float64(m.opts.GCThresholdPercent) {
			if _, err := m.Optimize(ctx, StrategyAuto); err != nil {
				m.log.WithError(err).Warn("Automatic optimization failed")
			}
		}

	default:
		m.mu.Lock()
		if m.state == StateWarning || m.state == StateCritical {
			m.state = StateMonitoring
		}
		m.mu.Unlock()
	}
	return nil
}

// transition only moves the state while a scan is being monitored.
func (m *Manager) transition(to State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateIdle || m.state == StateFinalized {
		return
	}
	m.state = to
}

func (m *Manager) raise(level Level, s Sample) {
	alert := Alert{Level: level, Sample: s, Timestamp: s.Timestamp}

	m.mu.Lock()
	m.alerts = append(m.alerts, alert)
	if over := len(m.alerts) - m.opts.MaxAlerts; over > 0 {
		m.alerts = append([]Alert(nil), m.alerts[over:]...)
	}
	m.mu.Unlock()

	m.metrics.MemoryAlert(string(level))
	log := m.log.WithFields(logrus.Fields{
		"level":        level,
		"percent_used": fmt.Sprintf("%.1f", s.PercentUsed),
		"operation":    s.OperationID,
		"stage":        s.Stage,
	})
	if level == LevelCritical {
		log.Error("Memory usage crossed critical threshold")
	} else {
		log.Warn("Memory usage crossed warning threshold")
	}

	m.hooksMu.RLock()
	hooks := make([]func(Alert), len(m.alertHooks))
	copy(hooks, m.alertHooks)
	m.hooksMu.RUnlock()
	for _, h := range hooks {
		h(alert)
	}
}

// Checkpoint snapshots current usage under id, replacing any earlier
// checkpoint with the same id.
func (m *Manager) Checkpoint(id string) Checkpoint {
	u := m.reader.Read()
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()
	if u.Current > m.peak {
		m.peak = u.Current
	}
	cp := Checkpoint{ID: id, UsageBytes: u.Current, PeakBytes: m.peak, Timestamp: now}
	m.checkpoints[id] = cp
	m.pruneCheckpointsLocked(now)
	return cp
}

// CompareCheckpoint returns current usage minus the usage recorded at the
// checkpoint.
func (m *Manager) CompareCheckpoint(id string) (int64, bool) {
	m.mu.Lock()
	cp, ok := m.checkpoints[id]
	m.mu.Unlock()
	if !ok {
		return 0, false
	}
	return int64(m.reader.Read().Current) - int64(cp.UsageBytes), true
}

func (m *Manager) pruneCheckpointsLocked(now time.Time) {
	for id, cp := range m.checkpoints {
		if now.Sub(cp.Timestamp) > m.opts.CheckpointRetention {
			delete(m.checkpoints, id)
		}
	}
}

// BeginScan starts monitoring a scan and resets the peak.
func (m *Manager) BeginScan() {
	u := m.reader.Read()
	m.mu.Lock()
	m.state = StateMonitoring
	m.peak = u.Current
	m.mu.Unlock()
}

// Finalize ends a monitored scan: it forces a collection and clears
// scan-scoped allocations.
func (m *Manager) Finalize() {
	m.ClearEphemeral()
	m.collect()

	m.mu.Lock()
	m.state = StateFinalized
	m.mu.Unlock()
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Available returns the bytes left before the limit is reached.
func (m *Manager) Available() uint64 {
	u := m.reader.Read()
	if u.Current >= u.Limit {
		return 0
	}
	return u.Limit - u.Current
}

// PercentUsed reports current usage without recording a sample.
func (m *Manager) PercentUsed() float64 {
	_, pct := m.read()
	return pct
}

func (m *Manager) Alerts() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Alert(nil), m.alerts...)
}

// Samples returns the recorded stages of one operation.
func (m *Manager) Samples(operationID string) map[string]Sample {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Sample, len(m.samples[operationID]))
	for k, v := range m.samples[operationID] {
		out[k] = v
	}
	return out
}

const recentAlerts = 10

func (m *Manager) Statistics() Statistics {
	u, pct := m.read()

	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, stages := range m.samples {
		count += len(stages)
	}
	recent := m.alerts
	if len(recent) > recentAlerts {
		recent = recent[len(recent)-recentAlerts:]
	}

	var available uint64
	if u.Current < u.Limit {
		available = u.Limit - u.Current
	}
	peak := m.peak
	if u.Current > peak {
		peak = u.Current
	}

	stats := Statistics{
		CurrentBytes:   u.Current,
		PeakBytes:      peak,
		LimitBytes:     u.Limit,
		AvailableBytes: available,
		PercentUsed:    pct,
		State:          m.state,
		TrackedOps:     len(m.opOrder),
		Samples:        count,
		Checkpoints:    len(m.checkpoints),
		RecentAlerts:   append([]Alert(nil), recent...),
	}
	if m.lastOpt != nil {
		last := *m.lastOpt
		stats.LastOptimization = &last
	}

	m.hooksMu.RLock()
	for _, h := range m.handlers {
		stats.CleanupHandlers = append(stats.CleanupHandlers, h.name)
	}
	m.hooksMu.RUnlock()
	return stats
}
