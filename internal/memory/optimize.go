package memory

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/sirupsen/logrus"
)

const maxAggressivePasses = 3

// Optimize runs one remediation strategy and reports the memory it freed.
// Only an unknown strategy is an error; handler failures are reported in
// OptimizeResult.Failed.
func (m *Manager) Optimize(ctx context.Context, strategy Strategy) (OptimizeResult, error) {
	m.optMu.Lock()
	defer m.optMu.Unlock()

	before := m.reader.Read().Current
	res := OptimizeResult{Strategy: strategy, Before: before}

	if strategy == StrategyAuto {
		res.Strategy = m.resolveAuto()
		res.Details = append(res.Details, fmt.Sprintf("auto resolved to %s", res.Strategy))
	}

	switch res.Strategy {
	case StrategyLight:
		m.collect()
		res.Details = append(res.Details, "ran 1 collection pass")
	case StrategyConservative:
		m.conservative(&res)
	case StrategyAggressive:
		m.aggressive(ctx, &res)
	case StrategyEmergency:
		m.emergency(ctx, &res)
	default:
		return OptimizeResult{}, fmt.Errorf("%w: %q", ErrUnknownStrategy, strategy)
	}

	res.After = m.reader.Read().Current
	if res.Before > res.After {
		res.FreedBytes = res.Before - res.After
	}

	m.mu.Lock()
	last := res
	m.lastOpt = &last
	m.mu.Unlock()

	m.metrics.Optimization(string(res.Strategy), res.FreedBytes)
	m.log.WithFields(logrus.Fields{
		"strategy":     res.Strategy,
		"before_bytes": res.Before,
		"after_bytes":  res.After,
		"freed_bytes":  res.FreedBytes,
		"failed":       len(res.Failed),
	}).Info("Memory optimization completed")
	return res, nil
}

func (m *Manager) resolveAuto() Strategy {
	_, pct := m.read()
	switch {
	case pct >= float64(m.opts.CriticalThresholdPercent):
		return StrategyAggressive
	case pct >= float64(m.opts.GCThresholdPercent):
		return StrategyConservative
	default:
		return StrategyLight
	}
}

func (m *Manager) conservative(res *OptimizeResult) {
	n := m.ClearEphemeral()
	m.collect()
	res.Details = append(res.Details,
		fmt.Sprintf("cleared %d ephemeral allocations", n),
		"ran 1 collection pass")
}

func (m *Manager) aggressive(ctx context.Context, res *OptimizeResult) {
	if m.cache != nil {
		if err := m.cache.FlushAll(ctx); err != nil {
			res.Failed = append(res.Failed, "cache_flush")
			m.log.WithError(err).Warn("Cache flush failed during aggressive optimization")
		} else {
			res.Details = append(res.Details, "flushed all cache tiers")
		}
	}
	n := m.ClearEphemeral()
	res.Details = append(res.Details, fmt.Sprintf("cleared %d ephemeral allocations", n))

	passes := 0
	prev := m.reader.Read().Current
	for passes < maxAggressivePasses {
		m.collect()
		passes++
		cur := m.reader.Read().Current
		if cur >= prev {
			break
		}
		prev = cur
	}
	debug.FreeOSMemory()
	res.Details = append(res.Details, fmt.Sprintf("ran %d collection passes", passes))

	m.mu.Lock()
	m.samples = make(map[string]map[string]Sample)
	m.opOrder = nil
	m.mu.Unlock()
	res.Details = append(res.Details, "cleared sample history")
}

func (m *Manager) emergency(ctx context.Context, res *OptimizeResult) {
	m.hooksMu.RLock()
	handlers := append([]namedHandler(nil), m.handlers...)
	m.hooksMu.RUnlock()

	for _, h := range handlers {
		if err := runHandler(ctx, h); err != nil {
			res.Failed = append(res.Failed, h.name)
			m.metrics.CleanupFailure(h.name)
			m.log.WithError(err).WithField("handler", h.name).Error("Cleanup handler failed")
			continue
		}
		res.Details = append(res.Details, fmt.Sprintf("ran %s", h.name))
	}

	m.mu.Lock()
	m.samples = make(map[string]map[string]Sample)
	m.opOrder = nil
	m.checkpoints = make(map[string]Checkpoint)
	m.mu.Unlock()
	res.Details = append(res.Details, "cleared tracking state")
}

func runHandler(ctx context.Context, h namedHandler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return h.fn(ctx)
}
