package scheduler

import (
	"context"
	"math"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/load"
)

const batchMemoryUnit = 128 << 20

// ResourceContext is the input of the batch size and concurrency heuristics.
// SystemLoad is the load average per CPU.
type ResourceContext struct {
	AvailableMemory     uint64  `json:"available_memory"`
	SystemLoad          float64 `json:"system_load"`
	EstimatedComplexity float64 `json:"estimated_complexity"`
}

type ResourceProbe interface {
	Probe(ctx context.Context) ResourceContext
}

// AvailableFunc reports memory still available to the process.
type AvailableFunc func() uint64

// SystemProbe reads host load through gopsutil and memory headroom from
// the memory manager.
type SystemProbe struct {
	available AvailableFunc
}

func NewSystemProbe(available AvailableFunc) *SystemProbe {
	return &SystemProbe{available: available}
}

func (p *SystemProbe) Probe(ctx context.Context) ResourceContext {
	rc := ResourceContext{SystemLoad: 1}
	if p.available != nil {
		rc.AvailableMemory = p.available()
	}

	avg, err := load.AvgWithContext(ctx)
	if err != nil {
		return rc
	}
	cpus, err := cpu.CountsWithContext(ctx, true)
	if err != nil || cpus < 1 {
		cpus = 1
	}
	rc.SystemLoad = avg.Load1 / float64(cpus)
	return rc
}

// ComputeBatchSize scales def by memory headroom, host load and scan
// complexity and clamps the result to [minSize, maxSize].
func ComputeBatchSize(def int, rc ResourceContext, minSize, maxSize int) int {
	if maxSize < minSize {
		maxSize = minSize
	}
	memoryFactor := math.Min(1.5, float64(rc.AvailableMemory)/batchMemoryUnit)
	loadFactor := math.Max(0.5, 2.0-rc.SystemLoad)
	complexityFactor := math.Max(0.5, 2.0-rc.EstimatedComplexity)

	size := float64(def) * memoryFactor * loadFactor * complexityFactor
	if math.IsNaN(size) || size < float64(minSize) {
		return minSize
	}
	if size > float64(maxSize) {
		return maxSize
	}
	return int(size)
}

// ComputeConcurrency derives the number of parallel batches from the same
// resource view, never exceeding maxParallel and never below 1.
func ComputeConcurrency(rc ResourceContext, maxParallel int) int {
	c := max(maxParallel, 1)
	switch {
	case rc.AvailableMemory < batchMemoryUnit/2:
		c = 1
	case rc.AvailableMemory < 2*batchMemoryUnit:
		c = min(c, 2)
	}
	if rc.SystemLoad > 1.5 {
		c = max(1, c/2)
	}
	return c
}

func complexityOf(opts Options) float64 {
	if opts.EstimatedComplexity > 0 {
		return opts.EstimatedComplexity
	}
	c := 0.5 + 0.25*float64(len(opts.Categories)) + 0.1*float64(opts.Depth)
	return math.Min(c, 2.0)
}
