package scheduler

import (
	"context"
	"errors"
	"time"
)

var ErrNoScanner = errors.New("scheduler requires a scanner")

// Descriptor is one raw entry of the scan driver's work list.
type Descriptor struct {
	Path string `json:"path"`
	Size int64  `json:"size"`
}

// WorkUnit is a descriptor that survived filtering. Fingerprint is filled
// lazily by the worker that scans it.
type WorkUnit struct {
	Path        string
	Size        int64
	ModTime     time.Time
	Fingerprint string
	Priority    int
}

type Finding struct {
	Rule     string `json:"rule"`
	Severity string `json:"severity"`
	Line     int    `json:"line,omitempty"`
	Message  string `json:"message"`
}

type UnitResult struct {
	Path     string    `json:"path"`
	Findings []Finding `json:"findings,omitempty"`
}

type UnitError struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// Scanner inspects one work unit. It is called from several workers at once.
type Scanner interface {
	Scan(ctx context.Context, unit WorkUnit) (UnitResult, error)
}

type ScanFunc func(ctx context.Context, unit WorkUnit) (UnitResult, error)

func (f ScanFunc) Scan(ctx context.Context, unit WorkUnit) (UnitResult, error) {
	return f(ctx, unit)
}

type Options struct {
	Categories        []string
	Depth             int
	BatchSizeHint     int
	AllowedExtensions []string
	DeniedExtensions  []string
	ExcludedDirs      []string
	ExcludePatterns   []string
	MaxFileSize       int64
	// EstimatedComplexity feeds the batch size heuristic; 0 derives it from
	// Categories and Depth.
	EstimatedComplexity float64
}

// FilterStats counts dropped descriptors per reason.
type FilterStats struct {
	Missing   int `json:"missing"`
	Extension int `json:"extension"`
	Directory int `json:"directory"`
	Pattern   int `json:"pattern"`
	Size      int `json:"size"`
}

func (f FilterStats) Total() int {
	return f.Missing + f.Extension + f.Directory + f.Pattern + f.Size
}

// Result is the merged outcome of Dispatch. Results and Errors are in
// completion order.
type Result struct {
	FilesProcessed int
	Findings       int
	CacheHits      int
	CacheMisses    int
	Batches        int
	Results        []UnitResult
	Errors         []UnitError
	Cancelled      bool
	// Err is set when dispatch stopped early because memory was exhausted.
	Err error
}

type ScanResult struct {
	ScanID         string       `json:"scan_id"`
	FilesProcessed int          `json:"files_processed"`
	FilesSkipped   int          `json:"files_skipped"`
	Skipped        FilterStats  `json:"skipped"`
	Findings       int          `json:"findings"`
	Results        []UnitResult `json:"results,omitempty"`
	Errors         []UnitError  `json:"errors,omitempty"`
	ElapsedSeconds float64      `json:"elapsed_seconds"`
	CacheHitRate   float64      `json:"cache_hit_rate"`
	CacheHits      int          `json:"cache_hits"`
	BatchSize      int          `json:"batch_size"`
	Concurrency    int          `json:"concurrency"`
	Batches        int          `json:"batches"`
	Cancelled      bool         `json:"cancelled"`
}

type Phase string

const (
	PhasePrepared     Phase = "prepared"
	PhaseFiltering    Phase = "filtering"
	PhasePrioritizing Phase = "prioritizing"
	PhaseDispatching  Phase = "dispatching"
	PhaseMerging      Phase = "merging"
	PhaseFinalized    Phase = "finalized"
)
