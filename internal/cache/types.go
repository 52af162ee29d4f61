package cache

import (
	"errors"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sdko-org/scanperf/internal/config"
	"github.com/sdko-org/scanperf/internal/metrics"
)

type Tier int

const (
	TierFast Tier = iota
	TierDurable
	TierFile
)

func (t Tier) String() string {
	switch t {
	case TierFast:
		return "fast"
	case TierDurable:
		return "durable"
	case TierFile:
		return "file"
	default:
		return "unknown"
	}
}

func (t Tier) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// Logical groups. Every key lives in exactly one group; groups are the unit
// of bulk invalidation.
const (
	GroupScanResults       = "scan_results"
	GroupDBQueries         = "db_queries"
	GroupVulnerabilityData = "vulnerability_data"
	GroupConfiguration     = "configuration"
	GroupFileHashes        = "file_hashes"
)

// KnownGroup reports whether group is one of the logical groups above.
func KnownGroup(group string) bool {
	switch group {
	case GroupScanResults, GroupDBQueries, GroupVulnerabilityData, GroupConfiguration, GroupFileHashes:
		return true
	}
	return false
}

var (
	ErrNotFound           = errors.New("cache entry not found")
	ErrUnsupportedVersion = errors.New("unsupported cache entry version")
	ErrCorruptEntry       = errors.New("corrupt cache entry")
)

type Stats struct {
	Hits        uint64          `json:"hits"`
	Misses      uint64          `json:"misses"`
	HitsByTier  map[Tier]uint64 `json:"hits_by_tier"`
	Sets        uint64          `json:"sets"`
	Deletes     uint64          `json:"deletes"`
	FileRejects uint64          `json:"file_rejects"`
	TierFaults  uint64          `json:"tier_faults"`
	FastEntries int             `json:"fast_entries"`
	FastBytes   int64           `json:"fast_bytes"`
	FileBytes   int64           `json:"file_bytes"`
}

// HitRate returns hits/(hits+misses), or 0 before any lookup.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

type Options struct {
	FastTierMaxTTL          time.Duration
	FastTierMaxEntries      int
	EnableFileCache         bool
	FileCacheThresholdBytes int
	MaxFileCacheBytes       int64
	// FileTierGroups restricts the large-object tier to these groups.
	// Empty means every group may use it.
	FileTierGroups []string

	Clock   clockwork.Clock
	Metrics *metrics.Metrics
}

func OptionsFromConfig(p config.Performance) Options {
	return Options{
		FastTierMaxTTL:          p.FastTierMaxTTL,
		FastTierMaxEntries:      p.FastTierMaxEntries,
		EnableFileCache:         p.EnableFileCache,
		FileCacheThresholdBytes: p.FileCacheThresholdBytes,
		MaxFileCacheBytes:       p.MaxFileCacheBytes,
	}
}

func (o *Options) withDefaults() {
	d := config.DefaultPerformance()
	if o.FastTierMaxTTL <= 0 {
		o.FastTierMaxTTL = d.FastTierMaxTTL
	}
	if o.FastTierMaxEntries <= 0 {
		o.FastTierMaxEntries = d.FastTierMaxEntries
	}
	if o.FileCacheThresholdBytes <= 0 {
		o.FileCacheThresholdBytes = d.FileCacheThresholdBytes
	}
	if o.MaxFileCacheBytes <= 0 {
		o.MaxFileCacheBytes = d.MaxFileCacheBytes
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
}
