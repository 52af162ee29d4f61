package memory

import (
	"errors"
	"time"
)

var (
	// ErrMemoryExhausted is returned by Sample when usage is still at or over
	// the limit after emergency remediation. It is distinct from an Alert.
	ErrMemoryExhausted = errors.New("memory exhausted after emergency cleanup")
	ErrUnknownStrategy = errors.New("unknown optimization strategy")
)

type Level string

const (
	LevelWarning  Level = "warning"
	LevelCritical Level = "critical"
)

type Strategy string

const (
	StrategyConservative Strategy = "conservative"
	StrategyAggressive   Strategy = "aggressive"
	StrategyEmergency    Strategy = "emergency"
	StrategyAuto         Strategy = "auto"
	// StrategyLight is what auto resolves to below the gc threshold.
	StrategyLight Strategy = "light"
)

func ParseStrategy(s string) (Strategy, error) {
	switch st := Strategy(s); st {
	case StrategyConservative, StrategyAggressive, StrategyEmergency, StrategyAuto:
		return st, nil
	default:
		return "", ErrUnknownStrategy
	}
}

type State string

const (
	StateIdle             State = "idle"
	StateMonitoring       State = "monitoring"
	StateWarning          State = "warning"
	StateCritical         State = "critical"
	StateEmergencyCleanup State = "emergency-cleanup"
	StateFinalized        State = "finalized"
)

type Sample struct {
	CurrentBytes uint64    `json:"current_bytes"`
	PeakBytes    uint64    `json:"peak_bytes"`
	LimitBytes   uint64    `json:"limit_bytes"`
	PercentUsed  float64   `json:"percent_used"`
	Timestamp    time.Time `json:"timestamp"`
	OperationID  string    `json:"operation_id"`
	Stage        string    `json:"stage"`
}

type Alert struct {
	Level     Level     `json:"level"`
	Sample    Sample    `json:"sample"`
	Timestamp time.Time `json:"timestamp"`
}

type Checkpoint struct {
	ID         string    `json:"id"`
	UsageBytes uint64    `json:"usage_bytes"`
	PeakBytes  uint64    `json:"peak_bytes"`
	Timestamp  time.Time `json:"timestamp"`
}

type OptimizeResult struct {
	Strategy   Strategy `json:"strategy"`
	Before     uint64   `json:"before_bytes"`
	After      uint64   `json:"after_bytes"`
	FreedBytes uint64   `json:"freed_bytes"`
	Details    []string `json:"details"`
	// Failed lists cleanup handlers that returned an error or panicked.
	Failed []string `json:"failed,omitempty"`
}

type Statistics struct {
	CurrentBytes     uint64          `json:"current_bytes"`
	PeakBytes        uint64          `json:"peak_bytes"`
	LimitBytes       uint64          `json:"limit_bytes"`
	AvailableBytes   uint64          `json:"available_bytes"`
	PercentUsed      float64         `json:"percent_used"`
	State            State           `json:"state"`
	TrackedOps       int             `json:"tracked_operations"`
	Samples          int             `json:"samples"`
	Checkpoints      int             `json:"checkpoints"`
	RecentAlerts     []Alert         `json:"recent_alerts"`
	CleanupHandlers  []string        `json:"cleanup_handlers"`
	LastOptimization *OptimizeResult `json:"last_optimization,omitempty"`
}

// Clearer releases transient allocations that can be rebuilt on demand.
type Clearer interface {
	Clear()
}

type ClearerFunc func()

func (f ClearerFunc) Clear() { f() }
