package models

import (
	"time"
)

type AccessLog struct {
	ID        uint      `gorm:"primaryKey;autoIncrement"`
	Timestamp time.Time `gorm:"index;not null"`
	Method    string    `gorm:"type:varchar(10);not null"`
	Path      string    `gorm:"type:text;not null"`
	Status    int       `gorm:"not null;index"`
	Duration  time.Duration
	ClientIP  string `gorm:"type:varchar(45);not null"`
	UserAgent string `gorm:"type:text"`
	BytesSent int    `gorm:"not null;default:0"`
}

// ScanSummary is the performance record persisted when a scan completes.
type ScanSummary struct {
	ID             uint        `gorm:"primaryKey;autoIncrement" json:"id"`
	ScanID         string      `gorm:"type:varchar(64);not null;uniqueIndex" json:"scan_id"`
	StartedAt      time.Time   `gorm:"index;not null" json:"started_at"`
	FinishedAt     time.Time   `gorm:"index;not null" json:"finished_at"`
	FilesProcessed int         `gorm:"not null;default:0" json:"files_processed"`
	FilesSkipped   int         `gorm:"not null;default:0" json:"files_skipped"`
	Findings       int         `gorm:"not null;default:0" json:"findings"`
	UnitErrors     int         `gorm:"not null;default:0" json:"unit_errors"`
	CacheHits      int         `gorm:"not null;default:0" json:"cache_hits"`
	CacheHitRate   float64     `json:"cache_hit_rate"`
	ElapsedSeconds float64     `json:"elapsed_seconds"`
	Batches        int         `json:"batches"`
	BatchSize      int         `json:"batch_size"`
	Concurrency    int         `json:"concurrency"`
	PeakMemory     uint64      `json:"peak_memory_bytes"`
	MemoryDelta    int64       `json:"memory_delta_bytes"`
	Cancelled      bool        `json:"cancelled"`
	Errors         []UnitError `gorm:"foreignKey:ScanID;references:ScanID" json:"errors,omitempty"`
}

// UnitError is one entry of a scan's error manifest.
type UnitError struct {
	ID      uint   `gorm:"primaryKey;autoIncrement" json:"-"`
	ScanID  string `gorm:"type:varchar(64);not null;index" json:"-"`
	Path    string `gorm:"type:text;not null" json:"path"`
	Message string `gorm:"type:text;not null" json:"message"`
}

func (AccessLog) TableName() string {
	return "access_logs"
}

func (ScanSummary) TableName() string {
	return "scan_summaries"
}

func (UnitError) TableName() string {
	return "scan_unit_errors"
}

// All lists every model for AutoMigrate.
func All() []interface{} {
	return []interface{}{&AccessLog{}, &ScanSummary{}, &UnitError{}}
}
