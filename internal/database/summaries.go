package database

import (
	"context"
	"fmt"

	"github.com/sdko-org/scanperf/internal/models"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// RecentScansQuery is the base statement paginated by the ops API.
const RecentScansQuery = `SELECT scan_id, started_at, finished_at, files_processed, files_skipped, findings,
unit_errors, cache_hit_rate, elapsed_seconds, cancelled FROM scan_summaries ORDER BY finished_at DESC, id DESC`

type SummaryStore struct {
	db  *gorm.DB
	log *logrus.Entry
}

func NewSummaryStore(logger *logrus.Logger, db *gorm.DB) *SummaryStore {
	return &SummaryStore{
		db:  db,
		log: logger.WithField("component", "summary_store"),
	}
}

// SaveSummary persists the summary together with its error manifest.
func (s *SummaryStore) SaveSummary(ctx context.Context, summary *models.ScanSummary) error {
	if err := s.db.WithContext(ctx).Create(summary).Error; err != nil {
		s.log.WithError(err).WithField("scan_id", summary.ScanID).Error("Failed to save scan summary")
		return fmt.Errorf("save scan summary: %w", err)
	}
	s.log.WithFields(logrus.Fields{
		"scan_id": summary.ScanID,
		"errors":  len(summary.Errors),
	}).Debug("Scan summary saved")
	return nil
}

func (s *SummaryStore) Recent(ctx context.Context, limit int) ([]models.ScanSummary, error) {
	var out []models.ScanSummary
	err := s.db.WithContext(ctx).
		Preload("Errors").
		Order("finished_at DESC, id DESC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("load recent scans: %w", err)
	}
	return out, nil
}

func (s *SummaryStore) Get(ctx context.Context, scanID string) (*models.ScanSummary, error) {
	var out models.ScanSummary
	err := s.db.WithContext(ctx).Preload("Errors").Where("scan_id = ?", scanID).First(&out).Error
	if err != nil {
		return nil, fmt.Errorf("load scan %s: %w", scanID, err)
	}
	return &out, nil
}
