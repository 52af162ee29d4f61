package database

import (
	"context"
	"fmt"

	"gorm.io/gorm"
)

// GormExecutor runs raw statements for the query cache.
type GormExecutor struct {
	db *gorm.DB
}

func NewGormExecutor(db *gorm.DB) *GormExecutor {
	return &GormExecutor{db: db}
}

func (e *GormExecutor) Execute(ctx context.Context, statement string, params ...any) ([]map[string]any, error) {
	var rows []map[string]any
	if err := e.db.WithContext(ctx).Raw(statement, params...).Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("raw query: %w", err)
	}
	return rows, nil
}
