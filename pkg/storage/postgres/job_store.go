package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"jobpipe/pkg/models"
	"jobpipe/pkg/storage"
)

// PostgresStore keeps resource snapshots and the latest run per job key.
type PostgresStore struct {
	db *gorm.DB
}

var _ interface {
	storage.ResourceStore
	storage.RunStore
} = (*PostgresStore)(nil)

// NewPostgresStore initializes GORM connection and AutoMigrates schemas.
func NewPostgresStore(connString string) (*PostgresStore, error) {
	config := &gorm.Config{
		Logger:      logger.Default.LogMode(logger.Warn),
		PrepareStmt: true,
	}

	db, err := gorm.Open(postgres.Open(connString), config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(50)
	sqlDB.SetConnMaxLifetime(time.Hour)

	return NewFromDB(db)
}

// NewFromDB wraps an open connection and migrates the schema.
func NewFromDB(db *gorm.DB) (*PostgresStore, error) {
	if err := db.AutoMigrate(&models.TaskResourceInfo{}, &models.RunRecord{}); err != nil {
		return nil, fmt.Errorf("schema migration failed: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SaveResourceInfo inserts one snapshot.
func (s *PostgresStore) SaveResourceInfo(ctx context.Context, info *models.TaskResourceInfo) error {
	result := s.db.WithContext(ctx).Create(info)
	if result.Error != nil {
		return fmt.Errorf("failed to save resource info: %w", result.Error)
	}
	return nil
}

// ListResourceInfo returns the newest snapshots of a job.
func (s *PostgresStore) ListResourceInfo(ctx context.Context, jobKey string, limit int) ([]models.TaskResourceInfo, error) {
	var infos []models.TaskResourceInfo
	query := s.db.WithContext(ctx).Order("created_at desc, id desc")
	if jobKey != "" {
		query = query.Where("job_key = ?", jobKey)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	if result := query.Find(&infos); result.Error != nil {
		return nil, fmt.Errorf("failed to list resource info: %w", result.Error)
	}
	return infos, nil
}

// RecordRun upserts the latest run of a job key.
func (s *PostgresStore) RecordRun(ctx context.Context, rec *models.RunRecord) error {
	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "job_key"}},
			DoUpdates: clause.AssignmentColumns([]string{"task_name", "job_group", "status", "invocation_id", "finished_at", "updated_at"}),
		}).
		Create(rec)
	if result.Error != nil {
		return fmt.Errorf("failed to record run: %w", result.Error)
	}
	return nil
}

// GetRun retrieves the latest run of a job key.
func (s *PostgresStore) GetRun(ctx context.Context, jobKey string) (*models.RunRecord, error) {
	var rec models.RunRecord
	result := s.db.WithContext(ctx).First(&rec, "job_key = ?", jobKey)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, storage.ErrNotFound
		}
		return nil, result.Error
	}
	return &rec, nil
}

// ListRuns returns every recorded run, optionally restricted to a group.
func (s *PostgresStore) ListRuns(ctx context.Context, group string) ([]models.RunRecord, error) {
	var recs []models.RunRecord
	query := s.db.WithContext(ctx).Order("job_key asc")
	if group != "" {
		query = query.Where("job_group = ?", group)
	}
	if result := query.Find(&recs); result.Error != nil {
		return nil, fmt.Errorf("failed to list runs: %w", result.Error)
	}
	return recs, nil
}

func (s *PostgresStore) IsSuccessful(ctx context.Context, jobKey, _ string) (bool, error) {
	rec, err := s.GetRun(ctx, jobKey)
	if err != nil {
		return false, err
	}
	return rec.Successful(), nil
}

// GroupIsSuccessful is true when the group has runs and none of them failed.
func (s *PostgresStore) GroupIsSuccessful(ctx context.Context, group string) (bool, error) {
	var counts struct {
		Total  int64
		Failed int64
	}
	// SELECT COUNT(*), COUNT(*) FILTER (WHERE status <> 'SUCCESS') FROM run_records WHERE job_group = ?
	result := s.db.WithContext(ctx).
		Model(&models.RunRecord{}).
		Select("COUNT(*) AS total, COUNT(*) FILTER (WHERE status <> ?) AS failed", models.RunSuccess).
		Where("job_group = ?", group).
		Scan(&counts)
	if result.Error != nil {
		return false, fmt.Errorf("failed to query group %s: %w", group, result.Error)
	}
	if counts.Total == 0 {
		return false, storage.ErrNotFound
	}
	return counts.Failed == 0, nil
}
