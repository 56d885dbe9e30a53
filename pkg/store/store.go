// Package store keeps run history in a SQL database.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethpandaops/dotestoor/pkg/config"
	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("not found")

// Store provides persistence for run history.
type Store interface {
	Start(ctx context.Context) error
	Stop() error

	UpsertRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, runID string) (*Run, error)
	ListRuns(ctx context.Context, limit int) ([]Run, error)

	// SaveTestResults replaces the stored results of a run.
	SaveTestResults(ctx context.Context, runID string, results []*TestResult) error
	ListTestResults(ctx context.Context, runID, verdict string) ([]TestResult, error)
	TestHistory(ctx context.Context, testID string, limit int) ([]TestResult, error)
}

// Compile-time interface check.
var _ Store = (*store)(nil)

type store struct {
	log logrus.FieldLogger
	cfg *config.DatabaseConfig
	db  *gorm.DB
}

// NewStore creates a new Store backed by the configured database driver.
func NewStore(log logrus.FieldLogger, cfg *config.DatabaseConfig) Store {
	return &store{
		log: log.WithField("component", "store"),
		cfg: cfg,
	}
}

// Start opens the database connection and runs migrations.
func (s *store) Start(ctx context.Context) error {
	var dialector gorm.Dialector

	gormCfg := &gorm.Config{
		Logger: logger.Discard,
	}

	switch s.cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(s.cfg.SQLite.Path)
	case "postgres":
		dsn := fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			s.cfg.Postgres.Host,
			s.cfg.Postgres.Port,
			s.cfg.Postgres.User,
			s.cfg.Postgres.Password,
			s.cfg.Postgres.Database,
			s.cfg.Postgres.SSLMode,
		)
		dialector = postgres.Open(dsn)
	default:
		return fmt.Errorf("unsupported database driver: %s", s.cfg.Driver)
	}

	db, err := gorm.Open(dialector, gormCfg)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}

	s.db = db

	if s.cfg.Driver == "sqlite" {
		sqlDB, err := db.DB()
		if err != nil {
			return fmt.Errorf("getting underlying db: %w", err)
		}

		// SQLite has a single writer, and every :memory: connection is its
		// own database.
		sqlDB.SetMaxOpenConns(1)
	}

	if err := s.db.WithContext(ctx).AutoMigrate(
		&Run{},
		&TestResult{},
	); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	s.log.WithField("driver", s.cfg.Driver).Info("History database connected")

	return nil
}

// Stop closes the underlying database connection.
func (s *store) Stop() error {
	if s.db == nil {
		return nil
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	return sqlDB.Close()
}

// UpsertRun inserts a run record or, when run_id exists, overwrites every
// column of the stored row.
func (s *store) UpsertRun(ctx context.Context, run *Run) error {
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "run_id"}},
			UpdateAll: true,
		}).
		Create(run).Error
	if err != nil {
		return fmt.Errorf("upserting run: %w", err)
	}

	return nil
}

// GetRun returns a single run.
func (s *store) GetRun(ctx context.Context, runID string) (*Run, error) {
	var run Run

	err := s.db.WithContext(ctx).
		Where("run_id = ?", runID).
		First(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}

	if err != nil {
		return nil, fmt.Errorf("getting run: %w", err)
	}

	return &run, nil
}

// ListRuns returns runs newest first. A limit <= 0 returns all runs.
func (s *store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	var runs []Run

	q := s.db.WithContext(ctx).Order("timestamp DESC").Order("run_id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}

	if err := q.Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}

	return runs, nil
}

// SaveTestResults deletes any stored results for runID and inserts the new
// ones in batches, in a single transaction.
func (s *store) SaveTestResults(ctx context.Context, runID string, results []*TestResult) error {
	const batchSize = 100

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("run_id = ?", runID).Delete(&TestResult{}).Error; err != nil {
			return fmt.Errorf("deleting previous test results: %w", err)
		}

		if len(results) == 0 {
			return nil
		}

		for _, r := range results {
			r.RunID = runID
		}

		if err := tx.CreateInBatches(results, batchSize).Error; err != nil {
			return fmt.Errorf("inserting test results: %w", err)
		}

		return nil
	})
}

// ListTestResults returns the results of a run ordered by test ID,
// optionally restricted to one verdict.
func (s *store) ListTestResults(ctx context.Context, runID, verdict string) ([]TestResult, error) {
	var results []TestResult

	q := s.db.WithContext(ctx).Where("run_id = ?", runID)
	if verdict != "" {
		q = q.Where("verdict = ?", verdict)
	}

	if err := q.Order("test_id ASC").Find(&results).Error; err != nil {
		return nil, fmt.Errorf("listing test results: %w", err)
	}

	return results, nil
}

// TestHistory returns the most recent results of one test across runs.
func (s *store) TestHistory(ctx context.Context, testID string, limit int) ([]TestResult, error) {
	var results []TestResult

	q := s.db.WithContext(ctx).
		Where("test_id = ?", testID).
		Order("started_at DESC").
		Order("run_id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}

	if err := q.Find(&results).Error; err != nil {
		return nil, fmt.Errorf("listing test history: %w", err)
	}

	return results, nil
}
