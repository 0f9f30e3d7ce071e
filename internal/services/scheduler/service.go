package scheduler

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"
	"gorm.io/gorm"

	"extractmon-desktop/internal/models"
)

const (
	defaultRetentionDays = 90
	// Daily at 03:00; six fields because the scheduler runs with seconds support
	pruneCron = "0 0 3 * * *"
)

// Service prunes old batch history on a schedule so the local database does
// not grow without bound
type Service struct {
	db            *gorm.DB
	cron          *cron.Cron
	retentionDays int
	clock         func() time.Time
}

// NewService creates the retention scheduler. Retention defaults to 90 days,
// tunable via EXTRACT_HISTORY_RETENTION_DAYS.
func NewService(db *gorm.DB) *Service {
	retentionDays := defaultRetentionDays
	if val := os.Getenv("EXTRACT_HISTORY_RETENTION_DAYS"); val != "" {
		if days, err := strconv.Atoi(val); err == nil && days > 0 {
			retentionDays = days
		} else {
			log.Printf("WARNING: Invalid EXTRACT_HISTORY_RETENTION_DAYS=%q, using %d", val, defaultRetentionDays)
		}
	}

	return &Service{
		db:            db,
		cron:          cron.New(cron.WithSeconds()),
		retentionDays: retentionDays,
		clock:         time.Now,
	}
}

// Start schedules the daily pruning job and starts the scheduler
func (s *Service) Start() error {
	if s.db == nil {
		return fmt.Errorf("scheduler requires a database")
	}

	if _, err := s.cron.AddFunc(pruneCron, func() {
		if n, err := s.PruneNow(); err != nil {
			log.Printf("History pruning failed: %v", err)
		} else if n > 0 {
			log.Printf("History pruning removed %d batch records", n)
		}
	}); err != nil {
		return fmt.Errorf("failed to schedule pruning job: %w", err)
	}

	s.cron.Start()
	log.Printf("Retention scheduler started (keeping %d days of batch history)", s.retentionDays)
	return nil
}

// Stop gracefully stops the scheduler, waiting for a running job to finish
func (s *Service) Stop() {
	if s.cron != nil {
		ctx := s.cron.Stop()
		<-ctx.Done()
		log.Println("Retention scheduler stopped")
	}
}

// PruneNow deletes batch records older than the retention window and
// returns how many rows were removed
func (s *Service) PruneNow() (int64, error) {
	cutoff := s.clock().AddDate(0, 0, -s.retentionDays)
	result := s.db.Where("completed_at < ?", cutoff).Delete(&models.BatchRecord{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to prune batch records: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// RetentionDays reports the active retention window
func (s *Service) RetentionDays() int {
	return s.retentionDays
}
