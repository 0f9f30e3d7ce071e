package models

import (
	"time"
)

// BatchRecord is the persisted history row for a finished extraction batch.
// Live progress stays in memory; only the final summary is written here.
type BatchRecord struct {
	BatchID               string     `gorm:"primaryKey" json:"batch_id"`
	StartedAt             time.Time  `json:"started_at"`
	CompletedAt           *time.Time `json:"completed_at"`
	TotalFiles            int        `gorm:"not null;default:0" json:"total_files"`
	SuccessCount          int        `gorm:"not null;default:0" json:"success_count"`
	WarningCount          int        `gorm:"not null;default:0" json:"warning_count"`
	ErrorCount            int        `gorm:"not null;default:0" json:"error_count"`
	AvgConfidence         *float64   `json:"avg_confidence"`
	ProcessingTimeSeconds *float64   `json:"processing_time_seconds"`
	Status                string     `gorm:"not null;default:completed" json:"status"` // completed, in_progress
	CreatedAt             time.Time  `json:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at"`
}

// TableName specifies the table name for GORM
func (BatchRecord) TableName() string {
	return "batch_records"
}
