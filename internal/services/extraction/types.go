package extraction

import "time"

// FileUploadStatus is the client-local lifecycle of one file.
// Transitions are monotonic along pending → uploading → processing →
// {complete|partial|failed}; terminal statuses never regress except through
// an explicit user retry, which returns the file to pending.
type FileUploadStatus string

const (
	StatusPending    FileUploadStatus = "pending"
	StatusValidating FileUploadStatus = "validating"
	StatusUploading  FileUploadStatus = "uploading"
	StatusProcessing FileUploadStatus = "processing"
	StatusComplete   FileUploadStatus = "complete"
	StatusFailed     FileUploadStatus = "failed"
	StatusPartial    FileUploadStatus = "partial"
)

// Terminal reports whether a status ends the file's tracking
func (s FileUploadStatus) Terminal() bool {
	return s == StatusComplete || s == StatusFailed || s == StatusPartial
}

// FileStatus tracks one file from selection through extraction.
// Created client-side at staging time, matched to stream events by filename.
type FileStatus struct {
	ID          string           `json:"id"`
	Path        string           `json:"path,omitempty"`
	Filename    string           `json:"filename"`
	Size        int64            `json:"size"`
	Status      FileUploadStatus `json:"status"`
	Progress    int              `json:"progress"` // 0-100, pinned to 100 on terminal statuses
	DocumentID  int64            `json:"document_id,omitempty"`
	Error       *FileError       `json:"error,omitempty"`
	StartedAt   *time.Time       `json:"started_at,omitempty"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
}

// BatchProgress is the canonical state of one in-flight batch, derived
// purely from the event sequence. Completed and Failed are monotonically
// non-decreasing; Completed+Failed never exceeds TotalFiles. Warnings land
// in the separate Partial bucket.
type BatchProgress struct {
	BatchID                   string    `json:"batch_id"`
	TotalFiles                int       `json:"total_files"`
	Completed                 int       `json:"completed"`
	Failed                    int       `json:"failed"`
	Partial                   int       `json:"partial"`
	CurrentFile               string    `json:"current_file,omitempty"`
	WorkersActive             int       `json:"workers_active"`
	EstimatedSecondsRemaining *float64  `json:"estimated_seconds_remaining,omitempty"`
	StartedAt                 time.Time `json:"started_at"`

	confidenceSum   float64
	confidenceCount int
}

// BatchSummary is the ephemeral completion summary derived from a batch's
// final state; it lives only as long as its notification.
type BatchSummary struct {
	BatchID               string   `json:"batch_id"`
	TotalFiles            int      `json:"total_files"`
	SuccessCount          int      `json:"success_count"`
	WarningCount          int      `json:"warning_count"`
	ErrorCount            int      `json:"error_count"`
	AvgConfidence         *float64 `json:"avg_confidence,omitempty"`
	ProcessingTimeSeconds *float64 `json:"processing_time_seconds,omitempty"`
}

// DailyStats are running per-day counters shown in the dashboard header
type DailyStats struct {
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Partial   int `json:"partial"`
}

// CompletionSink receives the summary each time a batch reaches its
// terminal event
type CompletionSink interface {
	BatchCompleted(BatchSummary)
}

// CompletionFunc adapts a function to the CompletionSink interface
type CompletionFunc func(BatchSummary)

func (f CompletionFunc) BatchCompleted(s BatchSummary) { f(s) }
