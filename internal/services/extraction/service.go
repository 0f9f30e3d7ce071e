package extraction

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"extractmon-desktop/internal/api"
	"extractmon-desktop/internal/frontend"
	"extractmon-desktop/internal/models"
	"extractmon-desktop/internal/stream"
)

// MaxFileSize is the client-side upload limit (the server enforces the same)
const MaxFileSize = 50 * 1024 * 1024

// BatchSubmitter submits a batch of files to the extraction API
type BatchSubmitter interface {
	SubmitBatch(ctx context.Context, filePaths []string, opts api.SubmitOptions) (*api.BatchSubmission, error)
}

// Service is the authoritative in-memory state for staged files, active
// batches and their per-file progress. All mutation happens through staging
// calls, submission, or ApplyBatchEvent; UI consumers only read snapshots.
type Service struct {
	mu      sync.RWMutex
	staged  map[string]*FileStatus // staged file id -> file
	order   []string               // staging insertion order
	tracked map[string]bool        // batch ids this client initiated or subscribed to
	batches map[string]*BatchProgress
	files   map[string]map[string]*FileStatus // batch id -> filename -> file

	daily       DailyStats
	synthesized int64
	ignored     int64

	db        *gorm.DB
	submitter BatchSubmitter
	emitter   frontend.Emitter
	sink      CompletionSink
	clock     func() time.Time
}

// NewService creates the extraction service. db may be nil (no history
// persistence); emitter may be nil.
func NewService(db *gorm.DB, submitter BatchSubmitter, emitter frontend.Emitter) *Service {
	if emitter == nil {
		emitter = frontend.NopEmitter{}
	}
	return &Service{
		staged:    make(map[string]*FileStatus),
		tracked:   make(map[string]bool),
		batches:   make(map[string]*BatchProgress),
		files:     make(map[string]map[string]*FileStatus),
		db:        db,
		submitter: submitter,
		emitter:   emitter,
		clock:     time.Now,
	}
}

// SetCompletionSink registers the receiver for batch completion summaries
func (s *Service) SetCompletionSink(sink CompletionSink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sink = sink
}

// ====================================================================================
// Staging
// ====================================================================================

// StageFiles registers local files for submission, one FileStatus each.
// Files failing client-side validation are staged as failed with a
// non-recoverable error so the user sees why.
func (s *Service) StageFiles(paths []string) []FileStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, path := range paths {
		f := &FileStatus{
			ID:       uuid.New().String(),
			Path:     path,
			Filename: filepath.Base(path),
			Status:   StatusValidating,
		}
		s.staged[f.ID] = f
		s.order = append(s.order, f.ID)

		info, err := os.Stat(path)
		if err != nil {
			f.Status = StatusFailed
			f.Error = NewFileError(ErrorUnknown, fmt.Sprintf("cannot read file: %v", err))
			continue
		}
		f.Size = info.Size()

		if !strings.EqualFold(filepath.Ext(path), ".pdf") {
			f.Status = StatusFailed
			f.Error = NewFileError(ErrorCorrupt, "unsupported format, PDF only")
			continue
		}
		if f.Size > MaxFileSize {
			f.Status = StatusFailed
			f.Error = NewFileError(ErrorTooLarge, fmt.Sprintf("file exceeds %d MB limit", MaxFileSize/1024/1024))
			continue
		}

		f.Status = StatusPending
	}

	snapshot := s.stagedSnapshotLocked()
	s.emitter.Emit("extraction:staged", snapshot)
	return snapshot
}

// RemoveStagedFile drops one staged file
func (s *Service) RemoveStagedFile(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.staged[id]; !ok {
		return
	}
	delete(s.staged, id)
	for i, fid := range s.order {
		if fid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.emitter.Emit("extraction:staged", s.stagedSnapshotLocked())
}

// ClearStaged drops all staged files
func (s *Service) ClearStaged() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.staged = make(map[string]*FileStatus)
	s.order = nil
	s.emitter.Emit("extraction:staged", s.stagedSnapshotLocked())
}

// RetryStagedFile resets a failed staged file to pending. Only recoverable
// failures may be retried; structural problems would fail the same way again.
func (s *Service) RetryStagedFile(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.staged[id]
	if !ok {
		return fmt.Errorf("no staged file with id %s", id)
	}
	if f.Status != StatusFailed {
		return fmt.Errorf("file %s is not in a failed state", f.Filename)
	}
	if f.Error != nil && !f.Error.Recoverable {
		return fmt.Errorf("file %s failed with a non-recoverable error (%s)", f.Filename, f.Error.Code)
	}

	f.Status = StatusPending
	f.Progress = 0
	f.Error = nil
	s.emitter.Emit("extraction:staged", s.stagedSnapshotLocked())
	return nil
}

// RetryAllFailed resets every recoverable failed staged file to pending and
// returns how many were reset
func (s *Service) RetryAllFailed() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, f := range s.staged {
		if f.Status == StatusFailed && (f.Error == nil || f.Error.Recoverable) {
			f.Status = StatusPending
			f.Progress = 0
			f.Error = nil
			count++
		}
	}
	if count > 0 {
		s.emitter.Emit("extraction:staged", s.stagedSnapshotLocked())
	}
	return count
}

// StagedFiles returns the staged files in insertion order
func (s *Service) StagedFiles() []FileStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stagedSnapshotLocked()
}

func (s *Service) stagedSnapshotLocked() []FileStatus {
	out := make([]FileStatus, 0, len(s.order))
	for _, id := range s.order {
		if f, ok := s.staged[id]; ok {
			out = append(out, *f)
		}
	}
	return out
}

// ====================================================================================
// Submission
// ====================================================================================

// SubmitStaged uploads all pending staged files as one batch. On success the
// files move under the new batch id and the batch is tracked; on failure
// every submitted file is marked failed with a recoverable network error and
// nothing is tracked.
func (s *Service) SubmitStaged(ctx context.Context, opts api.SubmitOptions) (*api.BatchSubmission, error) {
	s.mu.Lock()
	var pending []*FileStatus
	for _, id := range s.order {
		f := s.staged[id]
		if f != nil && f.Status == StatusPending {
			f.Status = StatusUploading
			pending = append(pending, f)
		}
	}
	s.mu.Unlock()

	if len(pending) == 0 {
		return nil, fmt.Errorf("no pending files to submit")
	}

	paths := make([]string, len(pending))
	for i, f := range pending {
		paths[i] = f.Path
	}

	result, err := s.submitter.SubmitBatch(ctx, paths, opts)
	if err != nil {
		s.mu.Lock()
		for _, f := range pending {
			f.Status = StatusFailed
			f.Progress = 100
			f.Error = NewFileError(ErrorNetwork, "failed to reach the extraction server")
		}
		s.mu.Unlock()
		s.emitter.Emit("extraction:staged", s.StagedFiles())
		return nil, err
	}

	now := s.clock()
	s.mu.Lock()
	s.tracked[result.BatchID] = true
	batch := &BatchProgress{
		BatchID:    result.BatchID,
		TotalFiles: len(pending),
		StartedAt:  now,
	}
	s.batches[result.BatchID] = batch
	s.files[result.BatchID] = make(map[string]*FileStatus)
	for _, f := range pending {
		f.Status = StatusProcessing
		startedAt := now
		f.StartedAt = &startedAt
		s.files[result.BatchID][f.Filename] = f
		delete(s.staged, f.ID)
	}
	s.order = filterOrder(s.order, s.staged)
	batchSnapshot := *batch
	s.mu.Unlock()

	log.Printf("Batch %s submitted with %d files", result.BatchID, len(pending))
	s.emitter.Emit("extraction:staged", s.StagedFiles())
	s.emitter.Emit("extraction:progress", batchSnapshot)
	return result, nil
}

func filterOrder(order []string, staged map[string]*FileStatus) []string {
	out := order[:0]
	for _, id := range order {
		if _, ok := staged[id]; ok {
			out = append(out, id)
		}
	}
	return out
}

// Track subscribes the aggregator to a batch id it did not initiate
// (e.g. one discovered through the admin stream by an operator action).
// Events for batch ids never tracked are ignored without side effects.
func (s *Service) Track(batchID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracked[batchID] = true
}

// ====================================================================================
// Event application (aggregator core)
// ====================================================================================

// ApplyBatchEvent applies one demultiplexed stream event as a state
// transition. Transitions are idempotent under replay: a terminal file status
// is never overwritten and counters only increment on the non-terminal to
// terminal edge, so duplicate delivery across a reconnect cannot
// double-count.
func (s *Service) ApplyBatchEvent(ev stream.BatchEvent) {
	s.mu.Lock()

	if !s.tracked[ev.BatchID] {
		s.ignored++
		s.mu.Unlock()
		return
	}

	if ev.Kind == stream.KindBatchComplete {
		s.completeBatchLocked(ev.BatchID)
		return // completeBatchLocked releases the lock
	}

	batch := s.ensureBatchLocked(ev.BatchID)
	file := s.ensureFileLocked(batch, ev.Filename)
	if file == nil {
		s.mu.Unlock()
		return
	}

	now := s.clock()
	switch ev.Kind {
	case stream.KindFileStart:
		if !file.Status.Terminal() {
			file.Status = StatusProcessing
			file.Progress = 50
			if file.StartedAt == nil {
				file.StartedAt = &now
			}
		}
		batch.CurrentFile = ev.Filename

	case stream.KindFileComplete:
		if !file.Status.Terminal() {
			batch.Completed++
			s.daily.Completed++
			file.Status = StatusComplete
			file.Progress = 100
			file.DocumentID = ev.DocumentID
			file.Error = nil
			file.CompletedAt = &now
			s.accumulateConfidenceLocked(batch, ev.ConfidenceScore)
		}

	case stream.KindFileWarning:
		if !file.Status.Terminal() {
			batch.Partial++
			s.daily.Partial++
			file.Status = StatusPartial
			file.Progress = 100
			file.DocumentID = ev.DocumentID
			file.Error = NewFileError(WarningPartial, ev.Message)
			file.CompletedAt = &now
			s.accumulateConfidenceLocked(batch, ev.ConfidenceScore)
		}

	case stream.KindFileError:
		if !file.Status.Terminal() {
			batch.Failed++
			s.daily.Failed++
			file.Status = StatusFailed
			file.Progress = 100
			file.Error = NewFileError(classifyCode(ev.ErrorType), ev.Error)
			file.CompletedAt = &now
		}
	}

	batchSnapshot := *batch
	s.mu.Unlock()

	s.emitter.Emit("extraction:progress", batchSnapshot)
}

// ensureBatchLocked returns the batch record for a tracked id, synthesizing
// it when events win the race against the submission bookkeeping
func (s *Service) ensureBatchLocked(batchID string) *BatchProgress {
	if b, ok := s.batches[batchID]; ok {
		return b
	}
	b := &BatchProgress{
		BatchID:   batchID,
		StartedAt: s.clock(),
	}
	s.batches[batchID] = b
	s.files[batchID] = make(map[string]*FileStatus)
	log.Printf("Batch %s: record synthesized from stream event before submission bookkeeping", batchID)
	return b
}

// ensureFileLocked matches an event to its file record by filename. Unknown
// filenames get a synthesized record so events are never silently lost; the
// counter makes server-side mismatches observable instead of invisible.
func (s *Service) ensureFileLocked(batch *BatchProgress, filename string) *FileStatus {
	if filename == "" {
		return nil
	}
	if f, ok := s.files[batch.BatchID][filename]; ok {
		return f
	}
	f := &FileStatus{
		ID:       uuid.New().String(),
		Filename: filename,
		Status:   StatusPending,
	}
	s.files[batch.BatchID][filename] = f
	s.synthesized++
	if n := len(s.files[batch.BatchID]); n > batch.TotalFiles {
		batch.TotalFiles = n
	}
	log.Printf("Batch %s: synthesized file record for unmatched filename %q", batch.BatchID, filename)
	return f
}

func (s *Service) accumulateConfidenceLocked(batch *BatchProgress, score float64) {
	if score > 0 {
		batch.confidenceSum += score
		batch.confidenceCount++
	}
}

// completeBatchLocked handles the terminal event: derive the summary, drop
// the batch from the active set, persist the history row, notify the sink.
// Entered holding s.mu; releases it before calling out.
func (s *Service) completeBatchLocked(batchID string) {
	batch, ok := s.batches[batchID]
	if !ok {
		// Duplicate terminal event after processing: safe no-op
		s.mu.Unlock()
		return
	}

	summary := BatchSummary{
		BatchID:      batchID,
		TotalFiles:   batch.TotalFiles,
		SuccessCount: batch.Completed,
		WarningCount: batch.Partial,
		ErrorCount:   batch.Failed,
	}
	if batch.confidenceCount > 0 {
		avg := batch.confidenceSum / float64(batch.confidenceCount)
		summary.AvgConfidence = &avg
	}
	now := s.clock()
	if !batch.StartedAt.IsZero() {
		secs := now.Sub(batch.StartedAt).Seconds()
		summary.ProcessingTimeSeconds = &secs
	}
	startedAt := batch.StartedAt

	delete(s.batches, batchID)
	delete(s.files, batchID)
	delete(s.tracked, batchID)
	sink := s.sink
	s.mu.Unlock()

	log.Printf("Batch %s complete: %d ok, %d warnings, %d errors of %d files",
		batchID, summary.SuccessCount, summary.WarningCount, summary.ErrorCount, summary.TotalFiles)

	s.persistRecord(summary, startedAt, now)
	s.emitter.Emit("extraction:batch_complete", summary)
	if sink != nil {
		sink.BatchCompleted(summary)
	}
}

// persistRecord writes the finished batch to history
func (s *Service) persistRecord(summary BatchSummary, startedAt, completedAt time.Time) {
	if s.db == nil {
		return
	}
	record := models.BatchRecord{
		BatchID:               summary.BatchID,
		StartedAt:             startedAt,
		CompletedAt:           &completedAt,
		TotalFiles:            summary.TotalFiles,
		SuccessCount:          summary.SuccessCount,
		WarningCount:          summary.WarningCount,
		ErrorCount:            summary.ErrorCount,
		AvgConfidence:         summary.AvgConfidence,
		ProcessingTimeSeconds: summary.ProcessingTimeSeconds,
		Status:                "completed",
	}
	if err := s.db.Save(&record).Error; err != nil {
		log.Printf("Failed to persist batch record %s: %v", summary.BatchID, err)
	}
}

// ====================================================================================
// Read side
// ====================================================================================

// ActiveBatches returns a snapshot of every batch still being tracked
func (s *Service) ActiveBatches() []BatchProgress {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]BatchProgress, 0, len(s.batches))
	for _, b := range s.batches {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// BatchFiles returns a snapshot of the file records for one batch,
// ordered by filename
func (s *Service) BatchFiles(batchID string) []FileStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	files := s.files[batchID]
	out := make([]FileStatus, 0, len(files))
	for _, f := range files {
		out = append(out, *f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Filename < out[j].Filename })
	return out
}

// Stats returns the running daily counters
func (s *Service) Stats() DailyStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.daily
}

// ResetDailyStats zeroes the daily counters (called at day rollover)
func (s *Service) ResetDailyStats() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.daily = DailyStats{}
}

// SynthesizedFiles counts file records created for unmatched filenames;
// a steadily climbing value points at a correlation bug
func (s *Service) SynthesizedFiles() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.synthesized
}

// IgnoredEvents counts events dropped because their batch id was never tracked
func (s *Service) IgnoredEvents() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ignored
}

// BatchHistory returns persisted batch summaries, newest first
func (s *Service) BatchHistory(limit, offset int) ([]models.BatchRecord, error) {
	if s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}
	var records []models.BatchRecord
	if err := s.db.Order("started_at DESC").Limit(limit).Offset(offset).Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to load batch history: %w", err)
	}
	return records, nil
}
