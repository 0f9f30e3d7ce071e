package main

import (
	"context"
	"log"
	"os"
	"sync"

	"github.com/wailsapp/wails/v2/pkg/runtime"
	"gorm.io/gorm"

	"extractmon-desktop/internal/api"
	"extractmon-desktop/internal/database"
	"extractmon-desktop/internal/models"
	"extractmon-desktop/internal/services/extraction"
	"extractmon-desktop/internal/services/monitor"
	"extractmon-desktop/internal/services/notify"
	"extractmon-desktop/internal/services/scheduler"
	"extractmon-desktop/internal/stream"
)

// App struct - main application state
type App struct {
	ctx context.Context
	db  *gorm.DB

	apiClient         *api.Client
	extractionService *extraction.Service
	notifyService     *notify.Service
	monitorService    *monitor.Service
	schedulerService  *scheduler.Service

	streamMu     sync.Mutex
	batchStreams map[string]*stream.Connection // batch id -> dedicated stream
}

// NewApp creates a new App application struct
func NewApp() *App {
	return &App{
		batchStreams: make(map[string]*stream.Connection),
	}
}

// wailsEmitter pushes service events to the frontend through the Wails runtime
type wailsEmitter struct {
	ctx context.Context
}

func (e *wailsEmitter) Emit(name string, data ...interface{}) {
	runtime.EventsEmit(e.ctx, name, data...)
}

// startup is called when the app starts. The context is saved
// so we can call the runtime methods
func (a *App) startup(ctx context.Context) {
	a.ctx = ctx
	log.Println("Application starting up...")

	apiURL := os.Getenv("EXTRACT_API_URL")
	if apiURL == "" {
		apiURL = "http://localhost:8000"
	}
	a.apiClient = api.NewClient(apiURL)
	log.Printf("Extraction API: %s", apiURL)

	// Initialize database (history persistence is best-effort; live
	// monitoring works without it)
	db, err := database.Init()
	if err != nil {
		log.Printf("WARNING: Database unavailable, batch history disabled: %v", err)
	}
	a.db = db

	emitter := &wailsEmitter{ctx: ctx}

	a.extractionService = extraction.NewService(db, a.apiClient, emitter)
	log.Println("Extraction service initialized")

	a.notifyService = notify.NewService(emitter)
	a.extractionService.SetCompletionSink(extraction.CompletionFunc(func(s extraction.BatchSummary) {
		a.notifyService.Publish(s)
		a.closeBatchStream(s.BatchID)
	}))
	log.Println("Notification service initialized")

	a.monitorService = monitor.NewService(a.apiClient.AdminStreamURL(), a.extractionService, emitter)
	a.monitorService.Start()
	log.Println("Monitor service initialized")

	if db != nil {
		a.schedulerService = scheduler.NewService(db)
		if err := a.schedulerService.Start(); err != nil {
			log.Printf("WARNING: Failed to start retention scheduler: %v", err)
		} else {
			log.Println("Retention scheduler initialized and started")
		}
	}

	log.Println("Startup complete")
}

// shutdown is called when the app is closing
func (a *App) shutdown(ctx context.Context) {
	log.Println("Application shutting down...")

	a.streamMu.Lock()
	for id, conn := range a.batchStreams {
		conn.Close()
		delete(a.batchStreams, id)
	}
	a.streamMu.Unlock()

	if a.monitorService != nil {
		a.monitorService.Stop()
	}
	if a.notifyService != nil {
		a.notifyService.Stop()
	}
	if a.schedulerService != nil {
		a.schedulerService.Stop()
	}

	if err := database.Close(a.db); err != nil {
		log.Printf("Error closing database: %v", err)
	}

	log.Println("Shutdown complete")
}

// closeBatchStream tears down the dedicated stream for a finished batch.
// Runs in its own goroutine because completion is delivered on the stream's
// read goroutine.
func (a *App) closeBatchStream(batchID string) {
	a.streamMu.Lock()
	conn, ok := a.batchStreams[batchID]
	delete(a.batchStreams, batchID)
	a.streamMu.Unlock()

	if ok {
		go conn.Close()
	}
}

// ====================================================================================
// WAILS-BOUND METHODS - Exposed to Frontend
// ====================================================================================

// File staging

// StageFiles validates and stages local files for submission
func (a *App) StageFiles(paths []string) []extraction.FileStatus {
	return a.extractionService.StageFiles(paths)
}

// StagedFiles returns the current staging area
func (a *App) StagedFiles() []extraction.FileStatus {
	return a.extractionService.StagedFiles()
}

// RemoveStagedFile drops one staged file
func (a *App) RemoveStagedFile(id string) {
	a.extractionService.RemoveStagedFile(id)
}

// ClearStagedFiles empties the staging area
func (a *App) ClearStagedFiles() {
	a.extractionService.ClearStaged()
}

// RetryStagedFile resets a recoverable failed file to pending
func (a *App) RetryStagedFile(id string) error {
	return a.extractionService.RetryStagedFile(id)
}

// RetryAllFailed resets every recoverable failed staged file
func (a *App) RetryAllFailed() int {
	return a.extractionService.RetryAllFailed()
}

// Batch submission and progress

// SubmitBatch submits all pending staged files and opens a dedicated
// progress stream for the new batch
func (a *App) SubmitBatch(templateName string, minConfidence float64) (*api.BatchSubmission, error) {
	result, err := a.extractionService.SubmitStaged(a.ctx, api.SubmitOptions{
		TemplateName:  templateName,
		MinConfidence: minConfidence,
	})
	if err != nil {
		return nil, err
	}

	a.openBatchStream(result.BatchID)
	return result, nil
}

// openBatchStream dials the batch-scoped stream with the tighter retry
// bounds used for short-lived streams
func (a *App) openBatchStream(batchID string) {
	demux := stream.NewDemux(nil, nil, a.extractionService)

	opts := stream.BatchOptions()
	opts.OnStateChange = func(state stream.State) {
		runtime.EventsEmit(a.ctx, "stream:batch_state", map[string]interface{}{
			"batch_id": batchID,
			"state":    string(state),
		})
	}

	conn := stream.Open(a.apiClient.BatchStreamURL(batchID), opts)
	for _, name := range stream.EventNames {
		conn.AddListener(name, demux.HandleEvent)
	}

	a.streamMu.Lock()
	a.batchStreams[batchID] = conn
	a.streamMu.Unlock()
}

// ActiveBatches returns every batch currently being tracked
func (a *App) ActiveBatches() []extraction.BatchProgress {
	return a.extractionService.ActiveBatches()
}

// BatchFiles returns per-file progress for one batch
func (a *App) BatchFiles(batchID string) []extraction.FileStatus {
	return a.extractionService.BatchFiles(batchID)
}

// DailyStats returns the running daily counters
func (a *App) DailyStats() extraction.DailyStats {
	return a.extractionService.Stats()
}

// ResetDailyStats zeroes the daily counters
func (a *App) ResetDailyStats() {
	a.extractionService.ResetDailyStats()
}

// Monitoring

// GetWorkers returns the latest worker roster snapshot from the stream
func (a *App) GetWorkers() stream.WorkersUpdate {
	return a.monitorService.Workers()
}

// FetchWorkers fetches the roster over REST, the fallback while the
// stream is down
func (a *App) FetchWorkers() ([]stream.Worker, error) {
	return a.apiClient.GetWorkers(a.ctx)
}

// GetMetrics returns the latest metrics snapshot
func (a *App) GetMetrics() *stream.MetricsUpdate {
	return a.monitorService.Metrics()
}

// StreamState reports the admin stream's lifecycle state
func (a *App) StreamState() string {
	return string(a.monitorService.StreamState())
}

// ReconnectStream manually re-dials the admin stream after it failed
func (a *App) ReconnectStream() {
	a.monitorService.Reconnect()
}

// Notifications

// ActiveNotifications returns the currently visible completion banners
func (a *App) ActiveNotifications() []notify.Notification {
	return a.notifyService.Active()
}

// DismissNotification removes a banner and cancels its countdown
func (a *App) DismissNotification(id string) {
	a.notifyService.Dismiss(id)
}

// History

// GetBatchHistory returns persisted batch summaries, newest first
func (a *App) GetBatchHistory(limit, offset int) ([]models.BatchRecord, error) {
	return a.extractionService.BatchHistory(limit, offset)
}

// PruneHistoryNow runs the retention pruning immediately
func (a *App) PruneHistoryNow() (int64, error) {
	if a.schedulerService == nil {
		return 0, nil
	}
	return a.schedulerService.PruneNow()
}
