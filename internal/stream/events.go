package stream

import (
	"encoding/json"
	"fmt"
)

// EventKind is the closed set of event types the extraction pipeline emits.
// Unknown names map to KindUnknown so new server events degrade to a counted
// drop instead of a silent fallthrough.
type EventKind int

const (
	KindUnknown EventKind = iota
	KindWorkersUpdate
	KindMetricsUpdate
	KindFileStart
	KindFileComplete
	KindFileWarning
	KindFileError
	KindBatchComplete
)

// Event names as they appear on the wire. EventNames lists every name a
// connection should subscribe to.
const (
	EventWorkersUpdate = "workers_update"
	EventMetricsUpdate = "metrics_update"
	EventBatchProgress = "batch_progress"
	EventFileStart     = "file_start"
	EventFileComplete  = "file_complete"
	EventFileWarning   = "file_warning"
	EventFileError     = "file_error"
	EventBatchComplete = "batch_complete"
)

// EventNames enumerates the wire-level event names carrying pipeline events
var EventNames = []string{
	EventWorkersUpdate,
	EventMetricsUpdate,
	EventBatchProgress,
	EventFileStart,
	EventFileComplete,
	EventFileWarning,
	EventFileError,
	EventBatchComplete,
}

// KindOf maps a wire event name to its kind. The combined batch_progress
// event carries its fine-grained kind in the payload's "type" field and is
// resolved by decodeBatchEvent instead.
func KindOf(name string) EventKind {
	switch name {
	case EventWorkersUpdate:
		return KindWorkersUpdate
	case EventMetricsUpdate:
		return KindMetricsUpdate
	case EventFileStart:
		return KindFileStart
	case EventFileComplete:
		return KindFileComplete
	case EventFileWarning:
		return KindFileWarning
	case EventFileError:
		return KindFileError
	case EventBatchComplete:
		return KindBatchComplete
	default:
		return KindUnknown
	}
}

func (k EventKind) String() string {
	switch k {
	case KindWorkersUpdate:
		return EventWorkersUpdate
	case KindMetricsUpdate:
		return EventMetricsUpdate
	case KindFileStart:
		return EventFileStart
	case KindFileComplete:
		return EventFileComplete
	case KindFileWarning:
		return EventFileWarning
	case KindFileError:
		return EventFileError
	case KindBatchComplete:
		return EventBatchComplete
	default:
		return "unknown"
	}
}

// Worker is one processing worker in the pipeline's roster
type Worker struct {
	Hostname       string   `json:"hostname"`
	Status         string   `json:"status"` // online, offline, busy
	ActiveTasks    int      `json:"active_tasks"`
	ProcessedTotal int      `json:"processed_total"`
	FailedTotal    int      `json:"failed_total"`
	LastHeartbeat  string   `json:"last_heartbeat"`
	Queues         []string `json:"queues"`
	CurrentTask    *struct {
		ID        string `json:"id"`
		Name      string `json:"name"`
		StartedAt string `json:"started_at"`
	} `json:"current_task,omitempty"`
}

// WorkersUpdate is a full snapshot replace of the worker roster
type WorkersUpdate struct {
	Workers          []Worker `json:"workers"`
	Timestamp        string   `json:"timestamp"`
	WorkersAvailable bool     `json:"celery_available"`
}

// MetricsUpdate is a full snapshot replace of pipeline performance metrics
type MetricsUpdate struct {
	Timestamp         string `json:"timestamp"`
	ActiveProcessings int    `json:"active_processings"`
	RecentFailures    int    `json:"recent_failures"`
	Stats             struct {
		TotalProcessed int     `json:"total_processed"`
		SuccessRate    float64 `json:"success_rate"`
	} `json:"stats"`
}

// BatchEvent is a batch-scoped progress event, already resolved to its kind.
// BatchID is the correlation key; Filename matches the event to a file record.
type BatchEvent struct {
	Kind             EventKind
	BatchID          string
	Filename         string
	DocumentID       int64
	Message          string
	Error            string
	ErrorType        string
	TemplateUsed     string
	ConfidenceScore  float64
	ProcessingTimeMS int64
}

// batchEventPayload is the wire shape shared by all batch-scoped events
type batchEventPayload struct {
	Type             string  `json:"type"`
	BatchID          string  `json:"batch_id"`
	Filename         string  `json:"filename"`
	DocumentID       int64   `json:"document_id"`
	Message          string  `json:"message"`
	Error            string  `json:"error"`
	ErrorType        string  `json:"error_type"`
	TemplateUsed     string  `json:"template_used"`
	ConfidenceScore  float64 `json:"confidence_score"`
	ProcessingTimeMS int64   `json:"processing_time_ms"`
}

// decodeBatchEvent parses a batch-scoped payload. For the combined
// batch_progress event the kind comes from the payload's "type" field;
// fine-grained events carry it in their wire name.
func decodeBatchEvent(kind EventKind, data []byte) (BatchEvent, error) {
	var p batchEventPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return BatchEvent{}, fmt.Errorf("invalid batch event payload: %w", err)
	}

	if kind == KindUnknown {
		kind = KindOf(p.Type)
		if kind == KindUnknown {
			return BatchEvent{}, fmt.Errorf("unknown batch event type %q", p.Type)
		}
	}

	return BatchEvent{
		Kind:             kind,
		BatchID:          p.BatchID,
		Filename:         p.Filename,
		DocumentID:       p.DocumentID,
		Message:          p.Message,
		Error:            p.Error,
		ErrorType:        p.ErrorType,
		TemplateUsed:     p.TemplateUsed,
		ConfidenceScore:  p.ConfidenceScore,
		ProcessingTimeMS: p.ProcessingTimeMS,
	}, nil
}
