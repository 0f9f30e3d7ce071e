package notify

import (
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"extractmon-desktop/internal/frontend"
	"extractmon-desktop/internal/services/extraction"
)

// Outcome classifies a finished batch purely from its counts
type Outcome string

const (
	OutcomeSuccess Outcome = "success" // no warnings, no errors
	OutcomePartial Outcome = "partial" // mixed results
	OutcomeFailed  Outcome = "failed"  // errors and nothing succeeded
)

// Classify derives the overall outcome from a batch summary
func Classify(s extraction.BatchSummary) Outcome {
	switch {
	case s.ErrorCount == 0 && s.WarningCount == 0:
		return OutcomeSuccess
	case s.ErrorCount > 0 && s.SuccessCount == 0 && s.WarningCount == 0:
		return OutcomeFailed
	default:
		return OutcomePartial
	}
}

// Notification is one visible completion banner
type Notification struct {
	ID        string                  `json:"id"`
	Summary   extraction.BatchSummary `json:"summary"`
	Outcome   Outcome                 `json:"outcome"`
	CreatedAt time.Time               `json:"created_at"`
	ExpiresAt time.Time               `json:"expires_at"`
}

type entry struct {
	notification Notification
	cancel       chan struct{}
}

// Service turns batch completion summaries into user-facing notifications
// with auto-expiry. Dismissal is irreversible per notification; a new
// terminal event produces a new instance.
type Service struct {
	mu      sync.Mutex
	active  map[string]*entry
	emitter frontend.Emitter

	autoDismiss time.Duration
	tick        time.Duration
	clock       func() time.Time
}

const (
	defaultAutoDismiss = 15 * time.Second
	defaultTick        = 50 * time.Millisecond
)

// NewService creates the notification service with the default 15 s
// auto-dismiss and 50 ms tick
func NewService(emitter frontend.Emitter) *Service {
	if emitter == nil {
		emitter = frontend.NopEmitter{}
	}
	return &Service{
		active:      make(map[string]*entry),
		emitter:     emitter,
		autoDismiss: defaultAutoDismiss,
		tick:        defaultTick,
		clock:       time.Now,
	}
}

// BatchCompleted implements extraction.CompletionSink
func (s *Service) BatchCompleted(summary extraction.BatchSummary) {
	s.Publish(summary)
}

// Publish raises a notification for a finished batch and starts its
// auto-dismiss countdown. Returns the notification id.
func (s *Service) Publish(summary extraction.BatchSummary) string {
	now := s.clock()
	n := Notification{
		ID:        uuid.New().String(),
		Summary:   summary,
		Outcome:   Classify(summary),
		CreatedAt: now,
		ExpiresAt: now.Add(s.autoDismiss),
	}
	e := &entry{notification: n, cancel: make(chan struct{})}

	s.mu.Lock()
	s.active[n.ID] = e
	s.mu.Unlock()

	s.emitter.Emit("notify:batch_complete", n)
	log.Printf("Notification %s: batch %s %s", n.ID, summary.BatchID, n.Outcome)

	if s.autoDismiss > 0 {
		go s.countdown(e)
	}
	return n.ID
}

// countdown re-derives the remaining fraction from the wall clock on every
// tick, so a suspended process fires on schedule once resumed instead of
// drifting by however many ticks were throttled away.
func (s *Service) countdown(e *entry) {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	total := e.notification.ExpiresAt.Sub(e.notification.CreatedAt)
	for {
		select {
		case <-e.cancel:
			return
		case <-ticker.C:
			remaining := e.notification.ExpiresAt.Sub(s.clock())
			if remaining <= 0 {
				s.Dismiss(e.notification.ID)
				return
			}
			fraction := float64(remaining) / float64(total)
			s.emitter.Emit("notify:countdown", map[string]interface{}{
				"id":       e.notification.ID,
				"fraction": fraction,
			})
		}
	}
}

// Dismiss removes a notification and cancels its countdown. Safe to call
// more than once; later calls are no-ops.
func (s *Service) Dismiss(id string) {
	s.mu.Lock()
	e, ok := s.active[id]
	if ok {
		delete(s.active, id)
		close(e.cancel)
	}
	s.mu.Unlock()

	if ok {
		s.emitter.Emit("notify:dismissed", id)
	}
}

// Active returns the currently visible notifications, oldest first
func (s *Service) Active() []Notification {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Notification, 0, len(s.active))
	for _, e := range s.active {
		out = append(out, e.notification)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Stop dismisses everything; no countdown goroutine survives teardown
func (s *Service) Stop() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.active))
	for id := range s.active {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		s.Dismiss(id)
	}
}
