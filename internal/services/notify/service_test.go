package notify

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"extractmon-desktop/internal/services/extraction"
)

type recordingEmitter struct {
	mu     sync.Mutex
	events []string
}

func (e *recordingEmitter) Emit(name string, data ...interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, name)
}

func (e *recordingEmitter) count(name string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, ev := range e.events {
		if ev == name {
			n++
		}
	}
	return n
}

func summary(success, warnings, errors int) extraction.BatchSummary {
	return extraction.BatchSummary{
		BatchID:      "b1",
		TotalFiles:   success + warnings + errors,
		SuccessCount: success,
		WarningCount: warnings,
		ErrorCount:   errors,
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		success  int
		warnings int
		errors   int
		want     Outcome
	}{
		{"Should classify a clean batch as success", 3, 0, 0, OutcomeSuccess},
		{"Should classify an empty batch as success", 0, 0, 0, OutcomeSuccess},
		{"Should classify total failure as failed", 0, 0, 3, OutcomeFailed},
		{"Should classify mixed results as partial", 2, 0, 1, OutcomePartial},
		{"Should classify warnings as partial", 2, 1, 0, OutcomePartial},
		{"Should classify warnings with errors as partial", 0, 1, 2, OutcomePartial},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(summary(tt.success, tt.warnings, tt.errors)))
		})
	}
}

func TestPublish(t *testing.T) {
	t.Run("Should raise a banner with the classified outcome", func(t *testing.T) {
		emitter := &recordingEmitter{}
		s := NewService(emitter)
		defer s.Stop()

		id := s.Publish(summary(2, 0, 1))

		require.NotEmpty(t, id)
		active := s.Active()
		require.Len(t, active, 1)
		assert.Equal(t, id, active[0].ID)
		assert.Equal(t, OutcomePartial, active[0].Outcome)
		assert.Equal(t, 1, emitter.count("notify:batch_complete"))
	})

	t.Run("Should list notifications oldest first", func(t *testing.T) {
		s := NewService(nil)
		s.autoDismiss = 0 // no countdown noise
		base := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
		current := base
		s.clock = func() time.Time { return current }

		first := s.Publish(summary(1, 0, 0))
		current = base.Add(time.Second)
		second := s.Publish(summary(0, 0, 1))

		active := s.Active()
		require.Len(t, active, 2)
		assert.Equal(t, first, active[0].ID)
		assert.Equal(t, second, active[1].ID)
	})
}

func TestAutoDismiss(t *testing.T) {
	t.Run("Should auto dismiss after the configured duration", func(t *testing.T) {
		emitter := &recordingEmitter{}
		s := NewService(emitter)
		s.autoDismiss = 80 * time.Millisecond
		s.tick = 5 * time.Millisecond

		s.Publish(summary(1, 0, 0))

		require.Eventually(t, func() bool {
			return len(s.Active()) == 0
		}, 2*time.Second, 5*time.Millisecond, "banner should expire on its own")
		assert.Equal(t, 1, emitter.count("notify:dismissed"))
	})

	t.Run("Should emit countdown progress while visible", func(t *testing.T) {
		emitter := &recordingEmitter{}
		s := NewService(emitter)
		s.autoDismiss = 100 * time.Millisecond
		s.tick = 10 * time.Millisecond

		s.Publish(summary(1, 0, 0))

		require.Eventually(t, func() bool {
			return emitter.count("notify:countdown") >= 2
		}, 2*time.Second, 5*time.Millisecond)
		s.Stop()
	})

	t.Run("Should anchor expiry to the wall clock, not tick counting", func(t *testing.T) {
		// Simulates a throttled timer: the clock jumps past the deadline
		// while ticks were suppressed, and the next tick must dismiss.
		emitter := &recordingEmitter{}
		s := NewService(emitter)
		s.autoDismiss = 10 * time.Second
		s.tick = 5 * time.Millisecond

		base := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
		var mu sync.Mutex
		current := base
		s.clock = func() time.Time {
			mu.Lock()
			defer mu.Unlock()
			return current
		}

		s.Publish(summary(1, 0, 0))
		require.Len(t, s.Active(), 1)

		mu.Lock()
		current = base.Add(11 * time.Second)
		mu.Unlock()

		require.Eventually(t, func() bool {
			return len(s.Active()) == 0
		}, 2*time.Second, 5*time.Millisecond, "one tick after the deadline passes, the banner goes")
	})
}

func TestDismiss(t *testing.T) {
	t.Run("Should cancel the countdown on manual dismiss", func(t *testing.T) {
		emitter := &recordingEmitter{}
		s := NewService(emitter)
		s.autoDismiss = 60 * time.Millisecond
		s.tick = 5 * time.Millisecond

		id := s.Publish(summary(1, 0, 0))
		s.Dismiss(id)

		assert.Empty(t, s.Active())

		// Past the auto-dismiss deadline, still exactly one dismissal
		time.Sleep(100 * time.Millisecond)
		assert.Equal(t, 1, emitter.count("notify:dismissed"))
	})

	t.Run("Should treat repeated dismissal as a no-op", func(t *testing.T) {
		emitter := &recordingEmitter{}
		s := NewService(emitter)
		s.autoDismiss = 0

		id := s.Publish(summary(0, 0, 1))
		s.Dismiss(id)
		s.Dismiss(id)
		s.Dismiss("no-such-id")

		assert.Equal(t, 1, emitter.count("notify:dismissed"))
	})

	t.Run("Should dismiss everything on stop", func(t *testing.T) {
		s := NewService(nil)
		s.autoDismiss = 0

		s.Publish(summary(1, 0, 0))
		s.Publish(summary(0, 0, 1))
		require.Len(t, s.Active(), 2)

		s.Stop()
		assert.Empty(t, s.Active())
	})
}
