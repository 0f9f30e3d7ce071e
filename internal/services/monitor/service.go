package monitor

import (
	"log"
	"sync"

	"extractmon-desktop/internal/frontend"
	"extractmon-desktop/internal/stream"
)

// Service owns the admin-wide event stream: worker roster and metrics
// snapshots plus forwarding of batch-scoped events to the aggregator.
// Consumers read snapshots here; they never touch the connection.
type Service struct {
	mu      sync.RWMutex
	workers stream.WorkersUpdate
	metrics *stream.MetricsUpdate
	conn    *stream.Connection
	state   stream.State

	streamURL string
	demux     *stream.Demux
	emitter   frontend.Emitter
	transport stream.Transport // nil means production SSE
}

// NewService creates the monitor. batches receives every batch-scoped event
// from the admin stream (normally the extraction service).
func NewService(streamURL string, batches stream.BatchSink, emitter frontend.Emitter) *Service {
	if emitter == nil {
		emitter = frontend.NopEmitter{}
	}
	s := &Service{
		streamURL: streamURL,
		emitter:   emitter,
		state:     stream.StateClosed,
	}
	s.demux = stream.NewDemux(s, s, batches)
	return s
}

// Start opens the admin stream. Safe to call again after Stop.
func (s *Service) Start() {
	s.mu.Lock()
	if s.conn != nil {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.openConnection()
	log.Printf("Monitor stream opening: %s", s.streamURL)
}

func (s *Service) openConnection() {
	s.mu.RLock()
	transport := s.transport
	s.mu.RUnlock()

	opts := stream.DefaultOptions()
	opts.Transport = transport
	opts.OnStateChange = func(state stream.State) {
		s.mu.Lock()
		s.state = state
		s.mu.Unlock()
		s.emitter.Emit("stream:state", string(state))
	}
	opts.OnReconnect = func(attempt int) {
		s.emitter.Emit("stream:reconnect", attempt)
	}
	opts.OnMaxRetriesReached = func() {
		log.Printf("Admin stream gave up after max retries; manual reconnect required")
	}

	conn := stream.Open(s.streamURL, opts)
	for _, name := range stream.EventNames {
		conn.AddListener(name, s.demux.HandleEvent)
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
}

// Reconnect tears down the current connection (typically one that exhausted
// its retries) and dials fresh. This is the explicit user-triggered recovery
// path; a failed connection never resurrects itself.
func (s *Service) Reconnect() {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	s.openConnection()
	log.Printf("Admin stream reconnect requested")
}

// Stop closes the stream; the service keeps its last snapshots
func (s *Service) Stop() {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}

// ApplyWorkers implements stream.WorkerSink: full snapshot replace
func (s *Service) ApplyWorkers(update stream.WorkersUpdate) {
	s.mu.Lock()
	s.workers = update
	s.mu.Unlock()
	s.emitter.Emit("monitor:workers", update)
}

// ApplyMetrics implements stream.MetricsSink: full snapshot replace
func (s *Service) ApplyMetrics(update stream.MetricsUpdate) {
	s.mu.Lock()
	s.metrics = &update
	s.mu.Unlock()
	s.emitter.Emit("monitor:metrics", update)
}

// Workers returns the latest roster snapshot
func (s *Service) Workers() stream.WorkersUpdate {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.workers
}

// Metrics returns the latest metrics snapshot, or nil before the first update
func (s *Service) Metrics() *stream.MetricsUpdate {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.metrics
}

// BusyWorkers counts roster entries currently marked busy
func (s *Service) BusyWorkers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	busy := 0
	for _, w := range s.workers.Workers {
		if w.Status == "busy" {
			busy++
		}
	}
	return busy
}

// StreamState reports the admin connection's lifecycle state
func (s *Service) StreamState() stream.State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Dropped returns how many malformed events the demultiplexer discarded
func (s *Service) Dropped() int64 {
	return s.demux.Dropped()
}

// SetTransport overrides the stream transport (tests)
func (s *Service) SetTransport(t stream.Transport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transport = t
}
