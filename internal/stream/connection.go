package stream

import (
	"context"
	"log"
	"math/rand"
	"sync"
	"time"
)

// State represents the lifecycle state of a Connection
type State string

const (
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateClosed       State = "closed"
	StateFailed       State = "failed"
)

// Event is a single server-push event with its declared name and raw payload
type Event struct {
	Name string
	Data []byte
}

// Handler receives events for a registered event name
type Handler func(Event)

// ListenerID identifies a registered handler so it can be removed later
type ListenerID int

// Reader delivers events from one live transport connection.
// Next blocks until an event arrives or the connection dies.
type Reader interface {
	Next() (Event, error)
	Close() error
}

// Transport dials the event stream. Production code uses the SSE transport;
// tests substitute fakes to simulate drops.
type Transport interface {
	Connect(ctx context.Context, url string) (Reader, error)
}

// Options configures a Connection's retry behavior and callbacks
type Options struct {
	MaxRetries          int
	InitialRetryDelay   time.Duration
	MaxRetryDelay       time.Duration
	OnReconnect         func(attempt int)
	OnMaxRetriesReached func()
	OnStateChange       func(State)
	Transport           Transport
}

// DefaultOptions returns the retry policy for the long-lived admin stream
func DefaultOptions() Options {
	return Options{
		MaxRetries:        10,
		InitialRetryDelay: 1 * time.Second,
		MaxRetryDelay:     30 * time.Second,
	}
}

// BatchOptions returns the tighter retry policy used for batch-scoped streams,
// which are short-lived compared to the admin stream
func BatchOptions() Options {
	return Options{
		MaxRetries:        5,
		InitialRetryDelay: 1 * time.Second,
		MaxRetryDelay:     10 * time.Second,
	}
}

// Connection maintains a persistent server-push connection with automatic
// reconnection, exponential backoff with jitter and bounded retries.
// Registered listeners survive any number of reconnects. Connection errors are
// never surfaced to callers directly; they appear only as state transitions.
type Connection struct {
	url  string
	opts Options

	mu         sync.Mutex
	state      State
	retryCount int
	listeners  map[string]map[ListenerID]Handler
	nextID     ListenerID
	reader     Reader
	closed     bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// Open constructs a Connection and begins connecting immediately
func Open(url string, opts Options) *Connection {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 10
	}
	if opts.InitialRetryDelay <= 0 {
		opts.InitialRetryDelay = 1 * time.Second
	}
	if opts.MaxRetryDelay <= 0 {
		opts.MaxRetryDelay = 30 * time.Second
	}
	if opts.OnReconnect == nil {
		opts.OnReconnect = func(int) {}
	}
	if opts.OnMaxRetriesReached == nil {
		opts.OnMaxRetriesReached = func() {}
	}
	if opts.OnStateChange == nil {
		opts.OnStateChange = func(State) {}
	}
	if opts.Transport == nil {
		opts.Transport = NewSSETransport()
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		url:       url,
		opts:      opts,
		state:     StateConnecting,
		listeners: make(map[string]map[ListenerID]Handler),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	go c.run()
	return c
}

// run owns the transport for the lifetime of the connection. Connecting,
// reading and reconnecting happen sequentially in this goroutine, so there is
// never more than one live transport at a time.
func (c *Connection) run() {
	defer close(c.done)

	for {
		if c.ctx.Err() != nil {
			return
		}

		reader, err := c.opts.Transport.Connect(c.ctx, c.url)
		if err == nil {
			c.mu.Lock()
			if c.closed {
				c.mu.Unlock()
				reader.Close()
				return
			}
			c.reader = reader
			c.retryCount = 0
			c.mu.Unlock()
			c.setState(StateConnected)

			c.readLoop(reader)

			reader.Close()
			c.mu.Lock()
			c.reader = nil
			c.mu.Unlock()
		}

		if c.ctx.Err() != nil {
			return
		}

		c.mu.Lock()
		if c.retryCount >= c.opts.MaxRetries {
			c.mu.Unlock()
			c.setState(StateFailed)
			c.opts.OnMaxRetriesReached()
			return
		}
		c.retryCount++
		attempt := c.retryCount
		c.mu.Unlock()

		c.setState(StateReconnecting)
		c.opts.OnReconnect(attempt)

		delay := c.retryDelay(attempt)
		log.Printf("Stream %s: reconnect attempt %d/%d in %v", c.url, attempt, c.opts.MaxRetries, delay)

		select {
		case <-time.After(delay):
		case <-c.ctx.Done():
			return
		}

		c.setState(StateConnecting)
	}
}

// readLoop dispatches events from one transport connection until it dies
func (c *Connection) readLoop(reader Reader) {
	for {
		ev, err := reader.Next()
		if err != nil {
			return
		}
		c.dispatch(ev)
	}
}

// dispatch invokes every handler registered for the event's name.
// Handlers run synchronously in the read goroutine, preserving the order
// events arrived on this connection.
func (c *Connection) dispatch(ev Event) {
	c.mu.Lock()
	set := c.listeners[ev.Name]
	handlers := make([]Handler, 0, len(set))
	for _, h := range set {
		handlers = append(handlers, h)
	}
	c.mu.Unlock()

	for _, h := range handlers {
		h(ev)
	}
}

// retryDelay computes the backoff before the given attempt:
// min(initial * 2^(attempt-1), max) plus up to 25% random jitter.
func (c *Connection) retryDelay(attempt int) time.Duration {
	base := c.opts.InitialRetryDelay
	for i := 1; i < attempt && base < c.opts.MaxRetryDelay; i++ {
		base *= 2
	}
	if base > c.opts.MaxRetryDelay {
		base = c.opts.MaxRetryDelay
	}
	jitter := time.Duration(rand.Float64() * 0.25 * float64(base))
	return base + jitter
}

// setState transitions the connection state, notifying only on actual change.
// closed is final: once Close has run, no other state may be reported, even if
// the run goroutine wakes from a retry wait afterwards.
func (c *Connection) setState(s State) {
	c.mu.Lock()
	if c.state == s || (c.closed && s != StateClosed) {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.mu.Unlock()
	c.opts.OnStateChange(s)
}

// AddListener registers a handler for a named event. The registration
// survives reconnects; the returned id removes it again.
func (c *Connection) AddListener(name string, h Handler) ListenerID {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	id := c.nextID
	if c.listeners[name] == nil {
		c.listeners[name] = make(map[ListenerID]Handler)
	}
	c.listeners[name][id] = h
	return id
}

// RemoveListener unregisters a handler. Empty name entries are dropped so the
// table does not grow without bound.
func (c *Connection) RemoveListener(name string, id ListenerID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	set := c.listeners[name]
	if set == nil {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(c.listeners, name)
	}
}

// Close terminates the connection permanently: cancels any pending retry,
// closes the live transport, clears all listeners. After Close the connection
// is inert and never reconnects.
func (c *Connection) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	reader := c.reader
	c.listeners = make(map[string]map[ListenerID]Handler)
	c.mu.Unlock()

	c.cancel()
	if reader != nil {
		reader.Close()
	}
	c.setState(StateClosed)
}

// State returns the current lifecycle state
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Done is closed once the connection's run loop has stopped for good,
// either after Close or after retries were exhausted
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// RetryCount returns the number of consecutive failed attempts so far
func (c *Connection) RetryCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retryCount
}
