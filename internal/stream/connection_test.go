package stream

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeReader is a scriptable transport connection
type fakeReader struct {
	events chan Event
	closed chan struct{}
	once   sync.Once
}

func newFakeReader() *fakeReader {
	return &fakeReader{
		events: make(chan Event, 16),
		closed: make(chan struct{}),
	}
}

func (r *fakeReader) Next() (Event, error) {
	select {
	case ev := <-r.events:
		return ev, nil
	case <-r.closed:
		return Event{}, io.EOF
	}
}

func (r *fakeReader) Close() error {
	r.once.Do(func() { close(r.closed) })
	return nil
}

func (r *fakeReader) emit(ev Event) { r.events <- ev }

// drop simulates the server killing the connection
func (r *fakeReader) drop() { r.Close() }

// fakeTransport fails the first N dials, then hands out fakeReaders
type fakeTransport struct {
	mu        sync.Mutex
	failures  int
	connects  int
	connected chan *fakeReader
}

func newFakeTransport(failures int) *fakeTransport {
	return &fakeTransport{
		failures:  failures,
		connected: make(chan *fakeReader, 16),
	}
}

func (t *fakeTransport) Connect(ctx context.Context, url string) (Reader, error) {
	t.mu.Lock()
	t.connects++
	fail := t.connects <= t.failures
	t.mu.Unlock()

	if fail {
		return nil, errors.New("connection refused")
	}
	r := newFakeReader()
	t.connected <- r
	return r, nil
}

func (t *fakeTransport) Connects() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connects
}

func waitForReader(t *testing.T, transport *fakeTransport) *fakeReader {
	t.Helper()
	select {
	case r := <-transport.connected:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("transport was never dialed")
		return nil
	}
}

func waitForState(t *testing.T, c *Connection, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.State() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("connection never reached state %s (still %s)", want, c.State())
}

func fastOptions(transport Transport) Options {
	return Options{
		MaxRetries:        5,
		InitialRetryDelay: 5 * time.Millisecond,
		MaxRetryDelay:     40 * time.Millisecond,
		Transport:         transport,
	}
}

func TestConnectionDelivery(t *testing.T) {
	t.Run("Should deliver events to registered listeners", func(t *testing.T) {
		transport := newFakeTransport(0)
		conn := Open("http://test/stream", fastOptions(transport))
		defer conn.Close()

		received := make(chan Event, 1)
		conn.AddListener("file_complete", func(ev Event) { received <- ev })

		reader := waitForReader(t, transport)
		reader.emit(Event{Name: "file_complete", Data: []byte(`{"batch_id":"b1"}`)})

		select {
		case ev := <-received:
			assert.Equal(t, "file_complete", ev.Name)
			assert.JSONEq(t, `{"batch_id":"b1"}`, string(ev.Data))
		case <-time.After(2 * time.Second):
			t.Fatal("listener was never invoked")
		}
	})

	t.Run("Should not deliver events after RemoveListener", func(t *testing.T) {
		transport := newFakeTransport(0)
		conn := Open("http://test/stream", fastOptions(transport))
		defer conn.Close()

		received := make(chan Event, 4)
		id := conn.AddListener("file_start", func(ev Event) { received <- ev })
		conn.RemoveListener("file_start", id)

		reader := waitForReader(t, transport)
		reader.emit(Event{Name: "file_start", Data: []byte(`{}`)})

		select {
		case <-received:
			t.Fatal("removed listener was invoked")
		case <-time.After(50 * time.Millisecond):
		}

		conn.mu.Lock()
		_, exists := conn.listeners["file_start"]
		conn.mu.Unlock()
		assert.False(t, exists, "empty listener entries should be dropped")
	})
}

func TestConnectionReconnect(t *testing.T) {
	t.Run("Should reset retry count after a successful reconnect", func(t *testing.T) {
		// First dial succeeds, then the connection drops twice before
		// coming back: submit scenario from the drop-after-2-attempts case
		transport := newFakeTransport(0)
		conn := Open("http://test/stream", fastOptions(transport))
		defer conn.Close()

		first := waitForReader(t, transport)
		waitForState(t, conn, StateConnected)
		first.drop()

		second := waitForReader(t, transport)
		waitForState(t, conn, StateConnected)
		assert.Equal(t, 0, conn.RetryCount(), "retry count should reset on success")
		_ = second
	})

	t.Run("Should keep listeners across reconnects without duplicate delivery", func(t *testing.T) {
		transport := newFakeTransport(0)
		conn := Open("http://test/stream", fastOptions(transport))
		defer conn.Close()

		var mu sync.Mutex
		invocations := 0
		conn.AddListener("metrics_update", func(Event) {
			mu.Lock()
			invocations++
			mu.Unlock()
		})

		first := waitForReader(t, transport)
		waitForState(t, conn, StateConnected)
		first.drop()

		second := waitForReader(t, transport)
		waitForState(t, conn, StateConnected)
		second.emit(Event{Name: "metrics_update", Data: []byte(`{}`)})

		require.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return invocations == 1
		}, 2*time.Second, 5*time.Millisecond, "listener should fire exactly once after reconnect")

		// Give a duplicate registration time to show itself
		time.Sleep(30 * time.Millisecond)
		mu.Lock()
		assert.Equal(t, 1, invocations, "listener must not be invoked twice for one event")
		mu.Unlock()
	})

	t.Run("Should fire state changes once per distinct transition", func(t *testing.T) {
		transport := newFakeTransport(1)

		var mu sync.Mutex
		var states []State
		opts := fastOptions(transport)
		opts.OnStateChange = func(s State) {
			mu.Lock()
			states = append(states, s)
			mu.Unlock()
		}

		conn := Open("http://test/stream", opts)
		defer conn.Close()

		waitForReader(t, transport)
		waitForState(t, conn, StateConnected)

		mu.Lock()
		defer mu.Unlock()
		require.NotEmpty(t, states)
		for i := 1; i < len(states); i++ {
			assert.NotEqual(t, states[i-1], states[i], "no duplicate notification for the same state")
		}
		assert.Equal(t, StateConnected, states[len(states)-1])
	})
}

func TestConnectionRetryExhaustion(t *testing.T) {
	t.Run("Should enter failed state after max retries and stop dialing", func(t *testing.T) {
		transport := newFakeTransport(1000) // never succeeds

		maxReached := make(chan struct{})
		var mu sync.Mutex
		var attempts []int

		opts := fastOptions(transport)
		opts.MaxRetries = 3
		opts.OnReconnect = func(attempt int) {
			mu.Lock()
			attempts = append(attempts, attempt)
			mu.Unlock()
		}
		opts.OnMaxRetriesReached = func() { close(maxReached) }

		conn := Open("http://test/stream", opts)
		defer conn.Close()

		select {
		case <-maxReached:
		case <-time.After(2 * time.Second):
			t.Fatal("max retries callback never fired")
		}
		<-conn.Done()

		assert.Equal(t, StateFailed, conn.State())
		assert.Equal(t, []int{1, 2, 3}, attempts)

		// No self-resurrection: the dial counter stays constant
		dialed := transport.Connects()
		assert.Equal(t, 4, dialed, "initial attempt plus three retries")
		time.Sleep(60 * time.Millisecond)
		assert.Equal(t, dialed, transport.Connects(), "failed connection must not dial again")
	})
}

func TestConnectionClose(t *testing.T) {
	t.Run("Should cancel a pending retry on close", func(t *testing.T) {
		transport := newFakeTransport(1000)

		opts := fastOptions(transport)
		opts.InitialRetryDelay = 500 * time.Millisecond
		opts.MaxRetries = 10

		conn := Open("http://test/stream", opts)

		// Let the first dial fail and the retry timer start
		require.Eventually(t, func() bool { return transport.Connects() >= 1 },
			2*time.Second, 2*time.Millisecond)

		conn.Close()
		dialed := transport.Connects()

		time.Sleep(600 * time.Millisecond)
		assert.Equal(t, dialed, transport.Connects(), "retry fired after close")
		assert.Equal(t, StateClosed, conn.State())
	})

	t.Run("Should not report any state after closed", func(t *testing.T) {
		transport := newFakeTransport(1000)

		var mu sync.Mutex
		var states []State
		opts := fastOptions(transport)
		opts.InitialRetryDelay = 500 * time.Millisecond
		opts.OnStateChange = func(s State) {
			mu.Lock()
			states = append(states, s)
			mu.Unlock()
		}

		conn := Open("http://test/stream", opts)
		require.Eventually(t, func() bool { return transport.Connects() >= 1 },
			2*time.Second, 2*time.Millisecond)

		conn.Close()
		// The run goroutine waking from its retry wait right after Close
		conn.setState(StateConnecting)

		assert.Equal(t, StateClosed, conn.State())
		mu.Lock()
		defer mu.Unlock()
		require.NotEmpty(t, states)
		assert.Equal(t, StateClosed, states[len(states)-1], "closed must be the final notification")
	})

	t.Run("Should clear listeners and become inert after close", func(t *testing.T) {
		transport := newFakeTransport(0)
		conn := Open("http://test/stream", fastOptions(transport))

		conn.AddListener("workers_update", func(Event) {})
		waitForReader(t, transport)
		waitForState(t, conn, StateConnected)

		conn.Close()

		conn.mu.Lock()
		remaining := len(conn.listeners)
		conn.mu.Unlock()
		assert.Zero(t, remaining, "close must clear the listener table")

		// Close is idempotent
		conn.Close()
		assert.Equal(t, StateClosed, conn.State())
	})
}

func TestRetryDelayBounds(t *testing.T) {
	t.Run("Should honor exponential bounds with at most 25 percent jitter", func(t *testing.T) {
		c := &Connection{opts: Options{
			InitialRetryDelay: 1000 * time.Millisecond,
			MaxRetryDelay:     30000 * time.Millisecond,
		}}

		for attempt := 1; attempt <= 10; attempt++ {
			base := 1000 * time.Millisecond
			for i := 1; i < attempt && base < 30000*time.Millisecond; i++ {
				base *= 2
			}
			if base > 30000*time.Millisecond {
				base = 30000 * time.Millisecond
			}

			for i := 0; i < 50; i++ {
				delay := c.retryDelay(attempt)
				assert.GreaterOrEqual(t, delay, base,
					"attempt %d: delay below base", attempt)
				assert.LessOrEqual(t, float64(delay), 1.25*float64(base),
					"attempt %d: delay beyond base plus 25%% jitter", attempt)
			}
		}
	})

	t.Run("Should cap the delay at the configured maximum", func(t *testing.T) {
		c := &Connection{opts: Options{
			InitialRetryDelay: 1 * time.Second,
			MaxRetryDelay:     10 * time.Second,
		}}

		delay := c.retryDelay(30)
		assert.LessOrEqual(t, float64(delay), 1.25*float64(10*time.Second))
	})
}
