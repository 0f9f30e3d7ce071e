package stream

import (
	"bufio"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readerOver(raw string) *sseReader {
	body := io.NopCloser(strings.NewReader(raw))
	return &sseReader{body: body, scanner: bufio.NewScanner(body)}
}

func TestSSEReader(t *testing.T) {
	t.Run("Should parse named events with data", func(t *testing.T) {
		r := readerOver("event: file_complete\ndata: {\"batch_id\":\"b1\"}\n\n")

		ev, err := r.Next()
		require.NoError(t, err)
		assert.Equal(t, "file_complete", ev.Name)
		assert.JSONEq(t, `{"batch_id":"b1"}`, string(ev.Data))

		_, err = r.Next()
		assert.Equal(t, io.EOF, err)
	})

	t.Run("Should default the event name to message", func(t *testing.T) {
		r := readerOver("data: hello\n\n")

		ev, err := r.Next()
		require.NoError(t, err)
		assert.Equal(t, "message", ev.Name)
		assert.Equal(t, "hello", string(ev.Data))
	})

	t.Run("Should join multi-line data with newlines", func(t *testing.T) {
		r := readerOver("event: file_error\ndata: line one\ndata: line two\n\n")

		ev, err := r.Next()
		require.NoError(t, err)
		assert.Equal(t, "file_error", ev.Name)
		assert.Equal(t, "line one\nline two", string(ev.Data))
	})

	t.Run("Should skip comment lines and keepalive frames", func(t *testing.T) {
		raw := ": keepalive\n\n" +
			": another comment\n" +
			"event: metrics_update\n" +
			"data: {}\n\n"
		r := readerOver(raw)

		ev, err := r.Next()
		require.NoError(t, err)
		assert.Equal(t, "metrics_update", ev.Name)
	})

	t.Run("Should ignore id and retry fields", func(t *testing.T) {
		r := readerOver("id: 42\nretry: 3000\nevent: file_start\ndata: {}\n\n")

		ev, err := r.Next()
		require.NoError(t, err)
		assert.Equal(t, "file_start", ev.Name)
	})

	t.Run("Should reset the name between frames", func(t *testing.T) {
		raw := "event: file_start\ndata: a\n\n" +
			"data: b\n\n"
		r := readerOver(raw)

		first, err := r.Next()
		require.NoError(t, err)
		assert.Equal(t, "file_start", first.Name)

		second, err := r.Next()
		require.NoError(t, err)
		assert.Equal(t, "message", second.Name, "name from a previous frame must not leak")
	})

	t.Run("Should return EOF when the stream ends mid-frame", func(t *testing.T) {
		r := readerOver("event: file_complete\ndata: {\"x\":1}")

		_, err := r.Next()
		assert.Equal(t, io.EOF, err)
	})
}

func TestSSETransport(t *testing.T) {
	t.Run("Should stream events from a live endpoint", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))
			w.Header().Set("Content-Type", "text/event-stream")
			w.WriteHeader(http.StatusOK)
			_, _ = io.WriteString(w, "event: workers_update\ndata: {\"workers\":[]}\n\n")
		}))
		defer server.Close()

		transport := NewSSETransport()
		reader, err := transport.Connect(context.Background(), server.URL)
		require.NoError(t, err)
		defer reader.Close()

		ev, err := reader.Next()
		require.NoError(t, err)
		assert.Equal(t, "workers_update", ev.Name)
	})

	t.Run("Should reject non-200 responses", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer server.Close()

		transport := NewSSETransport()
		_, err := transport.Connect(context.Background(), server.URL)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "503")
	})
}
