package stream

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/go-resty/resty/v2"
)

// SSETransport dials text/event-stream endpoints. The HTTP side goes through
// resty like every other call against the extraction API; the response body is
// left unparsed and consumed frame by frame.
type SSETransport struct {
	http *resty.Client
}

// NewSSETransport creates the production SSE transport.
// No client timeout: the stream stays open until the server or caller ends it.
func NewSSETransport() *SSETransport {
	client := resty.New().
		SetDoNotParseResponse(true).
		SetHeader("Accept", "text/event-stream").
		SetHeader("Cache-Control", "no-cache")

	return &SSETransport{http: client}
}

// Connect opens the stream and returns a Reader over its event frames
func (t *SSETransport) Connect(ctx context.Context, url string) (Reader, error) {
	resp, err := t.http.R().
		SetContext(ctx).
		Get(url)
	if err != nil {
		return nil, fmt.Errorf("failed to open event stream: %w", err)
	}

	body := resp.RawBody()
	if resp.StatusCode() != 200 {
		body.Close()
		return nil, fmt.Errorf("event stream returned status %d", resp.StatusCode())
	}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	return &sseReader{body: body, scanner: scanner}, nil
}

// sseReader parses the SSE wire format: "event:" names an event, "data:"
// lines accumulate (joined by newlines), a blank line dispatches, ":" lines
// are comments. id/retry fields are accepted and ignored.
type sseReader struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
}

func (r *sseReader) Next() (Event, error) {
	name := ""
	var data []string

	for r.scanner.Scan() {
		line := r.scanner.Text()

		if line == "" {
			if len(data) == 0 {
				// Frame without data (e.g. comment-only keepalive)
				name = ""
				continue
			}
			if name == "" {
				name = "message"
			}
			return Event{Name: name, Data: []byte(strings.Join(data, "\n"))}, nil
		}

		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value := line, ""
		if idx := strings.Index(line, ":"); idx >= 0 {
			field = line[:idx]
			value = strings.TrimPrefix(line[idx+1:], " ")
		}

		switch field {
		case "event":
			name = value
		case "data":
			data = append(data, value)
		}
	}

	if err := r.scanner.Err(); err != nil {
		return Event{}, err
	}
	return Event{}, io.EOF
}

func (r *sseReader) Close() error {
	return r.body.Close()
}
