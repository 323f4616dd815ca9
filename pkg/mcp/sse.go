package mcp

import (
	"bufio"
	"io"
	"strconv"
	"strings"
)

// SSE field prefixes per the W3C EventSource specification.
const (
	sseFieldEvent = "event"
	sseFieldData  = "data"
	sseFieldID    = "id"
	sseFieldRetry = "retry"
)

// SSEEvent is one server-sent event as observed on the wire.
type SSEEvent struct {
	// ID is the event id field, if any.
	ID string `json:"id,omitempty"`

	// Type is the event field. Empty means the default "message" type.
	Type string `json:"type,omitempty"`

	// Data is the event payload; multi-line data fields are joined with \n.
	Data string `json:"data"`

	// Retry is the reconnection interval in milliseconds, 0 if unset.
	Retry int `json:"retry,omitempty"`
}

// WriteTo encodes the event back into wire format.
func (e *SSEEvent) WriteTo(w io.Writer) (int64, error) {
	var sb strings.Builder
	if e.Type != "" {
		sb.WriteString("event: ")
		sb.WriteString(e.Type)
		sb.WriteByte('\n')
	}
	if e.ID != "" {
		sb.WriteString("id: ")
		sb.WriteString(e.ID)
		sb.WriteByte('\n')
	}
	if e.Retry > 0 {
		sb.WriteString("retry: ")
		sb.WriteString(strconv.Itoa(e.Retry))
		sb.WriteByte('\n')
	}
	for _, line := range strings.Split(e.Data, "\n") {
		sb.WriteString("data: ")
		sb.WriteString(line)
		sb.WriteByte('\n')
	}
	sb.WriteByte('\n')
	n, err := io.WriteString(w, sb.String())
	return int64(n), err
}

// SSEScanner reads server-sent events from a stream one at a time.
type SSEScanner struct {
	r *bufio.Reader
}

// NewSSEScanner wraps a reader, typically a streaming HTTP response body.
func NewSSEScanner(r io.Reader) *SSEScanner {
	return &SSEScanner{r: bufio.NewReader(r)}
}

// Next returns the next complete event. It blocks until an event's blank
// terminator line arrives, and returns io.EOF when the stream ends.
// Comment lines and keepalives are skipped.
func (s *SSEScanner) Next() (*SSEEvent, error) {
	var (
		ev       SSEEvent
		dataSeen bool
		lines    []string
	)

	for {
		line, err := s.r.ReadString('\n')
		if err != nil {
			// A final event without a trailing blank line is still
			// delivered before EOF surfaces.
			if err == io.EOF && dataSeen {
				ev.Data = strings.Join(lines, "\n")
				return &ev, nil
			}
			return nil, err
		}

		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			if !dataSeen && ev.Type == "" && ev.ID == "" {
				continue // stray blank line between events
			}
			ev.Data = strings.Join(lines, "\n")
			return &ev, nil
		}

		if strings.HasPrefix(line, ":") {
			continue // comment / keepalive
		}

		field, value := line, ""
		if i := strings.IndexByte(line, ':'); i >= 0 {
			field = line[:i]
			value = strings.TrimPrefix(line[i+1:], " ")
		}

		switch field {
		case sseFieldEvent:
			ev.Type = value
		case sseFieldData:
			lines = append(lines, value)
			dataSeen = true
		case sseFieldID:
			ev.ID = value
		case sseFieldRetry:
			if ms, err := strconv.Atoi(value); err == nil {
				ev.Retry = ms
			}
		default:
			// Unknown fields are ignored per spec.
		}
	}
}
