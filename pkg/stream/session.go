// Package stream provides a resumable client for job event streams. A
// Session follows one job over Server-Sent Events, reconnecting with
// exponential backoff and resuming from the last seen sequence so no events
// are duplicated or lost within the server's replay window.
package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/fingolabs/fingo/internal/models"
)

// Handler receives each decoded event. Returning an error stops the session.
type Handler func(event models.ProgressEvent) error

// Session is a reconnect-safe subscription to one job's event stream.
type Session struct {
	baseURL string
	jobID   string
	client  *http.Client
	backoff *Backoff

	lastSequence uint64
}

// Option configures a Session.
type Option func(*Session)

// WithHTTPClient overrides the HTTP client used for stream connections.
func WithHTTPClient(client *http.Client) Option {
	return func(s *Session) { s.client = client }
}

// WithBackoff overrides the reconnect backoff schedule.
func WithBackoff(backoff *Backoff) Option {
	return func(s *Session) { s.backoff = backoff }
}

// WithResumeFrom starts the session from a known sequence instead of zero.
func WithResumeFrom(sequence uint64) Option {
	return func(s *Session) { s.lastSequence = sequence }
}

// New creates a session for jobID against a server base URL such as
// "http://localhost:8080".
func New(baseURL, jobID string, opts ...Option) *Session {
	s := &Session{
		baseURL: strings.TrimRight(baseURL, "/"),
		jobID:   jobID,
		client:  &http.Client{},
		backoff: NewBackoff(time.Second, 30*time.Second),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// LastSequence reports the sequence of the last event received.
func (s *Session) LastSequence() uint64 {
	return s.lastSequence
}

// Run connects and delivers events to handler until the job finishes, the
// handler returns an error, or the context is cancelled. Connection drops are
// retried with backoff; a terminal complete event ends the session cleanly.
func (s *Session) Run(ctx context.Context, handler Handler) error {
	for {
		done, err := s.connect(ctx, handler)
		if done {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.backoff.Next()):
		}
	}
}

// connect runs one stream connection. done is true when the session should
// not reconnect: clean terminal close, handler error, or context cancellation.
func (s *Session) connect(ctx context.Context, handler Handler) (done bool, err error) {
	url := fmt.Sprintf("%s/api/jobs/%s/stream", s.baseURL, s.jobID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return true, err
	}
	req.Header.Set("Accept", "text/event-stream")
	if s.lastSequence > 0 {
		req.Header.Set("Last-Event-ID", strconv.FormatUint(s.lastSequence, 10))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return true, fmt.Errorf("job %s not found", s.jobID)
	case resp.StatusCode != http.StatusOK:
		return false, fmt.Errorf("stream returned status %d", resp.StatusCode)
	}

	// The connection is up; future failures restart the schedule.
	s.backoff.Reset()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var eventID, eventType string
	var data strings.Builder

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			terminal, err := s.dispatch(eventID, eventType, data.String(), handler)
			if err != nil {
				return true, err
			}
			if terminal {
				return true, nil
			}
			eventID, eventType = "", ""
			data.Reset()
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue // keepalive comment
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "id":
			eventID = value
		case "event":
			eventType = value
		case "data":
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(value)
		}
	}

	if ctx.Err() != nil {
		return true, ctx.Err()
	}
	if err := scanner.Err(); err != nil {
		return false, err
	}
	// Server closed the stream without a complete event; reconnect.
	return false, nil
}

// dispatch decodes one SSE frame and hands it to the handler. terminal is
// true when the frame carries a terminal status.
func (s *Session) dispatch(eventID, eventType, data string, handler Handler) (terminal bool, err error) {
	if data == "" {
		return false, nil
	}

	var event models.ProgressEvent
	if err := json.Unmarshal([]byte(data), &event); err != nil {
		return false, fmt.Errorf("failed to decode %s event: %w", eventType, err)
	}

	if seq, parseErr := strconv.ParseUint(eventID, 10, 64); parseErr == nil && seq > s.lastSequence {
		s.lastSequence = seq
	} else if event.Sequence > s.lastSequence {
		s.lastSequence = event.Sequence
	}

	if err := handler(event); err != nil {
		return false, err
	}
	return event.IsTerminal(), nil
}
