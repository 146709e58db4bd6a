package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/benchwork/benchwork"
)

const (
	defaultEventLimit = 100
	maxEventLimit     = 1000
)

// eventResponse is the JSON shape of one event. The payload is emitted as
// raw JSON rather than base64 bytes.
type eventResponse struct {
	Sequence   int64               `json:"sequence"`
	RunID      string              `json:"run_id,omitempty"`
	WorkUnitID string              `json:"work_unit_id,omitempty"`
	Type       benchwork.EventType `json:"type"`
	Timestamp  time.Time           `json:"timestamp"`
	Payload    json.RawMessage     `json:"payload,omitempty"`
}

func newEventResponse(e *benchwork.Event) eventResponse {
	return eventResponse{
		Sequence:   e.Sequence,
		RunID:      e.RunID,
		WorkUnitID: e.WorkUnitID,
		Type:       e.Type,
		Timestamp:  e.Timestamp,
		Payload:    json.RawMessage(e.Payload),
	}
}

// listEventsResponse wraps the paginated event page. NextSince feeds the
// next request's since parameter.
type listEventsResponse struct {
	Events    []eventResponse `json:"events"`
	Count     int             `json:"count"`
	NextSince int64           `json:"next_since"`
}

// handleEvents serves GET /v1/events. With stream=true or an Accept header
// of text/event-stream it tails the event log over SSE; otherwise it returns
// one JSON page.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	filter := benchwork.EventFilter{
		RunID:      r.URL.Query().Get("run"),
		WorkUnitID: r.URL.Query().Get("unit"),
	}
	for _, raw := range parseListQuery(r, "type") {
		filter.Types = append(filter.Types, benchwork.EventType(raw))
	}
	since := parseInt64Query(r, "since", 0)

	if wantsStream(r) {
		s.streamEvents(w, r, since, filter)
		return
	}

	limit := parseIntQuery(r, "limit", defaultEventLimit)
	if limit <= 0 || limit > maxEventLimit {
		limit = defaultEventLimit
	}

	events, err := s.runner.Events(r.Context(), since, filter, limit)
	if err != nil {
		s.log.Error("list events", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list events")
		return
	}

	out := make([]eventResponse, len(events))
	for i, e := range events {
		out[i] = newEventResponse(e)
	}
	next := since
	if len(events) > 0 {
		next = events[len(events)-1].Sequence
	}

	s.writeJSON(w, http.StatusOK, listEventsResponse{
		Events:    out,
		Count:     len(out),
		NextSince: next,
	})
}

// streamEvents replays events after since and then follows the live feed.
// Each SSE message carries the event sequence as its id, so clients resume
// seamlessly through the Last-Event-ID header.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request, since int64, filter benchwork.EventFilter) {
	if since == 0 {
		if last := r.Header.Get("Last-Event-ID"); last != "" {
			if v, err := strconv.ParseInt(last, 10, 64); err == nil {
				since = v
			}
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Disable write timeout for long-lived SSE connections.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.log.Error("set write deadline for event stream", "error", err)
	}

	sub := s.runner.Tail(r.Context(), since, filter)
	defer sub.Close()

	w.WriteHeader(http.StatusOK)
	flusher, canFlush := w.(http.Flusher)
	if canFlush {
		flusher.Flush()
	}

	for {
		select {
		case e, ok := <-sub.C:
			if !ok {
				// Bus closed; send explicit done event before closing.
				_ = writeSSEEvent(w, "done", "stream complete")
				if canFlush {
					flusher.Flush()
				}
				return
			}
			if err := writeSSEData(w, e); err != nil {
				return // Write failed (e.g. client gone).
			}
			if canFlush {
				flusher.Flush()
			}
		case <-r.Context().Done():
			return // Client disconnected.
		}
	}
}

// wantsStream reports whether the request asked for SSE.
func wantsStream(r *http.Request) bool {
	if r.URL.Query().Get("stream") == "true" {
		return true
	}
	return strings.Contains(r.Header.Get("Accept"), "text/event-stream")
}

// writeSSEData writes one event as an SSE message. json.Marshal output never
// contains raw newlines, so a single data line suffices.
func writeSSEData(w http.ResponseWriter, e *benchwork.Event) error {
	data, err := json.Marshal(newEventResponse(e))
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "id: %d\n", e.Sequence); err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}

// writeSSEEvent writes a named SSE event (event: <type>\ndata: <data>\n\n).
func writeSSEEvent(w http.ResponseWriter, eventType, data string) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", eventType); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}

// parseInt64Query parses an int64 query parameter with a default value.
func parseInt64Query(r *http.Request, key string, defaultVal int64) int64 {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return defaultVal
	}
	return v
}
