package core

import (
	"encoding/json"
	"time"
)

// EventType classifies a persisted event record.
type EventType string

const (
	EventLog      EventType = "log"
	EventStatus   EventType = "status"
	EventProgress EventType = "progress"
	EventCost     EventType = "cost"
	EventControl  EventType = "control"
	EventMetrics  EventType = "metrics"
)

// Event is one record in the durable, append-only event log. Sequence is
// assigned by the store at append time and totally orders events across all
// work units.
type Event struct {
	Sequence   int64     `gorm:"primaryKey;autoIncrement" json:"sequence"`
	RunID      string    `gorm:"index;size:26" json:"run_id"`
	WorkUnitID string    `gorm:"index;size:36" json:"work_unit_id,omitempty"` // empty for pool-wide events
	Type       EventType `gorm:"index;size:16;not null" json:"type"`
	Timestamp  time.Time `gorm:"index" json:"timestamp"`
	Payload    []byte    `gorm:"type:bytes" json:"payload,omitempty"`
}

// DecodePayload unmarshals the event payload into v.
func (e *Event) DecodePayload(v any) error {
	return json.Unmarshal(e.Payload, v)
}

// LogLevel grades log event payloads.
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// LogPayload carries a human-readable execution log line.
type LogPayload struct {
	Level   LogLevel `json:"level"`
	Source  string   `json:"source"`
	Message string   `json:"message"`
}

// StatusPayload records a state machine transition.
type StatusPayload struct {
	From   Status `json:"from,omitempty"`
	To     Status `json:"to"`
	Reason string `json:"reason,omitempty"`
}

// ProgressPayload reports executor progress through its sub-steps.
type ProgressPayload struct {
	Phase   string `json:"phase"`
	Current int    `json:"current"`
	Total   int    `json:"total"`
	Message string `json:"message,omitempty"`
}

// FinalCostIndex marks a cost event as a unit's terminal spend summary
// rather than a per-call delta.
const FinalCostIndex = -1

// CostPayload records a ledger delta attributed to one executor call, or,
// when CallIndex is FinalCostIndex, a terminal per-unit total.
type CostPayload struct {
	TokensIn  int64        `json:"tokens_in"`
	TokensOut int64        `json:"tokens_out"`
	USD       float64      `json:"usd"`
	CallIndex int          `json:"call_index"`
	Budget    BudgetStatus `json:"budget,omitempty"`
}

// ControlPayload records an asynchronous control command and its target
// (a unit id or TargetAll).
type ControlPayload struct {
	Command ControlCommand `json:"command"`
	Target  string         `json:"target"`
}

// MetricsPayload is a periodic snapshot of pool and ledger state.
type MetricsPayload struct {
	StatusCounts map[Status]int64      `json:"status_counts"`
	BusySlots    map[ResourceClass]int `json:"busy_slots"`
	TotalSlots   map[ResourceClass]int `json:"total_slots"`
	TokensIn     int64                 `json:"tokens_in"`
	TokensOut    int64                 `json:"tokens_out"`
	EstimatedUSD float64               `json:"estimated_usd"`
	Budget       BudgetStatus          `json:"budget"`
}

// NewLogEvent builds a log event for a unit (unitID may be empty for
// pool-wide lines).
func NewLogEvent(runID, unitID string, level LogLevel, source, message string) *Event {
	return newEvent(runID, unitID, EventLog, LogPayload{Level: level, Source: source, Message: message})
}

// NewStatusEvent builds a status transition event.
func NewStatusEvent(runID, unitID string, from, to Status, reason string) *Event {
	return newEvent(runID, unitID, EventStatus, StatusPayload{From: from, To: to, Reason: reason})
}

// NewProgressEvent builds a progress event.
func NewProgressEvent(runID, unitID, phase string, current, total int, message string) *Event {
	return newEvent(runID, unitID, EventProgress, ProgressPayload{Phase: phase, Current: current, Total: total, Message: message})
}

// NewCostEvent builds a cost delta event.
func NewCostEvent(runID, unitID string, p CostPayload) *Event {
	return newEvent(runID, unitID, EventCost, p)
}

// NewControlEvent builds a control command event.
func NewControlEvent(runID string, cmd ControlCommand, target string) *Event {
	return newEvent(runID, "", EventControl, ControlPayload{Command: cmd, Target: target})
}

// NewMetricsEvent builds a pool-wide metrics snapshot event.
func NewMetricsEvent(runID string, p MetricsPayload) *Event {
	return newEvent(runID, "", EventMetrics, p)
}

func newEvent(runID, unitID string, typ EventType, payload any) *Event {
	// Payload types above are plain structs; marshaling cannot fail.
	data, _ := json.Marshal(payload)
	return &Event{
		RunID:      runID,
		WorkUnitID: unitID,
		Type:       typ,
		Timestamp:  time.Now().UTC(),
		Payload:    data,
	}
}
