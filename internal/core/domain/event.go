package domain

import (
	"encoding/json"
	"time"
)

type EventType string

const (
	EventTypeStatus    EventType = "status"
	EventTypeIssue     EventType = "issue"
	EventTypeSummary   EventType = "summary"
	EventTypeError     EventType = "error"
	EventTypeComplete  EventType = "complete"
	EventTypeHeartbeat EventType = "heartbeat"
)

// Event is what the registry fans out to live subscribers of a job.
type Event struct {
	JobID     string
	Type      EventType
	Data      any
	Timestamp time.Time
}

// Terminal reports whether e is the last event a subscription receives.
func (e Event) Terminal() bool {
	return e.Type == EventTypeComplete || e.Type == EventTypeError
}

// Envelope is the wire form of an event on the live stream.
type Envelope struct {
	Type EventType `json:"type"`
	Data any       `json:"data"`
}

func (e Event) MarshalEnvelope() ([]byte, error) {
	data := e.Data
	if data == nil {
		data = struct{}{}
	}
	return json.Marshal(Envelope{Type: e.Type, Data: data})
}

type StatusData struct {
	Status          JobStatus `json:"status"`
	CurrentStep     string    `json:"currentStep"`
	ProgressPercent int       `json:"progressPercent"`
	Message         string    `json:"message,omitempty"`
}

type SummaryData struct {
	ResultRef string         `json:"resultRef"`
	ItemCount int            `json:"itemCount"`
	Summary   map[string]any `json:"summary"`
}

type ErrorData struct {
	Message string `json:"message"`
}

type CompleteData struct {
	Status    JobStatus `json:"status"`
	ResultRef string    `json:"resultRef,omitempty"`
}

func StatusEvent(job Job) Event {
	return Event{
		JobID: job.CorrelationKey,
		Type:  EventTypeStatus,
		Data: StatusData{
			Status:          job.Status,
			CurrentStep:     job.CurrentStep,
			ProgressPercent: job.ProgressPercent,
			Message:         job.Message,
		},
		Timestamp: time.Now().UTC(),
	}
}

func IssueEvent(jobID string, item ResultItem) Event {
	return Event{
		JobID:     jobID,
		Type:      EventTypeIssue,
		Data:      item,
		Timestamp: time.Now().UTC(),
	}
}

func SummaryEvent(rs ResultSet) Event {
	return Event{
		JobID:     rs.CorrelationKey,
		Type:      EventTypeSummary,
		Data:      SummaryData{ResultRef: rs.ID, ItemCount: rs.ItemCount, Summary: rs.Summary},
		Timestamp: time.Now().UTC(),
	}
}

// TerminalEvent returns the closing event for a terminal job: error for
// ERROR, complete otherwise.
func TerminalEvent(job Job) Event {
	now := time.Now().UTC()
	if job.Status == JobStatusError {
		msg := "job failed"
		if job.ErrorMessage != nil {
			msg = *job.ErrorMessage
		}
		return Event{JobID: job.CorrelationKey, Type: EventTypeError, Data: ErrorData{Message: msg}, Timestamp: now}
	}
	data := CompleteData{Status: job.Status}
	if job.ResultRef != nil {
		data.ResultRef = *job.ResultRef
	}
	return Event{JobID: job.CorrelationKey, Type: EventTypeComplete, Data: data, Timestamp: now}
}
