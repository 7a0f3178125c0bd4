package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// RequestMessage is published to the broker for the external worker.
type RequestMessage struct {
	CorrelationKey string          `json:"correlationKey"`
	JobKind        JobKind         `json:"jobKind"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	SubmittedAt    time.Time       `json:"submittedAt"`
}

// ResponseStatus is the worker-reported outcome carried by a response.
type ResponseStatus string

const (
	ResponseSuccess  ResponseStatus = "SUCCESS"
	ResponseFailure  ResponseStatus = "FAILURE"
	ResponseProgress ResponseStatus = "PROGRESS"
)

// ResponseMessage is consumed from the response queue. Result is decoded
// per kind by DecodeResult.
type ResponseMessage struct {
	CorrelationKey  string          `json:"correlationKey"`
	JobKind         JobKind         `json:"jobKind,omitempty"`
	Status          ResponseStatus  `json:"status"`
	Message         string          `json:"message,omitempty"`
	CompletedAt     *time.Time      `json:"completedAt,omitempty"`
	ProgressPercent *int            `json:"progressPercent,omitempty"`
	CurrentStep     string          `json:"currentStep,omitempty"`
	Result          json.RawMessage `json:"result,omitempty"`
}

// ParseResponse decodes and validates the envelope. Errors wrap
// ErrMalformedResponse.
func ParseResponse(body []byte) (ResponseMessage, error) {
	var msg ResponseMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return msg, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	msg.CorrelationKey = strings.TrimSpace(msg.CorrelationKey)
	if msg.CorrelationKey == "" {
		return msg, fmt.Errorf("%w: missing correlationKey", ErrMalformedResponse)
	}
	switch msg.Status {
	case ResponseSuccess, ResponseFailure, ResponseProgress:
	default:
		return msg, fmt.Errorf("%w: unknown status %q", ErrMalformedResponse, msg.Status)
	}
	if msg.JobKind != "" && !msg.JobKind.Valid() {
		return msg, fmt.Errorf("%w: unknown jobKind %q", ErrMalformedResponse, msg.JobKind)
	}
	return msg, nil
}

// Transition maps the response onto the job state machine.
func (m ResponseMessage) Transition() Transition {
	t := Transition{}
	if m.Message != "" {
		msg := m.Message
		t.Message = &msg
	}
	if m.CurrentStep != "" {
		step := m.CurrentStep
		t.Step = &step
	}
	if m.ProgressPercent != nil {
		p := ClampProgress(*m.ProgressPercent)
		t.Progress = &p
	}
	switch m.Status {
	case ResponseSuccess:
		t.Status = JobStatusDone
	case ResponseFailure:
		t.Status = JobStatusError
		reason := m.Message
		if reason == "" {
			reason = "worker reported failure"
		}
		t.Error = &reason
	default:
		t.Status = JobStatusRunning
	}
	return t
}
