package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseResponse(t *testing.T) {
	msg, err := ParseResponse([]byte(`{"correlationKey":" job-1 ","jobKind":"search","status":"PROGRESS","progressPercent":140,"currentStep":"fetching"}`))
	require.NoError(t, err)
	assert.Equal(t, "job-1", msg.CorrelationKey)

	tr := msg.Transition()
	assert.Equal(t, JobStatusRunning, tr.Status)
	require.NotNil(t, tr.Progress)
	assert.Equal(t, 100, *tr.Progress)
	assert.Equal(t, "fetching", *tr.Step)
	assert.Nil(t, tr.Error)

	for _, body := range []string{
		`[]`,
		`{"status":"SUCCESS"}`,
		`{"correlationKey":"k","status":"OK"}`,
		`{"correlationKey":"k","status":"SUCCESS","jobKind":"ocr"}`,
	} {
		_, err := ParseResponse([]byte(body))
		assert.ErrorIs(t, err, ErrMalformedResponse, body)
	}
}

func TestResponseMessage_Transition(t *testing.T) {
	tr := ResponseMessage{Status: ResponseSuccess, Message: "done"}.Transition()
	assert.Equal(t, JobStatusDone, tr.Status)
	assert.Equal(t, "done", *tr.Message)

	tr = ResponseMessage{Status: ResponseFailure}.Transition()
	assert.Equal(t, JobStatusError, tr.Status)
	require.NotNil(t, tr.Error)
	assert.Equal(t, "worker reported failure", *tr.Error)

	tr = ResponseMessage{Status: ResponseFailure, Message: "quota exceeded"}.Transition()
	assert.Equal(t, "quota exceeded", *tr.Error)
}

func TestEvent_MarshalEnvelope(t *testing.T) {
	job := Job{CorrelationKey: "k", Status: JobStatusRunning, CurrentStep: "ranking", ProgressPercent: 55}
	raw, err := StatusEvent(job).MarshalEnvelope()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"status","data":{"status":"RUNNING","currentStep":"ranking","progressPercent":55}}`, string(raw))

	raw, err = Event{Type: EventTypeHeartbeat}.MarshalEnvelope()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"heartbeat","data":{}}`, string(raw))
}

func TestTerminalEvent(t *testing.T) {
	done := Job{CorrelationKey: "k", Status: JobStatusDone, ResultRef: Ptr("rs-1")}
	e := TerminalEvent(done)
	assert.Equal(t, EventTypeComplete, e.Type)
	assert.Equal(t, CompleteData{Status: JobStatusDone, ResultRef: "rs-1"}, e.Data)
	assert.True(t, e.Terminal())

	cancelled := Job{CorrelationKey: "k", Status: JobStatusCancelled}
	assert.Equal(t, EventTypeComplete, TerminalEvent(cancelled).Type)

	failed := Job{CorrelationKey: "k", Status: JobStatusError}
	e = TerminalEvent(failed)
	assert.Equal(t, EventTypeError, e.Type)
	assert.Equal(t, ErrorData{Message: "job failed"}, e.Data)
}

func TestRequestMessage_JSON(t *testing.T) {
	raw, err := json.Marshal(RequestMessage{CorrelationKey: "k", JobKind: JobKindExtraction, Payload: json.RawMessage(`{"url":"https://x"}`)})
	require.NoError(t, err)
	var back map[string]any
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, "extraction", back["jobKind"])
	assert.Equal(t, "k", back["correlationKey"])
}
