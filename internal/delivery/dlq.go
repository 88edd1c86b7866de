package delivery

import (
	"time"

	"github.com/austindbirch/inkwell/internal/outbox"
)

const (
	DLQType    = "delivery.dlq"
	DLQVersion = "v1"
)

// Terminal failure reasons.
const (
	ReasonMaxRetries       = "max_retries"
	ReasonPermanent        = "permanent"
	ReasonInvalidRecipient = "invalid_recipient"
)

// DeadLetter records a delivery that was given up. The task row is already
// deleted when one is emitted.
type DeadLetter struct {
	Type         string            `json:"type"`    // "delivery.dlq"
	Version      string            `json:"version"` // schema version
	At           string            `json:"at"`      // RFC3339 time the task was given up
	Reason       string            `json:"reason"`
	RetryCount   int               `json:"retry_count"` // retries already spent before the final attempt
	HTTPStatus   int               `json:"http_status,omitempty"`
	LastError    string            `json:"last_error,omitempty"`
	Subject      string            `json:"subject,omitempty"`
	Task         outbox.Task       `json:"task"`
	TraceHeaders map[string]string `json:"trace_headers,omitempty"`
}

func NewDeadLetter(t outbox.Task, at time.Time, reason string, httpStatus int, lastErr error) DeadLetter {
	dl := DeadLetter{
		Type:       DLQType,
		Version:    DLQVersion,
		At:         at.UTC().Format(time.RFC3339Nano),
		Reason:     reason,
		RetryCount: t.RetryCount,
		HTTPStatus: httpStatus,
		Task:       t,
	}
	if lastErr != nil {
		dl.LastError = lastErr.Error()
	}
	return dl
}
