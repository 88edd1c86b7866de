// Package email sends newsletter issues to recipients through an HTTP email
// API and classifies failures as transient or permanent.
package email

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sony/gobreaker"
)

// ErrPermanent matches any send failure that retrying cannot fix.
var ErrPermanent = errors.New("email: permanent send failure")

// Message is one email to one recipient.
type Message struct {
	From    string
	To      string
	Subject string
	HTML    string
	Text    string
}

// Sender delivers a message. A nil error means the provider accepted it.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// SendError describes a failed send.
type SendError struct {
	Permanent  bool
	StatusCode int
	// Reason is a short label for metrics, e.g. http_5xx or timeout.
	Reason string
	Err    error
}

func (e *SendError) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("email: %s failure (%s, status %d): %v", kind, e.Reason, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("email: %s failure (%s): %v", kind, e.Reason, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

func (e *SendError) Is(target error) bool {
	return target == ErrPermanent && e.Permanent
}

func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent)
}

// Reason returns the metrics label for a send error.
func Reason(err error) string {
	var se *SendError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &se):
		return se.Reason
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return "circuit_open"
	default:
		return "other"
	}
}

// StatusCode returns the provider's HTTP status for err, or 0.
func StatusCode(err error) int {
	var se *SendError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	return 0
}

func classifyTransport(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"):
		return "timeout"
	case strings.Contains(msg, "connection refused"):
		return "connection_refused"
	case strings.Contains(msg, "no such host"), strings.Contains(msg, "dns"):
		return "dns_error"
	default:
		return "network"
	}
}

// classifyStatus maps a non-2xx provider status to a reason and whether it
// is permanent. 429 and 5xx are transient; every other 4xx is permanent.
func classifyStatus(status int) (string, bool) {
	switch {
	case status == 429:
		return "http_429", false
	case status >= 500:
		return "http_5xx", false
	case status >= 400:
		return "http_4xx", true
	default:
		return "other", false
	}
}
