// Package outbox models the delivery queue: one durable row per
// (issue, recipient) that has not yet been confirmed delivered.
//
// A row's existence is the pending record. Workers claim a row inside a
// transaction holding an exclusive, skip-locked row lock, and either delete it
// (delivered or given up) or advance its retry state, then commit. A crash
// before commit releases the lock and leaves the row untouched.
package outbox

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/austindbirch/inkwell/internal/newsletter"
)

// ErrNoTask is returned by Claim when no row is currently eligible.
var ErrNoTask = errors.New("outbox: no eligible delivery task")

// Task is one pending delivery of an issue to a recipient.
type Task struct {
	IssueID        uuid.UUID `json:"issue_id"`
	RecipientEmail string    `json:"recipient_email"`
	RetryCount     int       `json:"retry_count"`
	ExecuteAfter   time.Time `json:"execute_after"`
}

// Claim is exclusive, transaction-scoped ownership of one Task. Exactly one
// of Complete, Retry or Release must be called; each ends the transaction.
type Claim interface {
	Task() Task
	// Issue is the content to deliver, read in the claiming transaction.
	Issue() newsletter.Issue
	// Complete deletes the row and commits.
	Complete(ctx context.Context) error
	// Retry increments retry_count by one, sets execute_after and commits.
	Retry(ctx context.Context, executeAfter time.Time) error
	// Release rolls back, leaving the row exactly as it was.
	Release(ctx context.Context) error
}

// Queue hands out claims on due rows, oldest execute_after first. Rows locked
// by another claim are skipped, never waited on.
type Queue interface {
	Claim(ctx context.Context, now time.Time) (Claim, error)
}

// Stats summarises the queue for operators.
type Stats struct {
	Pending       int        `json:"pending"`
	Due           int        `json:"due"`
	Retrying      int        `json:"retrying"`
	MaxRetryCount int        `json:"max_retry_count"`
	OldestDue     *time.Time `json:"oldest_due,omitempty"`
}
