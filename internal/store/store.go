// Package store declares the persistence contract shared by the API, the
// delivery workers and the operator tooling. Issues, delivery tasks and
// saved responses live in one transactional store so that a command's
// effects and its saved response commit together.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/austindbirch/inkwell/internal/idempotency"
	"github.com/austindbirch/inkwell/internal/newsletter"
	"github.com/austindbirch/inkwell/internal/outbox"
)

// Tx is the write surface available to a command while its transaction is
// open. Nothing is visible to other transactions until commit.
type Tx interface {
	// LookupResponse locks (callerID, key) for the rest of the transaction
	// and then reads any committed saved response. Returns
	// idempotency.ErrNotFound when none exists.
	LookupResponse(ctx context.Context, callerID string, key idempotency.Key) (idempotency.SavedResponse, error)
	// PutResponse inserts the saved response. Returns idempotency.ErrConflict
	// if a row for (callerID, key) already exists.
	PutResponse(ctx context.Context, callerID string, key idempotency.Key, resp idempotency.SavedResponse) error
	InsertIssue(ctx context.Context, issue newsletter.Issue) error
	// EnqueueDeliveries creates one task per confirmed subscriber with
	// retry_count 0 and returns how many were created.
	EnqueueDeliveries(ctx context.Context, issueID uuid.UUID, executeAfter time.Time) (int, error)
}

// Responses reads committed saved responses and opens command transactions.
type Responses interface {
	GetResponse(ctx context.Context, callerID string, key idempotency.Key) (idempotency.SavedResponse, error)
	// WithTx runs fn in one transaction and commits if fn returns nil. A
	// unique violation on the saved response surfaces as
	// idempotency.ErrConflict, whether raised by PutResponse or at commit.
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Store is the full persistence surface.
type Store interface {
	Responses
	outbox.Queue

	QueueStats(ctx context.Context, now time.Time) (outbox.Stats, error)
	AddSubscriber(ctx context.Context, email, name string) error
	// DeleteResponsesBefore removes saved responses created before cutoff and
	// returns how many were removed.
	DeleteResponsesBefore(ctx context.Context, cutoff time.Time) (int64, error)
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close()
}
