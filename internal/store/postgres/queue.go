package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/austindbirch/inkwell/internal/newsletter"
	"github.com/austindbirch/inkwell/internal/outbox"
)

var errClaimDone = errors.New("inkwell/postgres: claim already finished")

// Claim begins a transaction and locks the due task with the earliest
// execute_after, skipping rows other workers hold. The issue content is read
// in the same statement. On ErrNoTask the transaction is already closed.
func (s *Store) Claim(ctx context.Context, now time.Time) (outbox.Claim, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("inkwell/postgres: begin claim: %w", err)
	}

	c := &claim{tx: tx}
	err = tx.QueryRow(ctx, `
		SELECT t.issue_id, t.recipient_email, t.retry_count, t.execute_after,
		       i.title, i.html_content, i.text_content, i.published_at
		FROM delivery_task t
		JOIN newsletter_issue i ON i.id = t.issue_id
		WHERE t.execute_after <= $1
		ORDER BY t.execute_after
		LIMIT 1
		FOR UPDATE OF t SKIP LOCKED`, now,
	).Scan(
		&c.task.IssueID, &c.task.RecipientEmail, &c.task.RetryCount, &c.task.ExecuteAfter,
		&c.issue.Title, &c.issue.HTML, &c.issue.Text, &c.issue.PublishedAt,
	)
	if err != nil {
		_ = tx.Rollback(context.WithoutCancel(ctx))
		if isNoRows(err) {
			return nil, outbox.ErrNoTask
		}
		return nil, fmt.Errorf("inkwell/postgres: claim task: %w", err)
	}
	c.issue.ID = c.task.IssueID
	return c, nil
}

type claim struct {
	tx    pgx.Tx
	task  outbox.Task
	issue newsletter.Issue
	done  bool
}

func (c *claim) Task() outbox.Task { return c.task }

func (c *claim) Issue() newsletter.Issue { return c.issue }

func (c *claim) Complete(ctx context.Context) error {
	return c.finish(ctx, `
		DELETE FROM delivery_task
		WHERE issue_id = $1 AND recipient_email = $2`,
		c.task.IssueID, c.task.RecipientEmail,
	)
}

func (c *claim) Retry(ctx context.Context, executeAfter time.Time) error {
	return c.finish(ctx, `
		UPDATE delivery_task
		SET retry_count = retry_count + 1, execute_after = $3
		WHERE issue_id = $1 AND recipient_email = $2`,
		c.task.IssueID, c.task.RecipientEmail, executeAfter,
	)
}

func (c *claim) Release(ctx context.Context) error {
	if c.done {
		return errClaimDone
	}
	c.done = true
	if err := c.tx.Rollback(ctx); err != nil {
		return fmt.Errorf("inkwell/postgres: release claim: %w", err)
	}
	return nil
}

func (c *claim) finish(ctx context.Context, sql string, args ...any) error {
	if c.done {
		return errClaimDone
	}
	c.done = true
	if _, err := c.tx.Exec(ctx, sql, args...); err != nil {
		_ = c.tx.Rollback(context.WithoutCancel(ctx))
		return fmt.Errorf("inkwell/postgres: update claimed task: %w", err)
	}
	if err := c.tx.Commit(ctx); err != nil {
		return fmt.Errorf("inkwell/postgres: commit claimed task: %w", err)
	}
	return nil
}

func (s *Store) QueueStats(ctx context.Context, now time.Time) (outbox.Stats, error) {
	var st outbox.Stats
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE execute_after <= $1),
		       COUNT(*) FILTER (WHERE retry_count > 0),
		       COALESCE(MAX(retry_count), 0),
		       MIN(execute_after) FILTER (WHERE execute_after <= $1)
		FROM delivery_task`, now,
	).Scan(&st.Pending, &st.Due, &st.Retrying, &st.MaxRetryCount, &st.OldestDue)
	if err != nil {
		return outbox.Stats{}, fmt.Errorf("inkwell/postgres: queue stats: %w", err)
	}
	return st, nil
}
