package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/austindbirch/inkwell/internal/idempotency"
	"github.com/austindbirch/inkwell/internal/newsletter"
	"github.com/austindbirch/inkwell/internal/store"
)

const selectResponse = `
	SELECT status_code, headers, body, created_at
	FROM saved_response
	WHERE caller_id = $1 AND idempotency_key = $2`

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func getResponse(ctx context.Context, q querier, callerID string, key idempotency.Key) (idempotency.SavedResponse, error) {
	var (
		resp    idempotency.SavedResponse
		status  int16
		headers []byte
	)
	err := q.QueryRow(ctx, selectResponse, callerID, key.String()).
		Scan(&status, &headers, &resp.Body, &resp.CreatedAt)
	if isNoRows(err) {
		return idempotency.SavedResponse{}, idempotency.ErrNotFound
	}
	if err != nil {
		return idempotency.SavedResponse{}, fmt.Errorf("inkwell/postgres: get saved response: %w", err)
	}
	if err := json.Unmarshal(headers, &resp.Headers); err != nil {
		return idempotency.SavedResponse{}, fmt.Errorf("inkwell/postgres: decode saved headers: %w", err)
	}
	resp.StatusCode = int(status)
	return resp, nil
}

func (s *Store) GetResponse(ctx context.Context, callerID string, key idempotency.Key) (idempotency.SavedResponse, error) {
	return getResponse(ctx, s.pool, callerID, key)
}

// WithTx runs fn in a READ COMMITTED transaction and commits when fn
// returns nil.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) (err error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("inkwell/postgres: begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(context.WithoutCancel(ctx))
		}
	}()

	if err = fn(ctx, &pgTx{tx: tx}); err != nil {
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		if isDuplicateKey(err, savedResponsePKey) {
			return idempotency.ErrConflict
		}
		return fmt.Errorf("inkwell/postgres: commit: %w", err)
	}
	return nil
}

type pgTx struct {
	tx pgx.Tx
}

var _ store.Tx = (*pgTx)(nil)

func (t *pgTx) LookupResponse(ctx context.Context, callerID string, key idempotency.Key) (idempotency.SavedResponse, error) {
	// The separator keeps ("a:b", "c") and ("a", "b:c") apart.
	_, err := t.tx.Exec(ctx,
		`SELECT pg_advisory_xact_lock(hashtextextended($1::text || chr(31) || $2::text, 0))`,
		callerID, key.String(),
	)
	if err != nil {
		return idempotency.SavedResponse{}, fmt.Errorf("inkwell/postgres: lock idempotency key: %w", err)
	}
	return getResponse(ctx, t.tx, callerID, key)
}

func (t *pgTx) PutResponse(ctx context.Context, callerID string, key idempotency.Key, resp idempotency.SavedResponse) error {
	headers := resp.Headers
	if headers == nil {
		headers = []idempotency.Header{}
	}
	encoded, err := json.Marshal(headers)
	if err != nil {
		return fmt.Errorf("inkwell/postgres: encode headers: %w", err)
	}
	body := resp.Body
	if body == nil {
		body = []byte{}
	}
	createdAt := resp.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err = t.tx.Exec(ctx, `
		INSERT INTO saved_response (caller_id, idempotency_key, status_code, headers, body, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		callerID, key.String(), int16(resp.StatusCode), encoded, body, createdAt,
	)
	if isDuplicateKey(err, savedResponsePKey) {
		return idempotency.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("inkwell/postgres: put saved response: %w", err)
	}
	return nil
}

func (t *pgTx) InsertIssue(ctx context.Context, issue newsletter.Issue) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO newsletter_issue (id, title, text_content, html_content, published_at)
		VALUES ($1, $2, $3, $4, $5)`,
		issue.ID, issue.Title, issue.Text, issue.HTML, issue.PublishedAt,
	)
	if err != nil {
		return fmt.Errorf("inkwell/postgres: insert issue: %w", err)
	}
	return nil
}

func (t *pgTx) EnqueueDeliveries(ctx context.Context, issueID uuid.UUID, executeAfter time.Time) (int, error) {
	tag, err := t.tx.Exec(ctx, `
		INSERT INTO delivery_task (issue_id, recipient_email, retry_count, execute_after)
		SELECT $1, email, 0, $2
		FROM subscriber
		WHERE status = $3`,
		issueID, executeAfter, newsletter.SubscriberConfirmed,
	)
	if err != nil {
		return 0, fmt.Errorf("inkwell/postgres: enqueue deliveries: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) DeleteResponsesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM saved_response WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("inkwell/postgres: delete saved responses: %w", err)
	}
	return tag.RowsAffected(), nil
}

