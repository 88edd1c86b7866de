//go:build integration

package postgres

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/austindbirch/inkwell/internal/idempotency"
	"github.com/austindbirch/inkwell/internal/newsletter"
	"github.com/austindbirch/inkwell/internal/outbox"
	"github.com/austindbirch/inkwell/internal/store"
)

// newTestStore starts a disposable PostgreSQL container, migrates it and
// returns a store that is closed with the test.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("inkwell"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("start postgres: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Errorf("terminate postgres: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	s := NewFromPool(pool)
	t.Cleanup(s.Close)

	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("second Migrate() error = %v", err)
	}
	return s
}

func publish(t *testing.T, s *Store, now time.Time) (newsletter.Issue, int) {
	t.Helper()
	issue := newsletter.Issue{ID: uuid.New(), Title: "Weekly", HTML: "<p>hi</p>", Text: "hi", PublishedAt: now}
	var n int
	err := s.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		if err := tx.InsertIssue(ctx, issue); err != nil {
			return err
		}
		var err error
		n, err = tx.EnqueueDeliveries(ctx, issue.ID, now)
		return err
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	return issue, n
}

func TestIntegration_FanOutAndClaim(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	for _, email := range []string{"a@example.com", "b@example.com"} {
		if err := s.AddSubscriber(ctx, email, ""); err != nil {
			t.Fatal(err)
		}
	}
	issue, n := publish(t, s, now)
	if n != 2 {
		t.Fatalf("fan-out = %d, want 2", n)
	}

	first, err := s.Claim(ctx, now)
	if err != nil {
		t.Fatalf("Claim() error = %v", err)
	}
	if first.Issue().Title != issue.Title || first.Issue().ID != issue.ID {
		t.Errorf("claimed issue = %+v", first.Issue())
	}

	second, err := s.Claim(ctx, now)
	if err != nil {
		t.Fatalf("second Claim() error = %v", err)
	}
	if first.Task().RecipientEmail == second.Task().RecipientEmail {
		t.Fatal("two claims returned the same locked row")
	}
	if _, err := s.Claim(ctx, now); !errors.Is(err, outbox.ErrNoTask) {
		t.Fatalf("third Claim() error = %v, want ErrNoTask", err)
	}

	if err := first.Complete(ctx); err != nil {
		t.Fatal(err)
	}
	if err := second.Retry(ctx, now.Add(time.Minute)); err != nil {
		t.Fatal(err)
	}

	st, err := s.QueueStats(ctx, now)
	if err != nil {
		t.Fatal(err)
	}
	if st.Pending != 1 || st.Due != 0 || st.Retrying != 1 || st.MaxRetryCount != 1 {
		t.Errorf("QueueStats() = %+v", st)
	}

	if _, err := s.Claim(ctx, now); !errors.Is(err, outbox.ErrNoTask) {
		t.Errorf("retried row should not be due yet, got %v", err)
	}
	c, err := s.Claim(ctx, now.Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Release(ctx); err != nil {
		t.Fatal(err)
	}
	c, err = s.Claim(ctx, now.Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if c.Task().RetryCount != 1 {
		t.Errorf("RetryCount after release = %d, want 1", c.Task().RetryCount)
	}
	_ = c.Release(ctx)
}

func TestIntegration_SavedResponses(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.GetResponse(ctx, "caller", "abc"); !errors.Is(err, idempotency.ErrNotFound) {
		t.Fatalf("GetResponse() error = %v, want ErrNotFound", err)
	}

	resp := idempotency.NewResponse(200, []byte(`{"issue_id":"x","fanout_count":2}`),
		idempotency.Header{Name: "Content-Type", Value: []byte("application/json")})
	resp.CreatedAt = time.Now().UTC().Add(-72 * time.Hour).Truncate(time.Microsecond)

	put := func() error {
		return s.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
			if _, err := tx.LookupResponse(ctx, "caller", "abc"); !errors.Is(err, idempotency.ErrNotFound) {
				return err
			}
			return tx.PutResponse(ctx, "caller", "abc", resp)
		})
	}
	if err := put(); err != nil {
		t.Fatalf("first put: %v", err)
	}

	got, err := s.GetResponse(ctx, "caller", "abc")
	if err != nil {
		t.Fatal(err)
	}
	if got.StatusCode != 200 || string(got.Body) != string(resp.Body) || len(got.Headers) != 1 {
		t.Errorf("GetResponse() = %+v", got)
	}

	err = s.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.PutResponse(ctx, "caller", "abc", resp)
	})
	if !errors.Is(err, idempotency.ErrConflict) {
		t.Errorf("duplicate put error = %v, want ErrConflict", err)
	}

	n, err := s.DeleteResponsesBefore(ctx, time.Now().Add(-48*time.Hour))
	if err != nil || n != 1 {
		t.Errorf("DeleteResponsesBefore() = %d, %v; want 1", n, err)
	}
}

func TestIntegration_KeyLockSerialisesFirstAttempts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	const workers = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		executed int
	)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
				if _, err := tx.LookupResponse(ctx, "caller", "race"); err == nil {
					return nil
				} else if !errors.Is(err, idempotency.ErrNotFound) {
					return err
				}
				mu.Lock()
				executed++
				mu.Unlock()
				return tx.PutResponse(ctx, "caller", "race", idempotency.NewResponse(200, []byte("ok")))
			})
			if err != nil {
				t.Errorf("WithTx() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if executed != 1 {
		t.Errorf("executed %d times, want 1", executed)
	}
}
