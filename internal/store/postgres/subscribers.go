package postgres

import (
	"context"
	"fmt"

	"github.com/austindbirch/inkwell/internal/newsletter"
)

// AddSubscriber inserts a confirmed subscriber, re-confirming an existing one.
func (s *Store) AddSubscriber(ctx context.Context, email, name string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO subscriber (email, name, status)
		VALUES ($1, $2, $3)
		ON CONFLICT (email) DO UPDATE
		SET name = EXCLUDED.name, status = EXCLUDED.status`,
		email, name, newsletter.SubscriberConfirmed,
	)
	if err != nil {
		return fmt.Errorf("inkwell/postgres: add subscriber: %w", err)
	}
	return nil
}
