// Package postgres implements store.Store on PostgreSQL with pgx/v5.
//
// Command transactions serialise on (caller, key) with a transaction-scoped
// advisory lock taken by LookupResponse; the saved_response primary key stays
// the arbiter and unique violations on it surface as
// idempotency.ErrConflict. Delivery workers claim one due row at a time with
// SELECT ... FOR UPDATE SKIP LOCKED and keep the transaction open until the
// row is deleted, retried or released.
//
// Usage:
//
//	pool, err := db.Connect(ctx, cfg.DSN(), cfg.DB.MaxConns)
//	s := postgres.NewFromPool(pool)
//	if err := s.Migrate(ctx); err != nil { ... }
package postgres
