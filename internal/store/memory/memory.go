// Package memory is an in-process store.Store used by tests. It keeps the
// transactional behaviour the workers and executor depend on: writes inside
// WithTx become visible only on commit, LookupResponse serialises
// transactions on the same (caller, key), and claimed tasks are skipped by
// other claimers until the claim ends.
package memory

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/austindbirch/inkwell/internal/idempotency"
	"github.com/austindbirch/inkwell/internal/newsletter"
	"github.com/austindbirch/inkwell/internal/outbox"
	"github.com/austindbirch/inkwell/internal/store"
)

var errClaimDone = errors.New("memory: claim already finished")

type respKey struct {
	caller string
	key    idempotency.Key
}

type taskKey struct {
	issue uuid.UUID
	email string
}

type subscriber struct {
	name   string
	status string
}

// Store implements store.Store in memory.
type Store struct {
	mu          sync.Mutex
	responses   map[respKey]idempotency.SavedResponse
	issues      map[uuid.UUID]newsletter.Issue
	subscribers map[string]subscriber
	tasks       map[taskKey]outbox.Task
	claimed     map[taskKey]bool
	keyLocks    map[respKey]chan struct{}

	noKeyLocks bool
	commits    int
}

var _ store.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithoutKeyLocks makes LookupResponse a plain read, so concurrent first
// attempts for one key race to the saved response primary key instead of
// queueing behind each other.
func WithoutKeyLocks() Option {
	return func(s *Store) { s.noKeyLocks = true }
}

func New(opts ...Option) *Store {
	s := &Store{
		responses:   make(map[respKey]idempotency.SavedResponse),
		issues:      make(map[uuid.UUID]newsletter.Issue),
		subscribers: make(map[string]subscriber),
		tasks:       make(map[taskKey]outbox.Task),
		claimed:     make(map[taskKey]bool),
		keyLocks:    make(map[respKey]chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GetResponse returns the committed saved response for (callerID, key).
func (s *Store) GetResponse(ctx context.Context, callerID string, key idempotency.Key) (idempotency.SavedResponse, error) {
	if err := ctx.Err(); err != nil {
		return idempotency.SavedResponse{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	resp, ok := s.responses[respKey{callerID, key}]
	if !ok {
		return idempotency.SavedResponse{}, idempotency.ErrNotFound
	}
	return cloneResponse(resp), nil
}

// WithTx buffers fn's writes and applies them atomically if fn succeeds.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tx := &memTx{
		s:         s,
		responses: make(map[respKey]idempotency.SavedResponse),
		locked:    make(map[respKey]bool),
	}
	defer tx.unlockAll()

	if err := fn(ctx, tx); err != nil {
		return err
	}
	return s.commit(tx)
}

func (s *Store) commit(tx *memTx) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for k := range tx.responses {
		if _, exists := s.responses[k]; exists {
			return idempotency.ErrConflict
		}
	}
	for _, issue := range tx.issues {
		if _, exists := s.issues[issue.ID]; exists {
			return fmt.Errorf("memory: duplicate issue %s", issue.ID)
		}
	}
	for k, resp := range tx.responses {
		s.responses[k] = resp
	}
	for _, issue := range tx.issues {
		s.issues[issue.ID] = issue
	}
	for _, t := range tx.tasks {
		s.tasks[taskKey{t.IssueID, t.RecipientEmail}] = t
	}
	s.commits++
	return nil
}

func (s *Store) lockKey(ctx context.Context, k respKey) (func(), error) {
	s.mu.Lock()
	l, ok := s.keyLocks[k]
	if !ok {
		l = make(chan struct{}, 1)
		s.keyLocks[k] = l
	}
	s.mu.Unlock()

	select {
	case l <- struct{}{}:
		return func() { <-l }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type memTx struct {
	s         *Store
	responses map[respKey]idempotency.SavedResponse
	issues    []newsletter.Issue
	tasks     []outbox.Task
	locked    map[respKey]bool
	unlocks   []func()
}

func (tx *memTx) unlockAll() {
	for _, unlock := range tx.unlocks {
		unlock()
	}
}

func (tx *memTx) LookupResponse(ctx context.Context, callerID string, key idempotency.Key) (idempotency.SavedResponse, error) {
	k := respKey{callerID, key}
	if !tx.s.noKeyLocks && !tx.locked[k] {
		unlock, err := tx.s.lockKey(ctx, k)
		if err != nil {
			return idempotency.SavedResponse{}, err
		}
		tx.locked[k] = true
		tx.unlocks = append(tx.unlocks, unlock)
	}
	return tx.s.GetResponse(ctx, callerID, key)
}

func (tx *memTx) PutResponse(ctx context.Context, callerID string, key idempotency.Key, resp idempotency.SavedResponse) error {
	k := respKey{callerID, key}
	if _, pending := tx.responses[k]; pending {
		return idempotency.ErrConflict
	}
	tx.s.mu.Lock()
	_, committed := tx.s.responses[k]
	tx.s.mu.Unlock()
	if committed {
		return idempotency.ErrConflict
	}
	tx.responses[k] = cloneResponse(resp)
	return nil
}

func (tx *memTx) InsertIssue(ctx context.Context, issue newsletter.Issue) error {
	tx.issues = append(tx.issues, issue)
	return nil
}

func (tx *memTx) EnqueueDeliveries(ctx context.Context, issueID uuid.UUID, executeAfter time.Time) (int, error) {
	if !slices.ContainsFunc(tx.issues, func(i newsletter.Issue) bool { return i.ID == issueID }) {
		tx.s.mu.Lock()
		_, ok := tx.s.issues[issueID]
		tx.s.mu.Unlock()
		if !ok {
			return 0, fmt.Errorf("memory: enqueue for unknown issue %s", issueID)
		}
	}

	tx.s.mu.Lock()
	emails := make([]string, 0, len(tx.s.subscribers))
	for email, sub := range tx.s.subscribers {
		if sub.status == newsletter.SubscriberConfirmed {
			emails = append(emails, email)
		}
	}
	tx.s.mu.Unlock()
	slices.Sort(emails)

	for _, email := range emails {
		tx.tasks = append(tx.tasks, outbox.Task{
			IssueID:        issueID,
			RecipientEmail: email,
			ExecuteAfter:   executeAfter,
		})
	}
	return len(emails), nil
}

// Claim locks the due task with the earliest execute_after that no other
// claim holds.
func (s *Store) Claim(ctx context.Context, now time.Time) (outbox.Claim, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		best  taskKey
		found bool
	)
	for k, t := range s.tasks {
		if s.claimed[k] || t.ExecuteAfter.After(now) {
			continue
		}
		if !found || compareTasks(t, s.tasks[best]) < 0 {
			best, found = k, true
		}
	}
	if !found {
		return nil, outbox.ErrNoTask
	}
	s.claimed[best] = true
	return &claim{s: s, key: best, task: s.tasks[best], issue: s.issues[best.issue]}, nil
}

func compareTasks(a, b outbox.Task) int {
	if c := a.ExecuteAfter.Compare(b.ExecuteAfter); c != 0 {
		return c
	}
	if c := slices.Compare(a.IssueID[:], b.IssueID[:]); c != 0 {
		return c
	}
	return cmp.Compare(a.RecipientEmail, b.RecipientEmail)
}

type claim struct {
	s     *Store
	key   taskKey
	task  outbox.Task
	issue newsletter.Issue
	done  bool
}

func (c *claim) Task() outbox.Task { return c.task }
func (c *claim) Issue() newsletter.Issue { return c.issue }
func (c *claim) Release(context.Context) error { return c.finish(nil) }

func (c *claim) Complete(context.Context) error {
	return c.finish(func() { delete(c.s.tasks, c.key) })
}

func (c *claim) Retry(_ context.Context, executeAfter time.Time) error {
	return c.finish(func() {
		t := c.s.tasks[c.key]
		t.RetryCount++
		t.ExecuteAfter = executeAfter
		c.s.tasks[c.key] = t
	})
}

func (c *claim) finish(apply func()) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	if c.done {
		return errClaimDone
	}
	c.done = true
	if apply != nil {
		apply()
	}
	delete(c.s.claimed, c.key)
	return nil
}

func (s *Store) QueueStats(ctx context.Context, now time.Time) (outbox.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var st outbox.Stats
	for _, t := range s.tasks {
		st.Pending++
		if t.RetryCount > 0 {
			st.Retrying++
		}
		st.MaxRetryCount = max(st.MaxRetryCount, t.RetryCount)
		if !t.ExecuteAfter.After(now) {
			st.Due++
			if st.OldestDue == nil || t.ExecuteAfter.Before(*st.OldestDue) {
				at := t.ExecuteAfter
				st.OldestDue = &at
			}
		}
	}
	return st, nil
}

// AddSubscriber inserts or re-confirms a subscriber.
func (s *Store) AddSubscriber(ctx context.Context, email, name string) error {
	s.AddSubscriberWithStatus(email, name, newsletter.SubscriberConfirmed)
	return nil
}

func (s *Store) AddSubscriberWithStatus(email, name, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers[email] = subscriber{name: name, status: status}
}

func (s *Store) DeleteResponsesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for k, resp := range s.responses {
		if resp.CreatedAt.Before(cutoff) {
			delete(s.responses, k)
			n++
		}
	}
	return n, nil
}

func (s *Store) Ping(context.Context) error { return nil }
func (s *Store) Migrate(context.Context) error { return nil }
func (s *Store) Close() {}

// Seed stores an issue and its tasks directly, bypassing WithTx.
func (s *Store) Seed(issue newsletter.Issue, tasks ...outbox.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.issues[issue.ID] = issue
	for _, t := range tasks {
		s.tasks[taskKey{t.IssueID, t.RecipientEmail}] = t
	}
}

// Tasks returns every stored task ordered like Claim would hand them out.
func (s *Store) Tasks() []outbox.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]outbox.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t)
	}
	slices.SortFunc(out, compareTasks)
	return out
}

func (s *Store) Task(issueID uuid.UUID, email string) (outbox.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskKey{issueID, email}]
	return t, ok
}

func (s *Store) Issues() []newsletter.Issue {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]newsletter.Issue, 0, len(s.issues))
	for _, issue := range s.issues {
		out = append(out, issue)
	}
	return out
}

func (s *Store) ResponseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.responses)
}

// Commits counts successful WithTx commits.
func (s *Store) Commits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commits
}

func cloneResponse(r idempotency.SavedResponse) idempotency.SavedResponse {
	out := r
	out.Body = slices.Clone(r.Body)
	if r.Headers == nil {
		return out
	}
	out.Headers = make([]idempotency.Header, len(r.Headers))
	for i, h := range r.Headers {
		out.Headers[i] = idempotency.Header{Name: h.Name, Value: slices.Clone(h.Value)}
	}
	return out
}
