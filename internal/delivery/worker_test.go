package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/austindbirch/inkwell/internal/backoff"
	"github.com/austindbirch/inkwell/internal/email"
	"github.com/austindbirch/inkwell/internal/logging"
	"github.com/austindbirch/inkwell/internal/newsletter"
	"github.com/austindbirch/inkwell/internal/outbox"
	"github.com/austindbirch/inkwell/internal/store/memory"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

var nopLogger = logging.NewWithZap("test", zap.NewNop())

// fakeSender fails for the listed recipients and records every send.
type fakeSender struct {
	mu    sync.Mutex
	fail  map[string]error
	sent  map[string]int
	calls int
}

func newFakeSender(fail map[string]error) *fakeSender {
	return &fakeSender{fail: fail, sent: make(map[string]int)}
}

func (f *fakeSender) Send(_ context.Context, msg email.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if err := f.fail[msg.To]; err != nil {
		return err
	}
	f.sent[msg.To]++
	return nil
}

type recordingObserver struct {
	mu        sync.Mutex
	delivered []outbox.Task
	retried   []outbox.Task
	failed    []DeadLetter
}

func (r *recordingObserver) Delivered(_ context.Context, task outbox.Task, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delivered = append(r.delivered, task)
}

func (r *recordingObserver) Retried(_ context.Context, task outbox.Task, _ string, _ time.Time, _ error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retried = append(r.retried, task)
}

func (r *recordingObserver) Failed(_ context.Context, dl DeadLetter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = append(r.failed, dl)
}

var errTransient = &email.SendError{Reason: "http_5xx", StatusCode: 503, Err: errors.New("unavailable")}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.From = "news@example.com"
	cfg.PollInterval = time.Millisecond
	cfg.Backoff = backoff.Policy{Base: time.Minute, Max: 24 * time.Hour, MaxAttempts: 10}
	return cfg
}

func seed(s *memory.Store, tasks ...outbox.Task) newsletter.Issue {
	issue := newsletter.Issue{ID: uuid.New(), Title: "Weekly", HTML: "<p>hi</p>", Text: "hi", PublishedAt: t0}
	for i := range tasks {
		tasks[i].IssueID = issue.ID
		if tasks[i].ExecuteAfter.IsZero() {
			tasks[i].ExecuteAfter = t0
		}
	}
	s.Seed(issue, tasks...)
	return issue
}

func newTestPool(s *memory.Store, sender email.Sender, obs Observer, cfg Config) *Pool {
	return NewPool(s, sender, obs, cfg, WithClock(func() time.Time { return t0 }), WithLogger(nopLogger))
}

func TestProcessOne_FailureAndSuccess(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	issue := seed(s,
		outbox.Task{RecipientEmail: "a@example.com", ExecuteAfter: t0.Add(-time.Second)},
		outbox.Task{RecipientEmail: "b@example.com"},
	)
	sender := newFakeSender(map[string]error{"a@example.com": errTransient})
	obs := &recordingObserver{}
	p := newTestPool(s, sender, obs, testConfig())

	want := []Outcome{OutcomeRetried, OutcomeDelivered, OutcomeIdle}
	for i, w := range want {
		got, err := p.ProcessOne(ctx)
		if err != nil {
			t.Fatalf("ProcessOne() #%d error = %v", i, err)
		}
		if got != w {
			t.Errorf("ProcessOne() #%d = %v, want %v", i, got, w)
		}
	}

	a, ok := s.Task(issue.ID, "a@example.com")
	if !ok {
		t.Fatal("failed task was deleted")
	}
	if a.RetryCount != 1 {
		t.Errorf("retry_count = %d, want 1", a.RetryCount)
	}
	if want := t0.Add(2 * time.Minute); !a.ExecuteAfter.Equal(want) {
		t.Errorf("execute_after = %v, want %v", a.ExecuteAfter, want)
	}
	if _, ok := s.Task(issue.ID, "b@example.com"); ok {
		t.Error("delivered task still present")
	}
	if sender.sent["b@example.com"] != 1 {
		t.Errorf("b sent %d times, want 1", sender.sent["b@example.com"])
	}
	if len(obs.delivered) != 1 || len(obs.retried) != 1 || len(obs.failed) != 0 {
		t.Errorf("observer delivered=%d retried=%d failed=%d", len(obs.delivered), len(obs.retried), len(obs.failed))
	}
}

func TestProcessOne_RetryCeiling(t *testing.T) {
	tests := []struct {
		name        string
		retryCount  int
		wantOutcome Outcome
		wantExists  bool
	}{
		{"below ceiling retries", 8, OutcomeRetried, true},
		{"reaching ceiling gives up", 9, OutcomeFailed, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := memory.New()
			issue := seed(s, outbox.Task{RecipientEmail: "a@example.com", RetryCount: tt.retryCount})
			obs := &recordingObserver{}
			p := newTestPool(s, newFakeSender(map[string]error{"a@example.com": errTransient}), obs, testConfig())

			got, err := p.ProcessOne(context.Background())
			if err != nil {
				t.Fatalf("ProcessOne() error = %v", err)
			}
			if got != tt.wantOutcome {
				t.Errorf("ProcessOne() = %v, want %v", got, tt.wantOutcome)
			}
			if _, ok := s.Task(issue.ID, "a@example.com"); ok != tt.wantExists {
				t.Errorf("task exists = %v, want %v", ok, tt.wantExists)
			}
			if tt.wantExists {
				return
			}
			if len(obs.failed) != 1 {
				t.Fatalf("Failed called %d times, want exactly 1", len(obs.failed))
			}
			dl := obs.failed[0]
			if dl.Type != DLQType || dl.Reason != ReasonMaxRetries || dl.HTTPStatus != 503 || dl.Subject != "Weekly" {
				t.Errorf("dead letter = %+v", dl)
			}
			if dl.RetryCount != tt.retryCount {
				t.Errorf("dead letter retry_count = %d, want %d", dl.RetryCount, tt.retryCount)
			}
		})
	}
}

func TestProcessOne_PermanentFailures(t *testing.T) {
	permanent := &email.SendError{Permanent: true, Reason: "http_4xx", StatusCode: 422, Err: errors.New("inactive recipient")}

	tests := []struct {
		name        string
		bypass      bool
		wantOutcome Outcome
	}{
		{"treated as transient by default", false, OutcomeRetried},
		{"given up when bypass enabled", true, OutcomeFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := memory.New()
			seed(s, outbox.Task{RecipientEmail: "a@example.com"})
			obs := &recordingObserver{}
			cfg := testConfig()
			cfg.PermanentBypass = tt.bypass
			p := newTestPool(s, newFakeSender(map[string]error{"a@example.com": permanent}), obs, cfg)

			got, err := p.ProcessOne(context.Background())
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.wantOutcome {
				t.Errorf("ProcessOne() = %v, want %v", got, tt.wantOutcome)
			}
			if tt.bypass && (len(obs.failed) != 1 || obs.failed[0].Reason != ReasonPermanent) {
				t.Errorf("failed = %+v, want one permanent dead letter", obs.failed)
			}
		})
	}
}

func TestProcessOne_InvalidRecipient(t *testing.T) {
	s := memory.New()
	issue := seed(s, outbox.Task{RecipientEmail: "not-an-address"})
	sender := newFakeSender(nil)
	obs := &recordingObserver{}
	p := newTestPool(s, sender, obs, testConfig())

	got, err := p.ProcessOne(context.Background())
	if err != nil || got != OutcomeFailed {
		t.Fatalf("ProcessOne() = %v, %v; want failed", got, err)
	}
	if sender.calls != 0 {
		t.Error("sender called for an invalid recipient")
	}
	if _, ok := s.Task(issue.ID, "not-an-address"); ok {
		t.Error("invalid recipient task not deleted")
	}
	if len(obs.failed) != 1 || obs.failed[0].Reason != ReasonInvalidRecipient {
		t.Errorf("failed = %+v", obs.failed)
	}
}

func TestProcessOne_SkipsFutureTasks(t *testing.T) {
	s := memory.New()
	seed(s, outbox.Task{RecipientEmail: "a@example.com", ExecuteAfter: t0.Add(time.Minute)})
	sender := newFakeSender(nil)
	p := newTestPool(s, sender, nil, testConfig())

	got, err := p.ProcessOne(context.Background())
	if err != nil || got != OutcomeIdle {
		t.Errorf("ProcessOne() = %v, %v; want idle", got, err)
	}
	if sender.calls != 0 {
		t.Error("future task was sent")
	}
}

func TestRun_EachTaskDeliveredOnce(t *testing.T) {
	s := memory.New()
	const recipients = 50
	tasks := make([]outbox.Task, recipients)
	for i := range tasks {
		tasks[i] = outbox.Task{RecipientEmail: fmt.Sprintf("r%02d@example.com", i)}
	}
	seed(s, tasks...)

	sender := newFakeSender(nil)
	obs := &recordingObserver{}
	cfg := testConfig()
	cfg.Workers = 8
	p := newTestPool(s, sender, obs, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	deadline := time.After(5 * time.Second)
	for len(s.Tasks()) > 0 {
		select {
		case <-deadline:
			cancel()
			t.Fatalf("%d tasks left after deadline", len(s.Tasks()))
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run() error = %v", err)
	}

	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.sent) != recipients {
		t.Errorf("sent to %d recipients, want %d", len(sender.sent), recipients)
	}
	for to, n := range sender.sent {
		if n != 1 {
			t.Errorf("%s received %d emails, want 1", to, n)
		}
	}
	if len(obs.delivered) != recipients {
		t.Errorf("Delivered observed %d times, want %d", len(obs.delivered), recipients)
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	p := newTestPool(memory.New(), newFakeSender(nil), nil, testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}

func TestErrorBackoff(t *testing.T) {
	p := newTestPool(memory.New(), newFakeSender(nil), nil, testConfig())

	tests := []struct {
		failures int
		base     time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{4, 8 * time.Second},
		{20, time.Minute},
	}
	for _, tt := range tests {
		got := p.errorBackoff(tt.failures)
		lo, hi := time.Duration(float64(tt.base)*0.75), time.Duration(float64(tt.base)*1.25)
		if got < lo || got > hi {
			t.Errorf("errorBackoff(%d) = %v, want within [%v, %v]", tt.failures, got, lo, hi)
		}
	}
}

func TestOutcomeString(t *testing.T) {
	tests := map[Outcome]string{
		OutcomeIdle:      "idle",
		OutcomeDelivered: "delivered",
		OutcomeRetried:   "retried",
		OutcomeFailed:    "failed",
	}
	for o, want := range tests {
		if got := o.String(); got != want {
			t.Errorf("Outcome(%d).String() = %q, want %q", int(o), got, want)
		}
	}
}
