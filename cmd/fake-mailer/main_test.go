package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/austindbirch/inkwell/internal/config"
	"github.com/austindbirch/inkwell/internal/email"
	"github.com/austindbirch/inkwell/internal/logging"
)

var nopLogger = logging.NewWithZap("test", zap.NewNop())

func msg(to string) email.Message {
	return email.Message{From: "news@example.com", To: to, Subject: "Hi", HTML: "<p>hi</p>", Text: "hi"}
}

func TestMailer_FailFirstN(t *testing.T) {
	m := newMailer(config.FakeMailer{FailFirstN: 2}, nopLogger)
	srv := httptest.NewServer(m.routes())
	defer srv.Close()

	client := email.NewClient(srv.URL, "", time.Second)
	for i := range 2 {
		err := client.Send(context.Background(), msg("a@example.com"))
		if err == nil {
			t.Fatalf("request %d succeeded, want failure", i+1)
		}
		if email.IsPermanent(err) || email.Reason(err) != "http_5xx" {
			t.Errorf("request %d: permanent=%v reason=%q", i+1, email.IsPermanent(err), email.Reason(err))
		}
	}
	if err := client.Send(context.Background(), msg("a@example.com")); err != nil {
		t.Fatalf("third request error = %v", err)
	}
	if m.acceptedCount() != 1 {
		t.Errorf("accepted = %d, want 1", m.acceptedCount())
	}
}

func TestMailer_RejectDomainIsPermanent(t *testing.T) {
	m := newMailer(config.FakeMailer{RejectDomain: "@Bounce.test"}, nopLogger)
	srv := httptest.NewServer(m.routes())
	defer srv.Close()

	err := email.NewClient(srv.URL, "", time.Second).Send(context.Background(), msg("x@bounce.test"))
	if !email.IsPermanent(err) {
		t.Fatalf("error = %v, want permanent", err)
	}
	if email.StatusCode(err) != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422", email.StatusCode(err))
	}
}

func TestMailer_Token(t *testing.T) {
	m := newMailer(config.FakeMailer{ServerToken: "secret"}, nopLogger)
	srv := httptest.NewServer(m.routes())
	defer srv.Close()

	if err := email.NewClient(srv.URL, "wrong", time.Second).Send(context.Background(), msg("a@example.com")); !email.IsPermanent(err) {
		t.Errorf("wrong token error = %v, want permanent", err)
	}
	if err := email.NewClient(srv.URL, "secret", time.Second).Send(context.Background(), msg("a@example.com")); err != nil {
		t.Errorf("correct token error = %v", err)
	}
}

func TestMailer_BadJSON(t *testing.T) {
	m := newMailer(config.FakeMailer{}, nopLogger)
	rec := httptest.NewRecorder()
	m.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/email", strings.NewReader("{")))
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422", rec.Code)
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"short", 10, "short"},
		{"exactly10!", 10, "exactly10!"},
		{"this is longer", 4, "this..."},
	}
	for _, tt := range tests {
		if got := truncate(tt.in, tt.n); got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}
