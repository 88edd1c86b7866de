package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/austindbirch/inkwell/internal/config"
	"github.com/austindbirch/inkwell/internal/email"
	"github.com/austindbirch/inkwell/internal/logging"
)

type emailRequest struct {
	From     string `json:"From"`
	To       string `json:"To"`
	Subject  string `json:"Subject"`
	HtmlBody string `json:"HtmlBody"`
	TextBody string `json:"TextBody"`
}

type mailer struct {
	token        string
	failFirstN   int
	rejectDomain string
	delay        time.Duration
	logger       *logging.Logger

	mu       sync.Mutex
	reqCount int
	accepted []emailRequest
}

func newMailer(cfg config.FakeMailer, logger *logging.Logger) *mailer {
	return &mailer{
		token:        cfg.ServerToken,
		failFirstN:   cfg.FailFirstN,
		rejectDomain: strings.ToLower(strings.TrimPrefix(cfg.RejectDomain, "@")),
		delay:        cfg.ResponseDelay,
		logger:       logger,
	}
}

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := logging.New("fake-mailer")
	m := newMailer(cfg.FakeMailer, logger)

	srv := &http.Server{
		Addr:         cfg.FakeMailer.Port,
		Handler:      m.routes(),
		ReadTimeout:  cfg.FakeMailer.ReadTimeout,
		WriteTimeout: cfg.FakeMailer.WriteTimeout,
	}
	logger.Plain().WithField("addr", srv.Addr).Info("fake-mailer listening")
	if err := srv.ListenAndServe(); err != nil {
		logger.Plain().WithError(err).Fatal("fake-mailer stopped")
	}
}

func (m *mailer) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`{"ok":true}`)) })
	mux.HandleFunc("POST /email", m.handleEmail)
	return mux
}

func (m *mailer) handleEmail(w http.ResponseWriter, r *http.Request) {
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	if m.token != "" && r.Header.Get(email.TokenHeader) != m.token {
		writeResult(w, http.StatusUnauthorized, 10, "invalid server token")
		return
	}

	var req emailRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeResult(w, http.StatusUnprocessableEntity, 402, "invalid JSON")
		return
	}

	m.mu.Lock()
	m.reqCount++
	n := m.reqCount
	m.mu.Unlock()

	entry := m.logger.Plain().WithRecipient(req.To).WithField("subject", truncate(req.Subject, 80))
	if n <= m.failFirstN {
		entry.WithField("request", fmt.Sprintf("%d/%d", n, m.failFirstN)).Warn("failing request")
		writeResult(w, http.StatusInternalServerError, 0, "temporary failure")
		return
	}
	if m.rejectDomain != "" && strings.HasSuffix(strings.ToLower(req.To), "@"+m.rejectDomain) {
		entry.Warn("rejecting recipient")
		writeResult(w, http.StatusUnprocessableEntity, 406, "inactive recipient")
		return
	}

	m.mu.Lock()
	m.accepted = append(m.accepted, req)
	m.mu.Unlock()
	entry.Info("email accepted")
	writeResult(w, http.StatusOK, 0, "OK")
}

func (m *mailer) acceptedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.accepted)
}

func writeResult(w http.ResponseWriter, status, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"ErrorCode": code, "Message": message})
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
