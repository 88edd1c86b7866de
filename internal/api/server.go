// Package api serves the publish endpoint over HTTP/JSON.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/austindbirch/inkwell/internal/auth"
	"github.com/austindbirch/inkwell/internal/command"
	"github.com/austindbirch/inkwell/internal/idempotency"
	"github.com/austindbirch/inkwell/internal/logging"
	"github.com/austindbirch/inkwell/internal/newsletter"
)

// IdempotencyKeyHeader carries the caller's key on mutating requests.
const IdempotencyKeyHeader = "Idempotency-Key"

const defaultMaxBodyBytes = 1 << 20

type Publisher interface {
	Publish(ctx context.Context, callerID string, key idempotency.Key, in newsletter.Input) (command.Result, error)
}

type Server struct {
	publisher    Publisher
	auth         *auth.Authenticator
	health       http.Handler
	metrics      http.Handler
	maxBodyBytes int64
	logger       *logging.Logger
}

type Option func(*Server)

// WithHealth mounts h at /healthz.
func WithHealth(h http.Handler) Option { return func(s *Server) { s.health = h } }

// WithMetrics mounts h at /metrics.
func WithMetrics(h http.Handler) Option { return func(s *Server) { s.metrics = h } }

func WithMaxBodyBytes(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxBodyBytes = n
		}
	}
}

func NewServer(publisher Publisher, authn *auth.Authenticator, logger *logging.Logger, opts ...Option) *Server {
	s := &Server{
		publisher:    publisher,
		auth:         authn,
		maxBodyBytes: defaultMaxBodyBytes,
		logger:       logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routed, authenticated handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/newsletters", s.publish)
	if s.health != nil {
		mux.Handle("GET /healthz", s.health)
	}
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}
	return s.auth.HTTPMiddleware(mux)
}

func (s *Server) publish(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	callerID, ok := auth.CallerIDFromContext(ctx)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}

	key, err := idempotency.ParseKey(r.Header.Get(IdempotencyKeyHeader))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var in newsletter.Input
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxBodyBytes))
	if err := dec.Decode(&in); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	res, err := s.publisher.Publish(ctx, callerID, key, in)
	switch {
	case err == nil:
	case errors.Is(err, newsletter.ErrInvalid):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, command.ErrContended):
		writeError(w, http.StatusConflict, "request with this idempotency key is in progress, retry later")
		return
	default:
		s.logger.WithContext(ctx).WithCaller(callerID).WithError(err).Error("publish failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	if err := res.Response.WriteTo(w); err != nil {
		s.logger.WithContext(ctx).WithError(err).Warn("write publish response")
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
