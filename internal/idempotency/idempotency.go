// Package idempotency defines the captured response a mutating command leaves
// behind, keyed by (caller, idempotency key). A SavedResponse is written once,
// at commit time of the first successful attempt, and never updated.
package idempotency

import (
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"
	"unicode/utf8"
)

// MaxKeyLength bounds caller-supplied keys.
const MaxKeyLength = 50

var (
	ErrNotFound   = errors.New("idempotency: saved response not found")
	ErrConflict   = errors.New("idempotency: saved response already exists")
	ErrInvalidKey = errors.New("idempotency: invalid key")
)

// Header is one response header. Order and duplicates are preserved.
type Header struct {
	Name  string `json:"name"`
	Value []byte `json:"value"`
}

// SavedResponse is the verbatim response returned for every retry of a key.
type SavedResponse struct {
	StatusCode int
	Headers    []Header
	Body       []byte
	CreatedAt  time.Time
}

// Key is a validated idempotency key.
type Key string

// ParseKey trims and validates a caller-supplied key.
func ParseKey(s string) (Key, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("%w: key cannot be empty", ErrInvalidKey)
	}
	if utf8.RuneCountInString(s) > MaxKeyLength {
		return "", fmt.Errorf("%w: key must be at most %d characters", ErrInvalidKey, MaxKeyLength)
	}
	return Key(s), nil
}

func (k Key) String() string { return string(k) }

// NewResponse captures a status, body and headers in the given order.
func NewResponse(status int, body []byte, headers ...Header) SavedResponse {
	return SavedResponse{StatusCode: status, Headers: headers, Body: body}
}

// HeaderList converts an http.Header into an ordered list. Names are sorted
// so the captured order is deterministic.
func HeaderList(h http.Header) []Header {
	names := make([]string, 0, len(h))
	for name := range h {
		names = append(names, name)
	}
	slices.Sort(names)
	out := make([]Header, 0, len(h))
	for _, name := range names {
		for _, v := range h[name] {
			out = append(out, Header{Name: name, Value: []byte(v)})
		}
	}
	return out
}

// WriteTo replays the saved response onto w.
func (r SavedResponse) WriteTo(w http.ResponseWriter) error {
	for _, h := range r.Headers {
		w.Header().Add(h.Name, string(h.Value))
	}
	w.WriteHeader(r.StatusCode)
	if len(r.Body) == 0 {
		return nil
	}
	_, err := w.Write(r.Body)
	return err
}
