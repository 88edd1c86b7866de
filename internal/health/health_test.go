package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

type stubPinger struct {
	err error
}

func (s stubPinger) Ping(context.Context) error { return s.err }

func TestHTTPHandler(t *testing.T) {
	tests := []struct {
		name         string
		db           Pinger
		wantStatus   int
		wantOK       bool
		wantDatabase bool
	}{
		{"no database configured", nil, http.StatusOK, true, false},
		{"database healthy", stubPinger{}, http.StatusOK, true, true},
		{"database down", stubPinger{err: errors.New("connection refused")}, http.StatusServiceUnavailable, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			HTTPHandler(tt.db).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("Content-Type = %q", ct)
			}
			var st Status
			if err := json.NewDecoder(rec.Body).Decode(&st); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if st.OK != tt.wantOK || st.Database != tt.wantDatabase {
				t.Errorf("status body = %+v", st)
			}
		})
	}
}
