package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/austindbirch/inkwell/internal/newsletter"
	"github.com/austindbirch/inkwell/internal/outbox"
)

// withGlobals restores the flag-backed globals after a test.
func withGlobals(t *testing.T) {
	t.Helper()
	saved := struct {
		server, token, caller, header string
		timeout                       time.Duration
		json                          bool
	}{serverAddr, jwtToken, callerID, callerHeader, timeout, outputJSON}
	t.Cleanup(func() {
		serverAddr, jwtToken, callerID, callerHeader = saved.server, saved.token, saved.caller, saved.header
		timeout, outputJSON = saved.timeout, saved.json
	})
}

func TestAuthHeaders(t *testing.T) {
	withGlobals(t)
	callerHeader = "X-Caller-Id"

	tests := []struct {
		name       string
		token      string
		caller     string
		wantAuth   string
		wantCaller string
	}{
		{"token wins", "abc", "c1", "Bearer abc", ""},
		{"caller header", "", "c1", "", "c1"},
		{"nothing", "", "", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			jwtToken, callerID = tt.token, tt.caller
			h := authHeaders()
			if got := h.Get("Authorization"); got != tt.wantAuth {
				t.Errorf("Authorization = %q, want %q", got, tt.wantAuth)
			}
			if got := h.Get("X-Caller-Id"); got != tt.wantCaller {
				t.Errorf("X-Caller-Id = %q, want %q", got, tt.wantCaller)
			}
		})
	}
}

func TestPublish(t *testing.T) {
	withGlobals(t)

	var gotKey, gotCaller string
	var gotBody newsletter.Input
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/newsletters" {
			t.Errorf("request = %s %s", r.Method, r.URL.Path)
		}
		gotKey = r.Header.Get("Idempotency-Key")
		gotCaller = r.Header.Get("X-Caller-Id")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"issue_id":"00000000-0000-0000-0000-000000000001","fanout_count":3}`))
	}))
	defer srv.Close()

	serverAddr, timeout = srv.URL+"/", 5*time.Second
	jwtToken, callerID, callerHeader = "", "publisher-1", "X-Caller-Id"

	in := newsletter.Input{Title: "Hi", Content: newsletter.Content{HTML: "<p>hi</p>", Text: "hi"}}
	res, err := publish(context.Background(), "key-1", in)
	if err != nil {
		t.Fatalf("publish() error = %v", err)
	}
	if res.Status != http.StatusOK || res.IdempotencyKey != "key-1" {
		t.Errorf("result = %+v", res)
	}
	if !strings.Contains(string(res.Body), `"fanout_count":3`) {
		t.Errorf("body = %s", res.Body)
	}
	if gotKey != "key-1" || gotCaller != "publisher-1" {
		t.Errorf("headers key=%q caller=%q", gotKey, gotCaller)
	}
	if gotBody != in {
		t.Errorf("body = %+v, want %+v", gotBody, in)
	}
}

func TestPublish_NonJSONResponse(t *testing.T) {
	withGlobals(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "missing X-Caller-Id header", http.StatusUnauthorized)
	}))
	defer srv.Close()
	serverAddr, timeout = srv.URL, 5*time.Second

	res, err := publish(context.Background(), "k", newsletter.Input{})
	if err != nil {
		t.Fatalf("publish() error = %v", err)
	}
	if res.Status != http.StatusUnauthorized {
		t.Errorf("status = %d", res.Status)
	}
	if !json.Valid(res.Body) {
		t.Errorf("body is not valid JSON: %s", res.Body)
	}
}

func TestPublishFlags_Input(t *testing.T) {
	dir := t.TempDir()
	htmlPath := filepath.Join(dir, "issue.html")
	if err := os.WriteFile(htmlPath, []byte("<h1>From file</h1>"), 0o600); err != nil {
		t.Fatal(err)
	}

	in, err := publishFlags{title: "T", htmlFile: htmlPath, text: "plain"}.input()
	if err != nil {
		t.Fatalf("input() error = %v", err)
	}
	if in.Content.HTML != "<h1>From file</h1>" || in.Content.Text != "plain" || in.Title != "T" {
		t.Errorf("input = %+v", in)
	}

	if _, err := (publishFlags{textFile: filepath.Join(dir, "missing.txt")}).input(); err == nil {
		t.Error("missing file: error = nil")
	}
}

func TestPrintOutput(t *testing.T) {
	withGlobals(t)
	v := map[string]int{"deleted": 2}

	outputJSON = false
	var human bytes.Buffer
	if err := printOutput(&human, v, func(w io.Writer) { _, _ = io.WriteString(w, "Deleted 2\n") }); err != nil {
		t.Fatal(err)
	}
	if human.String() != "Deleted 2\n" {
		t.Errorf("human output = %q", human.String())
	}

	outputJSON = true
	var js bytes.Buffer
	if err := printOutput(&js, v, func(io.Writer) { t.Error("human formatter called in JSON mode") }); err != nil {
		t.Fatal(err)
	}
	var got map[string]int
	if err := json.Unmarshal(js.Bytes(), &got); err != nil || got["deleted"] != 2 {
		t.Errorf("json output = %q (%v)", js.String(), err)
	}
}

func TestPrintStats(t *testing.T) {
	oldest := time.Now().Add(-time.Hour)
	var buf bytes.Buffer
	printStats(&buf, outbox.Stats{Pending: 5, Due: 3, Retrying: 2, MaxRetryCount: 4, OldestDue: &oldest})
	out := buf.String()
	for _, want := range []string{"Pending:         5", "Due now:         3", "Retrying:        2", "Max retry count: 4"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}

	buf.Reset()
	printStats(&buf, outbox.Stats{})
	if !strings.Contains(buf.String(), "Oldest due:      -") {
		t.Errorf("empty queue output:\n%s", buf.String())
	}
}

func TestVersionCommand(t *testing.T) {
	withGlobals(t)
	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetArgs([]string{"version", "--json"})
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
		_ = rootCmd.PersistentFlags().Set("json", "false")
	})

	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	var info map[string]string
	if err := json.Unmarshal(buf.Bytes(), &info); err != nil {
		t.Fatalf("decode %q: %v", buf.String(), err)
	}
	if info["version"] != Version {
		t.Errorf("version = %q, want %q", info["version"], Version)
	}
}

func TestTokenKeygenAndIssue(t *testing.T) {
	withGlobals(t)
	dir := t.TempDir()
	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	})

	rootCmd.SetArgs([]string{"token", "keygen", "--dir", dir})
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("keygen: %v", err)
	}

	buf.Reset()
	rootCmd.SetArgs([]string{"token", "issue", "publisher-1", "--key-file", filepath.Join(dir, "jwt.key")})
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("issue: %v", err)
	}
	token := strings.TrimSpace(buf.String())
	if strings.Count(token, ".") != 2 {
		t.Errorf("token = %q, want a JWT", token)
	}
}
