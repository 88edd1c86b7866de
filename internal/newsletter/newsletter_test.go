package newsletter

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

func validInput() Input {
	return Input{
		Title:   "Weekly digest",
		Content: Content{HTML: "<p>Hello subscribers!</p>", Text: "Hello subscribers!"},
	}
}

func TestNewIssue(t *testing.T) {
	now := time.Date(2024, 3, 1, 9, 30, 0, 0, time.FixedZone("X", 3600))

	issue, err := NewIssue(validInput(), now)
	if err != nil {
		t.Fatalf("NewIssue() unexpected error: %v", err)
	}
	if issue.ID == uuid.Nil {
		t.Error("NewIssue() did not assign an id")
	}
	if issue.Title != "Weekly digest" {
		t.Errorf("Title = %q, want %q", issue.Title, "Weekly digest")
	}
	if issue.PublishedAt.Location() != time.UTC {
		t.Errorf("PublishedAt location = %v, want UTC", issue.PublishedAt.Location())
	}
	if !issue.PublishedAt.Equal(now) {
		t.Errorf("PublishedAt = %v, want %v", issue.PublishedAt, now)
	}

	other, _ := NewIssue(validInput(), now)
	if other.ID == issue.ID {
		t.Error("NewIssue() returned the same id twice")
	}
}

func TestNewIssue_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Input)
		errMsg string
	}{
		{
			name:   "missing title",
			mutate: func(in *Input) { in.Title = "" },
			errMsg: "title cannot be empty",
		},
		{
			name:   "whitespace title",
			mutate: func(in *Input) { in.Title = "   " },
			errMsg: "title cannot be empty",
		},
		{
			name:   "title too long",
			mutate: func(in *Input) { in.Title = strings.Repeat("a", MaxTitleLength+1) },
			errMsg: "title cannot be longer",
		},
		{
			name:   "title with control characters",
			mutate: func(in *Input) { in.Title = "hello\x00world" },
			errMsg: "control characters",
		},
		{
			name:   "missing html",
			mutate: func(in *Input) { in.Content.HTML = "" },
			errMsg: "html content cannot be empty",
		},
		{
			name:   "html without tags",
			mutate: func(in *Input) { in.Content.HTML = "just text" },
			errMsg: "must contain html tags",
		},
		{
			name:   "html too long",
			mutate: func(in *Input) { in.Content.HTML = "<p>" + strings.Repeat("a", MaxContentLength) + "</p>" },
			errMsg: "html content cannot be longer",
		},
		{
			name:   "missing text",
			mutate: func(in *Input) { in.Content.Text = " " },
			errMsg: "text content cannot be empty",
		},
		{
			name:   "text too long",
			mutate: func(in *Input) { in.Content.Text = strings.Repeat("a", MaxContentLength+1) },
			errMsg: "text content cannot be longer",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := validInput()
			tt.mutate(&in)

			_, err := NewIssue(in, time.Now())
			if err == nil {
				t.Fatal("NewIssue() expected error")
			}
			if !errors.Is(err, ErrInvalid) {
				t.Errorf("NewIssue() error = %v, want ErrInvalid", err)
			}
			if !strings.Contains(err.Error(), tt.errMsg) {
				t.Errorf("NewIssue() error = %q, want it to contain %q", err.Error(), tt.errMsg)
			}
		})
	}
}

func TestParseEmail(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		expected    string
		expectError bool
	}{
		{name: "valid", input: "a@x.com", expected: "a@x.com"},
		{name: "trimmed", input: "  b@x.com ", expected: "b@x.com"},
		{name: "plus addressing", input: "c+news@example.org", expected: "c+news@example.org"},
		{name: "empty", input: "", expectError: true},
		{name: "missing at", input: "athanfasee.com", expectError: true},
		{name: "missing local part", input: "@domain.com", expectError: true},
		{name: "missing domain dot", input: "user@localhost", expectError: true},
		{name: "display name", input: "Ann <ann@x.com>", expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseEmail(tt.input)
			if tt.expectError {
				if !errors.Is(err, ErrInvalidEmail) {
					t.Errorf("ParseEmail(%q) error = %v, want ErrInvalidEmail", tt.input, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseEmail(%q) unexpected error: %v", tt.input, err)
			}
			if got != tt.expected {
				t.Errorf("ParseEmail(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}
