// Package newsletter holds the published-content domain: validated issues and
// subscriber addresses.
package newsletter

import (
	"errors"
	"fmt"
	"net/mail"
	"regexp"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"
)

const (
	MaxTitleLength   = 256
	MaxContentLength = 100_000
)

const (
	SubscriberPending   = "pending"
	SubscriberConfirmed = "confirmed"
)

var (
	ErrInvalid      = errors.New("newsletter: invalid issue")
	ErrInvalidEmail = errors.New("newsletter: invalid email")
)

var htmlTag = regexp.MustCompile(`<\s*[a-zA-Z!/][^>]*>`)

// Input is the unvalidated publish payload.
type Input struct {
	Title   string  `json:"title"`
	Content Content `json:"content"`
}

type Content struct {
	HTML string `json:"html"`
	Text string `json:"text"`
}

// Issue is a published newsletter. Read-only once stored.
type Issue struct {
	ID          uuid.UUID
	Title       string
	HTML        string
	Text        string
	PublishedAt time.Time
}

// NewIssue validates in and assigns a fresh id.
func NewIssue(in Input, now time.Time) (Issue, error) {
	title, err := parseTitle(in.Title)
	if err != nil {
		return Issue{}, err
	}
	html, err := parseHTML(in.Content.HTML)
	if err != nil {
		return Issue{}, err
	}
	text, err := parseText(in.Content.Text)
	if err != nil {
		return Issue{}, err
	}
	return Issue{
		ID:          uuid.New(),
		Title:       title,
		HTML:        html,
		Text:        text,
		PublishedAt: now.UTC(),
	}, nil
}

func parseTitle(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("%w: title cannot be empty", ErrInvalid)
	}
	if utf8.RuneCountInString(s) > MaxTitleLength {
		return "", fmt.Errorf("%w: title cannot be longer than %d characters", ErrInvalid, MaxTitleLength)
	}
	if strings.IndexFunc(s, unicode.IsControl) >= 0 {
		return "", fmt.Errorf("%w: title cannot contain control characters", ErrInvalid)
	}
	return s, nil
}

func parseHTML(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("%w: html content cannot be empty", ErrInvalid)
	}
	if utf8.RuneCountInString(s) > MaxContentLength {
		return "", fmt.Errorf("%w: html content cannot be longer than %d characters", ErrInvalid, MaxContentLength)
	}
	if !htmlTag.MatchString(s) {
		return "", fmt.Errorf("%w: html content must contain html tags", ErrInvalid)
	}
	return s, nil
}

func parseText(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("%w: text content cannot be empty", ErrInvalid)
	}
	if utf8.RuneCountInString(s) > MaxContentLength {
		return "", fmt.Errorf("%w: text content cannot be longer than %d characters", ErrInvalid, MaxContentLength)
	}
	return s, nil
}

// ParseEmail validates a bare recipient address ("a@x.com", no display name).
func ParseEmail(s string) (string, error) {
	s = strings.TrimSpace(s)
	addr, err := mail.ParseAddress(s)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrInvalidEmail, s, err)
	}
	if addr.Name != "" || addr.Address != s {
		return "", fmt.Errorf("%w: %q must be a bare address", ErrInvalidEmail, s)
	}
	if at := strings.LastIndex(s, "@"); at <= 0 || !strings.Contains(s[at+1:], ".") {
		return "", fmt.Errorf("%w: %q has no domain", ErrInvalidEmail, s)
	}
	return s, nil
}
