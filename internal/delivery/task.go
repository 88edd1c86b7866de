package delivery

import (
	"github.com/austindbirch/inkwell/internal/email"
	"github.com/austindbirch/inkwell/internal/newsletter"
)

// Outcome is what happened to one claim.
type Outcome int

const (
	// OutcomeIdle means nothing was due.
	OutcomeIdle Outcome = iota
	OutcomeDelivered
	OutcomeRetried
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDelivered:
		return "delivered"
	case OutcomeRetried:
		return "retried"
	case OutcomeFailed:
		return "failed"
	default:
		return "idle"
	}
}

// compose builds the email for one recipient of an issue.
func compose(from string, issue newsletter.Issue, recipient string) email.Message {
	return email.Message{
		From:    from,
		To:      recipient,
		Subject: issue.Title,
		HTML:    issue.HTML,
		Text:    issue.Text,
	}
}
