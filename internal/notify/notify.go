// Package notify delivers user notifications raised by collaboration
// activity. The inbox row is the record of truth; the Redis push channel and
// email are best-effort copies.
package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"scenariolab/api/internal/store"
)

type inbox interface {
	InsertNotification(ctx context.Context, item store.Notification) error
}

// Publisher pushes a notification to live subscribers.
type Publisher interface {
	Publish(ctx context.Context, item store.Notification) error
}

// Mailer sends a plain text message.
type Mailer interface {
	IsConfigured() bool
	SendEmail(to []string, subject, body string) error
}

type Dispatcher struct {
	inbox     inbox
	publisher Publisher
	mailer    Mailer
	log       zerolog.Logger
}

// NewDispatcher wires the optional channels; publisher and mailer may be nil.
func NewDispatcher(inbox inbox, publisher Publisher, mailer Mailer, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{inbox: inbox, publisher: publisher, mailer: mailer, log: log}
}

// Notify stores the notification and fans it out. Every channel is attempted;
// the returned error joins whatever failed.
func (d *Dispatcher) Notify(ctx context.Context, item store.Notification) error {
	var errs []error
	if err := d.inbox.InsertNotification(ctx, item); err != nil {
		errs = append(errs, fmt.Errorf("store notification: %w", err))
	}
	if d.publisher != nil {
		if err := d.publisher.Publish(ctx, item); err != nil {
			errs = append(errs, fmt.Errorf("publish notification: %w", err))
		}
	}
	if d.mailer != nil && d.mailer.IsConfigured() && looksLikeEmail(item.Recipient) {
		if err := d.mailer.SendEmail([]string{item.Recipient}, subjectFor(item), item.Message); err != nil {
			errs = append(errs, fmt.Errorf("email notification: %w", err))
		}
	}

	err := errors.Join(errs...)
	event := d.log.Debug()
	if err != nil {
		event = d.log.Warn().Err(err)
	}
	event.Str("recipient", item.Recipient).Str("kind", item.Kind).Msg("notification dispatched")
	return err
}

func subjectFor(item store.Notification) string {
	switch item.Kind {
	case store.NotifyMention:
		return "You were mentioned in a scenario discussion"
	case store.NotifyReply:
		return "New reply on your scenario comment"
	case store.NotifyEditProposal:
		return "New edit proposal awaiting review"
	default:
		return "Scenario notification"
	}
}

func looksLikeEmail(recipient string) bool {
	for i := 1; i < len(recipient)-1; i++ {
		if recipient[i] == '@' {
			return true
		}
	}
	return false
}
