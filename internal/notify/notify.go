// Package notify delivers verification emails and SMS codes.
package notify

//go:generate mockgen -destination=mocks/mock_notifier.go -package=mocks -source=notify.go Notifier

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/keyhold/server/internal/logging"
)

// Notifier sends email and SMS messages
type Notifier interface {
	SendEmail(ctx context.Context, to, subject, htmlBody string) error
	SendSMS(ctx context.Context, to, message string) error
}

// LogNotifier writes messages to the log instead of delivering them
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a notifier for development
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// SendEmail logs the recipient at Info. The body carries live tickets, so it
// is only written at Debug.
func (n *LogNotifier) SendEmail(_ context.Context, to, subject, htmlBody string) error {
	n.logger.Info("email (not sent)", logging.Email(to), zap.String("subject", subject))
	n.logger.Debug("email body", logging.Email(to), zap.String("body", htmlBody))
	return nil
}

func (n *LogNotifier) SendSMS(_ context.Context, to, message string) error {
	n.logger.Info("sms (not sent)", logging.Phone(to))
	n.logger.Debug("sms body", logging.Phone(to), zap.String("message", message))
	return nil
}

// Message is one captured email or SMS
type Message struct {
	To      string
	Subject string
	Body    string
}

// Outbox captures messages in memory. Used by tests.
type Outbox struct {
	mu     sync.Mutex
	emails []Message
	sms    []Message
}

func (o *Outbox) SendEmail(_ context.Context, to, subject, htmlBody string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.emails = append(o.emails, Message{To: to, Subject: subject, Body: htmlBody})
	return nil
}

func (o *Outbox) SendSMS(_ context.Context, to, message string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sms = append(o.sms, Message{To: to, Body: message})
	return nil
}

// Emails returns a copy of the captured emails
func (o *Outbox) Emails() []Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Message(nil), o.emails...)
}

// SMS returns a copy of the captured text messages
func (o *Outbox) SMS() []Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Message(nil), o.sms...)
}

// LastEmailTo returns the most recent email sent to the address
func (o *Outbox) LastEmailTo(to string) (Message, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i := len(o.emails) - 1; i >= 0; i-- {
		if o.emails[i].To == to {
			return o.emails[i], true
		}
	}
	return Message{}, false
}
