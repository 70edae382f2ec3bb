package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/keyhold/server/internal/autherr"
	"github.com/keyhold/server/internal/metrics"
	"github.com/keyhold/server/internal/model"
	"github.com/keyhold/server/internal/repo"
)

const (
	linkTicketLength = 21
	smsCodeLength    = 6
	smsCodeAlphabet  = "0123456789"

	// Expired tickets stay in the store this long past their deadline so a
	// late click is reported as expired rather than invalid.
	expiredTicketGrace = 24 * time.Hour
)

// TicketProvider issues and checks single-use verification tickets
type TicketProvider interface {
	Issue(ctx context.Context, subject, purpose string, ttl time.Duration) (string, error)
	Validate(ctx context.Context, subject, purpose, supplied string) (model.VerifyTicket, error)
	Consume(ctx context.Context, subject, purpose string) error
	Restore(ctx context.Context, ticket model.VerifyTicket) error
	Peek(ctx context.Context, subject, purpose string) (model.VerifyTicket, error)
	Delete(ctx context.Context, subject string) error
}

// TicketEngine stores at most one ticket per (subject, purpose) in an
// expiring store. It checks deadlines itself; store expiry only reclaims space.
type TicketEngine struct {
	store   repo.ExpiringStore[model.VerifyTicket]
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewTicketEngine creates a ticket engine. m may be nil.
func NewTicketEngine(store repo.ExpiringStore[model.VerifyTicket], m *metrics.Metrics) *TicketEngine {
	return &TicketEngine{store: store, metrics: m, now: time.Now}
}

func ticketKey(subject, purpose string) string {
	return purpose + ":" + subject
}

// Issue creates or replaces the ticket for (subject, purpose) and returns its value.
// Any earlier value stops working immediately.
func (e *TicketEngine) Issue(ctx context.Context, subject, purpose string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		return "", fmt.Errorf("ticket ttl must be positive")
	}
	value, err := generateTicketValue(purpose)
	if err != nil {
		return "", fmt.Errorf("failed to generate ticket: %w", err)
	}

	t := model.VerifyTicket{
		Subject:   subject,
		Purpose:   purpose,
		Value:     value,
		ExpiresAt: e.now().Add(ttl).UTC(),
	}
	if err := e.store.PutWithTTL(ctx, ticketKey(subject, purpose), t, ttl+expiredTicketGrace); err != nil {
		return "", fmt.Errorf("failed to store ticket: %w", err)
	}
	if e.metrics != nil {
		e.metrics.TicketsIssued.WithLabelValues(purpose).Inc()
	}
	return value, nil
}

// Validate checks supplied against the stored ticket. A matching but expired
// ticket yields TicketExpired and is pruned; a missing or different value
// yields TicketInvalid; a matching ticket that was already consumed yields
// TicketUsed.
func (e *TicketEngine) Validate(ctx context.Context, subject, purpose, supplied string) (model.VerifyTicket, error) {
	t, err := e.store.Get(ctx, ticketKey(subject, purpose))
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			e.observe("invalid")
			return model.VerifyTicket{}, autherr.TicketInvalid("invalid ticket")
		}
		return model.VerifyTicket{}, fmt.Errorf("failed to load ticket: %w", err)
	}

	if supplied == "" || subtle.ConstantTimeCompare([]byte(supplied), []byte(t.Value)) != 1 {
		e.observe("invalid")
		return model.VerifyTicket{}, autherr.TicketInvalid("invalid ticket")
	}
	if t.Verified {
		e.observe("used")
		return t, autherr.TicketUsed("ticket already used")
	}
	if t.IsExpired(e.now()) {
		if err := e.store.Delete(ctx, ticketKey(subject, purpose)); err != nil {
			return model.VerifyTicket{}, fmt.Errorf("failed to prune expired ticket: %w", err)
		}
		e.observe("expired")
		return model.VerifyTicket{}, autherr.TicketExpired("ticket expired, request a new one")
	}

	e.observe("valid")
	return t, nil
}

// Consume retires the ticket. Password-reset tickets are deleted; verification
// tickets are kept, marked verified, until their original deadline.
func (e *TicketEngine) Consume(ctx context.Context, subject, purpose string) error {
	key := ticketKey(subject, purpose)
	if purpose == model.PurposePasswordReset {
		if err := e.store.Delete(ctx, key); err != nil {
			return fmt.Errorf("failed to delete ticket: %w", err)
		}
		return nil
	}

	t, err := e.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return autherr.TicketInvalid("invalid ticket")
		}
		return fmt.Errorf("failed to load ticket: %w", err)
	}
	remaining := t.ExpiresAt.Sub(e.now())
	if remaining <= 0 {
		if err := e.store.Delete(ctx, key); err != nil {
			return fmt.Errorf("failed to delete ticket: %w", err)
		}
		return nil
	}
	t.Verified = true
	if err := e.store.PutWithTTL(ctx, key, t, remaining+expiredTicketGrace); err != nil {
		return fmt.Errorf("failed to mark ticket verified: %w", err)
	}
	return nil
}

// Restore writes a ticket back after a failed operation consumed it
func (e *TicketEngine) Restore(ctx context.Context, t model.VerifyTicket) error {
	remaining := t.ExpiresAt.Sub(e.now())
	if remaining <= 0 {
		return nil
	}
	if err := e.store.PutWithTTL(ctx, ticketKey(t.Subject, t.Purpose), t, remaining+expiredTicketGrace); err != nil {
		return fmt.Errorf("failed to restore ticket: %w", err)
	}
	return nil
}

// Peek returns the stored ticket without validating a value
func (e *TicketEngine) Peek(ctx context.Context, subject, purpose string) (model.VerifyTicket, error) {
	t, err := e.store.Get(ctx, ticketKey(subject, purpose))
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return model.VerifyTicket{}, autherr.NotFound("no ticket")
		}
		return model.VerifyTicket{}, fmt.Errorf("failed to load ticket: %w", err)
	}
	return t, nil
}

// Delete removes every ticket held for subject
func (e *TicketEngine) Delete(ctx context.Context, subject string) error {
	for _, purpose := range []string{model.PurposeEmailVerify, model.PurposePasswordReset, model.PurposeMobileVerify} {
		if err := e.store.Delete(ctx, ticketKey(subject, purpose)); err != nil {
			return fmt.Errorf("failed to delete %s ticket: %w", purpose, err)
		}
	}
	return nil
}

func (e *TicketEngine) observe(result string) {
	if e.metrics != nil {
		e.metrics.TicketValidations.WithLabelValues(result).Inc()
	}
}

// generateTicketValue returns a 6-digit code for SMS and a 21-character
// URL-safe nanoid for links.
func generateTicketValue(purpose string) (string, error) {
	if purpose == model.PurposeMobileVerify {
		return gonanoid.Generate(smsCodeAlphabet, smsCodeLength)
	}
	return gonanoid.New(linkTicketLength)
}
