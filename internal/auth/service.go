package auth

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"net/url"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/keyhold/server/internal/autherr"
	"github.com/keyhold/server/internal/directory"
	"github.com/keyhold/server/internal/logging"
	"github.com/keyhold/server/internal/metrics"
	"github.com/keyhold/server/internal/model"
	"github.com/keyhold/server/internal/notify"
	"github.com/keyhold/server/internal/repo"
)

const incorrectCredentials = "incorrect email or password"

var mobilePattern = regexp.MustCompile(`^\+[1-9][0-9]{7,14}$`)

// IdentityConfig holds the lifecycle settings
type IdentityConfig struct {
	PublicBaseURL    string
	EmailVerifyTTL   time.Duration
	PasswordResetTTL time.Duration
	MobileVerifyTTL  time.Duration
	SMSSender        string
	Templates        notify.Templates
}

// IdentityDeps are the collaborators of IdentityService. Metrics may be nil.
type IdentityDeps struct {
	Credentials repo.ObjectStore[model.Credential]
	Directory   directory.Directory
	Tickets     TicketProvider
	Hasher      *PasswordHasher
	Policy      PasswordPolicy
	JWT         *JWTService
	Notifier    notify.Notifier
	Logger      *zap.Logger
	Metrics     *metrics.Metrics
}

// IdentityService orchestrates registration, verification, password changes and
// deletion across the credential store, the ticket engine and the directory.
type IdentityService struct {
	credentials repo.ObjectStore[model.Credential]
	directory   directory.Directory
	tickets     TicketProvider
	hasher      *PasswordHasher
	policy      PasswordPolicy
	jwt         *JWTService
	notifier    notify.Notifier
	logger      *zap.Logger
	metrics     *metrics.Metrics
	cfg         IdentityConfig
	now         func() time.Time
}

// NewIdentityService creates the identity lifecycle manager
func NewIdentityService(deps IdentityDeps, cfg IdentityConfig) *IdentityService {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &IdentityService{
		credentials: deps.Credentials,
		directory:   deps.Directory,
		tickets:     deps.Tickets,
		hasher:      deps.Hasher,
		policy:      deps.Policy,
		jwt:         deps.JWT,
		notifier:    deps.Notifier,
		logger:      logger,
		metrics:     deps.Metrics,
		cfg:         cfg,
		now:         time.Now,
	}
}

// NormalizeEmail trims and lower-cases an address and rejects malformed input
func NormalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return "", autherr.Validation("email is required")
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", autherr.Validation("email is invalid")
	}
	return email, nil
}

// CreateUser registers email with password and sends the verification email.
// An unverified earlier registration for the same email is removed first.
func (s *IdentityService) CreateUser(ctx context.Context, email, password string) (model.User, error) {
	user, err := s.createUser(ctx, email, password)
	if err != nil {
		s.observe(registrationsVec, "failure")
		return model.User{}, err
	}
	s.observe(registrationsVec, "success")
	return user, nil
}

func (s *IdentityService) createUser(ctx context.Context, email, password string) (model.User, error) {
	email, err := NormalizeEmail(email)
	if err != nil {
		return model.User{}, err
	}
	if err := s.policy.Validate(password); err != nil {
		return model.User{}, err
	}

	existing, err := s.credentials.Get(ctx, email)
	switch {
	case err == nil:
		if existing.EmailVerified {
			return model.User{}, autherr.Conflict("user already exists")
		}
		if err := s.deleteRegistration(ctx, existing); err != nil {
			return model.User{}, fmt.Errorf("failed to remove pending registration: %w", err)
		}
		s.logger.Info("replaced pending registration", logging.Email(email))
	case !errors.Is(err, repo.ErrNotFound):
		return model.User{}, fmt.Errorf("failed to get credential: %w", err)
	}

	hash, err := s.hasher.Hash(password)
	if err != nil {
		return model.User{}, err
	}

	user, err := s.directory.CreateUserWithEmail(ctx, email, model.DefaultRole)
	if err != nil {
		return model.User{}, fmt.Errorf("failed to create directory user: %w", err)
	}

	now := s.now().UTC()
	cred := model.Credential{
		Email:        email,
		UserID:       user.ID,
		PasswordHash: hash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.credentials.Put(ctx, email, cred); err != nil {
		if derr := s.directory.DeleteUserByID(ctx, user.ID); derr != nil && !errors.Is(derr, directory.ErrNotFound) {
			s.logger.Error("failed to roll back directory user", zap.String("user_id", user.ID), zap.Error(derr))
		}
		return model.User{}, fmt.Errorf("failed to store credential: %w", err)
	}

	if err := s.sendEmailVerification(ctx, email); err != nil {
		// a registration without a ticket could never be verified
		if rerr := s.deleteRegistration(ctx, cred); rerr != nil {
			s.logger.Error("failed to roll back registration", logging.Email(email), zap.Error(rerr))
		}
		return model.User{}, err
	}

	return mergeUser(user, cred), nil
}

// DeleteUser removes the user from the directory, then the tickets and the
// credential. A directory miss counts as already deleted; any other directory
// failure leaves local state untouched.
func (s *IdentityService) DeleteUser(ctx context.Context, email string) error {
	email, err := NormalizeEmail(email)
	if err != nil {
		return err
	}
	cred, err := s.credentials.Get(ctx, email)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return autherr.NotFound("user not found")
		}
		return fmt.Errorf("failed to get credential: %w", err)
	}
	return s.deleteRegistration(ctx, cred)
}

func (s *IdentityService) deleteRegistration(ctx context.Context, cred model.Credential) error {
	if err := s.directory.DeleteUserByID(ctx, cred.UserID); err != nil {
		if !errors.Is(err, directory.ErrNotFound) {
			return fmt.Errorf("failed to delete directory user: %w", err)
		}
		s.logger.Debug("directory user already gone", zap.String("user_id", cred.UserID))
	}
	if err := s.tickets.Delete(ctx, cred.Email); err != nil {
		return err
	}
	if err := s.credentials.Delete(ctx, cred.Email); err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	return nil
}

// GetUserWithEmailPassword authenticates a password login. Unknown emails and
// wrong passwords produce the same error.
func (s *IdentityService) GetUserWithEmailPassword(ctx context.Context, email, password string) (model.User, error) {
	user, err := s.getUserWithEmailPassword(ctx, email, password)
	if err != nil {
		s.observe(loginsVec, "failure")
		return model.User{}, err
	}
	s.observe(loginsVec, "success")
	return user, nil
}

func (s *IdentityService) getUserWithEmailPassword(ctx context.Context, email, password string) (model.User, error) {
	email, err := NormalizeEmail(email)
	if err != nil {
		s.hasher.VerifyDummy(password)
		return model.User{}, autherr.Authentication(incorrectCredentials)
	}

	cred, err := s.credentials.Get(ctx, email)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			s.hasher.VerifyDummy(password)
			return model.User{}, autherr.Authentication(incorrectCredentials)
		}
		return model.User{}, fmt.Errorf("failed to get credential: %w", err)
	}
	if !s.hasher.Verify(cred.PasswordHash, password) {
		return model.User{}, autherr.Authentication(incorrectCredentials)
	}

	user, err := s.directory.GetUserByID(ctx, cred.UserID)
	if err != nil {
		if errors.Is(err, directory.ErrNotFound) {
			return model.User{}, autherr.Authentication(incorrectCredentials)
		}
		return model.User{}, fmt.Errorf("failed to get directory user: %w", err)
	}
	return mergeUser(user, cred), nil
}

// GetUserByID returns the directory profile merged with verification state
func (s *IdentityService) GetUserByID(ctx context.Context, id string) (model.User, error) {
	user, err := s.directory.GetUserByID(ctx, id)
	if err != nil {
		if errors.Is(err, directory.ErrNotFound) {
			return model.User{}, autherr.NotFound("user not found")
		}
		return model.User{}, fmt.Errorf("failed to get directory user: %w", err)
	}

	cred, err := s.credentials.Get(ctx, user.Email)
	switch {
	case err == nil:
		return mergeUser(user, cred), nil
	case errors.Is(err, repo.ErrNotFound):
		return user, nil
	default:
		return model.User{}, fmt.Errorf("failed to get credential: %w", err)
	}
}

// GetUserByEmail looks a user up by login email
func (s *IdentityService) GetUserByEmail(ctx context.Context, email string) (model.User, error) {
	email, err := NormalizeEmail(email)
	if err != nil {
		return model.User{}, err
	}
	cred, err := s.getCredential(ctx, email)
	if err != nil {
		return model.User{}, err
	}
	user, err := s.directory.GetUserByID(ctx, cred.UserID)
	if err != nil {
		if errors.Is(err, directory.ErrNotFound) {
			return model.User{}, autherr.NotFound("user not found")
		}
		return model.User{}, fmt.Errorf("failed to get directory user: %w", err)
	}
	return mergeUser(user, cred), nil
}

// RequestPasswordReset issues a reset ticket and emails the change-password link
func (s *IdentityService) RequestPasswordReset(ctx context.Context, email string) error {
	email, err := NormalizeEmail(email)
	if err != nil {
		return err
	}
	if _, err := s.getCredential(ctx, email); err != nil {
		return err
	}

	ticket, err := s.tickets.Issue(ctx, email, model.PurposePasswordReset, s.cfg.PasswordResetTTL)
	if err != nil {
		return err
	}
	msg, err := s.cfg.Templates.PasswordReset(s.link("change-password", email, ticket), s.cfg.PasswordResetTTL.String())
	if err != nil {
		return err
	}
	s.deliverEmail(ctx, email, msg)
	return nil
}

// UpdatePassword replaces the password when ticket is the live reset ticket.
// The ticket is spent only if the new credential is stored.
func (s *IdentityService) UpdatePassword(ctx context.Context, email, newPassword, ticket string) error {
	email, err := NormalizeEmail(email)
	if err != nil {
		return err
	}
	if err := s.policy.Validate(newPassword); err != nil {
		return err
	}

	cred, err := s.credentials.Get(ctx, email)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return autherr.TicketInvalid("invalid ticket")
		}
		return fmt.Errorf("failed to get credential: %w", err)
	}

	t, err := s.tickets.Validate(ctx, email, model.PurposePasswordReset, ticket)
	if err != nil {
		return err
	}

	hash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return err
	}

	if err := s.tickets.Consume(ctx, email, model.PurposePasswordReset); err != nil {
		return err
	}
	cred.PasswordHash = hash
	cred.UpdatedAt = s.now().UTC()
	if err := s.credentials.Put(ctx, email, cred); err != nil {
		if rerr := s.tickets.Restore(ctx, t); rerr != nil {
			s.logger.Error("failed to restore reset ticket", logging.Email(email), zap.Error(rerr))
		}
		return fmt.Errorf("failed to store credential: %w", err)
	}

	s.logger.Info("password updated", logging.Email(email))
	return nil
}

// AddEmailVerifyTicket re-issues the verification email. Verified users get an
// "already verified" notice instead.
func (s *IdentityService) AddEmailVerifyTicket(ctx context.Context, email string) error {
	email, err := NormalizeEmail(email)
	if err != nil {
		return err
	}
	cred, err := s.getCredential(ctx, email)
	if err != nil {
		return err
	}

	if cred.EmailVerified {
		msg, err := s.cfg.Templates.AlreadyVerified()
		if err != nil {
			return err
		}
		s.deliverEmail(ctx, email, msg)
		return nil
	}
	return s.sendEmailVerification(ctx, email)
}

// VerifyEmail spends the email-verify ticket and marks the email verified
func (s *IdentityService) VerifyEmail(ctx context.Context, email, ticket string) (model.User, error) {
	return s.verify(ctx, email, ticket, model.PurposeEmailVerify, func(c *model.Credential) error {
		c.EmailVerified = true
		return nil
	})
}

// AddMobile records an unverified mobile number and texts it a 6-digit code
func (s *IdentityService) AddMobile(ctx context.Context, email, mobile string) error {
	mobile = strings.TrimSpace(mobile)
	if !mobilePattern.MatchString(mobile) {
		return autherr.Validation("mobile must be in international format, e.g. +491701234567")
	}
	email, err := NormalizeEmail(email)
	if err != nil {
		return err
	}
	cred, err := s.getCredential(ctx, email)
	if err != nil {
		return err
	}

	cred.Mobile = mobile
	cred.MobileVerified = false
	cred.UpdatedAt = s.now().UTC()
	if err := s.credentials.Put(ctx, email, cred); err != nil {
		return fmt.Errorf("failed to store credential: %w", err)
	}

	code, err := s.tickets.Issue(ctx, email, model.PurposeMobileVerify, s.cfg.MobileVerifyTTL)
	if err != nil {
		return err
	}
	if err := s.notifier.SendSMS(ctx, mobile, notify.MobileCode(s.cfg.SMSSender, code)); err != nil {
		s.observe(notifierFailuresVec, "sms")
		notify.ReportFailure(ctx, "sms")
		s.logger.Warn("failed to send verification sms", logging.Phone(mobile), zap.Error(err))
	}
	return nil
}

// VerifyMobile spends the mobile-verify ticket and marks the number verified
func (s *IdentityService) VerifyMobile(ctx context.Context, email, ticket string) (model.User, error) {
	return s.verify(ctx, email, ticket, model.PurposeMobileVerify, func(c *model.Credential) error {
		if c.Mobile == "" {
			return autherr.Validation("no mobile number on file")
		}
		c.MobileVerified = true
		return nil
	})
}

// IssueSessionToken signs a session token carrying the user's role claims
func (s *IdentityService) IssueSessionToken(user model.User) (string, error) {
	token, err := s.jwt.Sign(user.ID, RoleClaims(user), 0)
	if err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return token, nil
}

func (s *IdentityService) verify(ctx context.Context, email, ticket, purpose string, apply func(*model.Credential) error) (model.User, error) {
	email, err := NormalizeEmail(email)
	if err != nil {
		return model.User{}, err
	}
	cred, err := s.credentials.Get(ctx, email)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return model.User{}, autherr.TicketInvalid("invalid ticket")
		}
		return model.User{}, fmt.Errorf("failed to get credential: %w", err)
	}
	if err := apply(&cred); err != nil {
		return model.User{}, err
	}

	t, err := s.tickets.Validate(ctx, email, purpose, ticket)
	if err != nil {
		return model.User{}, err
	}
	if err := s.tickets.Consume(ctx, email, purpose); err != nil {
		return model.User{}, err
	}

	cred.UpdatedAt = s.now().UTC()
	if err := s.credentials.Put(ctx, email, cred); err != nil {
		if rerr := s.tickets.Restore(ctx, t); rerr != nil {
			s.logger.Error("failed to restore ticket", zap.String("purpose", purpose), zap.Error(rerr))
		}
		return model.User{}, fmt.Errorf("failed to store credential: %w", err)
	}

	user, err := s.directory.GetUserByID(ctx, cred.UserID)
	if err != nil {
		if errors.Is(err, directory.ErrNotFound) {
			return model.User{}, autherr.NotFound("user not found")
		}
		return model.User{}, fmt.Errorf("failed to get directory user: %w", err)
	}
	return mergeUser(user, cred), nil
}

func (s *IdentityService) sendEmailVerification(ctx context.Context, email string) error {
	ticket, err := s.tickets.Issue(ctx, email, model.PurposeEmailVerify, s.cfg.EmailVerifyTTL)
	if err != nil {
		return err
	}
	msg, err := s.cfg.Templates.VerifyEmail(s.link("email-verify/verify", email, ticket), s.cfg.EmailVerifyTTL.String())
	if err != nil {
		return err
	}
	s.deliverEmail(ctx, email, msg)
	return nil
}

// deliverEmail sends msg. Failures are logged and counted, never returned.
func (s *IdentityService) deliverEmail(ctx context.Context, to string, msg notify.Email) {
	if err := s.notifier.SendEmail(ctx, to, msg.Subject, msg.HTML); err != nil {
		s.observe(notifierFailuresVec, "email")
		notify.ReportFailure(ctx, "email")
		s.logger.Warn("failed to send email", logging.Email(to), zap.String("subject", msg.Subject), zap.Error(err))
	}
}

func (s *IdentityService) link(path, email, ticket string) string {
	q := url.Values{}
	q.Set("ticket", ticket)
	q.Set("email", email)
	return strings.TrimRight(s.cfg.PublicBaseURL, "/") + "/auth/" + path + "?" + q.Encode()
}

func (s *IdentityService) getCredential(ctx context.Context, email string) (model.Credential, error) {
	cred, err := s.credentials.Get(ctx, email)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return model.Credential{}, autherr.NotFound("user not found")
		}
		return model.Credential{}, fmt.Errorf("failed to get credential: %w", err)
	}
	return cred, nil
}

func mergeUser(user model.User, cred model.Credential) model.User {
	user.Email = cred.Email
	user.Mobile = cred.Mobile
	user.EmailVerified = cred.EmailVerified
	user.MobileVerified = cred.MobileVerified
	if user.Role == "" {
		user.Role = model.DefaultRole
	}
	return user
}

type counterKind int

const (
	registrationsVec counterKind = iota
	loginsVec
	notifierFailuresVec
)

func (s *IdentityService) observe(kind counterKind, label string) {
	if s.metrics == nil {
		return
	}
	switch kind {
	case registrationsVec:
		s.metrics.Registrations.WithLabelValues(label).Inc()
	case loginsVec:
		s.metrics.Logins.WithLabelValues(label).Inc()
	case notifierFailuresVec:
		s.metrics.NotifierFailures.WithLabelValues(label).Inc()
	}
}
