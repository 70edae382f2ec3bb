package auth

import (
	"context"
	"errors"
	"net/url"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/keyhold/server/internal/autherr"
	"github.com/keyhold/server/internal/directory"
	dirmocks "github.com/keyhold/server/internal/directory/mocks"
	"github.com/keyhold/server/internal/model"
	"github.com/keyhold/server/internal/notify"
	notifymocks "github.com/keyhold/server/internal/notify/mocks"
	"github.com/keyhold/server/internal/repo"
)

const testPassword = "correct horse battery"

var linkTicket = regexp.MustCompile(`ticket=([A-Za-z0-9_-]+)`)

type serviceFixture struct {
	svc         *IdentityService
	credentials *repo.MemoryStore[model.Credential]
	users       *repo.MemoryStore[model.User]
	tickets     *TicketEngine
	outbox      *notify.Outbox
}

func newServiceFixture(t *testing.T, dir directory.Directory, notifier notify.Notifier) *serviceFixture {
	t.Helper()
	creds := repo.NewMemoryStore[model.Credential]()
	ticketStore := repo.NewMemoryStore[model.VerifyTicket]()
	users := repo.NewMemoryStore[model.User]()
	t.Cleanup(func() {
		_ = creds.Close()
		_ = ticketStore.Close()
		_ = users.Close()
	})

	if dir == nil {
		dir = directory.NewLocal(users)
	}
	outbox := &notify.Outbox{}
	if notifier == nil {
		notifier = outbox
	}
	tickets := NewTicketEngine(ticketStore, nil)

	svc := NewIdentityService(IdentityDeps{
		Credentials: creds,
		Directory:   dir,
		Tickets:     tickets,
		Hasher:      NewPasswordHasher(bcrypt.MinCost),
		Policy:      PasswordPolicy{MinLength: 10},
		JWT:         NewJWTService(testSecret, "", time.Hour, nil),
		Notifier:    notifier,
		Logger:      zap.NewNop(),
	}, IdentityConfig{
		PublicBaseURL:    "https://id.example.com/",
		EmailVerifyTTL:   time.Hour,
		PasswordResetTTL: time.Hour,
		MobileVerifyTTL:  time.Minute,
		SMSSender:        "Keyhold",
		Templates:        notify.Templates{Product: "Keyhold"},
	})
	return &serviceFixture{svc: svc, credentials: creds, users: users, tickets: tickets, outbox: outbox}
}

func (f *serviceFixture) ticketFromEmail(t *testing.T, to string) string {
	t.Helper()
	msg, ok := f.outbox.LastEmailTo(to)
	require.True(t, ok, "no email sent to %s", to)
	m := linkTicket.FindStringSubmatch(msg.Body)
	require.Len(t, m, 2, "no ticket link in %q", msg.Body)
	v, err := url.QueryUnescape(m[1])
	require.NoError(t, err)
	return v
}

func (f *serviceFixture) registerVerified(t *testing.T, email string) model.User {
	t.Helper()
	ctx := context.Background()
	_, err := f.svc.CreateUser(ctx, email, testPassword)
	require.NoError(t, err)
	user, err := f.svc.VerifyEmail(ctx, email, f.ticketFromEmail(t, email))
	require.NoError(t, err)
	return user
}

func TestNormalizeEmail(t *testing.T) {
	got, err := NormalizeEmail("  Ann@Example.COM ")
	require.NoError(t, err)
	assert.Equal(t, "ann@example.com", got)

	for _, bad := range []string{"", "not-an-email", "Ann <ann@example.com>", "a b@example.com"} {
		_, err := NormalizeEmail(bad)
		assert.ErrorIs(t, err, autherr.ErrValidation, bad)
	}
}

func TestCreateUser_SendsVerificationEmail(t *testing.T) {
	f := newServiceFixture(t, nil, nil)

	user, err := f.svc.CreateUser(context.Background(), "Ann@Example.com", testPassword)
	require.NoError(t, err)
	assert.Equal(t, "ann@example.com", user.Email)
	assert.Equal(t, model.DefaultRole, user.Role)
	assert.False(t, user.EmailVerified)
	assert.NotEmpty(t, user.ID)

	msg, ok := f.outbox.LastEmailTo("ann@example.com")
	require.True(t, ok)
	assert.Contains(t, msg.Body, "https://id.example.com/auth/email-verify/verify?")
	assert.Contains(t, msg.Body, "email=ann%40example.com")

	cred, err := f.credentials.Get(context.Background(), "ann@example.com")
	require.NoError(t, err)
	assert.NotEqual(t, testPassword, cred.PasswordHash)
	assert.Equal(t, user.ID, cred.UserID)
}

func TestCreateUser_Validation(t *testing.T) {
	f := newServiceFixture(t, nil, nil)

	_, err := f.svc.CreateUser(context.Background(), "ann@example.com", "short")
	assert.ErrorIs(t, err, autherr.ErrValidation)

	_, err = f.svc.CreateUser(context.Background(), "nope", testPassword)
	assert.ErrorIs(t, err, autherr.ErrValidation)

	assert.Empty(t, f.outbox.Emails())
	_, err = f.svc.GetUserByEmail(context.Background(), "ann@example.com")
	assert.ErrorIs(t, err, autherr.ErrNotFound)
	assert.Equal(t, 0, f.credentials.Len(), "rejected registrations persist no credential")
	assert.Equal(t, 0, f.users.Len(), "rejected registrations create no directory user")
}

// failingTicketStore refuses every write
type failingTicketStore struct {
	repo.ExpiringStore[model.VerifyTicket]
}

func (failingTicketStore) PutWithTTL(context.Context, string, model.VerifyTicket, time.Duration) error {
	return errors.New("ticket store unavailable")
}

func TestCreateUser_RollsBackWhenTicketFails(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture(t, nil, nil)
	store := repo.NewMemoryStore[model.VerifyTicket]()
	t.Cleanup(func() { _ = store.Close() })
	f.svc.tickets = NewTicketEngine(failingTicketStore{ExpiringStore: store}, nil)

	_, err := f.svc.CreateUser(ctx, "ann@example.com", testPassword)
	require.Error(t, err)
	assert.NotErrorIs(t, err, autherr.ErrValidation)

	assert.Equal(t, 0, f.credentials.Len())
	assert.Equal(t, 0, f.users.Len())
	assert.Empty(t, f.outbox.Emails())
}

func TestCreateUser_VerifiedEmailConflicts(t *testing.T) {
	f := newServiceFixture(t, nil, nil)
	f.registerVerified(t, "ann@example.com")

	_, err := f.svc.CreateUser(context.Background(), "ann@example.com", "another password")
	assert.ErrorIs(t, err, autherr.ErrConflict)
}

func TestCreateUser_ReplacesUnverifiedRegistration(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture(t, nil, nil)

	first, err := f.svc.CreateUser(ctx, "ann@example.com", testPassword)
	require.NoError(t, err)
	firstTicket := f.ticketFromEmail(t, "ann@example.com")

	second, err := f.svc.CreateUser(ctx, "ann@example.com", "a different password")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	_, err = f.svc.GetUserByID(ctx, first.ID)
	assert.ErrorIs(t, err, autherr.ErrNotFound)

	_, err = f.svc.VerifyEmail(ctx, "ann@example.com", firstTicket)
	assert.ErrorIs(t, err, autherr.ErrTicketInvalid)

	_, err = f.svc.GetUserWithEmailPassword(ctx, "ann@example.com", testPassword)
	assert.ErrorIs(t, err, autherr.ErrAuthentication)
	_, err = f.svc.GetUserWithEmailPassword(ctx, "ann@example.com", "a different password")
	assert.NoError(t, err)
}

func TestCreateUser_NotifierFailureIsNotFatal(t *testing.T) {
	ctrl := gomock.NewController(t)
	n := notifymocks.NewMockNotifier(ctrl)
	n.EXPECT().SendEmail(gomock.Any(), "ann@example.com", gomock.Any(), gomock.Any()).Return(errors.New("smtp down"))

	f := newServiceFixture(t, nil, n)
	ctx, deliveries := notify.WithDeliveries(context.Background())
	user, err := f.svc.CreateUser(ctx, "ann@example.com", testPassword)
	require.NoError(t, err)
	assert.NotEmpty(t, user.ID)
	assert.Equal(t, []string{"email"}, deliveries.Failed())
}

func TestCreateUser_DirectoryFailureStoresNothing(t *testing.T) {
	ctrl := gomock.NewController(t)
	dir := dirmocks.NewMockDirectory(ctrl)
	dir.EXPECT().CreateUserWithEmail(gomock.Any(), "ann@example.com", model.DefaultRole).
		Return(model.User{}, errors.New("hasura unavailable"))

	f := newServiceFixture(t, dir, nil)
	_, err := f.svc.CreateUser(context.Background(), "ann@example.com", testPassword)
	require.Error(t, err)

	_, err = f.credentials.Get(context.Background(), "ann@example.com")
	assert.ErrorIs(t, err, repo.ErrNotFound)
	assert.Empty(t, f.outbox.Emails())
}

func TestVerifyEmail(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture(t, nil, nil)

	_, err := f.svc.CreateUser(ctx, "ann@example.com", testPassword)
	require.NoError(t, err)
	ticket := f.ticketFromEmail(t, "ann@example.com")

	_, err = f.svc.VerifyEmail(ctx, "ann@example.com", "wrong")
	assert.ErrorIs(t, err, autherr.ErrTicketInvalid)

	user, err := f.svc.VerifyEmail(ctx, "ann@example.com", ticket)
	require.NoError(t, err)
	assert.True(t, user.EmailVerified)

	_, err = f.svc.VerifyEmail(ctx, "ann@example.com", ticket)
	assert.ErrorIs(t, err, autherr.ErrTicketUsed)

	_, err = f.svc.VerifyEmail(ctx, "nobody@example.com", ticket)
	assert.ErrorIs(t, err, autherr.ErrTicketInvalid)
}

func TestVerifyEmail_Expired(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture(t, nil, nil)
	clock := &fakeClock{t: time.Now()}
	f.tickets.now = clock.Now

	_, err := f.svc.CreateUser(ctx, "ann@example.com", testPassword)
	require.NoError(t, err)
	ticket := f.ticketFromEmail(t, "ann@example.com")

	clock.Advance(2 * time.Hour)
	_, err = f.svc.VerifyEmail(ctx, "ann@example.com", ticket)
	assert.ErrorIs(t, err, autherr.ErrTicketExpired)
}

func TestAddEmailVerifyTicket(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture(t, nil, nil)

	_, err := f.svc.CreateUser(ctx, "ann@example.com", testPassword)
	require.NoError(t, err)
	first := f.ticketFromEmail(t, "ann@example.com")

	require.NoError(t, f.svc.AddEmailVerifyTicket(ctx, "ann@example.com"))
	second := f.ticketFromEmail(t, "ann@example.com")
	assert.NotEqual(t, first, second)

	_, err = f.svc.VerifyEmail(ctx, "ann@example.com", first)
	assert.ErrorIs(t, err, autherr.ErrTicketInvalid)
	_, err = f.svc.VerifyEmail(ctx, "ann@example.com", second)
	require.NoError(t, err)

	require.NoError(t, f.svc.AddEmailVerifyTicket(ctx, "ann@example.com"))
	msg, _ := f.outbox.LastEmailTo("ann@example.com")
	assert.Equal(t, "Your email is already verified", msg.Subject)

	// the handler hides this as a uniform answer
	assert.ErrorIs(t, f.svc.AddEmailVerifyTicket(ctx, "nobody@example.com"), autherr.ErrNotFound)
}

func TestGetUserWithEmailPassword(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture(t, nil, nil)
	registered := f.registerVerified(t, "ann@example.com")

	user, err := f.svc.GetUserWithEmailPassword(ctx, " ANN@example.com", testPassword)
	require.NoError(t, err)
	assert.Equal(t, registered.ID, user.ID)
	assert.True(t, user.EmailVerified)

	_, errWrong := f.svc.GetUserWithEmailPassword(ctx, "ann@example.com", "wrong password")
	_, errUnknown := f.svc.GetUserWithEmailPassword(ctx, "nobody@example.com", testPassword)
	assert.ErrorIs(t, errWrong, autherr.ErrAuthentication)
	assert.ErrorIs(t, errUnknown, autherr.ErrAuthentication)
	assert.Equal(t, errWrong.Error(), errUnknown.Error(), "unknown email is indistinguishable")
}

func TestPasswordReset(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture(t, nil, nil)
	f.registerVerified(t, "ann@example.com")

	require.NoError(t, f.svc.RequestPasswordReset(ctx, "ann@example.com"))
	msg, ok := f.outbox.LastEmailTo("ann@example.com")
	require.True(t, ok)
	assert.Contains(t, msg.Body, "/auth/change-password?")
	ticket := f.ticketFromEmail(t, "ann@example.com")

	err := f.svc.UpdatePassword(ctx, "ann@example.com", "short", ticket)
	assert.ErrorIs(t, err, autherr.ErrValidation)

	err = f.svc.UpdatePassword(ctx, "ann@example.com", "brand new password", "wrong")
	assert.ErrorIs(t, err, autherr.ErrTicketInvalid)

	require.NoError(t, f.svc.UpdatePassword(ctx, "ann@example.com", "brand new password", ticket))

	_, err = f.svc.GetUserWithEmailPassword(ctx, "ann@example.com", testPassword)
	assert.ErrorIs(t, err, autherr.ErrAuthentication)
	_, err = f.svc.GetUserWithEmailPassword(ctx, "ann@example.com", "brand new password")
	assert.NoError(t, err)

	err = f.svc.UpdatePassword(ctx, "ann@example.com", "yet another password", ticket)
	assert.ErrorIs(t, err, autherr.ErrTicketInvalid, "reset tickets are single use")
}

func TestRequestPasswordReset_UnknownEmail(t *testing.T) {
	f := newServiceFixture(t, nil, nil)
	err := f.svc.RequestPasswordReset(context.Background(), "nobody@example.com")
	assert.ErrorIs(t, err, autherr.ErrNotFound)
	assert.Empty(t, f.outbox.Emails())
}

type failingPutStore struct {
	*repo.MemoryStore[model.Credential]
	fail bool
}

func (s *failingPutStore) Put(ctx context.Context, key string, v model.Credential) error {
	if s.fail {
		return errors.New("disk full")
	}
	return s.MemoryStore.Put(ctx, key, v)
}

func TestUpdatePassword_StoreFailureKeepsTicket(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture(t, nil, nil)
	f.registerVerified(t, "ann@example.com")

	store := &failingPutStore{MemoryStore: f.credentials}
	f.svc.credentials = store

	require.NoError(t, f.svc.RequestPasswordReset(ctx, "ann@example.com"))
	ticket := f.ticketFromEmail(t, "ann@example.com")

	store.fail = true
	require.Error(t, f.svc.UpdatePassword(ctx, "ann@example.com", "brand new password", ticket))

	store.fail = false
	require.NoError(t, f.svc.UpdatePassword(ctx, "ann@example.com", "brand new password", ticket))
}

func TestMobileVerification(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture(t, nil, nil)
	f.registerVerified(t, "ann@example.com")

	assert.ErrorIs(t, f.svc.AddMobile(ctx, "ann@example.com", "01701234567"), autherr.ErrValidation)

	_, err := f.svc.VerifyMobile(ctx, "ann@example.com", "123456")
	assert.ErrorIs(t, err, autherr.ErrValidation, "no number on file")

	require.NoError(t, f.svc.AddMobile(ctx, "ann@example.com", "+491701234567"))
	sms := f.outbox.SMS()
	require.Len(t, sms, 1)
	assert.Equal(t, "+491701234567", sms[0].To)
	code := sms[0].Body[strings.LastIndex(sms[0].Body, " ")+1:]
	assert.Len(t, code, 6)

	user, err := f.svc.VerifyMobile(ctx, "ann@example.com", code)
	require.NoError(t, err)
	assert.True(t, user.MobileVerified)
	assert.Equal(t, "+491701234567", user.Mobile)

	require.NoError(t, f.svc.AddMobile(ctx, "ann@example.com", "+491709999999"))
	user, err = f.svc.GetUserByEmail(ctx, "ann@example.com")
	require.NoError(t, err)
	assert.False(t, user.MobileVerified, "a new number must be verified again")
}

func TestDeleteUser(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture(t, nil, nil)
	user := f.registerVerified(t, "ann@example.com")

	require.NoError(t, f.svc.DeleteUser(ctx, "ann@example.com"))

	_, err := f.svc.GetUserByID(ctx, user.ID)
	assert.ErrorIs(t, err, autherr.ErrNotFound)
	_, err = f.svc.GetUserByEmail(ctx, "ann@example.com")
	assert.ErrorIs(t, err, autherr.ErrNotFound)
	_, err = f.tickets.Peek(ctx, "ann@example.com", model.PurposeEmailVerify)
	assert.ErrorIs(t, err, autherr.ErrNotFound)

	assert.ErrorIs(t, f.svc.DeleteUser(ctx, "ann@example.com"), autherr.ErrNotFound)
}

func TestDeleteUser_DirectoryMissIsSwallowed(t *testing.T) {
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	dir := dirmocks.NewMockDirectory(ctrl)
	f := newServiceFixture(t, dir, nil)

	require.NoError(t, f.credentials.Put(ctx, "ann@example.com", model.Credential{Email: "ann@example.com", UserID: "u-1"}))
	dir.EXPECT().DeleteUserByID(gomock.Any(), "u-1").Return(directory.ErrNotFound)

	require.NoError(t, f.svc.DeleteUser(ctx, "ann@example.com"))
	_, err := f.credentials.Get(ctx, "ann@example.com")
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestDeleteUser_DirectoryErrorAborts(t *testing.T) {
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	dir := dirmocks.NewMockDirectory(ctrl)
	f := newServiceFixture(t, dir, nil)

	require.NoError(t, f.credentials.Put(ctx, "ann@example.com", model.Credential{Email: "ann@example.com", UserID: "u-1"}))
	dir.EXPECT().DeleteUserByID(gomock.Any(), "u-1").Return(errors.New("connection refused"))

	require.Error(t, f.svc.DeleteUser(ctx, "ann@example.com"))
	_, err := f.credentials.Get(ctx, "ann@example.com")
	assert.NoError(t, err, "credential survives a failed directory delete")
}

func TestIssueSessionToken(t *testing.T) {
	f := newServiceFixture(t, nil, nil)
	user := f.registerVerified(t, "ann@example.com")

	token, err := f.svc.IssueSessionToken(user)
	require.NoError(t, err)

	claims, err := f.svc.jwt.Verify(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, user.ID, claims.Subject)
	assert.Equal(t, user.ID, claims.Custom["x-hasura-user-id"])
}
