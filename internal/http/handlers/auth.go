package handlers

import (
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/keyhold/server/internal/auth"
	"github.com/keyhold/server/internal/autherr"
	"github.com/keyhold/server/internal/logging"
	"github.com/keyhold/server/internal/middleware"
	"github.com/keyhold/server/internal/model"
	"github.com/keyhold/server/internal/notify"
)

const (
	resetRequestedMessage = "if the address is registered, a password reset email is on its way"
	deliveryFailedNotice  = "we could not deliver the message, please request a new one"
)

// AuthHandler handles the account endpoints
type AuthHandler struct {
	identity          *auth.IdentityService
	jwtService        *auth.JWTService
	logger            *zap.Logger
	passwordMinLength int
}

// NewAuthHandler creates a new auth handler
func NewAuthHandler(identity *auth.IdentityService, jwtService *auth.JWTService, logger *zap.Logger, passwordMinLength int) *AuthHandler {
	return &AuthHandler{
		identity:          identity,
		jwtService:        jwtService,
		logger:            logger,
		passwordMinLength: passwordMinLength,
	}
}

// credentialsRequest is the body of /register and /login
type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// sessionResponse is returned by /register and /login
type sessionResponse struct {
	User   model.User `json:"user"`
	Token  string     `json:"token"`
	Notice string     `json:"notice,omitempty"`
}

type messageResponse struct {
	Message string `json:"message"`
	Notice  string `json:"notice,omitempty"`
}

type emailRequest struct {
	Email string `json:"email"`
}

type changePasswordRequest struct {
	Email    string `json:"email"`
	Ticket   string `json:"ticket"`
	Password string `json:"password"`
}

type mobileRequest struct {
	Mobile string `json:"mobile"`
}

type ticketRequest struct {
	Ticket string `json:"ticket"`
}

func notice(d *notify.Deliveries) string {
	if len(d.Failed()) > 0 {
		return deliveryFailedNotice
	}
	return ""
}

// HandleRegister handles POST /register
func (h *AuthHandler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decodeRequest(w, r, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ctx, deliveries := notify.WithDeliveries(r.Context())
	user, err := h.identity.CreateUser(ctx, req.Email, req.Password)
	if err != nil {
		h.logger.Info("registration failed", logging.Email(req.Email), zap.Error(err))
		respondDomainError(w, h.logger, err)
		return
	}

	token, err := h.identity.IssueSessionToken(user)
	if err != nil {
		respondDomainError(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusCreated, sessionResponse{User: user, Token: token, Notice: notice(deliveries)})
}

// HandleLogin handles POST /login
func (h *AuthHandler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decodeRequest(w, r, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	user, err := h.identity.GetUserWithEmailPassword(r.Context(), req.Email, req.Password)
	if err != nil {
		respondDomainError(w, h.logger, err)
		return
	}

	token, err := h.identity.IssueSessionToken(user)
	if err != nil {
		respondDomainError(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, sessionResponse{User: user, Token: token})
}

// HandleUserInfo handles GET /user-info (protected). Returns the authenticated user.
func (h *AuthHandler) HandleUserInfo(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.GetUser(r.Context())
	if !ok || user == nil {
		respondWithError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	respondJSON(w, http.StatusOK, user)
}

// HandleLogout handles POST /logout (protected). It revokes the presented session token.
func (h *AuthHandler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.GetSessionClaims(r.Context())
	if !ok {
		respondWithError(w, http.StatusBadRequest, "logout requires a session token")
		return
	}
	if err := h.jwtService.Revoke(r.Context(), claims); err != nil {
		respondDomainError(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, messageResponse{Message: "logged out"})
}

// HandleRequestEmailVerify handles POST /email-verify/request. Like the reset
// request, unknown emails get the same answer as registered ones.
func (h *AuthHandler) HandleRequestEmailVerify(w http.ResponseWriter, r *http.Request) {
	var req emailRequest
	if err := decodeRequest(w, r, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ctx, deliveries := notify.WithDeliveries(r.Context())
	err := h.identity.AddEmailVerifyTicket(ctx, req.Email)
	switch {
	case err == nil:
	case errors.Is(err, autherr.ErrNotFound):
		h.logger.Info("verification email for unknown email", logging.Email(req.Email))
	default:
		respondDomainError(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, messageResponse{Message: "verification email sent", Notice: notice(deliveries)})
}

// HandleVerifyEmail handles GET /email-verify/verify, the link in the verification email
func (h *AuthHandler) HandleVerifyEmail(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	email, ticket := q.Get("email"), q.Get("ticket")
	if email == "" || ticket == "" {
		renderMessage(w, http.StatusBadRequest, "Verification failed", "The verification link is incomplete.")
		return
	}

	if _, err := h.identity.VerifyEmail(r.Context(), email, ticket); err != nil {
		h.renderTicketError(w, "Verification failed", err)
		return
	}
	renderMessage(w, http.StatusOK, "Email verified", "Your email address has been verified. You can close this window.")
}

// HandleRequestPasswordChange handles POST /change-password/request. The answer
// is the same whether or not the email is registered.
func (h *AuthHandler) HandleRequestPasswordChange(w http.ResponseWriter, r *http.Request) {
	var req emailRequest
	if err := decodeRequest(w, r, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ctx, deliveries := notify.WithDeliveries(r.Context())
	err := h.identity.RequestPasswordReset(ctx, req.Email)
	switch {
	case err == nil:
	case errors.Is(err, autherr.ErrNotFound):
		h.logger.Info("password reset for unknown email", logging.Email(req.Email))
	default:
		respondDomainError(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, messageResponse{Message: resetRequestedMessage, Notice: notice(deliveries)})
}

// HandleChangePasswordForm handles GET /change-password, the link in the reset email
func (h *AuthHandler) HandleChangePasswordForm(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	email, ticket := q.Get("email"), q.Get("ticket")
	if email == "" || ticket == "" {
		renderMessage(w, http.StatusBadRequest, "Password reset failed", "The reset link is incomplete.")
		return
	}
	renderPage(w, http.StatusOK, "change-password", changePasswordPage{
		Title:     "Choose a new password",
		Action:    "change-password/verify",
		Email:     email,
		Ticket:    ticket,
		MinLength: h.passwordMinLength,
	})
}

// HandleChangePassword handles POST /change-password/verify from the form or JSON
func (h *AuthHandler) HandleChangePassword(w http.ResponseWriter, r *http.Request) {
	form := isForm(r)
	var req changePasswordRequest
	if err := decodeRequest(w, r, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	err := h.identity.UpdatePassword(r.Context(), req.Email, req.Password, req.Ticket)
	if form {
		if err != nil {
			h.renderTicketError(w, "Password reset failed", err)
			return
		}
		renderMessage(w, http.StatusOK, "Password changed", "Your password has been changed. You can sign in with it now.")
		return
	}
	if err != nil {
		respondDomainError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleRequestMobileVerify handles POST /mobile-verify/request (protected)
func (h *AuthHandler) HandleRequestMobileVerify(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.GetUser(r.Context())
	if !ok || user == nil {
		respondWithError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req mobileRequest
	if err := decodeRequest(w, r, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ctx, deliveries := notify.WithDeliveries(r.Context())
	if err := h.identity.AddMobile(ctx, user.Email, strings.TrimSpace(req.Mobile)); err != nil {
		respondDomainError(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, messageResponse{Message: "verification code sent", Notice: notice(deliveries)})
}

// HandleVerifyMobile handles POST /mobile-verify/verify (protected)
func (h *AuthHandler) HandleVerifyMobile(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.GetUser(r.Context())
	if !ok || user == nil {
		respondWithError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req ticketRequest
	if err := decodeRequest(w, r, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	updated, err := h.identity.VerifyMobile(r.Context(), user.Email, strings.TrimSpace(req.Ticket))
	if err != nil {
		respondDomainError(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, updated)
}

// renderTicketError shows a ticket failure as an HTML page. Expired links get 410.
func (h *AuthHandler) renderTicketError(w http.ResponseWriter, title string, err error) {
	switch {
	case errors.Is(err, autherr.ErrTicketExpired):
		renderMessage(w, http.StatusGone, title, "This link has expired. Please request a new one.")
	case errors.Is(err, autherr.ErrTicketUsed):
		renderMessage(w, http.StatusBadRequest, title, "This link has already been used.")
	case errors.Is(err, autherr.ErrTicketInvalid), errors.Is(err, autherr.ErrNotFound):
		renderMessage(w, http.StatusBadRequest, title, "This link is not valid.")
	case errors.Is(err, autherr.ErrValidation):
		renderMessage(w, http.StatusBadRequest, title, autherr.Message(err))
	default:
		h.logger.Error("ticket page failed", zap.Error(err))
		renderMessage(w, http.StatusInternalServerError, title, "Something went wrong. Please try again later.")
	}
}
