package handlers

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/keyhold/server/internal/auth"
	"github.com/keyhold/server/internal/autherr"
	"github.com/keyhold/server/internal/logging"
)

// AdminSecretHeader carries the shared admin secret
const AdminSecretHeader = "X-Admin-Secret"

// AdminHandler serves the operator API under /admin
type AdminHandler struct {
	identity *auth.IdentityService
	secret   string
	logger   *zap.Logger
}

// NewAdminHandler creates the admin handler
func NewAdminHandler(identity *auth.IdentityService, secret string, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{identity: identity, secret: secret, logger: logger}
}

// RequireSecret rejects requests without the admin secret header
func (h *AdminHandler) RequireSecret(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.Header.Get(AdminSecretHeader)
		if h.secret == "" || subtle.ConstantTimeCompare([]byte(got), []byte(h.secret)) != 1 {
			respondWithError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// HandleGetUser handles GET /admin/users/{id}
func (h *AdminHandler) HandleGetUser(w http.ResponseWriter, r *http.Request) {
	user, err := h.identity.GetUserByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondDomainError(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, user)
}

// HandleGetUserByEmail handles GET /admin/user-by-email/{email}
func (h *AdminHandler) HandleGetUserByEmail(w http.ResponseWriter, r *http.Request) {
	user, err := h.identity.GetUserByEmail(r.Context(), chi.URLParam(r, "email"))
	if err != nil {
		respondDomainError(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, user)
}

// HandleCreateUser handles POST /admin/users
func (h *AdminHandler) HandleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decodeRequest(w, r, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	user, err := h.identity.CreateUser(r.Context(), req.Email, req.Password)
	if err != nil {
		respondDomainError(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusCreated, user)
}

// HandleDeleteUserByEmail handles DELETE /admin/user-by-email/{email}
func (h *AdminHandler) HandleDeleteUserByEmail(w http.ResponseWriter, r *http.Request) {
	email := chi.URLParam(r, "email")
	if err := h.identity.DeleteUser(r.Context(), email); err != nil {
		respondDomainError(w, h.logger, err)
		return
	}
	h.logger.Info("user deleted by admin", logging.Email(email))
	w.WriteHeader(http.StatusNoContent)
}

// HandleEvent handles POST /admin/events, a directory event trigger. A DELETE
// on the users table removes the local credential; other events are ignored.
func (h *AdminHandler) HandleEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil || !json.Valid(body) {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	payload := gjson.ParseBytes(body)
	op := payload.Get("event.op").String()
	table := payload.Get("table.name").String()
	if !strings.EqualFold(op, "DELETE") || (table != "" && table != "users") {
		respondJSON(w, http.StatusOK, messageResponse{Message: "ignored"})
		return
	}

	email := payload.Get("event.data.old.email").String()
	if email == "" {
		respondWithError(w, http.StatusBadRequest, "event has no old.email")
		return
	}

	if err := h.identity.DeleteUser(r.Context(), email); err != nil && !errors.Is(err, autherr.ErrNotFound) {
		respondDomainError(w, h.logger, err)
		return
	}
	h.logger.Info("user deleted by directory event", logging.Email(email), zap.String("trigger", payload.Get("trigger.name").String()))
	respondJSON(w, http.StatusOK, messageResponse{Message: "deleted"})
}
