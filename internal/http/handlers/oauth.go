package handlers

import (
	"errors"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/keyhold/server/internal/auth"
	"github.com/keyhold/server/internal/autherr"
	"github.com/keyhold/server/internal/middleware"
	"github.com/keyhold/server/internal/oauth"
)

var authorizeParams = []string{
	"client_id", "redirect_uri", "response_type", "scope", "state",
	"code_challenge", "code_challenge_method",
}

// OAuthHandler serves the OAuth2 endpoints
type OAuthHandler struct {
	engine   *oauth.Engine
	identity *auth.IdentityService
	logger   *zap.Logger
}

// NewOAuthHandler creates the OAuth2 handler
func NewOAuthHandler(engine *oauth.Engine, identity *auth.IdentityService, logger *zap.Logger) *OAuthHandler {
	return &OAuthHandler{engine: engine, identity: identity, logger: logger}
}

func authorizeRequestFrom(v url.Values) oauth.AuthorizeRequest {
	return oauth.AuthorizeRequest{
		ClientID:            v.Get("client_id"),
		RedirectURI:         v.Get("redirect_uri"),
		ResponseType:        v.Get("response_type"),
		Scope:               v.Get("scope"),
		State:               v.Get("state"),
		CodeChallenge:       v.Get("code_challenge"),
		CodeChallengeMethod: v.Get("code_challenge_method"),
	}
}

// HandleAuthorize handles GET /authorize. A signed-in caller (Bearer session)
// approves immediately. Browsers without a session get the sign-in form; any
// other caller, or prompt=none, is sent back with login_required.
func (h *OAuthHandler) HandleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	grant, err := h.engine.ValidateAuthorizeRequest(r.Context(), authorizeRequestFrom(q))
	if err != nil {
		h.respondAuthorizeError(w, r, err)
		return
	}

	user, ok := middleware.GetUser(r.Context())
	if !ok {
		if q.Get("prompt") != "none" && strings.Contains(r.Header.Get("Accept"), "text/html") {
			h.renderLogin(w, http.StatusOK, grant, q, "")
			return
		}
		http.Redirect(w, r, oauth.LoginRequired(grant).RedirectURL(), http.StatusFound)
		return
	}

	h.issueCode(w, r, grant, user.ID)
}

// HandleAuthorizeLogin handles POST /authorize, the sign-in form
func (h *OAuthHandler) HandleAuthorizeLogin(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := r.ParseForm(); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid form")
		return
	}
	form := r.PostForm

	grant, err := h.engine.ValidateAuthorizeRequest(r.Context(), authorizeRequestFrom(form))
	if err != nil {
		h.respondAuthorizeError(w, r, err)
		return
	}

	if form.Get("decision") == "deny" {
		http.Redirect(w, r, h.engine.DenyAuthorization(grant), http.StatusFound)
		return
	}

	user, err := h.identity.GetUserWithEmailPassword(r.Context(), form.Get("email"), form.Get("password"))
	if err != nil {
		if errors.Is(err, autherr.ErrAuthentication) {
			h.renderLogin(w, http.StatusUnauthorized, grant, form, autherr.Message(err))
			return
		}
		h.logger.Error("authorize login failed", zap.Error(err))
		respondWithError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.issueCode(w, r, grant, user.ID)
}

func (h *OAuthHandler) issueCode(w http.ResponseWriter, r *http.Request, grant *oauth.AuthorizeGrant, userID string) {
	redirect, err := h.engine.IssueCode(r.Context(), grant, userID)
	if err != nil {
		h.logger.Error("failed to issue authorization code", zap.Error(err))
		respondWithError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	http.Redirect(w, r, redirect, http.StatusFound)
}

func (h *OAuthHandler) renderLogin(w http.ResponseWriter, status int, grant *oauth.AuthorizeGrant, v url.Values, message string) {
	params := make(map[string]string, len(authorizeParams))
	for _, k := range authorizeParams {
		if val := v.Get(k); val != "" {
			params[k] = val
		}
	}
	renderPage(w, status, "login", loginPage{
		Title:    "Sign in",
		Action:   "authorize",
		ClientID: grant.Client.ID,
		Scope:    strings.Join(grant.Scopes, " "),
		Message:  message,
		Params:   params,
	})
}

// respondAuthorizeError redirects protocol errors to a verified redirect URI
// and answers everything else directly.
func (h *OAuthHandler) respondAuthorizeError(w http.ResponseWriter, r *http.Request, err error) {
	var oe *oauth.Error
	if errors.As(err, &oe) {
		if target := oe.RedirectURL(); target != "" {
			http.Redirect(w, r, target, http.StatusFound)
			return
		}
	}
	h.respondTokenError(w, err, false)
}

// clientCredentials reads HTTP Basic or client_secret_post credentials
func clientCredentials(r *http.Request) oauth.ClientCredentials {
	if id, secret, ok := r.BasicAuth(); ok {
		// RFC 6749 2.3.1: Basic credentials are form-urlencoded first
		if decoded, err := url.QueryUnescape(id); err == nil {
			id = decoded
		}
		if decoded, err := url.QueryUnescape(secret); err == nil {
			secret = decoded
		}
		return oauth.ClientCredentials{ID: id, Secret: secret, Basic: true}
	}
	return oauth.ClientCredentials{ID: r.PostForm.Get("client_id"), Secret: r.PostForm.Get("client_secret")}
}

func noStore(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
}

// HandleToken handles POST /token
func (h *OAuthHandler) HandleToken(w http.ResponseWriter, r *http.Request) {
	noStore(w)
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := r.ParseForm(); err != nil {
		h.respondTokenError(w, oauth.ErrInvalidRequest, false)
		return
	}
	creds := clientCredentials(r)
	form := r.PostForm

	pair, err := h.engine.Exchange(r.Context(), oauth.TokenRequest{
		GrantType:    form.Get("grant_type"),
		Code:         form.Get("code"),
		RedirectURI:  form.Get("redirect_uri"),
		CodeVerifier: form.Get("code_verifier"),
		RefreshToken: form.Get("refresh_token"),
		Scope:        form.Get("scope"),
		Client:       creds,
	})
	if err != nil {
		h.respondTokenError(w, err, creds.Basic)
		return
	}
	respondJSON(w, http.StatusOK, pair)
}

// HandleRevoke handles POST /revoke (RFC 7009)
func (h *OAuthHandler) HandleRevoke(w http.ResponseWriter, r *http.Request) {
	noStore(w)
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := r.ParseForm(); err != nil {
		h.respondTokenError(w, oauth.ErrInvalidRequest, false)
		return
	}
	creds := clientCredentials(r)

	err := h.engine.RevokeToken(r.Context(), creds, r.PostForm.Get("token"), r.PostForm.Get("token_type_hint"))
	if err != nil {
		h.respondTokenError(w, err, creds.Basic)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// HandleIntrospect handles POST /introspect (RFC 7662). Only registered
// clients may introspect.
func (h *OAuthHandler) HandleIntrospect(w http.ResponseWriter, r *http.Request) {
	noStore(w)
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := r.ParseForm(); err != nil {
		h.respondTokenError(w, oauth.ErrInvalidRequest, false)
		return
	}
	creds := clientCredentials(r)
	if _, err := h.engine.AuthenticateClient(r.Context(), creds); err != nil {
		h.respondTokenError(w, err, creds.Basic)
		return
	}

	info, err := h.engine.Introspect(r.Context(), r.PostForm.Get("token"))
	if err != nil {
		h.respondTokenError(w, err, creds.Basic)
		return
	}
	respondJSON(w, http.StatusOK, info)
}

type oauthErrorResponse struct {
	Error       string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

func (h *OAuthHandler) respondTokenError(w http.ResponseWriter, err error, basic bool) {
	var oe *oauth.Error
	if !errors.As(err, &oe) {
		h.logger.Error("oauth request failed", zap.Error(err))
		respondJSON(w, http.StatusInternalServerError, oauthErrorResponse{Error: "server_error"})
		return
	}
	status := oe.Status
	if status == 0 {
		status = http.StatusBadRequest
	}
	if oe.Code == oauth.CodeInvalidClient && basic {
		w.Header().Set("WWW-Authenticate", `Basic realm="keyhold"`)
	}
	respondJSON(w, status, oauthErrorResponse{Error: oe.Code, Description: oe.Description})
}
