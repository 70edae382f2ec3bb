package handlers

import (
	"bytes"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/keyhold/server/internal/autherr"
)

func TestDecodeRequest(t *testing.T) {
	t.Run("json", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"email":"a@example.com","password":"pw"}`))
		r.Header.Set("Content-Type", "application/json")
		var req credentialsRequest
		require.NoError(t, decodeRequest(httptest.NewRecorder(), r, &req))
		assert.Equal(t, credentialsRequest{Email: "a@example.com", Password: "pw"}, req)
	})

	t.Run("form", func(t *testing.T) {
		form := url.Values{"email": {"a@example.com"}, "ticket": {"t1"}, "password": {"pw"}}
		r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(form.Encode()))
		r.Header.Set("Content-Type", "application/x-www-form-urlencoded; charset=utf-8")
		var req changePasswordRequest
		require.NoError(t, decodeRequest(httptest.NewRecorder(), r, &req))
		assert.Equal(t, changePasswordRequest{Email: "a@example.com", Ticket: "t1", Password: "pw"}, req)
	})

	t.Run("multipart", func(t *testing.T) {
		var body bytes.Buffer
		mw := multipart.NewWriter(&body)
		require.NoError(t, mw.WriteField("email", "a@example.com"))
		require.NoError(t, mw.WriteField("ticket", "t1"))
		require.NoError(t, mw.WriteField("password", "pw"))
		require.NoError(t, mw.Close())

		r := httptest.NewRequest(http.MethodPost, "/", &body)
		r.Header.Set("Content-Type", mw.FormDataContentType())
		var req changePasswordRequest
		require.NoError(t, decodeRequest(httptest.NewRecorder(), r, &req))
		assert.Equal(t, changePasswordRequest{Email: "a@example.com", Ticket: "t1", Password: "pw"}, req)
	})

	t.Run("malformed json", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"email":`))
		var req credentialsRequest
		assert.Error(t, decodeRequest(httptest.NewRecorder(), r, &req))
	})
}

func TestRespondDomainError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		body   string
	}{
		{"validation", autherr.Validation("password too short"), http.StatusBadRequest, "password too short"},
		{"conflict", autherr.Conflict("email already registered"), http.StatusConflict, "email already registered"},
		{"authentication", autherr.Authentication("incorrect email or password"), http.StatusUnauthorized, "incorrect email or password"},
		{"internal", errors.New("connection refused"), http.StatusInternalServerError, "internal server error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			respondDomainError(rec, zap.NewNop(), tt.err)
			assert.Equal(t, tt.status, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.body)
			assert.NotContains(t, rec.Body.String(), "connection refused")
		})
	}
}

func TestAdminRequireSecret(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusTeapot) })

	tests := []struct {
		name       string
		configured string
		header     string
		status     int
	}{
		{"match", "s3cret", "s3cret", http.StatusTeapot},
		{"mismatch", "s3cret", "guess", http.StatusUnauthorized},
		{"missing", "s3cret", "", http.StatusUnauthorized},
		{"unconfigured", "", "", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewAdminHandler(nil, tt.configured, zap.NewNop())
			r := httptest.NewRequest(http.MethodGet, "/admin/users/1", nil)
			if tt.header != "" {
				r.Header.Set(AdminSecretHeader, tt.header)
			}
			rec := httptest.NewRecorder()
			h.RequireSecret(next).ServeHTTP(rec, r)
			assert.Equal(t, tt.status, rec.Code)
		})
	}
}

func TestHandleEventWithoutDelete(t *testing.T) {
	h := NewAdminHandler(nil, "s3cret", zap.NewNop())

	tests := []struct {
		name   string
		body   string
		status int
		want   string
	}{
		{"insert ignored", `{"event":{"op":"INSERT","data":{"new":{"email":"a@example.com"}}},"table":{"name":"users"}}`, http.StatusOK, "ignored"},
		{"other table ignored", `{"event":{"op":"DELETE","data":{"old":{"email":"a@example.com"}}},"table":{"name":"orders"}}`, http.StatusOK, "ignored"},
		{"missing email", `{"event":{"op":"DELETE","data":{"old":{}}},"table":{"name":"users"}}`, http.StatusBadRequest, "old.email"},
		{"not json", `op=DELETE`, http.StatusBadRequest, "invalid request body"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/admin/events", strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			h.HandleEvent(rec, r)
			assert.Equal(t, tt.status, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.want)
		})
	}
}

func TestRenderTicketErrorStatus(t *testing.T) {
	h := NewAuthHandler(nil, nil, zap.NewNop(), 10)

	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"expired", autherr.TicketExpired("ticket expired"), http.StatusGone},
		{"used", autherr.TicketUsed("ticket already used"), http.StatusBadRequest},
		{"invalid", autherr.TicketInvalid("invalid ticket"), http.StatusBadRequest},
		{"internal", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.renderTicketError(rec, "Verification failed", tt.err)
			assert.Equal(t, tt.status, rec.Code)
			assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
			assert.Contains(t, rec.Body.String(), "Verification failed")
		})
	}
}

func TestChangePasswordFormEscapesParams(t *testing.T) {
	h := NewAuthHandler(nil, nil, zap.NewNop(), 12)
	r := httptest.NewRequest(http.MethodGet, `/auth/change-password?email=a%40example.com&ticket=%22%3E%3Cscript%3E`, nil)
	rec := httptest.NewRecorder()
	h.HandleChangePasswordForm(rec, r)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "<script>")
	assert.Contains(t, rec.Body.String(), `minlength="12"`)
}
