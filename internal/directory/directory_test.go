package directory

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyhold/server/internal/model"
	"github.com/keyhold/server/internal/repo"
)

func TestLocal(t *testing.T) {
	ctx := context.Background()
	store := repo.NewMemoryStore[model.User]()
	t.Cleanup(func() { _ = store.Close() })
	d := NewLocal(store)

	u, err := d.CreateUserWithEmail(ctx, "user@example.com", model.DefaultRole)
	require.NoError(t, err)
	assert.NotEmpty(t, u.ID)
	assert.Equal(t, "user@example.com", u.Email)
	assert.Equal(t, "user", u.Role)

	got, err := d.GetUserByID(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, u, got)

	require.NoError(t, d.DeleteUserByID(ctx, u.ID))
	_, err = d.GetUserByID(ctx, u.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, d.DeleteUserByID(ctx, u.ID), ErrNotFound)
}

// fakeHasura answers the three directory operations from an in-memory map
func fakeHasura(t *testing.T, users map[string]map[string]any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "s3cret", r.Header.Get("X-Hasura-Admin-Secret"))

		raw, _ := io.ReadAll(r.Body)
		var req graphQLRequest
		require.NoError(t, json.Unmarshal(raw, &req))

		w.Header().Set("Content-Type", "application/json")
		switch req.Query {
		case createUserMutation:
			row := map[string]any{
				"id":         "3f9a3c2e-0000-4000-8000-000000000001",
				"email":      req.Variables["email"],
				"role":       req.Variables["role"],
				"created_at": "2026-01-02T03:04:05.123456+00:00",
			}
			users[row["id"].(string)] = row
			_ = json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{"insert_users_one": row}})
		case getUserQuery:
			_ = json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{"users_by_pk": users[req.Variables["id"].(string)]}})
		case deleteUserMutation:
			id := req.Variables["id"].(string)
			row, ok := users[id]
			delete(users, id)
			var out any
			if ok {
				out = map[string]any{"id": row["id"]}
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{"delete_users_by_pk": out}})
		default:
			http.Error(w, "unexpected query", http.StatusBadRequest)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestHasura(t *testing.T) {
	ctx := context.Background()
	srv := fakeHasura(t, map[string]map[string]any{})
	d := NewHasura(srv.URL, "s3cret", srv.Client())

	u, err := d.CreateUserWithEmail(ctx, "user@example.com", "user")
	require.NoError(t, err)
	assert.Equal(t, "3f9a3c2e-0000-4000-8000-000000000001", u.ID)
	assert.Equal(t, "user@example.com", u.Email)
	assert.Equal(t, 2026, u.CreatedAt.Year())

	got, err := d.GetUserByID(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, u.Email, got.Email)

	require.NoError(t, d.DeleteUserByID(ctx, u.ID))
	_, err = d.GetUserByID(ctx, u.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, d.DeleteUserByID(ctx, u.ID), ErrNotFound)
}

func TestHasura_Errors(t *testing.T) {
	ctx := context.Background()

	t.Run("graphql errors", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"errors":[{"message":"permission denied"}]}`))
		}))
		t.Cleanup(srv.Close)

		_, err := NewHasura(srv.URL, "", nil).GetUserByID(ctx, "x")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "permission denied")
		assert.NotErrorIs(t, err, ErrNotFound)
	})

	t.Run("http 404", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		t.Cleanup(srv.Close)

		err := NewHasura(srv.URL, "", nil).DeleteUserByID(ctx, "x")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("http 500", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		t.Cleanup(srv.Close)

		err := NewHasura(srv.URL, "", nil).DeleteUserByID(ctx, "x")
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrNotFound)
	})
}
