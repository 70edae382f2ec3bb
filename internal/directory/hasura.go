package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	"github.com/keyhold/server/internal/model"
)

const (
	createUserMutation = `mutation CreateUser($email: String!, $role: String!) {
  insert_users_one(object: {email: $email, role: $role}) { id email role created_at }
}`
	getUserQuery = `query GetUser($id: uuid!) {
  users_by_pk(id: $id) { id email role created_at }
}`
	deleteUserMutation = `mutation DeleteUser($id: uuid!) {
  delete_users_by_pk(id: $id) { id }
}`
)

// Hasura talks to a Hasura GraphQL endpoint with the admin secret
type Hasura struct {
	endpoint    string
	adminSecret string
	client      *http.Client
}

// NewHasura creates a directory client. A nil httpClient gets a 10s timeout.
func NewHasura(endpoint, adminSecret string, httpClient *http.Client) *Hasura {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Hasura{endpoint: endpoint, adminSecret: adminSecret, client: httpClient}
}

// CreateUserWithEmail inserts a users row and returns it
func (h *Hasura) CreateUserWithEmail(ctx context.Context, email, role string) (model.User, error) {
	data, err := h.do(ctx, createUserMutation, map[string]any{"email": email, "role": role})
	if err != nil {
		return model.User{}, fmt.Errorf("failed to create directory user: %w", err)
	}
	row := data.Get("insert_users_one")
	if !row.Exists() || row.Type == gjson.Null {
		return model.User{}, fmt.Errorf("failed to create directory user: empty response")
	}
	return userFromResult(row), nil
}

// GetUserByID returns the users row or ErrNotFound
func (h *Hasura) GetUserByID(ctx context.Context, id string) (model.User, error) {
	data, err := h.do(ctx, getUserQuery, map[string]any{"id": id})
	if err != nil {
		return model.User{}, err
	}
	row := data.Get("users_by_pk")
	if !row.Exists() || row.Type == gjson.Null {
		return model.User{}, ErrNotFound
	}
	return userFromResult(row), nil
}

// DeleteUserByID deletes the users row. A null result means it did not exist.
func (h *Hasura) DeleteUserByID(ctx context.Context, id string) error {
	data, err := h.do(ctx, deleteUserMutation, map[string]any{"id": id})
	if err != nil {
		return err
	}
	row := data.Get("delete_users_by_pk")
	if !row.Exists() || row.Type == gjson.Null {
		return ErrNotFound
	}
	return nil
}

type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

// do posts a GraphQL operation and returns the "data" object
func (h *Hasura) do(ctx context.Context, query string, vars map[string]any) (gjson.Result, error) {
	body, err := json.Marshal(graphQLRequest{Query: query, Variables: vars})
	if err != nil {
		return gjson.Result{}, fmt.Errorf("encode graphql request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(body))
	if err != nil {
		return gjson.Result{}, fmt.Errorf("build graphql request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if h.adminSecret != "" {
		req.Header.Set("X-Hasura-Admin-Secret", h.adminSecret)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("graphql request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return gjson.Result{}, fmt.Errorf("read graphql response: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return gjson.Result{}, ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return gjson.Result{}, fmt.Errorf("graphql endpoint returned status %d", resp.StatusCode)
	}
	if !gjson.ValidBytes(raw) {
		return gjson.Result{}, fmt.Errorf("graphql endpoint returned invalid JSON")
	}

	parsed := gjson.ParseBytes(raw)
	if errs := parsed.Get("errors"); errs.Exists() && len(errs.Array()) > 0 {
		return gjson.Result{}, fmt.Errorf("graphql error: %s", errs.Get("0.message").String())
	}
	return parsed.Get("data"), nil
}

func userFromResult(row gjson.Result) model.User {
	u := model.User{
		ID:    row.Get("id").String(),
		Email: row.Get("email").String(),
		Role:  row.Get("role").String(),
	}
	if ts := row.Get("created_at"); ts.Exists() {
		if t, err := time.Parse(time.RFC3339Nano, ts.String()); err == nil {
			u.CreatedAt = t.UTC()
		}
	}
	return u
}
