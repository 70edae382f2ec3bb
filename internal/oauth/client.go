package oauth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/keyhold/server/internal/model"
	"github.com/keyhold/server/internal/repo"
)

// ClientCredentials is what a caller presented at the token endpoint
type ClientCredentials struct {
	ID     string
	Secret string
	// Basic is true when the credentials came from HTTP Basic auth
	Basic bool
}

// SeedClients writes the configured clients into the client store
func SeedClients(ctx context.Context, store repo.ObjectStore[model.OAuthClient], clients []model.OAuthClient) error {
	for _, c := range clients {
		if err := store.Put(ctx, c.ID, c); err != nil {
			return fmt.Errorf("failed to seed oauth client %s: %w", c.ID, err)
		}
	}
	return nil
}

func (e *Engine) lookupClient(ctx context.Context, id string) (model.OAuthClient, error) {
	if id == "" {
		return model.OAuthClient{}, invalidClient("client_id is required")
	}
	c, err := e.clients.Get(ctx, id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return model.OAuthClient{}, invalidClient("unknown client")
		}
		return model.OAuthClient{}, fmt.Errorf("failed to get client: %w", err)
	}
	return c, nil
}

// AuthenticateClient resolves and authenticates the calling client. Public
// clients (no registered secret) are identified by client_id alone.
func (e *Engine) AuthenticateClient(ctx context.Context, creds ClientCredentials) (model.OAuthClient, error) {
	c, err := e.lookupClient(ctx, creds.ID)
	if err != nil {
		return model.OAuthClient{}, err
	}
	if c.IsPublic() {
		return c, nil
	}
	if creds.Secret == "" || !secretMatches(c.Secret, creds.Secret) {
		return model.OAuthClient{}, invalidClient("client authentication failed")
	}
	return c, nil
}

// secretMatches accepts bcrypt-hashed or plain registered secrets
func secretMatches(registered, presented string) bool {
	if strings.HasPrefix(registered, "$2") {
		return bcrypt.CompareHashAndPassword([]byte(registered), []byte(presented)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(registered), []byte(presented)) == 1
}
