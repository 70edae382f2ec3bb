package directory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/keyhold/server/internal/model"
	"github.com/keyhold/server/internal/repo"
)

// Local keeps user profiles in the service's own object store
type Local struct {
	users repo.ObjectStore[model.User]
	now   func() time.Time
}

// NewLocal creates a directory over the given store
func NewLocal(users repo.ObjectStore[model.User]) *Local {
	return &Local{users: users, now: time.Now}
}

// CreateUserWithEmail stores a new profile under a fresh UUID
func (d *Local) CreateUserWithEmail(ctx context.Context, email, role string) (model.User, error) {
	u := model.User{
		ID:        uuid.NewString(),
		Email:     email,
		Role:      role,
		CreatedAt: d.now().UTC(),
	}
	if err := d.users.Put(ctx, u.ID, u); err != nil {
		return model.User{}, fmt.Errorf("failed to store user: %w", err)
	}
	return u, nil
}

// GetUserByID returns the profile or ErrNotFound
func (d *Local) GetUserByID(ctx context.Context, id string) (model.User, error) {
	u, err := d.users.Get(ctx, id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return model.User{}, ErrNotFound
		}
		return model.User{}, fmt.Errorf("failed to get user: %w", err)
	}
	return u, nil
}

// DeleteUserByID removes the profile, returning ErrNotFound if it was absent
func (d *Local) DeleteUserByID(ctx context.Context, id string) error {
	if _, err := d.GetUserByID(ctx, id); err != nil {
		return err
	}
	if err := d.users.Delete(ctx, id); err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	return nil
}
