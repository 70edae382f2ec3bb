// Package directory provides the user profile directory: either a local store
// or an external Hasura GraphQL backend.
package directory

//go:generate mockgen -destination=mocks/mock_directory.go -package=mocks -source=directory.go Directory

import (
	"context"
	"errors"

	"github.com/keyhold/server/internal/model"
)

// ErrNotFound is returned when the directory has no user with the given id
var ErrNotFound = errors.New("directory: user not found")

// Directory masters user profiles (id, email, role)
type Directory interface {
	CreateUserWithEmail(ctx context.Context, email, role string) (model.User, error)
	GetUserByID(ctx context.Context, id string) (model.User, error)
	DeleteUserByID(ctx context.Context, id string) error
}
