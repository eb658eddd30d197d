// Package contacts is the person directory speakers get linked to.
package contacts

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrNotFound is returned for unknown person ids.
var ErrNotFound = errors.New("person not found")

// ErrEmptyName is returned when creating or renaming to a blank name.
var ErrEmptyName = errors.New("person name is empty")

// DefaultMeName names the local user's profile until they rename it.
const DefaultMeName = "Me"

// Person is a directory entry. IsMe marks the local user's own profile;
// there is at most one.
type Person struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email,omitempty"`
	IsMe      bool      `json:"isMe,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Directory stores people.
type Directory interface {
	Create(ctx context.Context, name, email string) (Person, error)
	Get(ctx context.Context, id string) (Person, error)
	// FindByName matches case-insensitively on the whole name.
	FindByName(ctx context.Context, name string) ([]Person, error)
	List(ctx context.Context) ([]Person, error)
	Rename(ctx context.Context, id, name string) error
	Delete(ctx context.Context, id string) error
	// Me returns the local user's profile, creating it on first use.
	Me(ctx context.Context) (Person, error)
}

func cleanName(name string) string {
	return strings.Join(strings.Fields(name), " ")
}
