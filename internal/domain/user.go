package domain

import (
	"context"

	"github.com/google/uuid"
)

// User is the subset of an account the real-time core needs.
type User struct {
	ID      uuid.UUID `json:"id"`
	Name    string    `json:"name"`
	Surname *string   `json:"surname,omitempty"`
}

// DisplayName joins name and surname.
func (u *User) DisplayName() string {
	if u.Surname != nil && *u.Surname != "" {
		return u.Name + " " + *u.Surname
	}
	return u.Name
}

type UserDirectory interface {
	GetUserByID(ctx context.Context, id uuid.UUID) (*User, error)
}
