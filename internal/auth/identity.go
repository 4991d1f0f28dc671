package auth

import (
	"context"
	"errors"
)

// User is the acting identity stamped on every record.
type User struct {
	Email    string `json:"email"`
	FullName string `json:"full_name"`
}

var ErrNoIdentity = errors.New("no authenticated user")

type userKey struct{}

func WithUser(ctx context.Context, user User) context.Context {
	return context.WithValue(ctx, userKey{}, user)
}

func FromContext(ctx context.Context) (User, bool) {
	user, ok := ctx.Value(userKey{}).(User)
	return user, ok && user.Email != ""
}

// ContextIdentity resolves the current user from the request context.
type ContextIdentity struct{}

func (ContextIdentity) CurrentUser(ctx context.Context) (User, error) {
	user, ok := FromContext(ctx)
	if !ok {
		return User{}, ErrNoIdentity
	}
	return user, nil
}

// StaticIdentity always acts as one user. The CLI uses it.
type StaticIdentity User

func (s StaticIdentity) CurrentUser(context.Context) (User, error) {
	if s.Email == "" {
		return User{}, ErrNoIdentity
	}
	return User(s), nil
}
