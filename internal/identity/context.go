package identity

import (
	"context"

	"github.com/li-yechao/dghost/internal/constants"
)

// WithUser returns a copy of ctx carrying the resolved user.
func WithUser(ctx context.Context, user *User) context.Context {
	return context.WithValue(ctx, constants.ContextKeyUser, user)
}

// UserFromContext returns the user resolved for the request, if any.
func UserFromContext(ctx context.Context) (*User, bool) {
	user, ok := ctx.Value(constants.ContextKeyUser).(*User)
	return user, ok && user != nil
}
