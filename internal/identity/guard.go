package identity

import (
	"context"
	"errors"
)

// Guard is the stateless authorization predicate gating every tenant-scoped
// privileged operation. It always re-reads current store state; nothing is
// cached between requests.
type Guard struct {
	store Store
}

// NewGuard constructs a Guard over the given store.
func NewGuard(store Store) *Guard {
	return &Guard{store: store}
}

// IsAdmin reports whether the user holds the admin role in the service.
// A missing assignment resolves to false, not an error; callers are
// expected to have verified the service exists before asking.
func (g *Guard) IsAdmin(ctx context.Context, userID, serviceID string) (bool, error) {
	role, err := g.store.AssignmentRole(ctx, userID, serviceID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return role == RoleAdmin, nil
}
