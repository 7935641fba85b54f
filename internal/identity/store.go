package identity

import "context"

// Builtin role names. The registry is seeded with these so a freshly
// created service can always receive its founding admin assignment.
const (
	RoleAdmin  = "admin"
	RoleMember = "member"
)

// BuiltinRoles are ensured at startup and by migrations seeds.
var BuiltinRoles = []string{RoleAdmin, RoleMember}

// Store is the durable record of users, services, roles and assignments.
// It owns every persisted row and enforces the uniqueness invariants at the
// storage layer: unique username, email, service name, role name and
// (user, service) assignment pair. Lookups for missing rows return
// ErrNotFound rather than an opaque failure.
//
// Mutations that require the acting user to hold the admin role in the
// target service (CreateAssignment, DeleteAssignment) take the acting user
// id and perform the role check inside the same transaction as the
// mutation, so a concurrent revocation cannot slip between check and act.
type Store interface {
	CreateUser(ctx context.Context, username, email, passwordHash string) (User, error)
	UserByID(ctx context.Context, id string) (User, error)
	UserByUsername(ctx context.Context, username string) (User, error)
	// DeleteUser removes the user and, atomically, every assignment that
	// references it.
	DeleteUser(ctx context.Context, userID string) error

	// CreateService inserts the service and the creator's admin assignment
	// as a single transactional unit. A service without its founding admin
	// is never observable.
	CreateService(ctx context.Context, name, creatorUserID string) (Service, error)
	ServiceByName(ctx context.Context, name string) (Service, error)

	CreateRole(ctx context.Context, name string) (Role, error)
	RoleByName(ctx context.Context, name string) (Role, error)
	// EnsureRoles creates any missing roles from names; existing roles are
	// left untouched.
	EnsureRoles(ctx context.Context, names []string) error

	CreateAssignment(ctx context.Context, actingUserID, userID, serviceID, roleID string) (Assignment, error)
	DeleteAssignment(ctx context.Context, actingUserID, userID, serviceID string) error
	// AssignmentRole returns the role name the user holds in the service,
	// or ErrNotFound when no assignment exists.
	AssignmentRole(ctx context.Context, userID, serviceID string) (string, error)
	// HasAdminRole reports whether the user holds the admin role in at
	// least one service.
	HasAdminRole(ctx context.Context, userID string) (bool, error)
	// SharesAdminService reports whether actingUserID holds the admin role
	// in a service where targetUserID holds any role.
	SharesAdminService(ctx context.Context, actingUserID, targetUserID string) (bool, error)
	// ListMembers pages over users holding any role in the service,
	// ordered by ascending assignment id.
	ListMembers(ctx context.Context, serviceID string, limit, offset int) ([]Member, error)
}
