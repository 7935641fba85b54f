package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

const (
	defaultListLimit = 10
	maxListLimit     = 100
)

// DeletePolicy controls who may delete a user account.
type DeletePolicy string

const (
	// DeletePolicySelf permits deletion only by the account owner.
	DeletePolicySelf DeletePolicy = "self"
	// DeletePolicyAdminOverride additionally permits admins of a service
	// the target belongs to.
	DeletePolicyAdminOverride DeletePolicy = "admin-override"
)

// ParseDeletePolicy maps a configuration string to a DeletePolicy.
func ParseDeletePolicy(s string) (DeletePolicy, error) {
	switch DeletePolicy(strings.TrimSpace(strings.ToLower(s))) {
	case "", DeletePolicySelf:
		return DeletePolicySelf, nil
	case DeletePolicyAdminOverride:
		return DeletePolicyAdminOverride, nil
	default:
		return "", fmt.Errorf("unsupported delete policy %q", s)
	}
}

// Manager owns every mutation of the identity model. Each tenant-scoped
// operation resolves the actor, resolves the targets, checks authorization
// and only then mutates; existence errors always take precedence over
// authorization errors so a denied caller cannot probe for resources.
type Manager struct {
	store Store
	guard *Guard

	deletePolicy     DeletePolicy
	openRoleRegistry bool
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithDeletePolicy selects the user-deletion policy (default self-only).
func WithDeletePolicy(p DeletePolicy) ManagerOption {
	return func(m *Manager) {
		if p != "" {
			m.deletePolicy = p
		}
	}
}

// WithOpenRoleRegistry removes the admin-somewhere requirement from role
// creation, restoring the permissive behavior where any authenticated user
// may add role labels.
func WithOpenRoleRegistry() ManagerOption {
	return func(m *Manager) { m.openRoleRegistry = true }
}

// NewManager constructs a Manager over the given store.
func NewManager(store Store, opts ...ManagerOption) (*Manager, error) {
	if store == nil {
		return nil, errors.New("identity store is required")
	}
	m := &Manager{
		store:        store,
		guard:        NewGuard(store),
		deletePolicy: DeletePolicySelf,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Guard exposes the authorization predicate for callers that only need the
// admin check (readiness of read paths, tests).
func (m *Manager) Guard() *Guard { return m.guard }

// RegisterUser creates a new account. Duplicate username or email surfaces
// as ErrConflict; the storage unique constraints are the real guard, so two
// concurrent registrations with the same key race safely.
func (m *Manager) RegisterUser(ctx context.Context, username, email, password string) (User, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return User{}, fmt.Errorf("%w: username is required", ErrInvalidInput)
	}
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" || !strings.Contains(email, "@") {
		return User{}, fmt.Errorf("%w: valid email is required", ErrInvalidInput)
	}
	if strings.TrimSpace(password) == "" {
		return User{}, fmt.Errorf("%w: password is required", ErrInvalidInput)
	}
	hash, err := HashPassword(password)
	if err != nil {
		return User{}, err
	}
	user, err := m.store.CreateUser(ctx, username, email, hash)
	if err != nil {
		if errors.Is(err, ErrConflict) {
			return User{}, fmt.Errorf("%w: username or email already registered", ErrConflict)
		}
		return User{}, err
	}
	return user, nil
}

// Authenticate validates credentials and returns the account. Any failure
// is ErrUnauthorized; an unknown username costs a hash comparison too, so
// the response does not reveal which part was wrong.
func (m *Manager) Authenticate(ctx context.Context, username, password string) (User, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return User{}, ErrUnauthorized
	}
	user, err := m.store.UserByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			verifyAgainstDummy(password)
			return User{}, ErrUnauthorized
		}
		return User{}, err
	}
	if err := VerifyPassword(user.PasswordHash, password); err != nil {
		return User{}, ErrUnauthorized
	}
	return user, nil
}

// RegisterService creates a tenant and grants the creator the admin role in
// it. Both writes commit together or not at all.
func (m *Manager) RegisterService(ctx context.Context, name, creatorUsername string) (Service, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Service{}, fmt.Errorf("%w: service name is required", ErrInvalidInput)
	}
	creator, err := m.resolveActor(ctx, creatorUsername)
	if err != nil {
		return Service{}, err
	}
	svc, err := m.store.CreateService(ctx, name, creator.ID)
	if err != nil {
		if errors.Is(err, ErrConflict) {
			return Service{}, fmt.Errorf("%w: service %q already registered", ErrConflict, name)
		}
		return Service{}, err
	}
	return svc, nil
}

// RegisterRole adds a label to the global role registry. Unless the
// registry is configured open, the actor must hold the admin role in at
// least one service.
func (m *Manager) RegisterRole(ctx context.Context, actingUsername, name string) (Role, error) {
	name = strings.TrimSpace(strings.ToLower(name))
	if name == "" {
		return Role{}, fmt.Errorf("%w: role name is required", ErrInvalidInput)
	}
	actor, err := m.resolveActor(ctx, actingUsername)
	if err != nil {
		return Role{}, err
	}
	if !m.openRoleRegistry {
		ok, err := m.store.HasAdminRole(ctx, actor.ID)
		if err != nil {
			return Role{}, err
		}
		if !ok {
			return Role{}, fmt.Errorf("%w: role registration requires the admin role in at least one service", ErrUnauthorized)
		}
	}
	role, err := m.store.CreateRole(ctx, name)
	if err != nil {
		if errors.Is(err, ErrConflict) {
			return Role{}, fmt.Errorf("%w: role %q already registered", ErrConflict, name)
		}
		return Role{}, err
	}
	return role, nil
}

// AssignRole grants targetUsername the named role within the service. The
// acting user must hold the admin role in that service; the store repeats
// the check inside the mutation transaction.
func (m *Manager) AssignRole(ctx context.Context, actingUsername, targetUsername, serviceName, roleName string) (Assignment, error) {
	actor, err := m.resolveActor(ctx, actingUsername)
	if err != nil {
		return Assignment{}, err
	}
	target, err := m.store.UserByUsername(ctx, strings.TrimSpace(targetUsername))
	if err != nil {
		return Assignment{}, notFoundf(err, "user %q", targetUsername)
	}
	role, err := m.store.RoleByName(ctx, strings.TrimSpace(strings.ToLower(roleName)))
	if err != nil {
		return Assignment{}, notFoundf(err, "role %q", roleName)
	}
	svc, err := m.store.ServiceByName(ctx, strings.TrimSpace(serviceName))
	if err != nil {
		return Assignment{}, notFoundf(err, "service %q", serviceName)
	}
	if err := m.requireAdmin(ctx, actor.ID, svc.ID); err != nil {
		return Assignment{}, err
	}
	assignment, err := m.store.CreateAssignment(ctx, actor.ID, target.ID, svc.ID, role.ID)
	if err != nil {
		if errors.Is(err, ErrConflict) {
			return Assignment{}, fmt.Errorf("%w: user %q already holds a role in service %q", ErrConflict, target.Username, svc.Name)
		}
		return Assignment{}, err
	}
	return assignment, nil
}

// RevokeAssignment removes the target's role in the service. An admin may
// revoke their own admin assignment; no self-protection is enforced.
func (m *Manager) RevokeAssignment(ctx context.Context, actingUsername, targetUsername, serviceName string) error {
	actor, err := m.resolveActor(ctx, actingUsername)
	if err != nil {
		return err
	}
	target, err := m.store.UserByUsername(ctx, strings.TrimSpace(targetUsername))
	if err != nil {
		return notFoundf(err, "user %q", targetUsername)
	}
	svc, err := m.store.ServiceByName(ctx, strings.TrimSpace(serviceName))
	if err != nil {
		return notFoundf(err, "service %q", serviceName)
	}
	if err := m.requireAdmin(ctx, actor.ID, svc.ID); err != nil {
		return err
	}
	if err := m.store.DeleteAssignment(ctx, actor.ID, target.ID, svc.ID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("%w: user %q holds no role in service %q", ErrNotFound, target.Username, svc.Name)
		}
		return err
	}
	return nil
}

// DeleteUser removes the account and cascades all of its assignments.
// Self-service by default; with the admin-override policy, an admin of any
// service the target belongs to may also delete it.
func (m *Manager) DeleteUser(ctx context.Context, actingUsername, targetUsername string) error {
	actor, err := m.resolveActor(ctx, actingUsername)
	if err != nil {
		return err
	}
	target, err := m.store.UserByUsername(ctx, strings.TrimSpace(targetUsername))
	if err != nil {
		return notFoundf(err, "user %q", targetUsername)
	}
	if actor.ID != target.ID {
		if m.deletePolicy != DeletePolicyAdminOverride {
			return fmt.Errorf("%w: users may only delete their own account", ErrUnauthorized)
		}
		ok, err := m.store.SharesAdminService(ctx, actor.ID, target.ID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: not an admin of any service the user belongs to", ErrUnauthorized)
		}
	}
	return m.store.DeleteUser(ctx, target.ID)
}

// ListUsers pages over members of the service, ordered by ascending
// assignment id. The acting user must hold the admin role in the service.
func (m *Manager) ListUsers(ctx context.Context, actingUsername, serviceName string, limit, offset int) ([]Member, error) {
	actor, err := m.resolveActor(ctx, actingUsername)
	if err != nil {
		return nil, err
	}
	svc, err := m.store.ServiceByName(ctx, strings.TrimSpace(serviceName))
	if err != nil {
		return nil, notFoundf(err, "service %q", serviceName)
	}
	if err := m.requireAdmin(ctx, actor.ID, svc.ID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	if offset < 0 {
		offset = 0
	}
	return m.store.ListMembers(ctx, svc.ID, limit, offset)
}

// resolveActor maps the acting username to its account. A stale session
// whose account no longer exists resolves to ErrUnauthorized, never to
// ErrNotFound: the actor is not a target.
func (m *Manager) resolveActor(ctx context.Context, username string) (User, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return User{}, ErrUnauthorized
	}
	user, err := m.store.UserByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return User{}, ErrUnauthorized
		}
		return User{}, err
	}
	return user, nil
}

// requireAdmin is the explicit authorization branch: an actor with no
// assignment in the service is denied, never dereferenced.
func (m *Manager) requireAdmin(ctx context.Context, actorID, serviceID string) error {
	ok, err := m.guard.IsAdmin(ctx, actorID, serviceID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: admin role required in this service", ErrUnauthorized)
	}
	return nil
}

func notFoundf(err error, format string, args ...any) error {
	if errors.Is(err, ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
	}
	return err
}
