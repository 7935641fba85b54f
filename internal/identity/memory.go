package identity

import (
	"context"
	"sort"
	"sync"
	"time"

	"gatehouse.org/internal/ids"
)

// InMemory implements Store with in-process concurrency safety. It mirrors
// the Postgres store's semantics, including the in-transaction admin checks,
// and backs tests and DSN-less local runs.
type InMemory struct {
	mu sync.RWMutex

	users          map[string]*User // by id
	usersByName    map[string]string
	usersByEmail   map[string]string
	services       map[string]*Service
	servicesByName map[string]string
	roles          map[string]*Role
	rolesByName    map[string]string
	assignments    map[string]*Assignment // by id
	byUserService  map[[2]string]string   // (userID, serviceID) -> assignment id
}

var _ Store = (*InMemory)(nil)

// NewInMemory creates an empty store with the builtin roles seeded.
func NewInMemory() *InMemory {
	s := &InMemory{
		users:          make(map[string]*User),
		usersByName:    make(map[string]string),
		usersByEmail:   make(map[string]string),
		services:       make(map[string]*Service),
		servicesByName: make(map[string]string),
		roles:          make(map[string]*Role),
		rolesByName:    make(map[string]string),
		assignments:    make(map[string]*Assignment),
		byUserService:  make(map[[2]string]string),
	}
	_ = s.EnsureRoles(context.Background(), BuiltinRoles)
	return s
}

func (s *InMemory) CreateUser(_ context.Context, username, email, passwordHash string) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.usersByName[username]; ok {
		return User{}, ErrConflict
	}
	if _, ok := s.usersByEmail[email]; ok {
		return User{}, ErrConflict
	}
	u := &User{
		ID:           ids.New(),
		Username:     username,
		Email:        email,
		PasswordHash: passwordHash,
		CreatedAt:    time.Now().UTC(),
	}
	s.users[u.ID] = u
	s.usersByName[username] = u.ID
	s.usersByEmail[email] = u.ID
	return *u, nil
}

func (s *InMemory) UserByID(_ context.Context, id string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return User{}, ErrNotFound
	}
	return *u, nil
}

func (s *InMemory) UserByUsername(_ context.Context, username string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.usersByName[username]
	if !ok {
		return User{}, ErrNotFound
	}
	return *s.users[id], nil
}

func (s *InMemory) DeleteUser(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return ErrNotFound
	}
	for id, a := range s.assignments {
		if a.UserID == userID {
			delete(s.byUserService, [2]string{a.UserID, a.ServiceID})
			delete(s.assignments, id)
		}
	}
	delete(s.usersByName, u.Username)
	delete(s.usersByEmail, u.Email)
	delete(s.users, userID)
	return nil
}

func (s *InMemory) CreateService(_ context.Context, name, creatorUserID string) (Service, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.servicesByName[name]; ok {
		return Service{}, ErrConflict
	}
	if _, ok := s.users[creatorUserID]; !ok {
		return Service{}, ErrNotFound
	}
	adminID, ok := s.rolesByName[RoleAdmin]
	if !ok {
		return Service{}, ErrNotFound
	}
	svc := &Service{ID: ids.New(), Name: name, CreatedAt: time.Now().UTC()}
	s.services[svc.ID] = svc
	s.servicesByName[name] = svc.ID
	s.insertAssignment(creatorUserID, svc.ID, adminID)
	return *svc, nil
}

func (s *InMemory) ServiceByName(_ context.Context, name string) (Service, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.servicesByName[name]
	if !ok {
		return Service{}, ErrNotFound
	}
	return *s.services[id], nil
}

func (s *InMemory) CreateRole(_ context.Context, name string) (Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rolesByName[name]; ok {
		return Role{}, ErrConflict
	}
	return s.insertRole(name), nil
}

func (s *InMemory) RoleByName(_ context.Context, name string) (Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.rolesByName[name]
	if !ok {
		return Role{}, ErrNotFound
	}
	return *s.roles[id], nil
}

func (s *InMemory) EnsureRoles(_ context.Context, names []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, name := range names {
		if _, ok := s.rolesByName[name]; !ok {
			s.insertRole(name)
		}
	}
	return nil
}

func (s *InMemory) CreateAssignment(_ context.Context, actingUserID, userID, serviceID, roleID string) (Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireAdminLocked(actingUserID, serviceID); err != nil {
		return Assignment{}, err
	}
	if _, ok := s.users[userID]; !ok {
		return Assignment{}, ErrNotFound
	}
	if _, ok := s.services[serviceID]; !ok {
		return Assignment{}, ErrNotFound
	}
	if _, ok := s.roles[roleID]; !ok {
		return Assignment{}, ErrNotFound
	}
	if _, ok := s.byUserService[[2]string{userID, serviceID}]; ok {
		return Assignment{}, ErrConflict
	}
	return *s.insertAssignment(userID, serviceID, roleID), nil
}

func (s *InMemory) DeleteAssignment(_ context.Context, actingUserID, userID, serviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireAdminLocked(actingUserID, serviceID); err != nil {
		return err
	}
	id, ok := s.byUserService[[2]string{userID, serviceID}]
	if !ok {
		return ErrNotFound
	}
	delete(s.byUserService, [2]string{userID, serviceID})
	delete(s.assignments, id)
	return nil
}

func (s *InMemory) AssignmentRole(_ context.Context, userID, serviceID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.assignmentRoleLocked(userID, serviceID)
}

func (s *InMemory) HasAdminRole(_ context.Context, userID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	adminID := s.rolesByName[RoleAdmin]
	for _, a := range s.assignments {
		if a.UserID == userID && a.RoleID == adminID {
			return true, nil
		}
	}
	return false, nil
}

func (s *InMemory) SharesAdminService(_ context.Context, actingUserID, targetUserID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	adminID := s.rolesByName[RoleAdmin]
	for _, a := range s.assignments {
		if a.UserID != actingUserID || a.RoleID != adminID {
			continue
		}
		if _, ok := s.byUserService[[2]string{targetUserID, a.ServiceID}]; ok {
			return true, nil
		}
	}
	return false, nil
}

func (s *InMemory) ListMembers(_ context.Context, serviceID string, limit, offset int) ([]Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var matched []*Assignment
	for _, a := range s.assignments {
		if a.ServiceID == serviceID {
			matched = append(matched, a)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID < matched[j].ID })
	if offset >= len(matched) {
		return nil, nil
	}
	matched = matched[offset:]
	if limit < len(matched) {
		matched = matched[:limit]
	}
	members := make([]Member, 0, len(matched))
	for _, a := range matched {
		u := s.users[a.UserID]
		members = append(members, Member{Username: u.Username, Email: u.Email})
	}
	return members, nil
}

func (s *InMemory) insertRole(name string) Role {
	r := &Role{ID: ids.New(), Name: name, CreatedAt: time.Now().UTC()}
	s.roles[r.ID] = r
	s.rolesByName[name] = r.ID
	return *r
}

func (s *InMemory) insertAssignment(userID, serviceID, roleID string) *Assignment {
	a := &Assignment{
		ID:        ids.New(),
		UserID:    userID,
		ServiceID: serviceID,
		RoleID:    roleID,
		CreatedAt: time.Now().UTC(),
	}
	s.assignments[a.ID] = a
	s.byUserService[[2]string{userID, serviceID}] = a.ID
	return a
}

func (s *InMemory) requireAdminLocked(userID, serviceID string) error {
	role, err := s.assignmentRoleLocked(userID, serviceID)
	if err != nil || role != RoleAdmin {
		return ErrUnauthorized
	}
	return nil
}

func (s *InMemory) assignmentRoleLocked(userID, serviceID string) (string, error) {
	id, ok := s.byUserService[[2]string{userID, serviceID}]
	if !ok {
		return "", ErrNotFound
	}
	return s.roles[s.assignments[id].RoleID].Name, nil
}
