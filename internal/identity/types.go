package identity

import "time"

// User is a registered account. The password hash never leaves the service.
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// Service is a named tenant. Role assignments are scoped to a service.
type Service struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Role is a global permission label shared across all services.
type Role struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Assignment binds exactly one user to one role within one service.
// At most one assignment exists per (user, service) pair.
type Assignment struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	ServiceID string    `json:"service_id"`
	RoleID    string    `json:"role_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Member is the projection of a user returned by member listings.
type Member struct {
	Username string `json:"username"`
	Email    string `json:"email"`
}
