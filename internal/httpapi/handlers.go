package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"gatehouse.org/internal/audit"
	"gatehouse.org/internal/identity"
	"gatehouse.org/internal/token"
)

const tokenTTL = 15 * time.Minute

type registerUserRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type userResponse struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

type tokenRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type tokenResponse struct {
	Token     string    `json:"token"`
	TokenType string    `json:"token_type"`
	ExpiresAt time.Time `json:"expires_at"`
}

type registerRoleRequest struct {
	Name string `json:"name"`
}

type roleResponse struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type registerServiceRequest struct {
	Name string `json:"name"`
}

type serviceResponse struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type assignRoleRequest struct {
	Username string `json:"username"`
	Service  string `json:"service"`
	Role     string `json:"role"`
}

type assignmentResponse struct {
	UserID    string `json:"user_id"`
	RoleID    string `json:"role_id"`
	ServiceID string `json:"service_id"`
}

type listMembersResponse struct {
	Users []identity.Member `json:"users"`
}

func (a *API) handleUsersCollection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req registerUserRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	user, err := a.manager.RegisterUser(r.Context(), req.Username, req.Email, req.Password)
	if err != nil {
		handleIdentityError(w, r, "user.register", err)
		return
	}
	_ = audit.LogEvent(r.Context(), "identity.user.register", map[string]any{
		"username": user.Username,
	})
	w.Header().Set("Location", fmt.Sprintf("/v1/users/%s", user.Username))
	writeJSON(w, http.StatusCreated, userResponse{ID: user.ID, Username: user.Username, Email: user.Email})
}

func (a *API) handleUserResource(w http.ResponseWriter, r *http.Request) {
	username := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/users/"), "/")
	if username == "" || strings.Contains(username, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if r.Method != http.MethodDelete {
		methodNotAllowed(w, r, http.MethodDelete)
		return
	}
	actor, ok := a.principal(w, r)
	if !ok {
		return
	}
	if err := a.manager.DeleteUser(r.Context(), actor.Username, username); err != nil {
		handleIdentityError(w, r, "user.delete", err)
		return
	}
	_ = audit.LogEvent(r.Context(), "identity.user.delete", map[string]any{
		"username": username,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleAuthToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req tokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	user, err := a.manager.Authenticate(r.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, identity.ErrUnauthorized) {
			writeError(w, r, http.StatusUnauthorized, "invalid username or password")
			return
		}
		writeError(w, r, http.StatusInternalServerError, "authentication failed")
		return
	}
	signed, err := token.Issue(user.ID, user.Username, tokenTTL)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "token generation failed")
		return
	}
	expiresAt := time.Now().UTC().Add(tokenTTL)
	_ = audit.LogEvent(r.Context(), "identity.token.issued", map[string]any{
		"username":   user.Username,
		"expires_at": expiresAt.Format(time.RFC3339),
	})
	writeJSON(w, http.StatusOK, tokenResponse{
		Token:     signed,
		TokenType: "bearer",
		ExpiresAt: expiresAt,
	})
}

func (a *API) handleRoles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	actor, ok := a.principal(w, r)
	if !ok {
		return
	}
	var req registerRoleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	role, err := a.manager.RegisterRole(r.Context(), actor.Username, req.Name)
	if err != nil {
		handleIdentityError(w, r, "role.register", err)
		return
	}
	_ = audit.LogEvent(r.Context(), "identity.role.register", map[string]any{
		"name": role.Name,
	})
	writeJSON(w, http.StatusCreated, roleResponse{ID: role.ID, Name: role.Name})
}

func (a *API) handleServicesCollection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	actor, ok := a.principal(w, r)
	if !ok {
		return
	}
	var req registerServiceRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	svc, err := a.manager.RegisterService(r.Context(), req.Name, actor.Username)
	if err != nil {
		handleIdentityError(w, r, "service.register", err)
		return
	}
	_ = audit.LogEvent(r.Context(), "identity.service.register", map[string]any{
		"name": svc.Name,
	})
	w.Header().Set("Location", fmt.Sprintf("/v1/services/%s", svc.Name))
	writeJSON(w, http.StatusCreated, serviceResponse{ID: svc.ID, Name: svc.Name})
}

// handleServiceScoped routes /v1/services/{name}/members and
// /v1/services/{name}/members/{username}.
func (a *API) handleServiceScoped(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/services/"), "/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	parts := strings.Split(path, "/")
	if len(parts) < 2 || parts[1] != "members" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	serviceName := parts[0]
	switch len(parts) {
	case 2:
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.listMembers(w, r, serviceName)
	case 3:
		if r.Method != http.MethodDelete {
			methodNotAllowed(w, r, http.MethodDelete)
			return
		}
		a.revokeAssignment(w, r, serviceName, parts[2])
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) listMembers(w http.ResponseWriter, r *http.Request, serviceName string) {
	actor, ok := a.principal(w, r)
	if !ok {
		return
	}
	limit := queryInt(r, "limit", 0)
	offset := queryInt(r, "offset", 0)
	members, err := a.manager.ListUsers(r.Context(), actor.Username, serviceName, limit, offset)
	if err != nil {
		handleIdentityError(w, r, "service.members.list", err)
		return
	}
	if members == nil {
		members = []identity.Member{}
	}
	writeJSON(w, http.StatusOK, listMembersResponse{Users: members})
}

func (a *API) revokeAssignment(w http.ResponseWriter, r *http.Request, serviceName, username string) {
	actor, ok := a.principal(w, r)
	if !ok {
		return
	}
	if err := a.manager.RevokeAssignment(r.Context(), actor.Username, username, serviceName); err != nil {
		handleIdentityError(w, r, "assignment.revoke", err)
		return
	}
	_ = audit.LogEvent(r.Context(), "identity.assignment.revoke", map[string]any{
		"username": username,
		"service":  serviceName,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleAssignments(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	actor, ok := a.principal(w, r)
	if !ok {
		return
	}
	var req assignRoleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	assignment, err := a.manager.AssignRole(r.Context(), actor.Username, req.Username, req.Service, req.Role)
	if err != nil {
		handleIdentityError(w, r, "assignment.create", err)
		return
	}
	_ = audit.LogEvent(r.Context(), "identity.assignment.create", map[string]any{
		"username": req.Username,
		"service":  req.Service,
		"role":     req.Role,
	})
	writeJSON(w, http.StatusCreated, assignmentResponse{
		UserID:    assignment.UserID,
		RoleID:    assignment.RoleID,
		ServiceID: assignment.ServiceID,
	})
}

func (a *API) principal(w http.ResponseWriter, r *http.Request) (identity.User, bool) {
	actor, ok := identity.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return identity.User{}, false
	}
	return actor, true
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}
