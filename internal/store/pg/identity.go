package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"gatehouse.org/internal/identity"
	"gatehouse.org/internal/ids"
)

const (
	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"
)

func (s *Store) CreateUser(ctx context.Context, username, email, passwordHash string) (identity.User, error) {
	var user identity.User
	row := s.db.QueryRowContext(ctx, `
		insert into users (id, username, email, password_hash)
		values ($1, $2, $3, $4)
		returning id, username, email, password_hash, created_at
	`, ids.New(), username, email, passwordHash)
	if err := row.Scan(&user.ID, &user.Username, &user.Email, &user.PasswordHash, &user.CreatedAt); err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return identity.User{}, identity.ErrConflict
		}
		return identity.User{}, err
	}
	return user, nil
}

func (s *Store) UserByID(ctx context.Context, id string) (identity.User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx, `
		select id, username, email, password_hash, created_at
		from users
		where id = $1
	`, id))
}

func (s *Store) UserByUsername(ctx context.Context, username string) (identity.User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx, `
		select id, username, email, password_hash, created_at
		from users
		where username = $1
	`, username))
}

// DeleteUser removes the row; assignments follow via on delete cascade so
// no concurrent reader can observe a dangling reference.
func (s *Store) DeleteUser(ctx context.Context, userID string) error {
	res, err := s.db.ExecContext(ctx, `delete from users where id = $1`, userID)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return identity.ErrNotFound
	}
	return nil
}

// CreateService inserts the service and the creator's admin assignment in
// one transaction. Either both rows commit or neither does.
func (s *Store) CreateService(ctx context.Context, name, creatorUserID string) (identity.Service, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return identity.Service{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var svc identity.Service
	row := tx.QueryRowContext(ctx, `
		insert into services (id, name)
		values ($1, $2)
		returning id, name, created_at
	`, ids.New(), name)
	if err := row.Scan(&svc.ID, &svc.Name, &svc.CreatedAt); err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return identity.Service{}, identity.ErrConflict
		}
		return identity.Service{}, err
	}

	var adminRoleID string
	err = tx.QueryRowContext(ctx, `select id from roles where name = $1`, identity.RoleAdmin).Scan(&adminRoleID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return identity.Service{}, fmt.Errorf("%w: role %q is not seeded", identity.ErrNotFound, identity.RoleAdmin)
		}
		return identity.Service{}, err
	}

	if _, err := tx.ExecContext(ctx, `
		insert into assignments (id, user_id, service_id, role_id)
		values ($1, $2, $3, $4)
	`, ids.New(), creatorUserID, svc.ID, adminRoleID); err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
			return identity.Service{}, identity.ErrNotFound
		}
		return identity.Service{}, err
	}

	if err := tx.Commit(); err != nil {
		return identity.Service{}, err
	}
	return svc, nil
}

func (s *Store) ServiceByName(ctx context.Context, name string) (identity.Service, error) {
	var svc identity.Service
	err := s.db.QueryRowContext(ctx, `
		select id, name, created_at
		from services
		where name = $1
	`, name).Scan(&svc.ID, &svc.Name, &svc.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return identity.Service{}, identity.ErrNotFound
	}
	if err != nil {
		return identity.Service{}, err
	}
	return svc, nil
}

func (s *Store) CreateRole(ctx context.Context, name string) (identity.Role, error) {
	var role identity.Role
	row := s.db.QueryRowContext(ctx, `
		insert into roles (id, name)
		values ($1, $2)
		returning id, name, created_at
	`, ids.New(), name)
	if err := row.Scan(&role.ID, &role.Name, &role.CreatedAt); err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return identity.Role{}, identity.ErrConflict
		}
		return identity.Role{}, err
	}
	return role, nil
}

func (s *Store) RoleByName(ctx context.Context, name string) (identity.Role, error) {
	var role identity.Role
	err := s.db.QueryRowContext(ctx, `
		select id, name, created_at
		from roles
		where name = $1
	`, name).Scan(&role.ID, &role.Name, &role.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return identity.Role{}, identity.ErrNotFound
	}
	if err != nil {
		return identity.Role{}, err
	}
	return role, nil
}

func (s *Store) EnsureRoles(ctx context.Context, names []string) error {
	for _, name := range names {
		if _, err := s.db.ExecContext(ctx, `
			insert into roles (id, name)
			values ($1, $2)
			on conflict (name) do nothing
		`, ids.New(), name); err != nil {
			return err
		}
	}
	return nil
}

// CreateAssignment re-verifies the acting user's admin role inside the
// mutation transaction, closing the gap where the role is revoked between
// the caller's check and the insert.
func (s *Store) CreateAssignment(ctx context.Context, actingUserID, userID, serviceID, roleID string) (identity.Assignment, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return identity.Assignment{}, err
	}
	defer func() { _ = tx.Rollback() }()

	if err := requireAdminTx(ctx, tx, actingUserID, serviceID); err != nil {
		return identity.Assignment{}, err
	}

	var a identity.Assignment
	row := tx.QueryRowContext(ctx, `
		insert into assignments (id, user_id, service_id, role_id)
		values ($1, $2, $3, $4)
		returning id, user_id, service_id, role_id, created_at
	`, ids.New(), userID, serviceID, roleID)
	if err := row.Scan(&a.ID, &a.UserID, &a.ServiceID, &a.RoleID, &a.CreatedAt); err != nil {
		if pgErr, ok := maybePgError(err); ok {
			switch pgErr.Code {
			case pgErrUniqueViolation:
				return identity.Assignment{}, identity.ErrConflict
			case pgErrForeignKeyViolation:
				return identity.Assignment{}, identity.ErrNotFound
			}
		}
		return identity.Assignment{}, err
	}

	if err := tx.Commit(); err != nil {
		return identity.Assignment{}, err
	}
	return a, nil
}

func (s *Store) DeleteAssignment(ctx context.Context, actingUserID, userID, serviceID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := requireAdminTx(ctx, tx, actingUserID, serviceID); err != nil {
		return err
	}

	res, err := tx.ExecContext(ctx, `
		delete from assignments
		where user_id = $1 and service_id = $2
	`, userID, serviceID)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return identity.ErrNotFound
	}
	return tx.Commit()
}

func (s *Store) AssignmentRole(ctx context.Context, userID, serviceID string) (string, error) {
	var role string
	err := s.db.QueryRowContext(ctx, `
		select r.name
		from assignments a
		join roles r on r.id = a.role_id
		where a.user_id = $1 and a.service_id = $2
	`, userID, serviceID).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return "", identity.ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return role, nil
}

func (s *Store) HasAdminRole(ctx context.Context, userID string) (bool, error) {
	var ok bool
	err := s.db.QueryRowContext(ctx, `
		select exists (
			select 1
			from assignments a
			join roles r on r.id = a.role_id
			where a.user_id = $1 and r.name = $2
		)
	`, userID, identity.RoleAdmin).Scan(&ok)
	if err != nil {
		return false, err
	}
	return ok, nil
}

func (s *Store) SharesAdminService(ctx context.Context, actingUserID, targetUserID string) (bool, error) {
	var ok bool
	err := s.db.QueryRowContext(ctx, `
		select exists (
			select 1
			from assignments acting
			join roles r on r.id = acting.role_id
			join assignments target on target.service_id = acting.service_id
			where acting.user_id = $1 and r.name = $2 and target.user_id = $3
		)
	`, actingUserID, identity.RoleAdmin, targetUserID).Scan(&ok)
	if err != nil {
		return false, err
	}
	return ok, nil
}

func (s *Store) ListMembers(ctx context.Context, serviceID string, limit, offset int) ([]identity.Member, error) {
	rows, err := s.db.QueryContext(ctx, `
		select u.username, u.email
		from assignments a
		join users u on u.id = a.user_id
		where a.service_id = $1
		order by a.id
		limit $2 offset $3
	`, serviceID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var members []identity.Member
	for rows.Next() {
		var m identity.Member
		if err := rows.Scan(&m.Username, &m.Email); err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return members, nil
}

func requireAdminTx(ctx context.Context, tx *sql.Tx, actingUserID, serviceID string) error {
	var role string
	err := tx.QueryRowContext(ctx, `
		select r.name
		from assignments a
		join roles r on r.id = a.role_id
		where a.user_id = $1 and a.service_id = $2
	`, actingUserID, serviceID).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return identity.ErrUnauthorized
	}
	if err != nil {
		return err
	}
	if role != identity.RoleAdmin {
		return identity.ErrUnauthorized
	}
	return nil
}

func (s *Store) scanUser(row *sql.Row) (identity.User, error) {
	var user identity.User
	err := row.Scan(&user.ID, &user.Username, &user.Email, &user.PasswordHash, &user.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return identity.User{}, identity.ErrNotFound
	}
	if err != nil {
		return identity.User{}, err
	}
	return user, nil
}

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}
