package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxguard/internal/domain/user"
)

const selectUser = `SELECT id, external_id, display_name, handle, role, created_at FROM users`

func scanUser(row pgx.Row) (*user.User, error) {
	u := &user.User{}
	var role string
	if err := row.Scan(&u.ID, &u.ExternalID, &u.DisplayName, &u.Handle, &role, &u.CreatedAt); err != nil {
		return nil, err
	}
	u.Role = user.Role(role)
	return u, nil
}

func (s *Store) UserByExternalID(ctx context.Context, externalID int64) (*user.User, error) {
	u, err := scanUser(s.pool.QueryRow(ctx,
		selectUser+` WHERE external_id = $1 AND deleted_at IS NULL`, externalID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, user.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select user: %w", err)
	}
	return u, nil
}

func (s *Store) UsersByRole(ctx context.Context, role user.Role) ([]*user.User, error) {
	rows, err := s.pool.Query(ctx,
		selectUser+` WHERE role = $1 AND deleted_at IS NULL ORDER BY id`, string(role))
	if err != nil {
		return nil, fmt.Errorf("select users: %w", err)
	}
	defer rows.Close()

	var out []*user.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// CreateUser inserts a live account. A live account with the same external id
// yields user.ErrExists.
func (s *Store) CreateUser(ctx context.Context, u *user.User) error {
	if !u.Role.Valid() {
		return fmt.Errorf("%w: %q", user.ErrInvalidRole, u.Role)
	}
	u.Handle = user.NormalizeHandle(u.Handle)
	err := s.pool.QueryRow(ctx, `
		INSERT INTO users (external_id, display_name, handle, role)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at
	`, u.ExternalID, u.DisplayName, u.Handle, string(u.Role)).Scan(&u.ID, &u.CreatedAt)
	if isUniqueViolation(err) {
		return user.ErrExists
	}
	if err != nil {
		return fmt.Errorf("insert user: %w", constraintErr(err))
	}
	return nil
}

// DeleteUser soft-deletes a non-admin account by internal id.
func (s *Store) DeleteUser(ctx context.Context, id int64) (*user.User, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	u, err := scanUser(tx.QueryRow(ctx,
		selectUser+` WHERE id = $1 AND deleted_at IS NULL FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, user.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock user: %w", err)
	}
	if u.Role == user.RoleAdmin {
		return nil, user.ErrAdminProtected
	}

	if _, err := tx.Exec(ctx, `UPDATE users SET deleted_at = NOW() WHERE id = $1`, id); err != nil {
		return nil, fmt.Errorf("delete user: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	s.logger.Info("user soft-deleted", zap.Int64("user_id", id), zap.String("role", string(u.Role)))
	return u, nil
}
