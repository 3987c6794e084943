package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"ncrtrack/internal/domain"
	"ncrtrack/internal/events"
)

const userSelect = `SELECT id,username,COALESCE(email,''),COALESCE(full_name,''),role,COALESCE(department,''),password_hash,created_at FROM users`

func scanUser(row rowScanner) (domain.User, error) {
	var u domain.User
	var role string
	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.FullName, &role, &u.Department, &u.PasswordHash, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return u, ErrNotFound
	}
	if err != nil {
		return u, err
	}
	u.Role = domain.Role(role)
	return u, nil
}

func (r Repo) CreateUser(ctx context.Context, u domain.User, evt events.Record) (domain.User, error) {
	if u.CreatedAt == "" {
		u.CreatedAt = r.now()
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.User{}, err
	}
	defer tx.Rollback()
	_, err = tx.ExecContext(ctx, `INSERT INTO users(id,username,email,full_name,role,department,password_hash,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		u.ID, u.Username, nullable(u.Email), nullable(u.FullName), string(u.Role), nullable(u.Department), u.PasswordHash, u.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.User{}, fmt.Errorf("user %s: %w", u.Username, ErrConflict)
		}
		return domain.User{}, fmt.Errorf("insert user: %w", err)
	}
	if evt.EntityKind == "" {
		evt.EntityKind = "user"
		evt.EntityID = u.ID
	}
	if err := r.Events.Append(ctx, tx, evt); err != nil {
		return domain.User{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.User{}, err
	}
	return u, nil
}

func (r Repo) GetUser(ctx context.Context, id string) (domain.User, error) {
	return scanUser(r.DB.QueryRowContext(ctx, userSelect+` WHERE id=?`, id))
}

func (r Repo) GetUserByUsername(ctx context.Context, username string) (domain.User, error) {
	return scanUser(r.DB.QueryRowContext(ctx, userSelect+` WHERE username=?`, strings.TrimSpace(username)))
}

func (r Repo) ListUsers(ctx context.Context) ([]domain.User, error) {
	rows, err := r.DB.QueryContext(ctx, userSelect+` ORDER BY username`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.User{}
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, u)
	}
	return res, rows.Err()
}

func (r Repo) CountUsers(ctx context.Context) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&n)
	return n, err
}
