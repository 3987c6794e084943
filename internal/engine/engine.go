package engine

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"ncrtrack/internal/config"
	"ncrtrack/internal/domain"
	"ncrtrack/internal/engine/auth"
	"ncrtrack/internal/numbering"
	"ncrtrack/internal/repo"
	"ncrtrack/internal/workflow"
)

type Engine struct {
	Store   repo.Store
	Numbers numbering.Allocator
	Config  *config.Config
	Policy  workflow.Policy
	Auth    auth.Service
	Logger  *log.Logger
	Now     func() time.Time
}

// New wires an engine over store. A nil cfg selects the built-in defaults.
func New(store repo.Store, cfg *config.Config) (Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	alloc, err := numbering.New(cfg.Numbering.Allocator)
	if err != nil {
		return Engine{}, fmt.Errorf("config.numbering.allocator: %w", err)
	}
	return Engine{
		Store:   store,
		Numbers: alloc,
		Config:  cfg,
		Policy:  cfg.Policy(),
		Auth:    auth.NewService(rolePermissions(cfg)),
		Now:     time.Now,
	}, nil
}

// NewSQLite is New over the SQLite store on db.
func NewSQLite(db *sql.DB, cfg *config.Config) (Engine, error) {
	return New(repo.New(db), cfg)
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) logf(format string, args ...any) {
	if e.Logger != nil {
		e.Logger.Printf(format, args...)
	}
}

// NotFoundError reports a missing record. It matches repo.ErrNotFound.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

func (e NotFoundError) Is(target error) bool {
	return target == repo.ErrNotFound
}

// ConflictError reports a write that collided with existing data.
type ConflictError struct {
	Op  string
	Err error
}

func (e ConflictError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e ConflictError) Unwrap() error { return e.Err }

// StorageError wraps an unexpected store failure.
type StorageError struct {
	Op  string
	Err error
}

func (e StorageError) Error() string {
	return fmt.Sprintf("%s: storage failure: %v", e.Op, e.Err)
}

func (e StorageError) Unwrap() error { return e.Err }

// storeErr maps a store error onto the engine taxonomy. Validation and
// permission errors raised inside mutate callbacks pass through untouched.
func storeErr(op, entity, id string, err error) error {
	if err == nil {
		return nil
	}
	var verr workflow.ValidationError
	var ferr auth.ForbiddenError
	var nferr NotFoundError
	switch {
	case errors.As(err, &verr), errors.As(err, &ferr), errors.As(err, &nferr), errors.Is(err, auth.ErrActorRequired):
		return err
	case errors.Is(err, repo.ErrNotFound):
		return NotFoundError{Entity: entity, ID: id}
	case errors.Is(err, repo.ErrConflict):
		return ConflictError{Op: op, Err: err}
	default:
		return StorageError{Op: op, Err: err}
	}
}

func rolePermissions(cfg *config.Config) map[domain.Role][]string {
	out := make(map[domain.Role][]string, len(cfg.RBAC.Roles))
	for id, role := range cfg.RBAC.Roles {
		out[domain.Role(id)] = role.Permissions
	}
	return out
}
