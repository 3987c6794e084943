package engine

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"

	"ncrtrack/internal/domain"
	"ncrtrack/internal/engine/auth"
	"ncrtrack/internal/events"
	"ncrtrack/internal/repo"
	"ncrtrack/internal/workflow"
)

// SystemActor is recorded on events written outside any user request.
const SystemActor = "system"

type NewUser struct {
	Username   string
	Password   string
	Email      string
	FullName   string
	Role       domain.Role
	Department string
}

func (e Engine) CreateUser(ctx context.Context, actor domain.Actor, in NewUser) (domain.User, error) {
	if err := e.Auth.Require(actor, auth.PermUserManage); err != nil {
		return domain.User{}, err
	}
	return e.createUser(ctx, actor.UserID, in)
}

func (e Engine) createUser(ctx context.Context, actorID string, in NewUser) (domain.User, error) {
	in.Username = strings.TrimSpace(in.Username)
	if in.Username == "" {
		return domain.User{}, workflow.ValidationError{Field: "username", Message: "username is required"}
	}
	if in.Role == "" {
		in.Role = domain.RoleNCROwner
	}
	if !in.Role.Valid() {
		return domain.User{}, workflow.ValidationError{Field: "role", Message: "unknown role " + string(in.Role)}
	}
	if in.Password == "" {
		return domain.User{}, workflow.ValidationError{Field: "password", Message: "password is required"}
	}
	hash, err := auth.HashPassword(in.Password)
	if err != nil {
		return domain.User{}, err
	}
	u := domain.User{
		ID:           uuid.New().String(),
		Username:     in.Username,
		Email:        strings.TrimSpace(in.Email),
		FullName:     strings.TrimSpace(in.FullName),
		Role:         in.Role,
		Department:   strings.TrimSpace(in.Department),
		PasswordHash: hash,
		CreatedAt:    e.now().UTC().Format(events.TSLayout),
	}
	evt := events.Record{Type: events.UserCreated, ActorID: actorID, Payload: events.EventPayload{
		"username": u.Username,
		"role":     string(u.Role),
	}}
	out, err := e.Store.CreateUser(ctx, u, evt)
	if err != nil {
		return domain.User{}, storeErr("create user", "user", u.Username, err)
	}
	return out, nil
}

func (e Engine) ListUsers(ctx context.Context, actor domain.Actor) ([]domain.User, error) {
	if err := e.Auth.Require(actor, auth.PermNCRRead); err != nil {
		return nil, err
	}
	list, err := e.Store.ListUsers(ctx)
	if err != nil {
		return nil, storeErr("list users", "user", "", err)
	}
	return list, nil
}

// Authenticate verifies a username and password and returns the user.
func (e Engine) Authenticate(ctx context.Context, username, password string) (domain.User, error) {
	u, err := e.Store.GetUserByUsername(ctx, username)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.User{}, auth.ErrInvalidCredentials
	}
	if err != nil {
		return domain.User{}, storeErr("authenticate", "user", username, err)
	}
	if err := auth.VerifyPassword(u.PasswordHash, password); err != nil {
		return domain.User{}, err
	}
	return u, nil
}

// ActorFor resolves a user id or username into an Actor.
func (e Engine) ActorFor(ctx context.Context, ref string) (domain.Actor, error) {
	u, err := e.resolveUser(ctx, ref)
	if err != nil {
		return domain.Actor{}, err
	}
	return u.Actor(), nil
}

func (e Engine) resolveUser(ctx context.Context, ref string) (domain.User, error) {
	ref = strings.TrimSpace(ref)
	u, err := e.Store.GetUser(ctx, ref)
	if errors.Is(err, repo.ErrNotFound) {
		u, err = e.Store.GetUserByUsername(ctx, ref)
	}
	if err != nil {
		return domain.User{}, storeErr("get user", "user", ref, err)
	}
	return u, nil
}

// EnsureAdmin seeds the configured admin account when no users exist. It
// reports whether an account was created.
func (e Engine) EnsureAdmin(ctx context.Context, password string) (domain.User, bool, error) {
	n, err := e.Store.CountUsers(ctx)
	if err != nil {
		return domain.User{}, false, storeErr("count users", "user", "", err)
	}
	if n > 0 {
		return domain.User{}, false, nil
	}
	seed := e.Config.Bootstrap.Admin
	u, err := e.createUser(ctx, SystemActor, NewUser{
		Username:   seed.Username,
		Password:   password,
		Email:      seed.Email,
		FullName:   seed.FullName,
		Role:       domain.RoleAdmin,
		Department: seed.Department,
	})
	if err != nil {
		return domain.User{}, false, err
	}
	e.logf("seeded admin user %s", u.Username)
	return u, true, nil
}
