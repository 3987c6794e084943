package auth

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"ncrtrack/internal/domain"
)

const (
	PermNCRCreate  = "ncr.create"
	PermNCRRead    = "ncr.read"
	PermNCRUpdate  = "ncr.update"
	PermNCRAssign  = "ncr.assign"
	PermNCRClose   = "ncr.close"
	PermNCRDelete  = "ncr.delete"
	PermCommentAdd = "comment.add"
	PermUserManage = "user.manage"
	PermEventsRead = "events.read"
)

var (
	// ErrInvalidCredentials is returned for an unknown user or a wrong password.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrActorRequired is returned when an operation runs without an actor.
	ErrActorRequired = errors.New("actor required")
)

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

// Service resolves role permissions from the configured role table.
type Service struct {
	Roles map[domain.Role][]string
}

func NewService(roles map[domain.Role][]string) Service {
	return Service{Roles: roles}
}

func (s Service) ActorHasPermission(actor domain.Actor, perm string) bool {
	for _, p := range s.Roles[actor.Role] {
		if p == perm {
			return true
		}
	}
	return false
}

func (s Service) ActorPermissions(actor domain.Actor) []string {
	return append([]string{}, s.Roles[actor.Role]...)
}

// Require returns ForbiddenError when actor lacks perm.
func (s Service) Require(actor domain.Actor, perm string) error {
	if actor.UserID == "" {
		return ErrActorRequired
	}
	if !s.ActorHasPermission(actor, perm) {
		return ForbiddenError{Permission: perm}
	}
	return nil
}

func HashPassword(password string) (string, error) {
	if password == "" {
		return "", errors.New("password required")
	}
	b, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func VerifyPassword(hash, password string) error {
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return ErrInvalidCredentials
	}
	return nil
}
