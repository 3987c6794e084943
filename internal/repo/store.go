package repo

import (
	"context"
	"errors"

	"ncrtrack/internal/domain"
	"ncrtrack/internal/events"
	"ncrtrack/internal/numbering"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)

// Change is what a mutation callback wants persisted. History and Event are
// optional and are written in the same unit as the record.
type Change struct {
	NCR     domain.NCR
	History *domain.StatusHistoryEntry
	Event   *events.Record
}

// MutateFunc receives the current record and returns the change to apply.
// Returning an error aborts the update without writing anything.
type MutateFunc func(current domain.NCR) (Change, error)

type NCRFilters struct {
	Status     domain.Status
	NCLevel    *int
	CreatedBy  string
	AssignedTo string
	Search     string
	// Tags uses subset semantics: every listed tag must be present.
	Tags []string
	// Cursor is the (created_at, seq) of the last row of the previous page.
	CursorCreatedAt string
	CursorSeq       int64
	Limit           int
}

type EventFilters struct {
	Type       string
	EntityKind string
	EntityID   string
	Cursor     int64
	Limit      int
}

// Store persists NCRs, their comments and status history, users and the
// audit log. Implementations must make CreateNCR and UpdateNCR atomic.
type Store interface {
	numbering.Counter

	// CreateNCR allocates the number with alloc and writes the record, its
	// history entries and evt as one unit.
	CreateNCR(ctx context.Context, alloc numbering.Allocator, n domain.NCR, history []domain.StatusHistoryEntry, evt events.Record) (domain.NCR, error)
	GetNCR(ctx context.Context, id string) (domain.NCR, error)
	GetNCRByNumber(ctx context.Context, number string) (domain.NCR, error)
	ListNCRs(ctx context.Context, f NCRFilters) ([]domain.NCR, error)
	// UpdateNCR runs mutate against the stored record and persists its
	// result without interleaving with other writers of the same record.
	UpdateNCR(ctx context.Context, id string, mutate MutateFunc) (domain.NCR, error)
	DeleteNCR(ctx context.Context, id string, evt events.Record) error
	ListTags(ctx context.Context) ([]string, error)

	AppendComment(ctx context.Context, c domain.Comment, evt events.Record) (domain.Comment, error)
	ListComments(ctx context.Context, ncrID string) ([]domain.Comment, error)
	ListStatusHistory(ctx context.Context, ncrID string) ([]domain.StatusHistoryEntry, error)
	ListEvents(ctx context.Context, f EventFilters) ([]domain.Event, error)

	CreateUser(ctx context.Context, u domain.User, evt events.Record) (domain.User, error)
	GetUser(ctx context.Context, id string) (domain.User, error)
	GetUserByUsername(ctx context.Context, username string) (domain.User, error)
	ListUsers(ctx context.Context) ([]domain.User, error)
	CountUsers(ctx context.Context) (int, error)
}
