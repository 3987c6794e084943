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

func (r Repo) AppendComment(ctx context.Context, c domain.Comment, evt events.Record) (domain.Comment, error) {
	if c.CreatedAt == "" {
		c.CreatedAt = r.now()
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Comment{}, err
	}
	defer tx.Rollback()
	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM ncrs WHERE id=?`, c.NCRID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Comment{}, ErrNotFound
	}
	if err != nil {
		return domain.Comment{}, err
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO comments(ncr_id,user_id,content,created_at) VALUES (?,?,?,?)`,
		c.NCRID, c.UserID, c.Content, c.CreatedAt)
	if err != nil {
		return domain.Comment{}, fmt.Errorf("insert comment: %w", err)
	}
	if c.ID, err = res.LastInsertId(); err != nil {
		return domain.Comment{}, err
	}
	if evt.EntityKind == "" {
		evt.EntityKind = "ncr"
		evt.EntityID = c.NCRID
	}
	if err := r.Events.Append(ctx, tx, evt); err != nil {
		return domain.Comment{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Comment{}, err
	}
	return c, nil
}

// ListComments returns comments oldest first.
func (r Repo) ListComments(ctx context.Context, ncrID string) ([]domain.Comment, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,ncr_id,user_id,content,created_at FROM comments WHERE ncr_id=? ORDER BY created_at ASC, id ASC`, ncrID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Comment{}
	for rows.Next() {
		var c domain.Comment
		if err := rows.Scan(&c.ID, &c.NCRID, &c.UserID, &c.Content, &c.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func insertStatusHistory(ctx context.Context, tx *sql.Tx, h domain.StatusHistoryEntry) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO status_history(ncr_id,user_id,old_status,new_status,change_reason,created_at) VALUES (?,?,?,?,?,?)`,
		h.NCRID, h.ChangedBy, nullable(string(h.OldStatus)), string(h.NewStatus), nullable(h.Reason), h.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("insert status history: %w", err)
	}
	return res.LastInsertId()
}

// ListStatusHistory returns the transitions of an NCR oldest first.
func (r Repo) ListStatusHistory(ctx context.Context, ncrID string) ([]domain.StatusHistoryEntry, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,ncr_id,COALESCE(old_status,''),new_status,user_id,COALESCE(change_reason,''),created_at FROM status_history WHERE ncr_id=? ORDER BY created_at ASC, id ASC`, ncrID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.StatusHistoryEntry{}
	for rows.Next() {
		var h domain.StatusHistoryEntry
		var oldStatus, newStatus string
		if err := rows.Scan(&h.ID, &h.NCRID, &oldStatus, &newStatus, &h.ChangedBy, &h.Reason, &h.CreatedAt); err != nil {
			return nil, err
		}
		h.OldStatus = domain.Status(oldStatus)
		h.NewStatus = domain.Status(newStatus)
		res = append(res, h)
	}
	return res, rows.Err()
}

// ListEvents returns audit events newest first, starting below f.Cursor.
func (r Repo) ListEvents(ctx context.Context, f EventFilters) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.EntityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, f.EntityKind)
	}
	if f.EntityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, f.EntityID)
	}
	if f.Cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.Cursor)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query := fmt.Sprintf(`SELECT id,ts,type,entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE %s ORDER BY id DESC LIMIT ?`, strings.Join(clauses, " AND "))
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Event{}
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
