package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"ncrtrack/internal/domain"
	"ncrtrack/internal/events"
	"ncrtrack/internal/numbering"
)

// Repo is the SQLite backed Store.
type Repo struct {
	DB     *sql.DB
	Events events.Writer
}

var _ Store = Repo{}

func New(db *sql.DB) Repo {
	return Repo{DB: db, Events: events.Writer{Now: time.Now}}
}

func (r Repo) now() string {
	now := r.Events.Now
	if now == nil {
		now = time.Now
	}
	return now().UTC().Format(events.TSLayout)
}

type rowScanner interface {
	Scan(dest ...any) error
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

const ncrSelect = `SELECT id,seq,ncr_number,status,COALESCE(priority,''),
title,COALESCE(site,''),COALESCE(part_number,''),COALESCE(part_number_rev,''),quantity_affected,COALESCE(units_affected,''),
COALESCE(project_affected,''),COALESCE(serial_number,''),COALESCE(other_id,''),COALESCE(po_number,''),COALESCE(supplier,''),
COALESCE(build_group_operation,''),COALESCE(problem_is,''),COALESCE(problem_should_be,''),is_contained,COALESCE(how_contained,''),
COALESCE(containment_justification,''),
nc_level,capa_required,COALESCE(capa_number,''),COALESCE(qe_assigned,''),COALESCE(nc_owner_assigned,''),
external_notification_required,COALESCE(external_notification_method,''),
COALESCE(problem_category,''),COALESCE(other_category,''),COALESCE(investigation_results,''),COALESCE(disposition_action,''),
COALESCE(disposition_instructions,''),COALESCE(disposition_justification,''),required_approvals_json,
correction_actions_json,COALESCE(other_correction,''),COALESCE(evidence_of_completion,''),
qe_audit_complete,COALESCE(closure_date,''),
tags_json,created_by,assigned_to,created_at,updated_at,closed_at FROM ncrs`

// ncrMutableColumns are written on insert and on every update, in the order
// ncrMutableValues returns them.
var ncrMutableColumns = []string{
	"status", "priority",
	"title", "site", "part_number", "part_number_rev", "quantity_affected", "units_affected", "project_affected",
	"serial_number", "other_id", "po_number", "supplier", "build_group_operation", "problem_is", "problem_should_be",
	"is_contained", "how_contained", "containment_justification",
	"nc_level", "capa_required", "capa_number", "qe_assigned", "nc_owner_assigned",
	"external_notification_required", "external_notification_method",
	"problem_category", "other_category", "investigation_results", "disposition_action",
	"disposition_instructions", "disposition_justification", "required_approvals_json",
	"correction_actions_json", "other_correction", "evidence_of_completion",
	"qe_audit_complete", "closure_date",
	"tags_json", "assigned_to", "updated_at", "closed_at",
}

func scanNCR(row rowScanner) (domain.NCR, error) {
	var n domain.NCR
	var status, approvals, actions, tags string
	var qty, level sql.NullInt64
	var assignedTo, closedAt sql.NullString
	d, c, in, co, cl := &n.Details, &n.Classification, &n.Investigation, &n.Correction, &n.Closure
	err := row.Scan(&n.ID, &n.Seq, &n.Number, &status, &d.Priority,
		&d.Title, &d.Site, &d.PartNumber, &d.PartNumberRev, &qty, &d.UnitsAffected,
		&d.ProjectAffected, &d.SerialNumber, &d.OtherID, &d.PONumber, &d.Supplier,
		&d.BuildGroupOperation, &d.ProblemIs, &d.ProblemShouldBe, &d.IsContained, &d.HowContained,
		&d.ContainmentJustification,
		&level, &c.CAPARequired, &c.CAPANumber, &c.QEAssigned, &c.NCOwnerAssigned,
		&c.ExternalNotificationRequired, &c.ExternalNotificationMethod,
		&in.ProblemCategory, &in.OtherCategory, &in.InvestigationResults, &in.DispositionAction,
		&in.DispositionInstructions, &in.DispositionJustification, &approvals,
		&actions, &co.OtherCorrection, &co.EvidenceOfCompletion,
		&cl.QEAuditComplete, &cl.ClosureDate,
		&tags, &n.CreatedBy, &assignedTo, &n.CreatedAt, &n.UpdatedAt, &closedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return n, ErrNotFound
	}
	if err != nil {
		return n, err
	}
	n.Status = domain.Status(status)
	if qty.Valid {
		q := int(qty.Int64)
		d.QuantityAffected = &q
	}
	if level.Valid {
		l := int(level.Int64)
		c.NCLevel = &l
	}
	if assignedTo.Valid {
		n.AssignedTo = &assignedTo.String
	}
	if closedAt.Valid {
		n.ClosedAt = &closedAt.String
	}
	if in.RequiredApprovals, err = unmarshalStringSlice(approvals); err != nil {
		return n, fmt.Errorf("ncr %s required approvals: %w", n.ID, err)
	}
	if co.CorrectionActions, err = unmarshalStringSlice(actions); err != nil {
		return n, fmt.Errorf("ncr %s correction actions: %w", n.ID, err)
	}
	if n.Tags, err = unmarshalStringSlice(tags); err != nil {
		return n, fmt.Errorf("ncr %s tags: %w", n.ID, err)
	}
	return n, nil
}

func ncrMutableValues(n domain.NCR) ([]any, error) {
	approvals, err := marshalStringSlice(n.Investigation.RequiredApprovals)
	if err != nil {
		return nil, err
	}
	actions, err := marshalStringSlice(n.Correction.CorrectionActions)
	if err != nil {
		return nil, err
	}
	tags, err := marshalStringSlice(n.Tags)
	if err != nil {
		return nil, err
	}
	d, c, in, co, cl := n.Details, n.Classification, n.Investigation, n.Correction, n.Closure
	return []any{
		string(n.Status), nullable(d.Priority),
		d.Title, nullable(d.Site), nullable(d.PartNumber), nullable(d.PartNumberRev), nullableIntPtr(d.QuantityAffected),
		nullable(d.UnitsAffected), nullable(d.ProjectAffected),
		nullable(d.SerialNumber), nullable(d.OtherID), nullable(d.PONumber), nullable(d.Supplier),
		nullable(d.BuildGroupOperation), nullable(d.ProblemIs), nullable(d.ProblemShouldBe),
		boolInt(d.IsContained), nullable(d.HowContained), nullable(d.ContainmentJustification),
		nullableIntPtr(c.NCLevel), boolInt(c.CAPARequired), nullable(c.CAPANumber), nullable(c.QEAssigned), nullable(c.NCOwnerAssigned),
		boolInt(c.ExternalNotificationRequired), nullable(c.ExternalNotificationMethod),
		nullable(in.ProblemCategory), nullable(in.OtherCategory), nullable(in.InvestigationResults), nullable(in.DispositionAction),
		nullable(in.DispositionInstructions), nullable(in.DispositionJustification), approvals,
		actions, nullable(co.OtherCorrection), nullable(co.EvidenceOfCompletion),
		boolInt(cl.QEAuditComplete), nullable(cl.ClosureDate),
		tags, nullableStringPtr(n.AssignedTo), n.UpdatedAt, nullableStringPtr(n.ClosedAt),
	}, nil
}

// txCounter exposes the allocator counters inside an open transaction.
type txCounter struct {
	tx *sql.Tx
}

func (c txCounter) CountNCRs(ctx context.Context) (int, error) {
	return countNCRs(ctx, c.tx)
}

func (c txCounter) NextNCRSequence(ctx context.Context) (int64, error) {
	return nextSequence(ctx, c.tx)
}

func countNCRs(ctx context.Context, q queryer) (int, error) {
	var n int
	if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM ncrs`).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func nextSequence(ctx context.Context, q queryer) (int64, error) {
	var v int64
	err := q.QueryRowContext(ctx, `UPDATE ncr_sequence SET value=value+1 WHERE name='ncr' RETURNING value`).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, errors.New("ncr sequence row missing")
	}
	return v, err
}

func (r Repo) CountNCRs(ctx context.Context) (int, error) {
	return countNCRs(ctx, r.DB)
}

// NextNCRSequence increments the counter in its own transaction. Values
// drawn this way are never returned again, even if the insert that follows
// fails.
func (r Repo) NextNCRSequence(ctx context.Context) (int64, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	v, err := nextSequence(ctx, tx)
	if err != nil {
		return 0, err
	}
	return v, tx.Commit()
}

func (r Repo) CreateNCR(ctx context.Context, alloc numbering.Allocator, n domain.NCR, history []domain.StatusHistoryEntry, evt events.Record) (domain.NCR, error) {
	if n.CreatedAt == "" {
		n.CreatedAt = r.now()
	}
	if n.UpdatedAt == "" {
		n.UpdatedAt = n.CreatedAt
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.NCR{}, err
	}
	defer tx.Rollback()

	seq, err := alloc.Allocate(ctx, txCounter{tx: tx})
	if err != nil {
		return domain.NCR{}, err
	}
	n.Seq = seq
	n.Number = numbering.Format(seq)
	vals, err := ncrMutableValues(n)
	if err != nil {
		return domain.NCR{}, err
	}
	cols := append([]string{"id", "seq", "ncr_number", "created_by", "created_at"}, ncrMutableColumns...)
	args := append([]any{n.ID, n.Seq, n.Number, n.CreatedBy, n.CreatedAt}, vals...)
	query := fmt.Sprintf(`INSERT INTO ncrs(%s) VALUES (%s)`, strings.Join(cols, ","), placeholders(len(cols)))
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		if isUniqueViolation(err) {
			return domain.NCR{}, fmt.Errorf("insert ncr %s: %w", n.Number, ErrConflict)
		}
		return domain.NCR{}, fmt.Errorf("insert ncr: %w", err)
	}
	for _, h := range history {
		h.NCRID = n.ID
		if _, err := insertStatusHistory(ctx, tx, h); err != nil {
			return domain.NCR{}, err
		}
	}
	evt = withEntity(evt, n)
	if err := r.Events.Append(ctx, tx, evt); err != nil {
		return domain.NCR{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.NCR{}, err
	}
	return n, nil
}

func withEntity(evt events.Record, n domain.NCR) events.Record {
	if evt.EntityKind == "" {
		evt.EntityKind = "ncr"
	}
	if evt.EntityID == "" {
		evt.EntityID = n.ID
	}
	payload := events.EventPayload{"number": n.Number}
	for k, v := range evt.Payload {
		payload[k] = v
	}
	evt.Payload = payload
	return evt
}

func (r Repo) GetNCR(ctx context.Context, id string) (domain.NCR, error) {
	return scanNCR(r.DB.QueryRowContext(ctx, ncrSelect+` WHERE id=?`, id))
}

func (r Repo) GetNCRByNumber(ctx context.Context, number string) (domain.NCR, error) {
	return scanNCR(r.DB.QueryRowContext(ctx, ncrSelect+` WHERE ncr_number=?`, strings.ToUpper(strings.TrimSpace(number))))
}

func (r Repo) ListNCRs(ctx context.Context, f NCRFilters) ([]domain.NCR, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, string(f.Status))
	}
	if f.NCLevel != nil {
		clauses = append(clauses, "nc_level=?")
		args = append(args, *f.NCLevel)
	}
	if f.CreatedBy != "" {
		clauses = append(clauses, "created_by=?")
		args = append(args, f.CreatedBy)
	}
	if f.AssignedTo != "" {
		clauses = append(clauses, "assigned_to=?")
		args = append(args, f.AssignedTo)
	}
	if s := strings.TrimSpace(f.Search); s != "" {
		like := "%" + escapeLike(s) + "%"
		clauses = append(clauses, `(title LIKE ? ESCAPE '\' OR part_number LIKE ? ESCAPE '\' OR problem_is LIKE ? ESCAPE '\')`)
		args = append(args, like, like, like)
	}
	for _, tag := range f.Tags {
		clauses = append(clauses, "EXISTS (SELECT 1 FROM json_each(ncrs.tags_json) WHERE json_each.value=?)")
		args = append(args, tag)
	}
	if f.CursorCreatedAt != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND seq < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorSeq)
	}
	where := ""
	if len(clauses) > 0 {
		where = " WHERE " + strings.Join(clauses, " AND ")
	}
	query := ncrSelect + where + ` ORDER BY created_at DESC, seq DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.NCR{}
	for rows.Next() {
		n, err := scanNCR(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, n)
	}
	return res, rows.Err()
}

func (r Repo) UpdateNCR(ctx context.Context, id string, mutate MutateFunc) (domain.NCR, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.NCR{}, err
	}
	defer tx.Rollback()

	current, err := scanNCR(tx.QueryRowContext(ctx, ncrSelect+` WHERE id=?`, id))
	if err != nil {
		return domain.NCR{}, err
	}
	change, err := mutate(current)
	if err != nil {
		return domain.NCR{}, err
	}
	next := change.NCR
	next.ID, next.Seq, next.Number = current.ID, current.Seq, current.Number
	next.CreatedBy, next.CreatedAt = current.CreatedBy, current.CreatedAt
	if next.UpdatedAt == "" {
		next.UpdatedAt = r.now()
	}
	vals, err := ncrMutableValues(next)
	if err != nil {
		return domain.NCR{}, err
	}
	sets := make([]string, len(ncrMutableColumns))
	for i, col := range ncrMutableColumns {
		sets[i] = col + "=?"
	}
	res, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE ncrs SET %s WHERE id=?`, strings.Join(sets, ",")), append(vals, id)...)
	if err != nil {
		return domain.NCR{}, fmt.Errorf("update ncr: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NCR{}, ErrNotFound
	}
	if change.History != nil {
		h := *change.History
		h.NCRID = id
		if _, err := insertStatusHistory(ctx, tx, h); err != nil {
			return domain.NCR{}, err
		}
	}
	if change.Event != nil {
		if err := r.Events.Append(ctx, tx, withEntity(*change.Event, next)); err != nil {
			return domain.NCR{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.NCR{}, err
	}
	return next, nil
}

func (r Repo) DeleteNCR(ctx context.Context, id string, evt events.Record) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	n, err := scanNCR(tx.QueryRowContext(ctx, ncrSelect+` WHERE id=?`, id))
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM ncrs WHERE id=?`, id); err != nil {
		return err
	}
	if err := r.Events.Append(ctx, tx, withEntity(evt, n)); err != nil {
		return err
	}
	return tx.Commit()
}

func (r Repo) ListTags(ctx context.Context) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT DISTINCT j.value FROM ncrs, json_each(ncrs.tags_json) AS j`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	tags := []string{}
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return nil, err
		}
		tags = append(tags, tag)
	}
	return tags, rows.Err()
}

func marshalStringSlice(in []string) (string, error) {
	if in == nil {
		in = []string{}
	}
	b, err := json.Marshal(in)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalStringSlice(raw string) ([]string, error) {
	out := []string{}
	if strings.TrimSpace(raw) == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = []string{}
	}
	return out, nil
}

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return true
		}
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}
