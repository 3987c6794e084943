package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"ncrtrack/internal/domain"
)

const (
	NCRCreated   = "ncr.created"
	NCRUpdated   = "ncr.updated"
	NCRAssigned  = "ncr.assigned"
	NCRClosed    = "ncr.closed"
	NCRDeleted   = "ncr.deleted"
	CommentAdded = "comment.added"
	UserCreated  = "user.created"
)

// TSLayout is fixed width so timestamps sort lexically.
const TSLayout = "2006-01-02T15:04:05.000000000Z"

type EventPayload map[string]any

// Record is an audit event waiting to be written.
type Record struct {
	Type       string
	EntityKind string
	EntityID   string
	ActorID    string
	Payload    EventPayload
}

// Event renders r as a stored event stamped at ts.
func (r Record) Event(ts time.Time) (domain.Event, error) {
	payload := r.Payload
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return domain.Event{}, fmt.Errorf("marshal event payload: %w", err)
	}
	return domain.Event{
		TS:         ts.UTC().Format(TSLayout),
		Type:       r.Type,
		EntityKind: r.EntityKind,
		EntityID:   r.EntityID,
		ActorID:    r.ActorID,
		Payload:    string(data),
	}, nil
}

type Writer struct {
	Now func() time.Time
}

// Append writes rec inside tx.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, rec Record) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	evt, err := rec.Event(w.Now())
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`,
		evt.TS, evt.Type, evt.EntityKind, nullable(evt.EntityID), evt.ActorID, evt.Payload)
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
