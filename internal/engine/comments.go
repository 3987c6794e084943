package engine

import (
	"context"
	"strings"

	"ncrtrack/internal/domain"
	"ncrtrack/internal/engine/auth"
	"ncrtrack/internal/events"
	"ncrtrack/internal/workflow"
)

// AddComment appends a comment. Comments are accepted in every status,
// including CLOSED.
func (e Engine) AddComment(ctx context.Context, actor domain.Actor, ref, text string) (domain.Comment, error) {
	if err := e.Auth.Require(actor, auth.PermCommentAdd); err != nil {
		return domain.Comment{}, err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return domain.Comment{}, workflow.ValidationError{Field: "content", Message: "comment cannot be empty"}
	}
	n, err := e.lookup(ctx, ref)
	if err != nil {
		return domain.Comment{}, err
	}
	c := domain.Comment{
		NCRID:     n.ID,
		UserID:    actor.UserID,
		Content:   text,
		CreatedAt: e.now().UTC().Format(events.TSLayout),
	}
	evt := events.Record{Type: events.CommentAdded, EntityKind: "ncr", EntityID: n.ID, ActorID: actor.UserID, Payload: events.EventPayload{
		"number": n.Number,
	}}
	out, err := e.Store.AppendComment(ctx, c, evt)
	if err != nil {
		return domain.Comment{}, storeErr("add comment", "ncr", ref, err)
	}
	return out, nil
}

func (e Engine) ListComments(ctx context.Context, actor domain.Actor, ref string) ([]domain.Comment, error) {
	n, err := e.GetNCR(ctx, actor, ref)
	if err != nil {
		return nil, err
	}
	list, err := e.Store.ListComments(ctx, n.ID)
	if err != nil {
		return nil, storeErr("list comments", "ncr", ref, err)
	}
	return list, nil
}
