package engine

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"ncrtrack/internal/domain"
	"ncrtrack/internal/engine/auth"
	"ncrtrack/internal/events"
	"ncrtrack/internal/numbering"
	"ncrtrack/internal/repo"
	"ncrtrack/internal/workflow"
)

// SubmitOptions are parameters for SubmitNewNCR beyond the form itself.
type SubmitOptions struct {
	// CloseOnSubmit creates and closes the NCR as one unit. The form must
	// have the QE audit gate set.
	CloseOnSubmit bool
	AssignTo      string
	Reason        string
}

func (e Engine) SubmitNewNCR(ctx context.Context, actor domain.Actor, form domain.Form, opts SubmitOptions) (domain.NCR, error) {
	if err := e.Auth.Require(actor, auth.PermNCRCreate); err != nil {
		return domain.NCR{}, err
	}
	if opts.CloseOnSubmit {
		if err := e.Auth.Require(actor, auth.PermNCRClose); err != nil {
			return domain.NCR{}, err
		}
	}
	form, err := e.normalize(form)
	if err != nil {
		return domain.NCR{}, err
	}
	if _, err := e.Store.GetUser(ctx, actor.UserID); err != nil {
		return domain.NCR{}, storeErr("submit ncr", "user", actor.UserID, err)
	}

	now := e.now().UTC()
	ts := now.Format(events.TSLayout)
	n := domain.NCR{
		ID:        uuid.New().String(),
		Status:    domain.StatusNew,
		CreatedBy: actor.UserID,
		CreatedAt: ts,
		UpdatedAt: ts,
	}
	n.SetForm(form)
	if opts.AssignTo != "" {
		if err := e.Auth.Require(actor, auth.PermNCRAssign); err != nil {
			return domain.NCR{}, err
		}
		assignee, err := e.resolveUser(ctx, opts.AssignTo)
		if err != nil {
			return domain.NCR{}, err
		}
		n.AssignedTo = &assignee.ID
	}
	history := []domain.StatusHistoryEntry{{
		NewStatus: domain.StatusNew,
		ChangedBy: actor.UserID,
		Reason:    "created",
		CreatedAt: ts,
	}}
	payload := events.EventPayload{"title": n.Details.Title, "status": string(domain.StatusNew)}
	if opts.CloseOnSubmit {
		if err := closeRecord(&n, now, ""); err != nil {
			return domain.NCR{}, err
		}
		history = append(history, domain.StatusHistoryEntry{
			OldStatus: domain.StatusNew,
			NewStatus: domain.StatusClosed,
			ChangedBy: actor.UserID,
			Reason:    opts.Reason,
			CreatedAt: ts,
		})
		payload["status"] = string(domain.StatusClosed)
		payload["closure_date"] = n.Closure.ClosureDate
	}
	evt := events.Record{Type: events.NCRCreated, ActorID: actor.UserID, Payload: payload}
	return e.createNCR(ctx, n, history, evt)
}

// createNCR writes n, re-allocating once when the number collides.
func (e Engine) createNCR(ctx context.Context, n domain.NCR, history []domain.StatusHistoryEntry, evt events.Record) (domain.NCR, error) {
	out, err := e.Store.CreateNCR(ctx, e.Numbers, n, history, evt)
	if errors.Is(err, repo.ErrConflict) {
		e.logf("ncr number conflict, retrying: %v", err)
		out, err = e.Store.CreateNCR(ctx, e.Numbers, n, history, evt)
	}
	if err != nil {
		return domain.NCR{}, storeErr("create ncr", "ncr", n.ID, err)
	}
	return out, nil
}

func (e Engine) normalize(form domain.Form) (domain.Form, error) {
	form, err := workflow.NormalizeForm(form, e.Policy)
	if err != nil {
		return form, err
	}
	if sites := e.Config.Workflow.Sites; len(sites) > 0 && form.Details.Site != "" {
		found := false
		for _, s := range sites {
			if strings.EqualFold(s, form.Details.Site) {
				form.Details.Site = s
				found = true
				break
			}
		}
		if !found {
			return form, workflow.ValidationError{Field: "site", Message: "unknown site " + form.Details.Site}
		}
	}
	return form, nil
}

// closeRecord moves n to CLOSED. closureDate overrides the stored date when
// set; otherwise the stored date or today is used.
func closeRecord(n *domain.NCR, now time.Time, closureDate string) error {
	guard := workflow.CanTransition(workflow.TransitionContext{
		From:            n.Status,
		To:              domain.StatusClosed,
		QEAuditComplete: n.Closure.QEAuditComplete,
	})
	if err := guard.Err(); err != nil {
		return err
	}
	switch {
	case closureDate != "":
		d, err := workflow.ParseClosureDate(closureDate)
		if err != nil {
			return err
		}
		n.Closure.ClosureDate = d.Format(workflow.DateLayout)
	case n.Closure.ClosureDate == "":
		n.Closure.ClosureDate = now.Format(workflow.DateLayout)
	}
	ts := now.Format(events.TSLayout)
	n.Status = domain.StatusClosed
	n.ClosedAt = &ts
	n.UpdatedAt = ts
	return nil
}

// NCRPatch replaces whole sections; nil sections are left as stored.
type NCRPatch struct {
	Details        *domain.Details        `json:"details,omitempty" yaml:"details,omitempty"`
	Classification *domain.Classification `json:"classification,omitempty" yaml:"classification,omitempty"`
	Investigation  *domain.Investigation  `json:"investigation,omitempty" yaml:"investigation,omitempty"`
	Correction     *domain.Correction     `json:"correction,omitempty" yaml:"correction,omitempty"`
	Closure        *domain.Closure        `json:"closure,omitempty" yaml:"closure,omitempty"`
	Tags           []string               `json:"tags,omitempty" yaml:"tags,omitempty"`
}

func (p NCRPatch) sections() []string {
	var out []string
	if p.Details != nil {
		out = append(out, "details")
	}
	if p.Classification != nil {
		out = append(out, "classification")
	}
	if p.Investigation != nil {
		out = append(out, "investigation")
	}
	if p.Correction != nil {
		out = append(out, "correction")
	}
	if p.Closure != nil {
		out = append(out, "closure")
	}
	if p.Tags != nil {
		out = append(out, "tags")
	}
	return out
}

func (e Engine) UpdateNCR(ctx context.Context, actor domain.Actor, ref string, patch NCRPatch) (domain.NCR, error) {
	if err := e.Auth.Require(actor, auth.PermNCRUpdate); err != nil {
		return domain.NCR{}, err
	}
	current, err := e.lookup(ctx, ref)
	if err != nil {
		return domain.NCR{}, err
	}
	sections := patch.sections()
	if len(sections) == 0 {
		return domain.NCR{}, workflow.ValidationError{Message: "no sections to update"}
	}
	out, err := e.Store.UpdateNCR(ctx, current.ID, func(cur domain.NCR) (repo.Change, error) {
		if err := workflow.CanEdit(cur.Status).Err(); err != nil {
			return repo.Change{}, err
		}
		form := cur.Form()
		if patch.Details != nil {
			form.Details = *patch.Details
		}
		if patch.Classification != nil {
			form.Classification = *patch.Classification
		}
		if patch.Investigation != nil {
			form.Investigation = *patch.Investigation
		}
		if patch.Correction != nil {
			form.Correction = *patch.Correction
		}
		if patch.Closure != nil {
			form.Closure = *patch.Closure
		}
		if patch.Tags != nil {
			form.Tags = patch.Tags
		}
		form, err := e.normalize(form)
		if err != nil {
			return repo.Change{}, err
		}
		cur.SetForm(form)
		cur.UpdatedAt = e.now().UTC().Format(events.TSLayout)
		evt := events.Record{Type: events.NCRUpdated, ActorID: actor.UserID, Payload: events.EventPayload{"sections": sections}}
		return repo.Change{NCR: cur, Event: &evt}, nil
	})
	if err != nil {
		return domain.NCR{}, storeErr("update ncr", "ncr", ref, err)
	}
	return out, nil
}

// AssignNCR sets the assignee; an empty assignee clears it.
func (e Engine) AssignNCR(ctx context.Context, actor domain.Actor, ref, assignee string) (domain.NCR, error) {
	if err := e.Auth.Require(actor, auth.PermNCRAssign); err != nil {
		return domain.NCR{}, err
	}
	current, err := e.lookup(ctx, ref)
	if err != nil {
		return domain.NCR{}, err
	}
	var assigneeID *string
	if assignee != "" {
		u, err := e.resolveUser(ctx, assignee)
		if err != nil {
			return domain.NCR{}, err
		}
		assigneeID = &u.ID
	}
	out, err := e.Store.UpdateNCR(ctx, current.ID, func(cur domain.NCR) (repo.Change, error) {
		if err := workflow.CanEdit(cur.Status).Err(); err != nil {
			return repo.Change{}, err
		}
		cur.AssignedTo = assigneeID
		cur.UpdatedAt = e.now().UTC().Format(events.TSLayout)
		to := ""
		if assigneeID != nil {
			to = *assigneeID
		}
		evt := events.Record{Type: events.NCRAssigned, ActorID: actor.UserID, Payload: events.EventPayload{"assigned_to": to}}
		return repo.Change{NCR: cur, Event: &evt}, nil
	})
	if err != nil {
		return domain.NCR{}, storeErr("assign ncr", "ncr", ref, err)
	}
	return out, nil
}

// CloseNCR moves an NCR to CLOSED and records one history entry. closureDate
// is optional and must not precede 2020-01-01.
func (e Engine) CloseNCR(ctx context.Context, actor domain.Actor, ref string, closureDate *string, reason string) (domain.NCR, error) {
	if err := e.Auth.Require(actor, auth.PermNCRClose); err != nil {
		return domain.NCR{}, err
	}
	current, err := e.lookup(ctx, ref)
	if err != nil {
		return domain.NCR{}, err
	}
	date := ""
	if closureDate != nil {
		date = strings.TrimSpace(*closureDate)
	}
	out, err := e.Store.UpdateNCR(ctx, current.ID, func(cur domain.NCR) (repo.Change, error) {
		from := cur.Status
		now := e.now().UTC()
		if err := closeRecord(&cur, now, date); err != nil {
			return repo.Change{}, err
		}
		h := domain.StatusHistoryEntry{
			OldStatus: from,
			NewStatus: domain.StatusClosed,
			ChangedBy: actor.UserID,
			Reason:    reason,
			CreatedAt: cur.UpdatedAt,
		}
		evt := events.Record{Type: events.NCRClosed, ActorID: actor.UserID, Payload: events.EventPayload{
			"from":         string(from),
			"closure_date": cur.Closure.ClosureDate,
		}}
		return repo.Change{NCR: cur, History: &h, Event: &evt}, nil
	})
	if err != nil {
		return domain.NCR{}, storeErr("close ncr", "ncr", ref, err)
	}
	return out, nil
}

func (e Engine) DeleteNCR(ctx context.Context, actor domain.Actor, ref string) error {
	if err := e.Auth.Require(actor, auth.PermNCRDelete); err != nil {
		return err
	}
	current, err := e.lookup(ctx, ref)
	if err != nil {
		return err
	}
	evt := events.Record{Type: events.NCRDeleted, ActorID: actor.UserID, Payload: events.EventPayload{"title": current.Details.Title}}
	return storeErr("delete ncr", "ncr", ref, e.Store.DeleteNCR(ctx, current.ID, evt))
}

// GetNCR loads an NCR by id or by its NCR-0001 style number.
func (e Engine) GetNCR(ctx context.Context, actor domain.Actor, ref string) (domain.NCR, error) {
	if err := e.Auth.Require(actor, auth.PermNCRRead); err != nil {
		return domain.NCR{}, err
	}
	return e.lookup(ctx, ref)
}

func (e Engine) lookup(ctx context.Context, ref string) (domain.NCR, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return domain.NCR{}, workflow.ValidationError{Field: "id", Message: "ncr id or number required"}
	}
	var n domain.NCR
	var err error
	if isNumberRef(ref) {
		n, err = e.Store.GetNCRByNumber(ctx, ref)
	} else {
		n, err = e.Store.GetNCR(ctx, ref)
	}
	if err != nil {
		return domain.NCR{}, storeErr("get ncr", "ncr", ref, err)
	}
	return n, nil
}

func isNumberRef(ref string) bool {
	_, err := numbering.Parse(strings.ToUpper(ref))
	return err == nil
}

func (e Engine) ListNCRs(ctx context.Context, actor domain.Actor, f repo.NCRFilters) ([]domain.NCR, error) {
	if err := e.Auth.Require(actor, auth.PermNCRRead); err != nil {
		return nil, err
	}
	if f.Status != "" && !f.Status.Valid() {
		return nil, workflow.ValidationError{Field: "status", Message: "unknown status " + string(f.Status)}
	}
	if f.NCLevel != nil && !workflow.ValidLevel(*f.NCLevel) {
		return nil, workflow.ValidationError{Field: "nc_level", Message: "level must be between 1 and 4"}
	}
	f.Tags = workflow.CleanList(f.Tags)
	list, err := e.Store.ListNCRs(ctx, f)
	if err != nil {
		return nil, storeErr("list ncrs", "ncr", "", err)
	}
	return list, nil
}

func (e Engine) ListHistory(ctx context.Context, actor domain.Actor, ref string) ([]domain.StatusHistoryEntry, error) {
	n, err := e.GetNCR(ctx, actor, ref)
	if err != nil {
		return nil, err
	}
	list, err := e.Store.ListStatusHistory(ctx, n.ID)
	if err != nil {
		return nil, storeErr("list history", "ncr", ref, err)
	}
	return list, nil
}

// TagSuggestions returns the distinct stored tags matching prefix, sorted
// case-insensitively and capped at the configured limit.
func (e Engine) TagSuggestions(ctx context.Context, actor domain.Actor, prefix string) ([]string, error) {
	if err := e.Auth.Require(actor, auth.PermNCRRead); err != nil {
		return nil, err
	}
	raw, err := e.Store.ListTags(ctx)
	if err != nil {
		return nil, storeErr("list tags", "tag", "", err)
	}
	prefix = strings.ToLower(strings.TrimSpace(prefix))
	seen := map[string]struct{}{}
	out := []string{}
	for _, tag := range raw {
		tag = strings.TrimSpace(tag)
		key := strings.ToLower(tag)
		if tag == "" || !strings.HasPrefix(key, prefix) {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, tag)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := strings.ToLower(out[i]), strings.ToLower(out[j])
		if a != b {
			return a < b
		}
		return out[i] < out[j]
	})
	if limit := e.Config.TagLimit(); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// RequiredApprovals returns the approval guidance for an NC level.
func (e Engine) RequiredApprovals(level *int) string {
	return workflow.RequiredApprovals(level)
}

func (e Engine) ListEvents(ctx context.Context, actor domain.Actor, f repo.EventFilters) ([]domain.Event, error) {
	if err := e.Auth.Require(actor, auth.PermEventsRead); err != nil {
		return nil, err
	}
	list, err := e.Store.ListEvents(ctx, f)
	if err != nil {
		return nil, storeErr("list events", "event", "", err)
	}
	return list, nil
}
