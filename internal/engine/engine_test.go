package engine_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"ncrtrack/internal/config"
	"ncrtrack/internal/db"
	"ncrtrack/internal/domain"
	"ncrtrack/internal/engine"
	"ncrtrack/internal/engine/auth"
	"ncrtrack/internal/events"
	"ncrtrack/internal/migrate"
	"ncrtrack/internal/numbering"
	"ncrtrack/internal/repo"
	"ncrtrack/internal/workflow"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	Admin  domain.Actor
	Owner  domain.Actor
	QE     domain.Actor
}

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return conn
}

func newEngine(t *testing.T, store repo.Store, cfg *config.Config) engine.Engine {
	t.Helper()
	eng, err := engine.New(store, cfg)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return eng
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	return seedEnv(t, newEngine(t, repo.New(openTestDB(t)), config.Default()))
}

// countingStore counts CreateNCR calls and can fail the first with a
// number conflict.
type countingStore struct {
	repo.Store
	creates   int
	failFirst bool
}

func (s *countingStore) CreateNCR(ctx context.Context, alloc numbering.Allocator, n domain.NCR, history []domain.StatusHistoryEntry, evt events.Record) (domain.NCR, error) {
	s.creates++
	if s.failFirst && s.creates == 1 {
		return domain.NCR{}, fmt.Errorf("insert ncr: %w", repo.ErrConflict)
	}
	return s.Store.CreateNCR(ctx, alloc, n, history, evt)
}

func newMemoryEnv(t *testing.T) testEnv {
	t.Helper()
	return seedEnv(t, newEngine(t, repo.NewMemoryStore(), config.Default()))
}

func seedEnv(t *testing.T, eng engine.Engine) testEnv {
	t.Helper()
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	admin, created, err := eng.EnsureAdmin(ctx, "secret")
	if err != nil || !created {
		t.Fatalf("seed admin: %v (created=%v)", err, created)
	}
	owner, err := eng.CreateUser(ctx, admin.Actor(), engine.NewUser{Username: "olivia", Password: "pw", Role: domain.RoleNCROwner})
	if err != nil {
		t.Fatalf("create owner: %v", err)
	}
	qe, err := eng.CreateUser(ctx, admin.Actor(), engine.NewUser{Username: "quinn", Password: "pw", Role: domain.RoleQE})
	if err != nil {
		t.Fatalf("create qe: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx, Admin: admin.Actor(), Owner: owner.Actor(), QE: qe.Actor()}
}

func level(n int) *int { return &n }

func contained(title string) domain.Form {
	return domain.Form{Details: domain.Details{Title: title, IsContained: true, HowContained: "quarantined"}}
}

func TestSubmitAndCloseScenario(t *testing.T) {
	env := newTestEnv(t)
	form := contained("Sensor drift")
	form.Details.PartNumber = "PN-100"
	form.Classification.NCLevel = level(1)
	ncr, err := env.Engine.SubmitNewNCR(env.Ctx, env.Owner, form, engine.SubmitOptions{})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if ncr.Number != "NCR-0001" || ncr.Status != domain.StatusNew || ncr.ClosedAt != nil {
		t.Fatalf("unexpected ncr: %+v", ncr)
	}
	if got := env.Engine.RequiredApprovals(ncr.Classification.NCLevel); got != "1 Quality Manager + 1 Quality Engineer + 1 SME Manager + 2 SME Engineers" {
		t.Fatalf("approvals: %s", got)
	}

	// closing without the audit gate fails and leaves the record untouched
	if _, err := env.Engine.CloseNCR(env.Ctx, env.QE, ncr.ID, nil, ""); err == nil {
		t.Fatalf("expected audit gate error")
	} else {
		var verr workflow.ValidationError
		if !errors.As(err, &verr) || verr.Field != "qe_audit_complete" {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	_, err = env.Engine.UpdateNCR(env.Ctx, env.QE, ncr.Number, engine.NCRPatch{Closure: &domain.Closure{QEAuditComplete: true}})
	if err != nil {
		t.Fatalf("set audit gate: %v", err)
	}
	date := "2024-01-15"
	closed, err := env.Engine.CloseNCR(env.Ctx, env.QE, ncr.ID, &date, "audit passed")
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if closed.Status != domain.StatusClosed || closed.ClosedAt == nil || closed.Closure.ClosureDate != date {
		t.Fatalf("closed ncr: %+v", closed)
	}

	hist, err := env.Engine.ListHistory(env.Ctx, env.QE, ncr.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(hist) != 2 {
		t.Fatalf("history entries = %d", len(hist))
	}
	last := hist[1]
	if last.OldStatus != domain.StatusNew || last.NewStatus != domain.StatusClosed || last.ChangedBy != env.QE.UserID {
		t.Fatalf("close entry: %+v", last)
	}

	if _, err := env.Engine.CloseNCR(env.Ctx, env.QE, ncr.ID, nil, ""); err == nil {
		t.Fatalf("closing twice should fail")
	}
	if _, err := env.Engine.UpdateNCR(env.Ctx, env.QE, ncr.ID, engine.NCRPatch{Tags: []string{"late"}}); err == nil {
		t.Fatalf("editing a closed ncr should fail")
	}
}

func TestSubmitValidation(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.SubmitNewNCR(env.Ctx, env.Owner, domain.Form{Details: domain.Details{Title: "   "}}, engine.SubmitOptions{})
	var verr workflow.ValidationError
	if !errors.As(err, &verr) || verr.Field != "title" {
		t.Fatalf("expected title error, got %v", err)
	}
	_, err = env.Engine.SubmitNewNCR(env.Ctx, env.Owner, domain.Form{Details: domain.Details{Title: "open"}}, engine.SubmitOptions{})
	if !errors.As(err, &verr) || verr.Field != "containment_justification" {
		t.Fatalf("expected containment error, got %v", err)
	}
	list, _ := env.Engine.ListNCRs(env.Ctx, env.Owner, repo.NCRFilters{})
	if len(list) != 0 {
		t.Fatalf("rejected submissions were stored: %d", len(list))
	}
}

func TestLenientContainment(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Policy = workflow.Policy{StrictContainment: false}
	ncr, err := env.Engine.SubmitNewNCR(env.Ctx, env.Owner, domain.Form{Details: domain.Details{Title: "open"}}, engine.SubmitOptions{})
	if err != nil {
		t.Fatalf("lenient submit: %v", err)
	}
	if ncr.Details.IsContained {
		t.Fatalf("should stay uncontained")
	}
}

func TestSequentialNumbers(t *testing.T) {
	for name, newEnv := range map[string]func(*testing.T) testEnv{"sqlite": newTestEnv, "memory": newMemoryEnv} {
		t.Run(name, func(t *testing.T) {
			env := newEnv(t)
			for i := 1; i <= 3; i++ {
				ncr, err := env.Engine.SubmitNewNCR(env.Ctx, env.Owner, contained(fmt.Sprintf("n%d", i)), engine.SubmitOptions{})
				if err != nil {
					t.Fatalf("submit %d: %v", i, err)
				}
				if want := fmt.Sprintf("NCR-%04d", i); ncr.Number != want {
					t.Fatalf("number = %s, want %s", ncr.Number, want)
				}
			}
		})
	}
}

func TestConcurrentSubmitUniqueNumbers(t *testing.T) {
	env := newTestEnv(t)
	const n = 10
	var wg sync.WaitGroup
	numbers := make(chan string, n)
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ncr, err := env.Engine.SubmitNewNCR(env.Ctx, env.Owner, contained(fmt.Sprintf("c%d", i)), engine.SubmitOptions{})
			if err != nil {
				errs <- err
				return
			}
			numbers <- ncr.Number
		}(i)
	}
	wg.Wait()
	close(numbers)
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent submit: %v", err)
	}
	seen := map[string]bool{}
	for num := range numbers {
		if seen[num] {
			t.Fatalf("duplicate number %s", num)
		}
		seen[num] = true
	}
	if len(seen) != n {
		t.Fatalf("got %d numbers", len(seen))
	}
}

func TestCloseOnSubmit(t *testing.T) {
	env := newMemoryEnv(t)
	form := contained("closed at birth")
	form.Closure.QEAuditComplete = true
	ncr, err := env.Engine.SubmitNewNCR(env.Ctx, env.QE, form, engine.SubmitOptions{CloseOnSubmit: true, Reason: "no action needed"})
	if err != nil {
		t.Fatalf("submit closed: %v", err)
	}
	if ncr.Status != domain.StatusClosed || ncr.Closure.ClosureDate != "2024-01-01" {
		t.Fatalf("ncr: %+v", ncr)
	}
	hist, _ := env.Engine.ListHistory(env.Ctx, env.QE, ncr.ID)
	if len(hist) != 2 || hist[0].NewStatus != domain.StatusNew || hist[1].NewStatus != domain.StatusClosed {
		t.Fatalf("history: %+v", hist)
	}

	form.Closure.QEAuditComplete = false
	if _, err := env.Engine.SubmitNewNCR(env.Ctx, env.QE, form, engine.SubmitOptions{CloseOnSubmit: true}); err == nil {
		t.Fatalf("expected gate error")
	}
	if _, err := env.Engine.SubmitNewNCR(env.Ctx, env.Owner, contained("x"), engine.SubmitOptions{CloseOnSubmit: true}); !errors.As(err, new(auth.ForbiddenError)) {
		t.Fatalf("owner should not close: %v", err)
	}
}

func TestClosureDateFloor(t *testing.T) {
	env := newMemoryEnv(t)
	form := contained("old")
	form.Closure.QEAuditComplete = true
	ncr, err := env.Engine.SubmitNewNCR(env.Ctx, env.Owner, form, engine.SubmitOptions{})
	if err != nil {
		t.Fatal(err)
	}
	early := "2019-12-31"
	_, err = env.Engine.CloseNCR(env.Ctx, env.QE, ncr.ID, &early, "")
	var verr workflow.ValidationError
	if !errors.As(err, &verr) || verr.Field != "closure_date" {
		t.Fatalf("expected closure date error, got %v", err)
	}
	got, _ := env.Engine.GetNCR(env.Ctx, env.QE, ncr.ID)
	if got.Status != domain.StatusNew {
		t.Fatalf("status changed on failed close: %s", got.Status)
	}
}

func TestCommentsAscending(t *testing.T) {
	env := newTestEnv(t)
	ncr, err := env.Engine.SubmitNewNCR(env.Ctx, env.Owner, contained("commented"), engine.SubmitOptions{})
	if err != nil {
		t.Fatal(err)
	}
	first, err := env.Engine.AddComment(env.Ctx, env.Owner, ncr.Number, "first look")
	if err != nil {
		t.Fatalf("comment: %v", err)
	}
	if _, err := env.Engine.AddComment(env.Ctx, env.QE, ncr.ID, "second look"); err != nil {
		t.Fatalf("comment: %v", err)
	}
	if _, err := env.Engine.AddComment(env.Ctx, env.QE, ncr.ID, "  "); err == nil {
		t.Fatalf("empty comment accepted")
	}
	list, err := env.Engine.ListComments(env.Ctx, env.Owner, ncr.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].ID != first.ID || list[0].Content != "first look" || list[1].UserID != env.QE.UserID {
		t.Fatalf("comments: %+v", list)
	}
	if _, err := env.Engine.AddComment(env.Ctx, env.Owner, "NCR-0999", "x"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestAssignAndFilters(t *testing.T) {
	env := newTestEnv(t)
	a, _ := env.Engine.SubmitNewNCR(env.Ctx, env.Owner, contained("alpha"), engine.SubmitOptions{})
	form := contained("beta")
	form.Tags = []string{"Supplier", "urgent", " urgent "}
	b, err := env.Engine.SubmitNewNCR(env.Ctx, env.Owner, form, engine.SubmitOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(b.Tags) != 2 {
		t.Fatalf("tags not cleaned: %v", b.Tags)
	}
	if _, err := env.Engine.AssignNCR(env.Ctx, env.Owner, a.ID, "quinn"); !errors.As(err, new(auth.ForbiddenError)) {
		t.Fatalf("owner should not assign: %v", err)
	}
	assigned, err := env.Engine.AssignNCR(env.Ctx, env.QE, a.ID, "quinn")
	if err != nil || assigned.AssignedTo == nil || *assigned.AssignedTo != env.QE.UserID {
		t.Fatalf("assign: %+v %v", assigned, err)
	}
	if _, err := env.Engine.AssignNCR(env.Ctx, env.QE, a.ID, "nobody"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("unknown assignee: %v", err)
	}
	mine, _ := env.Engine.ListNCRs(env.Ctx, env.QE, repo.NCRFilters{AssignedTo: env.QE.UserID})
	if len(mine) != 1 || mine[0].ID != a.ID {
		t.Fatalf("assigned filter: %+v", mine)
	}
	tagged, _ := env.Engine.ListNCRs(env.Ctx, env.QE, repo.NCRFilters{Tags: []string{"urgent"}})
	if len(tagged) != 1 || tagged[0].ID != b.ID {
		t.Fatalf("tag filter: %+v", tagged)
	}
	if _, err := env.Engine.ListNCRs(env.Ctx, env.QE, repo.NCRFilters{Status: "DONE"}); err == nil {
		t.Fatalf("unknown status filter accepted")
	}
	sugg, err := env.Engine.TagSuggestions(env.Ctx, env.QE, "")
	if err != nil || len(sugg) != 2 || sugg[0] != "Supplier" || sugg[1] != "urgent" {
		t.Fatalf("suggestions: %v %v", sugg, err)
	}
	sugg, _ = env.Engine.TagSuggestions(env.Ctx, env.QE, "su")
	if len(sugg) != 1 {
		t.Fatalf("prefix suggestions: %v", sugg)
	}
}

func TestDeleteRequiresPermission(t *testing.T) {
	env := newTestEnv(t)
	ncr, _ := env.Engine.SubmitNewNCR(env.Ctx, env.Owner, contained("doomed"), engine.SubmitOptions{})
	if err := env.Engine.DeleteNCR(env.Ctx, env.QE, ncr.ID); !errors.As(err, new(auth.ForbiddenError)) {
		t.Fatalf("qe should not delete: %v", err)
	}
	if err := env.Engine.DeleteNCR(env.Ctx, env.Admin, ncr.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	next, _ := env.Engine.SubmitNewNCR(env.Ctx, env.Owner, contained("after"), engine.SubmitOptions{})
	if next.Number != "NCR-0002" {
		t.Fatalf("number reused: %s", next.Number)
	}
	evts, err := env.Engine.ListEvents(env.Ctx, env.Admin, repo.EventFilters{EntityID: ncr.ID})
	if err != nil || len(evts) != 2 {
		t.Fatalf("events for deleted ncr: %+v %v", evts, err)
	}
}

func TestUsersAndAuthentication(t *testing.T) {
	env := newTestEnv(t)
	if _, created, err := env.Engine.EnsureAdmin(env.Ctx, "other"); err != nil || created {
		t.Fatalf("admin reseeded: %v %v", created, err)
	}
	u, err := env.Engine.Authenticate(env.Ctx, "admin", "secret")
	if err != nil || u.Role != domain.RoleAdmin {
		t.Fatalf("authenticate: %+v %v", u, err)
	}
	if _, err := env.Engine.Authenticate(env.Ctx, "admin", "wrong"); !errors.Is(err, auth.ErrInvalidCredentials) {
		t.Fatalf("wrong password: %v", err)
	}
	if _, err := env.Engine.Authenticate(env.Ctx, "ghost", "x"); !errors.Is(err, auth.ErrInvalidCredentials) {
		t.Fatalf("unknown user: %v", err)
	}
	if _, err := env.Engine.CreateUser(env.Ctx, env.Owner, engine.NewUser{Username: "x", Password: "y"}); !errors.As(err, new(auth.ForbiddenError)) {
		t.Fatalf("owner created a user: %v", err)
	}
	_, err = env.Engine.CreateUser(env.Ctx, env.Admin, engine.NewUser{Username: "quinn", Password: "y"})
	var cerr engine.ConflictError
	if !errors.As(err, &cerr) {
		t.Fatalf("duplicate username: %v", err)
	}
	actor, err := env.Engine.ActorFor(env.Ctx, "olivia")
	if err != nil || actor.UserID != env.Owner.UserID {
		t.Fatalf("actor for: %+v %v", actor, err)
	}
}

func TestCorrectionActionsSurviveSubmit(t *testing.T) {
	env := newTestEnv(t)
	form := contained("PN-100, Sensor drift")
	form.Correction.CorrectionActions = []string{"Rework", " Training ", "rcca/capa", "Rework"}
	ncr, err := env.Engine.SubmitNewNCR(env.Ctx, env.Owner, form, engine.SubmitOptions{})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	got, err := env.Engine.GetNCR(env.Ctx, env.Owner, ncr.Number)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	want := []string{"Rework", "Training", "RCCA/CAPA"}
	acts := got.Correction.CorrectionActions
	if len(acts) != len(want) {
		t.Fatalf("correction actions = %#v, want %#v", acts, want)
	}
	for i := range want {
		if acts[i] != want[i] {
			t.Fatalf("correction actions = %#v, want %#v", acts, want)
		}
	}
}

func TestNumberConflictRetriedOnce(t *testing.T) {
	store := &countingStore{Store: repo.NewMemoryStore(), failFirst: true}
	env := seedEnv(t, newEngine(t, store, config.Default()))
	ncr, err := env.Engine.SubmitNewNCR(env.Ctx, env.Owner, contained("retried"), engine.SubmitOptions{})
	if err != nil {
		t.Fatalf("submit after one conflict: %v", err)
	}
	if ncr.Number != "NCR-0001" || store.creates != 2 {
		t.Fatalf("number %s after %d attempts", ncr.Number, store.creates)
	}
}

func TestCountAllocatorConflictSurfaces(t *testing.T) {
	cfg := config.Default()
	cfg.Numbering.Allocator = numbering.KindCount
	store := &countingStore{Store: repo.New(openTestDB(t))}
	env := seedEnv(t, newEngine(t, store, cfg))
	var first domain.NCR
	for i := 0; i < 3; i++ {
		n, err := env.Engine.SubmitNewNCR(env.Ctx, env.Owner, contained(fmt.Sprintf("ncr %d", i)), engine.SubmitOptions{})
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
		if i == 0 {
			first = n
		}
	}
	if err := env.Engine.DeleteNCR(env.Ctx, env.Admin, first.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	store.creates = 0
	_, err := env.Engine.SubmitNewNCR(env.Ctx, env.Owner, contained("collides"), engine.SubmitOptions{})
	var cerr engine.ConflictError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
	if !errors.Is(err, repo.ErrConflict) {
		t.Fatalf("conflict should wrap repo.ErrConflict: %v", err)
	}
	if store.creates != 2 {
		t.Fatalf("expected one retry, got %d attempts", store.creates)
	}
}

func TestNewRejectsUnknownAllocator(t *testing.T) {
	cfg := config.Default()
	cfg.Numbering.Allocator = "random"
	if _, err := engine.New(repo.NewMemoryStore(), cfg); err == nil {
		t.Fatalf("unknown allocator accepted")
	}
	eng := newEngine(t, repo.NewMemoryStore(), nil)
	if _, ok := eng.Numbers.(numbering.SequenceAllocator); !ok {
		t.Fatalf("nil config should select the sequence allocator, got %T", eng.Numbers)
	}
}

func TestEmptyActorRejected(t *testing.T) {
	env := newMemoryEnv(t)
	if _, err := env.Engine.SubmitNewNCR(env.Ctx, domain.Actor{}, contained("anonymous"), engine.SubmitOptions{}); !errors.Is(err, auth.ErrActorRequired) {
		t.Fatalf("submit without actor: %v", err)
	}
	if _, err := env.Engine.ListNCRs(env.Ctx, domain.Actor{}, repo.NCRFilters{}); !errors.Is(err, auth.ErrActorRequired) {
		t.Fatalf("list without actor: %v", err)
	}
}
