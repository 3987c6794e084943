package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"ncrtrack/internal/config"
	"ncrtrack/internal/db"
	"ncrtrack/internal/domain"
	"ncrtrack/internal/engine"
	"ncrtrack/internal/engine/auth"
	"ncrtrack/internal/migrate"
	"ncrtrack/internal/repo"
	"ncrtrack/internal/workflow"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	Engine engine.Engine
	Admin  domain.User
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e, err := engine.NewSQLite(conn, config.Default())
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	admin, _, err := e.EnsureAdmin(context.Background(), "secret")
	if err != nil {
		t.Fatalf("seed admin: %v", err)
	}
	handler, err := New(Config{Engine: e, BasePath: "/v1", Auth: AuthConfig{JWTSecret: testSecret, TokenTTL: time.Hour}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		Admin:  admin,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func login(t *testing.T, srv *testServer, username, password string) map[string]string {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/auth/login", map[string]any{
		"username": username,
		"password": password,
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("login %s status %d: %s", username, res.StatusCode, string(data))
	}
	var out LoginResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal login: %v", err)
	}
	if out.Token == "" || out.User.Username != username {
		t.Fatalf("unexpected login response: %s", string(data))
	}
	return map[string]string{"Authorization": "Bearer " + out.Token}
}

func decodeError(t *testing.T, data []byte) apiErrorBody {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	return env.Error
}

func submitBody(title string) map[string]any {
	return map[string]any{
		"form": map[string]any{
			"details": map[string]any{
				"title":         title,
				"part_number":   "PN-100",
				"is_contained":  true,
				"how_contained": "quarantined",
			},
			"classification": map[string]any{"nc_level": 2},
			"tags":           []string{"supplier"},
		},
	}
}

func TestSubmitCloseFlow(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	headers := login(t, srv, "admin", "secret")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/ncrs", submitBody("Bracket cracked"), headers)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("submit status %d: %s", res.StatusCode, string(data))
	}
	var created domain.NCR
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal ncr: %v", err)
	}
	if created.Number != "NCR-0001" || created.Status != domain.StatusNew {
		t.Fatalf("unexpected ncr: %+v", created)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/ncrs/NCR-0001/close", map[string]any{}, headers)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("close before audit status %d: %s", res.StatusCode, string(data))
	}
	if e := decodeError(t, data); e.Code != "validation_failed" || e.Details["field"] != "qe_audit_complete" {
		t.Fatalf("unexpected close error: %+v", e)
	}

	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v1/ncrs/"+created.ID, map[string]any{
		"closure": map[string]any{"qe_audit_complete": true},
	}, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("patch status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/ncrs/NCR-0001/close", map[string]any{
		"closure_date": "2024-03-01",
		"reason":       "dispositioned",
	}, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("close status %d: %s", res.StatusCode, string(data))
	}
	var closed domain.NCR
	if err := json.Unmarshal(data, &closed); err != nil {
		t.Fatalf("unmarshal closed: %v", err)
	}
	if closed.Status != domain.StatusClosed || closed.Closure.ClosureDate != "2024-03-01" || closed.ClosedAt == nil {
		t.Fatalf("unexpected closed ncr: %+v", closed)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/ncrs/NCR-0001/comments", map[string]any{"content": "verified"}, headers)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("comment status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/ncrs/NCR-0001/history", nil, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("history status %d: %s", res.StatusCode, string(data))
	}
	var history []domain.StatusHistoryEntry
	if err := json.Unmarshal(data, &history); err != nil {
		t.Fatalf("unmarshal history: %v", err)
	}
	if len(history) != 2 || history[1].NewStatus != domain.StatusClosed || history[1].Reason != "dispositioned" {
		t.Fatalf("unexpected history: %+v", history)
	}

	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v1/ncrs/NCR-0001", map[string]any{"tags": []string{"late"}}, headers)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("edit after close status %d: %s", res.StatusCode, string(data))
	}
}

func TestListNCRsPaging(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	headers := login(t, srv, "admin", "secret")
	for _, title := range []string{"First", "Second", "Third"} {
		res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/ncrs", submitBody(title), headers)
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("submit %s status %d: %s", title, res.StatusCode, string(data))
		}
	}
	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/ncrs?limit=2", nil, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status %d: %s", res.StatusCode, string(data))
	}
	var page paginatedNCRs
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("unmarshal page: %v", err)
	}
	if len(page.Items) != 2 || page.NextCursor == "" || page.Items[0].Number != "NCR-0003" {
		t.Fatalf("unexpected first page: %s", string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/ncrs?limit=2&cursor="+page.NextCursor, nil, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list page 2 status %d: %s", res.StatusCode, string(data))
	}
	page = paginatedNCRs{}
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("unmarshal page 2: %v", err)
	}
	if len(page.Items) != 1 || page.Items[0].Number != "NCR-0001" || page.NextCursor != "" {
		t.Fatalf("unexpected second page: %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/ncrs?cursor=bogus", nil, headers)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad cursor status %d: %s", res.StatusCode, string(data))
	}
}

func TestErrorEnvelopes(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/ncrs", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("anonymous status %d: %s", res.StatusCode, string(data))
	}
	if e := decodeError(t, data); e.Code != "unauthorized" {
		t.Fatalf("unexpected anonymous error: %+v", e)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/auth/login", map[string]any{
		"username": "admin",
		"password": "wrong",
	}, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad login status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/ncrs", nil, map[string]string{"Authorization": "Bearer not-a-jwt"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token status %d: %s", res.StatusCode, string(data))
	}

	admin := login(t, srv, "admin", "secret")
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/ncrs/NCR-0042", nil, admin)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("missing ncr status %d: %s", res.StatusCode, string(data))
	}
	if e := decodeError(t, data); e.Code != "not_found" {
		t.Fatalf("unexpected not found error: %+v", e)
	}

	body := submitBody("Uncontained")
	details := body["form"].(map[string]any)["details"].(map[string]any)
	details["is_contained"] = false
	delete(details, "how_contained")
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/ncrs", body, admin)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("uncontained status %d: %s", res.StatusCode, string(data))
	}
	if e := decodeError(t, data); e.Details["field"] != "containment_justification" {
		t.Fatalf("unexpected validation error: %+v", e)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/users", map[string]any{
		"username": "olivia",
		"password": "pw",
		"role":     "ncr_owner",
	}, admin)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create user status %d: %s", res.StatusCode, string(data))
	}
	owner := login(t, srv, "olivia", "pw")
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/ncrs", submitBody("Owned"), owner)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("owner submit status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodDelete, srv.URL+"/v1/ncrs/NCR-0001", nil, owner)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("owner delete status %d: %s", res.StatusCode, string(data))
	}
	if e := decodeError(t, data); e.Details["permission"] != "ncr.delete" {
		t.Fatalf("unexpected forbidden error: %+v", e)
	}
	res, data = doJSON(t, client, http.MethodDelete, srv.URL+"/v1/ncrs/NCR-0001", nil, admin)
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("admin delete status %d: %s", res.StatusCode, string(data))
	}
}

func TestMeAndCatalog(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	headers := login(t, srv, "admin", "secret")

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/me", nil, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me status %d: %s", res.StatusCode, string(data))
	}
	var me WhoAmIResponse
	if err := json.Unmarshal(data, &me); err != nil {
		t.Fatalf("unmarshal me: %v", err)
	}
	if me.UserID != srv.Admin.ID || me.Role != "admin" || len(me.Permissions) == 0 {
		t.Fatalf("unexpected me: %+v", me)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/approvals?level=4", nil, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approvals status %d: %s", res.StatusCode, string(data))
	}
	var approvals ApprovalsResponse
	if err := json.Unmarshal(data, &approvals); err != nil {
		t.Fatalf("unmarshal approvals: %v", err)
	}
	if approvals.Approvals != "1 Quality Engineer + 1 SME Engineer" {
		t.Fatalf("unexpected approvals: %+v", approvals)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/approvals?level=9", nil, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approvals out of range status %d: %s", res.StatusCode, string(data))
	}
	approvals = ApprovalsResponse{}
	if err := json.Unmarshal(data, &approvals); err != nil {
		t.Fatalf("unmarshal approvals: %v", err)
	}
	if approvals.Level != nil {
		t.Fatalf("out of range level kept: %+v", approvals)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/openapi.json", nil, nil)
	if res.StatusCode != http.StatusOK || !bytes.Contains(data, []byte("bearerAuth")) {
		t.Fatalf("openapi status %d", res.StatusCode)
	}
}

func TestHandleErrorStatuses(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{name: "missing actor", err: auth.ErrActorRequired, status: http.StatusUnauthorized},
		{name: "forbidden", err: auth.ForbiddenError{Permission: auth.PermNCRDelete}, status: http.StatusForbidden},
		{name: "validation", err: workflow.ValidationError{Field: "title", Message: "title is required"}, status: http.StatusUnprocessableEntity},
		{name: "conflict", err: engine.ConflictError{Op: "create ncr", Err: repo.ErrConflict}, status: http.StatusConflict},
		{name: "storage", err: engine.StorageError{Op: "list ncrs", Err: errors.New("disk")}, status: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := handleError(tt.err).GetStatus(); got != tt.status {
				t.Fatalf("status = %d, want %d", got, tt.status)
			}
		})
	}
}
