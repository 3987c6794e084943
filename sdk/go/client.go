package ncrsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal NCR tracker HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v1",
		Timeout:  10 * time.Second,
	}
}

// NCR represents the API record model (partial).
type NCR struct {
	ID     string `json:"id"`
	Number string `json:"number"`
	Status string `json:"status"`
	Details struct {
		Title       string `json:"title"`
		PartNumber  string `json:"part_number,omitempty"`
		IsContained bool   `json:"is_contained"`
	} `json:"details"`
	Classification struct {
		NCLevel *int `json:"nc_level,omitempty"`
	} `json:"classification"`
	Closure struct {
		QEAuditComplete bool   `json:"qe_audit_complete"`
		ClosureDate     string `json:"closure_date,omitempty"`
	} `json:"closure"`
	Tags       []string `json:"tags"`
	CreatedBy  string   `json:"created_by"`
	AssignedTo *string  `json:"assigned_to,omitempty"`
	CreatedAt  string   `json:"created_at"`
	ClosedAt   *string  `json:"closed_at,omitempty"`
}

// Comment is a note left on an NCR.
type Comment struct {
	ID        int64  `json:"id"`
	NCRID     string `json:"ncr_id"`
	UserID    string `json:"user_id"`
	Content   string `json:"content"`
	CreatedAt string `json:"created_at"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// ListOptions narrows ListNCRs.
type ListOptions struct {
	Status string
	Search string
	Tags   []string
	Limit  int
	Cursor string
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedNCRs wraps list responses with cursors.
type PaginatedNCRs struct {
	Items      []NCR  `json:"items"`
	NextCursor string `json:"next_cursor"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// Login exchanges credentials for a bearer token and stores it on the client.
func (c *Client) Login(ctx context.Context, username, password string) error {
	var resp struct {
		Token string `json:"token"`
	}
	body := map[string]any{"username": username, "password": password}
	if err := c.do(ctx, http.MethodPost, "auth/login", body, &resp); err != nil {
		return err
	}
	c.BearerToken = resp.Token
	return nil
}

// SubmitNCR submits a form. form is encoded as the "form" object of the request.
func (c *Client) SubmitNCR(ctx context.Context, form any) (NCR, error) {
	var resp NCR
	err := c.do(ctx, http.MethodPost, "ncrs", map[string]any{"form": form}, &resp)
	return resp, err
}

// GetNCR fetches an NCR by id or number.
func (c *Client) GetNCR(ctx context.Context, ref string) (NCR, error) {
	var resp NCR
	err := c.do(ctx, http.MethodGet, "ncrs/"+url.PathEscape(ref), nil, &resp)
	return resp, err
}

// ListNCRs returns one page of NCRs, newest first.
func (c *Client) ListNCRs(ctx context.Context, opts ListOptions) (PaginatedNCRs, error) {
	q := url.Values{}
	if opts.Status != "" {
		q.Set("status", opts.Status)
	}
	if opts.Search != "" {
		q.Set("search", opts.Search)
	}
	for _, t := range opts.Tags {
		q.Add("tag", t)
	}
	if opts.Limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", opts.Limit))
	}
	if opts.Cursor != "" {
		q.Set("cursor", opts.Cursor)
	}
	endpoint := "ncrs"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedNCRs
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// UpdateNCR sends a section patch such as {"closure": {...}}.
func (c *Client) UpdateNCR(ctx context.Context, ref string, patch map[string]any) (NCR, error) {
	var resp NCR
	err := c.do(ctx, http.MethodPatch, "ncrs/"+url.PathEscape(ref), patch, &resp)
	return resp, err
}

// CloseNCR closes an NCR. An empty closureDate lets the server pick.
func (c *Client) CloseNCR(ctx context.Context, ref, closureDate, reason string) (NCR, error) {
	body := map[string]any{}
	if closureDate != "" {
		body["closure_date"] = closureDate
	}
	if reason != "" {
		body["reason"] = reason
	}
	var resp NCR
	err := c.do(ctx, http.MethodPost, "ncrs/"+url.PathEscape(ref)+"/close", body, &resp)
	return resp, err
}

// AddComment appends a comment to an NCR.
func (c *Client) AddComment(ctx context.Context, ref, content string) (Comment, error) {
	var resp Comment
	err := c.do(ctx, http.MethodPost, "ncrs/"+url.PathEscape(ref)+"/comments", map[string]any{"content": content}, &resp)
	return resp, err
}

// Comments lists comments, oldest first.
func (c *Client) Comments(ctx context.Context, ref string) ([]Comment, error) {
	var resp []Comment
	err := c.do(ctx, http.MethodGet, "ncrs/"+url.PathEscape(ref)+"/comments", nil, &resp)
	return resp, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	endpoint := "events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if cursor != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%scursor=%s", endpoint, sep, url.QueryEscape(cursor))
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}
