package server

import (
	"encoding/json"

	"ncrtrack/internal/domain"
	"ncrtrack/internal/workflow"
)

// Request payloads

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type SubmitNCRRequest struct {
	Form          domain.Form `json:"form"`
	CloseOnSubmit bool        `json:"close_on_submit,omitempty"`
	AssignTo      string      `json:"assign_to,omitempty" doc:"user id or username"`
	Reason        string      `json:"reason,omitempty"`
}

type CloseNCRRequest struct {
	ClosureDate *string `json:"closure_date,omitempty" example:"2024-01-15"`
	Reason      string  `json:"reason,omitempty"`
}

type AssignNCRRequest struct {
	AssignTo string `json:"assign_to" doc:"user id or username; empty clears the assignee"`
}

type AddCommentRequest struct {
	Content string `json:"content"`
}

type CreateUserRequest struct {
	Username   string `json:"username"`
	Password   string `json:"password"`
	Email      string `json:"email,omitempty"`
	FullName   string `json:"full_name,omitempty"`
	Role       string `json:"role,omitempty" enum:"admin,ncr_owner,qe,mrb_team"`
	Department string `json:"department,omitempty"`
}

// Response payloads

type LoginResponse struct {
	Token     string      `json:"token"`
	ExpiresAt string      `json:"expires_at" format:"date-time"`
	User      domain.User `json:"user"`
}

type WhoAmIResponse struct {
	UserID      string   `json:"user_id"`
	Username    string   `json:"username"`
	Role        string   `json:"role"`
	Permissions []string `json:"permissions"`
}

type ApprovalsResponse struct {
	Level       *int   `json:"level,omitempty"`
	Approvals   string `json:"approvals"`
	Description string `json:"description"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type paginatedNCRs struct {
	Items      []domain.NCR `json:"items"`
	NextCursor string       `json:"next_cursor,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func approvalsResponse(level *int) ApprovalsResponse {
	if level != nil && !workflow.ValidLevel(*level) {
		level = nil
	}
	return ApprovalsResponse{
		Level:       level,
		Approvals:   workflow.RequiredApprovals(level),
		Description: workflow.LevelDescription(level),
	}
}

// JSON helpers

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil || obj == nil {
		return map[string]any{}
	}
	return obj
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
