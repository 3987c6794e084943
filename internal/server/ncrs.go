package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"ncrtrack/internal/domain"
	"ncrtrack/internal/engine"
	"ncrtrack/internal/repo"
)

type ncrPath struct {
	Ref string `path:"ref" doc:"NCR id or number such as NCR-0001"`
}

type ncrOutput struct {
	Body domain.NCR `json:"body"`
}

func registerNCRs(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-ncr",
		Method:        http.MethodPost,
		Path:          "/ncrs",
		Summary:       "Submit a new NCR",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		Body SubmitNCRRequest `json:"body"`
	}) (*ncrOutput, error) {
		actor, authErr := actorFromContext(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		n, err := e.SubmitNewNCR(ctx, actor, input.Body.Form, engine.SubmitOptions{
			CloseOnSubmit: input.Body.CloseOnSubmit,
			AssignTo:      input.Body.AssignTo,
			Reason:        input.Body.Reason,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &ncrOutput{Body: n}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-ncrs",
		Method:      http.MethodGet,
		Path:        "/ncrs",
		Summary:     "List NCRs, newest first",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Status     string   `query:"status" enum:"NEW,IN_PROGRESS,PENDING_APPROVAL,CLOSED"`
		NCLevel    int      `query:"nc_level"`
		CreatedBy  string   `query:"created_by"`
		AssignedTo string   `query:"assigned_to"`
		Search     string   `query:"search"`
		Tags       []string `query:"tag" doc:"repeat to require several tags"`
		Limit      int      `query:"limit" default:"50"`
		Cursor     string   `query:"cursor"`
	}) (*struct {
		Body paginatedNCRs `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		cursorTS, cursorSeq, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		limit := normalizeLimit(input.Limit)
		f := repo.NCRFilters{
			Status:          domain.Status(input.Status),
			CreatedBy:       input.CreatedBy,
			AssignedTo:      input.AssignedTo,
			Search:          input.Search,
			Tags:            input.Tags,
			CursorCreatedAt: cursorTS,
			CursorSeq:       cursorSeq,
			Limit:           limit + 1,
		}
		if input.NCLevel != 0 {
			f.NCLevel = &input.NCLevel
		}
		items, err := e.ListNCRs(ctx, actor, f)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedNCRs{Items: []domain.NCR{}}
		if len(items) > limit {
			last := items[limit-1]
			resp.NextCursor = composeCursor(last.CreatedAt, last.Seq)
			items = items[:limit]
		}
		resp.Items = append(resp.Items, items...)
		return &struct {
			Body paginatedNCRs `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-ncr",
		Method:      http.MethodGet,
		Path:        "/ncrs/{ref}",
		Summary:     "Get an NCR by id or number",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *ncrPath) (*ncrOutput, error) {
		actor, authErr := actorFromContext(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		n, err := e.GetNCR(ctx, actor, input.Ref)
		if err != nil {
			return nil, handleError(err)
		}
		return &ncrOutput{Body: n}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-ncr",
		Method:      http.MethodPatch,
		Path:        "/ncrs/{ref}",
		Summary:     "Replace form sections of an open NCR",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ncrPath
		Body engine.NCRPatch `json:"body"`
	}) (*ncrOutput, error) {
		actor, authErr := actorFromContext(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		patch := input.Body
		// An explicit "tags": [] clears the tags instead of leaving them.
		if raw, ok := rawBodyMap(ctx)["tags"]; ok && !isNullRaw(raw) && patch.Tags == nil {
			patch.Tags = []string{}
		}
		n, err := e.UpdateNCR(ctx, actor, input.Ref, patch)
		if err != nil {
			return nil, handleError(err)
		}
		return &ncrOutput{Body: n}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-ncr",
		Method:        http.MethodDelete,
		Path:          "/ncrs/{ref}",
		Summary:       "Delete an NCR",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *ncrPath) (*struct{}, error) {
		actor, authErr := actorFromContext(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteNCR(ctx, actor, input.Ref); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "close-ncr",
		Method:      http.MethodPost,
		Path:        "/ncrs/{ref}/close",
		Summary:     "Close an NCR",
		Description: "Requires the QE audit to be complete. closure_date defaults to the stored date or today.",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ncrPath
		Body CloseNCRRequest `json:"body" required:"false"`
	}) (*ncrOutput, error) {
		actor, authErr := actorFromContext(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		n, err := e.CloseNCR(ctx, actor, input.Ref, input.Body.ClosureDate, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &ncrOutput{Body: n}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "assign-ncr",
		Method:      http.MethodPost,
		Path:        "/ncrs/{ref}/assign",
		Summary:     "Assign an NCR to a user",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ncrPath
		Body AssignNCRRequest `json:"body"`
	}) (*ncrOutput, error) {
		actor, authErr := actorFromContext(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		n, err := e.AssignNCR(ctx, actor, input.Ref, input.Body.AssignTo)
		if err != nil {
			return nil, handleError(err)
		}
		return &ncrOutput{Body: n}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "ncr-history",
		Method:      http.MethodGet,
		Path:        "/ncrs/{ref}/history",
		Summary:     "Status history, oldest first",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *ncrPath) (*struct {
		Body []domain.StatusHistoryEntry `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		list, err := e.ListHistory(ctx, actor, input.Ref)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.StatusHistoryEntry `json:"body"`
		}{Body: nonNilSlice(list)}, nil
	})
}

func registerComments(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "add-comment",
		Method:        http.MethodPost,
		Path:          "/ncrs/{ref}/comments",
		Summary:       "Comment on an NCR",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ncrPath
		Body AddCommentRequest `json:"body"`
	}) (*struct {
		Body domain.Comment `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.AddComment(ctx, actor, input.Ref, input.Body.Content)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Comment `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-comments",
		Method:      http.MethodGet,
		Path:        "/ncrs/{ref}/comments",
		Summary:     "List comments, oldest first",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *ncrPath) (*struct {
		Body []domain.Comment `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		list, err := e.ListComments(ctx, actor, input.Ref)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Comment `json:"body"`
		}{Body: nonNilSlice(list)}, nil
	})
}
