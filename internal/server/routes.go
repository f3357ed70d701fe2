package server

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"go.uber.org/zap"

	"forestline/internal/domain"
	"forestline/internal/engine"
	"forestline/internal/engine/auth"
	"forestline/internal/execution"
	"forestline/internal/lifecycle"
)

var mutationErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusUnprocessableEntity,
	http.StatusInternalServerError,
}

func (h handlers) registerWorksheets(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "import-worksheet",
		Method:        http.MethodPost,
		Path:          "/worksheets",
		Summary:       "Import a worksheet document",
		Description:   "Accepts a feature collection with or without metadata, a bare feature array, or a {\"data\": ...} envelope. Re-importing an id replaces the worksheet.",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID      string `query:"id" doc:"Overrides the id carried by the document"`
		RawBody []byte
	}) (*struct {
		Body ImportResponse `json:"body"`
	}, error) {
		principal, err := h.authorize(ctx, auth.ActionImportWorksheet)
		if err != nil {
			return nil, handleError(err)
		}
		data := input.RawBody
		if len(data) == 0 {
			data = bodyBytes(ctx)
		}
		if len(data) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		res, err := h.e.ImportWorksheet(ctx, engine.ImportOptions{ID: input.ID, Data: data, ActorID: principal.ActorID})
		if err != nil {
			return nil, handleError(err)
		}
		h.region.flush()
		return &struct {
			Body ImportResponse `json:"body"`
		}{Body: ImportResponse{Worksheet: res.Worksheet, Dropped: res.Dropped, UnmappableCoordinates: res.Sentinels}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-worksheets",
		Method:      http.MethodGet,
		Path:        "/worksheets",
		Summary:     "List worksheets",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WorksheetListResponse `json:"body"`
	}, error) {
		items, err := h.e.Repo.ListWorksheets(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorksheetListResponse `json:"body"`
		}{Body: WorksheetListResponse{Items: nonNilSlice(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-worksheet",
		Method:      http.MethodGet,
		Path:        "/worksheets/{worksheet_id}",
		Summary:     "Get a worksheet with its polygons",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		WorksheetID string `path:"worksheet_id"`
	}) (*struct {
		Body domain.Worksheet `json:"body"`
	}, error) {
		ws, err := h.e.Repo.GetWorksheet(ctx, input.WorksheetID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Worksheet `json:"body"`
		}{Body: ws}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "export-worksheet",
		Method:      http.MethodPost,
		Path:        "/worksheets/{worksheet_id}/export",
		Summary:     "Export a worksheet to the configured sink",
		Errors:      []int{http.StatusNotFound, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		WorksheetID string `path:"worksheet_id"`
	}) (*struct {
		Body ExportResponse `json:"body"`
	}, error) {
		if h.sink == nil {
			return nil, newAPIError(http.StatusServiceUnavailable, "unavailable", "no export sink configured", nil)
		}
		loc, err := h.e.ExportWorksheet(ctx, input.WorksheetID, h.sink)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ExportResponse `json:"body"`
		}{Body: ExportResponse{Location: loc}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "eligible-operators",
		Method:      http.MethodGet,
		Path:        "/worksheets/{worksheet_id}/eligible-operators",
		Summary:     "Operators that may be assigned work on a worksheet",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		WorksheetID string `path:"worksheet_id"`
	}) (*struct {
		Body OperatorListResponse `json:"body"`
	}, error) {
		ops, err := h.e.EligibleOperators(ctx, input.WorksheetID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body OperatorListResponse `json:"body"`
		}{Body: OperatorListResponse{Items: nonNilSlice(ops)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-worksheet-execution-sheets",
		Method:      http.MethodGet,
		Path:        "/worksheets/{worksheet_id}/execution-sheets",
		Summary:     "List execution sheets of a worksheet",
	}, func(ctx context.Context, input *struct {
		WorksheetID string `path:"worksheet_id"`
	}) (*struct {
		Body ExecutionSheetListResponse `json:"body"`
	}, error) {
		items, err := h.e.Repo.ListExecutionSheets(ctx, input.WorksheetID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ExecutionSheetListResponse `json:"body"`
		}{Body: ExecutionSheetListResponse{Items: nonNilSlice(items)}}, nil
	})
}

func (h handlers) registerOperators(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "register-operator",
		Method:        http.MethodPost,
		Path:          "/operators",
		Summary:       "Register or update an operator",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body RegisterOperatorRequest `json:"body"`
	}) (*struct {
		Body domain.Operator `json:"body"`
	}, error) {
		principal, err := h.authorize(ctx, auth.ActionRegisterOperator)
		if err != nil {
			return nil, handleError(err)
		}
		op, err := h.e.RegisterOperator(ctx, domain.Operator{
			ID:            input.Body.ID,
			Name:          input.Body.Name,
			Role:          input.Body.Role,
			CorporationID: input.Body.CorporationID,
		}, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Operator `json:"body"`
		}{Body: op}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-operators",
		Method:      http.MethodGet,
		Path:        "/operators",
		Summary:     "List operators",
	}, func(ctx context.Context, input *struct {
		Role string `query:"role"`
	}) (*struct {
		Body OperatorListResponse `json:"body"`
	}, error) {
		ops, err := h.e.Repo.ListOperators(ctx, input.Role)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body OperatorListResponse `json:"body"`
		}{Body: OperatorListResponse{Items: nonNilSlice(ops)}}, nil
	})
}

func (h handlers) registerExecutionSheets(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-execution-sheet",
		Method:        http.MethodPost,
		Path:          "/execution-sheets",
		Summary:       "Create an execution sheet from a worksheet",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateExecutionSheetRequest `json:"body"`
	}) (*struct {
		Body domain.ExecutionSheet `json:"body"`
	}, error) {
		principal, err := h.authorize(ctx, auth.ActionCreateSheet)
		if err != nil {
			return nil, handleError(err)
		}
		sheet, err := h.e.CreateExecutionSheet(ctx, engine.CreateSheetOptions{
			WorksheetID: input.Body.WorkSheetID,
			Operations:  input.Body.Operations,
			Dating: execution.Dating{
				StartingDate:  input.Body.StartingDate,
				FinishingDate: input.Body.FinishingDate,
				Observations:  input.Body.Observations,
			},
			ActorID: principal.ActorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ExecutionSheet `json:"body"`
		}{Body: sheet}, nil
	})

	type sheetPath struct {
		SheetID string `path:"sheet_id"`
	}

	huma.Register(api, huma.Operation{
		OperationID: "get-execution-sheet",
		Method:      http.MethodGet,
		Path:        "/execution-sheets/{sheet_id}",
		Summary:     "Get an execution sheet",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *sheetPath) (*struct {
		Body domain.ExecutionSheet `json:"body"`
	}, error) {
		sheet, err := h.e.Repo.GetExecutionSheet(ctx, input.SheetID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ExecutionSheet `json:"body"`
		}{Body: sheet}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "execution-sheet-status",
		Method:      http.MethodGet,
		Path:        "/execution-sheets/{sheet_id}/status",
		Summary:     "Global status per operation",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		SheetID   string `path:"sheet_id"`
		Operation string `query:"operation"`
	}) (*struct {
		Body StatusResponse `json:"body"`
	}, error) {
		var ops map[string]domain.Status
		if input.Operation != "" {
			status, err := h.e.GlobalStatus(ctx, input.SheetID, input.Operation)
			if err != nil {
				return nil, handleError(err)
			}
			ops = map[string]domain.Status{input.Operation: status}
		} else {
			all, err := h.e.SheetStatus(ctx, input.SheetID)
			if err != nil {
				return nil, handleError(err)
			}
			ops = all
		}
		return &struct {
			Body StatusResponse `json:"body"`
		}{Body: StatusResponse{ExecutionSheetID: input.SheetID, Operations: ops}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "export-execution-sheet",
		Method:      http.MethodPost,
		Path:        "/execution-sheets/{sheet_id}/export",
		Summary:     "Export an execution sheet to the configured sink",
		Errors:      []int{http.StatusNotFound, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *sheetPath) (*struct {
		Body ExportResponse `json:"body"`
	}, error) {
		if h.sink == nil {
			return nil, newAPIError(http.StatusServiceUnavailable, "unavailable", "no export sink configured", nil)
		}
		loc, err := h.e.ExportExecutionSheet(ctx, input.SheetID, h.sink)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ExportResponse `json:"body"`
		}{Body: ExportResponse{Location: loc}}, nil
	})
}

func (h handlers) registerTransitions(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "assign",
		Method:      http.MethodPost,
		Path:        "/transitions/assign",
		Summary:     "Assign a pending record to an eligible operator",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body AssignRequest `json:"body"`
	}) (*struct {
		Body RecordResponse `json:"body"`
	}, error) {
		principal, err := h.authorize(ctx, auth.ActionAssign)
		if err != nil {
			return nil, handleError(err)
		}
		ref := engine.RecordRef{SheetID: input.Body.ExecutionSheetID, PolygonID: input.Body.PolygonID, OperationID: input.Body.OperationID}
		rec, err := h.e.Assign(ctx, ref, input.Body.OperatorID, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RecordResponse `json:"body"`
		}{Body: recordResponse(ref.SheetID, rec)}, nil
	})

	field := func(id, summary string, action auth.Action, apply func(engine.Engine, context.Context, engine.RecordRef, string) (domain.PolygonOperation, error)) {
		huma.Register(api, huma.Operation{
			OperationID: id,
			Method:      http.MethodPost,
			Path:        "/transitions/" + id,
			Summary:     summary,
			Errors:      mutationErrors,
		}, func(ctx context.Context, input *struct {
			Body RecordRequest `json:"body"`
		}) (*struct {
			Body RecordResponse `json:"body"`
		}, error) {
			principal, err := h.authorize(ctx, action)
			if err != nil {
				return nil, handleError(err)
			}
			ref := engine.RecordRef{SheetID: input.Body.ExecutionSheetID, PolygonID: input.Body.PolygonID, OperationID: input.Body.OperationID}
			rec, err := apply(h.e, ctx, ref, principal.ActorID)
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body RecordResponse `json:"body"`
			}{Body: recordResponse(ref.SheetID, rec)}, nil
		})
	}
	field("start", "Start an assigned record as its operator", auth.ActionStart, engine.Engine.Start)
	field("stop", "Complete an ongoing record as its operator", auth.ActionStop, engine.Engine.Stop)

	huma.Register(api, huma.Operation{
		OperationID: "edit",
		Method:      http.MethodPost,
		Path:        "/transitions/edit",
		Summary:     "Edit record metadata",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body EditRequest `json:"body"`
	}) (*struct {
		Body RecordListResponse `json:"body"`
	}, error) {
		principal, err := h.authorize(ctx, auth.ActionEdit)
		if err != nil {
			return nil, handleError(err)
		}
		ref := engine.RecordRef{SheetID: input.Body.ExecutionSheetID, PolygonID: input.Body.PolygonID, OperationID: input.Body.OperationID}
		out, err := h.e.Edit(ctx, ref, lifecycle.EditFields{
			Observations:           input.Body.Observations,
			PlannedCompletionDate:  input.Body.PlannedCompletionDate,
			EstimatedDurationHours: input.Body.EstimatedDurationHours,
		}, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := RecordListResponse{ExecutionSheetID: ref.SheetID, Items: make([]RecordResponse, 0, len(out))}
		for _, rec := range out {
			resp.Items = append(resp.Items, recordResponse(ref.SheetID, rec))
		}
		return &struct {
			Body RecordListResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "track",
		Method:      http.MethodPost,
		Path:        "/transitions/track",
		Summary:     "Record field activity on an ongoing record",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body TrackRequest `json:"body"`
	}) (*struct {
		Body RecordResponse `json:"body"`
	}, error) {
		principal, err := h.authorize(ctx, auth.ActionTrack)
		if err != nil {
			return nil, handleError(err)
		}
		ref := engine.RecordRef{SheetID: input.Body.ExecutionSheetID, PolygonID: input.Body.PolygonID, OperationID: input.Body.OperationID}
		rec, err := h.e.RecordTrack(ctx, ref, principal.ActorID, engine.TrackInput{Position: input.Body.Position, Note: input.Body.Note})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RecordResponse `json:"body"`
		}{Body: recordResponse(ref.SheetID, rec)}, nil
	})
}

func (h handlers) registerEvents(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		WorksheetID string `query:"worksheet_id"`
		Type        string `query:"type"`
		EntityKind  string `query:"entity_kind"`
		EntityID    string `query:"entity_id"`
		Limit       int    `query:"limit" default:"50"`
		Cursor      string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := h.e.Repo.LatestEvents(ctx, limit+1, cursorID, input.WorksheetID, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []domain.Event{}}
		if len(items) > limit {
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
			items = items[:limit]
		}
		resp.Items = append(resp.Items, items...)
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func (h handlers) registerDevAuth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actorId is required", nil)
		}
		token, err := signDevToken(h.authCfg.JWTSecret, actor, input.Body.Roles, input.Body.CorporationID, time.Now())
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		h.logger.Info("dev token issued", zap.String("actor_id", actor), zap.Strings("roles", input.Body.Roles))
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}
