package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"batchline/internal/domain"
	"batchline/internal/emission"
	"batchline/internal/engine"
)

func registerReports(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-report",
		Method:      http.MethodGet,
		Path:        "/batches/{id}/report",
		Summary:     "Get report metadata",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Report `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rp, err := e.GetReport(ctx, p, input.ID, false)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Report `json:"body"`
		}{Body: rp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-report-content",
		Method:      http.MethodGet,
		Path:        "/batches/{id}/report/content",
		Summary:     "Download rendered report",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		ContentType string `header:"Content-Type"`
		ETag        string `header:"ETag"`
		Body        []byte
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rp, err := e.GetReport(ctx, p, input.ID, true)
		if err != nil {
			return nil, handleError(err)
		}
		if len(rp.Content) == 0 {
			return nil, newAPIError(http.StatusConflict, "not_issued", "report has no content yet", map[string]any{"status": rp.Status})
		}
		out := &struct {
			ContentType string `header:"Content-Type"`
			ETag        string `header:"ETag"`
			Body        []byte
		}{ContentType: "application/octet-stream", Body: rp.Content}
		if rp.ContentType != nil {
			out.ContentType = *rp.ContentType
		}
		if rp.ContentHash != nil {
			out.ETag = `"` + *rp.ContentHash + `"`
		}
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "emit-report",
		Method:      http.MethodPost,
		Path:        "/batches/{id}/report/emit",
		Summary:     "Issue report of a completed batch",
		Description: "A report that was already claimed or issued answers with outcome already_issued.",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*emitOutput, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.Emit(ctx, p, input.ID)
		return emitted(input.ID, res, err)
	})

	huma.Register(api, huma.Operation{
		OperationID: "emit-emergency-report",
		Method:      http.MethodPost,
		Path:        "/batches/{id}/report/emergency",
		Summary:     "Issue emergency report",
		Description: "Recomputes the batch first. Allowed once per batch; the reason is recorded in the report and audit log.",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ID   string        `path:"id"`
		Body ReasonRequest `json:"body"`
	}) (*emitOutput, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.EmitEmergency(ctx, p, input.ID, input.Body.Reason)
		return emitted(input.ID, res, err)
	})

	huma.Register(api, huma.Operation{
		OperationID:   "request-emission",
		Method:        http.MethodPost,
		Path:          "/batches/{id}/report/request",
		Summary:       "Queue report emission",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.QueueEntry `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		entry, err := e.RequestEmission(ctx, p, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.QueueEntry `json:"body"`
		}{Body: entry}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "deliver-report",
		Method:      http.MethodPost,
		Path:        "/batches/{id}/report/deliver",
		Summary:     "Mark report delivered and finalize batch",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Report `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rp, err := e.DeliverReport(ctx, p, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Report `json:"body"`
		}{Body: rp}, nil
	})
}

func registerQueue(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-queue",
		Method:      http.MethodGet,
		Path:        "/queue",
		Summary:     "List pending emissions",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		All bool `query:"all" doc:"Include terminal entries"`
	}) (*struct {
		Body []domain.QueueEntry `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.ListQueue(ctx, p, input.All)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.QueueEntry `json:"body"`
		}{Body: nonNilSlice(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "drain-queue",
		Method:      http.MethodPost,
		Path:        "/queue/drain",
		Summary:     "Process due emissions now",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body DrainResponse `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		stats, err := e.DrainQueue(ctx, p)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DrainResponse `json:"body"`
		}{Body: DrainResponse{Stats: stats}}, nil
	})
}

func registerAudit(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-audit",
		Method:      http.MethodGet,
		Path:        "/audit",
		Summary:     "List audit records, newest first",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ResourceID string `query:"resource_id"`
		Action     string `query:"action"`
		ActorID    string `query:"actor_id"`
		Limit      int    `query:"limit" minimum:"0" maximum:"1000"`
	}) (*struct {
		Body []domain.AuditRecord `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.ListAudit(ctx, p, engine.AuditListOptions{
			ResourceID: input.ResourceID,
			Action:     input.Action,
			ActorID:    input.ActorID,
			Limit:      input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.AuditRecord `json:"body"`
		}{Body: nonNilSlice(res)}, nil
	})
}

type emitOutput struct {
	Body EmitResponse `json:"body"`
}

// emitted answers an emission attempt. Losing the claim to another caller is
// reported as an outcome, not an error.
func emitted(batchID string, res emission.Result, err error) (*emitOutput, error) {
	outcome := emission.Outcome(err)
	switch {
	case errors.Is(err, emission.ErrAlreadyInProgressOrIssued):
		res = emission.Result{ReportID: batchID}
	case err != nil:
		return nil, handleError(err)
	}
	return &emitOutput{Body: EmitResponse{Outcome: outcome, Result: res}}, nil
}
