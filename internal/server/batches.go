package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"batchline/internal/domain"
	"batchline/internal/eligibility"
	"batchline/internal/engine"
)

func registerBatches(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-batch",
		Method:        http.MethodPost,
		Path:          "/batches",
		Summary:       "Create draft batch",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body CreateBatchRequest `json:"body"`
	}) (*struct {
		Body domain.Batch `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		b, err := e.CreateBatch(ctx, p, engine.BatchCreateOptions{
			ID:       input.Body.ID,
			CohortID: input.Body.CohortID,
			Title:    input.Body.Title,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Batch `json:"body"`
		}{Body: b}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-batches",
		Method:      http.MethodGet,
		Path:        "/batches",
		Summary:     "List batches",
	}, func(ctx context.Context, input *struct {
		CohortID string `query:"cohort_id"`
		Status   string `query:"status" enum:"draft,active,completed,cancelled,finalized"`
		Limit    int    `query:"limit" minimum:"0"`
	}) (*struct {
		Body []domain.Batch `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.ListBatches(ctx, p, engine.BatchListOptions{
			CohortID: input.CohortID,
			Status:   input.Status,
			Limit:    input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Batch `json:"body"`
		}{Body: nonNilSlice(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-batch",
		Method:      http.MethodGet,
		Path:        "/batches/{id}",
		Summary:     "Get batch",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Batch `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		b, err := e.GetBatch(ctx, p, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Batch `json:"body"`
		}{Body: b}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "release-batch",
		Method:      http.MethodPost,
		Path:        "/batches/{id}/release",
		Summary:     "Release batch to eligible subjects",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body ReleaseBatchResponse `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		b, released, err := e.Release(ctx, p, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReleaseBatchResponse `json:"body"`
		}{Body: ReleaseBatchResponse{Batch: b, Released: nonNilSlice(released)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-batch",
		Method:      http.MethodPost,
		Path:        "/batches/{id}/cancel",
		Summary:     "Cancel active batch",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string        `path:"id"`
		Body ReasonRequest `json:"body"`
	}) (*struct {
		Body domain.Batch `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		b, err := e.Cancel(ctx, p, input.ID, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Batch `json:"body"`
		}{Body: b}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "recompute-batch",
		Method:      http.MethodPost,
		Path:        "/batches/{id}/recompute",
		Summary:     "Recompute batch status",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body engine.Transition `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		tr, err := e.RecomputeStatus(ctx, p, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.Transition `json:"body"`
		}{Body: tr}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "compute-eligibility",
		Method:      http.MethodGet,
		Path:        "/cohorts/{id}/eligibility",
		Summary:     "Preview eligible subjects",
		Description: "Read-only. reference_batch_id excludes subjects already in that batch.",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID               string `path:"id"`
		ReferenceBatchID string `query:"reference_batch_id"`
	}) (*struct {
		Body []eligibility.Candidate `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.ComputeEligible(ctx, p, input.ID, input.ReferenceBatchID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []eligibility.Candidate `json:"body"`
		}{Body: nonNilSlice(res)}, nil
	})
}
