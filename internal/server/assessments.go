package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"batchline/internal/domain"
	"batchline/internal/engine"
)

func registerAssessments(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-assessments",
		Method:      http.MethodGet,
		Path:        "/batches/{id}/assessments",
		Summary:     "List assessments of a batch",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body []domain.MemberAssessment `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.ListAssessments(ctx, p, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.MemberAssessment `json:"body"`
		}{Body: nonNilSlice(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-assessment",
		Method:      http.MethodGet,
		Path:        "/assessments/{id}",
		Summary:     "Get assessment with responses",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body AssessmentDetail `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, responses, err := e.GetAssessment(ctx, p, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AssessmentDetail `json:"body"`
		}{Body: AssessmentDetail{Assessment: a, Responses: nonNilSlice(responses)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "record-responses",
		Method:      http.MethodPut,
		Path:        "/assessments/{id}/responses",
		Summary:     "Record questionnaire responses",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string           `path:"id"`
		Body ResponsesRequest `json:"body"`
	}) (*struct {
		Body domain.MemberAssessment `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.RecordResponses(ctx, p, input.ID, input.Body.Responses)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.MemberAssessment `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-assessment",
		Method:      http.MethodPost,
		Path:        "/assessments/{id}/complete",
		Summary:     "Submit assessment",
		Description: "Completing the last open assessment completes the batch and may issue its report.",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body engine.AssessmentResult `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.CompleteAssessment(ctx, p, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.AssessmentResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "deactivate-assessment",
		Method:      http.MethodPost,
		Path:        "/assessments/{id}/deactivate",
		Summary:     "Deactivate assessment",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body DeactivateRequest `json:"body"`
	}) (*struct {
		Body engine.AssessmentResult `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.DeactivateAssessment(ctx, p, input.ID, input.Body.Reason, input.Body.Force)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.AssessmentResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reset-assessment",
		Method:      http.MethodPost,
		Path:        "/assessments/{id}/reset",
		Summary:     "Reset assessment once",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string        `path:"id"`
		Body ReasonRequest `json:"body"`
	}) (*struct {
		Body engine.AssessmentResult `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.ResetAssessment(ctx, p, input.ID, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.AssessmentResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "reissue-assessment",
		Method:        http.MethodPost,
		Path:          "/batches/{id}/assessments",
		Summary:       "Issue a new assessment to a subject",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string         `path:"id"`
		Body ReissueRequest `json:"body"`
	}) (*struct {
		Body engine.AssessmentResult `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.ReissueAssessment(ctx, p, input.ID, input.Body.SubjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.AssessmentResult `json:"body"`
		}{Body: res}, nil
	})
}
