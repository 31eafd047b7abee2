package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"batchline/internal/domain"
	"batchline/internal/engine"
)

func registerRegistry(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-cohort",
		Method:        http.MethodPost,
		Path:          "/cohorts",
		Summary:       "Create cohort",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body CreateCohortRequest `json:"body"`
	}) (*struct {
		Body domain.Cohort `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.CreateCohort(ctx, p, input.Body.ID, input.Body.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Cohort `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-cohorts",
		Method:      http.MethodGet,
		Path:        "/cohorts",
		Summary:     "List cohorts visible to the caller",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Cohort `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.ListCohorts(ctx, p)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Cohort `json:"body"`
		}{Body: nonNilSlice(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-subject",
		Method:        http.MethodPost,
		Path:          "/subjects",
		Summary:       "Register subject",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body CreateSubjectRequest `json:"body"`
	}) (*struct {
		Body domain.Subject `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		in := input.Body
		s, err := e.CreateSubject(ctx, p, engine.SubjectCreateOptions{
			ID:              in.ID,
			CohortID:        in.CohortID,
			Name:            in.Name,
			Level:           in.Level,
			Inactive:        in.Inactive,
			EvaluationIndex: in.EvaluationIndex,
			LastEvaluatedAt: in.LastEvaluatedAt,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Subject `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-subjects",
		Method:      http.MethodGet,
		Path:        "/cohorts/{id}/subjects",
		Summary:     "List subjects of a cohort",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body []domain.Subject `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.ListSubjects(ctx, p, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Subject `json:"body"`
		}{Body: nonNilSlice(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-issuer",
		Method:        http.MethodPost,
		Path:          "/issuers",
		Summary:       "Register issuer",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body CreateIssuerRequest `json:"body"`
	}) (*struct {
		Body domain.Issuer `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		iss, err := e.CreateIssuer(ctx, p, input.Body.ID, input.Body.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Issuer `json:"body"`
		}{Body: iss}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-issuers",
		Method:      http.MethodGet,
		Path:        "/issuers",
		Summary:     "List issuers",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Issuer `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.ListIssuers(ctx, p)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Issuer `json:"body"`
		}{Body: nonNilSlice(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/api-keys",
		Summary:       "Create API key",
		Description:   "The secret is returned once and cannot be retrieved later.",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body CreateAPIKeyResponse `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		key, secret, err := e.CreateAPIKey(ctx, p, engine.APIKeyCreateOptions{
			SubjectID: input.Body.SubjectID,
			Role:      input.Body.Role,
			ScopeIDs:  input.Body.ScopeIDs,
			Name:      input.Body.Name,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CreateAPIKeyResponse `json:"body"`
		}{Body: CreateAPIKeyResponse{Key: key, Secret: secret}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/api-keys",
		Summary:     "List API keys",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		SubjectID string `query:"subject_id"`
	}) (*struct {
		Body []domain.APIKey `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		keys, err := e.ListAPIKeys(ctx, p, input.SubjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.APIKey `json:"body"`
		}{Body: nonNilSlice(keys)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "revoke-api-key",
		Method:        http.MethodDelete,
		Path:          "/api-keys/{id}",
		Summary:       "Revoke API key",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.RevokeAPIKey(ctx, p, input.ID); err != nil {
			return nil, handleError(err)
		}
		return nil, nil
	})
}
