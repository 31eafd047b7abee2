package server

import (
	"batchline/internal/domain"
	"batchline/internal/eligibility"
	"batchline/internal/emission"
	"batchline/internal/engine"
	"batchline/internal/queue"
)

type CreateCohortRequest struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name" minLength:"1"`
}

type CreateSubjectRequest struct {
	ID              string `json:"id,omitempty"`
	CohortID        string `json:"cohort_id" minLength:"1"`
	Name            string `json:"name" minLength:"1"`
	Level           string `json:"level,omitempty" enum:"operational,management"`
	Inactive        bool   `json:"inactive,omitempty"`
	EvaluationIndex int    `json:"evaluation_index,omitempty" minimum:"0"`
	LastEvaluatedAt string `json:"last_evaluated_at,omitempty" format:"date-time"`
}

type CreateIssuerRequest struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name" minLength:"1"`
}

type CreateAPIKeyRequest struct {
	SubjectID string   `json:"subject_id" minLength:"1"`
	Role      string   `json:"role" enum:"admin,manager,issuer,subject"`
	ScopeIDs  []string `json:"scope_ids,omitempty"`
	Name      string   `json:"name,omitempty"`
}

type CreateAPIKeyResponse struct {
	Key    domain.APIKey `json:"key"`
	Secret string        `json:"secret"`
}

type CreateBatchRequest struct {
	ID       string `json:"id,omitempty"`
	CohortID string `json:"cohort_id" minLength:"1"`
	Title    string `json:"title,omitempty"`
}

type ReleaseBatchResponse struct {
	Batch    domain.Batch            `json:"batch"`
	Released []eligibility.Candidate `json:"released"`
}

type ReasonRequest struct {
	Reason string `json:"reason"`
}

type DeactivateRequest struct {
	Reason string `json:"reason"`
	Force  bool   `json:"force,omitempty"`
}

type ReissueRequest struct {
	SubjectID string `json:"subject_id" minLength:"1"`
}

type ResponsesRequest struct {
	Responses []engine.ResponseInput `json:"responses" minItems:"1"`
}

type AssessmentDetail struct {
	Assessment domain.MemberAssessment `json:"assessment"`
	Responses  []domain.Response       `json:"responses"`
}

type EmitResponse struct {
	// Outcome is issued or already_issued.
	Outcome string          `json:"outcome" enum:"issued,already_issued"`
	Result  emission.Result `json:"result"`
}

type DrainResponse struct {
	Stats queue.Stats `json:"stats"`
}

type WhoAmIResponse struct {
	SubjectID string   `json:"subject_id"`
	Role      string   `json:"role"`
	ScopeIDs  []string `json:"scope_ids"`
	Source    string   `json:"source"`
}

type DevTokenRequest struct {
	SubjectID string   `json:"subject_id" minLength:"1"`
	Role      string   `json:"role" enum:"admin,manager,issuer,subject"`
	ScopeIDs  []string `json:"scope_ids,omitempty"`
}

type DevTokenResponse struct {
	Token string `json:"token"`
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
