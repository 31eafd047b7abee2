package batchlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Batchline HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  10 * time.Second,
	}
}

// Batch is the API batch model (partial).
type Batch struct {
	ID               string `json:"id"`
	CohortID         string `json:"cohort_id"`
	Ordinal          int    `json:"ordinal"`
	Title            string `json:"title"`
	Status           string `json:"status"`
	TotalCount       int    `json:"total_count"`
	ReleasedCount    int    `json:"released_count"`
	CompletedCount   int    `json:"completed_count"`
	DeactivatedCount int    `json:"deactivated_count"`
	EmergencyUsed    bool   `json:"emergency_used"`
}

// Assessment is one subject's assessment in a batch.
type Assessment struct {
	ID        string `json:"id"`
	BatchID   string `json:"batch_id"`
	SubjectID string `json:"subject_id"`
	Status    string `json:"status"`
	Priority  string `json:"priority,omitempty"`
}

// Response is one answered item; Value is on a 0-100 scale.
type Response struct {
	Dimension int     `json:"dimension"`
	Item      string  `json:"item"`
	Value     float64 `json:"value"`
}

// Emission describes an issued report. Outcome is set by the emit calls:
// issued, or already_issued when another caller got there first and only
// ReportID is known.
type Emission struct {
	Outcome   string `json:"outcome,omitempty"`
	ReportID  string `json:"report_id"`
	Hash      string `json:"hash"`
	IssuerID  string `json:"issuer_id"`
	Emergency bool   `json:"emergency"`
}

// AssessmentResult is returned by state changes on an assessment.
type AssessmentResult struct {
	Assessment    Assessment `json:"assessment"`
	Batch         Batch      `json:"batch"`
	To            string     `json:"to,omitempty"`
	Emission      *Emission  `json:"emission,omitempty"`
	EmissionError string     `json:"emission_error,omitempty"`
}

// Report is report metadata.
type Report struct {
	ID          string  `json:"id"`
	Status      string  `json:"status"`
	ContentHash *string `json:"content_hash,omitempty"`
	IssuerID    *string `json:"issuer_id,omitempty"`
	Emergency   bool    `json:"emergency"`
	IssuedAt    *string `json:"issued_at,omitempty"`
}

// QueueStats summarizes a queue drain.
type QueueStats struct {
	Processed int `json:"processed"`
	Issued    int `json:"issued"`
	Retried   int `json:"retried"`
	Terminal  int `json:"terminal"`
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
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsConflict reports whether err is a 409 from the API, e.g. a batch in the
// wrong status.
func IsConflict(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusConflict
}

// CreateBatch creates a draft batch for a cohort.
func (c *Client) CreateBatch(ctx context.Context, cohortID, title string) (Batch, error) {
	body := map[string]any{"cohort_id": cohortID}
	if title != "" {
		body["title"] = title
	}
	var resp Batch
	err := c.do(ctx, http.MethodPost, "batches", body, &resp)
	return resp, err
}

// GetBatch fetches a batch by id.
func (c *Client) GetBatch(ctx context.Context, id string) (Batch, error) {
	var resp Batch
	err := c.do(ctx, http.MethodGet, "batches/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ListBatches lists batches, optionally for one cohort.
func (c *Client) ListBatches(ctx context.Context, cohortID string) ([]Batch, error) {
	endpoint := "batches"
	if cohortID != "" {
		endpoint += "?cohort_id=" + url.QueryEscape(cohortID)
	}
	var resp []Batch
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Release starts the batch for every eligible subject.
func (c *Client) Release(ctx context.Context, batchID string) (Batch, error) {
	var resp struct {
		Batch Batch `json:"batch"`
	}
	err := c.do(ctx, http.MethodPost, "batches/"+url.PathEscape(batchID)+"/release", nil, &resp)
	return resp.Batch, err
}

// ListAssessments lists the assessments of a batch visible to the caller.
func (c *Client) ListAssessments(ctx context.Context, batchID string) ([]Assessment, error) {
	var resp []Assessment
	err := c.do(ctx, http.MethodGet, "batches/"+url.PathEscape(batchID)+"/assessments", nil, &resp)
	return resp, err
}

// RecordResponses stores answers for an assessment.
func (c *Client) RecordResponses(ctx context.Context, assessmentID string, responses []Response) (Assessment, error) {
	var resp Assessment
	err := c.do(ctx, http.MethodPut, "assessments/"+url.PathEscape(assessmentID)+"/responses", map[string]any{"responses": responses}, &resp)
	return resp, err
}

// CompleteAssessment submits an assessment.
func (c *Client) CompleteAssessment(ctx context.Context, assessmentID string) (AssessmentResult, error) {
	var resp AssessmentResult
	err := c.do(ctx, http.MethodPost, "assessments/"+url.PathEscape(assessmentID)+"/complete", nil, &resp)
	return resp, err
}

// Report returns report metadata of a batch.
func (c *Client) Report(ctx context.Context, batchID string) (Report, error) {
	var resp Report
	err := c.do(ctx, http.MethodGet, "batches/"+url.PathEscape(batchID)+"/report", nil, &resp)
	return resp, err
}

// Emit issues the report of a completed batch.
func (c *Client) Emit(ctx context.Context, batchID string) (Emission, error) {
	var resp struct {
		Outcome string   `json:"outcome"`
		Result  Emission `json:"result"`
	}
	err := c.do(ctx, http.MethodPost, "batches/"+url.PathEscape(batchID)+"/report/emit", nil, &resp)
	resp.Result.Outcome = resp.Outcome
	return resp.Result, err
}

// EmitEmergency issues the one emergency report a batch allows.
func (c *Client) EmitEmergency(ctx context.Context, batchID, reason string) (Emission, error) {
	var resp struct {
		Outcome string   `json:"outcome"`
		Result  Emission `json:"result"`
	}
	err := c.do(ctx, http.MethodPost, "batches/"+url.PathEscape(batchID)+"/report/emergency", map[string]any{"reason": reason}, &resp)
	resp.Result.Outcome = resp.Outcome
	return resp.Result, err
}

// DrainQueue processes due emissions on the server.
func (c *Client) DrainQueue(ctx context.Context) (QueueStats, error) {
	var resp struct {
		Stats QueueStats `json:"stats"`
	}
	err := c.do(ctx, http.MethodPost, "queue/drain", nil, &resp)
	return resp.Stats, err
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
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
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
			apiErr.Code, apiErr.Message = env.Error.Code, env.Error.Message
		}
		return apiErr
	}
	if out != nil {
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
