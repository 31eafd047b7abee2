package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"batchline/internal/domain"
	"batchline/internal/engine/auth"
	"batchline/internal/principal"
	"batchline/internal/repo"
)

func (e Engine) CreateCohort(ctx context.Context, p principal.Principal, id, name string) (domain.Cohort, error) {
	if err := auth.Authorize(p, auth.ActionRegistryWrite, ""); err != nil {
		return domain.Cohort{}, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.Cohort{}, ValidationError{Field: "name", Reason: "required"}
	}
	if id == "" {
		id = uuid.NewString()
	}
	c := domain.Cohort{ID: id, Name: name, CreatedAt: e.ts()}
	err := e.Runner.InTx(ctx, p, func(tx *sql.Tx) error {
		if err := e.Repo.InsertCohort(ctx, tx, c); err != nil {
			return fmt.Errorf("insert cohort: %w", err)
		}
		return e.audit(ctx, tx, p, "cohort.created", "cohort", c.ID, map[string]any{"name": c.Name})
	})
	return c, err
}

func (e Engine) ListCohorts(ctx context.Context, p principal.Principal) ([]domain.Cohort, error) {
	if err := auth.Authorize(p, auth.ActionBatchRead, ""); err != nil {
		return nil, err
	}
	all, err := e.Repo.ListCohorts(ctx)
	if err != nil {
		return nil, err
	}
	iv, ok := principal.Normalize(p).(principal.Interactive)
	if !ok || iv.Role == auth.RoleAdmin || iv.Role == auth.RoleIssuer {
		return all, nil
	}
	var res []domain.Cohort
	for _, c := range all {
		if iv.InScope(c.ID) {
			res = append(res, c)
		}
	}
	return res, nil
}

// SubjectCreateOptions are parameters for registering a subject.
type SubjectCreateOptions struct {
	ID              string
	CohortID        string
	Name            string
	Level           string
	Inactive        bool
	EvaluationIndex int
	LastEvaluatedAt string
}

func (e Engine) CreateSubject(ctx context.Context, p principal.Principal, opts SubjectCreateOptions) (domain.Subject, error) {
	if err := auth.Authorize(p, auth.ActionRegistryWrite, opts.CohortID); err != nil {
		return domain.Subject{}, err
	}
	if opts.CohortID == "" {
		return domain.Subject{}, ValidationError{Field: "cohort_id", Reason: "required"}
	}
	if strings.TrimSpace(opts.Name) == "" {
		return domain.Subject{}, ValidationError{Field: "name", Reason: "required"}
	}
	if opts.EvaluationIndex < 0 {
		return domain.Subject{}, ValidationError{Field: "evaluation_index", Reason: "must be >= 0"}
	}
	switch opts.Level {
	case "", "operational", "management":
	default:
		return domain.Subject{}, ValidationError{Field: "level", Reason: "must be operational or management"}
	}
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	s := domain.Subject{
		ID:              opts.ID,
		CohortID:        opts.CohortID,
		Name:            strings.TrimSpace(opts.Name),
		Level:           opts.Level,
		Active:          !opts.Inactive,
		EvaluationIndex: opts.EvaluationIndex,
		LastEvaluatedAt: optionalString(opts.LastEvaluatedAt),
		CreatedAt:       e.ts(),
	}
	if s.Level == "" {
		s.Level = "operational"
	}
	err := e.Runner.InTx(ctx, p, func(tx *sql.Tx) error {
		if _, err := e.Repo.GetCohort(ctx, tx, s.CohortID); err != nil {
			return fmt.Errorf("cohort %s: %w", s.CohortID, err)
		}
		if err := e.Repo.InsertSubject(ctx, tx, s); err != nil {
			return fmt.Errorf("insert subject: %w", err)
		}
		return e.audit(ctx, tx, p, "subject.created", "subject", s.ID, map[string]any{"cohort_id": s.CohortID})
	})
	return s, err
}

func (e Engine) ListSubjects(ctx context.Context, p principal.Principal, cohortID string) ([]domain.Subject, error) {
	if err := auth.Authorize(p, auth.ActionEligibilityRead, cohortID); err != nil {
		return nil, err
	}
	var res []domain.Subject
	err := e.Runner.InTx(ctx, p, func(tx *sql.Tx) error {
		var err error
		res, err = e.Repo.ListSubjects(ctx, tx, cohortID)
		return err
	})
	return res, err
}

func (e Engine) CreateIssuer(ctx context.Context, p principal.Principal, id, name string) (domain.Issuer, error) {
	if err := auth.Authorize(p, auth.ActionRegistryWrite, ""); err != nil {
		return domain.Issuer{}, err
	}
	if strings.TrimSpace(name) == "" {
		return domain.Issuer{}, ValidationError{Field: "name", Reason: "required"}
	}
	if id == "" {
		id = uuid.NewString()
	}
	iss := domain.Issuer{ID: id, Name: strings.TrimSpace(name), Active: true, CreatedAt: e.ts()}
	err := e.Runner.InTx(ctx, p, func(tx *sql.Tx) error {
		if err := e.Repo.InsertIssuer(ctx, tx, iss); err != nil {
			return fmt.Errorf("insert issuer: %w", err)
		}
		return e.audit(ctx, tx, p, "issuer.created", "issuer", iss.ID, map[string]any{"name": iss.Name})
	})
	return iss, err
}

func (e Engine) ListIssuers(ctx context.Context, p principal.Principal) ([]domain.Issuer, error) {
	if err := auth.Authorize(p, auth.ActionReportRead, ""); err != nil {
		return nil, err
	}
	var res []domain.Issuer
	err := e.Runner.InTx(ctx, p, func(tx *sql.Tx) error {
		var err error
		res, err = e.Repo.ListIssuers(ctx, tx, false)
		return err
	})
	return res, err
}

// APIKeyCreateOptions describe the principal a new key authenticates as.
type APIKeyCreateOptions struct {
	SubjectID string
	Role      string
	ScopeIDs  []string
	Name      string
}

// CreateAPIKey stores a new key and returns it with its plaintext secret.
// The secret is not recoverable afterwards.
func (e Engine) CreateAPIKey(ctx context.Context, p principal.Principal, opts APIKeyCreateOptions) (domain.APIKey, string, error) {
	if err := auth.Authorize(p, auth.ActionRegistryWrite, ""); err != nil {
		return domain.APIKey{}, "", err
	}
	switch opts.Role {
	case auth.RoleAdmin, auth.RoleManager, auth.RoleIssuer, auth.RoleSubject:
	default:
		return domain.APIKey{}, "", ValidationError{Field: "role", Reason: "unknown role " + opts.Role}
	}
	if strings.TrimSpace(opts.SubjectID) == "" {
		return domain.APIKey{}, "", ValidationError{Field: "subject_id", Reason: "required"}
	}
	secret := "bl_" + strings.ReplaceAll(uuid.NewString(), "-", "") + strings.ReplaceAll(uuid.NewString(), "-", "")
	key := domain.APIKey{
		ID:        uuid.NewString(),
		SubjectID: opts.SubjectID,
		Role:      opts.Role,
		ScopeIDs:  opts.ScopeIDs,
		Name:      opts.Name,
		KeyHash:   repo.HashAPIKey(secret),
		CreatedAt: e.ts(),
	}
	err := e.Runner.InTx(ctx, p, func(tx *sql.Tx) error {
		if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
			return fmt.Errorf("insert api key: %w", err)
		}
		return e.audit(ctx, tx, p, "apikey.created", "api_key", key.ID, map[string]any{"subject_id": key.SubjectID, "role": key.Role})
	})
	if err != nil {
		return domain.APIKey{}, "", err
	}
	return key, secret, nil
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// ListAPIKeys lists keys, optionally for one subject. Secrets are never stored.
func (e Engine) ListAPIKeys(ctx context.Context, p principal.Principal, subjectID string) ([]domain.APIKey, error) {
	if err := auth.Authorize(p, auth.ActionRegistryWrite, ""); err != nil {
		return nil, err
	}
	var keys []domain.APIKey
	err := e.Runner.InTx(ctx, p, func(tx *sql.Tx) error {
		var err error
		keys, err = e.Repo.ListAPIKeys(ctx, tx, strings.TrimSpace(subjectID))
		return err
	})
	return keys, err
}

// APIKeyPrincipal looks keys up before any caller is known.
var APIKeyPrincipal = principal.System{Reason: "api key authentication"}

// AuthenticateAPIKey resolves a plaintext key to the principal it was issued
// for.
func (e Engine) AuthenticateAPIKey(ctx context.Context, secret string) (principal.Interactive, error) {
	if strings.TrimSpace(secret) == "" {
		return principal.Interactive{}, errors.New("api key required")
	}
	var key domain.APIKey
	err := e.Runner.InTx(ctx, APIKeyPrincipal, func(tx *sql.Tx) error {
		var err error
		key, err = e.Repo.GetAPIKeyByHash(ctx, tx, repo.HashAPIKey(secret))
		return err
	})
	if err != nil {
		return principal.Interactive{}, err
	}
	p := principal.Interactive{SubjectID: key.SubjectID, Role: key.Role, ScopeIDs: key.ScopeIDs}
	if err := principal.Validate(p); err != nil {
		return principal.Interactive{}, err
	}
	return p, nil
}

// RevokeAPIKey deletes a key; requests carrying it fail from then on.
func (e Engine) RevokeAPIKey(ctx context.Context, p principal.Principal, id string) error {
	if err := auth.Authorize(p, auth.ActionRegistryWrite, ""); err != nil {
		return err
	}
	if strings.TrimSpace(id) == "" {
		return ValidationError{Field: "id", Reason: "required"}
	}
	return e.Runner.InTx(ctx, p, func(tx *sql.Tx) error {
		if err := e.Repo.DeleteAPIKey(ctx, tx, id); err != nil {
			return err
		}
		return e.audit(ctx, tx, p, "apikey.revoked", "api_key", id, nil)
	})
}
