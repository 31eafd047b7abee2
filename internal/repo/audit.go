package repo

import (
	"context"
	"database/sql"
	"strings"

	"batchline/internal/domain"
)

type AuditFilters struct {
	ResourceID string
	Action     string
	ActorID    string
	Limit      int
}

// ListAudit returns the newest records first.
func (r Repo) ListAudit(ctx context.Context, tx *sql.Tx, f AuditFilters) ([]domain.AuditRecord, error) {
	var clauses []string
	var args []any
	if f.ResourceID != "" {
		clauses = append(clauses, "resource_id=?")
		args = append(args, f.ResourceID)
	}
	if f.Action != "" {
		clauses = append(clauses, "action=?")
		args = append(args, f.Action)
	}
	if f.ActorID != "" {
		clauses = append(clauses, "actor_id=?")
		args = append(args, f.ActorID)
	}
	query := `SELECT id,ts,action,actor_id,actor_kind,resource_kind,COALESCE(resource_id,''),details_json FROM audit_log`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY ts DESC, id DESC"
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " LIMIT ?"
	args = append(args, limit)
	rows, err := r.query(ctx, tx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AuditRecord
	for rows.Next() {
		var a domain.AuditRecord
		if err := rows.Scan(&a.ID, &a.TS, &a.Action, &a.ActorID, &a.ActorKind, &a.ResourceKind, &a.ResourceID, &a.Details); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}
