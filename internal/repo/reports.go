package repo

import (
	"context"
	"database/sql"

	"batchline/internal/domain"
)

const reportColumns = `id,status,content_hash,content_size,content_type,artifact_ref,issuer_id,principal_kind,emergency,emergency_reason,claimed_at,issued_at,delivered_at`

func scanReport(scan func(...any) error) (domain.Report, error) {
	var rp domain.Report
	var hash, ctype, ref, issuer, kind, reason, claimed, issued, delivered sql.NullString
	err := scan(&rp.ID, &rp.Status, &hash, &rp.ContentSize, &ctype, &ref, &issuer, &kind, &rp.Emergency, &reason, &claimed, &issued, &delivered)
	rp.ContentHash = strPtr(hash)
	rp.ContentType = strPtr(ctype)
	rp.ArtifactRef = strPtr(ref)
	rp.IssuerID = strPtr(issuer)
	rp.PrincipalKind = strPtr(kind)
	rp.EmergencyReason = strPtr(reason)
	rp.ClaimedAt = strPtr(claimed)
	rp.IssuedAt = strPtr(issued)
	rp.DeliveredAt = strPtr(delivered)
	return rp, err
}

// InsertDraftReport reserves the batch's single report.
func (r Repo) InsertDraftReport(ctx context.Context, tx *sql.Tx, batchID string) error {
	_, err := r.exec(ctx, tx, `INSERT INTO reports(id,status) VALUES (?,'draft')`, batchID)
	return err
}

func (r Repo) GetReport(ctx context.Context, tx *sql.Tx, id string) (domain.Report, error) {
	rp, err := scanReport(r.queryRow(ctx, tx, `SELECT `+reportColumns+` FROM reports WHERE id=?`, id).Scan)
	return rp, notFound(err)
}

func (r Repo) ReportContent(ctx context.Context, tx *sql.Tx, id string) (domain.Report, error) {
	var content []byte
	rp, err := scanReport(func(dest ...any) error {
		return r.queryRow(ctx, tx, `SELECT `+reportColumns+`,content FROM reports WHERE id=?`, id).Scan(append(dest, &content)...)
	})
	rp.Content = content
	return rp, notFound(err)
}

// ClaimReport moves a draft report to issuing. Only one caller can win.
func (r Repo) ClaimReport(ctx context.Context, tx *sql.Tx, id, at string) (bool, error) {
	return r.affected(ctx, tx, `UPDATE reports SET status='issuing', claimed_at=? WHERE id=? AND status='draft'`, at, id)
}

type Issue struct {
	ReportID        string
	Content         []byte
	ContentHash     string
	ContentType     string
	ArtifactRef     string
	IssuerID        string
	PrincipalKind   string
	Emergency       bool
	EmergencyReason string
	IssuedAt        string
}

func (r Repo) IssueReport(ctx context.Context, tx *sql.Tx, is Issue) (bool, error) {
	return r.affected(ctx, tx, `UPDATE reports SET status='issued', content=?, content_hash=?, content_size=?, content_type=?, artifact_ref=?, issuer_id=?, principal_kind=?, emergency=?, emergency_reason=?, issued_at=?
WHERE id=? AND status='issuing'`,
		is.Content, is.ContentHash, len(is.Content), nullable(is.ContentType), nullable(is.ArtifactRef), is.IssuerID, is.PrincipalKind,
		boolInt(is.Emergency), nullable(is.EmergencyReason), is.IssuedAt, is.ReportID)
}

func (r Repo) DeliverReport(ctx context.Context, tx *sql.Tx, id, at string) (bool, error) {
	return r.affected(ctx, tx, `UPDATE reports SET status='delivered', delivered_at=? WHERE id=? AND status='issued'`, at, id)
}
