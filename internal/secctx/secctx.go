// Package secctx binds a principal to a single database transaction so that
// row-level rules can see who is asking. The binding never outlives the
// transaction: pooled connections are reused across principals.
package secctx

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"batchline/internal/db"
	"batchline/internal/principal"
)

const (
	KeySubject      = "app.current_subject"
	KeyRole         = "app.current_role"
	KeyScopes       = "app.current_scopes"
	KeySystemBypass = "app.system_bypass"
	KeySystemReason = "app.system_reason"
)

// Applier sets and clears the context on an open transaction.
type Applier interface {
	Apply(ctx context.Context, tx *sql.Tx, p principal.Principal) error
	Reset(ctx context.Context, tx *sql.Tx) error
}

// ForDialect returns the applier matching the database.
func ForDialect(d db.Dialect) Applier {
	if d == db.Postgres {
		return PostgresApplier{}
	}
	return SQLiteApplier{}
}

// Settings flattens a principal into key/value pairs, in a fixed order.
func Settings(p principal.Principal) ([][2]string, error) {
	switch v := principal.Normalize(p).(type) {
	case principal.Interactive:
		return [][2]string{
			{KeySubject, v.SubjectID},
			{KeyRole, v.Role},
			{KeyScopes, strings.Join(v.ScopeIDs, ",")},
			{KeySystemBypass, "off"},
			{KeySystemReason, ""},
		}, nil
	case principal.System:
		return [][2]string{
			{KeySubject, v.ActorID()},
			{KeyRole, "system"},
			{KeyScopes, ""},
			{KeySystemBypass, "on"},
			{KeySystemReason, v.Reason},
		}, nil
	default:
		return nil, fmt.Errorf("%w: unsupported principal %T", principal.ErrMissing, p)
	}
}

// PostgresApplier uses set_config with is_local=true, which Postgres discards
// at COMMIT or ROLLBACK.
type PostgresApplier struct{}

func (PostgresApplier) Apply(ctx context.Context, tx *sql.Tx, p principal.Principal) error {
	settings, err := Settings(p)
	if err != nil {
		return err
	}
	for _, kv := range settings {
		if _, err := tx.ExecContext(ctx, `SELECT set_config($1, $2, true)`, kv[0], kv[1]); err != nil {
			return fmt.Errorf("set %s: %w", kv[0], err)
		}
	}
	return nil
}

func (PostgresApplier) Reset(context.Context, *sql.Tx) error { return nil }

// SQLiteApplier keeps the context in a connection-local temp table. Rows are
// written inside the transaction and removed before commit.
type SQLiteApplier struct{}

func (SQLiteApplier) Apply(ctx context.Context, tx *sql.Tx, p principal.Principal) error {
	settings, err := Settings(p)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `CREATE TEMP TABLE IF NOT EXISTS security_context(key TEXT PRIMARY KEY, value TEXT NOT NULL)`); err != nil {
		return fmt.Errorf("create security_context: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM temp.security_context`); err != nil {
		return fmt.Errorf("clear security_context: %w", err)
	}
	for _, kv := range settings {
		if _, err := tx.ExecContext(ctx, `INSERT INTO temp.security_context(key, value) VALUES (?, ?)`, kv[0], kv[1]); err != nil {
			return fmt.Errorf("set %s: %w", kv[0], err)
		}
	}
	return nil
}

func (SQLiteApplier) Reset(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM temp.security_context`)
	return err
}

// Current reads the context visible to tx on SQLite. An empty map means no
// principal is bound.
func Current(ctx context.Context, tx *sql.Tx) (map[string]string, error) {
	if _, err := tx.ExecContext(ctx, `CREATE TEMP TABLE IF NOT EXISTS security_context(key TEXT PRIMARY KEY, value TEXT NOT NULL)`); err != nil {
		return nil, err
	}
	rows, err := tx.QueryContext(ctx, `SELECT key, value FROM temp.security_context`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]string{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

// Runner opens transactions with the security context bound.
type Runner struct {
	DB      *sql.DB
	Applier Applier
}

// InTx validates p, begins a transaction, binds p, runs fn and commits. Any
// error rolls everything back, including the binding.
func (r Runner) InTx(ctx context.Context, p principal.Principal, fn func(tx *sql.Tx) error) error {
	if err := principal.Validate(p); err != nil {
		return err
	}
	applier := r.Applier
	if applier == nil {
		applier = SQLiteApplier{}
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := applier.Apply(ctx, tx, p); err != nil {
		return fmt.Errorf("apply security context: %w", err)
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := applier.Reset(ctx, tx); err != nil {
		return fmt.Errorf("reset security context: %w", err)
	}
	return tx.Commit()
}
