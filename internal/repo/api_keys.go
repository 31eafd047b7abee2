package repo

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"batchline/internal/domain"
)

// HashAPIKey returns a stable SHA-256 hex digest for the provided key.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(key)))
	return hex.EncodeToString(sum[:])
}

// InsertAPIKey stores a hashed API key. KeyHash must already contain the hashed value.
func (r Repo) InsertAPIKey(ctx context.Context, tx *sql.Tx, key domain.APIKey) error {
	if key.ID == "" {
		return errors.New("id required")
	}
	if key.SubjectID == "" || key.Role == "" {
		return errors.New("subject_id and role required")
	}
	if key.KeyHash == "" {
		return errors.New("key_hash required")
	}
	if key.CreatedAt == "" {
		key.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	scopes := key.ScopeIDs
	if scopes == nil {
		scopes = []string{}
	}
	scopesJSON, err := json.Marshal(scopes)
	if err != nil {
		return err
	}
	_, err = r.exec(ctx, tx, `INSERT INTO api_keys(id, subject_id, role, scope_ids_json, name, key_hash, created_at) VALUES (?,?,?,?,?,?,?)`,
		key.ID, key.SubjectID, key.Role, string(scopesJSON), nullable(key.Name), key.KeyHash, key.CreatedAt)
	return err
}

func scanAPIKey(scan func(...any) error) (domain.APIKey, error) {
	var key domain.APIKey
	var scopes string
	if err := scan(&key.ID, &key.SubjectID, &key.Role, &scopes, &key.Name, &key.KeyHash, &key.CreatedAt); err != nil {
		return key, err
	}
	if err := json.Unmarshal([]byte(scopes), &key.ScopeIDs); err != nil {
		return key, err
	}
	return key, nil
}

const apiKeyColumns = `id, subject_id, role, scope_ids_json, COALESCE(name,''), key_hash, created_at`

// GetAPIKeyByHash returns an API key by its hashed value.
func (r Repo) GetAPIKeyByHash(ctx context.Context, tx *sql.Tx, hash string) (domain.APIKey, error) {
	key, err := scanAPIKey(r.queryRow(ctx, tx, `SELECT `+apiKeyColumns+` FROM api_keys WHERE key_hash=? LIMIT 1`, hash).Scan)
	return key, notFound(err)
}

// ListAPIKeys returns API keys, optionally filtered by subject.
func (r Repo) ListAPIKeys(ctx context.Context, tx *sql.Tx, subjectID string) ([]domain.APIKey, error) {
	query := `SELECT ` + apiKeyColumns + ` FROM api_keys`
	var args []any
	if subjectID != "" {
		query += ` WHERE subject_id=?`
		args = append(args, subjectID)
	}
	rows, err := r.query(ctx, tx, query+` ORDER BY created_at DESC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []domain.APIKey
	for rows.Next() {
		key, err := scanAPIKey(rows.Scan)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// DeleteAPIKey deletes an API key by ID.
func (r Repo) DeleteAPIKey(ctx context.Context, tx *sql.Tx, id string) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("id required")
	}
	ok, err := r.affected(ctx, tx, `DELETE FROM api_keys WHERE id=?`, id)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}
