package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"
)

// PostgresStore implements Store on PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgresStore
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const recordColumns = `id, version, name, description, tags, price, content_digest, compatibility,
		       payload_location, size_bytes, active, download_count, created_at, deactivated_at`

func (s *PostgresStore) Insert(ctx context.Context, r *Record) error {
	v, err := ParseVersion(r.Version)
	if err != nil {
		return err
	}
	compat, err := json.Marshal(nonNilMap(r.Compatibility))
	if err != nil {
		return fmt.Errorf("failed to marshal compatibility: %w", err)
	}

	query := `
		INSERT INTO packages (
			id, version, version_major, version_minor, version_patch, name, description, tags,
			price, content_digest, compatibility, payload_location, size_bytes, active, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`
	_, err = s.db.ExecContext(ctx, query,
		r.ID, r.Version, v.Major, v.Minor, v.Patch, r.Name, r.Description, pq.Array(r.Tags),
		r.Price, r.ContentDigest, compat, r.PayloadLocation, r.SizeBytes, r.Active, r.CreatedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return NewAlreadyExistsError(r.ID, r.Version)
	}
	if err != nil {
		return fmt.Errorf("failed to insert package: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id, version string) (*Record, error) {
	query := `SELECT ` + recordColumns + ` FROM packages WHERE id = $1 AND version = $2`

	r, err := scanRecord(s.db.QueryRowContext(ctx, query, id, version))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get package: %w", err)
	}
	return r, nil
}

func (s *PostgresStore) ListActive(ctx context.Context, id string) ([]*Record, error) {
	query := `
		SELECT ` + recordColumns + `
		FROM packages
		WHERE id = $1 AND active
		ORDER BY version_major DESC, version_minor DESC, version_patch DESC
	`
	return s.queryRecords(ctx, query, id)
}

func (s *PostgresStore) Search(ctx context.Context, q SearchQuery) ([]*Record, error) {
	query := `SELECT ` + recordColumns + ` FROM packages WHERE active`
	args := []interface{}{}
	argCount := 1

	nameRank := "0"
	if q.Query != "" {
		pattern := "%" + escapeLike(q.Query) + "%"
		query += fmt.Sprintf(" AND (name ILIKE $%d OR description ILIKE $%d)", argCount, argCount)
		nameRank = fmt.Sprintf("CASE WHEN name ILIKE $%d THEN 0 ELSE 1 END", argCount)
		args = append(args, pattern)
		argCount++
	}

	if len(q.Tags) > 0 {
		query += fmt.Sprintf(" AND tags @> $%d", argCount)
		args = append(args, pq.Array(q.Tags))
		argCount++
	}

	if len(q.Compatibility) > 0 {
		compat, err := json.Marshal(q.Compatibility)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal compatibility filter: %w", err)
		}
		query += fmt.Sprintf(" AND compatibility @> $%d::jsonb", argCount)
		args = append(args, string(compat))
		argCount++
	}

	query += fmt.Sprintf(` ORDER BY %s, download_count DESC, id,
		version_major DESC, version_minor DESC, version_patch DESC LIMIT $%d`, nameRank, argCount)
	args = append(args, q.Limit)

	return s.queryRecords(ctx, query, args...)
}

func (s *PostgresStore) SetActive(ctx context.Context, id, version string, active bool) error {
	query := `
		UPDATE packages
		SET active = $3,
		    deactivated_at = CASE WHEN $3 THEN NULL ELSE COALESCE(deactivated_at, NOW()) END
		WHERE id = $1 AND version = $2
	`
	res, err := s.db.ExecContext(ctx, query, id, version, active)
	if err != nil {
		return fmt.Errorf("failed to update package: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return NewNotFoundError(id, version)
	}
	return nil
}

func (s *PostgresStore) IncrementDownloads(ctx context.Context, id, version string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE packages SET download_count = download_count + 1 WHERE id = $1 AND version = $2",
		id, version)
	if err != nil {
		return fmt.Errorf("failed to update download count: %w", err)
	}
	return nil
}

func (s *PostgresStore) queryRecords(ctx context.Context, query string, args ...interface{}) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query packages: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan package: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*Record, error) {
	r := &Record{}
	var compat []byte
	err := row.Scan(
		&r.ID, &r.Version, &r.Name, &r.Description, pq.Array(&r.Tags), &r.Price,
		&r.ContentDigest, &compat, &r.PayloadLocation, &r.SizeBytes, &r.Active,
		&r.DownloadCount, &r.CreatedAt, &r.DeactivatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(compat) > 0 {
		if err := json.Unmarshal(compat, &r.Compatibility); err != nil {
			return nil, fmt.Errorf("failed to unmarshal compatibility: %w", err)
		}
	}
	return r, nil
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func nonNilMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
