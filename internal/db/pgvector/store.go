// Package pgvector keeps reference embeddings in PostgreSQL using the
// pgvector extension.
package pgvector

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"face-attendance-go/config"
	"face-attendance-go/internal/core/models"
	"face-attendance-go/internal/util/names"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store implements repository.IdentityRepository on PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// ConnString builds a connection string from the db config section.
func ConnString(cfg config.DBConfig) string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		cfg.Username, cfg.Password, cfg.Host, cfg.Port, cfg.Name)
}

// New connects and ensures the schema exists.
func New(ctx context.Context, connString string) (*Store, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, err
	}
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
		CREATE EXTENSION IF NOT EXISTS vector;
		CREATE TABLE IF NOT EXISTS identities (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			name_key TEXT NOT NULL UNIQUE,
			enrolled_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);
		CREATE TABLE IF NOT EXISTS identity_references (
			id BIGSERIAL PRIMARY KEY,
			identity_id TEXT NOT NULL REFERENCES identities(id) ON DELETE CASCADE,
			position INT NOT NULL,
			embedding VECTOR NOT NULL
		);
		CREATE INDEX IF NOT EXISTS identity_references_identity_idx ON identity_references (identity_id);
	`)
	return err
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// vecToString formats a vector in pgvector text form "[1,2,...]".
func vecToString(vec []float32) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, v := range vec {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(v), 'g', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}

func parseVector(s string) ([]float32, error) {
	s = strings.Trim(s, "[]")
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	vec := make([]float32, len(parts))
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil, fmt.Errorf("invalid vector component %q: %w", p, err)
		}
		vec[i] = float32(f)
	}
	return vec, nil
}

// LoadIdentities returns all identities ordered by enrollment time.
func (s *Store) LoadIdentities(ctx context.Context) ([]models.Identity, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT i.id, i.name, i.enrolled_at, i.updated_at, r.embedding::text
		FROM identities i
		LEFT JOIN identity_references r ON r.identity_id = i.id
		ORDER BY i.enrolled_at ASC, i.id ASC, r.position ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var identities []models.Identity
	for rows.Next() {
		var identity models.Identity
		var embedding *string
		if err := rows.Scan(&identity.ID, &identity.Name, &identity.EnrolledAt, &identity.UpdatedAt, &embedding); err != nil {
			return nil, err
		}
		if n := len(identities); n == 0 || identities[n-1].ID != identity.ID {
			identities = append(identities, identity)
		}
		if embedding == nil {
			continue
		}
		vec, err := parseVector(*embedding)
		if err != nil {
			return nil, fmt.Errorf("identity %s: %w", identity.ID, err)
		}
		last := &identities[len(identities)-1]
		last.References = append(last.References, vec)
	}
	return identities, rows.Err()
}

// SaveIdentity upserts the identity and replaces its references.
func (s *Store) SaveIdentity(ctx context.Context, identity models.Identity) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO identities (id, name, name_key, enrolled_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, name_key = EXCLUDED.name_key, updated_at = EXCLUDED.updated_at
	`, identity.ID, identity.Name, names.Key(identity.Name), identity.EnrolledAt, identity.UpdatedAt)
	if err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, "DELETE FROM identity_references WHERE identity_id = $1", identity.ID); err != nil {
		return err
	}

	batch := &pgx.Batch{}
	for i, vec := range identity.References {
		batch.Queue("INSERT INTO identity_references (identity_id, position, embedding) VALUES ($1, $2, $3::vector)",
			identity.ID, i, vecToString(vec))
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// DeleteIdentity removes the identity; references cascade.
func (s *Store) DeleteIdentity(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, "DELETE FROM identities WHERE id = $1", id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return models.ErrIdentityNotFound
	}
	return nil
}

// Reset removes every identity.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "TRUNCATE identity_references, identities")
	return err
}

// FindClosest returns the identity id with the nearest reference by cosine
// distance, or "" if none is closer than threshold.
func (s *Store) FindClosest(ctx context.Context, vec []float32, threshold float64) (string, float64, error) {
	var id string
	var dist float64
	err := s.pool.QueryRow(ctx, `
		SELECT identity_id, embedding <=> $1::vector AS dist
		FROM identity_references
		WHERE embedding <=> $1::vector < $2
		ORDER BY dist ASC, identity_id ASC
		LIMIT 1
	`, vecToString(vec), threshold).Scan(&id, &dist)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", 0, nil
	}
	if err != nil {
		return "", 0, err
	}
	return id, dist, nil
}
