package knowledge

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"golang.org/x/sync/errgroup"
)

// Schema is the SQL DDL for the settings table read by [PostgresStore]. It is
// applied by deployment tooling; the store itself never writes.
const Schema = `
CREATE TABLE IF NOT EXISTS business_settings (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL DEFAULT ''
);
`

// Setting keys of the profile fields.
const (
	KeyName          = "business_name"
	KeyIndustry      = "industry"
	KeyObjective     = "objective"
	KeyKnowledgeBase = "aurora_knowledge"
	KeySystemPrompt  = "system_prompt"
)

// DB is the database interface used by [PostgresStore]. It must be safe for
// concurrent use; *pgxpool.Pool satisfies it.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore is a [Store] backed by the business_settings table.
type PostgresStore struct {
	db DB
}

// Compile-time interface check.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a store reading through db.
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Profile reads every profile key concurrently. Missing keys leave their
// field empty; if none is present the result is [ErrNotFound].
func (s *PostgresStore) Profile(ctx context.Context) (Profile, error) {
	var p Profile
	fields := []struct {
		key string
		dst *string
	}{
		{KeyName, &p.Name},
		{KeyIndustry, &p.Industry},
		{KeyObjective, &p.Objective},
		{KeyKnowledgeBase, &p.KnowledgeBase},
		{KeySystemPrompt, &p.SystemPrompt},
	}
	found := make([]bool, len(fields))

	const query = `SELECT value FROM business_settings WHERE key = $1`

	g, gctx := errgroup.WithContext(ctx)
	for i, f := range fields {
		g.Go(func() error {
			err := s.db.QueryRow(gctx, query, f.key).Scan(f.dst)
			if errors.Is(err, pgx.ErrNoRows) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("knowledge: read %s: %w", f.key, err)
			}
			found[i] = true
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Profile{}, err
	}

	for _, ok := range found {
		if ok {
			return p, nil
		}
	}
	return Profile{}, ErrNotFound
}
