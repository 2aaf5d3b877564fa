package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/KingInYellow18/code-sub001/sdk/coordinator/auth"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	log "github.com/sirupsen/logrus"
)

// PostgresStore keeps one row per provider.
type PostgresStore struct {
	pool  *pgxpool.Pool
	table string
}

// NewPostgresStore connects to dsn and creates table if it does not exist.
func NewPostgresStore(ctx context.Context, dsn, table string) (*PostgresStore, error) {
	if strings.TrimSpace(table) == "" {
		return nil, errors.New("credentials table name is empty")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	s := &PostgresStore{pool: pool, table: pgx.Identifier(strings.Split(table, ".")).Sanitize()}
	if err = s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	provider   TEXT PRIMARY KEY,
	kind       TEXT NOT NULL,
	payload    JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create credentials table: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Load reads every row.
func (s *PostgresStore) Load(ctx context.Context) (map[string]auth.Credential, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf("SELECT provider, payload FROM %s", s.table))
	if err != nil {
		return nil, fmt.Errorf("query credentials: %w", err)
	}
	defer rows.Close()

	out := make(map[string]auth.Credential)
	for rows.Next() {
		var provider string
		var payload []byte
		if err = rows.Scan(&provider, &payload); err != nil {
			return nil, fmt.Errorf("scan credential row: %w", err)
		}
		cred, errDecode := auth.UnmarshalCredential(payload)
		if errDecode != nil {
			log.WithField(auth.FieldProvider, provider).WithError(errDecode).Warn("skipping unreadable credential row")
			continue
		}
		out[provider] = cred
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate credential rows: %w", err)
	}
	return out, nil
}

// Save upserts the row for provider.
func (s *PostgresStore) Save(ctx context.Context, provider string, cred auth.Credential) error {
	payload, err := auth.MarshalCredential(cred)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`INSERT INTO %s (provider, kind, payload, updated_at)
VALUES ($1, $2, $3, NOW())
ON CONFLICT (provider) DO UPDATE SET kind = EXCLUDED.kind, payload = EXCLUDED.payload, updated_at = NOW()`, s.table)
	if _, err = s.pool.Exec(ctx, query, provider, string(cred.Kind()), payload); err != nil {
		return fmt.Errorf("upsert credential: %w", err)
	}
	return nil
}

// Delete removes the row for provider.
func (s *PostgresStore) Delete(ctx context.Context, provider string) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE provider = $1", s.table), provider)
	if err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	return nil
}
