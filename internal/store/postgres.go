package store

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/supplytree/internal/model"
)

// Pool is the subset of pgxpool.Pool the store uses. pgxmock satisfies it.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PostgresStore implements SolutionStore using pgxpool.
type PostgresStore struct {
	pool    Pool
	closeFn func()
	opts    options
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig, opts ...Option) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(1)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return newPostgresStore(pool, pool.Close, opts...), nil
}

func newPostgresStore(pool Pool, closeFn func(), opts ...Option) *PostgresStore {
	return &PostgresStore{pool: pool, closeFn: closeFn, opts: buildOptions(opts)}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS solutions (
	id         TEXT PRIMARY KEY,
	design_id  TEXT NOT NULL DEFAULT '',
	solution   JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL,
	ttl_days   INTEGER NOT NULL,
	tags       TEXT[] NOT NULL DEFAULT '{}',
	tree_count INTEGER NOT NULL DEFAULT 0,
	score      DOUBLE PRECISION NOT NULL DEFAULT 0,
	is_nested  BOOLEAN NOT NULL DEFAULT false
);

CREATE INDEX IF NOT EXISTS idx_solutions_design_id ON solutions(design_id);
CREATE INDEX IF NOT EXISTS idx_solutions_expires_at ON solutions(expires_at);
CREATE INDEX IF NOT EXISTS idx_solutions_created_at ON solutions(created_at);
CREATE INDEX IF NOT EXISTS idx_solutions_tags ON solutions USING GIN (tags);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

const pgMetadataColumns = `id, design_id, created_at, updated_at, expires_at, ttl_days, tags, tree_count, score, is_nested`

func (s *PostgresStore) Save(ctx context.Context, sol *model.SupplyTreeSolution, opts SaveOptions) (string, error) {
	meta, err := newMetadata(sol, opts, s.opts.clock())
	if err != nil {
		return "", err
	}
	solJSON, err := json.Marshal(sol)
	if err != nil {
		return "", eris.Wrap(err, "postgres: marshal solution")
	}
	tags := meta.Tags
	if tags == nil {
		tags = []string{}
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO solutions (id, design_id, solution, created_at, updated_at, expires_at, ttl_days, tags, tree_count, score, is_nested)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (id) DO UPDATE SET
			design_id = EXCLUDED.design_id,
			solution = EXCLUDED.solution,
			created_at = EXCLUDED.created_at,
			updated_at = EXCLUDED.updated_at,
			expires_at = EXCLUDED.expires_at,
			ttl_days = EXCLUDED.ttl_days,
			tags = EXCLUDED.tags,
			tree_count = EXCLUDED.tree_count,
			score = EXCLUDED.score,
			is_nested = EXCLUDED.is_nested`,
		meta.ID, meta.DesignID, solJSON, meta.CreatedAt, meta.UpdatedAt, meta.ExpiresAt,
		meta.TTLDays, tags, meta.TreeCount, meta.Score, meta.IsNested,
	)
	if err != nil {
		return "", eris.Wrapf(err, "postgres: save solution %s", meta.ID)
	}
	zap.L().Debug("store: solution saved", zap.String("id", meta.ID), zap.Int("ttl_days", meta.TTLDays))
	return meta.ID, nil
}

func (s *PostgresStore) Load(ctx context.Context, id string) (*model.SupplyTreeSolution, error) {
	var solJSON []byte
	err := s.pool.QueryRow(ctx, `SELECT solution FROM solutions WHERE id = $1`, id).Scan(&solJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: load %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: load %s", id)
	}
	return decodeSolution(string(solJSON))
}

func (s *PostgresStore) LoadWithMetadata(ctx context.Context, id string, validateFreshness bool) (*model.SupplyTreeSolution, *model.SolutionMetadata, error) {
	var solJSON []byte
	row := s.pool.QueryRow(ctx, `SELECT `+pgMetadataColumns+`, solution FROM solutions WHERE id = $1`, id)
	meta, err := scanPgMetadata(row, &solJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil, eris.Wrapf(ErrNotFound, "postgres: load %s", id)
	}
	if err != nil {
		return nil, nil, eris.Wrapf(err, "postgres: load %s", id)
	}
	if validateFreshness && meta.IsStale(s.opts.clock()) {
		return nil, nil, eris.Wrapf(ErrStale, "postgres: solution %s expired at %s", id, meta.ExpiresAt)
	}
	sol, err := decodeSolution(string(solJSON))
	if err != nil {
		return nil, nil, err
	}
	return sol, meta, nil
}

func (s *PostgresStore) List(ctx context.Context, filter ListFilter) ([]model.SolutionMetadata, error) {
	now := s.opts.clock()
	query := `SELECT ` + pgMetadataColumns + ` FROM solutions WHERE true`
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	switch {
	case filter.OnlyStale:
		query += ` AND expires_at <= ` + arg(now)
	case !filter.IncludeStale:
		query += ` AND expires_at > ` + arg(now)
	}
	if filter.DesignID != "" {
		query += ` AND design_id = ` + arg(filter.DesignID)
	}
	if filter.MinScore > 0 {
		query += ` AND score >= ` + arg(filter.MinScore)
	}
	if tags := normalizeTags(filter.Tags); len(tags) > 0 {
		query += ` AND tags @> ` + arg(tags)
	}
	query += ` ORDER BY created_at DESC, id ASC`
	if filter.Limit > 0 {
		query += ` LIMIT ` + arg(filter.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list solutions")
	}
	defer rows.Close()

	out := []model.SolutionMetadata{}
	for rows.Next() {
		meta, err := scanPgMetadata(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan solution")
		}
		out = append(out, *meta)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list solutions iterate")
}

func (s *PostgresStore) Exists(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM solutions WHERE id = $1)`, id).Scan(&exists)
	return exists, eris.Wrapf(err, "postgres: exists %s", id)
}

func (s *PostgresStore) ExtendTTL(ctx context.Context, id string, days int) (bool, error) {
	if err := validateExtend(days); err != nil {
		return false, err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE solutions
		 SET expires_at = expires_at + make_interval(days => $2), ttl_days = ttl_days + $2, updated_at = $3
		 WHERE id = $1`,
		id, days, s.opts.clock(),
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: extend %s", id)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) Cleanup(ctx context.Context, opts CleanupOptions) (*CleanupResult, error) {
	now := s.opts.clock()
	cutoff := opts.cleanupCutoff(now)
	useAge := !cutoff.IsZero()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: begin cleanup")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	rows, err := tx.Query(ctx,
		`SELECT id FROM solutions WHERE expires_at <= $1 OR ($2 AND created_at < $3) ORDER BY id FOR UPDATE`,
		now, useAge, cutoff,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: select expired")
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan expired")
	}
	if ids == nil {
		ids = []string{}
	}

	res := &CleanupResult{DeletedIDs: ids, DeletedCount: len(ids), DryRun: opts.DryRun}
	if opts.DryRun || len(ids) == 0 {
		return res, nil
	}
	if _, err := tx.Exec(ctx, `DELETE FROM solutions WHERE id = ANY($1)`, ids); err != nil {
		return nil, eris.Wrap(err, "postgres: delete expired")
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "postgres: commit cleanup")
	}
	zap.L().Info("store: cleanup complete", zap.Int("deleted", len(ids)))
	return res, nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM solutions WHERE id = $1`, id)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: delete %s", id)
	}
	return tag.RowsAffected() > 0, nil
}

func scanPgMetadata(row scannable, extra ...any) (*model.SolutionMetadata, error) {
	var m model.SolutionMetadata
	dest := append([]any{
		&m.ID, &m.DesignID, &m.CreatedAt, &m.UpdatedAt, &m.ExpiresAt,
		&m.TTLDays, &m.Tags, &m.TreeCount, &m.Score, &m.IsNested,
	}, extra...)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	m.CreatedAt = m.CreatedAt.UTC()
	m.UpdatedAt = m.UpdatedAt.UTC()
	m.ExpiresAt = m.ExpiresAt.UTC()
	if len(m.Tags) == 0 {
		m.Tags = nil
	}
	return &m, nil
}
