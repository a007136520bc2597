package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/sells-group/supplytree/internal/model"
)

// sqliteTime is fixed width so TEXT timestamps compare chronologically.
const sqliteTime = "2006-01-02T15:04:05.000000Z"

// SQLiteStore implements SolutionStore using modernc.org/sqlite.
type SQLiteStore struct {
	db   *sql.DB
	opts options
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string, opts ...Option) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db, opts: buildOptions(opts)}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS solutions (
	id         TEXT PRIMARY KEY,
	design_id  TEXT NOT NULL DEFAULT '',
	solution   TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	expires_at TEXT NOT NULL,
	ttl_days   INTEGER NOT NULL,
	tags       TEXT NOT NULL DEFAULT '[]',
	tree_count INTEGER NOT NULL DEFAULT 0,
	score      REAL NOT NULL DEFAULT 0,
	is_nested  INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_solutions_design_id ON solutions(design_id);
CREATE INDEX IF NOT EXISTS idx_solutions_expires_at ON solutions(expires_at);
CREATE INDEX IF NOT EXISTS idx_solutions_created_at ON solutions(created_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const sqliteMetadataColumns = `id, design_id, created_at, updated_at, expires_at, ttl_days, tags, tree_count, score, is_nested`

func (s *SQLiteStore) Save(ctx context.Context, sol *model.SupplyTreeSolution, opts SaveOptions) (string, error) {
	meta, err := newMetadata(sol, opts, s.opts.clock())
	if err != nil {
		return "", err
	}
	solJSON, err := json.Marshal(sol)
	if err != nil {
		return "", eris.Wrap(err, "sqlite: marshal solution")
	}
	tagsJSON, err := json.Marshal(meta.Tags)
	if err != nil {
		return "", eris.Wrap(err, "sqlite: marshal tags")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO solutions (id, design_id, solution, created_at, updated_at, expires_at, ttl_days, tags, tree_count, score, is_nested)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			design_id = excluded.design_id,
			solution = excluded.solution,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at,
			expires_at = excluded.expires_at,
			ttl_days = excluded.ttl_days,
			tags = excluded.tags,
			tree_count = excluded.tree_count,
			score = excluded.score,
			is_nested = excluded.is_nested`,
		meta.ID, meta.DesignID, string(solJSON),
		formatTime(meta.CreatedAt), formatTime(meta.UpdatedAt), formatTime(meta.ExpiresAt),
		meta.TTLDays, string(tagsJSON), meta.TreeCount, meta.Score, meta.IsNested,
	)
	if err != nil {
		return "", eris.Wrapf(err, "sqlite: save solution %s", meta.ID)
	}
	zap.L().Debug("store: solution saved", zap.String("id", meta.ID), zap.Int("ttl_days", meta.TTLDays))
	return meta.ID, nil
}

func (s *SQLiteStore) Load(ctx context.Context, id string) (*model.SupplyTreeSolution, error) {
	var solJSON string
	err := s.db.QueryRowContext(ctx, `SELECT solution FROM solutions WHERE id = ?`, id).Scan(&solJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: load %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: load %s", id)
	}
	return decodeSolution(solJSON)
}

func (s *SQLiteStore) LoadWithMetadata(ctx context.Context, id string, validateFreshness bool) (*model.SupplyTreeSolution, *model.SolutionMetadata, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteMetadataColumns+`, solution FROM solutions WHERE id = ?`, id)
	var solJSON string
	meta, err := scanSQLiteMetadata(row, &solJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, eris.Wrapf(ErrNotFound, "sqlite: load %s", id)
	}
	if err != nil {
		return nil, nil, eris.Wrapf(err, "sqlite: load %s", id)
	}
	if validateFreshness && meta.IsStale(s.opts.clock()) {
		return nil, nil, eris.Wrapf(ErrStale, "sqlite: solution %s expired at %s", id, meta.ExpiresAt)
	}
	sol, err := decodeSolution(solJSON)
	if err != nil {
		return nil, nil, err
	}
	return sol, meta, nil
}

func (s *SQLiteStore) List(ctx context.Context, filter ListFilter) ([]model.SolutionMetadata, error) {
	now := s.opts.clock()
	query := `SELECT ` + sqliteMetadataColumns + ` FROM solutions WHERE 1=1`
	var args []any

	switch {
	case filter.OnlyStale:
		query += ` AND expires_at <= ?`
		args = append(args, formatTime(now))
	case !filter.IncludeStale:
		query += ` AND expires_at > ?`
		args = append(args, formatTime(now))
	}
	if filter.DesignID != "" {
		query += ` AND design_id = ?`
		args = append(args, filter.DesignID)
	}
	if filter.MinScore > 0 {
		query += ` AND score >= ?`
		args = append(args, filter.MinScore)
	}
	query += ` ORDER BY created_at DESC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list solutions")
	}
	defer rows.Close()

	out := []model.SolutionMetadata{}
	for rows.Next() {
		meta, err := scanSQLiteMetadata(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: list solutions")
		}
		// Tags are a JSON column; filter them here rather than in SQL.
		if meta.HasTags(filter.Tags) {
			out = append(out, *meta)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: list solutions iterate")
	}
	return applyLimit(out, filter.Limit), nil
}

func (s *SQLiteStore) Exists(ctx context.Context, id string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM solutions WHERE id = ?`, id).Scan(&n)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: exists %s", id)
	}
	return n > 0, nil
}

func (s *SQLiteStore) ExtendTTL(ctx context.Context, id string, days int) (bool, error) {
	if err := validateExtend(days); err != nil {
		return false, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: begin extend")
	}
	defer tx.Rollback() //nolint:errcheck

	row := tx.QueryRowContext(ctx, `SELECT `+sqliteMetadataColumns+` FROM solutions WHERE id = ?`, id)
	meta, err := scanSQLiteMetadata(row)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: extend %s", id)
	}
	extend(meta, days, s.opts.clock())

	res, err := tx.ExecContext(ctx,
		`UPDATE solutions SET expires_at = ?, ttl_days = ?, updated_at = ? WHERE id = ?`,
		formatTime(meta.ExpiresAt), meta.TTLDays, formatTime(meta.UpdatedAt), id,
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: extend %s", id)
	}
	if err := checkRowsAffected(res, "solution", id); err != nil {
		return false, err
	}
	return true, eris.Wrap(tx.Commit(), "sqlite: commit extend")
}

func (s *SQLiteStore) Cleanup(ctx context.Context, opts CleanupOptions) (*CleanupResult, error) {
	now := s.opts.clock()
	cutoff := opts.cleanupCutoff(now)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin cleanup")
	}
	defer tx.Rollback() //nolint:errcheck

	query := `SELECT id FROM solutions WHERE expires_at <= ?`
	args := []any{formatTime(now)}
	if !cutoff.IsZero() {
		query += ` OR created_at < ?`
		args = append(args, formatTime(cutoff))
	}
	query += ` ORDER BY id`

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: select expired")
	}
	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, eris.Wrap(err, "sqlite: scan expired")
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: select expired iterate")
	}

	res := &CleanupResult{DeletedIDs: ids, DeletedCount: len(ids), DryRun: opts.DryRun}
	if opts.DryRun || len(ids) == 0 {
		return res, nil
	}
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `DELETE FROM solutions WHERE id = ?`, id); err != nil {
			return nil, eris.Wrapf(err, "sqlite: delete %s", id)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: commit cleanup")
	}
	zap.L().Info("store: cleanup complete", zap.Int("deleted", len(ids)))
	return res, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM solutions WHERE id = ?`, id)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: delete %s", id)
	}
	if err := checkRowsAffected(res, "solution", id); err != nil {
		if eris.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

// scanSQLiteMetadata scans the metadata columns followed by any extra
// destinations selected after them.
func scanSQLiteMetadata(row scannable, extra ...any) (*model.SolutionMetadata, error) {
	var (
		m                         model.SolutionMetadata
		created, updated, expires string
		tagsJSON                  string
	)
	dest := append([]any{
		&m.ID, &m.DesignID, &created, &updated, &expires,
		&m.TTLDays, &tagsJSON, &m.TreeCount, &m.Score, &m.IsNested,
	}, extra...)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}

	var err error
	if m.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if m.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	if m.ExpiresAt, err = parseTime(expires); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(tagsJSON), &m.Tags); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal tags")
	}
	if len(m.Tags) == 0 {
		m.Tags = nil
	}
	return &m, nil
}

func decodeSolution(data string) (*model.SupplyTreeSolution, error) {
	var sol model.SupplyTreeSolution
	if err := json.Unmarshal([]byte(data), &sol); err != nil {
		return nil, eris.Wrap(err, "store: decode solution")
	}
	return &sol, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(sqliteTime)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(sqliteTime, s)
	return t, eris.Wrapf(err, "sqlite: parse time %q", s)
}
