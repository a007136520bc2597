package store

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/supplytree/internal/model"
)

const (
	solutionSuffix = ".json"
	metadataSuffix = ".meta.json"
)

// FileStore keeps each solution as a pair of JSON files in one directory:
// <id>.json holds the solution and <id>.meta.json its metadata. The
// metadata file is written last, so its presence marks a complete save.
type FileStore struct {
	dir  string
	opts options

	mu    sync.Mutex
	locks map[string]*sync.RWMutex
}

// NewFileStore creates dir if needed and returns a store rooted there.
func NewFileStore(dir string, opts ...Option) (*FileStore, error) {
	if dir == "" {
		return nil, eris.New("file store: directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, eris.Wrapf(err, "file store: create %s", dir)
	}
	return &FileStore{dir: dir, opts: buildOptions(opts), locks: make(map[string]*sync.RWMutex)}, nil
}

func (s *FileStore) lock(id string) *sync.RWMutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.RWMutex{}
		s.locks[id] = l
	}
	return l
}

func (s *FileStore) solutionPath(id string) string { return filepath.Join(s.dir, id+solutionSuffix) }
func (s *FileStore) metadataPath(id string) string { return filepath.Join(s.dir, id+metadataSuffix) }

func (s *FileStore) Save(ctx context.Context, sol *model.SupplyTreeSolution, opts SaveOptions) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	meta, err := newMetadata(sol, opts, s.opts.clock())
	if err != nil {
		return "", err
	}

	l := s.lock(meta.ID)
	l.Lock()
	defer l.Unlock()

	if err := s.writeJSON(s.solutionPath(meta.ID), sol); err != nil {
		return "", eris.Wrapf(err, "file store: save solution %s", meta.ID)
	}
	if err := s.writeJSON(s.metadataPath(meta.ID), meta); err != nil {
		return "", eris.Wrapf(err, "file store: save metadata %s", meta.ID)
	}
	zap.L().Debug("store: solution saved",
		zap.String("id", meta.ID),
		zap.String("design_id", meta.DesignID),
		zap.Int("ttl_days", meta.TTLDays),
	)
	return meta.ID, nil
}

func (s *FileStore) Load(ctx context.Context, id string) (*model.SupplyTreeSolution, error) {
	sol, _, err := s.LoadWithMetadata(ctx, id, false)
	return sol, err
}

func (s *FileStore) LoadWithMetadata(ctx context.Context, id string, validateFreshness bool) (*model.SupplyTreeSolution, *model.SolutionMetadata, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	if validateID(id) != nil {
		return nil, nil, eris.Wrapf(ErrNotFound, "file store: load %q", id)
	}

	l := s.lock(id)
	l.RLock()
	defer l.RUnlock()

	var meta model.SolutionMetadata
	if err := readJSON(s.metadataPath(id), &meta); err != nil {
		return nil, nil, eris.Wrapf(err, "file store: load metadata %s", id)
	}
	if validateFreshness && meta.IsStale(s.opts.clock()) {
		return nil, nil, eris.Wrapf(ErrStale, "file store: solution %s expired at %s", id, meta.ExpiresAt)
	}
	var sol model.SupplyTreeSolution
	if err := readJSON(s.solutionPath(id), &sol); err != nil {
		return nil, nil, eris.Wrapf(err, "file store: load solution %s", id)
	}
	return &sol, &meta, nil
}

func (s *FileStore) List(ctx context.Context, filter ListFilter) ([]model.SolutionMetadata, error) {
	metas, err := s.allMetadata(ctx)
	if err != nil {
		return nil, err
	}
	now := s.opts.clock()
	out := make([]model.SolutionMetadata, 0, len(metas))
	for _, m := range metas {
		if filter.accepts(m, now) {
			out = append(out, m)
		}
	}
	sortMetadata(out)
	return applyLimit(out, filter.Limit), nil
}

func (s *FileStore) Exists(ctx context.Context, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if validateID(id) != nil {
		return false, nil
	}
	_, err := os.Stat(s.metadataPath(id))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return err == nil, eris.Wrapf(err, "file store: stat %s", id)
}

func (s *FileStore) ExtendTTL(ctx context.Context, id string, days int) (bool, error) {
	if err := validateExtend(days); err != nil {
		return false, err
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if validateID(id) != nil {
		return false, nil
	}

	l := s.lock(id)
	l.Lock()
	defer l.Unlock()

	var meta model.SolutionMetadata
	if err := readJSON(s.metadataPath(id), &meta); err != nil {
		if eris.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, eris.Wrapf(err, "file store: extend %s", id)
	}
	extend(&meta, days, s.opts.clock())
	if err := s.writeJSON(s.metadataPath(id), meta); err != nil {
		return false, eris.Wrapf(err, "file store: extend %s", id)
	}
	return true, nil
}

func (s *FileStore) Cleanup(ctx context.Context, opts CleanupOptions) (*CleanupResult, error) {
	metas, err := s.allMetadata(ctx)
	if err != nil {
		return nil, err
	}
	ids := selectForCleanup(metas, opts, s.opts.clock())
	res := &CleanupResult{DeletedIDs: ids, DeletedCount: len(ids), DryRun: opts.DryRun}
	if opts.DryRun {
		return res, nil
	}
	for _, id := range ids {
		if _, err := s.Delete(ctx, id); err != nil {
			return nil, eris.Wrap(err, "file store: cleanup")
		}
	}
	zap.L().Info("store: cleanup complete", zap.Int("deleted", len(ids)))
	return res, nil
}

func (s *FileStore) Delete(ctx context.Context, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if validateID(id) != nil {
		return false, nil
	}

	l := s.lock(id)
	l.Lock()
	defer l.Unlock()

	err := os.Remove(s.metadataPath(id))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, eris.Wrapf(err, "file store: delete metadata %s", id)
	}
	if err := os.Remove(s.solutionPath(id)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return false, eris.Wrapf(err, "file store: delete solution %s", id)
	}
	return true, nil
}

// Close is a no-op; FileStore holds no open handles.
func (s *FileStore) Close() error { return nil }

func (s *FileStore) allMetadata(ctx context.Context) ([]model.SolutionMetadata, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, eris.Wrapf(err, "file store: read %s", s.dir)
	}
	var out []model.SolutionMetadata
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, metadataSuffix) {
			continue
		}
		var meta model.SolutionMetadata
		if err := readJSON(filepath.Join(s.dir, name), &meta); err != nil {
			// Deleted between ReadDir and read, or corrupt.
			zap.L().Warn("store: skipping metadata", zap.String("file", name), zap.Error(err))
			continue
		}
		out = append(out, meta)
	}
	return out, nil
}

// writeJSON writes v to path through a temp file and rename so readers
// never observe a partial document.
func (s *FileStore) writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return eris.Wrap(err, "marshal")
	}
	tmp, err := os.CreateTemp(s.dir, ".tmp-*")
	if err != nil {
		return eris.Wrap(err, "create temp file")
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck // already renamed on success

	if _, err := tmp.Write(data); err != nil {
		tmp.Close() //nolint:errcheck
		return eris.Wrap(err, "write temp file")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close() //nolint:errcheck
		return eris.Wrap(err, "sync temp file")
	}
	if err := tmp.Close(); err != nil {
		return eris.Wrap(err, "close temp file")
	}
	return eris.Wrap(os.Rename(tmp.Name(), path), "rename")
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return ErrNotFound
	}
	if err != nil {
		return eris.Wrap(err, "read")
	}
	return eris.Wrap(json.Unmarshal(data, v), "decode")
}
