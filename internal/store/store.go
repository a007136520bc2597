// Package store persists resolved supply-tree solutions together with their
// lifecycle metadata and garbage-collects them once their TTL runs out.
package store

import (
	"cmp"
	"context"
	"regexp"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/supplytree/internal/model"
)

// DefaultTTLDays is the TTL used when configuration does not set one.
const DefaultTTLDays = 30

const day = 24 * time.Hour

var (
	// ErrNotFound is returned when no solution exists for an id.
	ErrNotFound = eris.New("store: solution not found")
	// ErrStale is returned by LoadWithMetadata when freshness is validated
	// and the solution has expired.
	ErrStale = eris.New("store: solution is stale")
)

// SolutionStore persists solutions keyed by an opaque id.
type SolutionStore interface {
	// Save writes sol and returns its id. Writing an existing id replaces it.
	Save(ctx context.Context, sol *model.SupplyTreeSolution, opts SaveOptions) (string, error)
	Load(ctx context.Context, id string) (*model.SupplyTreeSolution, error)
	LoadWithMetadata(ctx context.Context, id string, validateFreshness bool) (*model.SupplyTreeSolution, *model.SolutionMetadata, error)
	List(ctx context.Context, filter ListFilter) ([]model.SolutionMetadata, error)
	Exists(ctx context.Context, id string) (bool, error)
	// ExtendTTL pushes the expiry of id back by days. It reports false for
	// unknown ids.
	ExtendTTL(ctx context.Context, id string, days int) (bool, error)
	Cleanup(ctx context.Context, opts CleanupOptions) (*CleanupResult, error)
	Delete(ctx context.Context, id string) (bool, error)
	Close() error
}

// SaveOptions controls how a solution is stored.
type SaveOptions struct {
	ID      string // empty generates a new id
	TTLDays int    // 0 expires the solution immediately
	Tags    []string
}

// ListFilter narrows List. Zero values disable each criterion.
type ListFilter struct {
	Tags         []string // all must be present
	DesignID     string
	MinScore     float64
	IncludeStale bool
	OnlyStale    bool
	Limit        int
}

// CleanupOptions selects what Cleanup removes. Stale solutions are always
// selected; MaxAgeDays > 0 also selects anything created before that age.
type CleanupOptions struct {
	MaxAgeDays int
	DryRun     bool
}

// CleanupResult lists the ids removed, or that would be removed on a dry run.
type CleanupResult struct {
	DeletedCount int      `json:"deleted_count"`
	DeletedIDs   []string `json:"deleted_ids"`
	DryRun       bool     `json:"dry_run"`
}

// Option configures a store backend.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithNow replaces the clock used for timestamps and staleness.
func WithNow(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// clock returns now in UTC at the microsecond precision every backend keeps.
func (o options) clock() time.Time {
	return o.now().UTC().Truncate(time.Microsecond)
}

var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

func validateID(id string) error {
	if !idPattern.MatchString(id) {
		return eris.Errorf("store: invalid solution id %q", id)
	}
	return nil
}

// newMetadata derives the metadata record written alongside sol.
func newMetadata(sol *model.SupplyTreeSolution, opts SaveOptions, now time.Time) (model.SolutionMetadata, error) {
	if sol == nil {
		return model.SolutionMetadata{}, eris.New("store: nil solution")
	}
	if opts.TTLDays < 0 {
		return model.SolutionMetadata{}, eris.Errorf("store: ttl_days must be >= 0, got %d", opts.TTLDays)
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	if err := validateID(id); err != nil {
		return model.SolutionMetadata{}, err
	}
	return model.SolutionMetadata{
		ID:        id,
		DesignID:  sol.DesignID,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(time.Duration(opts.TTLDays) * day),
		TTLDays:   opts.TTLDays,
		Tags:      normalizeTags(opts.Tags),
		TreeCount: len(sol.AllTrees),
		Score:     sol.Score,
		IsNested:  sol.IsNested,
	}, nil
}

func normalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if t != "" {
			out = append(out, t)
		}
	}
	if len(out) == 0 {
		return nil
	}
	slices.Sort(out)
	return slices.Compact(out)
}

func validateExtend(days int) error {
	if days <= 0 {
		return eris.Errorf("store: extend days must be positive, got %d", days)
	}
	return nil
}

// extend applies an ExtendTTL to m.
func extend(m *model.SolutionMetadata, days int, now time.Time) {
	m.ExpiresAt = m.ExpiresAt.Add(time.Duration(days) * day)
	m.TTLDays += days
	m.UpdatedAt = now
}

// accepts reports whether m passes every criterion of f except Limit.
func (f ListFilter) accepts(m model.SolutionMetadata, now time.Time) bool {
	stale := m.IsStale(now)
	switch {
	case f.OnlyStale && !stale:
		return false
	case !f.OnlyStale && !f.IncludeStale && stale:
		return false
	case f.DesignID != "" && m.DesignID != f.DesignID:
		return false
	case m.Score < f.MinScore:
		return false
	}
	return m.HasTags(f.Tags)
}

// sortMetadata orders newest first, then by id.
func sortMetadata(metas []model.SolutionMetadata) {
	slices.SortFunc(metas, func(a, b model.SolutionMetadata) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}

func applyLimit(metas []model.SolutionMetadata, limit int) []model.SolutionMetadata {
	if limit > 0 && len(metas) > limit {
		return metas[:limit]
	}
	return metas
}

// cleanupCutoff returns the creation time before which solutions are too
// old, or the zero time when age is not a criterion.
func (o CleanupOptions) cleanupCutoff(now time.Time) time.Time {
	if o.MaxAgeDays <= 0 {
		return time.Time{}
	}
	return now.Add(-time.Duration(o.MaxAgeDays) * day)
}

// selectForCleanup returns the sorted ids Cleanup removes from metas.
func selectForCleanup(metas []model.SolutionMetadata, opts CleanupOptions, now time.Time) []string {
	cutoff := opts.cleanupCutoff(now)
	ids := []string{}
	for _, m := range metas {
		if m.IsStale(now) || (!cutoff.IsZero() && m.CreatedAt.Before(cutoff)) {
			ids = append(ids, m.ID)
		}
	}
	slices.Sort(ids)
	return ids
}
