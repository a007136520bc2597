package bom

import (
	"context"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/supplytree/internal/fetcher"
	"github.com/sells-group/supplytree/internal/model"
	"github.com/sells-group/supplytree/internal/registry"
)

// Loader resolves an external design reference.
type Loader interface {
	Load(ctx context.Context, ref string) (*model.Design, error)
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc func(ctx context.Context, ref string) (*model.Design, error)

// Load implements Loader.
func (f LoaderFunc) Load(ctx context.Context, ref string) (*model.Design, error) {
	return f(ctx, ref)
}

// StaticLoader resolves references by design ID from an in-memory set.
type StaticLoader map[string]*model.Design

// Load implements Loader.
func (s StaticLoader) Load(_ context.Context, ref string) (*model.Design, error) {
	d, ok := s[ref]
	if !ok {
		return nil, eris.Errorf("bom: unknown design %q", ref)
	}
	return d, nil
}

// FileLoader reads design files. Relative references resolve against BaseDir
// and may not escape it.
type FileLoader struct {
	BaseDir string
}

// Load implements Loader.
func (f *FileLoader) Load(ctx context.Context, ref string) (*model.Design, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p := strings.TrimPrefix(ref, "file://")
	if !filepath.IsAbs(p) {
		base := f.BaseDir
		if base == "" {
			base = "."
		}
		p = filepath.Join(base, p)
		rel, err := filepath.Rel(base, p)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return nil, eris.Errorf("bom: reference %q escapes %s", ref, base)
		}
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, eris.Wrapf(err, "bom: read %s", p)
	}
	return registry.ParseDesign(p, data)
}

// HTTPLoader fetches design documents over HTTP(S).
type HTTPLoader struct {
	Fetcher fetcher.Fetcher
}

// Load implements Loader.
func (h *HTTPLoader) Load(ctx context.Context, ref string) (*model.Design, error) {
	doc, err := h.Fetcher.Fetch(ctx, ref)
	if err != nil {
		return nil, err
	}
	d, err := fetcher.DecodeDocument[model.Design](doc)
	if err != nil {
		return nil, eris.Wrapf(err, "bom: decode %s", ref)
	}
	if err := d.Validate(); err != nil {
		return nil, eris.Wrapf(err, "bom: %s", ref)
	}
	return d, nil
}

// MultiLoader routes a reference by scheme: http and https to HTTP, file and
// bare paths to File. A bare reference naming a design in Static is served
// from memory first.
type MultiLoader struct {
	Static StaticLoader
	File   Loader
	HTTP   Loader
}

// Load implements Loader.
func (m *MultiLoader) Load(ctx context.Context, ref string) (*model.Design, error) {
	var target Loader
	switch scheme(ref) {
	case "http", "https":
		target = m.HTTP
	case "file":
		target = m.File
	case "":
		if d, ok := m.Static[ref]; ok {
			return d, nil
		}
		target = m.File
	default:
		return nil, eris.Errorf("bom: unsupported reference scheme in %q", ref)
	}
	if target == nil {
		return nil, eris.Errorf("bom: no loader for %q", ref)
	}
	return target.Load(ctx, ref)
}

func scheme(ref string) string {
	u, err := url.Parse(ref)
	if err != nil || len(u.Scheme) < 2 {
		// Single letters are Windows drive names.
		return ""
	}
	return strings.ToLower(u.Scheme)
}

// WithTimeout bounds every Load of l.
func WithTimeout(l Loader, timeout time.Duration) Loader {
	return LoaderFunc(func(ctx context.Context, ref string) (*model.Design, error) {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return l.Load(ctx, ref)
	})
}
