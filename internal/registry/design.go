// Package registry loads designs and facility pools from YAML or JSON files.
package registry

import (
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/supplytree/internal/fetcher"
	"github.com/sells-group/supplytree/internal/model"
)

var documentExts = []string{".yaml", ".yml", ".json"}

// ParseDesign decodes a design document and validates it. name is used to
// pick the format by extension when the content is ambiguous.
func ParseDesign(name string, data []byte) (*model.Design, error) {
	d, err := fetcher.DecodeDocument[model.Design](&fetcher.Document{URL: name, Body: data})
	if err != nil {
		return nil, eris.Wrapf(err, "registry: decode design %s", name)
	}
	if err := d.Validate(); err != nil {
		return nil, eris.Wrapf(err, "registry: %s", name)
	}
	return d, nil
}

// LoadDesign reads and validates a single design file.
func LoadDesign(path string) (*model.Design, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "registry: read design")
	}
	return ParseDesign(path, data)
}

// LoadDesignDir reads every design file in dir, keyed by design ID. Files
// that fail to parse are skipped with a warning; a duplicate ID keeps the
// first file in lexical order.
func LoadDesignDir(dir string) (map[string]*model.Design, error) {
	paths, err := documentFiles(dir)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*model.Design, len(paths))
	for _, p := range paths {
		d, err := LoadDesign(p)
		if err != nil {
			zap.L().Warn("registry: skipping malformed design", zap.String("path", p), zap.Error(err))
			continue
		}
		if _, dup := out[d.ID]; dup {
			zap.L().Warn("registry: duplicate design id", zap.String("id", d.ID), zap.String("path", p))
			continue
		}
		out[d.ID] = d
	}
	return out, nil
}

func documentFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, eris.Wrapf(err, "registry: read dir %s", dir)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || !slices.Contains(documentExts, strings.ToLower(filepath.Ext(e.Name()))) {
			continue
		}
		out = append(out, filepath.Join(dir, e.Name()))
	}
	return out, nil
}
