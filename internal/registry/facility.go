package registry

import (
	"os"

	"github.com/rotisserie/eris"

	"github.com/sells-group/supplytree/internal/fetcher"
	"github.com/sells-group/supplytree/internal/model"
)

type facilityFile struct {
	Facilities []model.Facility `json:"facilities" yaml:"facilities"`
}

// ParseFacilities decodes a facility pool. The document is either an object
// with a facilities list or a bare list. Malformed facilities are kept; the
// capability index decides what to skip.
func ParseFacilities(name string, data []byte) ([]model.Facility, error) {
	doc := &fetcher.Document{URL: name, Body: data}
	if f, err := fetcher.DecodeDocument[facilityFile](doc); err == nil {
		return f.Facilities, nil
	}
	list, err := fetcher.DecodeDocument[[]model.Facility](doc)
	if err != nil {
		return nil, eris.Wrapf(err, "registry: decode facilities %s", name)
	}
	return *list, nil
}

// LoadFacilities reads a facility pool from a file, or from every document
// file of a directory concatenated in lexical order.
func LoadFacilities(path string) ([]model.Facility, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, eris.Wrap(err, "registry: stat facilities")
	}

	paths := []string{path}
	if info.IsDir() {
		if paths, err = documentFiles(path); err != nil {
			return nil, err
		}
	}

	var out []model.Facility
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, eris.Wrap(err, "registry: read facilities")
		}
		fs, err := ParseFacilities(p, data)
		if err != nil {
			return nil, err
		}
		out = append(out, fs...)
	}
	return out, nil
}
