package capability

import (
	_ "embed"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

//go:embed taxonomy.yaml
var defaultTaxonomyYAML []byte

// Process is one taxonomy entry. URI is the canonical form and Code and Label
// are exact equivalents of it. Aliases are related terms (sub-processes,
// trade names) that only the heuristic layers may treat as the process.
type Process struct {
	URI     string   `yaml:"uri"`
	Code    string   `yaml:"code"`
	Label   string   `yaml:"label"`
	Aliases []string `yaml:"aliases"`
}

// Names returns the exact identifiers of the process, canonical URI first.
func (p Process) Names() []string {
	names := []string{p.URI}
	if p.Code != "" {
		names = append(names, p.Code)
	}
	if p.Label != "" {
		names = append(names, p.Label)
	}
	return names
}

// Terms returns Names followed by the aliases.
func (p Process) Terms() []string {
	return append(p.Names(), p.Aliases...)
}

// Taxonomy maps equivalent process identifiers to a canonical URI.
type Taxonomy struct {
	processes []Process
	byURI     map[string]int
	byKey     map[string]string
	byAlias   map[string]string
}

// NewTaxonomy builds a taxonomy from process entries. Entries without a URI
// are dropped. When two entries claim the same identifier the first wins.
func NewTaxonomy(processes []Process) *Taxonomy {
	t := &Taxonomy{
		byURI:   make(map[string]int, len(processes)),
		byKey:   make(map[string]string, len(processes)*3),
		byAlias: make(map[string]string, len(processes)*4),
	}
	for _, p := range processes {
		p.URI = strings.TrimSpace(p.URI)
		if p.URI == "" {
			continue
		}
		if _, dup := t.byURI[p.URI]; dup {
			continue
		}
		t.byURI[p.URI] = len(t.processes)
		t.processes = append(t.processes, p)
		for _, name := range p.Names() {
			key := Fold(name)
			if key == "" {
				continue
			}
			if _, taken := t.byKey[key]; !taken {
				t.byKey[key] = p.URI
			}
		}
		for _, alias := range p.Aliases {
			key := Fold(alias)
			if key == "" {
				continue
			}
			if _, taken := t.byAlias[key]; !taken {
				t.byAlias[key] = p.URI
			}
		}
	}
	return t
}

// DefaultTaxonomy returns the built-in process taxonomy.
func DefaultTaxonomy() *Taxonomy {
	t, err := parseTaxonomy(defaultTaxonomyYAML)
	if err != nil {
		panic(eris.Wrap(err, "capability: embedded taxonomy"))
	}
	return t
}

// LoadTaxonomy reads a taxonomy YAML file. An empty path yields the default.
func LoadTaxonomy(path string) (*Taxonomy, error) {
	if path == "" {
		return DefaultTaxonomy(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "capability: read taxonomy %s", path)
	}
	t, err := parseTaxonomy(data)
	if err != nil {
		return nil, eris.Wrapf(err, "capability: taxonomy %s", path)
	}
	return t, nil
}

func parseTaxonomy(data []byte) (*Taxonomy, error) {
	var doc struct {
		Processes []Process `yaml:"processes"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, eris.Wrap(err, "parse")
	}
	for i, p := range doc.Processes {
		if strings.TrimSpace(p.URI) == "" {
			return nil, eris.Errorf("processes[%d].uri: required", i)
		}
	}
	return NewTaxonomy(doc.Processes), nil
}

// Canonical resolves an identifier to its canonical URI. Unknown identifiers
// are returned trimmed and lower-cased so that they still compare equal to
// themselves.
func (t *Taxonomy) Canonical(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return ""
	}
	if t != nil {
		if uri, ok := t.byKey[Fold(id)]; ok {
			return uri
		}
	}
	return strings.ToLower(id)
}

// Resolve maps an exact identifier or an alias to a taxonomy URI. Alias hits
// are only a relation, never an identity: Canonical ignores them.
func (t *Taxonomy) Resolve(id string) (uri string, viaAlias bool, ok bool) {
	if t == nil {
		return "", false, false
	}
	key := Fold(id)
	if uri, ok := t.byKey[key]; ok {
		return uri, false, true
	}
	if uri, ok := t.byAlias[key]; ok {
		return uri, true, true
	}
	return "", false, false
}

// Known reports whether id names a taxonomy entry, exactly or by alias.
func (t *Taxonomy) Known(id string) bool {
	_, _, ok := t.Resolve(id)
	return ok
}

// Process returns the entry for a canonical URI.
func (t *Taxonomy) Process(uri string) (Process, bool) {
	if t == nil {
		return Process{}, false
	}
	i, ok := t.byURI[uri]
	if !ok {
		return Process{}, false
	}
	return t.processes[i], true
}

// Processes returns every entry in declaration order.
func (t *Taxonomy) Processes() []Process {
	if t == nil {
		return nil
	}
	out := make([]Process, len(t.processes))
	copy(out, t.processes)
	return out
}

// Label returns a human label for a canonical URI, or the URI itself.
func (t *Taxonomy) Label(uri string) string {
	if p, ok := t.Process(uri); ok && p.Label != "" {
		return p.Label
	}
	return uri
}
