package model

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
)

// BOMType describes where a design's bill of materials lives.
type BOMType string

const (
	BOMTypeEmbedded BOMType = "embedded"
	BOMTypeExternal BOMType = "external"
)

// Requirement is a single process (or classification code) that some
// facility must satisfy. Requirements are read-only once extracted.
type Requirement struct {
	ID          string            `json:"id,omitempty" yaml:"id,omitempty"`
	Process     string            `json:"process,omitempty" yaml:"process,omitempty"`
	Material    string            `json:"material,omitempty" yaml:"material,omitempty"`
	Description string            `json:"description,omitempty" yaml:"description,omitempty"`
	Parameters  map[string]string `json:"parameters,omitempty" yaml:"parameters,omitempty"`
}

// Key returns the identifier used to report this requirement: the explicit
// ID when set, otherwise the process, otherwise the material.
func (r Requirement) Key() string {
	switch {
	case r.ID != "":
		return r.ID
	case r.Process != "":
		return r.Process
	default:
		return r.Material
	}
}

// Text joins every free-text attribute of the requirement for similarity
// matching.
func (r Requirement) Text() string {
	parts := []string{r.Process, r.Material, r.Description}
	for _, v := range r.Parameters {
		parts = append(parts, v)
	}
	return strings.TrimSpace(strings.Join(parts, " "))
}

// IsEmpty reports whether the requirement names neither a process nor a material.
func (r Requirement) IsEmpty() bool {
	return strings.TrimSpace(r.Process) == "" && strings.TrimSpace(r.Material) == ""
}

// Component is a node in a design's bill of materials.
type Component struct {
	ID          string      `json:"id" yaml:"id"`
	Name        string      `json:"name,omitempty" yaml:"name,omitempty"`
	Process     string      `json:"process,omitempty" yaml:"process,omitempty"`
	Processes   []string    `json:"processes,omitempty" yaml:"processes,omitempty"`
	Material    string      `json:"material,omitempty" yaml:"material,omitempty"`
	Description string      `json:"description,omitempty" yaml:"description,omitempty"`
	Quantity    float64     `json:"quantity,omitempty" yaml:"quantity,omitempty"`
	Ref         string      `json:"ref,omitempty" yaml:"ref,omitempty"`
	Optional    bool        `json:"optional,omitempty" yaml:"optional,omitempty"`
	Children    []Component `json:"children,omitempty" yaml:"children,omitempty"`
}

// Requirements derives the component's own requirements. A component with
// only a material yields a single material requirement; a component with
// neither yields none.
func (c Component) Requirements() []Requirement {
	var procs []string
	if strings.TrimSpace(c.Process) != "" {
		procs = append(procs, c.Process)
	}
	for _, p := range c.Processes {
		if strings.TrimSpace(p) != "" && p != c.Process {
			procs = append(procs, p)
		}
	}

	if len(procs) == 0 {
		if strings.TrimSpace(c.Material) == "" {
			return nil
		}
		return []Requirement{{
			ID:          c.ID + ":" + c.Material,
			Material:    c.Material,
			Description: c.Description,
		}}
	}

	reqs := make([]Requirement, 0, len(procs))
	for _, p := range procs {
		reqs = append(reqs, Requirement{
			ID:          c.ID + ":" + p,
			Process:     p,
			Material:    c.Material,
			Description: c.Description,
		})
	}
	return reqs
}

// DisplayName returns the component name, falling back to its ID.
func (c Component) DisplayName() string {
	if c.Name != "" {
		return c.Name
	}
	return c.ID
}

// Design is the input description of what must be manufactured.
type Design struct {
	ID           string        `json:"id" yaml:"id"`
	Name         string        `json:"name,omitempty" yaml:"name,omitempty"`
	Version      string        `json:"version,omitempty" yaml:"version,omitempty"`
	Requirements []Requirement `json:"requirements,omitempty" yaml:"requirements,omitempty"`
	Parts        []Component   `json:"parts,omitempty" yaml:"parts,omitempty"`
	BOMRef       string        `json:"bom_ref,omitempty" yaml:"bom_ref,omitempty"`
}

// Validate checks the design for malformed fields and reports the first
// offending field by path.
func (d *Design) Validate() error {
	if d == nil {
		return eris.New("design: nil design")
	}
	if strings.TrimSpace(d.ID) == "" {
		return eris.New("design: id: required")
	}
	for i, r := range d.Requirements {
		if r.IsEmpty() {
			return eris.Errorf("design %s: requirements[%d]: process or material required", d.ID, i)
		}
	}
	for i, p := range d.Parts {
		if err := validateComponent(p, fmt.Sprintf("parts[%d]", i)); err != nil {
			return eris.Wrapf(err, "design %s", d.ID)
		}
	}
	return nil
}

func validateComponent(c Component, field string) error {
	if strings.TrimSpace(c.ID) == "" {
		return eris.Errorf("%s.id: required", field)
	}
	if c.Quantity < 0 {
		return eris.Errorf("%s.quantity: must not be negative", field)
	}
	for i, child := range c.Children {
		if err := validateComponent(child, fmt.Sprintf("%s.children[%d]", field, i)); err != nil {
			return err
		}
	}
	return nil
}
