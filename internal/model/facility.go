package model

// Facility is a capability provider: a site exposing manufacturing equipment.
type Facility struct {
	ID        string      `json:"id" yaml:"id"`
	Name      string      `json:"name,omitempty" yaml:"name,omitempty"`
	Location  string      `json:"location,omitempty" yaml:"location,omitempty"`
	Equipment []Equipment `json:"equipment,omitempty" yaml:"equipment,omitempty"`
}

// DisplayName returns the facility name, falling back to its ID.
func (f Facility) DisplayName() string {
	if f.Name != "" {
		return f.Name
	}
	return f.ID
}

// Equipment is a single machine or line at a facility.
type Equipment struct {
	ID          string   `json:"id,omitempty" yaml:"id,omitempty"`
	Name        string   `json:"name,omitempty" yaml:"name,omitempty"`
	Process     string   `json:"process,omitempty" yaml:"process,omitempty"`
	Processes   []string `json:"processes,omitempty" yaml:"processes,omitempty"`
	Materials   []string `json:"materials,omitempty" yaml:"materials,omitempty"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
}

// AllProcesses returns Process followed by Processes, skipping blanks.
func (e Equipment) AllProcesses() []string {
	var out []string
	if e.Process != "" {
		out = append(out, e.Process)
	}
	for _, p := range e.Processes {
		if p != "" && p != e.Process {
			out = append(out, p)
		}
	}
	return out
}
