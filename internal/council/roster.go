package council

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/foursages/sagebus/internal/envelope"
)

// SageSpec defines one known identity in the council roster (sages.yaml).
type SageSpec struct {
	ID          string `yaml:"id" json:"id"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// MinPriority, when set, is the lowest priority this sage should be
	// addressed with (1..5). Zero means no floor.
	MinPriority int `yaml:"minPriority,omitempty" json:"minPriority,omitempty"`
}

type rosterFile struct {
	Sages []SageSpec `yaml:"sages"`
}

// LoadRoster reads and parses a sages.yaml file. A missing file is not an
// error: the caller falls back to DefaultSages.
func LoadRoster(path string) ([]SageSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read sages.yaml: %w", err)
	}

	var f rosterFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse sages.yaml: %w", err)
	}
	for _, s := range f.Sages {
		if s.ID == "" {
			return nil, fmt.Errorf("sages.yaml: sage with empty id")
		}
		if s.MinPriority != 0 && !envelope.Priority(s.MinPriority).Valid() {
			return nil, fmt.Errorf("sages.yaml: %s: minPriority %d out of range", s.ID, s.MinPriority)
		}
	}
	return f.Sages, nil
}

// Identities flattens a roster into the ordered identity list.
func Identities(specs []SageSpec) []string {
	ids := make([]string, 0, len(specs))
	for _, s := range specs {
		ids = append(ids, s.ID)
	}
	return ids
}
