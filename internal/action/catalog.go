package action

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// catalogNode is one node of the action-tree document: either a group with
// nested items or a leaf descriptor.
type catalogNode struct {
	Group      string        `yaml:"group,omitempty"`
	Items      []catalogNode `yaml:"items,omitempty"`
	Descriptor `yaml:",inline"`
}

type catalogDoc struct {
	Actions []catalogNode `yaml:"actions"`
}

// LoadCatalog reads an action catalog file and flattens its tree into a
// validated, ordered list of descriptors. Group nodes exist for the visual
// shell; the engine only cares about the leaves.
func LoadCatalog(path string) ([]Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read action catalog: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog parses and validates a catalog document.
func ParseCatalog(data []byte) ([]Descriptor, error) {
	var doc catalogDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse action catalog: %w", err)
	}

	var out []Descriptor
	seen := make(map[string]bool)
	if err := flatten(doc.Actions, seen, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func flatten(nodes []catalogNode, seen map[string]bool, out *[]Descriptor) error {
	for _, n := range nodes {
		if n.Group != "" {
			if err := flatten(n.Items, seen, out); err != nil {
				return err
			}
			continue
		}

		d := n.Descriptor
		if err := d.Validate(); err != nil {
			return err
		}
		if seen[d.ID] {
			return fmt.Errorf("duplicate action id %q in catalog", d.ID)
		}
		seen[d.ID] = true
		*out = append(*out, d)
	}
	return nil
}
