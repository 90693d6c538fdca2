package action

import (
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/opkit/internal/task"
)

// Kind selects which execution path an action takes.
type Kind string

const (
	KindCommand   Kind = "command"
	KindScript    Kind = "script"
	KindExtension Kind = "extension"
)

func (k Kind) valid() bool {
	return k == KindCommand || k == KindScript || k == KindExtension
}

// ScriptSpec points at a script file plus its argument template. Argument
// entries may contain positional placeholders {1}..{n} resolved against the
// ordered parameter list supplied at submit time.
type ScriptSpec struct {
	Path string   `yaml:"path"`
	Args []string `yaml:"args,omitempty"`
}

// ExtensionSpec names an in-process extension module and entry point.
type ExtensionSpec struct {
	Module     string            `yaml:"module"`
	EntryPoint string            `yaml:"entry_point"`
	Params     map[string]string `yaml:"params,omitempty"`
}

// Descriptor is the declarative description of one runnable operation.
// It is immutable once loaded; the engine only reads it.
type Descriptor struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name,omitempty"`
	Description string `yaml:"description,omitempty"`
	Kind        Kind   `yaml:"kind"`

	// Exactly one of the following is populated, matching Kind.
	Command   string         `yaml:"command,omitempty"`
	Script    *ScriptSpec    `yaml:"script,omitempty"`
	Extension *ExtensionSpec `yaml:"extension,omitempty"`

	WorkDir      string   `yaml:"workdir,omitempty"`
	Env          []string `yaml:"env,omitempty"`
	Timeout      Duration `yaml:"timeout,omitempty"`
	SingleFlight bool     `yaml:"single_flight,omitempty"`
}

// Validate enforces the kind invariant: the kind is known and exactly the
// matching kind-specific field is populated.
func (d *Descriptor) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("%w: id is empty", task.ErrInvalidDescriptor)
	}
	if !d.Kind.valid() {
		return fmt.Errorf("%w: action %q has unknown kind %q", task.ErrInvalidDescriptor, d.ID, d.Kind)
	}

	populated := 0
	if d.Command != "" {
		populated++
	}
	if d.Script != nil {
		populated++
	}
	if d.Extension != nil {
		populated++
	}
	if populated != 1 {
		return fmt.Errorf("%w: action %q must populate exactly one of command/script/extension, got %d",
			task.ErrInvalidDescriptor, d.ID, populated)
	}

	switch d.Kind {
	case KindCommand:
		if d.Command == "" {
			return fmt.Errorf("%w: action %q has kind command but no command line", task.ErrInvalidDescriptor, d.ID)
		}
	case KindScript:
		if d.Script == nil || d.Script.Path == "" {
			return fmt.Errorf("%w: action %q has kind script but no script path", task.ErrInvalidDescriptor, d.ID)
		}
	case KindExtension:
		if d.Extension == nil || d.Extension.Module == "" || d.Extension.EntryPoint == "" {
			return fmt.Errorf("%w: action %q has kind extension but no module/entry_point", task.ErrInvalidDescriptor, d.ID)
		}
	}
	return nil
}

// Fingerprint returns the BLAKE3 hash of the descriptor's canonical YAML
// serialization. Two identical descriptors always hash the same, so the
// fingerprint can be used to detect catalog drift between runs.
func (d *Descriptor) Fingerprint() (string, error) {
	data, err := yaml.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("marshal descriptor: %w", err)
	}
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
