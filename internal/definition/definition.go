// Package definition turns operator input into pending experiments: either
// one experiment given as discrete fields or a batch file listing several.
package definition

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/expctl/pkg/types"
)

var (
	// ErrInvalidOption is returned for option tokens that are not KEY=VALUE.
	ErrInvalidOption = errors.New("invalid build option")
	// ErrEmptyDefinition is returned for batch files without experiments.
	ErrEmptyDefinition = errors.New("definition file contains no experiments")
)

// Definition describes one experiment before it is queued. "type" and
// "build_options" are accepted as aliases of "kind" and "options".
type Definition struct {
	Label        string               `json:"label" yaml:"label"`
	Description  string               `json:"description" yaml:"description"`
	Kind         types.ExperimentKind `json:"kind,omitempty" yaml:"kind,omitempty"`
	Type         types.ExperimentKind `json:"type,omitempty" yaml:"type,omitempty"`
	Options      map[string]bool      `json:"options,omitempty" yaml:"options,omitempty"`
	BuildOptions map[string]bool      `json:"build_options,omitempty" yaml:"build_options,omitempty"`
}

// Set is the top-level layout of a batch file.
type Set struct {
	Experiments []Definition `json:"experiments" yaml:"experiments"`
}

// ParseOptions parses whitespace-separated KEY=ON|OFF tokens. Any value
// other than ON (case-insensitive) is false.
func ParseOptions(s string) (map[string]bool, error) {
	opts := map[string]bool{}
	for _, token := range strings.Fields(s) {
		key, value, ok := strings.Cut(token, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("%w: %q (want KEY=ON|OFF)", ErrInvalidOption, token)
		}
		opts[key] = strings.EqualFold(value, "ON")
	}
	return opts, nil
}

// FromFields builds a single pending experiment.
func FromFields(kind, label, description, options string) (*types.Experiment, error) {
	k, err := types.ParseKind(kind)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(label) == "" {
		return nil, errors.New("experiment label is required")
	}
	opts, err := ParseOptions(options)
	if err != nil {
		return nil, err
	}
	return types.NewExperiment(k, label, description, opts), nil
}

// LoadFile reads a JSON or YAML batch file, chosen by extension (JSON when
// the extension is unknown).
func LoadFile(path string) ([]*types.Experiment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read definition file: %w", err)
	}

	var set Set
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &set)
	default:
		err = json.Unmarshal(data, &set)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse definition file %s: %w", path, err)
	}
	return set.Build()
}

// Build converts every definition into a pending experiment.
func (s Set) Build() ([]*types.Experiment, error) {
	if len(s.Experiments) == 0 {
		return nil, ErrEmptyDefinition
	}
	experiments := make([]*types.Experiment, 0, len(s.Experiments))
	for i, d := range s.Experiments {
		e, err := d.Build()
		if err != nil {
			return nil, fmt.Errorf("experiment #%d: %w", i+1, err)
		}
		experiments = append(experiments, e)
	}
	return experiments, nil
}

// Build converts one definition into a pending experiment.
func (d Definition) Build() (*types.Experiment, error) {
	kind := d.Kind
	if kind == "" {
		kind = d.Type
	}
	if _, err := types.KindSpecOf(kind); err != nil {
		return nil, err
	}
	if strings.TrimSpace(d.Label) == "" {
		return nil, errors.New("experiment label is required")
	}
	opts := d.Options
	if opts == nil {
		opts = d.BuildOptions
	}
	return types.NewExperiment(kind, d.Label, d.Description, opts), nil
}
