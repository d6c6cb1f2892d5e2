package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrUnknownKind is returned for experiment kinds outside the closed set.
var ErrUnknownKind = errors.New("unknown experiment kind")

// ExperimentKind selects the remote script family used for an experiment.
type ExperimentKind string

const (
	KindIntrinsics  ExperimentKind = "intrinsics"   // calibration / intrinsics estimation
	KindRangeImage  ExperimentKind = "range_image"  // image-based reconstruction
	KindCompression ExperimentKind = "compression"
	KindGroundTruth ExperimentKind = "ground_truth"
)

// KindSpec is the fixed record associated with an experiment kind.
type KindSpec struct {
	Kind ExperimentKind
	// Wire is the numeric kind written to the merge script and accepted in
	// definition files.
	Wire int
	// ScriptDir is relative to the remote base directory.
	ScriptDir string
	// Confirmation is written to the launch script's stdin, one line each.
	Confirmation []string
	// Preparatory is set when the first submitted job is a preparatory stage.
	Preparatory bool
}

var kindSpecs = []KindSpec{
	{Kind: KindIntrinsics, Wire: 1, ScriptDir: "scripts/slurm/intrinsics", Confirmation: []string{"y"}},
	{Kind: KindRangeImage, Wire: 2, ScriptDir: "scripts/slurm/ri_compression", Confirmation: []string{"y", "1"}, Preparatory: true},
	{Kind: KindCompression, Wire: 3, ScriptDir: "scripts/slurm/ri_compression", Confirmation: []string{"y", "2"}, Preparatory: true},
	{Kind: KindGroundTruth, Wire: 4, ScriptDir: "scripts/slurm/ground_truth", Confirmation: []string{"y"}},
}

// Kinds lists every supported kind in wire order.
func Kinds() []ExperimentKind {
	kinds := make([]ExperimentKind, len(kindSpecs))
	for i, spec := range kindSpecs {
		kinds[i] = spec.Kind
	}
	return kinds
}

// KindSpecOf resolves the fixed record of a kind.
func KindSpecOf(kind ExperimentKind) (KindSpec, error) {
	for _, spec := range kindSpecs {
		if spec.Kind == kind {
			return spec, nil
		}
	}
	return KindSpec{}, fmt.Errorf("%w: %q", ErrUnknownKind, string(kind))
}

// ParseKind accepts a kind name (case-insensitive, '-' or '_') or its wire
// number.
func ParseKind(s string) (ExperimentKind, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.Atoi(s); err == nil {
		for _, spec := range kindSpecs {
			if spec.Wire == n {
				return spec.Kind, nil
			}
		}
		return "", fmt.Errorf("%w: %d", ErrUnknownKind, n)
	}
	name := ExperimentKind(strings.ReplaceAll(strings.ToLower(s), "-", "_"))
	if _, err := KindSpecOf(name); err != nil {
		return "", err
	}
	return name, nil
}

// UnmarshalJSON accepts both "compression" and 3.
func (k *ExperimentKind) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		parsed, err := ParseKind(name)
		if err != nil {
			return err
		}
		*k = parsed
		return nil
	}
	var wire int
	if err := json.Unmarshal(data, &wire); err != nil {
		return fmt.Errorf("%w: %s", ErrUnknownKind, string(data))
	}
	parsed, err := ParseKind(strconv.Itoa(wire))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// UnmarshalYAML mirrors UnmarshalJSON for YAML definition files.
func (k *ExperimentKind) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("%w: line %d is not a scalar", ErrUnknownKind, node.Line)
	}
	parsed, err := ParseKind(node.Value)
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}
