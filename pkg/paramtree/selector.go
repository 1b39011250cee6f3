// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package paramtree

import (
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/gomlx/gomlx/pkg/support/sets"
	"github.com/gomlx/gomlx/pkg/support/xslices"
	"github.com/pkg/errors"
)

// Selector decides which parameters (by their flattened path) are updated by a training step.
type Selector interface {
	// Match returns whether the parameter at the given flattened path is trainable.
	Match(path string) bool

	fmt.Stringer
}

// Selector modes accepted by ParseSelector.
const (
	ModeSubstring = "substring"
	ModeLayers    = "layers"
	ModeRegexp    = "regexp"
)

// DefaultMarkers are the substrings selecting the expanded blocks of a Gemma-Pro model.
var DefaultMarkers = []string{"20", "6", "13"}

// SubstringSelector matches any path containing at least one of the Markers.
//
// Notice this is plain substring containment: marker "20" also matches "layer_120" or "layer_200".
type SubstringSelector struct {
	Markers []string
}

// NewSubstringSelector creates a SubstringSelector. It fails if no markers are given or a marker is empty.
func NewSubstringSelector(markers ...string) (*SubstringSelector, error) {
	if len(markers) == 0 {
		return nil, errors.New("substring selector requires at least one marker")
	}
	for _, marker := range markers {
		if marker == "" {
			return nil, errors.Errorf("substring selector markers cannot be empty, got %q", markers)
		}
	}
	return &SubstringSelector{Markers: slices.Clone(markers)}, nil
}

// DefaultSelector returns the SubstringSelector with the DefaultMarkers.
func DefaultSelector() *SubstringSelector {
	return &SubstringSelector{Markers: slices.Clone(DefaultMarkers)}
}

// Match implements Selector.
func (s *SubstringSelector) Match(path string) bool {
	for _, marker := range s.Markers {
		if strings.Contains(path, marker) {
			return true
		}
	}
	return false
}

// String implements fmt.Stringer.
func (s *SubstringSelector) String() string {
	return fmt.Sprintf("%s(%s)", ModeSubstring, strings.Join(s.Markers, ","))
}

// LayerSelector matches paths of parameters belonging to one of the given layer indices.
//
// A path belongs to layer N if one of its components (split on "/" or ".") is "layer_N", "layers_N",
// or is "N" immediately following a "layer" or "layers" component, e.g. "model/layer_20/mlp/up_proj/weights"
// or "layers.20.weight".
type LayerSelector struct {
	Layers sets.Set[int]
}

// NewLayerSelector creates a LayerSelector. It fails if no layers are given or an index is negative.
func NewLayerSelector(layers ...int) (*LayerSelector, error) {
	if len(layers) == 0 {
		return nil, errors.New("layer selector requires at least one layer index")
	}
	for _, layer := range layers {
		if layer < 0 {
			return nil, errors.Errorf("layer selector indices must be >= 0, got %v", layers)
		}
	}
	return &LayerSelector{Layers: sets.MakeWith(layers...)}, nil
}

var layerComponentRegexp = regexp.MustCompile(`^layers?_(\d+)$`)

// LayerIndex returns the layer index encoded in a parameter path, if any.
func LayerIndex(path string) (int, bool) {
	components := strings.FieldsFunc(path, func(r rune) bool { return r == '/' || r == '.' })
	for ii, component := range components {
		if matches := layerComponentRegexp.FindStringSubmatch(component); matches != nil {
			if idx, err := strconv.Atoi(matches[1]); err == nil {
				return idx, true
			}
		}
		if (component == "layer" || component == "layers") && ii+1 < len(components) {
			if idx, err := strconv.Atoi(components[ii+1]); err == nil {
				return idx, true
			}
		}
	}
	return 0, false
}

// Match implements Selector.
func (s *LayerSelector) Match(path string) bool {
	idx, found := LayerIndex(path)
	return found && s.Layers.Has(idx)
}

// String implements fmt.Stringer.
func (s *LayerSelector) String() string {
	layers := xslices.SortedKeys(s.Layers)
	return fmt.Sprintf("%s(%s)", ModeLayers,
		strings.Join(xslices.Map(layers, strconv.Itoa), ","))
}

// PatternSelector matches paths matched by any of its regular expressions.
type PatternSelector struct {
	Patterns []*regexp.Regexp
}

// NewPatternSelector compiles the given regular expressions into a PatternSelector.
func NewPatternSelector(patterns ...string) (*PatternSelector, error) {
	if len(patterns) == 0 {
		return nil, errors.New("regexp selector requires at least one pattern")
	}
	s := &PatternSelector{Patterns: make([]*regexp.Regexp, 0, len(patterns))}
	for _, pattern := range patterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid trainable pattern %q", pattern)
		}
		s.Patterns = append(s.Patterns, re)
	}
	return s, nil
}

// Match implements Selector.
func (s *PatternSelector) Match(path string) bool {
	for _, re := range s.Patterns {
		if re.MatchString(path) {
			return true
		}
	}
	return false
}

// String implements fmt.Stringer.
func (s *PatternSelector) String() string {
	return fmt.Sprintf("%s(%s)", ModeRegexp,
		strings.Join(xslices.Map(s.Patterns, func(re *regexp.Regexp) string { return re.String() }), ","))
}

// ParseSelector creates a Selector from its configuration: mode is one of ModeSubstring, ModeLayers
// or ModeRegexp, and spec is a comma-separated list of markers, layer indices or regular expressions.
//
// An empty spec with ModeSubstring (or an empty mode) yields the DefaultSelector.
func ParseSelector(mode, spec string) (Selector, error) {
	var items []string
	for _, item := range strings.Split(spec, ",") {
		item = strings.TrimSpace(item)
		if item != "" {
			items = append(items, item)
		}
	}
	switch mode {
	case "", ModeSubstring:
		if len(items) == 0 {
			return DefaultSelector(), nil
		}
		return NewSubstringSelector(items...)
	case ModeLayers:
		layers := make([]int, 0, len(items))
		for _, item := range items {
			layer, err := strconv.Atoi(item)
			if err != nil {
				return nil, errors.Wrapf(err, "invalid layer index %q in trainable layers %q", item, spec)
			}
			layers = append(layers, layer)
		}
		return NewLayerSelector(layers...)
	case ModeRegexp:
		return NewPatternSelector(items...)
	default:
		return nil, errors.Errorf("unknown trainable selector mode %q, valid values are %q, %q or %q",
			mode, ModeSubstring, ModeLayers, ModeRegexp)
	}
}
