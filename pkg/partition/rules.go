// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package partition

import (
	"regexp"
	"strings"

	"github.com/gemmathon/Gemma-EasyLM/pkg/paramtree"
	"github.com/gomlx/gomlx/pkg/core/distributed"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"k8s.io/klog/v2"
)

// Rule maps parameters whose path matches Pattern (anywhere in the path) to the sharding of
// each of its axes. A nil or empty AxisSpec means the axis is replicated.
type Rule struct {
	Pattern *regexp.Regexp
	Axes    []distributed.AxisSpec
}

// NewRule creates a rule for the given regular expression, with one entry per tensor axis.
// Each entry is a comma separated list of mesh axes names, or "" for a replicated axis.
//
// Example: NewRule("attn/q_proj/weights$", "fsdp", "mp").
func NewRule(pattern string, axes ...string) (Rule, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return Rule{}, errors.Wrapf(err, "invalid partition rule pattern %q", pattern)
	}
	rule := Rule{Pattern: re}
	for _, axis := range axes {
		if axis == "" {
			rule.Axes = append(rule.Axes, distributed.ReplicatedAxis)
			continue
		}
		rule.Axes = append(rule.Axes, distributed.AxisSpec(strings.Split(axis, ",")))
	}
	return rule, nil
}

// MustNewRule is like NewRule, but panics on error.
func MustNewRule(pattern string, axes ...string) Rule {
	rule, err := NewRule(pattern, axes...)
	if err != nil {
		panic(err)
	}
	return rule
}

// Rules is an ordered list of partition rules: the first matching rule is used.
type Rules []Rule

// Match returns the first rule matching path.
func (rules Rules) Match(path string) (Rule, bool) {
	return lo.Find(rules, func(r Rule) bool { return r.Pattern.MatchString(path) })
}

// SpecFor returns the sharding spec for the parameter with the given path and shape.
//
// Scalars, and parameters not matched by any rule, are replicated.
// Sharded axes whose dimension is not divisible by the number of devices in the mesh axes are replicated
// instead, and the change is logged.
func (rules Rules) SpecFor(mesh *distributed.DeviceMesh, path string, shape shapes.Shape) (*distributed.ShardingSpec, error) {
	if shape.IsScalar() {
		return distributed.NewReplicatedShardingSpec(mesh), nil
	}
	rule, found := rules.Match(path)
	if !found {
		klog.V(1).Infof("no partition rule for parameter %q: replicating", path)
		return distributed.NewReplicatedShardingSpec(mesh), nil
	}
	if len(rule.Axes) > shape.Rank() {
		return nil, errors.Errorf("partition rule %q for parameter %q has %d axes, but the parameter has shape %s",
			rule.Pattern, path, len(rule.Axes), shape)
	}
	axes := make([]distributed.AxisSpec, len(rule.Axes))
	for axis, meshAxes := range rule.Axes {
		numShards := 1
		for _, meshAxis := range meshAxes {
			size, err := mesh.AxisSize(meshAxis)
			if err != nil {
				return nil, errors.WithMessagef(err, "partition rule %q for parameter %q", rule.Pattern, path)
			}
			numShards *= size
		}
		if shape.Dimensions[axis]%numShards != 0 {
			klog.V(1).Infof("parameter %q axis #%d (dimension %d) not divisible by %d shards of %v: replicating",
				path, axis, shape.Dimensions[axis], numShards, meshAxes)
			continue
		}
		axes[axis] = meshAxes
	}
	return distributed.NewShardingSpec(mesh, axes...)
}

// Specs returns the sharding specs for all variables of ctx, keyed by their paths (see paramtree.VariablePath).
func (rules Rules) Specs(ctx *context.Context, mesh *distributed.DeviceMesh) (paramtree.Tree[*distributed.ShardingSpec], error) {
	specs := paramtree.New[*distributed.ShardingSpec]()
	var err error
	for v := range ctx.IterVariables() {
		path := paramtree.VariablePath(v)
		var spec *distributed.ShardingSpec
		spec, err = rules.SpecFor(mesh, path, v.Shape())
		if err != nil {
			return specs, err
		}
		specs, err = specs.Set(path, spec)
		if err != nil {
			return specs, err
		}
	}
	return specs, nil
}

// Apply sets the sharding of every variable in ctx according to the rules.
// It should be called once, before the variables values are materialized on the devices.
// See Sharder for variables created later, like the optimizer state.
func (rules Rules) Apply(ctx *context.Context, mesh *distributed.DeviceMesh) error {
	_, err := NewSharder(rules, mesh).Apply(ctx)
	return err
}

// Sharder applies the rules to the variables of a context as they are created.
//
// Each variable is sharded once: calling Apply again only shards the variables created in the meantime,
// e.g. the optimizer moments created while building the first train step.
type Sharder struct {
	rules Rules
	mesh  *distributed.DeviceMesh
	specs map[string]*distributed.ShardingSpec
}

// NewSharder creates a Sharder of variables over mesh.
func NewSharder(rules Rules, mesh *distributed.DeviceMesh) *Sharder {
	return &Sharder{rules: rules, mesh: mesh, specs: make(map[string]*distributed.ShardingSpec)}
}

// Apply sets the sharding of the variables of ctx not yet sharded by s.
// It returns the number of variables sharded.
func (s *Sharder) Apply(ctx *context.Context) (int, error) {
	var count int
	for v := range ctx.IterVariables() {
		path := paramtree.VariablePath(v)
		if _, done := s.specs[path]; done {
			continue
		}
		spec, err := s.rules.SpecFor(s.mesh, path, v.Shape())
		if err != nil {
			return count, err
		}
		if err = v.SetShardingSpec(spec); err != nil {
			return count, errors.WithMessagef(err, "setting sharding of %q", v.ScopeAndName())
		}
		s.specs[path] = spec
		count++
		klog.V(2).Infof("sharding %s: %s", v.ScopeAndName(), spec)
	}
	return count, nil
}

// Spec returns the sharding set for the variable with the given path (see paramtree.VariablePath).
func (s *Sharder) Spec(path string) (*distributed.ShardingSpec, bool) {
	spec, found := s.specs[path]
	return spec, found
}
