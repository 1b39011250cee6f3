// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"cmp"
	"flag"
	"fmt"
	"slices"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gemmathon/Gemma-EasyLM/pkg/checkpoint"
	"github.com/gemmathon/Gemma-EasyLM/pkg/paramtree"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph" //nolint
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/janpfeifer/must"
)

var (
	flagVars       = flag.Bool("vars", false, "Lists the variables under -scope, and whether they are trained.")
	flagDeleteVars = flag.String("delete_vars", "",
		"Delete variables under the given comma-separated scope(s), and save a new checkpoint. "+
			"Useful for instance to remove the optimizer state before resuming with a different optimizer.")
	flagPerturbVars = flag.Float64("perturb", 0,
		"Perturbs the trained model parameters by <x>: it multiplies the weights by 1.0+(RandomUniform(-1, 1)*x). "+
			"Only float parameters matched by the trainable selector (see -trainable) are modified. "+
			"Consider also removing the optimizer moving averages with -delete_vars.")
)

// variableRow describes one variable in the -vars report.
type variableRow struct {
	path    string
	cells   []string
	trained bool
}

// variableRows returns the rows of the -vars report for the variables under the scope of ctx, sorted by path.
// statsFn computes the (MAV, RMS, MaxAV) of float variables, and may be nil.
func variableRows(ctx *context.Context, selector paramtree.Selector, statsFn func(v *context.Variable) [3]float64) []variableRow {
	var rows []variableRow
	for v := range ctx.IterVariablesInScope() {
		path := paramtree.VariablePath(v)
		if !v.IsValid() {
			rows = append(rows, variableRow{path: path, cells: []string{path, "<invalid>", "", "", "", "", "", ""}})
			continue
		}
		trained := checkpoint.IsModelVariable(v) && selector.Match(path)
		shape := v.Shape()
		var mav, rms, maxAV string
		if shape.Size() == 1 {
			mav = fmt.Sprintf("%8v", must.M1(v.Value()).Value())
		} else if shape.DType.IsFloat() && statsFn != nil {
			stats := statsFn(v)
			mav = fmt.Sprintf("%.3g", stats[0])
			rms = fmt.Sprintf("%.3g", stats[1])
			maxAV = fmt.Sprintf("%.3g", stats[2])
		}
		trainedCell := "frozen"
		if trained {
			trainedCell = "trained"
		}
		rows = append(rows, variableRow{
			path:    path,
			trained: trained,
			cells: []string{
				path, shape.String(), trainedCell,
				humanize.Comma(int64(shape.Size())),
				humanize.Bytes(uint64(shape.Memory())),
				mav, rms, maxAV,
			},
		})
	}
	slices.SortFunc(rows, func(a, b variableRow) int { return cmp.Compare(a.path, b.path) })
	return rows
}

// ListVariables under the scope of ctx, with their shape, whether they are trained, and their MAV (mean absolute value),
// RMS (root-mean-square) and MaxAV (max absolute value).
func ListVariables(ctx *context.Context, selector paramtree.Selector) {
	fmt.Println(titleStyle.Render(fmt.Sprintf("Variables in scope %q", ctx.Scope())))
	statsExec := MustNewExec(backends.MustNew(), func(x *Node) (mav, rms, maxAV *Node) {
		x = ConvertDType(x, dtypes.Float64)
		mav = ReduceAllMean(Abs(x))
		rms = Sqrt(ReduceAllMean(Square(x)))
		maxAV = ReduceAllMax(Abs(x))
		return
	}).SetMaxCache(-1)
	statsFn := func(v *context.Variable) (stats [3]float64) {
		outputs := statsExec.MustExec(must.M1(v.Value()))
		for ii := range stats {
			stats[ii] = outputs[ii].Value().(float64)
		}
		return
	}

	table := newReportTable()
	table.Headers("Variable", "Shape", "Training", "Size", "Bytes", "Scalar/MAV", "RMS", "MaxAV")
	for _, row := range variableRows(ctx, selector, statsFn) {
		if row.trained {
			table.Row(row.cells...)
		} else {
			table.StyledRow(frozenRowStyle, row.cells...)
		}
	}
	fmt.Println(table.Render())
	fmt.Printf("  Trainable selector: %s\n", emphasisStyle.Render(selector.String()))
	if *flagGlossary {
		fmt.Printf("  %s:\n", sectionStyle.Render("Glossary"))
		fmt.Printf("   ◦ %s: %s\n", emphasisStyle.Render("Training"), italicStyle.Render("Whether the variable is updated by the train step (\"trained\") or rolled back (\"frozen\")"))
		fmt.Printf("   ◦ %s: %s\n", emphasisStyle.Render("Scalar/MAV"), italicStyle.Render("If variable is a scalar then the value itself, else the Mean Absolute Value"))
		fmt.Printf("   ◦ %s: %s\n", emphasisStyle.Render("RMS"), italicStyle.Render("Root Mean Square"))
		fmt.Printf("   ◦ %s: %s\n", emphasisStyle.Render("MaxAV"), italicStyle.Render("Max Absolute Value"))
	}
}

// inScopes returns whether the variable is under any of the given scopes.
func inScopes(v *context.Variable, scopes []string) bool {
	for _, scope := range scopes {
		scope = strings.TrimSuffix(scope, context.ScopeSeparator)
		if scope == "" {
			continue
		}
		if v.Scope() == scope || strings.HasPrefix(v.Scope(), scope+context.ScopeSeparator) {
			return true
		}
	}
	return false
}

// DeleteVars under the given scopes of the latest checkpoint in runDir, and saves a new checkpoint.
func DeleteVars(runDir string, scopes ...string) {
	ctx := context.New()
	handler := must.M1(checkpoints.Build(ctx).Dir(runDir).Keep(-1).Immediate().Done())
	var toDelete []*context.Variable
	for v := range ctx.IterVariables() {
		if inScopes(v, scopes) {
			toDelete = append(toDelete, v)
		}
	}
	if len(toDelete) == 0 {
		fmt.Printf("No variables under scopes %v.\n", scopes)
		return
	}
	for _, v := range toDelete {
		must.M(ctx.DeleteVariable(v.Scope(), v.Name()))
	}
	must.M(handler.Save())
	fmt.Printf("%d deleted vars under scopes %v, new checkpoint saved.\n", len(toDelete), scopes)
}

// PerturbVars multiplies the float model parameters matched by selector by a random factor in [1-x, 1+x],
// and saves a new checkpoint in runDir.
func PerturbVars(runDir string, x float64, selector paramtree.Selector) {
	backend := backends.MustNew()
	ctx := context.New()
	handler := must.M1(checkpoints.Build(ctx).Dir(runDir).Keep(-1).Immediate().Done())
	var numUpdates int
	for v := range ctx.IterVariables() {
		if !checkpoint.IsModelVariable(v) || !v.DType().IsFloat() || !selector.Match(paramtree.VariablePath(v)) {
			continue
		}
		newValue := context.MustExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
			value := v.ValueGraph(g)
			// Factor uniformly distributed in [1-x, 1+x).
			factor := AddScalar(MulScalar(ctx.RandomUniform(g, value.Shape()), 2), -1)
			factor = AddScalar(MulScalar(factor, x), 1)
			return Mul(value, ConvertDType(factor, value.DType()))
		})
		must.M(v.SetValue(newValue))
		numUpdates++
	}
	must.M(handler.Save())
	fmt.Printf("%d variables perturbed (selector %s), new checkpoint saved.\n", numUpdates, selector)
}
