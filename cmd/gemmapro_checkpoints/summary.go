// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gemmathon/Gemma-EasyLM/pkg/paramtree"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
)

// sizeStats of a set of variables.
type sizeStats struct {
	numVars   int
	numParams int
	numBytes  uintptr
}

func (s *sizeStats) add(v *context.Variable) {
	s.numVars++
	s.numParams += v.Shape().Size()
	s.numBytes += v.Shape().Memory()
}

// countVariables under the scope of ctx, split by whether the selector matches them.
func countVariables(ctx *context.Context, selector paramtree.Selector) (total, trained sizeStats) {
	for v := range ctx.IterVariablesInScope() {
		if !v.IsValid() {
			continue
		}
		total.add(v)
		if selector != nil && selector.Match(paramtree.VariablePath(v)) {
			trained.add(v)
		}
	}
	return
}

// Summary prints a table with the global step and the sizes of the model of each run.
func Summary(ctxs, scopedCtxs []*context.Context, runDirs, names []string) {
	numRuns := len(names)
	fmt.Println(titleStyle.Render("Summary"))
	table := newReportTable(lipgloss.Right, lipgloss.Left)
	table.Row(append([]string{"run"}, names...)...)

	row := func(title string, valueFn func(ii int) string) {
		values := make([]string, numRuns+1)
		values[0] = title
		for ii := range numRuns {
			values[ii+1] = valueFn(ii)
		}
		table.HighlightedRowIf(numRuns > 1 && !allEqual(values[1:]), values...)
	}
	row("scope", func(int) string { return *flagScope })
	row("global_step", func(ii int) string {
		if ctxs[ii].GetVariable(optimizers.GlobalStepVariableName) == nil {
			return ""
		}
		return humanize.Comma(optimizers.GetGlobalStep(ctxs[ii]))
	})
	row("metadata step", func(ii int) string {
		_, metadata, err := latestMetadata(runDirs[ii])
		if err != nil {
			return ""
		}
		step := humanize.Comma(metadata.Step)
		if metadata.Milestone {
			step += " (milestone)"
		}
		return step
	})

	totals := make([]sizeStats, numRuns)
	trained := make([]sizeStats, numRuns)
	for ii, scopedCtx := range scopedCtxs {
		totals[ii], trained[ii] = countVariables(scopedCtx, selectorFor(runDirs[ii]))
	}
	row("# variables", func(ii int) string { return humanize.Comma(int64(totals[ii].numVars)) })
	row("# parameters", func(ii int) string { return humanize.Comma(int64(totals[ii].numParams)) })
	row("# bytes", func(ii int) string { return humanize.Bytes(uint64(totals[ii].numBytes)) })
	row("# trained variables", func(ii int) string { return humanize.Comma(int64(trained[ii].numVars)) })
	row("# trained parameters", func(ii int) string {
		if totals[ii].numParams == 0 {
			return "0"
		}
		return fmt.Sprintf("%s (%.1f%%)", humanize.Comma(int64(trained[ii].numParams)),
			100*float64(trained[ii].numParams)/float64(totals[ii].numParams))
	})
	fmt.Println(table.Render())
}
