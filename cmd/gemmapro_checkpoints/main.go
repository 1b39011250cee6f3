// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// gemmapro_checkpoints reports on the checkpoints of one or more Gemma-Pro training runs: model size,
// hyperparameters, variables (and whether they are trained), checkpoint metadata and the metrics
// logged during training.
//
// Usage:
//
//	gemmapro_checkpoints [flags] <run_dir> [<run_dir> ...]
//
// With more than one run directory, the reports are presented side by side, and values that differ
// across runs are highlighted.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/gemmathon/Gemma-EasyLM/pkg/gemma"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagScope = flag.String("scope", "/"+gemma.ModelScope, "The scope of the checkpoint to inspect. "+
		"Besides the model, the checkpoint holds the optimizer state and step counters. "+
		"This flag tells which scope is considered for the -summary and -vars reports.")
	flagSummary = flag.Bool("summary", false, "Display a summary of the model sizes (for variables"+
		" under -scope), the global step and the checkpoint metadata step.")
	flagParams   = flag.Bool("params", false, "Lists the hyperparameters.")
	flagGlossary = flag.Bool("glossary", true, "Whether to list glossary of the metrics displayed with -vars.")

	flagTrainableMode = flag.String("trainable_mode", "",
		"Selector mode used to mark the trained variables in -vars and -summary. "+
			"If empty, the mode saved in the checkpoint metadata is used.")
	flagTrainable = flag.String("trainable", "",
		"Selector spec used to mark the trained variables in -vars and -summary. "+
			"If empty, the spec saved in the checkpoint metadata is used.")
)

var (
	titleStyle    = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
	sectionStyle  = lipgloss.NewStyle().Bold(true)
	emphasisStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("99"))
	italicStyle   = lipgloss.NewStyle().Italic(true)
)

func main() {
	klog.InitFlags(nil)
	flag.Usage = func() {
		_, _ = fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] <run_dir> [<run_dir> ...]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	runDirs := flag.Args()
	if len(runDirs) == 0 {
		klog.Errorf("Missing run directory to read from. See 'gemmapro_checkpoints -help'")
		os.Exit(1)
	}
	for ii, runDir := range runDirs {
		runDirs[ii] = fsutil.MustReplaceTildeInDir(runDir)
	}

	if *flagDeleteVars != "" || *flagPerturbVars != 0 {
		if len(runDirs) > 1 {
			klog.Fatalf("-delete_vars and -perturb can only be used with one run directory, got %d", len(runDirs))
		}
		if *flagDeleteVars != "" {
			DeleteVars(runDirs[0], strings.Split(*flagDeleteVars, ",")...)
		}
		if *flagPerturbVars != 0 {
			PerturbVars(runDirs[0], *flagPerturbVars, selectorFor(runDirs[0]))
		}
		return
	}

	names := MinimalUniquePaths(runDirs...)
	var ctxs, scopedCtxs []*context.Context
	if *flagSummary || *flagParams || *flagVars {
		ctxs = make([]*context.Context, len(runDirs))
		scopedCtxs = make([]*context.Context, len(runDirs))
		for ii, runDir := range runDirs {
			ctxs[ii] = context.New()
			_ = must.M1(checkpoints.Build(ctxs[ii]).Dir(runDir).Immediate().Done())
			scopedCtxs[ii] = ctxs[ii]
			if *flagScope != "" {
				scopedCtxs[ii] = ctxs[ii].InAbsPath(*flagScope)
			}
		}
	}

	if *flagSummary {
		Summary(ctxs, scopedCtxs, runDirs, names)
	}
	if *flagParams {
		Params(ctxs, names)
	}
	if *flagVars {
		for ii, scopedCtx := range scopedCtxs {
			if len(names) > 1 {
				fmt.Println(sectionStyle.Render(fmt.Sprintf("Run %q", names[ii])))
			}
			ListVariables(scopedCtx, selectorFor(runDirs[ii]))
		}
	}
	if *flagMetadata {
		ReportMetadata(runDirs, names)
	}
	if *flagMetrics || *flagMetricsLabels || *flagPlot {
		metrics(runDirs, names)
	}
}
