// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"flag"
	"fmt"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gemmathon/Gemma-EasyLM/pkg/checkpoint"
	"github.com/gemmathon/Gemma-EasyLM/pkg/paramtree"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"k8s.io/klog/v2"
)

var flagMetadata = flag.Bool("metadata", false,
	"Lists the metadata of the latest checkpoint: step, milestone, experiment id, the flags of the run and "+
		"the model configuration. Flags explicitly set for the run (its variant) are marked with a '*'.")

// latestMetadata returns the base name and metadata of the most recent checkpoint in runDir.
func latestMetadata(runDir string) (baseName string, metadata *checkpoint.Metadata, err error) {
	handler, err := checkpoints.Build(context.New()).Dir(runDir).Done()
	if err != nil {
		return "", nil, err
	}
	list, err := handler.ListCheckpoints()
	if err != nil {
		return "", nil, err
	}
	if len(list) == 0 {
		return "", nil, errors.Errorf("no checkpoints in %q", runDir)
	}
	baseName = list[len(list)-1]
	metadata, err = checkpoint.ReadMetadata(runDir, baseName)
	return baseName, metadata, err
}

// selectorFor the run in runDir: -trainable_mode and -trainable if set, otherwise the ones recorded in the
// metadata of its latest checkpoint.
func selectorFor(runDir string) paramtree.Selector {
	mode, spec := *flagTrainableMode, *flagTrainable
	if mode == "" && spec == "" {
		if _, metadata, err := latestMetadata(runDir); err == nil {
			mode, _ = metadata.Flags["trainable_mode"].(string)
			spec, _ = metadata.Flags["trainable"].(string)
		} else {
			klog.V(1).Infof("no metadata for %q, using default trainable selector: %v", runDir, err)
		}
	}
	selector, err := paramtree.ParseSelector(mode, spec)
	if err != nil {
		klog.Fatalf("invalid trainable selector for %q: %+v", runDir, err)
	}
	return selector
}

// metadataRows converts one map of the metadata (flags or model configuration) of each run to rows
// [key, value_1, ..., value_n], sorted by key. Keys in marked[run] get a "*" suffix on their value.
func metadataRows(maps []map[string]any, marked []map[string]any) [][]string {
	keys := lo.Uniq(lo.FlatMap(maps, func(m map[string]any, _ int) []string { return lo.Keys(m) }))
	slices.Sort(keys)
	rows := make([][]string, 0, len(keys))
	for _, key := range keys {
		row := make([]string, 1+len(maps))
		row[0] = key
		for ii, m := range maps {
			value, found := m[key]
			if !found {
				continue
			}
			row[ii+1] = fmt.Sprintf("%v", value)
			if marked != nil && marked[ii] != nil {
				if _, isMarked := marked[ii][key]; isMarked {
					row[ii+1] += " *"
				}
			}
		}
		rows = append(rows, row)
	}
	return rows
}

// ReportMetadata of the latest checkpoint of each run.
func ReportMetadata(runDirs, names []string) {
	numRuns := len(runDirs)
	metadatas := make([]*checkpoint.Metadata, numRuns)
	baseNames := make([]string, numRuns)
	milestones := make([][]string, numRuns)
	for ii, runDir := range runDirs {
		var err error
		baseNames[ii], metadatas[ii], err = latestMetadata(runDir)
		if err != nil {
			klog.Errorf("Failed to read metadata of %q: %+v", runDir, err)
			metadatas[ii] = &checkpoint.Metadata{Step: -1}
		}
		milestones[ii], err = checkpoint.ListMilestones(runDir)
		if err != nil {
			klog.Errorf("Failed to list milestones of %q: %+v", runDir, err)
		}
	}

	fmt.Println(titleStyle.Render("Checkpoint Metadata"))
	table := newReportTable(lipgloss.Right, lipgloss.Left)
	table.Headers(append([]string{"Run"}, names...)...)
	addRow := func(title string, valueFn func(ii int) string) {
		row := make([]string, numRuns+1)
		row[0] = title
		for ii := range numRuns {
			row[ii+1] = valueFn(ii)
		}
		table.HighlightedRowIf(numRuns > 1 && !allEqual(row[1:]), row...)
	}
	addRow("checkpoint", func(ii int) string { return baseNames[ii] })
	addRow("step", func(ii int) string { return humanize.Comma(metadatas[ii].Step) })
	addRow("milestone", func(ii int) string { return fmt.Sprintf("%v", metadatas[ii].Milestone) })
	addRow("experiment_id", func(ii int) string { return metadatas[ii].ExperimentID })
	addRow("# milestones", func(ii int) string { return humanize.Comma(int64(len(milestones[ii]))) })
	addRow("milestone steps", func(ii int) string {
		return strings.Join(lo.Map(milestones[ii], func(baseName string, _ int) string {
			if m, err := checkpoint.ReadMetadata(runDirs[ii], baseName); err == nil {
				return humanize.Comma(m.Step)
			}
			return "?"
		}), ", ")
	})
	fmt.Println(table.Render())

	sections := []struct {
		title  string
		values func(m *checkpoint.Metadata) map[string]any
		marked func(m *checkpoint.Metadata) map[string]any
	}{
		{"Flags", func(m *checkpoint.Metadata) map[string]any { return m.Flags },
			func(m *checkpoint.Metadata) map[string]any { return m.Variant }},
		{"Model Configuration", func(m *checkpoint.Metadata) map[string]any { return m.ModelConfig }, nil},
	}
	for _, section := range sections {
		fmt.Println(titleStyle.Render(section.title))
		table := newReportTable(lipgloss.Right, lipgloss.Left)
		table.Headers(append([]string{"Name"}, names...)...)
		values := lo.Map(metadatas, func(m *checkpoint.Metadata, _ int) map[string]any { return section.values(m) })
		var marked []map[string]any
		if section.marked != nil {
			marked = lo.Map(metadatas, func(m *checkpoint.Metadata, _ int) map[string]any { return section.marked(m) })
		}
		for _, row := range metadataRows(values, marked) {
			table.HighlightedRowIf(numRuns > 1 && !allEqual(row[1:]), row...)
		}
		fmt.Println(table.Render())
	}
	if *flagGlossary {
		fmt.Printf("  %s:\n", sectionStyle.Render("Glossary"))
		fmt.Printf("   ◦ %s: %s\n", emphasisStyle.Render("*"), italicStyle.Render("Flag explicitly set for the run"))
	}
}
