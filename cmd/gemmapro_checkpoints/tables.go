// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)
	plainRowStyle = lipgloss.NewStyle().PaddingLeft(1).PaddingRight(1)
	faintRowStyle = plainRowStyle.Faint(true)
	// highlightRowStyle marks rows whose values differ across runs.
	highlightRowStyle = plainRowStyle.
				Foreground(lipgloss.AdaptiveColor{Light: "9", Dark: "9"}).
				Bold(true)
	// frozenRowStyle marks variables not updated by training.
	frozenRowStyle = plainRowStyle.Foreground(lipgloss.AdaptiveColor{Light: "33", Dark: "39"})
)

// reportTable is a lipgloss table whose rows can be individually highlighted.
type reportTable struct {
	*lgtable.Table
	numRows int
	styles  map[int]lipgloss.Style
}

// newReportTable creates a table whose columns are aligned by alignments: the last alignment
// given is used for the remaining columns, and lipgloss.Left is used if none is given.
func newReportTable(alignments ...lipgloss.Position) *reportTable {
	t := &reportTable{styles: make(map[int]lipgloss.Style)}
	t.Table = lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == lgtable.HeaderRow {
				return headerRowStyle
			}
			s, found := t.styles[row]
			if !found {
				s = plainRowStyle
				if row%2 == 1 {
					s = faintRowStyle
				}
			}
			alignment := lipgloss.Left
			if col < len(alignments) {
				alignment = alignments[col]
			} else if len(alignments) > 0 {
				alignment = alignments[len(alignments)-1]
			}
			return s.Align(alignment)
		})
	return t
}

// Row appends a row with the default (alternating) style.
func (t *reportTable) Row(row ...string) *reportTable {
	t.Table.Row(row...)
	t.numRows++
	return t
}

// StyledRow appends a row with the given style.
func (t *reportTable) StyledRow(style lipgloss.Style, row ...string) *reportTable {
	t.styles[t.numRows] = style
	return t.Row(row...)
}

// HighlightedRowIf appends a row highlighted if highlight is true.
func (t *reportTable) HighlightedRowIf(highlight bool, row ...string) *reportTable {
	if highlight {
		return t.StyledRow(highlightRowStyle, row...)
	}
	return t.Row(row...)
}

// allEqual returns whether all elements of s are the same.
func allEqual[E comparable](s []E) bool {
	for ii := 1; ii < len(s); ii++ {
		if s[ii] != s[0] {
			return false
		}
	}
	return true
}
