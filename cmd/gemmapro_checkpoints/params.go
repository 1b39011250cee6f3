// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/samber/lo"
)

type scopeKey struct{ Scope, Key string }

// paramsRows returns one row per hyperparameter set in any of the contexts: [scope, key, type, values...].
func paramsRows(ctxs []*context.Context) [][]string {
	var keys []scopeKey
	for _, ctx := range ctxs {
		ctx.EnumerateParams(func(scope, key string, _ any) {
			keys = append(keys, scopeKey{Scope: scope, Key: key})
		})
	}
	keys = lo.Uniq(keys)
	slices.SortFunc(keys, func(a, b scopeKey) int {
		return cmp.Or(cmp.Compare(a.Scope, b.Scope), cmp.Compare(a.Key, b.Key))
	})

	rows := make([][]string, 0, len(keys))
	for _, sk := range keys {
		row := make([]string, 3+len(ctxs))
		row[0], row[1] = sk.Scope, sk.Key
		for ii, ctx := range ctxs {
			if sk.Scope != context.RootScope {
				ctx = ctx.InAbsPath(sk.Scope)
			}
			value, found := ctx.GetParam(sk.Key)
			if !found {
				continue
			}
			if row[2] == "" {
				row[2] = fmt.Sprintf("%T", value)
			}
			row[3+ii] = fmt.Sprintf("%v", value)
		}
		rows = append(rows, row)
	}
	return rows
}

// Params lists the hyperparameters saved with the checkpoints, highlighting those that differ across runs.
func Params(ctxs []*context.Context, names []string) {
	fmt.Println(titleStyle.Render("Hyperparameters"))
	table := newReportTable()
	headers := []string{"Scope", "Name", "Type"}
	if len(names) == 1 {
		headers = append(headers, "Value")
	} else {
		headers = append(headers, names...)
	}
	table.Headers(headers...)
	for _, row := range paramsRows(ctxs) {
		table.HighlightedRowIf(!allEqual(row[3:]), row...)
	}
	fmt.Println(table.Render())
}
