// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package paramtree

import (
	"strings"

	"github.com/gomlx/gomlx/pkg/ml/context"
)

// VariablePath returns the flattened path of a context variable: its scope and name, without the leading
// root separator. E.g. "model/layer_20/attn/q_proj/weights".
func VariablePath(v *context.Variable) string {
	return strings.TrimPrefix(v.ScopeAndName(), context.ScopeSeparator)
}

// FromContext returns the tree of variables under the current scope of ctx.
func FromContext(ctx *context.Context) (Tree[*context.Variable], error) {
	t := New[*context.Variable]()
	for v := range ctx.IterVariablesInScope() {
		var err error
		t, err = t.Set(VariablePath(v), v)
		if err != nil {
			return New[*context.Variable](), err
		}
	}
	return t, nil
}
