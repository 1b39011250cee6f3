// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package paramtree

import (
	"github.com/pkg/errors"
)

// Mask returns a boolean tree with the same structure as t, where each leaf is true iff
// selector matches the leaf's flattened path. Values of t are not looked at.
func Mask[T any](t Tree[T], selector Selector) Tree[bool] {
	return Map(t, func(path string, _ T) bool {
		return selector.Match(path)
	})
}

// Extract returns the sub-tree of t holding only the leaves marked true in mask.
// Inner nodes left without any leaf are pruned.
//
// It returns an error if mask doesn't have the same structure as t.
func Extract[T any](t Tree[T], mask Tree[bool]) (Tree[T], error) {
	extracted, err := extractNode(t.rootOrEmpty(), mask.rootOrEmpty(), nil)
	if err != nil {
		return New[T](), err
	}
	if extracted == nil {
		return New[T](), nil
	}
	return Tree[T]{root: extracted}, nil
}

func extractNode[T any](n *node[T], m *node[bool], prefix []string) (*node[T], error) {
	if m == nil {
		return nil, errors.Errorf("paramtree: mask is missing path %q", JoinPath(prefix...))
	}
	if n.leaf != m.leaf {
		return nil, errors.Errorf("paramtree: mask and tree structure differ at %q (tree leaf=%v, mask leaf=%v)",
			JoinPath(prefix...), n.leaf, m.leaf)
	}
	if n.leaf {
		if m.value {
			return n, nil
		}
		return nil, nil
	}
	if len(m.children) != len(n.children) {
		for key := range m.children {
			if _, found := n.children[key]; !found {
				return nil, errors.Errorf("paramtree: mask has path %q not present in tree",
					JoinPath(append(prefix, key)...))
			}
		}
	}
	var newNode *node[T]
	for key, child := range n.children {
		extractedChild, err := extractNode(child, m.children[key], append(prefix, key))
		if err != nil {
			return nil, err
		}
		if extractedChild == nil {
			continue
		}
		if newNode == nil {
			newNode = newInner[T](len(n.children))
		}
		newNode.children[key] = extractedChild
	}
	return newNode, nil
}

// Merge recursively overlays update onto base and returns the result:
// for each key in update, if both base and update hold sub-trees at that key, they are merged
// recursively; otherwise the update value replaces the base value wholesale.
//
// Keys only present in update are inserted, keys only present in base are preserved.
// Neither base nor update are modified, and the result shares the untouched sub-trees of both.
func Merge[T any](base, update Tree[T]) Tree[T] {
	return Tree[T]{root: mergeNode(base.rootOrEmpty(), update.rootOrEmpty())}
}

func mergeNode[T any](base, update *node[T]) *node[T] {
	if update == nil {
		return base
	}
	if base == nil || base.leaf || update.leaf {
		return update
	}
	if len(update.children) == 0 {
		return base
	}
	merged := newInner[T](len(base.children) + len(update.children))
	for key, child := range base.children {
		merged.children[key] = child
	}
	for key, child := range update.children {
		merged.children[key] = mergeNode(base.children[key], child)
	}
	return merged
}

// SelectiveUpdate returns pre with only the leaves of post selected by selector: it is
// Merge(pre, Extract(post, Mask(post, selector))).
//
// Leaves not selected keep their values from pre.
func SelectiveUpdate[T any](pre, post Tree[T], selector Selector) (Tree[T], error) {
	mask := Mask(post, selector)
	updates, err := Extract(post, mask)
	if err != nil {
		return pre, err
	}
	return Merge(pre, updates), nil
}
